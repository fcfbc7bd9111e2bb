package trampoline

import (
	"fmt"
	"unsafe"

	"github.com/pboyd/hotswap/internal/fault"
)

// The types below mirror the leading fields of the runtime's function
// table structures. Only the prefixes that are read here are declared, so
// they must only ever be used through pointers handed out by the runtime.

type funcInfo struct {
	*_func
	datap *moduledata
}

type _func struct {
	entryOff uint32 // start pc, as offset from moduledata.text
	nameOff  int32
}

type moduledata struct {
	pcHeader     unsafe.Pointer
	funcnametab  []byte
	cutab        []uint32
	filetab      []byte
	pctab        []byte
	pclntable    []byte
	ftab         []functab
	findfunctab  uintptr
	minpc, maxpc uintptr

	text, etext uintptr
}

type functab struct {
	entryoff uint32 // relative to runtime.text
	funcoff  uint32
}

//go:linkname findfunc runtime.findfunc
func findfunc(pc uintptr) funcInfo

// funcSlice returns the machine code of the Go function starting at entry.
// Its length runs to the start of the next function in the module.
func funcSlice(entry uintptr) ([]byte, error) {
	info := findfunc(entry)
	if info._func == nil || info.datap == nil {
		return nil, fault.TargetMissing("no Go function at 0x%x", entry)
	}
	funcOffset := uint32(entry - info.datap.text)
	if info.entryOff != funcOffset {
		return nil, fmt.Errorf("0x%x is not the entry of its function", entry)
	}
	length := uint32(info.datap.etext - entry)

	for _, ft := range info.datap.ftab {
		if ft.entryoff <= funcOffset {
			continue
		}
		if d := ft.entryoff - funcOffset; d < length {
			length = d
		}
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(entry)), int(length)), nil
}
