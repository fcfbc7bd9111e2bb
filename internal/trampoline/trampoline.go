// Package trampoline writes machine code: per-unit entry thunks in an
// executable arena, and jumps written over the entry point of existing
// functions.
//
// Writing over a live entry point is not atomic. A thread that enters the
// function while the bytes are being written can execute a torn
// instruction sequence. Callers are expected to patch only while the
// process is otherwise quiet.
package trampoline

import (
	"fmt"
	"reflect"
	"unsafe"

	"github.com/pboyd/hotswap/internal/fault"
)

type funcval struct {
	fn uintptr
}

// FuncAt returns a function value of type ft whose code is at entry. The
// code must follow the Go internal ABI for ft.
func FuncAt(entry uintptr, ft reflect.Type) reflect.Value {
	if ft.Kind() != reflect.Func {
		panic(fmt.Sprintf("trampoline: FuncAt: %v is not a function type", ft))
	}
	fv := &funcval{fn: entry}
	cell := unsafe.Pointer(fv)
	return reflect.NewAt(ft, unsafe.Pointer(&cell)).Elem()
}

// Write overwrites the code at entry with a jump to dest and returns the
// bytes written. entry must be a thunk returned by Thunk or the entry of
// a Go function. The write cannot be undone.
func Write(entry, dest uintptr) ([]byte, error) {
	if !Supported() {
		return nil, fault.Unsupported("machine code patching is not available on this platform")
	}

	code := Encode(entry, dest, ptrSize)

	if isThunk, err := thunkArena.overwrite(entry, code); isThunk {
		if err != nil {
			return nil, err
		}
		return code, nil
	}

	region, err := funcSlice(entry)
	if err != nil {
		return nil, err
	}
	if len(region) < len(code) {
		return nil, fmt.Errorf("function at 0x%x is %d bytes, too small for a %d byte jump", entry, len(region), len(code))
	}
	region = region[:len(code)]

	if err := mprotect(region, mprotectRWX); err != nil {
		return nil, err
	}
	defer mprotect(region, mprotectRX)

	copy(region, code)
	return code, nil
}

// Code returns n bytes of machine code starting at entry.
func Code(entry uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(entry)), n)
}
