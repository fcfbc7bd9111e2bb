package trampoline

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"unsafe"

	"golang.org/x/arch/x86/x86asm"
)

const (
	opcodeINT3    = 0xcc
	opcodeJMP     = 0xe9 // JMP rel32
	opcodeJMPabs  = 0xff // JMP r/m64
	opcodeMOVimm  = 0xba // MOV imm64, DX (with REX.W)
	opcodeMOVrm   = 0xc7 // MOV imm32, r/m32
	opcodePUSHimm = 0x68 // PUSH imm32
	opcodeRET     = 0xc3

	prefixREXW = 0x48

	modRMDispSIB8  = 0x44 // [SIB + disp8], reg field 0
	modRMIndirectD = 0x22 // [RDX], reg field 4
	sibRSP         = 0x24
)

// Jump sizes in bytes.
const (
	ShortJumpSize = 5
	LongJumpSize  = 14
	Jump32Size    = 6
)

const (
	thunkSize = 32
	ptrSize   = int(unsafe.Sizeof(uintptr(0)))
)

// Encode returns the machine code for a jump from src to dst. A relative
// JMP is used when the displacement fits in 32 bits. Otherwise dst is
// pushed and returned into: as one 32-bit push for 4 byte pointers, or as
// a push of the low half followed by a store of the high half for 8 byte
// pointers.
func Encode(src, dst uintptr, width int) []byte {
	disp := int64(dst) - int64(src+ShortJumpSize)
	if disp >= math.MinInt32 && disp <= math.MaxInt32 {
		buf := make([]byte, ShortJumpSize)
		buf[0] = opcodeJMP
		binary.LittleEndian.PutUint32(buf[1:], uint32(int32(disp)))
		return buf
	}

	if width == 4 {
		buf := make([]byte, Jump32Size)
		buf[0] = opcodePUSHimm
		binary.LittleEndian.PutUint32(buf[1:], uint32(dst))
		buf[5] = opcodeRET
		return buf
	}

	target := uint64(dst)
	buf := make([]byte, LongJumpSize)

	// PUSH lo32
	buf[0] = opcodePUSHimm
	binary.LittleEndian.PutUint32(buf[1:], uint32(target))

	// MOV DWORD PTR [RSP+4], hi32
	buf[5] = opcodeMOVrm
	buf[6] = modRMDispSIB8
	buf[7] = sibRSP
	buf[8] = 4
	binary.LittleEndian.PutUint32(buf[9:], uint32(target>>32))

	// RET
	buf[13] = opcodeRET
	return buf
}

// thunkCode returns a thunk that loads closure into DX, the closure
// context register, and jumps to the code the closure points to.
//
//	MOVQ $closure, DX
//	JMP  (DX)
func thunkCode(closure uintptr) []byte {
	buf := make([]byte, thunkSize)
	buf[0] = prefixREXW
	buf[1] = opcodeMOVimm
	binary.LittleEndian.PutUint64(buf[2:], uint64(closure))
	buf[10] = opcodeJMPabs
	buf[11] = modRMIndirectD

	// Pad with INT3 to match what the compiler does
	for i := 12; i < len(buf); i++ {
		buf[i] = opcodeINT3
	}
	return buf
}

// Disassemble renders x86-64 machine code, one instruction per line,
// addressed from base.
func Disassemble(code []byte, base uintptr) (string, error) {
	var buf bytes.Buffer

	for i := 0; i < len(code); {
		if code[i] == opcodeINT3 {
			break
		}
		instruction, err := x86asm.Decode(code[i:], 64)
		if err != nil {
			return "", fmt.Errorf("decode error at offset %d: %w", i, err)
		}
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", base+uintptr(i), hex.EncodeToString(code[i:i+instruction.Len]), instruction.String())

		i += instruction.Len
	}

	return buf.String(), nil
}
