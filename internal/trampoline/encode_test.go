package trampoline

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	t.Run("short", func(t *testing.T) {
		code := Encode(0x1000, 0x2000, 8)
		require.Len(t, code, ShortJumpSize)
		assert.Equal(t, byte(opcodeJMP), code[0])
		assert.Equal(t, int32(0x2000-0x1005), int32(binary.LittleEndian.Uint32(code[1:])))
	})

	t.Run("short backwards", func(t *testing.T) {
		code := Encode(0x2000, 0x1000, 8)
		require.Len(t, code, ShortJumpSize)
		assert.Equal(t, int32(0x1000-0x2005), int32(binary.LittleEndian.Uint32(code[1:])))
	})

	t.Run("long", func(t *testing.T) {
		code := Encode(0x1000, 0x7f12_3456_789a, 8)
		require.Len(t, code, LongJumpSize)
		assert.Equal(t, []byte{0x68, 0x9a, 0x78, 0x56, 0x34}, code[:5])
		assert.Equal(t, []byte{0xc7, 0x44, 0x24, 0x04, 0x12, 0x7f, 0x00, 0x00}, code[5:13])
		assert.Equal(t, byte(opcodeRET), code[13])

		text, err := Disassemble(code, 0x1000)
		require.NoError(t, err)
		assert.Contains(t, text, "PUSH")
		assert.Contains(t, text, "RET")
	})

	t.Run("32-bit", func(t *testing.T) {
		if ptrSize != 8 {
			t.Skip("needs a 64-bit address space")
		}
		code := Encode(0x1000, 0x7f12_3456_789a, 4)
		require.Len(t, code, Jump32Size)
		assert.Equal(t, byte(opcodePUSHimm), code[0])
		assert.Equal(t, byte(opcodeRET), code[5])
	})
}

func TestThunkCode(t *testing.T) {
	code := thunkCode(0x1122334455667788)
	require.Len(t, code, thunkSize)

	text, err := Disassemble(code, 0)
	require.NoError(t, err)
	assert.Contains(t, text, "RDX")
	assert.Contains(t, text, "JMP")
}
