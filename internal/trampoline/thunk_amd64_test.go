package trampoline

import (
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThunk(t *testing.T) {
	ft := reflect.TypeFor[func(string, int) string]()
	fn := reflect.MakeFunc(ft, func(in []reflect.Value) []reflect.Value {
		return []reflect.Value{reflect.ValueOf(strings.Repeat(in[0].String(), int(in[1].Int())))}
	})

	entry, err := Thunk(fn)
	require.NoError(t, err)
	require.NotZero(t, entry)

	viaThunk := FuncAt(entry, ft).Interface().(func(string, int) string)
	assert.Equal(t, "ababab", viaThunk("ab", 3))
}

func TestWriteThunk(t *testing.T) {
	ft := reflect.TypeFor[func() int]()
	one := reflect.MakeFunc(ft, func([]reflect.Value) []reflect.Value {
		return []reflect.Value{reflect.ValueOf(1)}
	})
	two := reflect.MakeFunc(ft, func([]reflect.Value) []reflect.Value {
		return []reflect.Value{reflect.ValueOf(2)}
	})

	oneEntry, err := Thunk(one)
	require.NoError(t, err)
	twoEntry, err := Thunk(two)
	require.NoError(t, err)

	call := FuncAt(oneEntry, ft).Interface().(func() int)
	assert.Equal(t, 1, call())

	written, err := Write(oneEntry, twoEntry)
	require.NoError(t, err)
	assert.Equal(t, written, Code(oneEntry, len(written)))
	assert.Equal(t, 2, call())
}

//go:noinline
func answer() int {
	return 42
}

func TestWriteFunc(t *testing.T) {
	ft := reflect.TypeFor[func() int]()
	replacement := reflect.MakeFunc(ft, func([]reflect.Value) []reflect.Value {
		return []reflect.Value{reflect.ValueOf(7)}
	})
	entry, err := Thunk(replacement)
	require.NoError(t, err)

	_, err = Write(reflect.ValueOf(answer).Pointer(), entry)
	require.NoError(t, err)
	assert.Equal(t, 7, answer())
}

func TestWriteNotAFunction(t *testing.T) {
	_, err := Write(0x10, 0x20)
	assert.Error(t, err)
}
