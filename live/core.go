package live

import (
	"reflect"
	"strconv"
	"strings"
)

// Strings is the core string helper class. It has only static methods.
type Strings struct{}

func defineCore(m *Module) {
	Value[int](m, "", "int")
	Value[int8](m, "", "int8")
	Value[int16](m, "", "int16")
	Value[int32](m, "", "int32")
	Value[int64](m, "", "int64")
	Value[uint8](m, "", "uint8")
	Value[uint16](m, "", "uint16")
	Value[uint32](m, "", "uint32")
	Value[uint64](m, "", "uint64")
	Value[float32](m, "", "float32")
	Value[float64](m, "", "float64")
	Value[bool](m, "", "bool")
	Value[string](m, "", "string")
	m.Define(KindInterface, "", "any", reflect.TypeFor[any]())
	m.Define(KindInterface, "", "error", reflect.TypeFor[error]())

	code := InterfaceType[Code](m, "hotpatch", "Code")
	code.Method("Invoke", func(c Code, args []any) (any, error) {
		return c.Invoke(args...)
	})

	s := Class[Strings](m, "core", "Strings")
	s.StaticMethod("Concat", func(a, b string) string { return a + b })
	s.StaticMethod("Length", func(a string) int { return len(a) })
	s.StaticMethod("Repeat", strings.Repeat)
	s.StaticMethod("FromInt", strconv.Itoa)
	s.StaticMethod("Equals", func(a, b string) bool { return a == b })
}
