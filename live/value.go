package live

import (
	"fmt"
	"reflect"
)

// Coerce converts v to a value of type t. nil becomes the zero value,
// numbers convert between numeric kinds, and integers convert to bool
// (non-zero is true).
func Coerce(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type() == t {
		return rv, nil
	}
	if rv.Type().AssignableTo(t) {
		out := reflect.New(t).Elem()
		out.Set(rv)
		return out, nil
	}
	switch {
	case isNumber(rv.Kind()) && isNumber(t.Kind()):
		return rv.Convert(t), nil
	case isInteger(rv.Kind()) && t.Kind() == reflect.Bool:
		return reflect.ValueOf(!rv.IsZero()).Convert(t), nil
	case rv.Kind() == reflect.Bool && isInteger(t.Kind()):
		n := 0
		if rv.Bool() {
			n = 1
		}
		return reflect.ValueOf(n).Convert(t), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %T as %s", v, t)
}

// Values converts args to call arguments for a function of type ft.
func Values(ft reflect.Type, args []any) ([]reflect.Value, error) {
	if len(args) != ft.NumIn() {
		return nil, fmt.Errorf("expected %d arguments, got %d", ft.NumIn(), len(args))
	}
	in := make([]reflect.Value, len(args))
	for i, a := range args {
		v, err := Coerce(a, ft.In(i))
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		in[i] = v
	}
	return in, nil
}

// Interface unwraps a value into an any, keeping nil interfaces nil.
func Interface(v reflect.Value) any {
	if !v.IsValid() {
		return nil
	}
	if v.Kind() == reflect.Interface && v.IsNil() {
		return nil
	}
	return v.Interface()
}

// IsNil reports whether v is nil or a nil pointer, map, slice, func or
// channel.
func IsNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface, reflect.UnsafePointer:
		return rv.IsNil()
	}
	return false
}

func isInteger(k reflect.Kind) bool {
	return (k >= reflect.Int && k <= reflect.Uintptr)
}

func isNumber(k reflect.Kind) bool {
	return isInteger(k) || k == reflect.Float32 || k == reflect.Float64
}
