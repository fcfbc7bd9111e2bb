package recompile

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/pboyd/hotswap/image"
	"github.com/pboyd/hotswap/live"
)

var (
	errDivideByZero  = errors.New("division by zero")
	errNullReference = errors.New("null reference")
)

// binary applies an arithmetic or bitwise opcode. The right operand is
// converted to the kind of the left one, unless only the right one is a
// float. Strings concatenate under add.
func binary(op image.Opcode, a, b any) (any, error) {
	if s, ok := a.(string); ok && op == image.Add {
		t, ok := b.(string)
		if !ok {
			return nil, fmt.Errorf("add: cannot concatenate string and %T", b)
		}
		return s + t, nil
	}
	if a == nil || b == nil {
		return nil, fmt.Errorf("%s: %w", op, errNullReference)
	}

	av, bv := number(a), number(b)
	if isFloat(bv.Kind()) && !isFloat(av.Kind()) {
		c, err := live.Coerce(av.Interface(), bv.Type())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return floatOp(op, c.Float(), bv.Float(), bv.Type())
	}
	c, err := live.Coerce(bv.Interface(), av.Type())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	switch k := av.Kind(); {
	case isSigned(k):
		r, err := intOp(op, av.Int(), c.Int())
		if err != nil {
			return nil, err
		}
		return reflect.ValueOf(r).Convert(av.Type()).Interface(), nil
	case isUnsigned(k):
		r, err := uintOp(op, av.Uint(), c.Uint())
		if err != nil {
			return nil, err
		}
		return reflect.ValueOf(r).Convert(av.Type()).Interface(), nil
	case isFloat(k):
		return floatOp(op, av.Float(), c.Float(), av.Type())
	}
	return nil, fmt.Errorf("%s: operands %T and %T", op, a, b)
}

// number returns v as a reflect.Value, with booleans as 0 or 1.
func number(v any) reflect.Value {
	if b, ok := v.(bool); ok {
		if b {
			return reflect.ValueOf(1)
		}
		return reflect.ValueOf(0)
	}
	return reflect.ValueOf(v)
}

func intOp(op image.Opcode, x, y int64) (int64, error) {
	switch op {
	case image.Add:
		return x + y, nil
	case image.Sub:
		return x - y, nil
	case image.Mul:
		return x * y, nil
	case image.Div:
		if y == 0 {
			return 0, errDivideByZero
		}
		return x / y, nil
	case image.Rem:
		if y == 0 {
			return 0, errDivideByZero
		}
		return x % y, nil
	case image.And:
		return x & y, nil
	case image.Or:
		return x | y, nil
	case image.Xor:
		return x ^ y, nil
	case image.Shl:
		return x << uint64(y), nil
	case image.Shr:
		return x >> uint64(y), nil
	}
	return 0, fmt.Errorf("%s is not an arithmetic operation", op)
}

func uintOp(op image.Opcode, x, y uint64) (uint64, error) {
	switch op {
	case image.Add:
		return x + y, nil
	case image.Sub:
		return x - y, nil
	case image.Mul:
		return x * y, nil
	case image.Div:
		if y == 0 {
			return 0, errDivideByZero
		}
		return x / y, nil
	case image.Rem:
		if y == 0 {
			return 0, errDivideByZero
		}
		return x % y, nil
	case image.And:
		return x & y, nil
	case image.Or:
		return x | y, nil
	case image.Xor:
		return x ^ y, nil
	case image.Shl:
		return x << y, nil
	case image.Shr:
		return x >> y, nil
	}
	return 0, fmt.Errorf("%s is not an arithmetic operation", op)
}

func floatOp(op image.Opcode, x, y float64, t reflect.Type) (any, error) {
	var r float64
	switch op {
	case image.Add:
		r = x + y
	case image.Sub:
		r = x - y
	case image.Mul:
		r = x * y
	case image.Div:
		r = x / y
	case image.Rem:
		r = math.Mod(x, y)
	default:
		return nil, fmt.Errorf("%s is not defined on floating point operands", op)
	}
	return reflect.ValueOf(r).Convert(t).Interface(), nil
}

// unary applies neg or not.
func unary(op image.Opcode, v any) (any, error) {
	if b, ok := v.(bool); ok && op == image.Not {
		return !b, nil
	}
	if v == nil {
		return nil, fmt.Errorf("%s: %w", op, errNullReference)
	}
	rv := reflect.ValueOf(v)
	switch k := rv.Kind(); {
	case isSigned(k) && op == image.Neg:
		return reflect.ValueOf(-rv.Int()).Convert(rv.Type()).Interface(), nil
	case isSigned(k) && op == image.Not:
		return reflect.ValueOf(^rv.Int()).Convert(rv.Type()).Interface(), nil
	case isUnsigned(k) && op == image.Neg:
		return reflect.ValueOf(-rv.Uint()).Convert(rv.Type()).Interface(), nil
	case isUnsigned(k) && op == image.Not:
		return reflect.ValueOf(^rv.Uint()).Convert(rv.Type()).Interface(), nil
	case isFloat(k) && op == image.Neg:
		return reflect.ValueOf(-rv.Float()).Convert(rv.Type()).Interface(), nil
	}
	return nil, fmt.Errorf("%s: operand %T", op, v)
}

// compare orders two numbers or two strings.
func compare(a, b any) (int, error) {
	if s, ok := a.(string); ok {
		t, ok := b.(string)
		if !ok {
			return 0, fmt.Errorf("cannot compare string and %T", b)
		}
		return strings.Compare(s, t), nil
	}
	if a == nil || b == nil {
		return 0, fmt.Errorf("compare: %w", errNullReference)
	}

	av, bv := number(a), number(b)
	if !isNumber(av.Kind()) || !isNumber(bv.Kind()) {
		return 0, fmt.Errorf("cannot compare %T and %T", a, b)
	}
	switch {
	case isFloat(av.Kind()) || isFloat(bv.Kind()):
		return cmpOrdered(toFloat(av), toFloat(bv)), nil
	case isUnsigned(av.Kind()) && isUnsigned(bv.Kind()):
		return cmpOrdered(av.Uint(), bv.Uint()), nil
	}
	x, y := toInt(av), toInt(bv)
	return cmpOrdered(x, y), nil
}

func cmpOrdered[T int64 | uint64 | float64](x, y T) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func toFloat(v reflect.Value) float64 {
	switch k := v.Kind(); {
	case isSigned(k):
		return float64(v.Int())
	case isUnsigned(k):
		return float64(v.Uint())
	}
	return v.Float()
}

func toInt(v reflect.Value) int64 {
	if isUnsigned(v.Kind()) {
		return int64(v.Uint())
	}
	return v.Int()
}

// equal implements ceq and beq: numbers compare by value, everything
// else by identity.
func equal(a, b any) bool {
	if live.IsNil(a) || live.IsNil(b) {
		return live.IsNil(a) && live.IsNil(b)
	}
	if isNumber(number(a).Kind()) && isNumber(number(b).Kind()) {
		c, err := compare(a, b)
		return err == nil && c == 0
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta.Comparable() && tb.Comparable() {
		return a == b
	}
	if ta != tb {
		return false
	}
	switch ta.Kind() {
	case reflect.Slice, reflect.Map, reflect.Func:
		return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
	}
	return false
}

// truthy is the condition brtrue tests: non-zero numbers and non-nil
// references are true.
func truthy(v any) bool {
	if live.IsNil(v) {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	rv := reflect.ValueOf(v)
	if isNumber(rv.Kind()) {
		return !rv.IsZero()
	}
	return true
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// branchTaken evaluates a two operand conditional branch.
func branchTaken(op image.Opcode, a, b any) (bool, error) {
	switch op {
	case image.Beq:
		return equal(a, b), nil
	case image.Bne:
		return !equal(a, b), nil
	}
	c, err := compare(a, b)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	switch op {
	case image.Blt:
		return c < 0, nil
	case image.Bgt:
		return c > 0, nil
	case image.Ble:
		return c <= 0, nil
	case image.Bge:
		return c >= 0, nil
	}
	return false, fmt.Errorf("%s is not a conditional branch", op)
}

func isSigned(k reflect.Kind) bool {
	return k >= reflect.Int && k <= reflect.Int64
}

func isUnsigned(k reflect.Kind) bool {
	return k >= reflect.Uint && k <= reflect.Uintptr
}

func isFloat(k reflect.Kind) bool {
	return k == reflect.Float32 || k == reflect.Float64
}

func isNumber(k reflect.Kind) bool {
	return isSigned(k) || isUnsigned(k) || isFloat(k)
}
