package recompile

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/pboyd/hotswap/live"
)

var errStackUnderflow = errors.New("evaluation stack underflow")

// Unit is a compiled function body. It can be invoked directly, called as
// a Go function value, or jumped to through its machine code entry.
type Unit struct {
	name   string
	args   []reflect.Type
	ret    reflect.Type
	locals []reflect.Type

	steps   []step
	offsets []int

	ftype  reflect.Type
	native reflect.Value
	entry  uintptr
}

var _ live.Code = (*Unit)(nil)

// step executes one instruction.
type step func(f *frame) error

type frame struct {
	args   []any
	locals []any
	stack  []any
	pc     int
	result any
	done   bool
}

func (f *frame) push(v any) {
	f.stack = append(f.stack, v)
}

func (f *frame) pop() any {
	n := len(f.stack)
	if n == 0 {
		panic(errStackUnderflow)
	}
	v := f.stack[n-1]
	f.stack = f.stack[:n-1]
	return v
}

// popN pops n values and returns them in push order.
func (f *frame) popN(n int) []any {
	if len(f.stack) < n {
		panic(errStackUnderflow)
	}
	vals := make([]any, n)
	copy(vals, f.stack[len(f.stack)-n:])
	f.stack = f.stack[:len(f.stack)-n]
	return vals
}

// Name returns the full name of the function the unit was compiled from.
func (u *Unit) Name() string {
	return u.name
}

func (u *Unit) String() string {
	return u.name
}

// FuncType returns the Go signature of the unit. Instance functions take
// their receiver first.
func (u *Unit) FuncType() reflect.Type {
	return u.ftype
}

// Func returns the unit as a Go function value. Errors raised while it
// runs become panics.
func (u *Unit) Func() reflect.Value {
	return u.native
}

// Entry returns the address of the unit's machine code, or 0.
func (u *Unit) Entry() uintptr {
	return u.entry
}

// Invoke runs the unit. Instance functions take their receiver as
// args[0]. Runtime faults are returned as errors.
func (u *Unit) Invoke(args ...any) (res any, err error) {
	if len(args) != len(u.args) {
		return nil, fmt.Errorf("%s: expected %d arguments, got %d", u.name, len(u.args), len(args))
	}

	f := &frame{
		args:   make([]any, len(args)),
		locals: make([]any, len(u.locals)),
		stack:  make([]any, 0, 8),
	}
	for i, a := range args {
		v, err := live.Coerce(a, u.args[i])
		if err != nil {
			return nil, fmt.Errorf("%s: argument %d: %w", u.name, i, err)
		}
		f.args[i] = live.Interface(v)
	}
	for i, t := range u.locals {
		f.locals[i] = reflect.Zero(t).Interface()
	}

	defer func() {
		if r := recover(); r != nil {
			err = u.fault(f, r)
		}
	}()

	for !f.done {
		if f.pc >= len(u.steps) {
			return nil, fmt.Errorf("%s: execution ran past the end of the body", u.name)
		}
		s := u.steps[f.pc]
		f.pc++
		if err := s(f); err != nil {
			return nil, fmt.Errorf("%s: IL_%04x: %w", u.name, u.offsets[f.pc-1], err)
		}
	}

	if u.ret == nil {
		return nil, nil
	}
	v, err := live.Coerce(f.result, u.ret)
	if err != nil {
		return nil, fmt.Errorf("%s: result: %w", u.name, err)
	}
	return live.Interface(v), nil
}

func (u *Unit) fault(f *frame, r any) error {
	off := 0
	if f.pc > 0 && f.pc <= len(u.offsets) {
		off = u.offsets[f.pc-1]
	}
	if e, ok := r.(error); ok {
		return fmt.Errorf("%s: IL_%04x: %w", u.name, off, e)
	}
	return fmt.Errorf("%s: IL_%04x: %v", u.name, off, r)
}

// call adapts Invoke to reflect.MakeFunc.
func (u *Unit) call(in []reflect.Value) []reflect.Value {
	args := make([]any, len(in))
	for i, v := range in {
		args[i] = live.Interface(v)
	}
	res, err := u.Invoke(args...)
	if err != nil {
		panic(err)
	}
	if u.ret == nil {
		return nil
	}
	v, err := live.Coerce(res, u.ret)
	if err != nil {
		panic(err)
	}
	return []reflect.Value{v}
}

// Units are referenced by machine code the garbage collector cannot see,
// so every unit stays reachable for the life of the process.
var resident struct {
	sync.Mutex
	units []*Unit
}

func keep(u *Unit) {
	resident.Lock()
	defer resident.Unlock()
	resident.units = append(resident.units, u)
}

// Resident returns the number of units created so far.
func Resident() int {
	resident.Lock()
	defer resident.Unlock()
	return len(resident.units)
}
