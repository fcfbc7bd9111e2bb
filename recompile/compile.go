// Package recompile compiles image function bodies into units that run
// against the live runtime.
//
// Every operand is resolved while compiling, so a unit either compiles
// completely or not at all, and running it never looks anything up.
// Compiling a unit does not change the behavior of any function; that is
// the patch applier's job.
package recompile

import (
	"fmt"
	"reflect"

	"github.com/tliron/commonlog"

	"github.com/pboyd/hotswap/image"
	"github.com/pboyd/hotswap/instrument"
	"github.com/pboyd/hotswap/internal/fault"
	"github.com/pboyd/hotswap/internal/trampoline"
	"github.com/pboyd/hotswap/live"
	"github.com/pboyd/hotswap/resolve"
)

var log = commonlog.GetLogger("hotswap.recompile")

// Compiler compiles functions, resolving their references through a
// Resolver.
type Compiler struct {
	res *resolve.Resolver
}

// New returns a compiler that resolves through res.
func New(res *resolve.Resolver) *Compiler {
	return &Compiler{res: res}
}

// Resolver returns the compiler's resolver.
func (c *Compiler) Resolver() *resolve.Resolver {
	return c.res
}

// Recompile compiles fn's original body. The instrumentation guard, if
// present, is left out: the unit is what the slot dispatches to.
func (c *Compiler) Recompile(fn *image.Function) (*Unit, error) {
	return c.compile(fn, instrument.Start(fn))
}

// Load compiles all of fn's body, including the instrumentation guard, so
// the unit dispatches through fn's slot the same way fn would.
func (c *Compiler) Load(fn *image.Function) (*Unit, error) {
	return c.compile(fn, 0)
}

// FuncType returns the Go signature of fn: the receiver first for instance
// functions, then the parameters, then the return value if any.
func (c *Compiler) FuncType(fn *image.Function) (reflect.Type, error) {
	if err := check(fn); err != nil {
		return nil, err
	}
	args, ret, err := c.signature(fn)
	if err != nil {
		return nil, err
	}
	return funcOf(args, ret), nil
}

func check(fn *image.Function) error {
	switch {
	case !fn.HasBody():
		return fault.Unsupported("%s has no body", fn)
	case fn.GenericParams > 0:
		return fault.Unsupported("%s declares generic parameters", fn)
	case fn.HasByRefParams():
		return fault.Unsupported("%s has out/ref parameters", fn)
	}
	return nil
}

func (c *Compiler) signature(fn *image.Function) (args []reflect.Type, ret reflect.Type, err error) {
	decl, err := c.res.Type(fn.DeclaringType().Ref())
	if err != nil {
		return nil, nil, err
	}
	if decl.Kind() == live.KindGeneric {
		return nil, nil, fault.Unsupported("%s is declared on the generic type %s", fn, decl)
	}
	if !fn.Static {
		args = append(args, decl.Runtime())
	}
	for _, p := range fn.Params {
		t, err := c.res.Type(p.Type)
		if err != nil {
			return nil, nil, fmt.Errorf("parameter %s of %s: %w", p.Name, fn, err)
		}
		args = append(args, t.Runtime())
	}
	if fn.Return != nil {
		t, err := c.res.Type(fn.Return)
		if err != nil {
			return nil, nil, fmt.Errorf("return type of %s: %w", fn, err)
		}
		ret = t.Runtime()
	}
	return args, ret, nil
}

func funcOf(args []reflect.Type, ret reflect.Type) reflect.Type {
	var out []reflect.Type
	if ret != nil {
		out = []reflect.Type{ret}
	}
	return reflect.FuncOf(args, out, false)
}

func (c *Compiler) compile(fn *image.Function, start int) (*Unit, error) {
	if err := check(fn); err != nil {
		return nil, err
	}
	args, ret, err := c.signature(fn)
	if err != nil {
		return nil, err
	}

	u := &Unit{
		name:  fn.FullName(),
		args:  args,
		ret:   ret,
		ftype: funcOf(args, ret),
	}
	for i, l := range fn.Locals {
		t, err := c.res.Type(l)
		if err != nil {
			return nil, fmt.Errorf("local %d of %s: %w", i, fn, err)
		}
		u.locals = append(u.locals, t.Runtime())
	}

	b := &builder{res: c.res, fn: fn, unit: u, start: start, labels: map[int]int{}}
	if err := b.allocLabels(); err != nil {
		return nil, err
	}
	for i := start; i < len(fn.Body); i++ {
		s, err := b.step(fn.Body[i])
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", fn, fn.Text(i), err)
		}
		u.steps = append(u.steps, s)
		u.offsets = append(u.offsets, fn.Body[i].Offset)
	}

	u.native = reflect.MakeFunc(u.ftype, u.call)
	if trampoline.Supported() {
		entry, err := trampoline.Thunk(u.native)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fn, err)
		}
		u.entry = entry
	}
	keep(u)

	log.Debugf("compiled %s: %d steps, entry 0x%x", u.name, len(u.steps), u.entry)
	return u, nil
}

type builder struct {
	res    *resolve.Resolver
	fn     *image.Function
	unit   *Unit
	start  int
	labels map[int]int
}

// allocLabels maps every branch target to its step index before any step
// is built, so forward branches resolve.
func (b *builder) allocLabels() error {
	for i := b.start; i < len(b.fn.Body); i++ {
		o := b.fn.Body[i].Operand
		if o.Kind != image.OperandBranch {
			continue
		}
		if o.Target < b.start || o.Target >= len(b.fn.Body) {
			return fault.Unsupported("%s: %s: branch target outside the body", b.fn, b.fn.Text(i))
		}
		b.labels[o.Target] = o.Target - b.start
	}
	return nil
}

func (b *builder) step(ins *image.Instruction) (step, error) {
	if !ins.Op.Valid() {
		return nil, fault.Unsupported("unknown opcode 0x%02x", uint8(ins.Op))
	}
	o := ins.Operand
	if !ins.Op.Accepts(o.Kind) {
		return nil, fault.Unsupported("%s does not take a %s operand", ins.Op, o.Kind)
	}

	switch o.Kind {
	case image.OperandNone:
		return b.plain(ins.Op)
	case image.OperandInt:
		return b.integer(ins.Op, o.Int)
	case image.OperandFloat:
		v := o.Float
		return func(f *frame) error { f.push(v); return nil }, nil
	case image.OperandString:
		v := o.String
		return func(f *frame) error { f.push(v); return nil }, nil
	case image.OperandBranch:
		return b.branch(ins.Op, b.labels[o.Target])
	case image.OperandType:
		t, err := b.res.Type(o.Type)
		if err != nil {
			return nil, err
		}
		return b.typed(ins.Op, t)
	case image.OperandMember, image.OperandGenericMember:
		if o.Member.Kind == image.MemberField {
			fld, err := b.res.Field(o.Member)
			if err != nil {
				return nil, err
			}
			return b.field(ins.Op, fld)
		}
		m, err := b.res.Method(o.Member)
		if err != nil {
			return nil, err
		}
		return b.method(ins.Op, m)
	case image.OperandLocal:
		return b.local(ins.Op, o.Local)
	}
	return nil, fault.Unsupported("operand kind %s", o.Kind)
}

func (b *builder) plain(op image.Opcode) (step, error) {
	switch op {
	case image.Nop:
		return func(*frame) error { return nil }, nil
	case image.Ldnull:
		return func(f *frame) error { f.push(nil); return nil }, nil
	case image.Dup:
		return func(f *frame) error {
			v := f.pop()
			f.push(v)
			f.push(v)
			return nil
		}, nil
	case image.Pop:
		return func(f *frame) error { f.pop(); return nil }, nil

	case image.Add, image.Sub, image.Mul, image.Div, image.Rem,
		image.And, image.Or, image.Xor, image.Shl, image.Shr:
		return func(f *frame) error {
			y := f.pop()
			x := f.pop()
			v, err := binary(op, x, y)
			if err != nil {
				return err
			}
			f.push(v)
			return nil
		}, nil
	case image.Neg, image.Not:
		return func(f *frame) error {
			v, err := unary(op, f.pop())
			if err != nil {
				return err
			}
			f.push(v)
			return nil
		}, nil

	case image.Ceq:
		return func(f *frame) error {
			y := f.pop()
			f.push(boolInt(equal(f.pop(), y)))
			return nil
		}, nil
	case image.Cgt, image.Clt:
		return func(f *frame) error {
			y := f.pop()
			c, err := compare(f.pop(), y)
			if err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
			f.push(boolInt(op == image.Cgt && c > 0 || op == image.Clt && c < 0))
			return nil
		}, nil

	case image.Ret:
		if b.unit.ret == nil {
			return func(f *frame) error { f.done = true; return nil }, nil
		}
		return func(f *frame) error {
			f.result = f.pop()
			f.done = true
			return nil
		}, nil

	case image.Ldelem:
		return func(f *frame) error {
			i := f.pop()
			arr, idx, err := element(f.pop(), i)
			if err != nil {
				return err
			}
			f.push(arr.Index(idx).Interface())
			return nil
		}, nil
	case image.Stelem:
		return func(f *frame) error {
			v := f.pop()
			i := f.pop()
			arr, idx, err := element(f.pop(), i)
			if err != nil {
				return err
			}
			ev, err := live.Coerce(v, arr.Type().Elem())
			if err != nil {
				return err
			}
			arr.Index(idx).Set(ev)
			return nil
		}, nil
	case image.Ldlen:
		return func(f *frame) error {
			v := f.pop()
			if live.IsNil(v) {
				return fmt.Errorf("ldlen: %w", errNullReference)
			}
			rv := reflect.ValueOf(v)
			if rv.Kind() != reflect.Slice {
				return fmt.Errorf("ldlen: %T is not an array", v)
			}
			f.push(rv.Len())
			return nil
		}, nil

	case image.ConvI:
		return convert(reflect.TypeFor[int]()), nil
	case image.ConvI8:
		return convert(reflect.TypeFor[int64]()), nil
	case image.ConvR8:
		return convert(reflect.TypeFor[float64]()), nil
	}
	return nil, fault.Unsupported("opcode %s", op)
}

func element(arr, i any) (reflect.Value, int, error) {
	if live.IsNil(arr) {
		return reflect.Value{}, 0, errNullReference
	}
	av := reflect.ValueOf(arr)
	if av.Kind() != reflect.Slice {
		return reflect.Value{}, 0, fmt.Errorf("%T is not an array", arr)
	}
	iv, err := live.Coerce(i, reflect.TypeFor[int]())
	if err != nil {
		return reflect.Value{}, 0, fmt.Errorf("array index: %w", err)
	}
	idx := int(iv.Int())
	if idx < 0 || idx >= av.Len() {
		return reflect.Value{}, 0, fmt.Errorf("index %d out of range [0:%d]", idx, av.Len())
	}
	return av, idx, nil
}

func convert(t reflect.Type) step {
	return func(f *frame) error {
		v, err := live.Coerce(f.pop(), t)
		if err != nil {
			return err
		}
		f.push(v.Interface())
		return nil
	}
}

func (b *builder) integer(op image.Opcode, n int64) (step, error) {
	switch op {
	case image.LdcI4:
		v := int(n)
		return func(f *frame) error { f.push(v); return nil }, nil
	case image.LdcI8:
		return func(f *frame) error { f.push(n); return nil }, nil
	case image.Ldarg, image.Starg:
		if n < 0 || int(n) >= len(b.unit.args) {
			return nil, fault.Unsupported("argument %d out of range", n)
		}
		i := int(n)
		if op == image.Ldarg {
			return func(f *frame) error { f.push(f.args[i]); return nil }, nil
		}
		t := b.unit.args[i]
		return func(f *frame) error {
			v, err := live.Coerce(f.pop(), t)
			if err != nil {
				return err
			}
			f.args[i] = live.Interface(v)
			return nil
		}, nil
	}
	return nil, fault.Unsupported("opcode %s with an integer operand", op)
}

func (b *builder) local(op image.Opcode, i int) (step, error) {
	if i < 0 || i >= len(b.unit.locals) {
		return nil, fault.Unsupported("local %d out of range", i)
	}
	switch op {
	case image.Ldloc:
		return func(f *frame) error { f.push(f.locals[i]); return nil }, nil
	case image.Stloc:
		t := b.unit.locals[i]
		return func(f *frame) error {
			v, err := live.Coerce(f.pop(), t)
			if err != nil {
				return err
			}
			f.locals[i] = live.Interface(v)
			return nil
		}, nil
	}
	return nil, fault.Unsupported("opcode %s with a local operand", op)
}

func (b *builder) branch(op image.Opcode, label int) (step, error) {
	switch op {
	case image.Br:
		return func(f *frame) error { f.pc = label; return nil }, nil
	case image.Brtrue, image.Brfalse:
		want := op == image.Brtrue
		return func(f *frame) error {
			if truthy(f.pop()) == want {
				f.pc = label
			}
			return nil
		}, nil
	case image.Beq, image.Bne, image.Blt, image.Bgt, image.Ble, image.Bge:
		return func(f *frame) error {
			y := f.pop()
			taken, err := branchTaken(op, f.pop(), y)
			if err != nil {
				return err
			}
			if taken {
				f.pc = label
			}
			return nil
		}, nil
	}
	return nil, fault.Unsupported("opcode %s with a branch operand", op)
}

func (b *builder) typed(op image.Opcode, t *live.Type) (step, error) {
	rt := t.Runtime()
	if rt == nil {
		return nil, fault.Unsupported("%s of open generic %s", op, t)
	}

	switch op {
	case image.Box:
		return func(f *frame) error {
			v, err := live.Coerce(f.pop(), rt)
			if err != nil {
				return fmt.Errorf("box: %w", err)
			}
			f.push(v.Interface())
			return nil
		}, nil
	case image.UnboxAny:
		value := t.Kind() == live.KindValue
		return func(f *frame) error {
			v := f.pop()
			if v == nil && value {
				return fmt.Errorf("unbox.any %s: %w", t, errNullReference)
			}
			cv, err := live.Coerce(v, rt)
			if err != nil {
				return fmt.Errorf("unbox.any: %w", err)
			}
			f.push(live.Interface(cv))
			return nil
		}, nil
	case image.Castclass:
		return func(f *frame) error {
			v := f.pop()
			if v != nil && !reflect.TypeOf(v).AssignableTo(rt) {
				return fmt.Errorf("invalid cast from %T to %s", v, t)
			}
			f.push(v)
			return nil
		}, nil
	case image.Isinst:
		return func(f *frame) error {
			v := f.pop()
			if v != nil && !reflect.TypeOf(v).AssignableTo(rt) {
				v = nil
			}
			f.push(v)
			return nil
		}, nil
	case image.Newarr:
		st := reflect.SliceOf(rt)
		return func(f *frame) error {
			nv, err := live.Coerce(f.pop(), reflect.TypeFor[int]())
			if err != nil {
				return fmt.Errorf("newarr: %w", err)
			}
			n := int(nv.Int())
			if n < 0 {
				return fmt.Errorf("newarr: negative length %d", n)
			}
			f.push(reflect.MakeSlice(st, n, n).Interface())
			return nil
		}, nil
	}
	return nil, fault.Unsupported("opcode %s with a type operand", op)
}

func (b *builder) field(op image.Opcode, fld *live.Field) (step, error) {
	switch op {
	case image.Ldfld:
		return func(f *frame) error {
			v, err := fld.Get(f.pop())
			if err != nil {
				return err
			}
			f.push(v)
			return nil
		}, nil
	case image.Stfld:
		return func(f *frame) error {
			v := f.pop()
			return fld.Set(f.pop(), v)
		}, nil
	case image.Ldsfld:
		return func(f *frame) error {
			v, err := fld.Get(nil)
			if err != nil {
				return err
			}
			f.push(v)
			return nil
		}, nil
	case image.Stsfld:
		return func(f *frame) error {
			return fld.Set(nil, f.pop())
		}, nil
	}
	return nil, fault.Unsupported("opcode %s with a field operand", op)
}

func (b *builder) method(op image.Opcode, m *live.Method) (step, error) {
	n := len(m.Params())
	switch op {
	case image.Newobj:
		if !m.IsConstructor() {
			return nil, fault.Unsupported("newobj of %s, which is not a constructor", m)
		}
		return func(f *frame) error {
			obj, err := m.Call(f.popN(n)...)
			if err != nil {
				return err
			}
			f.push(obj)
			return nil
		}, nil

	case image.Call, image.Callvirt:
		if m.IsConstructor() {
			// Chained constructor call on an existing object.
			return func(f *frame) error {
				fn, err := m.Func()
				if err != nil {
					return err
				}
				in, err := live.Values(fn.Type(), f.popN(n+1))
				if err != nil {
					return fmt.Errorf("%s: %w", m, err)
				}
				fn.Call(in)
				return nil
			}, nil
		}
		if !m.Static() {
			n++
		}
		pushes := m.Return() != nil
		return func(f *frame) error {
			res, err := m.Call(f.popN(n)...)
			if err != nil {
				return err
			}
			if pushes {
				f.push(res)
			}
			return nil
		}, nil
	}
	return nil, fault.Unsupported("opcode %s with a method operand", op)
}
