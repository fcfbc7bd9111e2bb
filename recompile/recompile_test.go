package recompile

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pboyd/hotswap/image"
	"github.com/pboyd/hotswap/instrument"
	"github.com/pboyd/hotswap/internal/demo"
	"github.com/pboyd/hotswap/internal/fault"
	"github.com/pboyd/hotswap/internal/trampoline"
	"github.com/pboyd/hotswap/live"
	"github.com/pboyd/hotswap/resolve"
)

func setup(t *testing.T) (*live.Runtime, *Compiler, *image.Image) {
	t.Helper()
	rt := demo.Runtime()
	return rt, New(resolve.New(rt)), demo.Image(demo.RebuiltName)
}

func compile(t *testing.T, c *Compiler, img *image.Image, name string) *Unit {
	t.Helper()
	fn := img.Function(name)
	require.NotNil(t, fn, name)
	u, err := c.Recompile(fn)
	require.NoError(t, err)
	return u
}

func TestWidgetF(t *testing.T) {
	_, c, img := setup(t)
	u := compile(t, c, img, "string demo.Widget::F()")

	w := &demo.Widget{}
	res, err := u.Invoke(w)
	require.NoError(t, err)
	assert.Equal(t, "ab", res)
	assert.Equal(t, 1, w.A())

	assert.Equal(t, reflect.TypeFor[func(*demo.Widget) string](), u.Func().Type())
	w = &demo.Widget{}
	out := u.Func().Call([]reflect.Value{reflect.ValueOf(w)})
	assert.Equal(t, "ab", out[0].Interface())
	assert.Equal(t, 1, w.A())
}

func TestEntry(t *testing.T) {
	if !trampoline.Supported() {
		t.Skip("no machine code entry on this platform")
	}
	_, c, img := setup(t)
	u := compile(t, c, img, "string demo.Widget::F()")
	require.NotZero(t, u.Entry())

	f := trampoline.FuncAt(u.Entry(), u.FuncType()).Interface().(func(*demo.Widget) string)
	w := &demo.Widget{}
	assert.Equal(t, "ab", f(w))
	assert.Equal(t, 1, w.A())
}

func TestPrograms(t *testing.T) {
	_, c, img := setup(t)

	tests := map[string]struct {
		fn   string
		args []any
		want any
	}{
		"overloads":      {"string demo.Calc::Both(int,int,string,string)", []any{&demo.Calc{}, 1, 2, "x", "y"}, "3xy"},
		"loop":           {"int demo.Calc::Triangle(int)", []any{&demo.Calc{}, 4}, 10},
		"empty loop":     {"int demo.Calc::Triangle(int)", []any{&demo.Calc{}, 0}, 0},
		"arrays":         {"int demo.Calc::SumSquares(int)", []any{&demo.Calc{}, 4}, 14},
		"generic call":   {"int demo.Calc::Max(int,int)", []any{&demo.Calc{}, 3, 7}, 7},
		"generic call 2": {"int demo.Calc::Max(int,int)", []any{&demo.Calc{}, 9, 2}, 9},
		"generic type":   {"int demo.Calc::Boxed(int)", []any{&demo.Calc{}, 5}, 5},
		"int sum":        {"int demo.Calc::sum(int,int)", []any{&demo.Calc{}, 2, 3}, 5},
		"string sum":     {"string demo.Calc::sum(string,string)", []any{&demo.Calc{}, "a", "b"}, "ab"},
		"scale":          {"int demo.Counter::Scale(int)", []any{&demo.Counter{}, 21}, 42},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			u := compile(t, c, img, tc.fn)
			res, err := u.Invoke(tc.args...)
			require.NoError(t, err)
			assert.Equal(t, tc.want, res)
		})
	}
}

func TestSetter(t *testing.T) {
	rt, c, img := setup(t)
	u := compile(t, c, img, "void demo.Widget::SetLabel(string)")
	assert.Equal(t, 0, u.FuncType().NumOut())

	w := &demo.Widget{}
	res, err := u.Invoke(w, "hello")
	require.NoError(t, err)
	assert.Nil(t, res)

	widget := rt.Lookup(demo.Identity).Type("demo.Widget")
	label, err := widget.Field("label").Get(w)
	require.NoError(t, err)
	assert.Equal(t, "hello", label)
}

func TestRuntimeFaults(t *testing.T) {
	_, c, img := setup(t)
	calc := img.Type("demo.Calc")

	div := calc.AddFunction("Div", demo.Int, image.P("x", demo.Int), image.P("y", demo.Int))
	demo.Rewrite(div, func(a *image.Asm) {
		a.Ldarg(1).Ldarg(2).Op(image.Div).Ret()
	})
	u, err := c.Recompile(div)
	require.NoError(t, err)

	res, err := u.Invoke(&demo.Calc{}, 7, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, res)

	_, err = u.Invoke(&demo.Calc{}, 1, 0)
	assert.ErrorIs(t, err, errDivideByZero)
	assert.ErrorContains(t, err, "IL_0008")

	f := u.Func().Interface().(func(*demo.Calc, int, int) int)
	assert.Panics(t, func() { f(&demo.Calc{}, 1, 0) })

	_, err = u.Invoke(&demo.Calc{}, 1)
	assert.Error(t, err)

	_, err = compile(t, c, img, "int demo.Widget::Get()").Invoke((*demo.Widget)(nil))
	assert.Error(t, err)

	// Popping an empty stack is a fault, not a crash.
	bad := calc.AddFunction("Bad", demo.Int)
	demo.Rewrite(bad, func(a *image.Asm) { a.Op(image.Add).Ret() })
	u, err = c.Recompile(bad)
	require.NoError(t, err)
	_, err = u.Invoke(&demo.Calc{})
	assert.ErrorIs(t, err, errStackUnderflow)
}

func TestUnsupported(t *testing.T) {
	_, c, img := setup(t)
	calc := img.Type("demo.Calc")

	generic := calc.AddFunction("Id", image.MethodParam(0), image.P("x", image.MethodParam(0)))
	generic.GenericParams = 1
	demo.Rewrite(generic, func(a *image.Asm) { a.Ldarg(1).Ret() })

	_, err := c.Recompile(generic)
	assert.ErrorIs(t, err, fault.ErrUnsupported)

	byRef := calc.AddFunction("Inc", nil, image.P("x", image.RefTo(demo.Int)))
	demo.Rewrite(byRef, func(a *image.Asm) { a.Ret() })
	_, err = c.Recompile(byRef)
	assert.ErrorIs(t, err, fault.ErrUnsupported)

	_, err = c.Recompile(img.Type("demo.Util").Function("Compare"))
	assert.ErrorIs(t, err, fault.ErrUnsupported)

	open := calc.AddFunction("Open", demo.Int, image.P("x", demo.Int))
	demo.Rewrite(open, func(a *image.Asm) {
		a.Ldarg(1).Ldarg(1)
		a.Call(image.GenericMethodRef(demo.Ref(img.Identity, "Util"), "Compare", 1, demo.Int,
			image.MethodParam(0), image.MethodParam(0)))
		a.Ret()
	})
	_, err = c.Recompile(open)
	assert.ErrorIs(t, err, fault.ErrUnsupported)
}

func TestUnresolvable(t *testing.T) {
	_, c, img := setup(t)
	before := Resident()

	other := image.Named("other, Version=1.0.0.0", "other", "Thing")
	fn := img.Type("demo.Calc").AddFunction("Other", demo.Int)
	demo.Rewrite(fn, func(a *image.Asm) {
		a.LdcI4(1).Ret()
		a.Call(image.MethodRef(other, "Do", demo.Int)).Ret()
	})

	_, err := c.Recompile(fn)
	assert.ErrorIs(t, err, fault.ErrUnresolvable)
	assert.Equal(t, before, Resident())

	missing := img.Type("demo.Calc").AddFunction("Missing", demo.Int)
	demo.Rewrite(missing, func(a *image.Asm) {
		a.Ldarg(0).Call(image.MethodRef(demo.Ref(img.Identity, "Calc"), "Nope", demo.Int)).Ret()
	})
	_, err = c.Recompile(missing)
	assert.ErrorIs(t, err, fault.ErrUnresolvable)
}

// An instrumented body compiles to the same program as the original, and
// the full body dispatches through its slot.
func TestGuard(t *testing.T) {
	rt, c, _ := setup(t)
	loaded := demo.Image("demo")
	fn := loaded.Function("string demo.Widget::F()")
	require.NoError(t, instrument.Function(fn))

	u, err := c.Recompile(fn)
	require.NoError(t, err)
	res, err := u.Invoke(&demo.Widget{})
	require.NoError(t, err)
	assert.Equal(t, "ab", res)

	widget := rt.Lookup(demo.Identity).Type("demo.Widget")
	slot := rt.Slots().Slot(fn.FullName())
	widget.SlotField(instrument.SlotName(fn), slot)

	full, err := c.Load(fn)
	require.NoError(t, err)
	assert.Greater(t, len(full.steps), len(u.steps))

	w := &demo.Widget{}
	res, err = full.Invoke(w)
	require.NoError(t, err)
	assert.Equal(t, "ab", res)

	rebuilt := demo.Image(demo.RebuiltName)
	changed := rebuilt.Function("string demo.Widget::F()")
	demo.WidgetF(changed, rebuilt.Identity, "c", "d")
	patch, err := c.Recompile(changed)
	require.NoError(t, err)
	slot.Store(patch)

	w = &demo.Widget{}
	res, err = full.Invoke(w)
	require.NoError(t, err)
	assert.Equal(t, "cd", res)
	assert.Equal(t, 1, w.A())
}

func TestFuncType(t *testing.T) {
	_, c, img := setup(t)

	ft, err := c.FuncType(img.Function("string demo.Calc::Both(int,int,string,string)"))
	require.NoError(t, err)
	assert.Equal(t, reflect.TypeFor[func(*demo.Calc, int, int, string, string) string](), ft)

	ft, err = c.FuncType(img.Function("void demo.Widget::SetLabel(string)"))
	require.NoError(t, err)
	assert.Equal(t, reflect.TypeFor[func(*demo.Widget, string)](), ft)
}
