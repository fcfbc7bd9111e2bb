package live

import (
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pboyd/hotswap/internal/fault"
)

type point struct {
	X, Y  int
	label string
}

func (p *point) Sum() int { return p.X + p.Y }

type labeled struct {
	point
	Name string
}

type pair[T any] struct {
	a, b T
}

func (p *pair[T]) First() T { return p.a }

var counter int

// funcCode is a unit backed by a Go function.
type funcCode struct {
	fn reflect.Value
}

func (c funcCode) Invoke(args ...any) (any, error) {
	in, err := Values(c.fn.Type(), args)
	if err != nil {
		return nil, err
	}
	return results(c.fn.Call(in))
}

func (c funcCode) Func() reflect.Value { return c.fn }
func (c funcCode) Entry() uintptr      { return 0 }

func setup(t *testing.T) (*Runtime, *Module) {
	t.Helper()
	rt := New()
	return rt, rt.Load("test, Version=1.0.0.0")
}

func TestRuntime(t *testing.T) {
	rt, m := setup(t)

	assert.Same(t, m, rt.Load("test, Version=1.0.0.0"))
	assert.Same(t, m, rt.Lookup("test, Version=1.0.0.0, Culture=neutral"))
	assert.Nil(t, rt.Lookup("other, Version=1.0.0.0"))
	assert.Equal(t, "test", m.Name())
	assert.Len(t, rt.Modules(), 2)

	intT := rt.Builtin("int")
	require.NotNil(t, intT)
	assert.Equal(t, KindValue, intT.Kind())
	assert.Equal(t, reflect.TypeFor[int](), intT.Runtime())
	code := rt.Builtin("hotpatch.Code")
	require.NotNil(t, code)
	assert.Equal(t, KindInterface, code.Kind())
	assert.Equal(t, reflect.TypeFor[Code](), code.Runtime())
	assert.Nil(t, rt.Builtin("nope"))

	var c Code
	assert.Nil(t, Interface(reflect.ValueOf(&c).Elem()))
	assert.Nil(t, Interface(reflect.Value{}))
	assert.Equal(t, 3, Interface(reflect.ValueOf(3)))
}

func TestCoerce(t *testing.T) {
	tests := map[string]struct {
		v    any
		to   reflect.Type
		want any
		err  bool
	}{
		"same":          {v: 3, to: reflect.TypeFor[int](), want: 3},
		"nil":           {v: nil, to: reflect.TypeFor[string](), want: ""},
		"widen":         {v: int32(3), to: reflect.TypeFor[int64](), want: int64(3)},
		"to float":      {v: 3, to: reflect.TypeFor[float64](), want: 3.0},
		"int to bool":   {v: 2, to: reflect.TypeFor[bool](), want: true},
		"bool to int":   {v: true, to: reflect.TypeFor[int](), want: 1},
		"to interface":  {v: "s", to: reflect.TypeFor[any](), want: "s"},
		"string to int": {v: "3", to: reflect.TypeFor[int](), err: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			v, err := Coerce(tc.v, tc.to)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, v.Interface())
		})
	}
}

func TestFields(t *testing.T) {
	rt, m := setup(t)
	pt := Class[point](m, "geo", "Point")

	p := &point{X: 1, Y: 2}
	x := pt.Field("X")
	require.NotNil(t, x)
	assert.Same(t, x, pt.Field("X"))
	v, err := x.Get(p)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	require.NoError(t, x.Set(p, int64(5)))
	assert.Equal(t, 5, p.X)

	label := pt.Field("label")
	require.NoError(t, label.Set(p, "unexported"))
	assert.Equal(t, "unexported", p.label)

	_, err = x.Get(nil)
	assert.Error(t, err)
	assert.Error(t, x.Set(p, "five"))
	assert.Nil(t, pt.Field("Z"))

	counter = 0
	st := pt.Static("Count", &counter)
	require.NoError(t, st.Set(nil, 9))
	assert.Equal(t, 9, counter)
	v, err = st.Get(nil)
	require.NoError(t, err)
	assert.Equal(t, 9, v)

	slot := rt.Slots().Slot("int geo.Point::Sum()")
	sf := pt.SlotField("_slot", slot)
	v, err = sf.Get(nil)
	require.NoError(t, err)
	assert.Nil(t, v)

	code := funcCode{fn: reflect.ValueOf((*point).Sum)}
	require.NoError(t, sf.Set(nil, code))
	assert.Equal(t, code, slot.Load())
	assert.Error(t, sf.Set(nil, nil))
	assert.Error(t, sf.Set(nil, 3))
}

func TestValueFields(t *testing.T) {
	_, m := setup(t)
	pt := Value[point](m, "geo", "PointValue")

	v, err := pt.Field("Y").Get(point{Y: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, v)

	err = pt.Field("Y").Set(point{}, 1)
	assert.ErrorIs(t, err, fault.ErrUnsupported)
}

func TestMethods(t *testing.T) {
	rt, m := setup(t)
	pt := Class[point](m, "geo", "Point")
	pt.Method("Sum", (*point).Sum)
	pt.StaticMethod("Origin", func() *point { return &point{} })
	pt.Constructor(func(p *point, x, y int) {
		p.X, p.Y = x, y
	})

	sum := pt.Methods("Sum")[0]
	assert.True(t, sum.Native())
	assert.Equal(t, "int geo.Point::Sum()", sum.String())
	v, err := sum.Call(&point{X: 2, Y: 3})
	require.NoError(t, err)
	assert.Equal(t, 5, v)

	_, err = sum.Call(nil)
	assert.ErrorContains(t, err, "nil receiver")
	_, err = sum.Call(&point{}, 1)
	assert.ErrorContains(t, err, "expected 1 arguments")

	v, err = pt.Methods("Origin")[0].Call()
	require.NoError(t, err)
	assert.Equal(t, &point{}, v)

	ctors := pt.Constructors()
	require.Len(t, ctors, 1)
	v, err = ctors[0].Call(4, 5)
	require.NoError(t, err)
	assert.Equal(t, &point{X: 4, Y: 5}, v)

	// Types without constructors get an implicit one.
	other := Class[labeled](m, "geo", "Other")
	ctors = other.Constructors()
	require.Len(t, ctors, 1)
	v, err = ctors[0].Call()
	require.NoError(t, err)
	assert.IsType(t, &labeled{}, v)

	assert.Panics(t, func() { pt.Method("Bad", func(x int) int { return x }) })
	assert.Panics(t, func() { pt.Method("Bad", 3) })

	code := rt.Builtin("hotpatch.Code").Methods("Invoke")[0]
	v, err = code.Call(funcCode{fn: reflect.ValueOf((*point).Sum)}, []any{&point{X: 1, Y: 1}})
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestPromotedMethods(t *testing.T) {
	_, m := setup(t)
	pt := Class[point](m, "geo", "Point")
	pt.Method("Sum", (*point).Sum)
	lt := Class[labeled](m, "geo", "Labeled").Embed(pt)

	assert.Same(t, pt, lt.Base())
	sums := lt.Methods("Sum")
	require.Len(t, sums, 1)
	assert.Same(t, sums[0], lt.Methods("Sum")[0])

	v, err := sums[0].Call(&labeled{point: point{X: 3, Y: 4}})
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	x := lt.Field("X")
	require.NotNil(t, x)
	v, err = x.Get(&labeled{point: point{X: 8}})
	require.NoError(t, err)
	assert.Equal(t, 8, v)

	assert.Panics(t, func() { pt.Embed(lt) })
}

func TestDeclare(t *testing.T) {
	_, m := setup(t)
	pt := Class[point](m, "geo", "Point")

	ft := reflect.TypeFor[func(*point, int) int]()
	compiles := 0
	fail := true
	scale := pt.Declare("Scale", false, ft, func() (Code, error) {
		compiles++
		if fail {
			return nil, errors.New("not yet")
		}
		return funcCode{fn: reflect.ValueOf(func(p *point, n int) int { return p.X * n })}, nil
	})
	assert.False(t, scale.Native())
	assert.Nil(t, scale.Unit())

	_, err := scale.Call(&point{X: 2}, 3)
	assert.ErrorContains(t, err, "not yet")

	fail = false
	v, err := scale.Call(&point{X: 2}, 3)
	require.NoError(t, err)
	assert.Equal(t, 6, v)
	_, err = scale.Call(&point{X: 1}, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, compiles)
	assert.NotNil(t, scale.Unit())

	_, err = scale.Entry()
	assert.ErrorIs(t, err, fault.ErrUnsupported)

	wrong := pt.Declare("Wrong", false, ft, func() (Code, error) {
		return funcCode{fn: reflect.ValueOf(func(p *point) int { return 0 })}, nil
	})
	assert.ErrorContains(t, wrong.Prepare(), "compiled as")
}

func TestGenerics(t *testing.T) {
	rt, m := setup(t)
	intT, strT := rt.Builtin("int"), rt.Builtin("string")

	open := m.Generic("geo", "Pair`1", 1)
	assert.Equal(t, KindGeneric, open.Kind())
	assert.Nil(t, open.Runtime())
	pi := open.Instance(KindClass, reflect.TypeFor[*pair[int]](), intT)
	pi.Method("First", (*pair[int]).First)

	got, err := open.Instantiate(intT)
	require.NoError(t, err)
	assert.Same(t, pi, got)
	assert.Equal(t, "geo.Pair`1<int>", got.FullName())

	_, err = open.Instantiate(strT)
	assert.ErrorIs(t, err, fault.ErrUnresolvable)
	_, err = open.Instantiate(intT, strT)
	assert.ErrorIs(t, err, fault.ErrUnresolvable)
	_, err = pi.Instantiate(intT)
	assert.ErrorIs(t, err, fault.ErrUnsupported)
	_, err = open.New()
	assert.ErrorIs(t, err, fault.ErrUnsupported)
	_, err = open.ArrayOf()
	assert.ErrorIs(t, err, fault.ErrUnsupported)

	util := Class[point](m, "geo", "Util")
	first := util.GenericMethod("First", 1, 1, true)
	first.Instance(func(xs []int) int { return xs[0] }, intT)

	fm, err := first.Close(intT)
	require.NoError(t, err)
	v, err := fm.Call([]int{7, 8})
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	_, err = first.Close(strT)
	assert.ErrorIs(t, err, fault.ErrUnresolvable)
	assert.Len(t, util.GenericMethods("First"), 1)
	assert.Panics(t, func() { first.Instance(func(a, b int) int { return a }, intT) })
}

func TestArrayAndRef(t *testing.T) {
	rt, _ := setup(t)
	intT := rt.Builtin("int")

	arr, err := intT.ArrayOf()
	require.NoError(t, err)
	again, _ := intT.ArrayOf()
	assert.Same(t, arr, again)
	assert.Equal(t, "int[]", arr.FullName())
	assert.Equal(t, reflect.TypeFor[[]int](), arr.Runtime())
	assert.Same(t, intT, arr.Elem())

	ref, err := intT.RefOf()
	require.NoError(t, err)
	assert.Equal(t, "int&", ref.FullName())
	assert.Equal(t, reflect.TypeFor[*int](), ref.Runtime())

	assert.True(t, intT.Is(3))
	assert.False(t, intT.Is("3"))
	assert.False(t, intT.Is(nil))
}

func TestNested(t *testing.T) {
	_, m := setup(t)
	outer := Class[point](m, "geo", "Outer")
	inner := NestClass[labeled](outer, "Inner")

	assert.Same(t, inner, outer.Nested("Inner"))
	assert.Same(t, outer, inner.DeclaringType())
	assert.Equal(t, "geo.Outer/Inner", inner.FullName())
	assert.Same(t, inner, m.Type("geo.Outer/Inner"))
}

func TestSlotTable(t *testing.T) {
	st := NewSlotTable()
	assert.Nil(t, st.Lookup("b"))

	b := st.Slot("b")
	assert.Same(t, b, st.Slot("b"))
	assert.Same(t, b, st.Lookup("b"))
	st.Slot("a")
	assert.Equal(t, []string{"a", "b"}, st.Keys())

	assert.Equal(t, "b", b.Key())
	assert.Nil(t, b.Load())
	one := funcCode{fn: reflect.ValueOf(func() int { return 1 })}
	b.Store(one)
	assert.Equal(t, one, b.Load())
}
