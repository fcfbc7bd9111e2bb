// Package demo is a small program used to exercise the engine: a set of
// Go types registered in a live runtime, and images describing the same
// module the way a compiler would emit it.
package demo

import (
	"cmp"
	"reflect"

	"github.com/pboyd/hotswap/live"
)

// Identity is the identity of the demo module.
const Identity = "demo, Version=1.0.0.0"

// Namespace is the namespace of every demo type.
const Namespace = "demo"

type Widget struct {
	a     int
	label string
}

// A returns the widget's a field.
func (w *Widget) A() int { return w.a }

type Calc struct {
	Total int
}

func (c *Calc) SumInts(x, y int) int          { return x + y }
func (c *Calc) SumStrings(x, y string) string { return x + y }

type Box[T any] struct {
	value T
}

func (b *Box[T]) Get() T  { return b.value }
func (b *Box[T]) Set(v T) { b.value = v }

func initBox[T any](b *Box[T], v T) {
	b.value = v
}

type Util struct{}

func Compare[T cmp.Ordered](x, y T) int {
	return cmp.Compare(x, y)
}

type Outer struct{}

type Inner struct {
	N int
}

type Shape struct {
	Name string
}

func (s *Shape) Describe() string { return "shape " + s.Name }

type Square struct {
	Shape
	Side int
}

type Counter struct {
	hits int
}

// Hits returns how often Label ran.
func (c *Counter) Hits() int { return c.hits }

//go:noinline
func (c *Counter) Label() string {
	c.hits++
	return "v1"
}

//go:noinline
func (c *Counter) Scale(n int) int {
	return n * 2
}

// Runtime returns a runtime with the demo module loaded.
func Runtime() *live.Runtime {
	rt := live.New()
	Load(rt)
	return rt
}

// Load registers the demo module's types in rt.
func Load(rt *live.Runtime) *live.Module {
	m := rt.Load(Identity)
	intT := rt.Builtin("int")
	strT := rt.Builtin("string")

	live.Class[Widget](m, Namespace, "Widget")

	calc := live.Class[Calc](m, Namespace, "Calc")
	calc.Method("sum", (*Calc).SumInts)
	calc.Method("sum", (*Calc).SumStrings)

	box := m.Generic(Namespace, "Box`1", 1)
	boxInt := box.Instance(live.KindClass, reflect.TypeFor[*Box[int]](), intT)
	boxInt.Constructor(initBox[int])
	boxInt.Method("Get", (*Box[int]).Get)
	boxInt.Method("Set", (*Box[int]).Set)
	boxStr := box.Instance(live.KindClass, reflect.TypeFor[*Box[string]](), strT)
	boxStr.Constructor(initBox[string])
	boxStr.Method("Get", (*Box[string]).Get)
	boxStr.Method("Set", (*Box[string]).Set)

	util := live.Class[Util](m, Namespace, "Util")
	compare := util.GenericMethod("Compare", 1, 2, true)
	compare.Instance(Compare[int], intT)
	compare.Instance(Compare[string], strT)

	outer := live.Class[Outer](m, Namespace, "Outer")
	live.NestClass[Inner](outer, "Inner")

	shape := live.Class[Shape](m, Namespace, "Shape")
	shape.Method("Describe", (*Shape).Describe)
	live.Class[Square](m, Namespace, "Square").Embed(shape)

	counter := live.Class[Counter](m, Namespace, "Counter")
	counter.Method("Label", (*Counter).Label)
	counter.Method("Scale", (*Counter).Scale)

	return m
}
