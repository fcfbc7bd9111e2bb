package demo

import (
	"strings"

	"github.com/pboyd/hotswap/image"
)

// RebuiltName is the image name a rebuild of the demo module gets.
const RebuiltName = "demo--hotpatch"

var (
	Int    = image.Builtin("int")
	String = image.Builtin("string")
	Bool   = image.Builtin("bool")
	Any    = image.Builtin("any")
)

// Strings refers to the core string helpers.
var Strings = image.Named(image.CoreScope, "core", "Strings")

// Concat refers to core.Strings::Concat(string,string).
func Concat() *image.MemberRef {
	return image.MethodRef(Strings, "Concat", String, String, String)
}

// FromInt refers to core.Strings::FromInt(int).
func FromInt() *image.MemberRef {
	return image.MethodRef(Strings, "FromInt", String, Int)
}

// Ref returns a reference to the demo type name as seen from scope.
func Ref(scope, name string) *image.TypeRef {
	return image.Named(scope, Namespace, name)
}

// Scope returns the identity of an image named name.
func Scope(name string) string {
	return strings.Replace(Identity, "demo", name, 1)
}

// Image returns the demo module as compiled into an image called name,
// usually "demo" for the loaded build and RebuiltName for a rebuild.
func Image(name string) *image.Image {
	scope := Scope(name)
	img := image.New(name, scope)

	widget := img.AddType(Namespace, "Widget")
	widget.AddField("a", Int, false)
	widget.AddField("label", String, false)
	WidgetF(widget.AddFunction("F", String), scope, "a", "b")
	widgetGet(widget.AddFunction("Get", Int), scope)
	widgetSetLabel(widget.AddFunction("SetLabel", nil, image.P("label", String)), scope)

	calc := img.AddType(Namespace, "Calc")
	calc.AddField("Total", Int, false)
	calcSum(calc.AddFunction("sum", Int, image.P("x", Int), image.P("y", Int)), image.Add)
	calcSum(calc.AddFunction("sum", String, image.P("x", String), image.P("y", String)), image.Add)
	CalcBoth(calc.AddFunction("Both", String,
		image.P("a", Int), image.P("b", Int), image.P("c", String), image.P("d", String)), scope)
	CalcTriangle(calc.AddFunction("Triangle", Int, image.P("n", Int)), 1)
	calcSumSquares(calc.AddFunction("SumSquares", Int, image.P("n", Int)))
	calcMax(calc.AddFunction("Max", Int, image.P("x", Int), image.P("y", Int)), scope)
	calcBoxed(calc.AddFunction("Boxed", Int, image.P("v", Int)), scope)

	box := img.AddType(Namespace, "Box`1")
	box.GenericParams = 1
	box.AddField("value", image.TypeParam(0), false)

	util := img.AddType(Namespace, "Util")
	cmp := util.AddFunction("Compare", Int, image.P("x", image.MethodParam(0)), image.P("y", image.MethodParam(0)))
	cmp.Static = true
	cmp.GenericParams = 1

	outer := img.AddType(Namespace, "Outer")
	inner := outer.AddNested("Inner")
	inner.AddField("N", Int, false)

	counter := img.AddType(Namespace, "Counter")
	counter.AddField("hits", Int, false)
	CounterLabel(counter.AddFunction("Label", String), scope, "v1")
	counterScale(counter.AddFunction("Scale", Int, image.P("n", Int)), 2)

	return img
}

// Rewrite replaces fn's body with the one emit produces.
func Rewrite(fn *image.Function, emit func(a *image.Asm)) {
	fn.Body = nil
	fn.Locals = nil
	a := image.NewAsm(fn)
	emit(a)
	a.MustDone()
}

// WidgetF sets a to 1 and returns x+y.
func WidgetF(fn *image.Function, scope, x, y string) {
	Rewrite(fn, func(a *image.Asm) {
		a.Ldarg(0).LdcI4(1)
		a.Emit(image.Stfld, image.Member(image.FieldRef(Ref(scope, "Widget"), "a", Int)))
		a.Ldstr(x).Ldstr(y).Call(Concat()).Ret()
	})
}

func widgetGet(fn *image.Function, scope string) {
	Rewrite(fn, func(a *image.Asm) {
		a.Ldarg(0)
		a.Emit(image.Ldfld, image.Member(image.FieldRef(Ref(scope, "Widget"), "a", Int)))
		a.Ret()
	})
}

func widgetSetLabel(fn *image.Function, scope string) {
	Rewrite(fn, func(a *image.Asm) {
		a.Ldarg(0).Ldarg(1)
		a.Emit(image.Stfld, image.Member(image.FieldRef(Ref(scope, "Widget"), "label", String)))
		a.Ret()
	})
}

func calcSum(fn *image.Function, op image.Opcode) {
	Rewrite(fn, func(a *image.Asm) {
		a.Ldarg(1).Ldarg(2).Op(op).Ret()
	})
}

// CalcBoth returns FromInt(sum(a,b)) + sum(c,d), calling both overloads of
// Calc::sum.
func CalcBoth(fn *image.Function, scope string) {
	calc := Ref(scope, "Calc")
	Rewrite(fn, func(a *image.Asm) {
		a.Ldarg(0).Ldarg(1).Ldarg(2)
		a.Call(image.MethodRef(calc, "sum", Int, Int, Int))
		a.Call(FromInt())
		a.Ldarg(0).Ldarg(3).Ldarg(4)
		a.Call(image.MethodRef(calc, "sum", String, String, String))
		a.Call(Concat())
		a.Ret()
	})
}

// CalcTriangle sums step, 2*step, ... up to n.
func CalcTriangle(fn *image.Function, step int32) {
	Rewrite(fn, func(a *image.Asm) {
		acc := a.Local(Int)
		i := a.Local(Int)
		loop := a.NewLabel()
		done := a.NewLabel()

		a.LdcI4(0).Stloc(acc)
		a.LdcI4(step).Stloc(i)
		a.Mark(loop)
		a.Ldloc(i).Ldarg(1).Branch(image.Bgt, done)
		a.Ldloc(acc).Ldloc(i).Op(image.Add).Stloc(acc)
		a.Ldloc(i).LdcI4(step).Op(image.Add).Stloc(i)
		a.Branch(image.Br, loop)
		a.Mark(done)
		a.Ldloc(acc).Ret()
	})
}

// calcSumSquares fills an array with i*i and sums it.
func calcSumSquares(fn *image.Function) {
	Rewrite(fn, func(a *image.Asm) {
		arr := a.Local(image.ArrayOf(Int))
		i := a.Local(Int)
		acc := a.Local(Int)
		fill, fillDone := a.NewLabel(), a.NewLabel()
		sum, sumDone := a.NewLabel(), a.NewLabel()

		a.Ldarg(1).Emit(image.Newarr, image.Type(Int)).Stloc(arr)

		a.LdcI4(0).Stloc(i)
		a.Mark(fill)
		a.Ldloc(i).Ldloc(arr).Op(image.Ldlen).Branch(image.Bge, fillDone)
		a.Ldloc(arr).Ldloc(i).Ldloc(i).Ldloc(i).Op(image.Mul).Op(image.Stelem)
		a.Ldloc(i).LdcI4(1).Op(image.Add).Stloc(i)
		a.Branch(image.Br, fill)
		a.Mark(fillDone)

		a.LdcI4(0).Stloc(i)
		a.LdcI4(0).Stloc(acc)
		a.Mark(sum)
		a.Ldloc(i).Ldloc(arr).Op(image.Ldlen).Branch(image.Bge, sumDone)
		a.Ldloc(acc).Ldloc(arr).Ldloc(i).Op(image.Ldelem).Op(image.Add).Stloc(acc)
		a.Ldloc(i).LdcI4(1).Op(image.Add).Stloc(i)
		a.Branch(image.Br, sum)
		a.Mark(sumDone)
		a.Ldloc(acc).Ret()
	})
}

// CompareRef refers to Util::Compare<arg>(!!0,!!0).
func CompareRef(scope string, arg *image.TypeRef) *image.MemberRef {
	open := image.GenericMethodRef(Ref(scope, "Util"), "Compare", 1, Int, image.MethodParam(0), image.MethodParam(0))
	return open.Instantiate(arg)
}

func calcMax(fn *image.Function, scope string) {
	Rewrite(fn, func(a *image.Asm) {
		second := a.NewLabel()
		a.Ldarg(1).Ldarg(2).Call(CompareRef(scope, Int))
		a.LdcI4(0).Branch(image.Blt, second)
		a.Ldarg(1).Ret()
		a.Mark(second)
		a.Ldarg(2).Ret()
	})
}

// BoxOf refers to Box`1<arg>.
func BoxOf(scope string, arg *image.TypeRef) *image.TypeRef {
	return image.Instance(Ref(scope, "Box`1"), arg)
}

func calcBoxed(fn *image.Function, scope string) {
	box := BoxOf(scope, Int)
	Rewrite(fn, func(a *image.Asm) {
		a.Ldarg(1)
		a.Emit(image.Newobj, image.Member(image.CtorRef(box, image.TypeParam(0))))
		a.Callvirt(image.MethodRef(box, "Get", image.TypeParam(0)))
		a.Ret()
	})
}

// CounterLabel returns label.
func CounterLabel(fn *image.Function, scope, label string) {
	Rewrite(fn, func(a *image.Asm) {
		a.Ldstr(label).Ret()
	})
}

func counterScale(fn *image.Function, factor int32) {
	Rewrite(fn, func(a *image.Asm) {
		a.Ldarg(1).LdcI4(factor).Op(image.Mul).Ret()
	})
}
