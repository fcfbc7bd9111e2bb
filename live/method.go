package live

import (
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync"

	"github.com/pboyd/hotswap/internal/fault"
	"github.com/pboyd/hotswap/internal/trampoline"
)

// ConstructorName is the name constructors are registered under.
const ConstructorName = ".ctor"

var errorType = reflect.TypeFor[error]()

// Method is a method or constructor of a type.
//
// Native methods wrap a Go function whose first parameter is the receiver
// for instance methods. Code-backed methods are compiled from an image on
// first use. Constructors take the object being initialized as their first
// parameter and Call returns that object.
type Method struct {
	name   string
	owner  *Type
	static bool
	ctor   bool
	ftype  reflect.Type
	fn     reflect.Value

	compile func() (Code, error)
	mu      sync.Mutex
	unit    Code

	// Promoted methods adapt the receiver through via before calling
	// inner.
	inner  *Method
	via    []int
	viaPtr bool
}

func (m *Method) Name() string           { return m.name }
func (m *Method) Owner() *Type           { return m.owner }
func (m *Method) Static() bool           { return m.static }
func (m *Method) IsConstructor() bool    { return m.ctor }
func (m *Method) FuncType() reflect.Type { return m.ftype }

// Native reports whether m is Go code rather than compiled from an image.
func (m *Method) Native() bool {
	if m.inner != nil {
		return m.inner.Native()
	}
	return m.compile == nil
}

// Params returns the parameter types, receiver excluded.
func (m *Method) Params() []reflect.Type {
	n := m.ftype.NumIn()
	start := 0
	if !m.static {
		start = 1
	}
	params := make([]reflect.Type, 0, n-start)
	for i := start; i < n; i++ {
		params = append(params, m.ftype.In(i))
	}
	return params
}

// Return returns the result type, or nil for void methods.
func (m *Method) Return() reflect.Type {
	if m.ftype.NumOut() == 0 || m.ftype.Out(0) == errorType && m.ftype.NumOut() == 1 {
		return nil
	}
	return m.ftype.Out(0)
}

func (m *Method) String() string {
	params := m.Params()
	names := make([]string, len(params))
	for i, p := range params {
		names[i] = p.String()
	}
	ret := "void"
	if r := m.Return(); r != nil {
		ret = r.String()
	}
	return fmt.Sprintf("%s %s::%s(%s)", ret, m.owner, m.name, strings.Join(names, ","))
}

// Method registers a native instance method. fn's first parameter is the
// receiver, as with a method expression like (*T).M.
func (t *Type) Method(name string, fn any) *Method {
	m := t.native(name, fn, false)
	if m.ftype.NumIn() == 0 || !t.rtype.AssignableTo(m.ftype.In(0)) {
		panic(fmt.Sprintf("live: %s::%s: first parameter must be the %s receiver", t, name, t.rtype))
	}
	t.addMethod(m)
	return m
}

// StaticMethod registers a native static method.
func (t *Type) StaticMethod(name string, fn any) *Method {
	m := t.native(name, fn, true)
	t.addMethod(m)
	return m
}

// Constructor registers a native constructor. fn initializes the object
// passed as its first parameter.
func (t *Type) Constructor(fn any) *Method {
	m := t.native(ConstructorName, fn, false)
	m.ctor = true
	t.mu.Lock()
	t.ctors = append(t.ctors, m)
	t.mu.Unlock()
	return m
}

// Declare registers a code-backed method with Go signature ft. compile is
// called once, on first use, to produce the method's body.
func (t *Type) Declare(name string, static bool, ft reflect.Type, compile func() (Code, error)) *Method {
	m := &Method{name: name, owner: t, static: static, ftype: ft, compile: compile}
	if name == ConstructorName {
		m.ctor = true
		t.mu.Lock()
		t.ctors = append(t.ctors, m)
		t.mu.Unlock()
		return m
	}
	t.addMethod(m)
	return m
}

func (t *Type) native(name string, fn any, static bool) *Method {
	fv := reflect.ValueOf(fn)
	if fv.Kind() != reflect.Func {
		panic(fmt.Sprintf("live: %s::%s: not a function, kind: %v", t, name, fv.Kind()))
	}
	return &Method{name: name, owner: t, static: static, ftype: fv.Type(), fn: fv}
}

func (t *Type) addMethod(m *Method) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.methods[m.name] = append(t.methods[m.name], m)
}

// Methods returns the overloads named name, including those promoted from
// base types.
func (t *Type) Methods(name string) []*Method {
	t.mu.RLock()
	own := append([]*Method(nil), t.methods[name]...)
	t.mu.RUnlock()
	if t.base == nil {
		return own
	}
	return append(own, t.promote(name)...)
}

func (t *Type) promote(name string) []*Method {
	t.mu.RLock()
	cached, ok := t.promoted[name]
	t.mu.RUnlock()
	if ok {
		return cached
	}

	via, viaPtr, _ := embedPath(t.rtype, t.base.rtype)
	var out []*Method
	for _, bm := range t.base.Methods(name) {
		if bm.static {
			out = append(out, bm)
			continue
		}
		out = append(out, &Method{
			name:   bm.name,
			owner:  bm.owner,
			ftype:  bm.ftype,
			inner:  bm,
			via:    via,
			viaPtr: viaPtr,
		})
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if cached, ok := t.promoted[name]; ok {
		return cached
	}
	t.promoted[name] = out
	return out
}

// Constructors returns t's constructors. A type without registered
// constructors has an implicit one that takes no arguments.
func (t *Type) Constructors() []*Method {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.ctors) == 0 && (t.kind == KindClass || t.kind == KindValue) {
		ft := reflect.FuncOf([]reflect.Type{t.rtype}, nil, false)
		fn := reflect.MakeFunc(ft, func([]reflect.Value) []reflect.Value { return nil })
		t.ctors = append(t.ctors, &Method{name: ConstructorName, owner: t, ctor: true, ftype: ft, fn: fn})
	}
	return append([]*Method(nil), t.ctors...)
}

// Prepare forces a code-backed method to be compiled. It is a no-op for
// native methods. A failed compile is retried on the next call.
func (m *Method) Prepare() error {
	if m.inner != nil {
		return m.inner.Prepare()
	}
	if m.compile == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unit != nil {
		return nil
	}
	unit, err := m.compile()
	if err != nil {
		return err
	}
	if got := unit.Func().Type(); got != m.ftype {
		return fmt.Errorf("%s: compiled as %s", m, got)
	}
	m.unit = unit
	if entry := unit.Entry(); entry != 0 {
		// Call through the machine code entry so that a trampoline
		// written over it redirects every caller.
		m.fn = trampoline.FuncAt(entry, m.ftype)
	} else {
		m.fn = unit.Func()
	}
	return nil
}

// Unit returns the compiled body of a code-backed method, or nil.
func (m *Method) Unit() Code {
	if m.inner != nil {
		return m.inner.Unit()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unit
}

// Func returns m as a Go function value.
func (m *Method) Func() (reflect.Value, error) {
	if m.inner != nil {
		return m.inner.Func()
	}
	if err := m.Prepare(); err != nil {
		return reflect.Value{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fn, nil
}

// Entry returns the address of m's machine code.
func (m *Method) Entry() (uintptr, error) {
	if m.inner != nil {
		return m.inner.Entry()
	}
	fn, err := m.Func()
	if err != nil {
		return 0, err
	}
	if m.compile != nil {
		if entry := m.Unit().Entry(); entry != 0 {
			return entry, nil
		}
		return 0, fault.Unsupported("%s has no machine code entry on %s", m, runtime.GOARCH)
	}
	return fn.Pointer(), nil
}

// Call invokes m. Instance methods take the receiver as args[0].
// Constructors allocate the object, initialize it and return it. Panics
// raised by the callee are returned as errors.
func (m *Method) Call(args ...any) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("%s: %w", m, e)
			} else {
				err = fmt.Errorf("%s: %v", m, r)
			}
		}
	}()

	if m.inner != nil {
		if len(args) == 0 || IsNil(args[0]) {
			return nil, fmt.Errorf("%s: nil receiver", m)
		}
		recv := exposed(reflect.ValueOf(args[0]).Elem().FieldByIndex(m.via))
		if !m.viaPtr {
			recv = recv.Addr()
		}
		return m.inner.Call(append([]any{recv.Interface()}, args[1:]...)...)
	}

	fn, err := m.Func()
	if err != nil {
		return nil, err
	}

	var obj any
	if m.ctor {
		obj, err = m.owner.New()
		if err != nil {
			return nil, err
		}
		args = append([]any{obj}, args...)
	} else if !m.static && (len(args) == 0 || IsNil(args[0])) {
		return nil, fmt.Errorf("%s: nil receiver", m)
	}

	in, err := Values(fn.Type(), args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m, err)
	}
	out := fn.Call(in)
	if m.ctor {
		return obj, nil
	}
	return results(out)
}

func results(out []reflect.Value) (any, error) {
	if n := len(out); n > 0 && out[n-1].Type() == errorType {
		if err, _ := Interface(out[n-1]).(error); err != nil {
			return nil, err
		}
		out = out[:n-1]
	}
	if len(out) == 0 {
		return nil, nil
	}
	return Interface(out[0]), nil
}

// GenericMethod is a method with its own type parameters. Go instantiates
// generics at build time, so each closed instance is registered
// separately.
type GenericMethod struct {
	name      string
	owner     *Type
	arity     int
	numParams int
	static    bool

	mu        sync.RWMutex
	instances map[string]*Method
}

// GenericMethod registers a generic method.
func (t *Type) GenericMethod(name string, arity, numParams int, static bool) *GenericMethod {
	g := &GenericMethod{
		name:      name,
		owner:     t,
		arity:     arity,
		numParams: numParams,
		static:    static,
		instances: map[string]*Method{},
	}
	t.mu.Lock()
	t.generics[name] = append(t.generics[name], g)
	t.mu.Unlock()
	return g
}

// GenericMethods returns the generic methods named name, looking through
// base types.
func (t *Type) GenericMethods(name string) []*GenericMethod {
	var out []*GenericMethod
	for cur := t; cur != nil; cur = cur.base {
		cur.mu.RLock()
		out = append(out, cur.generics[name]...)
		cur.mu.RUnlock()
	}
	return out
}

func (g *GenericMethod) Name() string   { return g.name }
func (g *GenericMethod) Owner() *Type   { return g.owner }
func (g *GenericMethod) Arity() int     { return g.arity }
func (g *GenericMethod) NumParams() int { return g.numParams }
func (g *GenericMethod) Static() bool   { return g.static }

func (g *GenericMethod) String() string {
	return fmt.Sprintf("%s::%s`%d", g.owner, g.name, g.arity)
}

// Instance registers fn as the instantiation of g over args.
func (g *GenericMethod) Instance(fn any, args ...*Type) *Method {
	if len(args) != g.arity {
		panic(fmt.Sprintf("live: %s takes %d type arguments, got %d", g, g.arity, len(args)))
	}
	m := g.owner.native(g.name, fn, g.static)
	if len(m.Params()) != g.numParams {
		panic(fmt.Sprintf("live: %s takes %d parameters, instance has %d", g, g.numParams, len(m.Params())))
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.instances[typesKey(args)] = m
	return m
}

// Close returns the instance of g over args.
func (g *GenericMethod) Close(args ...*Type) (*Method, error) {
	if len(args) != g.arity {
		return nil, fault.Unresolvable("%s takes %d type arguments, got %d", g, g.arity, len(args))
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	m, ok := g.instances[typesKey(args)]
	if !ok {
		names := make([]string, len(args))
		for i, a := range args {
			names[i] = a.FullName()
		}
		return nil, fault.Unresolvable("no instance %s<%s> is loaded", g, strings.Join(names, ","))
	}
	return m, nil
}
