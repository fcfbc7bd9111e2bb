package live

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pboyd/hotswap/internal/fault"
)

// Kind describes how values of a type are represented.
type Kind uint8

const (
	// KindClass types are reference types. Their values are pointers to a
	// struct.
	KindClass Kind = iota
	KindValue
	KindInterface
	KindArray
	KindByRef

	// KindGeneric is an open generic type definition. It has no runtime
	// representation; only its registered instances do.
	KindGeneric
)

var kindNames = [...]string{
	KindClass:     "class",
	KindValue:     "value",
	KindInterface: "interface",
	KindArray:     "array",
	KindByRef:     "byref",
	KindGeneric:   "generic",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

var typeIDs atomic.Uint64

// Type is a loaded type.
type Type struct {
	id        uint64
	kind      Kind
	namespace string
	name      string
	rtype     reflect.Type
	module    *Module
	declaring *Type
	base      *Type

	// elem is the element of arrays and by-ref types.
	elem *Type

	// open and args are set on generic instances; arity on definitions.
	open  *Type
	args  []*Type
	arity int

	mu        sync.RWMutex
	nested    map[string]*Type
	statics   map[string]*Field
	fields    map[string]*Field
	methods   map[string][]*Method
	promoted  map[string][]*Method
	generics  map[string][]*GenericMethod
	ctors     []*Method
	instances map[string]*Type

	arrayOf atomic.Pointer[Type]
	refOf   atomic.Pointer[Type]
}

func newType(kind Kind, namespace, name string, rt reflect.Type) *Type {
	switch kind {
	case KindClass:
		if rt == nil || rt.Kind() != reflect.Pointer || rt.Elem().Kind() != reflect.Struct {
			panic(fmt.Sprintf("live: class %s must be represented by a pointer to struct, got %v", name, rt))
		}
	case KindInterface:
		if rt == nil || rt.Kind() != reflect.Interface {
			panic(fmt.Sprintf("live: interface %s must be represented by an interface type, got %v", name, rt))
		}
	case KindGeneric:
		rt = nil
	default:
		if rt == nil {
			panic(fmt.Sprintf("live: type %s has no runtime representation", name))
		}
	}
	return &Type{
		id:        typeIDs.Add(1),
		kind:      kind,
		namespace: namespace,
		name:      name,
		rtype:     rt,
		nested:    map[string]*Type{},
		statics:   map[string]*Field{},
		fields:    map[string]*Field{},
		methods:   map[string][]*Method{},
		promoted:  map[string][]*Method{},
		generics:  map[string][]*GenericMethod{},
		instances: map[string]*Type{},
	}
}

// Class registers T as a class. Its values are *T.
func Class[T any](m *Module, namespace, name string) *Type {
	return m.Define(KindClass, namespace, name, reflect.TypeFor[*T]())
}

// Value registers T as a value type.
func Value[T any](m *Module, namespace, name string) *Type {
	return m.Define(KindValue, namespace, name, reflect.TypeFor[T]())
}

// InterfaceType registers the interface type T.
func InterfaceType[T any](m *Module, namespace, name string) *Type {
	return m.Define(KindInterface, namespace, name, reflect.TypeFor[T]())
}

// NestClass registers T as a class nested in parent.
func NestClass[T any](parent *Type, name string) *Type {
	return parent.Nest(KindClass, name, reflect.TypeFor[*T]())
}

func (t *Type) Kind() Kind           { return t.kind }
func (t *Type) Name() string         { return t.name }
func (t *Type) Namespace() string    { return t.namespace }
func (t *Type) Module() *Module      { return t.module }
func (t *Type) DeclaringType() *Type { return t.declaring }
func (t *Type) Base() *Type          { return t.base }
func (t *Type) Elem() *Type          { return t.elem }
func (t *Type) Open() *Type          { return t.open }
func (t *Type) Args() []*Type        { return t.args }
func (t *Type) Arity() int           { return t.arity }

// Runtime returns the Go type of the type's values, or nil for open
// generic definitions.
func (t *Type) Runtime() reflect.Type {
	return t.rtype
}

// FullName returns the type's name as images refer to it.
func (t *Type) FullName() string {
	switch {
	case t.kind == KindArray:
		return t.elem.FullName() + "[]"
	case t.kind == KindByRef:
		return t.elem.FullName() + "&"
	case t.open != nil:
		args := make([]string, len(t.args))
		for i, a := range t.args {
			args[i] = a.FullName()
		}
		return t.open.FullName() + "<" + strings.Join(args, ",") + ">"
	case t.declaring != nil:
		return t.declaring.FullName() + "/" + t.name
	case t.namespace == "":
		return t.name
	}
	return t.namespace + "." + t.name
}

func (t *Type) String() string {
	return t.FullName()
}

// Nest registers a type nested in t.
func (t *Type) Nest(kind Kind, name string, rt reflect.Type) *Type {
	n := newType(kind, "", name, rt)
	n.module = t.module
	n.declaring = t

	t.mu.Lock()
	t.nested[name] = n
	t.mu.Unlock()

	if t.module != nil {
		t.module.index(n)
	}
	return n
}

// Nested returns the nested type with the given name, or nil.
func (t *Type) Nested(name string) *Type {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nested[name]
}

// Embed records base as t's base type. Field and method lookups that miss
// on t continue on base. t's struct must embed base's struct.
func (t *Type) Embed(base *Type) *Type {
	if _, _, ok := embedPath(t.rtype, base.rtype); !ok {
		panic(fmt.Sprintf("live: %s does not embed %s", t, base))
	}
	t.base = base
	return t
}

// Instance registers rt, with the given kind, as the instantiation of the
// generic definition t over args.
func (t *Type) Instance(kind Kind, rt reflect.Type, args ...*Type) *Type {
	if t.kind != KindGeneric {
		panic(fmt.Sprintf("live: %s is not a generic definition", t))
	}
	if len(args) != t.arity {
		panic(fmt.Sprintf("live: %s takes %d type arguments, got %d", t, t.arity, len(args)))
	}
	inst := newType(kind, t.namespace, t.name, rt)
	inst.module = t.module
	inst.declaring = t.declaring
	inst.open = t
	inst.args = args

	t.mu.Lock()
	t.instances[typesKey(args)] = inst
	t.mu.Unlock()
	return inst
}

// Instantiate returns the closed instance of t over args. Go generics are
// instantiated at build time, so only registered instances exist.
func (t *Type) Instantiate(args ...*Type) (*Type, error) {
	if t.kind != KindGeneric {
		return nil, fault.Unsupported("%s is not a generic definition", t)
	}
	if len(args) != t.arity {
		return nil, fault.Unresolvable("%s takes %d type arguments, got %d", t, t.arity, len(args))
	}
	t.mu.RLock()
	inst, ok := t.instances[typesKey(args)]
	t.mu.RUnlock()
	if !ok {
		names := make([]string, len(args))
		for i, a := range args {
			names[i] = a.FullName()
		}
		return nil, fault.Unresolvable("no instance %s<%s> is loaded", t, strings.Join(names, ","))
	}
	return inst, nil
}

// ArrayOf returns the array type with element t.
func (t *Type) ArrayOf() (*Type, error) {
	if t.rtype == nil {
		return nil, fault.Unsupported("array of open generic %s", t)
	}
	if a := t.arrayOf.Load(); a != nil {
		return a, nil
	}
	a := newType(KindArray, "", "", reflect.SliceOf(t.rtype))
	a.module = t.module
	a.elem = t
	if !t.arrayOf.CompareAndSwap(nil, a) {
		return t.arrayOf.Load(), nil
	}
	return a, nil
}

// RefOf returns the by-reference variant of t.
func (t *Type) RefOf() (*Type, error) {
	if t.rtype == nil {
		return nil, fault.Unsupported("reference to open generic %s", t)
	}
	if r := t.refOf.Load(); r != nil {
		return r, nil
	}
	r := newType(KindByRef, "", "", reflect.PointerTo(t.rtype))
	r.module = t.module
	r.elem = t
	if !t.refOf.CompareAndSwap(nil, r) {
		return t.refOf.Load(), nil
	}
	return r, nil
}

// New returns a new zero value of t. Classes are allocated.
func (t *Type) New() (any, error) {
	switch t.kind {
	case KindClass:
		return reflect.New(t.rtype.Elem()).Interface(), nil
	case KindGeneric:
		return nil, fault.Unsupported("cannot instantiate open generic %s", t)
	case KindInterface:
		return nil, fmt.Errorf("cannot instantiate interface %s", t)
	}
	return reflect.Zero(t.rtype).Interface(), nil
}

// Is reports whether v is a value of t.
func (t *Type) Is(v any) bool {
	if v == nil || t.rtype == nil {
		return false
	}
	return reflect.TypeOf(v).AssignableTo(t.rtype)
}

func typesKey(types []*Type) string {
	var sb strings.Builder
	for i, t := range types {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatUint(t.id, 10))
	}
	return sb.String()
}

func structOf(rt reflect.Type) reflect.Type {
	if rt == nil {
		return nil
	}
	if rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	if rt.Kind() != reflect.Struct {
		return nil
	}
	return rt
}

// embedPath finds base's struct embedded in derived's struct. ptr reports
// whether it is embedded by pointer.
func embedPath(derived, base reflect.Type) (index []int, ptr bool, ok bool) {
	ds, bs := structOf(derived), structOf(base)
	if ds == nil || bs == nil {
		return nil, false, false
	}
	for i := 0; i < ds.NumField(); i++ {
		f := ds.Field(i)
		if !f.Anonymous {
			continue
		}
		if f.Type == bs {
			return f.Index, false, true
		}
		if f.Type.Kind() == reflect.Pointer && f.Type.Elem() == bs {
			return f.Index, true, true
		}
	}
	return nil, false, false
}
