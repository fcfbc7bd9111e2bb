// Package resolve maps type and member references read from an offline
// image onto the entities loaded in the live runtime.
//
// A reference that cannot be matched yields an error wrapping
// fault.ErrUnresolvable; the resolver never panics on missing entities.
// Successful lookups are cached for the life of the resolver since loaded
// types never change identity.
package resolve

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/pboyd/hotswap/image"
	"github.com/pboyd/hotswap/internal/fault"
	"github.com/pboyd/hotswap/live"
)

// DefaultSuffix marks the image name of a rebuilt copy of a module.
const DefaultSuffix = "--hotpatch"

var log = commonlog.GetLogger("hotswap.resolve")

// Resolver resolves image references against a runtime.
type Resolver struct {
	rt     *live.Runtime
	suffix string

	types   sync.Map // key -> *live.Type
	fields  sync.Map // key -> *live.Field
	methods sync.Map // key -> *live.Method
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithSuffix sets the marker stripped from the scope of rebuilt modules.
func WithSuffix(suffix string) Option {
	return func(r *Resolver) {
		r.suffix = suffix
	}
}

// New returns a resolver for rt.
func New(rt *live.Runtime, opts ...Option) *Resolver {
	r := &Resolver{rt: rt, suffix: DefaultSuffix}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Runtime returns the runtime references are resolved against.
func (r *Resolver) Runtime() *live.Runtime {
	return r.rt
}

// binding supplies the arguments for generic parameters mentioned inside a
// member signature.
type binding struct {
	typeArgs   []*live.Type
	methodArgs []*live.Type
}

// Type resolves a type reference. Top level references to generic
// parameters are unsupported because nothing binds them.
func (r *Resolver) Type(ref *image.TypeRef) (*live.Type, error) {
	return r.typeIn(ref, nil)
}

func (r *Resolver) typeIn(ref *image.TypeRef, b *binding) (*live.Type, error) {
	if ref == nil {
		return nil, fault.Unsupported("void is not a type")
	}

	if ref.Kind == image.TypeGenericParam {
		return b.bind(ref)
	}

	key := ref.Key()
	if !ref.Open() {
		if t, ok := r.types.Load(key); ok {
			return t.(*live.Type), nil
		}
	}

	t, err := r.lookupType(ref, b)
	if err != nil {
		return nil, err
	}

	if !ref.Open() {
		actual, _ := r.types.LoadOrStore(key, t)
		t = actual.(*live.Type)
	}
	return t, nil
}

func (b *binding) bind(ref *image.TypeRef) (*live.Type, error) {
	var args []*live.Type
	if b != nil {
		if ref.Method {
			args = b.methodArgs
		} else {
			args = b.typeArgs
		}
	}
	if ref.Position < 0 || ref.Position >= len(args) {
		return nil, fault.Unsupported("generic parameter %s is not bound", ref.FullName())
	}
	return args[ref.Position], nil
}

func (r *Resolver) lookupType(ref *image.TypeRef, b *binding) (*live.Type, error) {
	switch ref.Kind {
	case image.TypeByRef:
		elem, err := r.typeIn(ref.Elem, b)
		if err != nil {
			return nil, err
		}
		return elem.RefOf()

	case image.TypeArray:
		elem, err := r.typeIn(ref.Elem, b)
		if err != nil {
			return nil, err
		}
		return elem.ArrayOf()

	case image.TypeGenericInstance:
		open, err := r.typeIn(ref.Elem, b)
		if err != nil {
			return nil, err
		}
		args := make([]*live.Type, len(ref.Args))
		for i, a := range ref.Args {
			if args[i], err = r.typeIn(a, b); err != nil {
				return nil, err
			}
		}
		return open.Instantiate(args...)

	case image.TypeNamed:
		return r.named(ref)
	}
	return nil, fault.Unsupported("type reference %s of kind %d", ref.FullName(), ref.Kind)
}

func (r *Resolver) named(ref *image.TypeRef) (*live.Type, error) {
	if ref.Declaring != nil {
		parent, err := r.Type(ref.Declaring)
		if err != nil {
			return nil, err
		}
		if n := parent.Nested(ref.Name); n != nil {
			return n, nil
		}
		return nil, fault.Unresolvable("%s has no nested type %s", parent, ref.Name)
	}

	m, err := r.Module(ref.Scope)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ref.FullName(), err)
	}
	if t := m.Type(ref.FullName()); t != nil {
		return t, nil
	}
	return nil, fault.Unresolvable("module %s has no type %s", m.Identity(), ref.FullName())
}

// Module returns the loaded module an image scope refers to. The rebuild
// suffix is stripped before matching.
func (r *Resolver) Module(scope string) (*live.Module, error) {
	if r.suffix != "" {
		scope = strings.Replace(scope, r.suffix, "", 1)
	}
	if m := r.rt.Lookup(scope); m != nil {
		return m, nil
	}
	return nil, fault.Unresolvable("module %q is not loaded", scope)
}

// Field resolves a field reference.
func (r *Resolver) Field(ref *image.MemberRef) (*live.Field, error) {
	if ref.Kind != image.MemberField {
		return nil, fault.Unsupported("%s is not a field", ref.FullName())
	}
	key := ref.Key()
	if f, ok := r.fields.Load(key); ok {
		return f.(*live.Field), nil
	}

	owner, err := r.Type(ref.Declaring)
	if err != nil {
		return nil, err
	}
	f := owner.Field(ref.Name)
	if f == nil {
		return nil, fault.Unresolvable("%s has no field %s", owner, ref.Name)
	}

	actual, _ := r.fields.LoadOrStore(key, f)
	return actual.(*live.Field), nil
}

// Method resolves a method or constructor reference. Generic method
// instances are closed over their resolved arguments.
func (r *Resolver) Method(ref *image.MemberRef) (*live.Method, error) {
	if ref.Kind != image.MemberMethod {
		return nil, fault.Unsupported("%s is not a method", ref.FullName())
	}
	if ref.GenericArity > 0 && !ref.IsGenericInstance() {
		return nil, fault.Unsupported("%s is an open generic method", ref.FullName())
	}

	key := ref.Key()
	if m, ok := r.methods.Load(key); ok {
		return m.(*live.Method), nil
	}

	owner, err := r.Type(ref.Declaring)
	if err != nil {
		return nil, err
	}
	b := &binding{typeArgs: owner.Args()}

	var m *live.Method
	if ref.IsGenericInstance() {
		m, err = r.genericMethod(owner, ref, b)
	} else {
		m, err = r.method(owner, ref, b)
	}
	if err != nil {
		return nil, err
	}

	log.Debugf("resolved %s to %s", ref.FullName(), m)
	actual, _ := r.methods.LoadOrStore(key, m)
	return actual.(*live.Method), nil
}

func (r *Resolver) params(ref *image.MemberRef, b *binding) ([]reflect.Type, error) {
	params := make([]reflect.Type, len(ref.Params))
	for i, p := range ref.Params {
		t, err := r.typeIn(p, b)
		if err != nil {
			return nil, fmt.Errorf("parameter %d of %s: %w", i, ref.FullName(), err)
		}
		params[i] = t.Runtime()
	}
	return params, nil
}

// method selects the overload with the exact parameter type sequence.
func (r *Resolver) method(owner *live.Type, ref *image.MemberRef, b *binding) (*live.Method, error) {
	params, err := r.params(ref, b)
	if err != nil {
		return nil, err
	}

	var candidates []*live.Method
	if ref.Name == image.Constructor {
		candidates = owner.Constructors()
	} else {
		candidates = owner.Methods(ref.Name)
	}
	for _, m := range candidates {
		if sameTypes(m.Params(), params) {
			return m, nil
		}
	}
	return nil, fault.Unresolvable("%s has no method %s%v", owner, ref.Name, params)
}

// genericMethod closes every generic method with a matching name, arity
// and parameter count over the resolved arguments, and picks the first
// instance whose parameter types match.
func (r *Resolver) genericMethod(owner *live.Type, ref *image.MemberRef, b *binding) (*live.Method, error) {
	args := make([]*live.Type, len(ref.GenericArgs))
	for i, a := range ref.GenericArgs {
		t, err := r.typeIn(a, b)
		if err != nil {
			return nil, fmt.Errorf("generic argument %d of %s: %w", i, ref.FullName(), err)
		}
		args[i] = t
	}
	b.methodArgs = args

	// Parameters must resolve with the method's arguments bound.
	params, err := r.params(ref, b)
	if err != nil {
		return nil, err
	}

	var closeErr error
	for _, g := range owner.GenericMethods(ref.Name) {
		if g.Arity() != len(args) || g.NumParams() != len(ref.Params) {
			continue
		}
		m, err := g.Close(args...)
		if err != nil {
			closeErr = err
			continue
		}
		if sameTypes(m.Params(), params) {
			return m, nil
		}
	}
	if closeErr != nil {
		return nil, closeErr
	}
	return nil, fault.Unresolvable("%s has no generic method %s`%d%v", owner, ref.Name, len(args), params)
}

func sameTypes(a, b []reflect.Type) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
