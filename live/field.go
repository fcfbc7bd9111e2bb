package live

import (
	"fmt"
	"reflect"
	"unsafe"

	"github.com/pboyd/hotswap/internal/fault"
)

// Field is an instance or static field of a type.
type Field struct {
	name   string
	owner  *Type
	rtype  reflect.Type
	static bool

	// index is the path to an instance field within the owner's struct.
	index []int

	// cell backs static fields declared over a Go variable.
	cell reflect.Value

	// slot backs static dispatch slot fields.
	slot *Slot
}

func (f *Field) Name() string          { return f.name }
func (f *Field) Owner() *Type          { return f.owner }
func (f *Field) Static() bool          { return f.static }
func (f *Field) Runtime() reflect.Type { return f.rtype }

// Slot returns the dispatch slot backing the field, or nil.
func (f *Field) Slot() *Slot {
	return f.slot
}

func (f *Field) String() string {
	return fmt.Sprintf("%s %s::%s", f.rtype, f.owner, f.name)
}

// Static registers a static field backed by the Go variable ptr points to.
func (t *Type) Static(name string, ptr any) *Field {
	pv := reflect.ValueOf(ptr)
	if pv.Kind() != reflect.Pointer || pv.IsNil() {
		panic(fmt.Sprintf("live: static field %s::%s needs a non-nil pointer, got %T", t, name, ptr))
	}
	f := &Field{name: name, owner: t, rtype: pv.Type().Elem(), static: true, cell: pv.Elem()}
	t.addStatic(f)
	return f
}

// SlotField registers a static field of type Code backed by s.
func (t *Type) SlotField(name string, s *Slot) *Field {
	f := &Field{name: name, owner: t, rtype: reflect.TypeFor[Code](), static: true, slot: s}
	t.addStatic(f)
	return f
}

func (t *Type) addStatic(f *Field) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statics[f.name] = f
}

// Field returns the field with the given name, static or instance, looking
// through base types. It returns nil if there is none.
func (t *Type) Field(name string) *Field {
	for cur := t; cur != nil; cur = cur.base {
		if f := cur.field(name); f != nil {
			return f
		}
	}
	return nil
}

func (t *Type) field(name string) *Field {
	t.mu.RLock()
	f, ok := t.statics[name]
	if !ok {
		f, ok = t.fields[name]
	}
	t.mu.RUnlock()
	if ok {
		return f
	}

	st := structOf(t.rtype)
	if st == nil || (t.kind != KindClass && t.kind != KindValue) {
		return nil
	}
	sf, ok := st.FieldByName(name)
	if !ok {
		return nil
	}
	f = &Field{name: name, owner: t, rtype: sf.Type, index: sf.Index}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.fields[name]; ok {
		return existing
	}
	t.fields[name] = f
	return f
}

// Get reads the field. obj is ignored for static fields.
func (f *Field) Get(obj any) (v any, err error) {
	if f.static {
		if f.slot != nil {
			if c := f.slot.Load(); c != nil {
				return c, nil
			}
			return nil, nil
		}
		return Interface(f.cell), nil
	}

	fv, err := f.locate(obj, false)
	if err != nil {
		return nil, err
	}
	return Interface(fv), nil
}

// Set writes the field. obj is ignored for static fields.
func (f *Field) Set(obj, v any) error {
	if f.static && f.slot != nil {
		if v == nil {
			return fmt.Errorf("%s: dispatch slots cannot be cleared", f)
		}
		c, ok := v.(Code)
		if !ok {
			return fmt.Errorf("%s: cannot store %T in a dispatch slot", f, v)
		}
		f.slot.Store(c)
		return nil
	}

	nv, err := Coerce(v, f.rtype)
	if err != nil {
		return fmt.Errorf("%s: %w", f, err)
	}
	if f.static {
		f.cell.Set(nv)
		return nil
	}

	fv, err := f.locate(obj, true)
	if err != nil {
		return err
	}
	fv.Set(nv)
	return nil
}

func (f *Field) locate(obj any, write bool) (fv reflect.Value, err error) {
	if IsNil(obj) {
		return reflect.Value{}, fmt.Errorf("%s: nil reference", f)
	}
	rv := reflect.ValueOf(obj)
	if rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	} else if write {
		return reflect.Value{}, fault.Unsupported("%s: cannot store into a copy of a value type", f)
	} else {
		c := reflect.New(rv.Type()).Elem()
		c.Set(rv)
		rv = c
	}
	if rv.Type() != structOf(f.owner.rtype) {
		return reflect.Value{}, fmt.Errorf("%s: object is a %s", f, rv.Type())
	}

	defer func() {
		// FieldByIndex panics on a nil embedded pointer.
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: %v", f, r)
		}
	}()
	fv = rv.FieldByIndex(f.index)
	return exposed(fv), nil
}

// exposed returns an addressable v that can be read and written even if
// it was reached through unexported fields.
func exposed(v reflect.Value) reflect.Value {
	if v.CanSet() || !v.CanAddr() {
		return v
	}
	return reflect.NewAt(v.Type(), unsafe.Pointer(v.UnsafeAddr())).Elem()
}
