package live

import (
	"reflect"
	"strings"
	"sync"
)

// Module is a loaded binary: a named collection of types.
type Module struct {
	identity string
	rt       *Runtime

	mu     sync.RWMutex
	types  []*Type
	byName map[string]*Type
}

// Identity returns the module's identity string, e.g.
// "demo, Version=1.0.0.0".
func (m *Module) Identity() string {
	return m.identity
}

// Name returns the identity up to the first comma.
func (m *Module) Name() string {
	name, _, _ := strings.Cut(m.identity, ",")
	return name
}

// Runtime returns the runtime the module is loaded in.
func (m *Module) Runtime() *Runtime {
	return m.rt
}

// Define registers a top level type.
func (m *Module) Define(kind Kind, namespace, name string, rt reflect.Type) *Type {
	t := newType(kind, namespace, name, rt)
	t.module = m
	m.index(t)
	return t
}

// Generic registers an open generic type definition with the given
// number of type parameters.
func (m *Module) Generic(namespace, name string, arity int) *Type {
	t := newType(KindGeneric, namespace, name, nil)
	t.arity = arity
	t.module = m
	m.index(t)
	return t
}

func (m *Module) index(t *Type) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.types = append(m.types, t)
	m.byName[t.FullName()] = t
}

// Type returns the type with the given full name, or nil.
func (m *Module) Type(fullName string) *Type {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byName[fullName]
}

// Types returns the module's types in registration order, nested types
// included.
func (m *Module) Types() []*Type {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Type(nil), m.types...)
}
