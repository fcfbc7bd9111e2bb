// Package live is the catalogue of what is loaded in the running process:
// modules, their types, and the fields and methods of those types.
//
// Types are Go types registered through reflect. Methods are either
// native Go functions, which are already machine code, or code-backed
// methods whose bodies are compiled from an image on first use. Dispatch
// slots, the per-function cells that instrumented functions consult on
// every call, also live here.
package live

import (
	"strings"
	"sync"
)

// CoreIdentity is the identity of the module holding the builtin types.
const CoreIdentity = "core, Version=1.0.0.0"

// Runtime is the set of loaded modules. Modules are never unloaded.
type Runtime struct {
	mu      sync.RWMutex
	modules []*Module
	core    *Module
	slots   *SlotTable
}

// New returns a runtime with only the core module loaded.
func New() *Runtime {
	rt := &Runtime{slots: NewSlotTable()}
	rt.core = rt.Load(CoreIdentity)
	defineCore(rt.core)
	return rt
}

// Load registers a module. Loading an identity twice returns the module
// loaded first.
func (rt *Runtime) Load(identity string) *Module {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, m := range rt.modules {
		if m.identity == identity {
			return m
		}
	}
	m := &Module{identity: identity, rt: rt, byName: map[string]*Type{}}
	rt.modules = append(rt.modules, m)
	return m
}

// Core returns the core module.
func (rt *Runtime) Core() *Module {
	return rt.core
}

// Modules returns the loaded modules in load order.
func (rt *Runtime) Modules() []*Module {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return append([]*Module(nil), rt.modules...)
}

// Lookup returns the first loaded module whose identity is a prefix of
// scope, or nil.
func (rt *Runtime) Lookup(scope string) *Module {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for _, m := range rt.modules {
		if strings.HasPrefix(scope, m.identity) {
			return m
		}
	}
	return nil
}

// Builtin returns a core type by name, e.g. "int" or "hotpatch.Code".
func (rt *Runtime) Builtin(name string) *Type {
	return rt.core.Type(name)
}

// Slots returns the process wide dispatch slot table.
func (rt *Runtime) Slots() *SlotTable {
	return rt.slots
}
