package live

import (
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
)

// Code is a compiled unit: an independently callable replacement body.
type Code interface {
	// Invoke runs the unit. For instance functions args[0] is the
	// receiver.
	Invoke(args ...any) (any, error)

	// Func returns the unit as a native Go function value with the
	// function's exact signature.
	Func() reflect.Value

	// Entry returns the address of the unit's machine code entry point,
	// or 0 when the platform has none.
	Entry() uintptr
}

type codeHolder struct {
	code Code
}

// Slot is a dispatch slot: a process wide cell holding the active
// replacement for one function, or nothing.
type Slot struct {
	key  string
	code atomic.Pointer[codeHolder]
}

// Key returns the identity of the function that owns the slot.
func (s *Slot) Key() string {
	return s.key
}

// Load returns the installed unit or nil.
func (s *Slot) Load() Code {
	h := s.code.Load()
	if h == nil {
		return nil
	}
	return h.code
}

// Store installs c. It is a single pointer store, so a concurrent Load
// observes either the previous unit or c.
func (s *Slot) Store(c Code) {
	s.code.Store(&codeHolder{code: c})
}

// SlotTable maps function identities to their dispatch slots. A function
// gets at most one slot for the lifetime of the table.
type SlotTable struct {
	mu    sync.RWMutex
	slots map[string]*Slot
}

// NewSlotTable returns an empty table.
func NewSlotTable() *SlotTable {
	return &SlotTable{slots: map[string]*Slot{}}
}

// Slot returns the slot for key, creating it on first use.
func (t *SlotTable) Slot(key string) *Slot {
	if s := t.Lookup(key); s != nil {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.slots[key]; ok {
		return s
	}
	s := &Slot{key: key}
	t.slots[key] = s
	return s
}

// Lookup returns the slot for key or nil if none was created.
func (t *SlotTable) Lookup(key string) *Slot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.slots[key]
}

// Keys returns the identities of every slot, sorted.
func (t *SlotTable) Keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]string, 0, len(t.slots))
	for k := range t.slots {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
