package trampoline

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"unsafe"

	"github.com/pboyd/malloc"
)

const arenaSize = 64 << 10

// codeArena holds thunks in executable memory from a malloc arena. Its
// pages are read-execute except while mu is held for a write.
type codeArena struct {
	mu      sync.Mutex
	arena   *malloc.Arena
	protect func(prot int) error

	// sizes maps the entry of every thunk to its length.
	sizes map[uintptr]int
}

var thunkArena = &codeArena{}

func (c *codeArena) open() error {
	if c.arena != nil {
		return nil
	}

	be := malloc.MmapBackend(malloc.MmapProt(mprotectExec), malloc.MmapFlags(map_32bit))
	c.protect = func(int) error { return nil }
	if pb, ok := be.(malloc.ProtectedArenaBackend); ok {
		c.protect = pb.Protect
	}

	c.arena = malloc.NewArena(arenaSize, malloc.Backend(be))
	if c.arena == nil {
		return errors.New("unable to initialize thunk arena")
	}
	c.sizes = map[uintptr]int{}
	return nil
}

// writable runs fn with the arena pages writable.
func (c *codeArena) writable(fn func() error) error {
	if err := c.protect(mprotectRWX); err != nil {
		return fmt.Errorf("unprotect thunk arena: %w", err)
	}
	ferr := fn()
	if err := c.protect(mprotectRX); err != nil && ferr == nil {
		ferr = fmt.Errorf("protect thunk arena: %w", err)
	}
	return ferr
}

// place copies code into the arena and returns its entry.
func (c *codeArena) place(code []byte) (uintptr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.open(); err != nil {
		return 0, err
	}

	var entry uintptr
	err := c.writable(func() error {
		buf, err := malloc.MallocSlice[byte](c.arena, len(code))
		if err != nil {
			return err
		}
		copy(buf, code)
		entry = uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
		return nil
	})
	if err != nil {
		return 0, err
	}
	c.sizes[entry] = len(code)
	return entry, nil
}

// overwrite replaces the start of the thunk at entry with code. It
// reports false if entry is not a thunk.
func (c *codeArena) overwrite(entry uintptr, code []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	size, ok := c.sizes[entry]
	if !ok {
		return false, nil
	}
	if size < len(code) {
		return true, fmt.Errorf("thunk at 0x%x is too small for a %d byte jump", entry, len(code))
	}
	return true, c.writable(func() error {
		copy(unsafe.Slice((*byte)(unsafe.Pointer(entry)), len(code)), code)
		return nil
	})
}

// Thunk returns the entry of new machine code that calls fn. The thunk
// refers to fn's closure without the garbage collector knowing, so the
// caller must keep fn reachable for as long as the thunk may run. Thunks
// are never freed.
func Thunk(fn reflect.Value) (uintptr, error) {
	if fn.Kind() != reflect.Func {
		return 0, fmt.Errorf("not a function, kind: %v", fn.Kind())
	}
	if !Supported() {
		return 0, nil
	}

	// A func value stored in an interface is the pointer to its closure.
	iface := fn.Interface()
	closure := (*[2]unsafe.Pointer)(unsafe.Pointer(&iface))[1]
	code := thunkCode(uintptr(closure))

	return thunkArena.place(code)
}
