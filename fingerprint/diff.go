package fingerprint

import (
	"sort"

	"github.com/pboyd/hotswap/image"
)

// ChangeKind says how a function differs between two images.
type ChangeKind uint8

const (
	Changed ChangeKind = iota
	Added
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Removed:
		return "removed"
	}
	return "changed"
}

// Change is a function whose body differs between two images.
type Change struct {
	Func string
	Kind ChangeKind

	// Old and New are zero for added and removed functions respectively.
	Old, New Fingerprint
}

// Diff compares the bodies of every function of from and to, sorted by
// function name. Functions without a body are ignored.
func Diff(from, to *image.Image) []Change {
	before := bodies(from)
	after := bodies(to)

	var changes []Change
	for name, fn := range after {
		prev, ok := before[name]
		if !ok {
			changes = append(changes, Change{Func: name, Kind: Added, New: Of(fn)})
			continue
		}
		a, b := Of(prev), Of(fn)
		if !a.Equal(b) {
			changes = append(changes, Change{Func: name, Kind: Changed, Old: a, New: b})
		}
	}
	for name, fn := range before {
		if _, ok := after[name]; !ok {
			changes = append(changes, Change{Func: name, Kind: Removed, Old: Of(fn)})
		}
	}

	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Func < changes[j].Func
	})
	return changes
}

func bodies(img *image.Image) map[string]*image.Function {
	m := map[string]*image.Function{}
	for _, fn := range img.Functions() {
		if fn.HasBody() {
			m[fn.FullName()] = fn
		}
	}
	return m
}
