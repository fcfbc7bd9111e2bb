package patch

import (
	"errors"
	"fmt"
	"reflect"
)

// Differences lists the positions at which two function signatures
// disagree. A nil entry means the position matches.
type Differences struct {
	In  []*ArgDifference
	Out []*ArgDifference
}

// ArgDifference is a mismatched argument or result. A is nil when only
// the second signature has the position, and B when only the first does.
type ArgDifference struct {
	A reflect.Type
	B reflect.Type
}

// Empty reports whether the signatures are identical.
func (d *Differences) Empty() bool {
	for _, list := range [][]*ArgDifference{d.In, d.Out} {
		for _, arg := range list {
			if arg != nil {
				return false
			}
		}
	}
	return true
}

// Err joins one error per differing position, or returns nil.
func (d *Differences) Err() error {
	errs := []error{}
	for i, arg := range d.In {
		if arg != nil {
			errs = append(errs, fmt.Errorf("argument %d: %v != %v", i, arg.A, arg.B))
		}
	}
	for i, out := range d.Out {
		if out != nil {
			errs = append(errs, fmt.Errorf("result %d: %v != %v", i, out.A, out.B))
		}
	}

	return errors.Join(errs...)
}

// Diff compares the signatures of two function types.
func Diff(a, b reflect.Type) *Differences {
	return &Differences{
		In:  diffList(a.NumIn(), b.NumIn(), a.In, b.In),
		Out: diffList(a.NumOut(), b.NumOut(), a.Out, b.Out),
	}
}

func diffList(na, nb int, a, b func(int) reflect.Type) []*ArgDifference {
	diffs := make([]*ArgDifference, max(na, nb))
	for i := range diffs {
		var at, bt reflect.Type
		if i < na {
			at = a(i)
		}
		if i < nb {
			bt = b(i)
		}
		if at != bt {
			diffs[i] = &ArgDifference{A: at, B: bt}
		}
	}
	return diffs
}
