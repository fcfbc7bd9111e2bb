// Package loader binds an image to the live runtime.
//
// Functions that have a live counterpart already (Go methods registered
// with the runtime) are left alone. Every other function with a body is
// declared as a code-backed method, compiled from the image on its first
// call. Dispatch slots of instrumented code-backed functions are
// registered as static fields backed by the runtime's slot table, so the
// guard at the top of those bodies reads the same slot the patch applier
// writes.
package loader

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/pboyd/hotswap/image"
	"github.com/pboyd/hotswap/instrument"
	"github.com/pboyd/hotswap/internal/fault"
	"github.com/pboyd/hotswap/live"
	"github.com/pboyd/hotswap/recompile"
)

var log = commonlog.GetLogger("hotswap.loader")

// Loader binds images through a compiler.
type Loader struct {
	comp *recompile.Compiler
}

// New returns a loader that compiles with comp.
func New(comp *recompile.Compiler) *Loader {
	return &Loader{comp: comp}
}

// Report describes what Load did with each function.
type Report struct {
	Module string

	// Declared are the functions now backed by image code.
	Declared []string

	// Bound are the functions that already had a live counterpart.
	Bound []string

	// Slots are the functions whose dispatch slot was registered.
	Slots []string

	Failures []Failure
}

// Failure is a function that could not be bound.
type Failure struct {
	Func string
	Err  error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Func, f.Err)
}

func (f Failure) Unwrap() error {
	return f.Err
}

// Err joins every failure, or returns nil.
func (r *Report) Err() error {
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}

func (r *Report) fail(name string, err error) {
	log.Warningf("%s: %s", name, err)
	r.Failures = append(r.Failures, Failure{Func: name, Err: err})
}

// Load binds img. The image's module must already be loaded in the
// runtime. Failures are per function and listed in the report; the error
// is only set when the module itself is missing.
func (l *Loader) Load(img *image.Image) (*Report, error) {
	res := l.comp.Resolver()
	mod, err := res.Module(img.Identity)
	if err != nil {
		return nil, err
	}
	r := &Report{Module: mod.Identity()}
	slots := res.Runtime().Slots()

	for _, td := range img.Types() {
		if td.GenericParams > 0 {
			// Instances of generic types exist only as compiled Go code.
			log.Debugf("skipping generic type %s", td.FullName())
			continue
		}

		var declared []*image.Function
		for _, fn := range td.Functions {
			if !fn.HasBody() || fn.GenericParams > 0 {
				continue
			}
			_, err := res.Method(fn.Ref())
			switch {
			case err == nil:
				r.Bound = append(r.Bound, fn.FullName())
			case errors.Is(err, fault.ErrUnresolvable):
				declared = append(declared, fn)
			default:
				r.fail(fn.FullName(), err)
			}
		}
		if len(declared) == 0 {
			continue
		}

		lt, err := res.Type(td.Ref())
		if err != nil {
			for _, fn := range declared {
				r.fail(fn.FullName(), err)
			}
			continue
		}

		for _, fn := range declared {
			ft, err := l.comp.FuncType(fn)
			if err != nil {
				r.fail(fn.FullName(), err)
				continue
			}

			if instrument.Instrumented(fn) {
				name := instrument.SlotName(fn)
				if lt.Field(name) == nil {
					lt.SlotField(name, slots.Slot(fn.FullName()))
				}
				r.Slots = append(r.Slots, fn.FullName())
			}

			lt.Declare(fn.Name, fn.Static, ft, func() (live.Code, error) {
				log.Debugf("compiling %s", fn)
				return l.comp.Load(fn)
			})
			r.Declared = append(r.Declared, fn.FullName())
		}
	}

	log.Infof("loaded %s: %d declared, %d bound, %d slots, %d failed",
		img.Name, len(r.Declared), len(r.Bound), len(r.Slots), len(r.Failures))
	return r, nil
}
