// Package fault defines the error kinds shared by the patching engine.
//
// Every failure in the engine is recovered at the granularity of a single
// function. The kinds below let callers decide how to report a failure
// without parsing messages.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrUnresolvable means a type or member mentioned by a body could not
	// be matched to a live entity.
	ErrUnresolvable = errors.New("unresolvable reference")

	// ErrUnsupported means a function cannot be instrumented or recompiled
	// because of a structural limitation.
	ErrUnsupported = errors.New("unsupported construct")

	// ErrTargetMissing means the live function to patch does not exist.
	ErrTargetMissing = errors.New("patch target missing")

	// ErrBuild means the external build step did not produce an image.
	ErrBuild = errors.New("build failure")
)

// Unresolvable returns an error wrapping ErrUnresolvable.
func Unresolvable(format string, args ...any) error {
	return wrap(ErrUnresolvable, format, args...)
}

// Unsupported returns an error wrapping ErrUnsupported.
func Unsupported(format string, args ...any) error {
	return wrap(ErrUnsupported, format, args...)
}

// TargetMissing returns an error wrapping ErrTargetMissing.
func TargetMissing(format string, args ...any) error {
	return wrap(ErrTargetMissing, format, args...)
}

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Kind returns the engine error kind err belongs to, or nil.
func Kind(err error) error {
	for _, k := range []error{ErrUnresolvable, ErrUnsupported, ErrTargetMissing, ErrBuild} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
