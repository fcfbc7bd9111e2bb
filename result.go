package hotswap

import (
	"errors"
	"fmt"
)

// Result is the outcome of patching one module.
type Result struct {
	Module string

	// Patched lists the functions whose new body was installed.
	Patched []string

	// Unchanged counts functions whose fingerprint matched.
	Unchanged int

	// Skipped counts functions the session does not track.
	Skipped int

	Failures []*FuncError

	// UpToDate is set when Rebuild found no source newer than the last
	// patch and did nothing.
	UpToDate bool

	// Err is set when the module could not be built or read. No function
	// was considered.
	Err error
}

// Status summarizes the result in one line.
func (r *Result) Status() string {
	switch {
	case r.Err != nil:
		return "failed: " + r.Err.Error()
	case len(r.Patched) == 0 && len(r.Failures) > 0:
		return "failed: " + r.Failures[0].Error()
	case len(r.Patched) == 0:
		return "no changes"
	case len(r.Failures) > 0:
		return fmt.Sprintf("patched %d functions, %d failed", len(r.Patched), len(r.Failures))
	}
	return fmt.Sprintf("patched %d functions", len(r.Patched))
}

// Errors joins Err and every function failure, or returns nil.
func (r *Result) Errors() error {
	errs := []error{r.Err}
	for _, f := range r.Failures {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}
