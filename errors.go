package hotswap

import (
	"strings"

	"github.com/pboyd/hotswap/internal/fault"
)

// Error kinds. Every error the session reports wraps one of these, so
// callers can test with errors.Is.
var (
	ErrUnresolvable  = fault.ErrUnresolvable
	ErrUnsupported   = fault.ErrUnsupported
	ErrTargetMissing = fault.ErrTargetMissing
	ErrBuild         = fault.ErrBuild
)

// FuncError is the failure to patch one function.
type FuncError struct {
	Func string
	Err  error
}

func (e *FuncError) Error() string {
	msg := e.Err.Error()
	if strings.HasPrefix(msg, e.Func+":") {
		return msg
	}
	return e.Func + ": " + msg
}

func (e *FuncError) Unwrap() error {
	return e.Err
}
