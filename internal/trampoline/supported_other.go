//go:build !amd64

package trampoline

// Supported reports whether thunks and trampolines can be written.
func Supported() bool {
	return false
}
