package trampoline

// Supported reports whether thunks and trampolines can be written.
func Supported() bool {
	return true
}
