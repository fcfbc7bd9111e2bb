package trampoline

import "syscall"

// Keep thunks in the low 2GB, near the Go text, so a relative jump reaches
// them.
const map_32bit = syscall.MAP_32BIT
