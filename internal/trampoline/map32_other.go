//go:build !(linux && amd64)

package trampoline

const map_32bit = 0
