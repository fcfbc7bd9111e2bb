// Replace function bodies in a running process
//
// A Session keeps a fingerprint of every function in the images a process
// has loaded. When a module is rebuilt, the new image is compared against
// those fingerprints and every function whose body changed is recompiled
// against the live runtime and installed, either through the dispatch
// slot the instrumentation pass added to it, or by writing a jump over its
// entry point.
//
// Limitations:
//   - Direct patching only works on amd64, and is irreversible
//   - Direct patching is not safe while other goroutines call the function
//   - Generic methods and functions with out/ref parameters can't be patched
//   - Instances of generic types exist only if the host registered them
//   - New fields and changed signatures aren't picked up
package hotswap
