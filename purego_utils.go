//go:build linux

// Shared utilities for the purego driver bindings.

package nvcodec

import (
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"github.com/ebitengine/purego"
)

// goStringFromPtr converts a C string pointer to a Go string.
func goStringFromPtr(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	p := unsafe.Pointer(ptr)
	var length int
	for {
		if *(*byte)(unsafe.Add(p, length)) == 0 {
			break
		}
		length++
		if length > 1024 { // Safety limit
			break
		}
	}
	if length == 0 {
		return ""
	}
	return string(unsafe.Slice((*byte)(p), length))
}

// driverLibPaths returns candidate paths for a driver library, most specific
// first: an explicit file from envVar, NVCODEC_LIB_PATH, then the system
// loader and common driver install locations.
func driverLibPaths(envVar string, names ...string) []string {
	var paths []string

	// Environment variable overrides (highest priority)
	if envPath := os.Getenv(envVar); envPath != "" {
		paths = append(paths, envPath)
	}
	if dir := os.Getenv("NVCODEC_LIB_PATH"); dir != "" {
		for _, n := range names {
			paths = append(paths, filepath.Join(dir, n))
		}
	}

	// Let the dynamic loader resolve the soname.
	paths = append(paths, names...)

	// Driver install locations (lowest priority)
	for _, dir := range []string{
		"/usr/lib/x86_64-linux-gnu",
		"/usr/lib/aarch64-linux-gnu",
		"/usr/lib64",
		"/usr/lib",
		"/usr/local/nvidia/lib64",
		"/usr/lib/wsl/lib",
	} {
		for _, n := range names {
			paths = append(paths, filepath.Join(dir, n))
		}
	}
	return paths
}

// openDriverLib dlopens the first loadable path that exports probeSymbol.
func openDriverLib(what, probeSymbol string, paths []string) (uintptr, error) {
	var lastErr error
	for _, path := range paths {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		if _, err := purego.Dlsym(handle, probeSymbol); err != nil {
			purego.Dlclose(handle)
			lastErr = err
			continue
		}
		return handle, nil
	}
	if lastErr != nil {
		return 0, fmt.Errorf("%w: load %s: %v", ErrNotAvailable, what, lastErr)
	}
	return 0, fmt.Errorf("%w: %s not found in any standard location", ErrNotAvailable, what)
}

// registerLibFuncs binds each symbol in syms to its Go function variable.
// A missing symbol is returned as an error instead of panicking.
func registerLibFuncs(handle uintptr, syms map[string]any) error {
	for name, fptr := range syms {
		if _, serr := purego.Dlsym(handle, name); serr != nil {
			return fmt.Errorf("%w: missing symbol %s", ErrNotAvailable, name)
		}
		purego.RegisterLibFunc(fptr, handle, name)
	}
	return nil
}
