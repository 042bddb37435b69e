//go:build darwin || freebsd || linux || netbsd

package dynlib

import (
	"os"
	"path/filepath"

	"github.com/ebitengine/purego"
)

// The loader backend is held in vars so tests can substitute an in-memory
// fake and exercise the cache and refcount logic without a real library.
var (
	sysOpen    = dlOpen
	sysResolve = dlResolve
	sysClose   = dlClose
)

func dlOpen(path string) (uintptr, error) {
	h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		// dlerror gives one opaque string; the file's presence is the
		// only way to split "no such library" from "library won't load"
		kind := BadImage
		if filepath.Base(path) == path {
			kind = NotFound
		} else if _, statErr := os.Stat(path); statErr != nil {
			kind = NotFound
		}
		return 0, &LinkError{Kind: kind, Path: path, Err: err}
	}
	return h, nil
}

func dlResolve(handle uintptr, path, name string) (uintptr, error) {
	addr, err := purego.Dlsym(handle, name)
	if err != nil || addr == 0 {
		return 0, &LinkError{Kind: BadSymbol, Path: path, Symbol: name, Err: err}
	}
	return addr, nil
}

func dlClose(handle uintptr) error {
	if err := purego.Dlclose(handle); err != nil {
		return &LinkError{Kind: BadImage, Err: err}
	}
	return nil
}
