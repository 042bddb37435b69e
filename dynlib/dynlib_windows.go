//go:build windows

package dynlib

import (
	"errors"
	"os"
	"path/filepath"

	"golang.org/x/sys/windows"
)

// The loader backend is held in vars so tests can substitute an in-memory
// fake and exercise the cache and refcount logic without a real library.
var (
	sysOpen    = winOpen
	sysResolve = winResolve
	sysClose   = winClose
)

func winOpen(path string) (uintptr, error) {
	h, err := windows.LoadLibraryEx(path, 0, windows.LOAD_LIBRARY_SEARCH_DEFAULT_DIRS|windows.LOAD_LIBRARY_SEARCH_DLL_LOAD_DIR)
	if err != nil {
		return 0, &LinkError{Kind: classifyLoad(path, err), Path: path, Err: err}
	}
	return uintptr(h), nil
}

// classifyLoad splits the common LoadLibrary failures into actionable kinds:
// ERROR_BAD_EXE_FORMAT is the 32/64-bit mismatch, ERROR_MOD_NOT_FOUND with
// the file present means a dependency of the DLL is missing.
func classifyLoad(path string, err error) ErrKind {
	var errno windows.Errno
	if errors.As(err, &errno) && errno == windows.ERROR_BAD_EXE_FORMAT {
		return BadImage
	}
	if filepath.Base(path) != path {
		if _, statErr := os.Stat(path); statErr == nil {
			return BadImage
		}
	}
	return NotFound
}

func winResolve(handle uintptr, path, name string) (uintptr, error) {
	addr, err := windows.GetProcAddress(windows.Handle(handle), name)
	if err != nil || addr == 0 {
		return 0, &LinkError{Kind: BadSymbol, Path: path, Symbol: name, Err: err}
	}
	return addr, nil
}

func winClose(handle uintptr) error {
	if err := windows.FreeLibrary(windows.Handle(handle)); err != nil {
		return &LinkError{Kind: BadImage, Err: err}
	}
	return nil
}
