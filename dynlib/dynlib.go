// Package dynlib loads vendor driver libraries at run time.  Opens of the
// same resolved path share one OS-level load under a reference count, so the
// several adapters in a process that wrap the same DLL neither pay the load
// cost twice nor risk a double unload.
package dynlib

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrKind classifies link failures so adapters can give an actionable
// diagnostic instead of a bare "not found".
type ErrKind int

const (
	// NotFound means the library file does not exist on the search path
	NotFound ErrKind = iota

	// BadImage means the file exists but cannot load: wrong architecture
	// (e.g. a 32-bit DLL in a 64-bit process) or a missing dependency of
	// the library itself
	BadImage

	// BadSymbol means the library loaded but does not export the symbol
	BadSymbol

	// Stale means the owning library handle was invalidated and the
	// address must not be used
	Stale

	// InvalidObject means a vtable walk was attempted on a nil or
	// unreadable object pointer
	InvalidObject

	// UnsupportedVersion means a vendor SDK version probe disagreed with
	// the pinned slot layout
	UnsupportedVersion
)

var kindNames = map[ErrKind]string{
	NotFound:           "library not found",
	BadImage:           "bad image (architecture mismatch or missing dependency)",
	BadSymbol:          "symbol not exported",
	Stale:              "library handle invalidated",
	InvalidObject:      "invalid object pointer",
	UnsupportedVersion: "unsupported vendor SDK version",
}

// LinkError is a library or symbol resolution failure.
type LinkError struct {
	Kind ErrKind

	// Path is the library path, Symbol the symbol name; one may be empty
	Path   string
	Symbol string

	// Err is the underlying loader diagnostic, if the OS gave one
	Err error
}

func (e *LinkError) Error() string {
	s := fmt.Sprintf("dynlib: %s", kindNames[e.Kind])
	if e.Path != "" {
		s += " " + e.Path
	}
	if e.Symbol != "" {
		s += " symbol " + e.Symbol
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *LinkError) Unwrap() error { return e.Err }

// Library is a reference-counted handle to one loaded vendor library.
type Library struct {
	path   string
	handle uintptr

	refs  int32
	stale int32

	teardown func(*Library)

	mu   sync.Mutex
	syms map[string]uintptr
}

// Option configures an Open call.
type Option func(*openConfig)

type openConfig struct {
	init     func(*Library) error
	teardown func(*Library)
}

// WithInit runs fn once after a fresh OS-level load, before Open returns.
// Vendors with process-global state (PCO_ResetLib style) hook it here so the
// lifecycle tracks the reference count instead of living as an ambient
// global.  An error from fn unloads the library and fails the Open.
func WithInit(fn func(*Library) error) Option {
	return func(c *openConfig) { c.init = fn }
}

// WithTeardown runs fn just before the OS-level unload when the last
// reference is closed.
func WithTeardown(fn func(*Library)) Option {
	return func(c *openConfig) { c.teardown = fn }
}

var (
	cacheMu sync.Mutex
	cache   = map[string]*Library{}
)

// Open loads the library at path, or bumps the reference count of an
// already-loaded instance of the same resolved path.
func Open(path string, opts ...Option) (*Library, error) {
	var cfg openConfig
	for _, o := range opts {
		o(&cfg)
	}
	resolved := resolve(path)

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if l, ok := cache[resolved]; ok {
		atomic.AddInt32(&l.refs, 1)
		return l, nil
	}
	h, err := sysOpen(resolved)
	if err != nil {
		return nil, err
	}
	l := &Library{
		path:     resolved,
		handle:   h,
		refs:     1,
		teardown: cfg.teardown,
		syms:     map[string]uintptr{},
	}
	if cfg.init != nil {
		if err := cfg.init(l); err != nil {
			sysClose(h)
			return nil, err
		}
	}
	cache[resolved] = l
	return l, nil
}

// resolve normalizes a path so equivalent spellings share one cache entry.
// Bare names (no separator) are left to the OS search path.
func resolve(path string) string {
	if filepath.Base(path) == path {
		return path
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if real, err := filepath.EvalSymlinks(path); err == nil {
		path = real
	}
	return path
}

// Path returns the resolved path this library was loaded from.
func (l *Library) Path() string { return l.path }

// Refs returns the current reference count.
func (l *Library) Refs() int { return int(atomic.LoadInt32(&l.refs)) }

// Stale reports whether the handle has been invalidated.  Dynamic libraries
// give no unload notification, so this marker flag is the only signal.
func (l *Library) Stale() bool { return atomic.LoadInt32(&l.stale) != 0 }

// Invalidate marks the handle stale without unloading.  Subsequent Resolve
// and bound calls fail with a Stale LinkError instead of crashing.
func (l *Library) Invalidate() { atomic.StoreInt32(&l.stale, 1) }

// Resolve returns the address of an exported symbol, caching the result.
func (l *Library) Resolve(name string) (uintptr, error) {
	if l.Stale() {
		return 0, &LinkError{Kind: Stale, Path: l.path, Symbol: name}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if addr, ok := l.syms[name]; ok {
		return addr, nil
	}
	addr, err := sysResolve(l.handle, l.path, name)
	if err != nil {
		return 0, err
	}
	l.syms[name] = addr
	return addr, nil
}

// Close decrements the reference count.  The OS-level unload happens only
// when the count reaches zero; the handle is then marked stale so any bound
// function that outlived its owner fails closed.
func (l *Library) Close() error {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	n := atomic.AddInt32(&l.refs, -1)
	if n > 0 {
		return nil
	}
	if n < 0 {
		atomic.StoreInt32(&l.refs, 0)
		return fmt.Errorf("dynlib: over-closed %s", l.path)
	}
	if l.teardown != nil {
		l.teardown(l)
	}
	l.Invalidate()
	delete(cache, l.path)
	return sysClose(l.handle)
}

// Locate finds the library file for a device family: an explicit environment
// override wins, then the per-GOOS default name is left to the platform's
// standard search path.
func Locate(envVar string, names map[string]string) (string, error) {
	if envVar != "" {
		if p := os.Getenv(envVar); p != "" {
			return p, nil
		}
	}
	if name, ok := names[runtime.GOOS]; ok {
		return name, nil
	}
	return "", &LinkError{Kind: NotFound, Err: fmt.Errorf("no library name for GOOS %s and %s unset", runtime.GOOS, envVar)}
}
