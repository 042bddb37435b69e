// Package bind resolves function descriptors against loaded vendor libraries
// and dispatches calls through them.  Results come back as structured values
// or typed errors; raw pointers never leak past this boundary.
package bind

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/mabuchilab/instrbind/abi"
	"github.com/mabuchilab/instrbind/dynlib"
	"github.com/mabuchilab/instrbind/marshal"
)

// Invoker performs the actual foreign call: marshaled machine words in,
// return register out.  The default is the platform syscall trampoline; tests
// substitute Go doubles.
type Invoker func(addr uintptr, args ...uintptr) uintptr

// BoundFunction is a resolved, callable vendor entry point plus its
// descriptor.  Create them through a Binder; they are cached for the life of
// the owning library handle.
type BoundFunction struct {
	fd   abi.FunctionDescriptor
	fam  *abi.Family
	lib  *dynlib.Library
	addr uintptr

	// object is the C++ this-pointer for vtable entries, zero otherwise
	object uintptr

	invoke Invoker
}

// Binder binds a family's function descriptors against one loaded library.
// Binding happens once per (library, symbol) pair; repeated Bind calls return
// the cached BoundFunction.
type Binder struct {
	lib *dynlib.Library
	fam *abi.Family

	invoke Invoker

	mu    sync.Mutex
	cache map[bindKey]*BoundFunction
}

type bindKey struct {
	name   string
	object uintptr
}

// NewBinder returns a Binder for one family over one loaded library.
func NewBinder(lib *dynlib.Library, fam *abi.Family) *Binder {
	return &Binder{lib: lib, fam: fam, invoke: sysInvoke, cache: map[bindKey]*BoundFunction{}}
}

// SetInvoker replaces the foreign-call trampoline, used by tests to stand in
// Go doubles for vendor functions.
func (b *Binder) SetInvoker(inv Invoker) {
	b.mu.Lock()
	b.invoke = inv
	b.cache = map[bindKey]*BoundFunction{}
	b.mu.Unlock()
}

// Library returns the library this binder resolves against.
func (b *Binder) Library() *dynlib.Library { return b.lib }

// Family returns the descriptor set this binder binds from.
func (b *Binder) Family() *abi.Family { return b.fam }

// Bind resolves a flat-export function descriptor by name.
func (b *Binder) Bind(name string) (*BoundFunction, error) {
	fd, ok := b.fam.Funcs[name]
	if !ok {
		return nil, abi.NotFoundError{Family: b.fam.Name, Kind: "function", Name: name}
	}
	if fd.Strategy != abi.FlatExport {
		return nil, fmt.Errorf("bind: %s is a vtable entry, use BindSlot", name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := bindKey{name: name}
	if bf, ok := b.cache[key]; ok {
		return bf, nil
	}
	addr, err := b.lib.Resolve(fd.Name)
	if err != nil {
		return nil, err
	}
	bf := &BoundFunction{fd: fd, fam: b.fam, lib: b.lib, addr: addr, invoke: b.invoke}
	b.cache[key] = bf
	return bf, nil
}

// BindSlot resolves a vtable-slot descriptor against an opaque C++ object
// already produced by the library (e.g. a create-SDK-instance call).  The
// function address is *(*(object) + slot*ptrsize).  A nil object or a nil
// vtable pointer yields an InvalidObject link error; it is never dereferenced
// blindly.
func (b *Binder) BindSlot(name string, object uintptr) (*BoundFunction, error) {
	fd, ok := b.fam.Funcs[name]
	if !ok {
		return nil, abi.NotFoundError{Family: b.fam.Name, Kind: "function", Name: name}
	}
	if fd.Strategy != abi.VTableSlot {
		return nil, fmt.Errorf("bind: %s is a flat export, use Bind", name)
	}
	if b.lib.Stale() {
		return nil, &dynlib.LinkError{Kind: dynlib.Stale, Path: b.lib.Path(), Symbol: name}
	}
	addr, err := slotAddress(object, fd.Slot)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := bindKey{name: name, object: object}
	if bf, ok := b.cache[key]; ok {
		return bf, nil
	}
	bf := &BoundFunction{fd: fd, fam: b.fam, lib: b.lib, addr: addr, object: object, invoke: b.invoke}
	b.cache[key] = bf
	return bf, nil
}

// slotAddress walks the vtable of object to slot.  The pointers are checked
// for nil and natural alignment before any dereference; that is as much as a
// process can verify about readability without faulting.
func slotAddress(object uintptr, slot int) (uintptr, error) {
	const ptr = unsafe.Sizeof(uintptr(0))
	if object == 0 || object%ptr != 0 {
		return 0, &dynlib.LinkError{Kind: dynlib.InvalidObject}
	}
	vtbl := *(*uintptr)(unsafe.Pointer(object))
	if vtbl == 0 || vtbl%ptr != 0 {
		return 0, &dynlib.LinkError{Kind: dynlib.InvalidObject}
	}
	addr := *(*uintptr)(unsafe.Pointer(vtbl + uintptr(slot)*ptr))
	if addr == 0 {
		return 0, &dynlib.LinkError{Kind: dynlib.InvalidObject}
	}
	return addr, nil
}

// Result is the structured outcome of one successful call: the raw return
// value plus the decoded by-reference-out parameters.
type Result struct {
	// Code is the raw return value, sign-extended per the descriptor
	Code int64

	// Outputs maps ByRefOut parameter names to decoded values
	Outputs map[string]interface{}

	frame *marshal.Frame
}

// Int returns a named integer output.
func (r *Result) Int(name string) int64 {
	switch v := r.Outputs[name].(type) {
	case int64:
		return v
	case uint64:
		return int64(v)
	}
	return 0
}

// Uint returns a named unsigned integer output.
func (r *Result) Uint(name string) uint64 {
	switch v := r.Outputs[name].(type) {
	case uint64:
		return v
	case int64:
		return uint64(v)
	}
	return 0
}

// Str returns a named string output.
func (r *Result) Str(name string) string {
	s, _ := r.Outputs[name].(string)
	return s
}

// Float returns a named float output.
func (r *Result) Float(name string) float64 {
	f, _ := r.Outputs[name].(float64)
	return f
}

// Map returns a named struct output as its decoded field map.
func (r *Result) Map(name string) map[string]interface{} {
	m, _ := r.Outputs[name].(map[string]interface{})
	return m
}

// Bytes returns the raw scratch buffer behind a named out parameter.
func (r *Result) Bytes(name string) []byte {
	b, _ := r.frame.OutBuffer(name)
	return b
}

// Call marshals args, performs the foreign call, decodes outputs, and maps
// the return value through the family error table.  On a vendor failure the
// Result still carries the raw code so callers can branch on it.
func (bf *BoundFunction) Call(args ...interface{}) (*Result, error) {
	if bf.lib.Stale() {
		return nil, &dynlib.LinkError{Kind: dynlib.Stale, Path: bf.lib.Path(), Symbol: bf.fd.Name}
	}
	frame, err := marshal.NewFrame(bf.fam, bf.fd, args)
	if err != nil {
		return nil, err
	}
	words := frame.Words()
	if bf.fd.Strategy == abi.VTableSlot {
		// the object is the hidden first argument of a C++ method
		words = append([]uintptr{bf.object}, words...)
	}
	raw := bf.invoke(bf.addr, words...)
	runtime.KeepAlive(frame)

	res := &Result{Code: returnCode(bf.fd.Ret, raw), frame: frame}
	res.Outputs, err = frame.Outputs()
	if err != nil {
		return nil, err
	}
	if err := bf.fam.Check(bf.fd.Conv, res.Code); err != nil {
		return res, err
	}
	return res, nil
}

// returnCode narrows the raw return register to the declared return width,
// sign-extending where the descriptor says so.
func returnCode(t abi.Type, raw uintptr) int64 {
	if t.Kind == abi.Void {
		return 0
	}
	u := uint64(raw)
	if t.Size > 0 && t.Size < 8 {
		shift := uint(64 - t.Size*8)
		if t.Signed {
			return int64(u<<shift) >> shift
		}
		u = u << shift >> shift
	}
	return int64(u)
}
