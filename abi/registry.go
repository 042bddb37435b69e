package abi

import (
	"fmt"
	"sync"
)

// Platform is the explicit key a descriptor set is registered under.  Vendors
// ship 32- and 64-bit variants of the same logical struct with different
// padding; the registry never guesses which one applies.
type Platform struct {
	// WordSize is the pointer width in bytes, 4 or 8
	WordSize int
}

// HostPlatform is the platform key of the running process.
var HostPlatform = Platform{WordSize: PtrSize}

// Family collects the descriptors and error conventions of one device family,
// i.e. one vendor driver library (e.g. the Thorlabs Kinesis FilterFlipper DLL).
type Family struct {
	// Name identifies the family in errors and lookups, e.g. "FilterFlipper"
	Name string

	// EnvVar optionally names an environment variable holding an override
	// path to the vendor library
	EnvVar string

	// LibNames maps GOOS to the default vendor library file name
	LibNames map[string]string

	// Structs and Funcs are the family's descriptor tables
	Structs map[string]StructDescriptor
	Funcs   map[string]FunctionDescriptor

	// Errors decodes the family's raw return codes
	Errors ErrorTable
}

// NotFoundError is returned when a family/name pair is not registered.  This
// is a programming error in the adapter layer, not a runtime condition.
type NotFoundError struct {
	Family string
	Kind   string // "family", "struct", or "function"
	Name   string
}

func (e NotFoundError) Error() string {
	if e.Kind == "family" {
		return fmt.Sprintf("abi: family %s not registered", e.Family)
	}
	return fmt.Sprintf("abi: %s %s not registered for family %s", e.Kind, e.Name, e.Family)
}

type registryKey struct {
	family string
	plat   Platform
}

var (
	regMu    sync.RWMutex
	registry = map[registryKey]*Family{}
)

// Register adds a family's descriptor set for an explicit platform key,
// validating every struct descriptor.  Families register themselves in
// package init funcs; a duplicate or invalid registration panics because it
// can only be caused by a bad table, never by runtime conditions.
func Register(plat Platform, f *Family) {
	for _, sd := range f.Structs {
		if err := sd.Validate(); err != nil {
			panic(err)
		}
	}
	regMu.Lock()
	defer regMu.Unlock()
	key := registryKey{family: f.Name, plat: plat}
	if _, ok := registry[key]; ok {
		panic(fmt.Sprintf("abi: family %s already registered for word size %d", f.Name, plat.WordSize))
	}
	registry[key] = f
}

// LookupFamily returns the named family's descriptor set for the host
// platform.
func LookupFamily(family string) (*Family, error) {
	return LookupFamilyFor(family, HostPlatform)
}

// LookupFamilyFor returns the named family's descriptor set for an explicit
// platform key.
func LookupFamilyFor(family string, plat Platform) (*Family, error) {
	regMu.RLock()
	defer regMu.RUnlock()
	f, ok := registry[registryKey{family: family, plat: plat}]
	if !ok {
		return nil, NotFoundError{Family: family, Kind: "family"}
	}
	return f, nil
}

// LookupStruct returns one struct descriptor for the host platform.
func LookupStruct(family, name string) (StructDescriptor, error) {
	f, err := LookupFamily(family)
	if err != nil {
		return StructDescriptor{}, err
	}
	sd, ok := f.Structs[name]
	if !ok {
		return StructDescriptor{}, NotFoundError{Family: family, Kind: "struct", Name: name}
	}
	return sd, nil
}

// LookupFunction returns one function descriptor for the host platform.
func LookupFunction(family, name string) (FunctionDescriptor, error) {
	f, err := LookupFamily(family)
	if err != nil {
		return FunctionDescriptor{}, err
	}
	fd, ok := f.Funcs[name]
	if !ok {
		return FunctionDescriptor{}, NotFoundError{Family: family, Kind: "function", Name: name}
	}
	return fd, nil
}
