// Package abi holds descriptor tables for the foreign binary interfaces of
// vendor driver libraries.  A descriptor mirrors the vendor's documented
// struct layout or function signature bit-for-bit; it is authored once per
// device family and never mutated at run time.
package abi

import "fmt"

// Kind enumerates the semantic types a descriptor field or parameter may have.
type Kind int

const (
	// Void is the absence of a value, used for functions with no return
	Void Kind = iota

	// Int is a fixed-width integer, signedness and width per the Type
	Int

	// Float is an IEEE-754 float, width 4 or 8
	Float

	// CharArray is a fixed-length byte/character buffer, NUL padded
	CharArray

	// WCharArray is a fixed-length UTF-16 buffer; length is in bytes
	WCharArray

	// Pointer is a pointer to something opaque, e.g. a device handle
	Pointer

	// StructPtr is a pointer to a struct described elsewhere in the registry
	StructPtr

	// Enum is a vendor enum carried as an integer of declared width
	Enum
)

// Type is the semantic type of a field or parameter.  Size is in bytes; for
// arrays it is the total buffer length, not an element count.
type Type struct {
	Kind   Kind
	Size   int
	Signed bool

	// Struct names the struct a StructPtr points at
	Struct string
}

// Shorthand types used throughout the descriptor tables.  The vendor headers
// speak in WORD/DWORD etc; WORD is always unsigned 16-bit regardless of the
// host's native int size.
var (
	U8  = Type{Kind: Int, Size: 1}
	U16 = Type{Kind: Int, Size: 2}
	U32 = Type{Kind: Int, Size: 4}
	U64 = Type{Kind: Int, Size: 8}
	I8  = Type{Kind: Int, Size: 1, Signed: true}
	I16 = Type{Kind: Int, Size: 2, Signed: true}
	I32 = Type{Kind: Int, Size: 4, Signed: true}
	I64 = Type{Kind: Int, Size: 8, Signed: true}
	F32 = Type{Kind: Float, Size: 4}
	F64 = Type{Kind: Float, Size: 8}

	// Opaque is a handle-sized value the binding layer never looks inside
	Opaque = Type{Kind: Pointer, Size: PtrSize}

	// None is the return type of a void function
	None = Type{Kind: Void}
)

// PtrSize is the pointer width of this process in bytes.
const PtrSize = 4 << (^uintptr(0) >> 63)

// Chars returns a fixed-length character buffer type of n bytes.
func Chars(n int) Type {
	return Type{Kind: CharArray, Size: n}
}

// WChars returns a fixed-length UTF-16 buffer type of n bytes (n/2 code units).
func WChars(n int) Type {
	return Type{Kind: WCharArray, Size: n}
}

// EnumOf returns an enum type carried as an unsigned integer of width bytes.
func EnumOf(width int) Type {
	return Type{Kind: Enum, Size: width}
}

// PtrTo returns a pointer-to-struct type.  size must be the declared size of
// the pointed-at struct so out-parameter buffers can be allocated without a
// registry lookup at call time.
func PtrTo(structName string, size int) Type {
	return Type{Kind: StructPtr, Size: size, Struct: structName}
}

// Field describes one member of a foreign struct at an absolute byte offset.
type Field struct {
	Name   string
	Type   Type
	Offset int
}

// StructDescriptor describes one foreign struct as a flat table of fields.
// Byte ranges not covered by any field are vendor padding or reserved space
// and are carried through as zeroed bytes.
type StructDescriptor struct {
	Name   string
	Size   int
	Fields []Field
}

// Validate checks the internal consistency of the descriptor: every field
// must fit inside the declared size and offsets must increase monotonically.
func (sd StructDescriptor) Validate() error {
	last := 0
	for _, f := range sd.Fields {
		if f.Type.Size <= 0 && f.Type.Kind != Void {
			return fmt.Errorf("abi: struct %s field %s has non-positive size", sd.Name, f.Name)
		}
		if f.Offset < last {
			return fmt.Errorf("abi: struct %s field %s at offset %d overlaps the previous field", sd.Name, f.Name, f.Offset)
		}
		if f.Offset+f.Type.Size > sd.Size {
			return fmt.Errorf("abi: struct %s field %s extends past declared size %d", sd.Name, f.Name, sd.Size)
		}
		last = f.Offset + f.Type.Size
	}
	return nil
}

// Field returns the named field, or false if the struct has no such field.
func (sd StructDescriptor) Field(name string) (Field, bool) {
	for _, f := range sd.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Direction tags how a parameter crosses the call boundary.
type Direction int

const (
	// ByValue parameters are copied into the call frame
	ByValue Direction = iota

	// ByRefIn parameters are passed as a pointer to caller-supplied data
	ByRefIn

	// ByRefOut parameters are passed as a pointer to a scratch buffer the
	// vendor writes into; the buffer is decoded after the call returns
	ByRefOut

	// ByRefInOut parameters carry a caller value in and a vendor value
	// back out through the same buffer, e.g. PCO's buffer-number idiom
	// where -1 requests a fresh allocation
	ByRefInOut
)

// Param is one parameter of a foreign function.
type Param struct {
	Name string
	Type Type
	Dir  Direction
}

// Strategy selects how a function's address is obtained.
type Strategy int

const (
	// FlatExport resolves the symbol by name in the library export table
	FlatExport Strategy = iota

	// VTableSlot computes the address from a C++ object's virtual table:
	// *(*(object) + Slot*PtrSize).  Used for the one vendor that ships a
	// C++-only ABI.
	VTableSlot
)

// RetConv is the success convention of a function's integer return value.
// Vendors do not agree on one; the family's error table says which applies.
type RetConv int

const (
	// ConvFamily defers to the family's default convention
	ConvFamily RetConv = iota

	// ConvZeroOK treats 0 as success, anything else as a vendor error code
	ConvZeroOK

	// ConvOneOK treats 1 as success, e.g. PVCAM's PV_OK; the actual error
	// code must then be fetched with a separate vendor call
	ConvOneOK

	// ConvBoolOK treats any nonzero value as success
	ConvBoolOK

	// ConvValue means the return value is data, not a status
	ConvValue

	// ConvNone ignores the return value entirely
	ConvNone
)

// FunctionDescriptor describes one callable entry point of a vendor library.
type FunctionDescriptor struct {
	// Name is the exported symbol name, or for VTableSlot entries a label
	// used for caching and diagnostics
	Name string

	Strategy Strategy

	// Slot is the vtable slot index, meaningful only for VTableSlot
	Slot int

	Params []Param
	Ret    Type

	// Conv is the success convention of the return value
	Conv RetConv
}

// OutParams returns the descriptor's by-reference-out parameters in order.
func (fd FunctionDescriptor) OutParams() []Param {
	var out []Param
	for _, p := range fd.Params {
		if p.Dir == ByRefOut {
			out = append(out, p)
		}
	}
	return out
}
