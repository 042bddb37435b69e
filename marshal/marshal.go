// Package marshal converts values between Go representations and the exact
// byte layouts the vendor ABIs require.  It reproduces descriptor offsets
// verbatim, including vendor padding; it never "optimizes" a layout.
package marshal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf16"

	"github.com/mabuchilab/instrbind/abi"
)

// ErrKind classifies marshal failures.  They are programmer or configuration
// errors; with correct descriptors they do not occur, so they are always
// surfaced rather than swallowed.
type ErrKind int

const (
	// Overflow means a value does not fit the declared width; values are
	// never silently truncated or wrapped
	Overflow ErrKind = iota

	// BadType means a value's Go type cannot satisfy the semantic type
	BadType

	// StringTooLong means a string exceeds its fixed buffer and truncation
	// was not enabled
	StringTooLong

	// NoSuchField means a supplied value names no field in the descriptor
	NoSuchField

	// ShortBuffer means an unpack source is smaller than the declared size
	ShortBuffer

	// InvalidState means a call was attempted in a session state where the
	// native boundary must not be crossed
	InvalidState

	// BadDescriptor means the descriptor itself is inconsistent
	BadDescriptor
)

var kindNames = map[ErrKind]string{
	Overflow:      "overflow",
	BadType:       "bad type",
	StringTooLong: "string too long",
	NoSuchField:   "no such field",
	ShortBuffer:   "short buffer",
	InvalidState:  "invalid state",
	BadDescriptor: "bad descriptor",
}

// Error is a marshaling failure with a classified kind.
type Error struct {
	Kind ErrKind
	What string
}

func (e *Error) Error() string {
	return fmt.Sprintf("marshal: %s: %s", kindNames[e.Kind], e.What)
}

func errf(kind ErrKind, format string, args ...interface{}) error {
	return &Error{Kind: kind, What: fmt.Sprintf(format, args...)}
}

// Packer packs structs and argument frames.  The zero value errors on any
// oversized string; set TruncateStrings to clip at the declared length
// instead, which some vendor fields (free-text descriptions) tolerate.
type Packer struct {
	TruncateStrings bool
}

// byteOrder is the wire order of every supported vendor ABI (x86/x86-64).
var byteOrder = binary.LittleEndian

// Pack lays out values per the struct descriptor and returns a buffer of
// exactly the declared size.  Reserved ranges are zero.  Field values may be
// any Go integer or float type; range violations fail closed.
func (p Packer) Pack(sd abi.StructDescriptor, values map[string]interface{}) ([]byte, error) {
	buf := make([]byte, sd.Size)
	for name, v := range values {
		f, ok := sd.Field(name)
		if !ok {
			return nil, errf(NoSuchField, "%s has no field %s", sd.Name, name)
		}
		if err := p.putField(buf[f.Offset:f.Offset+f.Type.Size], f.Type, v); err != nil {
			return nil, fmt.Errorf("field %s of %s: %w", name, sd.Name, err)
		}
	}
	return buf, nil
}

// Unpack decodes a buffer per the struct descriptor.  Integers and enums
// decode to int64 or uint64 per signedness, floats to float64, character
// buffers to NUL-trimmed strings.
func Unpack(sd abi.StructDescriptor, buf []byte) (map[string]interface{}, error) {
	if len(buf) < sd.Size {
		return nil, errf(ShortBuffer, "%s needs %d bytes, have %d", sd.Name, sd.Size, len(buf))
	}
	out := make(map[string]interface{}, len(sd.Fields))
	for _, f := range sd.Fields {
		v, err := getField(buf[f.Offset:f.Offset+f.Type.Size], f.Type)
		if err != nil {
			return nil, fmt.Errorf("field %s of %s: %w", f.Name, sd.Name, err)
		}
		out[f.Name] = v
	}
	return out, nil
}

// Pack is the package-level convenience using a zero Packer (strict strings).
func Pack(sd abi.StructDescriptor, values map[string]interface{}) ([]byte, error) {
	return Packer{}.Pack(sd, values)
}

func (p Packer) putField(dst []byte, t abi.Type, v interface{}) error {
	switch t.Kind {
	case abi.Int, abi.Enum, abi.Pointer:
		return putInt(dst, t, v)
	case abi.Float:
		return putFloat(dst, t, v)
	case abi.CharArray:
		return p.putChars(dst, v)
	case abi.WCharArray:
		return p.putWChars(dst, v)
	default:
		return errf(BadType, "cannot pack kind %d", t.Kind)
	}
}

func getField(src []byte, t abi.Type) (interface{}, error) {
	switch t.Kind {
	case abi.Int, abi.Enum, abi.Pointer:
		return getInt(src, t), nil
	case abi.Float:
		switch t.Size {
		case 4:
			return float64(math.Float32frombits(byteOrder.Uint32(src))), nil
		case 8:
			return math.Float64frombits(byteOrder.Uint64(src)), nil
		}
		return nil, errf(BadDescriptor, "float of width %d", t.Size)
	case abi.CharArray:
		return cString(src), nil
	case abi.WCharArray:
		return wString(src), nil
	default:
		return nil, errf(BadType, "cannot unpack kind %d", t.Kind)
	}
}

// asInt widens any Go integer to a sign-tagged 64-bit value.
func asInt(v interface{}) (u uint64, signed bool, ok bool) {
	switch n := v.(type) {
	case int:
		return uint64(n), n < 0, true
	case int8:
		return uint64(n), n < 0, true
	case int16:
		return uint64(n), n < 0, true
	case int32:
		return uint64(n), n < 0, true
	case int64:
		return uint64(n), n < 0, true
	case uint:
		return uint64(n), false, true
	case uint8:
		return uint64(n), false, true
	case uint16:
		return uint64(n), false, true
	case uint32:
		return uint64(n), false, true
	case uint64:
		return n, false, true
	case uintptr:
		return uint64(n), false, true
	case bool:
		if n {
			return 1, false, true
		}
		return 0, false, true
	}
	return 0, false, false
}

func putInt(dst []byte, t abi.Type, v interface{}) error {
	u, neg, ok := asInt(v)
	if !ok {
		return errf(BadType, "%T is not an integer", v)
	}
	if neg && !t.Signed {
		return errf(Overflow, "negative value %d in unsigned field", int64(u))
	}
	if err := checkWidth(u, neg, t); err != nil {
		return err
	}
	switch t.Size {
	case 1:
		dst[0] = byte(u)
	case 2:
		byteOrder.PutUint16(dst, uint16(u))
	case 4:
		byteOrder.PutUint32(dst, uint32(u))
	case 8:
		byteOrder.PutUint64(dst, u)
	default:
		return errf(BadDescriptor, "integer of width %d", t.Size)
	}
	return nil
}

// checkWidth fails closed when a value cannot round-trip through the declared
// width, instead of wrapping like a raw cast would.
func checkWidth(u uint64, neg bool, t abi.Type) error {
	bits := uint(t.Size) * 8
	if bits >= 64 {
		return nil
	}
	if t.Signed {
		v := int64(u)
		min := int64(-1) << (bits - 1)
		max := int64(1)<<(bits-1) - 1
		if v < min || v > max {
			return errf(Overflow, "%d does not fit int%d", v, bits)
		}
		return nil
	}
	if neg {
		return errf(Overflow, "negative value in unsigned field")
	}
	if u > (uint64(1)<<bits)-1 {
		return errf(Overflow, "%d does not fit uint%d", u, bits)
	}
	return nil
}

func getInt(src []byte, t abi.Type) interface{} {
	var u uint64
	switch t.Size {
	case 1:
		u = uint64(src[0])
	case 2:
		u = uint64(byteOrder.Uint16(src))
	case 4:
		u = uint64(byteOrder.Uint32(src))
	case 8:
		u = byteOrder.Uint64(src)
	}
	if t.Signed {
		// sign extend from the declared width
		shift := uint(64 - t.Size*8)
		return int64(u<<shift) >> shift
	}
	return u
}

func putFloat(dst []byte, t abi.Type, v interface{}) error {
	var f float64
	switch n := v.(type) {
	case float32:
		f = float64(n)
	case float64:
		f = n
	case int:
		f = float64(n)
	default:
		return errf(BadType, "%T is not a float", v)
	}
	switch t.Size {
	case 4:
		byteOrder.PutUint32(dst, math.Float32bits(float32(f)))
	case 8:
		byteOrder.PutUint64(dst, math.Float64bits(f))
	default:
		return errf(BadDescriptor, "float of width %d", t.Size)
	}
	return nil
}

func (p Packer) putChars(dst []byte, v interface{}) error {
	var b []byte
	switch s := v.(type) {
	case string:
		b = []byte(s)
	case []byte:
		b = s
	default:
		return errf(BadType, "%T is not a string", v)
	}
	// leave room for the NUL terminator the vendor expects
	if len(b) > len(dst)-1 {
		if !p.TruncateStrings {
			return errf(StringTooLong, "%d bytes into a %d byte field", len(b), len(dst))
		}
		b = b[:len(dst)-1]
	}
	copy(dst, b)
	for i := len(b); i < len(dst); i++ {
		dst[i] = 0
	}
	return nil
}

func (p Packer) putWChars(dst []byte, v interface{}) error {
	s, ok := v.(string)
	if !ok {
		return errf(BadType, "%T is not a string", v)
	}
	units := utf16.Encode([]rune(s))
	if len(units) > len(dst)/2-1 {
		if !p.TruncateStrings {
			return errf(StringTooLong, "%d utf16 units into a %d byte field", len(units), len(dst))
		}
		units = units[:len(dst)/2-1]
	}
	for i, u := range units {
		byteOrder.PutUint16(dst[i*2:], u)
	}
	for i := len(units) * 2; i < len(dst); i++ {
		dst[i] = 0
	}
	return nil
}

// cString trims a fixed buffer at the first NUL, as the vendor C code does.
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func wString(b []byte) string {
	units := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		u := byteOrder.Uint16(b[i:])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units))
}
