package marshal

import (
	"unsafe"

	"github.com/mabuchilab/instrbind/abi"
)

// Frame is one call's marshaled argument list: machine words for the foreign
// call plus the scratch buffers backing by-reference parameters.  The Frame
// must be kept alive until the native call returns; the words alone do not
// keep Go's garbage collector away from the buffers.
type Frame struct {
	fam   *abi.Family
	fd    abi.FunctionDescriptor
	words []uintptr

	// buffers pins every by-reference allocation for the duration of the call
	buffers [][]byte

	// outs pairs each ByRefOut parameter with its scratch buffer
	outs []outParam
}

type outParam struct {
	param abi.Param
	buf   []byte
}

// NewFrame marshals args into a call frame for fd.  args supplies values for
// ByValue and ByRefIn parameters in declaration order; ByRefOut parameters
// take no argument, their scratch buffers are allocated here, sized exactly
// to the declared length.  fam resolves struct descriptors for
// pointer-to-struct parameters and may be nil when fd uses none.
func NewFrame(fam *abi.Family, fd abi.FunctionDescriptor, args []interface{}) (*Frame, error) {
	f := &Frame{fam: fam, fd: fd}
	argi := 0
	for _, p := range fd.Params {
		switch p.Dir {
		case abi.ByRefOut:
			buf := make([]byte, p.Type.Size)
			f.outs = append(f.outs, outParam{param: p, buf: buf})
			f.pushBuffer(buf)
		case abi.ByValue:
			if argi >= len(args) {
				return nil, errf(BadType, "%s: missing argument for %s", fd.Name, p.Name)
			}
			w, err := valueWord(p.Type, args[argi])
			if err != nil {
				return nil, err
			}
			f.words = append(f.words, w)
			argi++
		case abi.ByRefIn, abi.ByRefInOut:
			if argi >= len(args) {
				return nil, errf(BadType, "%s: missing argument for %s", fd.Name, p.Name)
			}
			buf, err := f.refInBuffer(p, args[argi])
			if err != nil {
				return nil, err
			}
			if p.Dir == abi.ByRefInOut {
				f.outs = append(f.outs, outParam{param: p, buf: buf})
			}
			f.pushBuffer(buf)
			argi++
		}
	}
	if argi != len(args) {
		return nil, errf(BadType, "%s: %d arguments supplied, %d consumed", fd.Name, len(args), argi)
	}
	return f, nil
}

// Words returns the marshaled machine words in parameter order.
func (f *Frame) Words() []uintptr {
	return f.words
}

// Outputs decodes every ByRefOut scratch buffer after the call returned.
func (f *Frame) Outputs() (map[string]interface{}, error) {
	if len(f.outs) == 0 {
		return nil, nil
	}
	out := make(map[string]interface{}, len(f.outs))
	for _, o := range f.outs {
		if o.param.Type.Kind == abi.StructPtr {
			sd, err := f.structOf(o.param.Type)
			if err != nil {
				return nil, err
			}
			m, err := Unpack(sd, o.buf)
			if err != nil {
				return nil, err
			}
			out[o.param.Name] = m
			continue
		}
		v, err := getField(o.buf, o.param.Type)
		if err != nil {
			return nil, err
		}
		out[o.param.Name] = v
	}
	return out, nil
}

// OutBuffer exposes the raw scratch buffer of a named out parameter, for
// callers that need the undecoded bytes (e.g. image payloads).
func (f *Frame) OutBuffer(name string) ([]byte, bool) {
	for _, o := range f.outs {
		if o.param.Name == name {
			return o.buf, true
		}
	}
	return nil, false
}

func (f *Frame) pushBuffer(buf []byte) {
	if len(buf) == 0 {
		// zero length buffers still need a valid pointer
		buf = make([]byte, 1)
	}
	f.buffers = append(f.buffers, buf)
	f.words = append(f.words, uintptr(unsafe.Pointer(&buf[0])))
}

func (f *Frame) structOf(t abi.Type) (abi.StructDescriptor, error) {
	if f.fam == nil {
		return abi.StructDescriptor{}, errf(BadDescriptor, "struct pointer %s with no family", t.Struct)
	}
	sd, ok := f.fam.Structs[t.Struct]
	if !ok {
		return abi.StructDescriptor{}, errf(BadDescriptor, "struct %s not in family %s", t.Struct, f.fam.Name)
	}
	return sd, nil
}

func (f *Frame) refInBuffer(p abi.Param, v interface{}) ([]byte, error) {
	switch p.Type.Kind {
	case abi.StructPtr:
		sd, err := f.structOf(p.Type)
		if err != nil {
			return nil, err
		}
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil, errf(BadType, "%T for struct pointer %s", v, p.Name)
		}
		return Packer{}.Pack(sd, m)
	case abi.CharArray, abi.WCharArray:
		buf := make([]byte, p.Type.Size)
		if err := (Packer{}).putField(buf, p.Type, v); err != nil {
			return nil, err
		}
		return buf, nil
	default:
		// pointer to a lone scalar, e.g. "const int*"
		buf := make([]byte, p.Type.Size)
		if err := (Packer{}).putField(buf, p.Type, v); err != nil {
			return nil, err
		}
		return buf, nil
	}
}

// valueWord widens a by-value argument into one machine word.  Floats travel
// as raw bits; none of the supported vendor ABIs passes floats by value, they
// only move through pointers, so this path never meets a float register.
func valueWord(t abi.Type, v interface{}) (uintptr, error) {
	u, neg, ok := asInt(v)
	if !ok {
		return 0, errf(BadType, "%T cannot pass by value", v)
	}
	if !t.Signed && neg {
		return 0, errf(Overflow, "negative value in unsigned parameter")
	}
	if err := checkWidth(u, neg, t); err != nil {
		return 0, err
	}
	return uintptr(u), nil
}
