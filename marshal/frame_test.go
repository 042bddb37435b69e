package marshal_test

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/mabuchilab/instrbind/abi"
	"github.com/mabuchilab/instrbind/marshal"
)

func testFamily() *abi.Family {
	return &abi.Family{
		Name: "testfam",
		Structs: map[string]abi.StructDescriptor{
			"FrameSettings": frameDesc(),
		},
	}
}

func TestFrameByValueAndOutputs(t *testing.T) {
	fd := abi.FunctionDescriptor{
		Name: "GetSizes",
		Params: []abi.Param{
			{Name: "handle", Type: abi.Opaque, Dir: abi.ByValue},
			{Name: "width", Type: abi.U16, Dir: abi.ByRefOut},
			{Name: "height", Type: abi.U16, Dir: abi.ByRefOut},
		},
		Ret: abi.I32, Conv: abi.ConvZeroOK,
	}
	fr, err := marshal.NewFrame(testFamily(), fd, []interface{}{uintptr(0xBEEF)})
	if err != nil {
		t.Fatal(err)
	}
	words := fr.Words()
	if len(words) != 3 {
		t.Fatalf("expected 3 argument words, got %d", len(words))
	}
	if words[0] != 0xBEEF {
		t.Errorf("expected handle word 0xBEEF, got %#x", words[0])
	}

	// the vendor writes through the out pointers; emulate it
	wbuf, ok := fr.OutBuffer("width")
	if !ok {
		t.Fatal("no out buffer for width")
	}
	if len(wbuf) != 2 {
		t.Fatalf("out buffer must be exactly the declared 2 bytes, got %d", len(wbuf))
	}
	if words[1] != uintptr(unsafe.Pointer(&wbuf[0])) {
		t.Error("out word does not point at the out buffer")
	}
	wbuf[0], wbuf[1] = 0x80, 0x02 // 640
	hbuf, _ := fr.OutBuffer("height")
	hbuf[0], hbuf[1] = 0xE0, 0x01 // 480

	outs, err := fr.Outputs()
	if err != nil {
		t.Fatal(err)
	}
	if outs["width"].(uint64) != 640 {
		t.Errorf("expected width 640, got %v", outs["width"])
	}
	if outs["height"].(uint64) != 480 {
		t.Errorf("expected height 480, got %v", outs["height"])
	}
}

func TestFrameStructPtrIn(t *testing.T) {
	fd := abi.FunctionDescriptor{
		Name: "Configure",
		Params: []abi.Param{
			{Name: "settings", Type: abi.PtrTo("FrameSettings", 8), Dir: abi.ByRefIn},
		},
		Ret: abi.I32, Conv: abi.ConvZeroOK,
	}
	fr, err := marshal.NewFrame(testFamily(), fd, []interface{}{
		map[string]interface{}{"width": 640, "height": 480, "exposure_ms": 100},
	})
	if err != nil {
		t.Fatal(err)
	}
	words := fr.Words()
	if len(words) != 1 {
		t.Fatalf("expected 1 argument word, got %d", len(words))
	}
	// read back through the pointer the vendor would receive
	raw := unsafe.Slice((*byte)(unsafe.Pointer(words[0])), 8)
	expected := []byte{0x40, 0x02, 0xE0, 0x01, 0x64, 0x00, 0x00, 0x00}
	for i := range expected {
		if raw[i] != expected[i] {
			t.Fatalf("expected % 02X got % 02X", expected, raw)
		}
	}
}

func TestFrameInOut(t *testing.T) {
	fd := abi.FunctionDescriptor{
		Name: "AllocateBuffer",
		Params: []abi.Param{
			{Name: "bufnr", Type: abi.I16, Dir: abi.ByRefInOut},
		},
		Ret: abi.I32, Conv: abi.ConvZeroOK,
	}
	fr, err := marshal.NewFrame(testFamily(), fd, []interface{}{int16(-1)})
	if err != nil {
		t.Fatal(err)
	}
	buf, ok := fr.OutBuffer("bufnr")
	if !ok {
		t.Fatal("in/out param must expose its buffer")
	}
	// -1 went in
	if buf[0] != 0xFF || buf[1] != 0xFF {
		t.Fatalf("expected caller value in buffer, got % 02X", buf)
	}
	// the vendor assigns buffer number 2
	buf[0], buf[1] = 0x02, 0x00
	outs, err := fr.Outputs()
	if err != nil {
		t.Fatal(err)
	}
	if outs["bufnr"].(int64) != 2 {
		t.Errorf("expected vendor value 2 out, got %v", outs["bufnr"])
	}
}

func TestFrameArgCountMismatch(t *testing.T) {
	fd := abi.FunctionDescriptor{
		Name: "Open",
		Params: []abi.Param{
			{Name: "index", Type: abi.U16, Dir: abi.ByValue},
		},
		Ret: abi.I32, Conv: abi.ConvZeroOK,
	}
	_, err := marshal.NewFrame(testFamily(), fd, nil)
	if err == nil {
		t.Fatal("expected an error for missing argument")
	}
	var me *marshal.Error
	if !errors.As(err, &me) {
		t.Errorf("expected a marshal.Error, got %v", err)
	}
}

func TestFrameCharArrayIn(t *testing.T) {
	fd := abi.FunctionDescriptor{
		Name: "OpenBySerial",
		Params: []abi.Param{
			{Name: "serialNo", Type: abi.Chars(16), Dir: abi.ByRefIn},
		},
		Ret: abi.I32, Conv: abi.ConvZeroOK,
	}
	fr, err := marshal.NewFrame(testFamily(), fd, []interface{}{"37001234"})
	if err != nil {
		t.Fatal(err)
	}
	raw := unsafe.Slice((*byte)(unsafe.Pointer(fr.Words()[0])), 16)
	if string(raw[:8]) != "37001234" {
		t.Errorf("expected serial in buffer, got %q", raw)
	}
	if raw[8] != 0 {
		t.Error("expected NUL termination")
	}
}
