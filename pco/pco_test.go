package pco

import (
	"errors"
	"testing"

	"github.com/mabuchilab/instrbind/abi"
	"github.com/mabuchilab/instrbind/bind"
	"github.com/mabuchilab/instrbind/marshal"
)

func TestBuflistLayout(t *testing.T) {
	sd, err := abi.LookupStruct("PCO", "PCO_Buflist")
	if err != nil {
		t.Fatal(err)
	}
	if err := sd.Validate(); err != nil {
		t.Fatal(err)
	}
	if sd.Size != 12 {
		t.Errorf("size = %d, want 12", sd.Size)
	}
	for _, c := range []struct {
		field  string
		offset int
	}{
		{"sBufNr", 0},
		{"ZZwAlignDummy", 2},
		{"dwStatusDll", 4},
		{"dwStatusDrv", 8},
	} {
		f, ok := sd.Field(c.field)
		if !ok {
			t.Fatalf("PCO_Buflist missing %s", c.field)
		}
		if f.Offset != c.offset {
			t.Errorf("%s offset = %d, want %d", c.field, f.Offset, c.offset)
		}
	}
}

func TestBufferNumberInOut(t *testing.T) {
	fam, err := abi.LookupFamily("PCO")
	if err != nil {
		t.Fatal(err)
	}

	// AllocateBuffer both reads the buffer number (-1 requests a fresh one)
	// and writes the assigned number back
	fd := fam.Funcs["AllocateBuffer"]
	var found bool
	for _, p := range fd.Params {
		if p.Name == "sBufNr" {
			found = true
			if p.Dir != abi.ByRefInOut {
				t.Error("sBufNr must round-trip through the call")
			}
		}
	}
	if !found {
		t.Fatal("AllocateBuffer missing sBufNr")
	}

	fd = fam.Funcs["WaitforBuffer"]
	for _, p := range fd.Params {
		if p.Name == "bl" {
			if p.Dir != abi.ByRefInOut || p.Type.Kind != abi.StructPtr {
				t.Errorf("bl must be an in/out struct pointer, got %+v", p)
			}
		}
	}
}

// A wait that returns success can still deliver a buffer whose driver status
// word carries a transfer error; such a frame must be rejected, not returned
// as valid pixels.
func TestWaitStatusRejectsDriverError(t *testing.T) {
	fam, err := abi.LookupFamily("PCO")
	if err != nil {
		t.Fatal(err)
	}
	sd, err := abi.LookupStruct("PCO", "PCO_Buflist")
	if err != nil {
		t.Fatal(err)
	}

	// decode a buflist the way the call frame does, so the status word
	// arrives with the same type the check sees in production
	decoded := func(drv uint32) *bind.Result {
		buf, err := marshal.Pack(sd, map[string]interface{}{
			"sBufNr": int16(0), "dwStatusDll": uint32(0), "dwStatusDrv": drv,
		})
		if err != nil {
			t.Fatal(err)
		}
		m, err := marshal.Unpack(sd, buf)
		if err != nil {
			t.Fatal(err)
		}
		return &bind.Result{Outputs: map[string]interface{}{"bl": m}}
	}

	if err := waitStatus(fam, decoded(0)); err != nil {
		t.Errorf("clean status must pass, got %v", err)
	}

	err = waitStatus(fam, decoded(0xA00A3001))
	var de *abi.DriverError
	if !errors.As(err, &de) {
		t.Fatalf("expected a driver error, got %v", err)
	}
	if de.Code != 0xA00A3001 {
		t.Errorf("code = %#x, want 0xA00A3001", de.Code)
	}
}

func TestErrorTextIgnoresReturn(t *testing.T) {
	fd, err := abi.LookupFunction("PCO", "GetErrorText")
	if err != nil {
		t.Fatal(err)
	}
	// the text fetcher runs while rendering another error; its own return
	// value must never recurse into error mapping
	if fd.Conv != abi.ConvNone {
		t.Error("GetErrorText must not map its return value")
	}
}

func TestPixelFlyExports(t *testing.T) {
	fam, err := abi.LookupFamily("PixelFly")
	if err != nil {
		t.Fatal(err)
	}
	// the pccam exports are upper case with underscores
	for key, symbol := range map[string]string{
		"InitBoard":        "INITBOARD",
		"SetMode":          "SETMODE",
		"AllocateBufferEx": "ALLOCATE_BUFFER_EX",
		"RemoveAllBuffers": "REMOVE_ALL_BUFFER_FROM_LIST",
		"GetBufferStatus":  "GETBUFFER_STATUS",
	} {
		fd, ok := fam.Funcs[key]
		if !ok {
			t.Errorf("missing descriptor %s", key)
			continue
		}
		if fd.Name != symbol {
			t.Errorf("%s symbol = %s, want %s", key, fd.Name, symbol)
		}
		if fd.Conv != abi.ConvZeroOK {
			t.Errorf("%s: all pccam calls return 0 on success", key)
		}
	}

	// pccam reports failures as negative codes
	if fam.Errors.Message(-1) == "UNKNOWN_ERROR_CODE" {
		t.Error("negative code table not wired")
	}
	if err := fam.Check(abi.ConvFamily, -1); err == nil {
		t.Error("a negative return must map to an error")
	}
}

func TestPixelFlyStatusBit(t *testing.T) {
	if pfStatusDone != 0x0002 {
		t.Errorf("done bit = %#x", pfStatusDone)
	}
	fd, err := abi.LookupFunction("PixelFly", "GetBufferStatus")
	if err != nil {
		t.Fatal(err)
	}
	outs := fd.OutParams()
	if len(outs) != 1 || outs[0].Name != "stat" {
		t.Errorf("expected a single stat output, got %+v", outs)
	}
}
