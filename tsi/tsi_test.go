package tsi

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"
	"unsafe"

	"github.com/mabuchilab/instrbind/abi"
	"github.com/mabuchilab/instrbind/bind"
	"github.com/mabuchilab/instrbind/dynlib"
)

// slot indices are pinned against the shipped SDK headers; a silent change
// here would dispatch calls to the wrong vendor method.
func TestVTableSlots(t *testing.T) {
	fam, err := abi.LookupFamily("TSI")
	if err != nil {
		t.Fatal(err)
	}
	pins := map[string]int{
		"SDKOpen":              0,
		"SDKClose":             1,
		"GetNumberOfCameras":   2,
		"GetCamera":            3,
		"GetCameraNameStr":     6,
		"GetCameraSerialStr":   7,
		"SDKGetErrorCode":      10,
		"CamOpen":              0,
		"CamClose":             1,
		"CamStatus":            2,
		"GetParameter":         6,
		"SetParameter":         9,
		"SetROI":               9,
		"GetPendingImage":      11,
		"FreeAllPendingImages": 13,
		"FreeImage":            14,
		"CamStart":             16,
		"CamStop":              17,
		"CamGetErrorCode":      24,
		"SWTrigger":            35,
	}
	for name, want := range pins {
		fd, ok := fam.Funcs[name]
		if !ok {
			t.Errorf("missing descriptor %s", name)
			continue
		}
		if fd.Strategy != abi.VTableSlot {
			t.Errorf("%s must be a vtable entry", name)
		}
		if fd.Slot != want {
			t.Errorf("%s slot = %d, want %d", name, fd.Slot, want)
		}
	}

	// the entry points that create objects are ordinary exports
	for _, name := range []string{"CreateSDK", "DestroySDK", "VersionStr"} {
		fd, ok := fam.Funcs[name]
		if !ok {
			t.Fatalf("missing descriptor %s", name)
		}
		if fd.Strategy != abi.FlatExport {
			t.Errorf("%s must be a flat export", name)
		}
	}
}

func TestImageStructLayout(t *testing.T) {
	sd := tsiImageStruct()
	if err := sd.Validate(); err != nil {
		t.Fatal(err)
	}
	p := abi.PtrSize

	cases := []struct {
		field  string
		offset int
	}{
		{"vtbl_ptr", 0},
		{"m_Width", p},
		{"m_Height", p + 4},
		{"m_BitsPerPixel", p + 8},
		{"m_SizeInBytes", p + 20},
		{"m_ROI0", p + 32},
		{"m_ExposureTime_ms", p + 48},
		{"m_FrameNumber", p + 52},
	}
	for _, c := range cases {
		f, ok := sd.Field(c.field)
		if !ok {
			t.Fatalf("TsiImage missing %s", c.field)
		}
		if f.Offset != c.offset {
			t.Errorf("%s offset = %d, want %d", c.field, f.Offset, c.offset)
		}
	}

	// the pixel union re-aligns to the word size after the 14 u32 fields
	f, _ := sd.Field("m_PixelData")
	if f.Offset%p != 0 {
		t.Errorf("m_PixelData offset %d not pointer aligned", f.Offset)
	}
	want := (p + 14*4 + p - 1) / p * p
	if f.Offset != want {
		t.Errorf("m_PixelData offset = %d, want %d", f.Offset, want)
	}
	if sd.Size != want+p {
		t.Errorf("TsiImage size = %d, want %d", sd.Size, want+p)
	}
}

// A session failure inside the pending-image poll must surface instead of
// spinning until the context deadline.
func TestGetFrameReportsSessionErrorDuringPoll(t *testing.T) {
	fam, err := abi.LookupFamily("TSI")
	if err != nil {
		t.Fatal(err)
	}

	slots := make([]uintptr, 40)
	for i := range slots {
		slots[i] = uintptr(0x1000 + i*16)
	}
	vtbl := [1]uintptr{uintptr(unsafe.Pointer(&slots[0]))}
	object := uintptr(unsafe.Pointer(&vtbl[0]))

	lib := &dynlib.Library{}
	b := bind.NewBinder(lib, fam)
	camStart := slots[16]
	b.SetInvoker(func(addr uintptr, args ...uintptr) uintptr {
		if addr == camStart {
			// the library drops out from under the session mid-acquisition
			lib.Invalidate()
		}
		return 1
	})

	c := &Camera{
		PollPeriod: time.Millisecond,
		sdk:        &SDK{b: b, obj: object},
		sess:       bind.NewSession(fam, lib),
	}
	if err := c.sess.Open(func() (uintptr, error) { return object, nil }); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _, _, err = c.GetFrame(ctx)
	var le *dynlib.LinkError
	if !errors.As(err, &le) || le.Kind != dynlib.Stale {
		t.Fatalf("expected the stale link error from the poll, got %v", err)
	}
	runtime.KeepAlive(&slots)
	runtime.KeepAlive(&vtbl)
}

func TestROIStruct(t *testing.T) {
	sd, err := abi.LookupStruct("TSI", "TSI_ROI_BIN")
	if err != nil {
		t.Fatal(err)
	}
	if sd.Size != 24 {
		t.Errorf("size = %d, want 24", sd.Size)
	}
	if f, _ := sd.Field("YBin"); f.Offset != 20 {
		t.Errorf("YBin offset = %d", f.Offset)
	}
}

func TestVersionGate(t *testing.T) {
	cases := []struct {
		v  string
		ok bool
	}{
		{"1.0.32", true},
		{"2.1", true},
		{"3.0.0", false},
		{"", false},
		{"10.0", false}, // 1. must not swallow 10.x
	}
	for _, c := range cases {
		if got := versionSupported(c.v); got != c.ok {
			t.Errorf("versionSupported(%q) = %v, want %v", c.v, got, c.ok)
		}
	}
}

func TestErrorNames(t *testing.T) {
	fam, _ := abi.LookupFamily("TSI")
	if fam.Errors.Conv != abi.ConvBoolOK {
		t.Error("the SDK reports success as a nonzero bool")
	}
	if fam.Errors.Message(0) == "UNKNOWN_ERROR_CODE" {
		t.Error("error name table not wired")
	}
}
