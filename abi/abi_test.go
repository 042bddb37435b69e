package abi_test

import (
	"errors"
	"testing"

	"github.com/mabuchilab/instrbind/abi"
)

func TestStructValidate(t *testing.T) {
	good := abi.StructDescriptor{
		Name: "ok",
		Size: 8,
		Fields: []abi.Field{
			{Name: "a", Type: abi.U16, Offset: 0},
			{Name: "b", Type: abi.U16, Offset: 2},
			{Name: "c", Type: abi.U32, Offset: 4},
		},
	}
	if err := good.Validate(); err != nil {
		t.Errorf("expected valid descriptor, got %v", err)
	}

	overlap := abi.StructDescriptor{
		Name: "overlap",
		Size: 8,
		Fields: []abi.Field{
			{Name: "a", Type: abi.U32, Offset: 0},
			{Name: "b", Type: abi.U32, Offset: 2},
		},
	}
	if err := overlap.Validate(); err == nil {
		t.Error("expected overlap to be rejected")
	}

	past := abi.StructDescriptor{
		Name: "past",
		Size: 4,
		Fields: []abi.Field{
			{Name: "a", Type: abi.U32, Offset: 2},
		},
	}
	if err := past.Validate(); err == nil {
		t.Error("expected field past declared size to be rejected")
	}
}

func TestPackedLayoutWithVendorPadding(t *testing.T) {
	// a pack(1) layout where a u32 sits at an odd offset; descriptors must
	// reproduce it verbatim
	sd := abi.StructDescriptor{
		Name: "packed",
		Size: 93,
		Fields: []abi.Field{
			{Name: "typeID", Type: abi.U32, Offset: 0},
			{Name: "description", Type: abi.Chars(65), Offset: 4},
			{Name: "serialNo", Type: abi.Chars(9), Offset: 69},
			{Name: "PID", Type: abi.U32, Offset: 78},
			{Name: "isKnownType", Type: abi.U8, Offset: 82},
			{Name: "maxChannels", Type: abi.I16, Offset: 91},
		},
	}
	if err := sd.Validate(); err != nil {
		t.Fatalf("expected packed layout to validate, got %v", err)
	}
	f, ok := sd.Field("PID")
	if !ok || f.Offset != 78 {
		t.Errorf("expected PID at offset 78, got %+v", f)
	}
}

func TestRegistryLookup(t *testing.T) {
	abi.Register(abi.HostPlatform, &abi.Family{
		Name: "lookuptest",
		Structs: map[string]abi.StructDescriptor{
			"S": {Name: "S", Size: 2, Fields: []abi.Field{{Name: "x", Type: abi.U16, Offset: 0}}},
		},
		Funcs: map[string]abi.FunctionDescriptor{
			"F": {Name: "vendor_f", Ret: abi.I32, Conv: abi.ConvZeroOK},
		},
	})

	if _, err := abi.LookupFamily("lookuptest"); err != nil {
		t.Fatal(err)
	}
	if _, err := abi.LookupStruct("lookuptest", "S"); err != nil {
		t.Fatal(err)
	}
	fd, err := abi.LookupFunction("lookuptest", "F")
	if err != nil {
		t.Fatal(err)
	}
	if fd.Name != "vendor_f" {
		t.Errorf("expected export name vendor_f, got %s", fd.Name)
	}

	_, err = abi.LookupFunction("lookuptest", "missing")
	var nf abi.NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
	_, err = abi.LookupFamily("nosuchfamily")
	if !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestErrorConventions(t *testing.T) {
	fam := &abi.Family{
		Name:   "convtest",
		Errors: abi.ErrorTable{Conv: abi.ConvZeroOK, Messages: map[int64]string{2: "FT_DeviceNotFound"}},
	}

	if err := fam.Check(abi.ConvFamily, 0); err != nil {
		t.Errorf("zero-ok: expected 0 to pass, got %v", err)
	}
	err := fam.Check(abi.ConvFamily, 2)
	var de *abi.DriverError
	if !errors.As(err, &de) {
		t.Fatalf("expected DriverError, got %v", err)
	}
	if de.Code != 2 || de.Family != "convtest" {
		t.Errorf("expected code 2 in convtest, got %+v", de)
	}

	if err := fam.Check(abi.ConvOneOK, 1); err != nil {
		t.Errorf("one-ok: expected 1 to pass, got %v", err)
	}
	if err := fam.Check(abi.ConvOneOK, 0); err == nil {
		t.Error("one-ok: expected 0 to fail")
	}

	if err := fam.Check(abi.ConvBoolOK, 255); err != nil {
		t.Errorf("bool-ok: expected nonzero to pass, got %v", err)
	}
	if err := fam.Check(abi.ConvBoolOK, 0); err == nil {
		t.Error("bool-ok: expected 0 to fail")
	}

	if err := fam.Check(abi.ConvValue, -40000); err != nil {
		t.Errorf("value returns never fail, got %v", err)
	}
}

func TestErrorTableStaticMessage(t *testing.T) {
	fam := &abi.Family{
		Name:   "msgtest",
		Errors: abi.ErrorTable{Conv: abi.ConvZeroOK, Messages: map[int64]string{2: "FT_DeviceNotFound"}},
	}
	got := fam.Check(abi.ConvFamily, 2).Error()
	want := "msgtest: driver error 2 - FT_DeviceNotFound"
	if got != want {
		t.Errorf("expected %q got %q", want, got)
	}
	if msg := fam.Errors.Message(9999); msg != "UNKNOWN_ERROR_CODE" {
		t.Errorf("unknown codes must still render, got %q", msg)
	}
}

func TestLazyDescriber(t *testing.T) {
	fam := &abi.Family{
		Name:   "lazytest",
		Errors: abi.ErrorTable{Conv: abi.ConvZeroOK, Messages: map[int64]string{5: "static text", 7: "static seven"}},
	}
	calls := 0
	fam.Errors.SetDescriber(func(code int64) (string, bool) {
		calls++
		if code == 5 {
			return "vendor text", true
		}
		return "", false
	})

	err := fam.Check(abi.ConvFamily, 5)
	if calls != 0 {
		t.Fatal("describer must not run until the error is rendered")
	}
	if got := err.Error(); got != "lazytest: driver error 5 - vendor text" {
		t.Errorf("expected vendor text to win, got %q", got)
	}
	if calls != 1 {
		t.Errorf("expected exactly one describer call, got %d", calls)
	}

	// describer declines: fall back to the static table
	if msg := fam.Errors.Message(7); msg != "static seven" {
		t.Errorf("expected static fallback, got %q", msg)
	}
	if msg := fam.Errors.Message(9999); msg != "UNKNOWN_ERROR_CODE" {
		t.Errorf("expected placeholder for unknown code, got %q", msg)
	}
}

func TestOutParams(t *testing.T) {
	fd := abi.FunctionDescriptor{
		Name: "f",
		Params: []abi.Param{
			{Name: "in", Type: abi.U32, Dir: abi.ByValue},
			{Name: "out1", Type: abi.U16, Dir: abi.ByRefOut},
			{Name: "out2", Type: abi.U16, Dir: abi.ByRefOut},
			{Name: "ref", Type: abi.Chars(8), Dir: abi.ByRefIn},
		},
	}
	outs := fd.OutParams()
	if len(outs) != 2 || outs[0].Name != "out1" || outs[1].Name != "out2" {
		t.Errorf("expected out1, out2; got %+v", outs)
	}
}

func TestTypeHelpers(t *testing.T) {
	if c := abi.Chars(16); c.Kind != abi.CharArray || c.Size != 16 {
		t.Errorf("Chars: %+v", c)
	}
	if w := abi.WChars(32); w.Kind != abi.WCharArray || w.Size != 32 {
		t.Errorf("WChars: %+v", w)
	}
	if e := abi.EnumOf(4); e.Kind != abi.Enum || e.Size != 4 {
		t.Errorf("EnumOf: %+v", e)
	}
	p := abi.PtrTo("TLI_DeviceInfo", 93)
	if p.Kind != abi.StructPtr || p.Struct != "TLI_DeviceInfo" || p.Size != 93 {
		t.Errorf("PtrTo: %+v", p)
	}
	if abi.PtrSize != 4 && abi.PtrSize != 8 {
		t.Errorf("PtrSize: %d", abi.PtrSize)
	}
}
