package marshal_test

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/mabuchilab/instrbind/abi"
	"github.com/mabuchilab/instrbind/marshal"
)

// frameDesc is a small acquisition-settings struct with the layout a vendor
// header would declare: two 16-bit extents followed by a 32-bit exposure.
func frameDesc() abi.StructDescriptor {
	return abi.StructDescriptor{
		Name: "FrameSettings",
		Size: 8,
		Fields: []abi.Field{
			{Name: "width", Type: abi.U16, Offset: 0},
			{Name: "height", Type: abi.U16, Offset: 2},
			{Name: "exposure_ms", Type: abi.U32, Offset: 4},
		},
	}
}

func ExamplePack() {
	buf, _ := marshal.Pack(frameDesc(), map[string]interface{}{
		"width":       640,
		"height":      480,
		"exposure_ms": 100,
	})
	fmt.Printf("% 02X\n", buf)
	// Output: 40 02 E0 01 64 00 00 00
}

func TestPackExactLayout(t *testing.T) {
	buf, err := marshal.Pack(frameDesc(), map[string]interface{}{
		"width":       640,
		"height":      480,
		"exposure_ms": 100,
	})
	if err != nil {
		t.Fatal(err)
	}
	expected := []byte{0x40, 0x02, 0xE0, 0x01, 0x64, 0x00, 0x00, 0x00}
	if !bytes.Equal(buf, expected) {
		t.Errorf("expected % 02X got % 02X", expected, buf)
	}
}

func TestPackOmittedFieldsZero(t *testing.T) {
	buf, err := marshal.Pack(frameDesc(), map[string]interface{}{"width": 1})
	if err != nil {
		t.Fatal(err)
	}
	for i := 2; i < len(buf); i++ {
		if buf[i] != 0 {
			t.Errorf("expected byte %d zero, got %02X", i, buf[i])
		}
	}
}

func TestRoundTrip(t *testing.T) {
	sd := abi.StructDescriptor{
		Name: "Mixed",
		Size: 32,
		Fields: []abi.Field{
			{Name: "id", Type: abi.I16, Offset: 0},
			{Name: "flag", Type: abi.U8, Offset: 2},
			{Name: "gain", Type: abi.F64, Offset: 8},
			{Name: "label", Type: abi.Chars(12), Offset: 16},
			{Name: "mode", Type: abi.EnumOf(4), Offset: 28},
		},
	}
	if err := sd.Validate(); err != nil {
		t.Fatal(err)
	}
	in := map[string]interface{}{
		"id":    -7,
		"flag":  1,
		"gain":  2.5,
		"label": "open",
		"mode":  3,
	}
	buf, err := marshal.Pack(sd, in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := marshal.Unpack(sd, buf)
	if err != nil {
		t.Fatal(err)
	}
	if out["id"].(int64) != -7 {
		t.Errorf("id did not round trip, got %v", out["id"])
	}
	if out["flag"].(uint64) != 1 {
		t.Errorf("flag did not round trip, got %v", out["flag"])
	}
	if out["gain"].(float64) != 2.5 {
		t.Errorf("gain did not round trip, got %v", out["gain"])
	}
	if out["label"].(string) != "open" {
		t.Errorf("label did not round trip, got %q", out["label"])
	}
	if out["mode"].(uint64) != 3 {
		t.Errorf("mode did not round trip, got %v", out["mode"])
	}
}

func TestOverflowFailsClosed(t *testing.T) {
	cases := []struct {
		name  string
		field string
		value interface{}
	}{
		{"u16 too big", "width", 70000},
		{"u16 negative", "height", -1},
		{"u32 too big", "exposure_ms", uint64(1) << 40},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := marshal.Pack(frameDesc(), map[string]interface{}{tc.field: tc.value})
			if err == nil {
				t.Fatal("expected an overflow error, got nil")
			}
			var me *marshal.Error
			if !errors.As(err, &me) || me.Kind != marshal.Overflow {
				t.Errorf("expected Overflow, got %v", err)
			}
		})
	}
}

func TestNoSuchField(t *testing.T) {
	_, err := marshal.Pack(frameDesc(), map[string]interface{}{"depth": 1})
	var me *marshal.Error
	if !errors.As(err, &me) || me.Kind != marshal.NoSuchField {
		t.Errorf("expected NoSuchField, got %v", err)
	}
}

func TestStringTooLong(t *testing.T) {
	sd := abi.StructDescriptor{
		Name:   "S",
		Size:   8,
		Fields: []abi.Field{{Name: "s", Type: abi.Chars(8), Offset: 0}},
	}
	// 8 bytes of text cannot fit: the NUL terminator needs a byte
	_, err := marshal.Pack(sd, map[string]interface{}{"s": "12345678"})
	var me *marshal.Error
	if !errors.As(err, &me) || me.Kind != marshal.StringTooLong {
		t.Errorf("expected StringTooLong, got %v", err)
	}

	p := marshal.Packer{TruncateStrings: true}
	buf, err := p.Pack(sd, map[string]interface{}{"s": "12345678"})
	if err != nil {
		t.Fatal(err)
	}
	if buf[7] != 0 {
		t.Error("expected truncated string to stay NUL terminated")
	}
}

func TestWideStringRoundTrip(t *testing.T) {
	sd := abi.StructDescriptor{
		Name:   "W",
		Size:   32,
		Fields: []abi.Field{{Name: "name", Type: abi.WChars(32), Offset: 0}},
	}
	buf, err := marshal.Pack(sd, map[string]interface{}{"name": "MFF102/M"})
	if err != nil {
		t.Fatal(err)
	}
	// utf16, little endian: 'M' 0x4D 0x00
	if buf[0] != 0x4D || buf[1] != 0x00 {
		t.Errorf("expected utf16le encoding, got % 02X", buf[:4])
	}
	out, err := marshal.Unpack(sd, buf)
	if err != nil {
		t.Fatal(err)
	}
	if out["name"].(string) != "MFF102/M" {
		t.Errorf("wide string did not round trip, got %q", out["name"])
	}
}

func TestUnpackShortBuffer(t *testing.T) {
	_, err := marshal.Unpack(frameDesc(), make([]byte, 4))
	var me *marshal.Error
	if !errors.As(err, &me) || me.Kind != marshal.ShortBuffer {
		t.Errorf("expected ShortBuffer, got %v", err)
	}
}

func TestSignExtension(t *testing.T) {
	sd := abi.StructDescriptor{
		Name:   "T",
		Size:   2,
		Fields: []abi.Field{{Name: "temp", Type: abi.I16, Offset: 0}},
	}
	// -123 tenths of a degree, as PCO_GetTemperature reports cold sensors
	buf, err := marshal.Pack(sd, map[string]interface{}{"temp": -123})
	if err != nil {
		t.Fatal(err)
	}
	out, err := marshal.Unpack(sd, buf)
	if err != nil {
		t.Fatal(err)
	}
	if out["temp"].(int64) != -123 {
		t.Errorf("expected -123, got %v", out["temp"])
	}
}
