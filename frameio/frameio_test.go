package frameio

import (
	"bytes"
	"os"
	"path"
	"path/filepath"
	"testing"
	"time"
)

func testFrame() Frame {
	pix := make([]uint16, 8*4)
	for i := range pix {
		pix[i] = uint16(i * 100)
	}
	return Frame{Pix: pix, Width: 8, Height: 4, Camera: "pco.edge", Exposure: 10 * time.Millisecond}
}

func TestChecksumStable(t *testing.T) {
	f := testFrame()
	a := checksum(f.Pix)
	b := checksum(f.Pix)
	if a != b {
		t.Fatalf("checksum not deterministic: %x vs %x", a, b)
	}
	f.Pix[5] ^= 1
	if checksum(f.Pix) == a {
		t.Error("a flipped bit must change the checksum")
	}
}

func TestVerify(t *testing.T) {
	f := testFrame()
	good := headerCRC(f)
	if err := Verify(f, good); err != nil {
		t.Fatal(err)
	}
	f.Pix[0]++
	if err := Verify(f, good); err == nil {
		t.Error("expected a checksum mismatch")
	}
}

// headerCRC renders the checksum the way WriteFITS stores it.
func headerCRC(f Frame) string {
	var buf bytes.Buffer
	if err := WriteFITS(&buf, f); err != nil {
		panic(err)
	}
	// the PIXCRC card is ASCII in the header block
	i := bytes.Index(buf.Bytes(), []byte("PIXCRC"))
	card := buf.Bytes()[i : i+80]
	start := bytes.IndexByte(card, '\'') + 1
	end := start + bytes.IndexByte(card[start:], '\'')
	return string(card[start:end])
}

func TestWriteFITS(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFITS(&buf, testFrame()); err != nil {
		t.Fatal(err)
	}
	b := buf.Bytes()
	if !bytes.HasPrefix(b, []byte("SIMPLE")) {
		t.Error("output is not a FITS stream")
	}
	for _, card := range []string{"BZERO", "BSCALE", "PIXCRC", "CAMERA", "EXPTIME"} {
		if !bytes.Contains(b, []byte(card)) {
			t.Errorf("header missing %s", card)
		}
	}
	if len(b)%2880 != 0 {
		t.Errorf("FITS streams are 2880-byte blocks, got %d bytes", len(b))
	}
}

func TestWriteFITSDimensionMismatch(t *testing.T) {
	f := testFrame()
	f.Width = 7
	if err := WriteFITS(new(bytes.Buffer), f); err == nil {
		t.Error("expected the pixel count check to fail")
	}
}

func TestRecorderSaveNumbering(t *testing.T) {
	r := Recorder{Root: t.TempDir(), Prefix: "dark", Enabled: true}
	f := testFrame()

	p1, err := r.Save(f)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := r.Save(f)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(p1) != "dark000000.fits" || filepath.Base(p2) != "dark000001.fits" {
		t.Errorf("got %s, %s", p1, p2)
	}
	if _, err := os.Stat(p1); err != nil {
		t.Error(err)
	}

	now := time.Now()
	wantDir := path.Join(r.Root, now.Format("2006-01-02"))
	if filepath.Dir(p1) != wantDir {
		t.Errorf("frames must land in the dated folder, got %s", filepath.Dir(p1))
	}
}

func TestRecorderIncr(t *testing.T) {
	r := Recorder{Root: t.TempDir(), Prefix: "img"}
	r.Incr()
	if r.counter != 1 {
		t.Errorf("empty folder: counter = %d, want 1", r.counter)
	}

	// drop a stray high-numbered file and rescan
	r.updateFolder()
	dn, err := r.mkDir()
	if err != nil {
		t.Fatal(err)
	}
	for _, fn := range []string{"img000007.fits", "img000003.fits", "other000009.fits", "notes.txt"} {
		if err := os.WriteFile(path.Join(dn, fn), nil, 0666); err != nil {
			t.Fatal(err)
		}
	}
	r.Incr()
	if r.counter != 8 {
		t.Errorf("counter = %d, want 8", r.counter)
	}

	f := testFrame()
	p, err := r.Save(f)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(p) != "img000008.fits" {
		t.Errorf("next save = %s", filepath.Base(p))
	}
}
