package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mabuchilab/instrbind/httpapi"
)

// fakeFlipper records commands and plays back canned state.
type fakeFlipper struct {
	pos     int
	transit int
	flips   int
	homes   int
	fail    bool
}

func (f *fakeFlipper) GetPosition() (int, error) {
	if f.fail {
		return 0, fmt.Errorf("device not present")
	}
	return f.pos, nil
}
func (f *fakeFlipper) MoveTo(p int) error { f.pos = p; return nil }
func (f *fakeFlipper) Flip() error { f.flips++; return nil }
func (f *fakeFlipper) Home() error { f.homes++; return nil }
func (f *fakeFlipper) GetTransitTime() (int, error) { return f.transit, nil }
func (f *fakeFlipper) SetTransitTime(ms int) error { f.transit = ms; return nil }

func TestFlipperRoutes(t *testing.T) {
	f := &fakeFlipper{pos: 1, transit: 500}
	srv := httptest.NewServer(httpapi.NewMux(httpapi.NewFlipperHTTP(f)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/pos")
	if err != nil {
		t.Fatal(err)
	}
	var it httpapi.IntT
	if err := json.NewDecoder(resp.Body).Decode(&it); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if it.Int != 1 {
		t.Errorf("pos = %d", it.Int)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %s", ct)
	}

	body := strings.NewReader(`{"int": 2}`)
	resp, err = http.Post(srv.URL+"/pos", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /pos status %d", resp.StatusCode)
	}
	if f.pos != 2 {
		t.Errorf("pos after move = %d", f.pos)
	}

	resp, _ = http.Post(srv.URL+"/flip", "", nil)
	resp.Body.Close()
	resp, _ = http.Post(srv.URL+"/home", "", nil)
	resp.Body.Close()
	if f.flips != 1 || f.homes != 1 {
		t.Errorf("flips = %d homes = %d", f.flips, f.homes)
	}

	resp, _ = http.Post(srv.URL+"/transit-time", "application/json", strings.NewReader(`{"int": 800}`))
	resp.Body.Close()
	if f.transit != 800 {
		t.Errorf("transit = %d", f.transit)
	}

	// malformed payloads are rejected before touching the device
	resp, _ = http.Post(srv.URL+"/pos", "application/json", strings.NewReader("not json"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad payload status %d", resp.StatusCode)
	}

	f.fail = true
	resp, _ = http.Get(srv.URL + "/pos")
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("device error status %d", resp.StatusCode)
	}
}

// fakeCamera returns a fixed gradient frame.
type fakeCamera struct {
	exp    time.Duration
	frames int
}

func (c *fakeCamera) GetFrame(ctx context.Context) ([]uint16, int, int, error) {
	c.frames++
	pix := make([]uint16, 16*8)
	for i := range pix {
		pix[i] = uint16(i * 512)
	}
	return pix, 16, 8, nil
}
func (c *fakeCamera) SetExposureTime(d time.Duration) error { c.exp = d; return nil }
func (c *fakeCamera) GetExposureTime() (time.Duration, error) { return c.exp, nil }

func TestCameraExposureTime(t *testing.T) {
	cam := &fakeCamera{exp: 10 * time.Millisecond}
	srv := httptest.NewServer(httpapi.NewMux(httpapi.NewCameraHTTP(cam, nil)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/exposure-time")
	if err != nil {
		t.Fatal(err)
	}
	var ft httpapi.FloatT
	json.NewDecoder(resp.Body).Decode(&ft)
	resp.Body.Close()
	if ft.F64 != 0.010 {
		t.Errorf("exposure = %f s", ft.F64)
	}

	// duration-style query parameter
	resp, _ = http.Post(srv.URL+"/exposure-time?exposureTime=25ms", "", nil)
	resp.Body.Close()
	if cam.exp != 25*time.Millisecond {
		t.Errorf("exposure = %v", cam.exp)
	}

	// seconds in a JSON body
	resp, _ = http.Post(srv.URL+"/exposure-time", "application/json", strings.NewReader(`{"f64": 0.5}`))
	resp.Body.Close()
	if cam.exp != 500*time.Millisecond {
		t.Errorf("exposure = %v", cam.exp)
	}

	resp, _ = http.Post(srv.URL+"/exposure-time?exposureTime=bogus", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bogus duration status %d", resp.StatusCode)
	}
}

func TestCameraImageFormats(t *testing.T) {
	cam := &fakeCamera{}
	srv := httptest.NewServer(httpapi.NewMux(httpapi.NewCameraHTTP(cam, nil)))
	defer srv.Close()

	cases := []struct {
		query string
		ct    string
		magic []byte
	}{
		{"?fmt=fits", "image/fits", []byte("SIMPLE")},
		{"?fmt=png", "image/png", []byte("\x89PNG")},
		{"", "image/jpeg", []byte("\xff\xd8")},
	}
	for _, c := range cases {
		resp, err := http.Get(srv.URL + "/image" + c.query)
		if err != nil {
			t.Fatal(err)
		}
		var buf bytes.Buffer
		buf.ReadFrom(resp.Body)
		resp.Body.Close()
		if ct := resp.Header.Get("Content-Type"); ct != c.ct {
			t.Errorf("%s: content type = %s, want %s", c.query, ct, c.ct)
		}
		if !bytes.HasPrefix(buf.Bytes(), c.magic) {
			t.Errorf("%s: body does not start with %q", c.query, c.magic)
		}
	}
	if cam.frames != len(cases) {
		t.Errorf("captured %d frames", cam.frames)
	}
}

func TestCameraImageExposureOverride(t *testing.T) {
	cam := &fakeCamera{}
	srv := httptest.NewServer(httpapi.NewMux(httpapi.NewCameraHTTP(cam, nil)))
	defer srv.Close()

	// a bare number means seconds
	resp, err := http.Get(srv.URL + "/image?exposureTime=2&fmt=png")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if cam.exp != 2*time.Second {
		t.Errorf("exposure = %v", cam.exp)
	}

	resp, _ = http.Get(srv.URL + "/image?exposureTime=250us&fmt=png")
	resp.Body.Close()
	if cam.exp != 250*time.Microsecond {
		t.Errorf("exposure = %v", cam.exp)
	}
}

func TestSubMux(t *testing.T) {
	f := &fakeFlipper{pos: 2}
	root := httpapi.NewMux()
	httpapi.SubMux(root, "/flipper/*", httpapi.NewFlipperHTTP(f))
	srv := httptest.NewServer(root)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/flipper/pos")
	if err != nil {
		t.Fatal(err)
	}
	var it httpapi.IntT
	json.NewDecoder(resp.Body).Decode(&it)
	resp.Body.Close()
	if it.Int != 2 {
		t.Errorf("pos = %d", it.Int)
	}
}
