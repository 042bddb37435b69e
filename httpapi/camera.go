package httpapi

import (
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"image/png"
	"net/http"
	"time"

	"goji.io/pat"

	"github.com/mabuchilab/instrbind/frameio"
	"github.com/mabuchilab/instrbind/util"
)

// Camera describes a camera which can capture single frames.
type Camera interface {
	// GetFrame triggers capture of a frame and returns the strided image
	// data as 16-bit integers, with its width and height
	GetFrame(context.Context) ([]uint16, int, int, error)

	// SetExposureTime sets the exposure time
	SetExposureTime(time.Duration) error

	// GetExposureTime gets the exposure time
	GetExposureTime() (time.Duration, error)
}

// CameraHTTP wraps a Camera in a route table.  If Rec is non-nil and
// enabled, every FITS capture is also written to disk.
type CameraHTTP struct {
	C   Camera
	Rec *frameio.Recorder

	// Name tags saved frames with the camera identity
	Name string
}

// NewCameraHTTP returns an HTTP wrapper around a camera.
func NewCameraHTTP(c Camera, rec *frameio.Recorder) *CameraHTTP {
	return &CameraHTTP{C: c, Rec: rec}
}

// RT yields the route table; satisfies HTTPer.
func (h *CameraHTTP) RT() RouteTable {
	return RouteTable{
		pat.Get("/exposure-time"): GetFloat(func() (float64, error) {
			d, err := h.C.GetExposureTime()
			return d.Seconds(), err
		}),
		pat.Post("/exposure-time"): h.SetExposureTime,
		pat.Get("/image"):          h.GetFrame,
	}
}

// SetExposureTime sets the exposure time on a POST request.  It can be
// provided either as a query parameter exposureTime, formatted in a way that
// is parseable by time.ParseDuration, or a json payload with key f64,
// holding the exposure time in seconds.
func (h *CameraHTTP) SetExposureTime(w http.ResponseWriter, r *http.Request) {
	texp := r.URL.Query().Get("exposureTime")
	var d time.Duration
	var err error
	if texp == "" {
		f := FloatT{}
		err = decodeBody(r, &f)
		d = util.SecsToDuration(f.F64)
	} else {
		d, err = time.ParseDuration(texp)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.C.SetExposureTime(d); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetFrame takes a picture and returns it on a GET request.
//
// The image format may be specified in a query parameter fmt as jpg, png, or
// fits; default jpg.  The exposure time may be specified as a query
// parameter in any time-looking format, such as "25ms" or "10us"; if no unit
// is appended an s (seconds) is added; if absent the existing value is used.
func (h *CameraHTTP) GetFrame(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if texp := q.Get("exposureTime"); texp != "" {
		if util.AllElementsNumbers(texp) {
			texp = texp + "s"
		}
		d, err := time.ParseDuration(texp)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := h.C.SetExposureTime(d); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	pix, width, height, err := h.C.GetFrame(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	switch q.Get("fmt") {
	case "fits":
		exp, _ := h.C.GetExposureTime()
		f := frameio.Frame{Pix: pix, Width: width, Height: height, Camera: h.Name, Exposure: exp}
		if h.Rec != nil && h.Rec.Enabled {
			if _, err := h.Rec.Save(f); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
		w.Header().Set("Content-Type", "image/fits")
		w.WriteHeader(http.StatusOK)
		if err := frameio.WriteFITS(w, f); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	case "png":
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		png.Encode(w, gray8(pix, width, height))
	default:
		w.Header().Set("Content-Type", "image/jpeg")
		w.WriteHeader(http.StatusOK)
		jpeg.Encode(w, gray8(pix, width, height), nil)
	}
}

// gray8 scales 16-bit pixels to 8 bits for the lossy preview formats.
func gray8(pix []uint16, width, height int) *image.Gray {
	buf := make([]byte, len(pix))
	for idx := 0; idx < len(pix); idx++ {
		buf[idx] = byte(pix[idx] / 256)
	}
	return &image.Gray{Pix: buf, Stride: width, Rect: image.Rect(0, 0, width, height)}
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
