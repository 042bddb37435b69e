// Package frameio contains a frame recorder used to automatically save
// camera images to disk as FITS files, in yyyy-mm-dd subfolders with
// incrementing filenames.
package frameio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/snksoft/crc"
)

// Frame is one acquired image with the metadata worth persisting.
type Frame struct {
	Pix    []uint16
	Width  int
	Height int

	// Camera identifies the source device, e.g. its model or serial
	Camera string

	// Exposure is the programmed exposure time, zero if unknown
	Exposure time.Duration
}

var crcTable = crc.NewTable(crc.CRC64ECMA)

// checksum computes a CRC-64/ECMA over the little-endian pixel bytes, stored
// in the FITS header so bit rot is detectable on read-back.
func checksum(pix []uint16) uint64 {
	buf := make([]byte, 2*len(pix))
	for i, v := range pix {
		binary.LittleEndian.PutUint16(buf[2*i:], v)
	}
	crcUint := crcTable.InitCrc()
	crcUint = crcTable.UpdateCrc(crcUint, buf)
	return crcTable.CRC(crcUint)
}

// WriteFITS streams a frame to w as a 16-bit FITS image.
func WriteFITS(w io.Writer, f Frame) error {
	if f.Width*f.Height != len(f.Pix) {
		return fmt.Errorf("frameio: %dx%d frame with %d pixels", f.Width, f.Height, len(f.Pix))
	}
	cards := []fitsio.Card{
		{Name: "BZERO", Value: 32768},
		{Name: "BSCALE", Value: 1.0},
		{Name: "PIXCRC", Value: fmt.Sprintf("%016X", checksum(f.Pix)), Comment: "CRC-64/ECMA of pixel bytes"},
	}
	if f.Camera != "" {
		cards = append(cards, fitsio.Card{Name: "CAMERA", Value: f.Camera})
	}
	if f.Exposure > 0 {
		cards = append(cards, fitsio.Card{Name: "EXPTIME", Value: f.Exposure.Seconds(), Comment: "[s]"})
	}

	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(16, []int{f.Width, f.Height})
	defer im.Close()
	if err := im.Header().Append(cards...); err != nil {
		return err
	}
	ints := make([]int16, len(f.Pix))
	for i, v := range f.Pix {
		ints[i] = int16(v - 32768)
	}
	if err := im.Write(ints); err != nil {
		return err
	}
	return fits.Write(im)
}

// Verify recomputes the pixel checksum and compares it to the header value
// captured at write time.
func Verify(f Frame, pixcrc string) error {
	want := fmt.Sprintf("%016X", checksum(f.Pix))
	if want != pixcrc {
		return fmt.Errorf("frameio: pixel checksum %s does not match header %s", want, pixcrc)
	}
	return nil
}

// Recorder writes frame sequences with incrementing filenames in yyyy-mm-dd
// subfolders.  It is not thread safe.
type Recorder struct {
	// counter is the internally incrementing counter
	counter int

	// Root is the root path
	Root string

	// Prefix is the prefix for the filenames
	Prefix string

	// timeFldr is the subfolder with yyyy-mm-dd format
	timeFldr string

	// Enabled is a flag unused by this struct that allows consumers to
	// disable its use in their code
	Enabled bool
}

func (r *Recorder) updateFolder() {
	now := time.Now()
	r.timeFldr = fmt.Sprintf("%04d-%02d-%02d", now.Year(), now.Month(), now.Day())
}

func (r *Recorder) mkDir() (string, error) {
	fldr := path.Join(r.Root, r.timeFldr)
	err := os.MkdirAll(fldr, 0777)
	return fldr, err
}

// Save writes one frame to the next numbered file and returns its path.
func (r *Recorder) Save(f Frame) (string, error) {
	r.updateFolder()
	fldr, err := r.mkDir()
	if err != nil {
		return "", err
	}
	fn := path.Join(fldr, fmt.Sprintf("%s%06d.fits", r.Prefix, r.counter))
	fid, err := os.Create(fn)
	if err != nil {
		return "", err
	}
	defer fid.Close()
	if err := WriteFITS(fid, f); err != nil {
		return "", err
	}
	r.counter++
	return fn, nil
}

// Incr updates the filename counter; it scans the folder to do so.  If
// there is an error, the counter is not incremented.
func (r *Recorder) Incr() {
	r.updateFolder()
	dn, _ := r.mkDir()
	files, err := os.ReadDir(dn)
	if err != nil {
		return
	}
	count := 0
	for _, file := range files {
		// skip directories, non-fits, and wrong prefix
		if file.IsDir() {
			continue
		}
		fn := file.Name()
		if !strings.HasSuffix(fn, ".fits") || !strings.HasPrefix(fn, r.Prefix) {
			continue
		}
		bit := strings.TrimSuffix(strings.TrimPrefix(fn, r.Prefix), ".fits")
		n, err := strconv.Atoi(bit)
		if err != nil {
			return
		}
		if count < n {
			count = n
		}
	}
	r.counter = count + 1
}
