// Package pvcam exposes control of Photometrics cameras in Go via the PVCAM
// driver library.  PVCAM calls return rs_bool with PV_OK=1; the real failure
// code comes from a separate pl_error_code call, and its text from
// pl_error_message.
package pvcam

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"
	"unsafe"

	"github.com/mabuchilab/instrbind/abi"
	"github.com/mabuchilab/instrbind/bind"
	"github.com/mabuchilab/instrbind/dynlib"
)

// pvcam.h constants
const (
	camNameLen = 32
	errMsgLen  = 255

	openExclusive = 0 // o_mode for pl_cam_open

	timedMode = 0 // exp_mode: internal timing

	readoutNotActive = 0
	exposureInProg   = 1
	readoutInProg    = 2
	readoutComplete  = 3
	readoutFailed    = 4

	camStateIdle = 0 // pl_exp_abort cam_state

	attrCurrent = 0

	// uns16-typed parameter ids from pvcam.h
	paramSerSize = 100794422
	paramParSize = 100794425
)

func hcamParam() abi.Param {
	return abi.Param{Name: "hcam", Type: abi.I16, Dir: abi.ByValue}
}

func init() {
	hc := hcamParam()
	rs := func(name string, params ...abi.Param) abi.FunctionDescriptor {
		return abi.FunctionDescriptor{Name: name, Params: params, Ret: abi.U16, Conv: abi.ConvBoolOK}
	}
	abi.Register(abi.HostPlatform, &abi.Family{
		Name:   "PVCAM",
		EnvVar: "PVCAM_DLL",
		LibNames: map[string]string{
			"windows": "pvcam32.dll",
			"linux":   "libpvcam.so",
		},
		Structs: map[string]abi.StructDescriptor{
			// rgn_type: serial/parallel extents and binning, all uns16
			"rgn_type": {
				Name: "rgn_type",
				Size: 12,
				Fields: []abi.Field{
					{Name: "s1", Type: abi.U16, Offset: 0},
					{Name: "s2", Type: abi.U16, Offset: 2},
					{Name: "sbin", Type: abi.U16, Offset: 4},
					{Name: "p1", Type: abi.U16, Offset: 6},
					{Name: "p2", Type: abi.U16, Offset: 8},
					{Name: "pbin", Type: abi.U16, Offset: 10},
				},
			},
		},
		Funcs: map[string]abi.FunctionDescriptor{
			"Init":   rs("pl_pvcam_init"),
			"Uninit": rs("pl_pvcam_uninit"),
			"GetVer": rs("pl_pvcam_get_ver",
				abi.Param{Name: "version", Type: abi.U16, Dir: abi.ByRefOut},
			),
			"CamGetTotal": rs("pl_cam_get_total",
				abi.Param{Name: "total_cams", Type: abi.I16, Dir: abi.ByRefOut},
			),
			"CamGetName": rs("pl_cam_get_name",
				abi.Param{Name: "cam_num", Type: abi.I16, Dir: abi.ByValue},
				abi.Param{Name: "camera_name", Type: abi.Chars(camNameLen), Dir: abi.ByRefOut},
			),
			"CamOpen": rs("pl_cam_open",
				abi.Param{Name: "camera_name", Type: abi.Chars(camNameLen), Dir: abi.ByRefIn},
				abi.Param{Name: "hcam", Type: abi.I16, Dir: abi.ByRefOut},
				abi.Param{Name: "o_mode", Type: abi.I16, Dir: abi.ByValue},
			),
			"CamClose": rs("pl_cam_close", hc),
			"ErrorCode": {
				Name: "pl_error_code",
				Ret:  abi.I16, Conv: abi.ConvValue,
			},
			"ErrorMessage": rs("pl_error_message",
				abi.Param{Name: "err_code", Type: abi.I16, Dir: abi.ByValue},
				abi.Param{Name: "msg", Type: abi.Chars(errMsgLen), Dir: abi.ByRefOut},
			),
			// registered for the uns16-typed parameters only; wider
			// parameters would need their own out descriptor
			"GetParam": rs("pl_get_param", hc,
				abi.Param{Name: "param_id", Type: abi.U32, Dir: abi.ByValue},
				abi.Param{Name: "param_attribute", Type: abi.I16, Dir: abi.ByValue},
				abi.Param{Name: "param_value", Type: abi.U16, Dir: abi.ByRefOut},
			),
			"ExpInitSeq":   rs("pl_exp_init_seq"),
			"ExpUninitSeq": rs("pl_exp_uninit_seq"),
			"ExpSetupSeq": rs("pl_exp_setup_seq", hc,
				abi.Param{Name: "exp_total", Type: abi.U16, Dir: abi.ByValue},
				abi.Param{Name: "rgn_total", Type: abi.U16, Dir: abi.ByValue},
				abi.Param{Name: "rgn_array", Type: abi.PtrTo("rgn_type", 12), Dir: abi.ByRefIn},
				abi.Param{Name: "exp_mode", Type: abi.I16, Dir: abi.ByValue},
				abi.Param{Name: "exposure_time", Type: abi.U32, Dir: abi.ByValue},
				abi.Param{Name: "exp_bytes", Type: abi.U32, Dir: abi.ByRefOut},
			),
			"ExpStartSeq": rs("pl_exp_start_seq", hc,
				abi.Param{Name: "pixel_stream", Type: abi.Opaque, Dir: abi.ByValue},
			),
			"ExpCheckStatus": rs("pl_exp_check_status", hc,
				abi.Param{Name: "status", Type: abi.I16, Dir: abi.ByRefOut},
				abi.Param{Name: "bytes_arrived", Type: abi.U32, Dir: abi.ByRefOut},
			),
			"ExpFinishSeq": rs("pl_exp_finish_seq", hc,
				abi.Param{Name: "pixel_stream", Type: abi.Opaque, Dir: abi.ByValue},
				abi.Param{Name: "hbuf", Type: abi.I16, Dir: abi.ByValue},
			),
			"ExpAbort": rs("pl_exp_abort", hc,
				abi.Param{Name: "cam_state", Type: abi.I16, Dir: abi.ByValue},
			),
		},
		Errors: abi.ErrorTable{Conv: abi.ConvBoolOK},
	})
}

// Region selects the sensor area and binning for an exposure, in inclusive
// pixel coordinates.
type Region struct {
	S1, S2 uint16 // serial (x) extent
	P1, P2 uint16 // parallel (y) extent
	SBin   uint16
	PBin   uint16
}

func (r Region) fields() map[string]interface{} {
	return map[string]interface{}{
		"s1": r.S1, "s2": r.S2, "sbin": r.SBin,
		"p1": r.P1, "p2": r.P2, "pbin": r.PBin,
	}
}

// Camera is one open PVCAM camera.
type Camera struct {
	// PollPeriod paces readout-status polls; 10ms if zero
	PollPeriod time.Duration

	name string
	b    *bind.Binder
	sess *bind.Session
}

// openLib loads PVCAM with pl_pvcam_init tied to the first load and
// pl_pvcam_uninit to the last unload, so N open cameras share one
// initialized driver.
func openLib(fam *abi.Family) (*dynlib.Library, *bind.Binder, error) {
	path, err := dynlib.Locate(fam.EnvVar, fam.LibNames)
	if err != nil {
		return nil, nil, err
	}
	lib, err := dynlib.Open(path,
		dynlib.WithInit(func(l *dynlib.Library) error {
			b := bind.NewBinder(l, fam)
			if err := checked(b, "Init"); err != nil {
				return err
			}
			return checked(b, "ExpInitSeq")
		}),
		dynlib.WithTeardown(func(l *dynlib.Library) {
			b := bind.NewBinder(l, fam)
			checked(b, "ExpUninitSeq")
			checked(b, "Uninit")
		}),
	)
	if err != nil {
		return nil, nil, err
	}
	b := bind.NewBinder(lib, fam)
	installErrorMessage(b)
	return lib, b, nil
}

// installErrorMessage routes DriverError text through pl_error_message.
func installErrorMessage(b *bind.Binder) {
	b.Family().Errors.SetDescriber(func(code int64) (string, bool) {
		bf, err := b.Bind("ErrorMessage")
		if err != nil {
			return "", false
		}
		res, err := bf.Call(int16(code))
		if err != nil {
			return "", false
		}
		if s := res.Str("msg"); s != "" {
			return s, true
		}
		return "", false
	})
}

// checked runs a call and, on a PV_OK!=1 failure, replaces the codeless
// boolean error with the real pl_error_code.
func checked(b *bind.Binder, name string, args ...interface{}) error {
	_, err := checkedResult(b, name, args...)
	return err
}

func checkedResult(b *bind.Binder, name string, args ...interface{}) (*bind.Result, error) {
	bf, err := b.Bind(name)
	if err != nil {
		return nil, err
	}
	res, err := bf.Call(args...)
	var de *abi.DriverError
	if err != nil && errors.As(err, &de) {
		if ec, cerr := b.Bind("ErrorCode"); cerr == nil {
			if r, cerr := ec.Call(); cerr == nil {
				return res, b.Family().Fail(r.Code)
			}
		}
	}
	return res, err
}

// List returns the names of all cameras PVCAM can see.
func List() ([]string, error) {
	fam, err := abi.LookupFamily("PVCAM")
	if err != nil {
		return nil, err
	}
	lib, b, err := openLib(fam)
	if err != nil {
		return nil, err
	}
	defer lib.Close()
	res, err := checkedResult(b, "CamGetTotal")
	if err != nil {
		return nil, err
	}
	total := int(res.Int("total_cams"))
	names := make([]string, 0, total)
	for i := 0; i < total; i++ {
		r, err := checkedResult(b, "CamGetName", int16(i))
		if err != nil {
			return nil, err
		}
		names = append(names, r.Str("camera_name"))
	}
	return names, nil
}

// Open opens the named camera exclusively.  Use List to discover names.
func Open(name string) (*Camera, error) {
	fam, err := abi.LookupFamily("PVCAM")
	if err != nil {
		return nil, err
	}
	lib, b, err := openLib(fam)
	if err != nil {
		return nil, err
	}
	c := &Camera{name: name, b: b, sess: bind.NewSession(fam, lib)}
	err = c.sess.Open(func() (uintptr, error) {
		res, err := checkedResult(b, "CamOpen", name, int16(openExclusive))
		if err != nil {
			return 0, err
		}
		return uintptr(res.Uint("hcam")), nil
	})
	if err != nil {
		lib.Close()
		return nil, err
	}
	return c, nil
}

// Name returns the PVCAM camera name this handle was opened with.
func (c *Camera) Name() string { return c.name }

// Close closes the camera and drops the library reference; the driver
// uninitializes only when the last camera in the process closes.
func (c *Camera) Close() error {
	return c.sess.Close(func(h uintptr) error {
		if err := checked(c.b, "CamClose", int16(h)); err != nil {
			return err
		}
		return c.b.Library().Close()
	})
}

// Version returns the PVCAM library version as major.minor.trivial, decoded
// from the packed uns16.
func (c *Camera) Version() (string, error) {
	var out string
	err := c.sess.Do("GetVer", func(uintptr) error {
		res, err := checkedResult(c.b, "GetVer")
		if err != nil {
			return err
		}
		v := res.Uint("version")
		out = fmt.Sprintf("%d.%d.%d", v>>8, (v>>4)&0xf, v&0xf)
		return nil
	})
	return out, err
}

// SensorSize returns the full sensor width and height in pixels.
func (c *Camera) SensorSize() (int, int, error) {
	var w, h int
	err := c.sess.Do("SensorSize", func(hn uintptr) error {
		hcam := int16(hn)
		res, err := checkedResult(c.b, "GetParam", hcam, uint32(paramSerSize), int16(attrCurrent))
		if err != nil {
			return err
		}
		w = int(res.Uint("param_value"))
		res, err = checkedResult(c.b, "GetParam", hcam, uint32(paramParSize), int16(attrCurrent))
		if err != nil {
			return err
		}
		h = int(res.Uint("param_value"))
		return nil
	})
	return w, h, err
}

// GetFrame performs one timed exposure over the region and returns the
// pixels.  The pixel buffer is Go-allocated and pinned for the duration of
// the sequence; cancellation takes effect between status polls only, and
// aborts the sequence cleanly via pl_exp_abort.
func (c *Camera) GetFrame(ctx context.Context, rgn Region, exposure time.Duration) ([]uint16, error) {
	var out []uint16
	err := c.sess.Do("GetFrame", func(h uintptr) error {
		hcam := int16(h)
		res, err := checkedResult(c.b, "ExpSetupSeq", hcam, uint16(1), uint16(1),
			rgn.fields(), int16(timedMode), uint32(exposure/time.Millisecond))
		if err != nil {
			return err
		}
		nbytes := res.Uint("exp_bytes")
		if nbytes == 0 || nbytes%2 != 0 {
			return fmt.Errorf("pvcam: driver sized the exposure at %d bytes", nbytes)
		}
		buf := make([]uint16, nbytes/2)
		stream := uintptr(unsafe.Pointer(&buf[0]))
		defer runtime.KeepAlive(buf)

		if err := checked(c.b, "ExpStartSeq", hcam, stream); err != nil {
			return err
		}
		period := c.PollPeriod
		if period == 0 {
			period = 10 * time.Millisecond
		}
		err = bind.Poll(ctx, period, 0, func() (bool, error) {
			r, err := checkedResult(c.b, "ExpCheckStatus", hcam)
			if err != nil {
				return false, err
			}
			switch r.Int("status") {
			case readoutComplete:
				return true, nil
			case readoutFailed:
				return false, fmt.Errorf("pvcam: readout failed on %s", c.name)
			default:
				return false, nil
			}
		})
		if err != nil {
			checked(c.b, "ExpAbort", hcam, int16(camStateIdle))
			return err
		}
		if err := checked(c.b, "ExpFinishSeq", hcam, stream, int16(0)); err != nil {
			return err
		}
		out = buf
		return nil
	})
	return out, err
}
