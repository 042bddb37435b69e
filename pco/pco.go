// Package pco exposes control of PCO cameras in Go via the sc2_cam driver
// library, plus the legacy PixelFly driver in pixelfly.go.  Error codes are
// bit-coded signed ints with 0 as success; human text comes from the DLL's
// own PCO_GetErrorText, fetched lazily.
package pco

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/mabuchilab/instrbind/abi"
	"github.com/mabuchilab/instrbind/bind"
	"github.com/mabuchilab/instrbind/dynlib"
)

// handleParam is the leading camera-handle parameter of every sc2 call.
func handleParam() abi.Param {
	return abi.Param{Name: "ph", Type: abi.Opaque, Dir: abi.ByValue}
}

func init() {
	hp := handleParam()
	abi.Register(abi.HostPlatform, &abi.Family{
		Name:   "PCO",
		EnvVar: "PCO_SC2_DLL",
		LibNames: map[string]string{
			"windows": "SC2_Cam.dll",
			"linux":   "libpco_sc2cam.so",
		},
		Structs: map[string]abi.StructDescriptor{
			// sc2_SDKStructures.h; natural alignment, the dummy WORD
			// is the vendor's own explicit padding
			"PCO_Buflist": {
				Name: "PCO_Buflist",
				Size: 12,
				Fields: []abi.Field{
					{Name: "sBufNr", Type: abi.I16, Offset: 0},
					{Name: "ZZwAlignDummy", Type: abi.U16, Offset: 2},
					{Name: "dwStatusDll", Type: abi.U32, Offset: 4},
					{Name: "dwStatusDrv", Type: abi.U32, Offset: 8},
				},
			},
		},
		Funcs: map[string]abi.FunctionDescriptor{
			"ResetLib": {
				Name: "PCO_ResetLib",
				Ret:  abi.I32, Conv: abi.ConvZeroOK,
			},
			"OpenCamera": {
				Name: "PCO_OpenCamera",
				Params: []abi.Param{
					{Name: "ph", Type: abi.Opaque, Dir: abi.ByRefOut},
					{Name: "wCamNum", Type: abi.U16, Dir: abi.ByValue},
				},
				Ret: abi.I32, Conv: abi.ConvZeroOK,
			},
			"CloseCamera": {
				Name:   "PCO_CloseCamera",
				Params: []abi.Param{hp},
				Ret:    abi.I32, Conv: abi.ConvZeroOK,
			},
			"ArmCamera": {
				Name:   "PCO_ArmCamera",
				Params: []abi.Param{hp},
				Ret:    abi.I32, Conv: abi.ConvZeroOK,
			},
			"SetRecordingState": {
				Name: "PCO_SetRecordingState",
				Params: []abi.Param{
					hp,
					{Name: "wRecState", Type: abi.U16, Dir: abi.ByValue},
				},
				Ret: abi.I32, Conv: abi.ConvZeroOK,
			},
			"GetSizes": {
				Name: "PCO_GetSizes",
				Params: []abi.Param{
					hp,
					{Name: "wXResAct", Type: abi.U16, Dir: abi.ByRefOut},
					{Name: "wYResAct", Type: abi.U16, Dir: abi.ByRefOut},
					{Name: "wXResMax", Type: abi.U16, Dir: abi.ByRefOut},
					{Name: "wYResMax", Type: abi.U16, Dir: abi.ByRefOut},
				},
				Ret: abi.I32, Conv: abi.ConvZeroOK,
			},
			"SetDelayExposureTime": {
				Name: "PCO_SetDelayExposureTime",
				Params: []abi.Param{
					hp,
					{Name: "dwDelay", Type: abi.U32, Dir: abi.ByValue},
					{Name: "dwExposure", Type: abi.U32, Dir: abi.ByValue},
					{Name: "wTimeBaseDelay", Type: abi.U16, Dir: abi.ByValue},
					{Name: "wTimeBaseExposure", Type: abi.U16, Dir: abi.ByValue},
				},
				Ret: abi.I32, Conv: abi.ConvZeroOK,
			},
			"GetTemperature": {
				Name: "PCO_GetTemperature",
				Params: []abi.Param{
					hp,
					{Name: "sCCDTemp", Type: abi.I16, Dir: abi.ByRefOut},
					{Name: "sCamTemp", Type: abi.I16, Dir: abi.ByRefOut},
					{Name: "sPowTemp", Type: abi.I16, Dir: abi.ByRefOut},
				},
				Ret: abi.I32, Conv: abi.ConvZeroOK,
			},
			"GetCameraName": {
				Name: "PCO_GetCameraName",
				Params: []abi.Param{
					hp,
					{Name: "szCameraName", Type: abi.Chars(40), Dir: abi.ByRefOut},
					{Name: "wSZCameraNameLen", Type: abi.U16, Dir: abi.ByValue},
				},
				Ret: abi.I32, Conv: abi.ConvZeroOK,
			},
			"AllocateBuffer": {
				Name: "PCO_AllocateBuffer",
				Params: []abi.Param{
					hp,
					{Name: "sBufNr", Type: abi.I16, Dir: abi.ByRefInOut},
					{Name: "size", Type: abi.U32, Dir: abi.ByValue},
					{Name: "wBuf", Type: abi.Opaque, Dir: abi.ByRefOut},
					{Name: "hEvent", Type: abi.Opaque, Dir: abi.ByRefInOut},
				},
				Ret: abi.I32, Conv: abi.ConvZeroOK,
			},
			"FreeBuffer": {
				Name: "PCO_FreeBuffer",
				Params: []abi.Param{
					hp,
					{Name: "sBufNr", Type: abi.I16, Dir: abi.ByValue},
				},
				Ret: abi.I32, Conv: abi.ConvZeroOK,
			},
			"AddBufferEx": {
				Name: "PCO_AddBufferEx",
				Params: []abi.Param{
					hp,
					{Name: "dw1stImage", Type: abi.U32, Dir: abi.ByValue},
					{Name: "dwLastImage", Type: abi.U32, Dir: abi.ByValue},
					{Name: "sBufNr", Type: abi.I16, Dir: abi.ByValue},
					{Name: "wXRes", Type: abi.U16, Dir: abi.ByValue},
					{Name: "wYRes", Type: abi.U16, Dir: abi.ByValue},
					{Name: "wBitPerPixel", Type: abi.U16, Dir: abi.ByValue},
				},
				Ret: abi.I32, Conv: abi.ConvZeroOK,
			},
			"WaitforBuffer": {
				Name: "PCO_WaitforBuffer",
				Params: []abi.Param{
					hp,
					{Name: "nr_of_buffer", Type: abi.I32, Dir: abi.ByValue},
					{Name: "bl", Type: abi.PtrTo("PCO_Buflist", 12), Dir: abi.ByRefInOut},
					{Name: "timeout", Type: abi.I32, Dir: abi.ByValue},
				},
				Ret: abi.I32, Conv: abi.ConvZeroOK,
			},
			"CancelImages": {
				Name:   "PCO_CancelImages",
				Params: []abi.Param{hp},
				Ret:    abi.I32, Conv: abi.ConvZeroOK,
			},
			"GetErrorText": {
				Name: "PCO_GetErrorText",
				Params: []abi.Param{
					{Name: "dwerr", Type: abi.U32, Dir: abi.ByValue},
					{Name: "pbuf", Type: abi.Chars(256), Dir: abi.ByRefOut},
					{Name: "dwlen", Type: abi.U32, Dir: abi.ByValue},
				},
				Ret: abi.None, Conv: abi.ConvNone,
			},
		},
		Errors: abi.ErrorTable{Conv: abi.ConvZeroOK, Messages: map[int64]string{
			0: "PCO_NOERROR",
		}},
	})
}

// Camera is one PCO camera on the sc2_cam interface.
type Camera struct {
	b    *bind.Binder
	sess *bind.Session

	// bufNr is the SDK-side buffer number once allocated, else -1;
	// bufAddr is the SDK-owned pixel buffer it maps to
	bufNr   int16
	bufAddr uintptr

	// cached geometry, refreshed on Arm
	width, height int
}

// Open connects to camera number camNum (0 is the first physical camera).
// The sc2 library's process-global state is reset on the first load and the
// load is shared among all cameras in the process.
func Open(camNum uint16) (*Camera, error) {
	fam, err := abi.LookupFamily("PCO")
	if err != nil {
		return nil, err
	}
	path, err := dynlib.Locate(fam.EnvVar, fam.LibNames)
	if err != nil {
		return nil, err
	}
	var b *bind.Binder
	lib, err := dynlib.Open(path, dynlib.WithInit(func(l *dynlib.Library) error {
		// PCO_ResetLib clears driver-global state left by a crashed
		// predecessor; run it once per OS-level load
		nb := bind.NewBinder(l, fam)
		_, err := callRaw(nb, "ResetLib")
		return err
	}))
	if err != nil {
		return nil, err
	}
	b = bind.NewBinder(lib, fam)
	installErrorText(b)

	c := &Camera{b: b, sess: bind.NewSession(fam, lib), bufNr: -1}
	err = c.sess.Open(func() (uintptr, error) {
		res, err := callRaw(b, "OpenCamera", camNum)
		if err != nil {
			return 0, err
		}
		return uintptr(res.Uint("ph")), nil
	})
	if err != nil {
		lib.Close()
		return nil, err
	}
	return c, nil
}

// installErrorText points the family error table at the DLL's own
// PCO_GetErrorText so DriverError messages render with vendor wording.
func installErrorText(b *bind.Binder) {
	b.Family().Errors.SetDescriber(func(code int64) (string, bool) {
		bf, err := b.Bind("GetErrorText")
		if err != nil {
			return "", false
		}
		res, err := bf.Call(uint32(code), uint32(256))
		if err != nil {
			return "", false
		}
		if s := res.Str("pbuf"); s != "" {
			return s, true
		}
		return "", false
	})
}

func callRaw(b *bind.Binder, name string, args ...interface{}) (*bind.Result, error) {
	bf, err := b.Bind(name)
	if err != nil {
		return nil, err
	}
	return bf.Call(args...)
}

// call runs one guarded call with the device handle prepended.
func (c *Camera) call(name string, args ...interface{}) (*bind.Result, error) {
	var res *bind.Result
	err := c.sess.Do(name, func(h uintptr) error {
		var err error
		res, err = callRaw(c.b, name, append([]interface{}{h}, args...)...)
		return err
	})
	return res, err
}

// Close frees the SDK buffer, closes the camera, and releases the library
// reference.
func (c *Camera) Close() error {
	return c.sess.Close(func(h uintptr) error {
		if c.bufNr >= 0 {
			callRaw(c.b, "FreeBuffer", h, c.bufNr)
			c.bufNr = -1
		}
		if _, err := callRaw(c.b, "CloseCamera", h); err != nil {
			return err
		}
		return c.b.Library().Close()
	})
}

// Arm validates the pending settings on the camera head and refreshes the
// cached frame geometry.  PCO requires an arm after any settings change.
func (c *Camera) Arm() error {
	if _, err := c.call("ArmCamera"); err != nil {
		return err
	}
	res, err := c.call("GetSizes")
	if err != nil {
		return err
	}
	c.width = int(res.Uint("wXResAct"))
	c.height = int(res.Uint("wYResAct"))
	return nil
}

// timebase selector for SetDelayExposureTime: 0=ns, 1=us, 2=ms
const timebaseUS = 1

// SetExposure programs the exposure with zero delay, in microseconds
// resolution.  Takes effect at the next Arm.
func (c *Camera) SetExposure(d time.Duration) error {
	us := uint32(d / time.Microsecond)
	_, err := c.call("SetDelayExposureTime", uint32(0), us, uint16(timebaseUS), uint16(timebaseUS))
	return err
}

// Temperature returns the CCD and camera temperatures in degrees C.  The
// sensor value arrives in tenths of a degree.
func (c *Camera) Temperature() (ccd, cam float64, err error) {
	res, err := c.call("GetTemperature")
	if err != nil {
		return 0, 0, err
	}
	return float64(res.Int("sCCDTemp")) / 10, float64(res.Int("sCamTemp")), nil
}

// Name returns the camera's model name string.
func (c *Camera) Name() (string, error) {
	res, err := c.call("GetCameraName", uint16(40))
	if err != nil {
		return "", err
	}
	return res.Str("szCameraName"), nil
}

// allocate ensures one SDK-side frame buffer of the armed size exists and
// returns its byte size.
func (c *Camera) allocate() (int, error) {
	size := c.width * c.height * 2
	if size == 0 {
		return 0, fmt.Errorf("pco: camera not armed, frame geometry unknown")
	}
	if c.bufNr >= 0 {
		return size, nil
	}
	// -1 asks the SDK to assign a fresh buffer number
	res, err := c.call("AllocateBuffer", int16(-1), uint32(size), uintptr(0))
	if err != nil {
		return 0, err
	}
	c.bufNr = int16(res.Int("sBufNr"))
	c.bufAddr = uintptr(res.Uint("wBuf"))
	if c.bufAddr == 0 {
		return 0, fmt.Errorf("pco: SDK returned a nil frame buffer")
	}
	return size, nil
}

// GetFrame records a single image: queue the buffer, start recording, wait
// for delivery with the given timeout, stop, and copy the pixels out of the
// SDK buffer.  The returned slice is Go-owned; no SDK pointer escapes.
func (c *Camera) GetFrame(timeout time.Duration) ([]uint16, error) {
	size, err := c.allocate()
	if err != nil {
		return nil, err
	}
	if _, err := c.call("AddBufferEx", uint32(0), uint32(0), c.bufNr,
		uint16(c.width), uint16(c.height), uint16(16)); err != nil {
		return nil, err
	}
	if _, err := c.call("SetRecordingState", uint16(1)); err != nil {
		return nil, err
	}
	bl := map[string]interface{}{"sBufNr": c.bufNr, "ZZwAlignDummy": 0, "dwStatusDll": 0, "dwStatusDrv": 0}
	res, err := c.call("WaitforBuffer", int32(1), bl, int32(timeout/time.Millisecond))
	if err != nil {
		c.call("CancelImages")
		c.call("SetRecordingState", uint16(0))
		return nil, err
	}
	if err := waitStatus(c.b.Family(), res); err != nil {
		c.call("CancelImages")
		c.call("SetRecordingState", uint16(0))
		return nil, err
	}
	if _, err := c.call("SetRecordingState", uint16(0)); err != nil {
		return nil, err
	}

	// copy the frame out of the SDK-owned buffer into Go memory
	src := unsafe.Slice((*uint16)(unsafe.Pointer(c.bufAddr)), size/2)
	out := make([]uint16, size/2)
	copy(out, src)
	return out, nil
}

// waitStatus inspects the driver status word of a buflist returned by
// WaitforBuffer.  The wait can succeed while the transfer itself failed;
// a nonzero dwStatusDrv is the real error code.
func waitStatus(fam *abi.Family, res *bind.Result) error {
	if drv, _ := res.Map("bl")["dwStatusDrv"].(uint64); drv != 0 {
		return fam.Fail(int64(drv))
	}
	return nil
}

// Width returns the armed frame width in pixels.
func (c *Camera) Width() int { return c.width }

// Height returns the armed frame height in pixels.
func (c *Camera) Height() int { return c.height }
