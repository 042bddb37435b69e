package pco

import (
	"context"
	"fmt"
	"time"
	"unsafe"

	"github.com/mabuchilab/instrbind/abi"
	"github.com/mabuchilab/instrbind/bind"
	"github.com/mabuchilab/instrbind/dynlib"
)

// The PixelFly pccam driver predates sc2_cam.  All entry points are shouting
// flat exports returning int, 0 on success and a negative bit-coded error
// otherwise.  There is no error-text call in the DLL; codes render from the
// static table.

func pfBoardParam() abi.Param {
	return abi.Param{Name: "hdriver", Type: abi.Opaque, Dir: abi.ByValue}
}

func init() {
	bp := pfBoardParam()
	zero := func(name string, params ...abi.Param) abi.FunctionDescriptor {
		return abi.FunctionDescriptor{Name: name, Params: params, Ret: abi.I32, Conv: abi.ConvZeroOK}
	}
	abi.Register(abi.HostPlatform, &abi.Family{
		Name:   "PixelFly",
		EnvVar: "PCO_PF_DLL",
		LibNames: map[string]string{
			"windows": "pf_cam.dll",
			"linux":   "libpfcam.so",
		},
		Funcs: map[string]abi.FunctionDescriptor{
			"InitBoard": zero("INITBOARD",
				abi.Param{Name: "board", Type: abi.I32, Dir: abi.ByValue},
				abi.Param{Name: "hdriver", Type: abi.Opaque, Dir: abi.ByRefOut},
			),
			"CloseBoard": zero("CLOSEBOARD",
				abi.Param{Name: "hdriver", Type: abi.Opaque, Dir: abi.ByRefIn},
			),
			"SetMode": zero("SETMODE", bp,
				abi.Param{Name: "mode", Type: abi.I32, Dir: abi.ByValue},
				abi.Param{Name: "explevel", Type: abi.I32, Dir: abi.ByValue},
				abi.Param{Name: "exptime", Type: abi.I32, Dir: abi.ByValue},
				abi.Param{Name: "hbin", Type: abi.I32, Dir: abi.ByValue},
				abi.Param{Name: "vbin", Type: abi.I32, Dir: abi.ByValue},
				abi.Param{Name: "gain", Type: abi.I32, Dir: abi.ByValue},
				abi.Param{Name: "offset", Type: abi.I32, Dir: abi.ByValue},
				abi.Param{Name: "bit_pix", Type: abi.I32, Dir: abi.ByValue},
				abi.Param{Name: "shift", Type: abi.I32, Dir: abi.ByValue},
			),
			"StartCamera": zero("START_CAMERA", bp),
			"StopCamera":  zero("STOP_CAMERA", bp),
			"Trigger":     zero("TRIGGER_CAMERA", bp),
			"GetSizes": zero("GETSIZES", bp,
				abi.Param{Name: "ccdxsize", Type: abi.I32, Dir: abi.ByRefOut},
				abi.Param{Name: "ccdysize", Type: abi.I32, Dir: abi.ByRefOut},
				abi.Param{Name: "actualxsize", Type: abi.I32, Dir: abi.ByRefOut},
				abi.Param{Name: "actualysize", Type: abi.I32, Dir: abi.ByRefOut},
				abi.Param{Name: "bit_pix", Type: abi.I32, Dir: abi.ByRefOut},
			),
			"AllocateBufferEx": zero("ALLOCATE_BUFFER_EX", bp,
				abi.Param{Name: "bufnr", Type: abi.I32, Dir: abi.ByRefInOut},
				abi.Param{Name: "size", Type: abi.I32, Dir: abi.ByValue},
				abi.Param{Name: "hPicEvent", Type: abi.Opaque, Dir: abi.ByRefInOut},
				abi.Param{Name: "linadr", Type: abi.Opaque, Dir: abi.ByRefOut},
			),
			"FreeBuffer": zero("FREE_BUFFER", bp,
				abi.Param{Name: "bufnr", Type: abi.I32, Dir: abi.ByValue},
			),
			"AddBufferToList": zero("ADD_BUFFER_TO_LIST", bp,
				abi.Param{Name: "bufnr", Type: abi.I32, Dir: abi.ByValue},
				abi.Param{Name: "size", Type: abi.I32, Dir: abi.ByValue},
				abi.Param{Name: "offset", Type: abi.I32, Dir: abi.ByValue},
				abi.Param{Name: "data", Type: abi.I32, Dir: abi.ByValue},
			),
			"RemoveAllBuffers": zero("REMOVE_ALL_BUFFER_FROM_LIST", bp),
			"GetBufferStatus": zero("GETBUFFER_STATUS", bp,
				abi.Param{Name: "bufnr", Type: abi.I32, Dir: abi.ByValue},
				abi.Param{Name: "mode", Type: abi.I32, Dir: abi.ByValue},
				abi.Param{Name: "stat", Type: abi.U32, Dir: abi.ByRefOut},
				abi.Param{Name: "len", Type: abi.I32, Dir: abi.ByValue},
			),
		},
		Errors: abi.ErrorTable{Conv: abi.ConvZeroOK, Messages: map[int64]string{
			-1:   "initialization failed, no camera connected",
			-2:   "timeout",
			-3:   "wrong parameter",
			-4:   "cannot locate PCI card or card driver",
			-9:   "invalid camera mode",
			-12:  "no driver installed",
			-101: "timeout in any function",
			-103: "wrong board number",
		}},
	})
}

// status word from GETBUFFER_STATUS mode 0: bit 1 set once the image
// transfer into the buffer has completed
const pfStatusDone = 0x0002

// legacy SETMODE defaults from the PixelFly manual
const (
	pfModeAsyncShutter = 0x10
	pfBitsPerPixel     = 12
)

// Board is one PixelFly camera on the legacy pccam interface.
type Board struct {
	// PollPeriod paces frame-completion polls; 10ms if zero
	PollPeriod time.Duration

	b    *bind.Binder
	sess *bind.Session

	bufNr   int32
	bufAddr uintptr

	width, height int
}

// OpenBoard initializes PixelFly board number n.
func OpenBoard(n int) (*Board, error) {
	fam, err := abi.LookupFamily("PixelFly")
	if err != nil {
		return nil, err
	}
	path, err := dynlib.Locate(fam.EnvVar, fam.LibNames)
	if err != nil {
		return nil, err
	}
	lib, err := dynlib.Open(path)
	if err != nil {
		return nil, err
	}
	b := bind.NewBinder(lib, fam)
	bd := &Board{b: b, sess: bind.NewSession(fam, lib), bufNr: -1}
	err = bd.sess.Open(func() (uintptr, error) {
		res, err := callRaw(b, "InitBoard", int32(n))
		if err != nil {
			return 0, err
		}
		return uintptr(res.Uint("hdriver")), nil
	})
	if err != nil {
		lib.Close()
		return nil, err
	}
	return bd, nil
}

func (bd *Board) call(name string, args ...interface{}) (*bind.Result, error) {
	var res *bind.Result
	err := bd.sess.Do(name, func(h uintptr) error {
		var err error
		res, err = callRaw(bd.b, name, append([]interface{}{h}, args...)...)
		return err
	})
	return res, err
}

// Close stops the camera, releases buffers, closes the board, and drops the
// library reference.  CLOSEBOARD takes the handle by reference, unlike every
// other entry point.
func (bd *Board) Close() error {
	return bd.sess.Close(func(h uintptr) error {
		callRaw(bd.b, "StopCamera", h)
		if bd.bufNr >= 0 {
			callRaw(bd.b, "RemoveAllBuffers", h)
			callRaw(bd.b, "FreeBuffer", h, bd.bufNr)
			bd.bufNr = -1
		}
		if _, err := callRaw(bd.b, "CloseBoard", h); err != nil {
			return err
		}
		return bd.b.Library().Close()
	})
}

// SetExposure programs async-shutter mode with the given exposure and
// binning, then refreshes the cached geometry.  Exposure resolution is
// milliseconds in this driver.
func (bd *Board) SetExposure(exptime time.Duration, hbin, vbin int) error {
	ms := int32(exptime / time.Millisecond)
	_, err := bd.call("SetMode", int32(pfModeAsyncShutter), int32(0), ms,
		int32(hbin), int32(vbin), int32(0), int32(0), int32(pfBitsPerPixel), int32(0))
	if err != nil {
		return err
	}
	res, err := bd.call("GetSizes")
	if err != nil {
		return err
	}
	bd.width = int(res.Int("actualxsize"))
	bd.height = int(res.Int("actualysize"))
	return nil
}

// Start puts the camera in run mode.
func (bd *Board) Start() error {
	_, err := bd.call("StartCamera")
	return err
}

// Stop halts the camera.
func (bd *Board) Stop() error {
	_, err := bd.call("StopCamera")
	return err
}

func (bd *Board) allocate() (int, error) {
	size := bd.width * bd.height * 2
	if size == 0 {
		return 0, fmt.Errorf("pco: board mode not set, frame geometry unknown")
	}
	if bd.bufNr >= 0 {
		return size, nil
	}
	res, err := bd.call("AllocateBufferEx", int32(-1), int32(size), uintptr(0))
	if err != nil {
		return 0, err
	}
	bd.bufNr = int32(res.Int("bufnr"))
	bd.bufAddr = uintptr(res.Uint("linadr"))
	if bd.bufAddr == 0 {
		return 0, fmt.Errorf("pco: driver returned a nil frame buffer")
	}
	return size, nil
}

// GetFrame triggers a single exposure and polls the buffer status until the
// transfer completes or ctx expires.  Cancellation takes effect between
// polls; the in-flight driver call is never interrupted.
func (bd *Board) GetFrame(ctx context.Context) ([]uint16, error) {
	size, err := bd.allocate()
	if err != nil {
		return nil, err
	}
	if _, err := bd.call("AddBufferToList", bd.bufNr, int32(size), int32(0), int32(0)); err != nil {
		return nil, err
	}
	if _, err := bd.call("Trigger"); err != nil {
		return nil, err
	}
	period := bd.PollPeriod
	if period == 0 {
		period = 10 * time.Millisecond
	}
	err = bind.Poll(ctx, period, 0, func() (bool, error) {
		res, err := bd.call("GetBufferStatus", bd.bufNr, int32(0), int32(4))
		if err != nil {
			return false, err
		}
		return res.Uint("stat")&pfStatusDone != 0, nil
	})
	if err != nil {
		bd.call("RemoveAllBuffers")
		return nil, err
	}
	src := unsafe.Slice((*uint16)(unsafe.Pointer(bd.bufAddr)), size/2)
	out := make([]uint16, size/2)
	copy(out, src)
	return out, nil
}

// Width returns the frame width in pixels after binning.
func (bd *Board) Width() int { return bd.width }

// Height returns the frame height in pixels after binning.
func (bd *Board) Height() int { return bd.height }
