// Package tsi exposes control of Thorlabs Scientific Imaging cameras in Go.
// The TSI SDK is a C++ library with only three flat exports; everything else
// is reached through the SDK and camera objects' vtables, so every method
// descriptor here pins an explicit slot index.  Slot layout is tied to the
// SDK release reported by get_version_str and loading fails closed on a
// release we have not verified.
package tsi

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unsafe"

	"github.com/mabuchilab/instrbind/abi"
	"github.com/mabuchilab/instrbind/bind"
	"github.com/mabuchilab/instrbind/dynlib"
)

// TSI_PARAM_ID values used here
const (
	paramExposureTime    = 11
	paramROIBin          = 15
	paramFrameCount      = 16
	paramHWSerialNum     = 6
	paramAcquisitionMode = 39
	paramExposureUnit    = 10
)

// acquisition modes
const (
	modeAllocate = 0
	modeStream   = 1
)

// tsiErrorNames mirrors TSI_ERROR_CODE.
var tsiErrorNames = map[int64]string{
	0:  "TSI_NO_ERROR",
	1:  "TSI_ERROR_UNKNOWN",
	2:  "TSI_ERROR_UNSUPPORTED",
	3:  "TSI_ERROR_PARAMETER_UNSUPPORTED",
	4:  "TSI_ERROR_ATTRIBUTE_UNSUPPORTED",
	5:  "TSI_ERROR_INVALID_ROI",
	6:  "TSI_ERROR_INVALID_BINNING",
	7:  "TSI_ERROR_INVALID_PARAMETER",
	8:  "TSI_ERROR_INVALID_PARAMETER_SIZE",
	9:  "TSI_ERROR_PARAMETER_UNDERFLOW",
	10: "TSI_ERROR_PARAMETER_OVERFLOW",
	11: "TSI_ERROR_CAMERA_COMM_FAILURE",
	12: "TSI_ERROR_CAMERA_INVALID_DATA",
	13: "TSI_ERROR_NULL_POINTER_SUPPLIED",
	14: "TSI_ERROR_CAMERA_INVALID_DATA_SIZE_OR_TYPE",
	15: "TSI_ERROR_IMAGE_BUFFER_OVERFLOW",
	16: "TSI_ERROR_INVALID_NUMBER_OF_IMAGE_BUFFERS",
	17: "TSI_ERROR_IMAGE_BUFFER_ALLOCATION_FAILURE",
	18: "TSI_ERROR_TOO_MANY_IMAGE_BUFFERS",
	19: "TSI_ERROR_INVALID_BINNING_SELECTION",
}

// slot builds one vtable-method descriptor.
func slot(name string, n int, conv abi.RetConv, ret abi.Type, params ...abi.Param) abi.FunctionDescriptor {
	return abi.FunctionDescriptor{
		Name:     name,
		Strategy: abi.VTableSlot,
		Slot:     n,
		Params:   params,
		Ret:      ret,
		Conv:     conv,
	}
}

func camNumParam() abi.Param {
	return abi.Param{Name: "camera_number", Type: abi.I32, Dir: abi.ByValue}
}

func tsiImageStruct() abi.StructDescriptor {
	// TsiImage leads with a vtable pointer, so field offsets depend on the
	// word size; the pixel-data union is pointer aligned
	p := abi.PtrSize
	u32 := func(name string, off int) abi.Field {
		return abi.Field{Name: name, Type: abi.U32, Offset: off}
	}
	fixed := p + 14*4
	pixOff := (fixed + p - 1) / p * p
	return abi.StructDescriptor{
		Name: "TsiImage",
		Size: pixOff + p,
		Fields: []abi.Field{
			{Name: "vtbl_ptr", Type: abi.Opaque, Offset: 0},
			u32("m_Width", p),
			u32("m_Height", p+4),
			u32("m_BitsPerPixel", p+8),
			u32("m_BytesPerPixel", p+12),
			u32("m_SizeInPixels", p+16),
			u32("m_SizeInBytes", p+20),
			u32("m_XBin", p+24),
			u32("m_VBin", p+28),
			u32("m_ROI0", p+32),
			u32("m_ROI1", p+36),
			u32("m_ROI2", p+40),
			u32("m_ROI3", p+44),
			u32("m_ExposureTime_ms", p+48),
			u32("m_FrameNumber", p+52),
			{Name: "m_PixelData", Type: abi.Opaque, Offset: pixOff},
		},
	}
}

func init() {
	cn := camNumParam()
	abi.Register(abi.HostPlatform, &abi.Family{
		Name:   "TSI",
		EnvVar: "TSI_SDK_DLL",
		LibNames: map[string]string{
			"windows": "tsi_sdk.dll",
			"linux":   "libtsi_sdk.so",
		},
		Structs: map[string]abi.StructDescriptor{
			"TsiImage": tsiImageStruct(),
			"TSI_ROI_BIN": {
				Name: "TSI_ROI_BIN",
				Size: 24,
				Fields: []abi.Field{
					{Name: "XOrigin", Type: abi.U32, Offset: 0},
					{Name: "YOrigin", Type: abi.U32, Offset: 4},
					{Name: "XPixels", Type: abi.U32, Offset: 8},
					{Name: "YPixels", Type: abi.U32, Offset: 12},
					{Name: "XBin", Type: abi.U32, Offset: 16},
					{Name: "YBin", Type: abi.U32, Offset: 20},
				},
			},
		},
		Funcs: map[string]abi.FunctionDescriptor{
			// flat exports
			"CreateSDK":  {Name: "tsi_create_sdk", Ret: abi.Opaque, Conv: abi.ConvValue},
			"DestroySDK": {Name: "tsi_destroy_sdk", Params: []abi.Param{{Name: "sdk", Type: abi.Opaque, Dir: abi.ByValue}}, Ret: abi.None, Conv: abi.ConvNone},
			"VersionStr": {Name: "get_version_str", Ret: abi.Opaque, Conv: abi.ConvValue},

			// TsiSDK vtable
			"SDKOpen":            slot("TsiSDK::Open", 0, abi.ConvBoolOK, abi.U8),
			"SDKClose":           slot("TsiSDK::Close", 1, abi.ConvBoolOK, abi.U8),
			"GetNumberOfCameras": slot("TsiSDK::GetNumberOfCameras", 2, abi.ConvValue, abi.I32),
			"GetCamera":          slot("TsiSDK::GetCamera", 3, abi.ConvValue, abi.Opaque, cn),
			"GetCameraInterface": slot("TsiSDK::GetCameraInterfaceTypeStr", 4, abi.ConvValue, abi.Opaque, cn),
			"GetCameraNameStr":   slot("TsiSDK::GetCameraName", 6, abi.ConvValue, abi.Opaque, cn),
			"GetCameraSerialStr": slot("TsiSDK::GetCameraSerialNumStr", 7, abi.ConvValue, abi.Opaque, cn),
			"SDKGetErrorCode":    slot("TsiSDK::GetErrorCode", 10, abi.ConvValue, abi.I32),

			// TsiCamera vtable
			"CamOpen":   slot("TsiCamera::Open", 0, abi.ConvBoolOK, abi.U8),
			"CamClose":  slot("TsiCamera::Close", 1, abi.ConvBoolOK, abi.U8),
			"CamStatus": slot("TsiCamera::Status", 2, abi.ConvBoolOK, abi.U8,
				abi.Param{Name: "status", Type: abi.U32, Dir: abi.ByRefOut},
			),
			"CamName": slot("TsiCamera::GetCameraName", 3, abi.ConvValue, abi.Opaque),
			"GetParameter": slot("TsiCamera::GetParameter", 6, abi.ConvBoolOK, abi.U8,
				abi.Param{Name: "param_id", Type: abi.U32, Dir: abi.ByValue},
				abi.Param{Name: "length", Type: abi.Opaque, Dir: abi.ByValue},
				abi.Param{Name: "data", Type: abi.U32, Dir: abi.ByRefOut},
			),
			"SetParameter": slot("TsiCamera::SetParameter", 9, abi.ConvBoolOK, abi.U8,
				abi.Param{Name: "param_id", Type: abi.U32, Dir: abi.ByValue},
				abi.Param{Name: "data", Type: abi.U32, Dir: abi.ByRefIn},
			),
			"SetROI": slot("TsiCamera::SetParameter", 9, abi.ConvBoolOK, abi.U8,
				abi.Param{Name: "param_id", Type: abi.U32, Dir: abi.ByValue},
				abi.Param{Name: "data", Type: abi.PtrTo("TSI_ROI_BIN", 24), Dir: abi.ByRefIn},
			),
			"GetPendingImage":      slot("TsiCamera::GetPendingImage", 11, abi.ConvValue, abi.Opaque),
			"FreeAllPendingImages": slot("TsiCamera::FreeAllPendingImages", 13, abi.ConvBoolOK, abi.U8),
			"FreeImage": slot("TsiCamera::FreeImage", 14, abi.ConvBoolOK, abi.U8,
				abi.Param{Name: "image", Type: abi.Opaque, Dir: abi.ByValue},
			),
			"CamStart": slot("TsiCamera::Start", 16, abi.ConvBoolOK, abi.U8),
			"CamStop":  slot("TsiCamera::Stop", 17, abi.ConvBoolOK, abi.U8),
			"CamGetErrorCode": slot("TsiCamera::GetErrorCode", 24, abi.ConvValue, abi.I32),
			"SWTrigger":       slot("TsiCamera::SWTrigger", 35, abi.ConvBoolOK, abi.U8),
		},
		Errors: abi.ErrorTable{Conv: abi.ConvBoolOK, Messages: tsiErrorNames},
	})
}

// supportedVersions pins the SDK releases whose vtable layouts match the
// slot indices above.  Anything else refuses to load.
var supportedVersions = []string{"1.", "2."}

// goString reads a NUL-terminated C string returned by the SDK.  The SDK
// owns the memory; the bytes are copied out immediately.
func goString(addr uintptr) string {
	if addr == 0 {
		return ""
	}
	var n int
	for {
		if *(*byte)(unsafe.Pointer(addr + uintptr(n))) == 0 {
			break
		}
		n++
	}
	return string(unsafe.Slice((*byte)(unsafe.Pointer(addr)), n))
}

// SDK is one instance of the TSI SDK object.
type SDK struct {
	b   *bind.Binder
	obj uintptr
}

// OpenSDK loads the library, verifies the release, and creates and opens an
// SDK object.
func OpenSDK() (*SDK, error) {
	fam, err := abi.LookupFamily("TSI")
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

	ver, err := versionOf(b)
	if err != nil {
		lib.Close()
		return nil, err
	}
	if !versionSupported(ver) {
		lib.Close()
		return nil, &dynlib.LinkError{
			Kind: dynlib.UnsupportedVersion,
			Path: lib.Path(),
			Err:  fmt.Errorf("tsi: SDK release %q has an unverified vtable layout", ver),
		}
	}

	res, err := flat(b, "CreateSDK")
	if err != nil {
		lib.Close()
		return nil, err
	}
	obj := uintptr(res.Code)
	if obj == 0 {
		lib.Close()
		return nil, fmt.Errorf("tsi: tsi_create_sdk returned nil")
	}
	s := &SDK{b: b, obj: obj}
	if err := s.checkedMethod(obj, "SDKOpen", "SDKGetErrorCode"); err != nil {
		flatDestroy(b, obj)
		lib.Close()
		return nil, err
	}
	return s, nil
}

func versionOf(b *bind.Binder) (string, error) {
	res, err := flat(b, "VersionStr")
	if err != nil {
		return "", err
	}
	return goString(uintptr(res.Code)), nil
}

func versionSupported(v string) bool {
	for _, p := range supportedVersions {
		if strings.HasPrefix(v, p) {
			return true
		}
	}
	return false
}

func flat(b *bind.Binder, name string, args ...interface{}) (*bind.Result, error) {
	bf, err := b.Bind(name)
	if err != nil {
		return nil, err
	}
	return bf.Call(args...)
}

func flatDestroy(b *bind.Binder, obj uintptr) {
	if bf, err := b.Bind("DestroySDK"); err == nil {
		bf.Call(obj)
	}
}

// method dispatches one vtable call on object with no error-code recovery.
func (s *SDK) method(obj uintptr, name string, args ...interface{}) (*bind.Result, error) {
	bf, err := s.b.BindSlot(name, obj)
	if err != nil {
		return nil, err
	}
	return bf.Call(args...)
}

// checkedMethod dispatches a bool-returning vtable call and, on failure,
// swaps the codeless boolean error for the object's own GetErrorCode.
func (s *SDK) checkedMethod(obj uintptr, name, errName string, args ...interface{}) error {
	_, err := s.method(obj, name, args...)
	if err == nil {
		return nil
	}
	if bf, berr := s.b.BindSlot(errName, obj); berr == nil {
		if r, cerr := bf.Call(); cerr == nil && r.Code != 0 {
			return s.b.Family().Fail(r.Code)
		}
	}
	return err
}

// Close shuts the SDK object down and unloads the library.
func (s *SDK) Close() error {
	err := s.checkedMethod(s.obj, "SDKClose", "SDKGetErrorCode")
	flatDestroy(s.b, s.obj)
	s.obj = 0
	if cerr := s.b.Library().Close(); err == nil {
		err = cerr
	}
	return err
}

// Version reports the SDK release string.
func (s *SDK) Version() (string, error) {
	return versionOf(s.b)
}

// CameraInfo describes one attached camera.
type CameraInfo struct {
	Number    int
	Name      string
	Serial    string
	Interface string
}

// Cameras enumerates the cameras the SDK can see.
func (s *SDK) Cameras() ([]CameraInfo, error) {
	res, err := s.method(s.obj, "GetNumberOfCameras")
	if err != nil {
		return nil, err
	}
	n := int(res.Code)
	infos := make([]CameraInfo, 0, n)
	for i := 0; i < n; i++ {
		ci := CameraInfo{Number: i}
		if r, err := s.method(s.obj, "GetCameraNameStr", int32(i)); err == nil {
			ci.Name = goString(uintptr(r.Code))
		}
		if r, err := s.method(s.obj, "GetCameraSerialStr", int32(i)); err == nil {
			ci.Serial = goString(uintptr(r.Code))
		}
		if r, err := s.method(s.obj, "GetCameraInterface", int32(i)); err == nil {
			ci.Interface = goString(uintptr(r.Code))
		}
		infos = append(infos, ci)
	}
	return infos, nil
}

// Camera is one open TSI camera object.
type Camera struct {
	// PollPeriod paces pending-image polls; 10ms if zero
	PollPeriod time.Duration

	sdk  *SDK
	sess *bind.Session
}

// OpenCamera opens camera n through the SDK object.
func (s *SDK) OpenCamera(n int) (*Camera, error) {
	fam := s.b.Family()
	c := &Camera{sdk: s, sess: bind.NewSession(fam, s.b.Library())}
	err := c.sess.Open(func() (uintptr, error) {
		res, err := s.method(s.obj, "GetCamera", int32(n))
		if err != nil {
			return 0, err
		}
		obj := uintptr(res.Code)
		if obj == 0 {
			return 0, fmt.Errorf("tsi: no camera at index %d", n)
		}
		if err := s.checkedMethod(obj, "CamOpen", "CamGetErrorCode"); err != nil {
			return 0, err
		}
		return obj, nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Camera) checked(name string, args ...interface{}) error {
	return c.sess.Do(name, func(obj uintptr) error {
		return c.sdk.checkedMethod(obj, name, "CamGetErrorCode", args...)
	})
}

// Close closes the camera object.  The SDK object stays open.
func (c *Camera) Close() error {
	return c.sess.Close(func(obj uintptr) error {
		return c.sdk.checkedMethod(obj, "CamClose", "CamGetErrorCode")
	})
}

// Name reports the camera's name string.
func (c *Camera) Name() (string, error) {
	var out string
	err := c.sess.Do("CamName", func(obj uintptr) error {
		res, err := c.sdk.method(obj, "CamName")
		if err != nil {
			return err
		}
		out = goString(uintptr(res.Code))
		return nil
	})
	return out, err
}

// SetExposure programs the exposure time, in the camera's milliseconds unit.
func (c *Camera) SetExposure(d time.Duration) error {
	return c.checked("SetParameter", uint32(paramExposureTime), uint32(d/time.Millisecond))
}

// ROI selects the readout region and binning.
type ROI struct {
	XOrigin, YOrigin uint32
	XPixels, YPixels uint32
	XBin, YBin       uint32
}

// SetROI programs the readout region.
func (c *Camera) SetROI(r ROI) error {
	m := map[string]interface{}{
		"XOrigin": r.XOrigin, "YOrigin": r.YOrigin,
		"XPixels": r.XPixels, "YPixels": r.YPixels,
		"XBin": r.XBin, "YBin": r.YBin,
	}
	return c.checked("SetROI", uint32(paramROIBin), m)
}

// GetFrame runs one software-triggered exposure and returns the pixels.
// Cancellation takes effect between pending-image polls.
func (c *Camera) GetFrame(ctx context.Context) ([]uint16, int, int, error) {
	if err := c.checked("SetParameter", uint32(paramFrameCount), uint32(1)); err != nil {
		return nil, 0, 0, err
	}
	if err := c.checked("CamStart"); err != nil {
		return nil, 0, 0, err
	}
	period := c.PollPeriod
	if period == 0 {
		period = 10 * time.Millisecond
	}
	var img uintptr
	err := bind.Poll(ctx, period, 0, func() (bool, error) {
		derr := c.sess.Do("GetPendingImage", func(obj uintptr) error {
			res, err := c.sdk.method(obj, "GetPendingImage")
			if err != nil {
				return err
			}
			img = uintptr(res.Code)
			return nil
		})
		if derr != nil {
			return false, derr
		}
		return img != 0, nil
	})
	if err != nil {
		c.checked("CamStop")
		return nil, 0, 0, err
	}
	defer func() {
		c.checked("FreeImage", img)
		c.checked("CamStop")
	}()

	width, height, pix, perr := decodeImage(c.sdk.b.Family(), img)
	if perr != nil {
		return nil, 0, 0, perr
	}
	return pix, width, height, nil
}

// decodeImage copies the pixel payload out of an SDK-owned TsiImage.
func decodeImage(fam *abi.Family, img uintptr) (int, int, []uint16, error) {
	sd, ok := fam.Structs["TsiImage"]
	if !ok {
		return 0, 0, nil, fmt.Errorf("tsi: TsiImage descriptor missing")
	}
	raw := unsafe.Slice((*byte)(unsafe.Pointer(img)), sd.Size)
	width := leU32(raw, &sd, "m_Width")
	height := leU32(raw, &sd, "m_Height")
	nbytes := leU32(raw, &sd, "m_SizeInBytes")
	pf, _ := sd.Field("m_PixelData")
	var data uintptr
	for i := 0; i < pf.Type.Size; i++ {
		data |= uintptr(raw[pf.Offset+i]) << (8 * i)
	}
	if data == 0 || nbytes == 0 || nbytes%2 != 0 {
		return 0, 0, nil, fmt.Errorf("tsi: image carries no 16-bit pixel data")
	}
	src := unsafe.Slice((*uint16)(unsafe.Pointer(data)), nbytes/2)
	out := make([]uint16, nbytes/2)
	copy(out, src)
	return int(width), int(height), out, nil
}

func leU32(raw []byte, sd *abi.StructDescriptor, name string) uint32 {
	f, _ := sd.Field(name)
	return uint32(raw[f.Offset]) | uint32(raw[f.Offset+1])<<8 |
		uint32(raw[f.Offset+2])<<16 | uint32(raw[f.Offset+3])<<24
}
