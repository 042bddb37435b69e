// Package kinesis exposes control of Thorlabs motion controllers in Go via
// the Kinesis driver DLLs: the MFF filter flipper and the TDC001 T-Cube DC
// servo.  Descriptor tables mirror the vendor headers; the DLLs speak a
// flat C export ABI with per-device serial-number strings as handles.
package kinesis

import (
	"fmt"

	"github.com/mabuchilab/instrbind/abi"
	"github.com/mabuchilab/instrbind/bind"
	"github.com/mabuchilab/instrbind/dynlib"
)

const (
	// FilterFlipperType is the two-digit device type prefix of MFF serials
	FilterFlipperType = 37

	// TDC001Type is the two-digit device type prefix of TDC001 serials
	TDC001Type = 83

	// serialLen is the fixed buffer length for serial number strings; the
	// serials are 8 digits plus a terminator
	serialLen = 16

	// listBufLen is the buffer length for comma separated device lists
	listBufLen = 512
)

// ftMessages comes from the FT_Status enum and the Kinesis manual.  The same
// table serves every Kinesis DLL.
var ftMessages = map[int64]string{
	0:  "OK - no error",
	1:  "InvalidHandle - the FTDI functions have not been initialized",
	2:  "DeviceNotFound - the device could not be found",
	3:  "DeviceNotOpened - the device must be opened before it can be accessed",
	4:  "IOError - an I/O error has occurred in the FTDI chip",
	5:  "InsufficientResources - there are insufficient resources to run this application",
	6:  "InvalidParameter - an invalid parameter has been supplied to the device",
	7:  "DeviceNotPresent - the device is no longer present",
	8:  "IncorrectDevice - the device detected does not match that expected",
	32: "ALREADY_OPEN - attempt to open a device that was already open",
	33: "NO_RESPONSE - the device has stopped responding",
	34: "NOT_IMPLEMENTED - this function has not been implemented",
	35: "FAULT_REPORTED - the device has reported a fault",
	36: "INVALID_OPERATION - the function could not be completed at this time",
	37: "UNHOMED - the device cannot perform this function until it has been homed",
	38: "INVALID_POSITION - the function cannot be performed as it would result in an illegal position",
	39: "INVALID_VELOCITY_PARAMETER - an invalid velocity parameter was supplied",
	40: "DISCONNECTING - the function could not be completed because the device is disconnected",
	41: "FIRMWARE_BUG - the firmware has thrown an error",
	42: "INITIALIZATION_FAILURE - the device has failed to initialize",
	43: "INVALID_CHANNEL - an invalid channel address was supplied",
	44: "CANNOT_HOME_DEVICE - this device does not support homing",
	45: "TL_JOG_CONTINUOUS_MODE - an invalid jog mode was supplied for the jog function",
}

// tliStructs describes the device info structs shared by every Kinesis DLL.
// The header declares them under #pragma pack(1), so the offsets are exactly
// cumulative with no natural-alignment padding.
func tliStructs() map[string]abi.StructDescriptor {
	return map[string]abi.StructDescriptor{
		"TLI_DeviceInfo": {
			Name: "TLI_DeviceInfo",
			Size: 93,
			Fields: []abi.Field{
				{Name: "typeID", Type: abi.U32, Offset: 0},
				{Name: "description", Type: abi.Chars(65), Offset: 4},
				{Name: "serialNo", Type: abi.Chars(9), Offset: 69},
				{Name: "PID", Type: abi.U32, Offset: 78},
				{Name: "isKnownType", Type: abi.U8, Offset: 82},
				{Name: "motorType", Type: abi.EnumOf(4), Offset: 83},
				{Name: "isPiezoDevice", Type: abi.U8, Offset: 87},
				{Name: "isLaser", Type: abi.U8, Offset: 88},
				{Name: "isCustomType", Type: abi.U8, Offset: 89},
				{Name: "isRack", Type: abi.U8, Offset: 90},
				{Name: "maxChannels", Type: abi.I16, Offset: 91},
			},
		},
		"TLI_HardwareInformation": {
			Name: "TLI_HardwareInformation",
			Size: 84,
			Fields: []abi.Field{
				{Name: "serialNumber", Type: abi.U32, Offset: 0},
				{Name: "modelNumber", Type: abi.Chars(8), Offset: 4},
				{Name: "type", Type: abi.U16, Offset: 12},
				{Name: "numChannels", Type: abi.I16, Offset: 14},
				{Name: "notes", Type: abi.Chars(48), Offset: 16},
				{Name: "firmwareVersion", Type: abi.U32, Offset: 64},
				{Name: "hardwareVersion", Type: abi.U16, Offset: 68},
				{Name: "deviceDependantData", Type: abi.Chars(12), Offset: 70},
				{Name: "modificationState", Type: abi.U16, Offset: 82},
			},
		},
	}
}

// serialParam is the leading serial-number parameter every device call takes.
func serialParam() abi.Param {
	return abi.Param{Name: "serialNo", Type: abi.Chars(serialLen), Dir: abi.ByRefIn}
}

// deviceFuncs builds the function table for one Kinesis device DLL; prefix is
// FF or CC, the per-library symbol prefix.
func deviceFuncs(prefix string) map[string]abi.FunctionDescriptor {
	p := func(name string) string { return prefix + "_" + name }
	sp := serialParam()
	fd := map[string]abi.FunctionDescriptor{
		"BuildDeviceList": {
			Name: "TLI_BuildDeviceList",
			Ret:  abi.I16, Conv: abi.ConvZeroOK,
		},
		"GetDeviceListByTypeExt": {
			Name: "TLI_GetDeviceListByTypeExt",
			Params: []abi.Param{
				{Name: "receiveBuffer", Type: abi.Chars(listBufLen), Dir: abi.ByRefOut},
				{Name: "sizeOfBuffer", Type: abi.U32, Dir: abi.ByValue},
				{Name: "typeID", Type: abi.I32, Dir: abi.ByValue},
			},
			Ret: abi.I16, Conv: abi.ConvZeroOK,
		},
		"GetDeviceInfo": {
			Name: "TLI_GetDeviceInfo",
			Params: []abi.Param{
				sp,
				{Name: "info", Type: abi.PtrTo("TLI_DeviceInfo", 93), Dir: abi.ByRefOut},
			},
			// the header says short but the call follows the bool
			// convention: nonzero on success
			Ret: abi.I16, Conv: abi.ConvBoolOK,
		},
		"Open": {
			Name:   p("Open"),
			Params: []abi.Param{sp},
			Ret:    abi.I16, Conv: abi.ConvZeroOK,
		},
		"Close": {
			Name:   p("Close"),
			Params: []abi.Param{sp},
			Ret:    abi.None, Conv: abi.ConvNone,
		},
		"Identify": {
			Name:   p("Identify"),
			Params: []abi.Param{sp},
			Ret:    abi.None, Conv: abi.ConvNone,
		},
		"GetHardwareInfoBlock": {
			Name: p("GetHardwareInfoBlock"),
			Params: []abi.Param{
				sp,
				{Name: "hardwareInfo", Type: abi.PtrTo("TLI_HardwareInformation", 84), Dir: abi.ByRefOut},
			},
			Ret: abi.I16, Conv: abi.ConvZeroOK,
		},
		"LoadSettings": {
			Name:   p("LoadSettings"),
			Params: []abi.Param{sp},
			Ret:    abi.U8, Conv: abi.ConvBoolOK,
		},
		"Home": {
			Name:   p("Home"),
			Params: []abi.Param{sp},
			Ret:    abi.I16, Conv: abi.ConvZeroOK,
		},
		"MoveToPosition": {
			Name: p("MoveToPosition"),
			Params: []abi.Param{
				sp,
				{Name: "position", Type: abi.I32, Dir: abi.ByValue},
			},
			Ret: abi.I16, Conv: abi.ConvZeroOK,
		},
		"GetPosition": {
			Name:   p("GetPosition"),
			Params: []abi.Param{sp},
			Ret:    abi.I32, Conv: abi.ConvValue,
		},
		"RequestStatus": {
			Name:   p("RequestStatus"),
			Params: []abi.Param{sp},
			Ret:    abi.I16, Conv: abi.ConvZeroOK,
		},
		"GetStatusBits": {
			Name:   p("GetStatusBits"),
			Params: []abi.Param{sp},
			Ret:    abi.U32, Conv: abi.ConvValue,
		},
		"StartPolling": {
			Name: p("StartPolling"),
			Params: []abi.Param{
				sp,
				{Name: "milliseconds", Type: abi.I32, Dir: abi.ByValue},
			},
			Ret: abi.U8, Conv: abi.ConvBoolOK,
		},
		"StopPolling": {
			Name:   p("StopPolling"),
			Params: []abi.Param{sp},
			Ret:    abi.None, Conv: abi.ConvNone,
		},
		"ClearMessageQueue": {
			Name:   p("ClearMessageQueue"),
			Params: []abi.Param{sp},
			Ret:    abi.None, Conv: abi.ConvNone,
		},
		"MessageQueueSize": {
			Name:   p("MessageQueueSize"),
			Params: []abi.Param{sp},
			Ret:    abi.I32, Conv: abi.ConvValue,
		},
		"GetNextMessage": {
			Name: p("GetNextMessage"),
			Params: []abi.Param{
				sp,
				{Name: "messageType", Type: abi.U16, Dir: abi.ByRefOut},
				{Name: "messageID", Type: abi.U16, Dir: abi.ByRefOut},
				{Name: "messageData", Type: abi.U32, Dir: abi.ByRefOut},
			},
			Ret: abi.U8, Conv: abi.ConvBoolOK,
		},
		"WaitForMessage": {
			Name: p("WaitForMessage"),
			Params: []abi.Param{
				sp,
				{Name: "messageType", Type: abi.U16, Dir: abi.ByRefOut},
				{Name: "messageID", Type: abi.U16, Dir: abi.ByRefOut},
				{Name: "messageData", Type: abi.U32, Dir: abi.ByRefOut},
			},
			Ret: abi.U8, Conv: abi.ConvBoolOK,
		},
	}
	return fd
}

func init() {
	ffFuncs := deviceFuncs("FF")
	ffFuncs["GetTransitTime"] = abi.FunctionDescriptor{
		Name:   "FF_GetTransitTime",
		Params: []abi.Param{serialParam()},
		Ret:    abi.U32, Conv: abi.ConvValue,
	}
	ffFuncs["SetTransitTime"] = abi.FunctionDescriptor{
		Name: "FF_SetTransitTime",
		Params: []abi.Param{
			serialParam(),
			{Name: "transitTime", Type: abi.U32, Dir: abi.ByValue},
		},
		Ret: abi.I16, Conv: abi.ConvZeroOK,
	}
	abi.Register(abi.HostPlatform, &abi.Family{
		Name:   "FilterFlipper",
		EnvVar: "THORLABS_FF_DLL",
		LibNames: map[string]string{
			"windows": "Thorlabs.MotionControl.FilterFlipper.dll",
			"linux":   "libThorlabs.MotionControl.FilterFlipper.so",
		},
		Structs: tliStructs(),
		Funcs:   ffFuncs,
		Errors:  abi.ErrorTable{Conv: abi.ConvZeroOK, Messages: ftMessages},
	})

	ccFuncs := deviceFuncs("CC")
	ccFuncs["RequestPosition"] = abi.FunctionDescriptor{
		Name:   "CC_RequestPosition",
		Params: []abi.Param{serialParam()},
		Ret:    abi.I16, Conv: abi.ConvZeroOK,
	}
	ccFuncs["RequestStatusBits"] = abi.FunctionDescriptor{
		Name:   "CC_RequestStatusBits",
		Params: []abi.Param{serialParam()},
		Ret:    abi.I16, Conv: abi.ConvZeroOK,
	}
	ccFuncs["GetVelParams"] = abi.FunctionDescriptor{
		Name: "CC_GetVelParams",
		Params: []abi.Param{
			serialParam(),
			{Name: "acceleration", Type: abi.I32, Dir: abi.ByRefOut},
			{Name: "maxVelocity", Type: abi.I32, Dir: abi.ByRefOut},
		},
		Ret: abi.I16, Conv: abi.ConvZeroOK,
	}
	ccFuncs["SetVelParams"] = abi.FunctionDescriptor{
		Name: "CC_SetVelParams",
		Params: []abi.Param{
			serialParam(),
			{Name: "acceleration", Type: abi.I32, Dir: abi.ByValue},
			{Name: "maxVelocity", Type: abi.I32, Dir: abi.ByValue},
		},
		Ret: abi.I16, Conv: abi.ConvZeroOK,
	}
	abi.Register(abi.HostPlatform, &abi.Family{
		Name:   "TDC001",
		EnvVar: "THORLABS_TDC_DLL",
		LibNames: map[string]string{
			"windows": "Thorlabs.MotionControl.TCube.DCServo.dll",
			"linux":   "libThorlabs.MotionControl.TCube.DCServo.so",
		},
		Structs: tliStructs(),
		Funcs:   ccFuncs,
		Errors:  abi.ErrorTable{Conv: abi.ConvZeroOK, Messages: ftMessages},
	})
}

// openFamily loads the family's DLL and returns a binder over it.
func openFamily(name string) (*bind.Binder, error) {
	fam, err := abi.LookupFamily(name)
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
	return bind.NewBinder(lib, fam), nil
}

// DeviceList builds the vendor's device list and returns the serial numbers
// of connected devices of the given type, e.g. FilterFlipperType.  The USB
// scan itself happens inside the vendor runtime.
func DeviceList(b *bind.Binder, typeID int) ([]string, error) {
	if _, err := call(b, "BuildDeviceList"); err != nil {
		return nil, err
	}
	res, err := call(b, "GetDeviceListByTypeExt", uint32(listBufLen), int32(typeID))
	if err != nil {
		return nil, err
	}
	return splitSerials(res.Str("receiveBuffer"), typeID), nil
}

// Discover loads the named family's DLL, scans for connected devices of the
// given type, and releases the library again.
func Discover(family string, typeID int) ([]string, error) {
	b, err := openFamily(family)
	if err != nil {
		return nil, err
	}
	defer b.Library().Close()
	return DeviceList(b, typeID)
}

// splitSerials splits the vendor's comma separated list, dropping entries of
// other device types.
func splitSerials(list string, typeID int) []string {
	prefix := fmt.Sprintf("%d", typeID)
	var out []string
	start := 0
	for i := 0; i <= len(list); i++ {
		if i == len(list) || list[i] == ',' {
			s := list[start:i]
			start = i + 1
			if len(s) == 8 && s[:2] == prefix {
				out = append(out, s)
			}
		}
	}
	return out
}

// call binds by name and invokes in one step; device adapters use it for
// library-level calls that need no session.
func call(b *bind.Binder, name string, args ...interface{}) (*bind.Result, error) {
	bf, err := b.Bind(name)
	if err != nil {
		return nil, err
	}
	return bf.Call(args...)
}
