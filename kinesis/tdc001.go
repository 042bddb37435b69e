package kinesis

import (
	"context"
	"time"

	"github.com/mabuchilab/instrbind/bind"
	"github.com/mabuchilab/instrbind/util"
)

// TDC001 controls one Thorlabs T-Cube DC servo controller.  Positions are in
// encoder counts; unit conversion belongs to the stage configuration above
// this layer, not to the binding.
type TDC001 struct {
	// Serial is the 8-digit device serial number, leading digits 83
	Serial string

	// PollPeriod is the vendor-side status polling period
	PollPeriod time.Duration

	// SettleWindow is how close (in counts) to the target counts as
	// arrived when waiting on a move
	SettleWindow int32

	b    *bind.Binder
	sess *bind.Session
}

// NewTDC001 returns a controller for the given serial number.
func NewTDC001(serial string) (*TDC001, error) {
	b, err := openFamily("TDC001")
	if err != nil {
		return nil, err
	}
	return &TDC001{
		Serial:       serial,
		PollPeriod:   200 * time.Millisecond,
		SettleWindow: 4,
		b:            b,
		sess:         bind.NewSession(b.Family(), b.Library()),
	}, nil
}

// Open connects, loads settings, and starts the vendor polling thread.
func (t *TDC001) Open() error {
	return t.sess.Open(func() (uintptr, error) {
		if _, err := call(t.b, "Open", t.Serial); err != nil {
			return 0, err
		}
		call(t.b, "LoadSettings", t.Serial)
		ms := int32(t.PollPeriod / time.Millisecond)
		if _, err := call(t.b, "StartPolling", t.Serial, ms); err != nil {
			call(t.b, "Close", t.Serial)
			return 0, err
		}
		return 0, nil
	})
}

// Close stops polling and disconnects.
func (t *TDC001) Close() error {
	return t.sess.Close(func(uintptr) error {
		call(t.b, "StopPolling", t.Serial)
		_, err := call(t.b, "Close", t.Serial)
		if err != nil {
			return err
		}
		return t.b.Library().Close()
	})
}

// GetPosition returns the encoder position at the latest polling event.
func (t *TDC001) GetPosition() (int32, error) {
	var pos int32
	err := t.sess.Do("GetPosition", func(uintptr) error {
		if _, err := call(t.b, "RequestPosition", t.Serial); err != nil {
			return err
		}
		res, err := call(t.b, "GetPosition", t.Serial)
		if err != nil {
			return err
		}
		pos = int32(res.Code)
		return nil
	})
	return pos, err
}

// MoveTo commands an absolute move in encoder counts and returns immediately.
func (t *TDC001) MoveTo(counts int32) error {
	return t.sess.Do("MoveToPosition", func(uintptr) error {
		_, err := call(t.b, "MoveToPosition", t.Serial, counts)
		return err
	})
}

// MoveAndWait commands a move and polls until the encoder settles within
// SettleWindow of the target, the timeout passes, or ctx is cancelled.
func (t *TDC001) MoveAndWait(ctx context.Context, counts int32, timeout time.Duration) error {
	if err := t.MoveTo(counts); err != nil {
		return err
	}
	return bind.Poll(ctx, t.PollPeriod/2, timeout, func() (bool, error) {
		cur, err := t.GetPosition()
		if err != nil {
			return false, err
		}
		d := cur - counts
		if d < 0 {
			d = -d
		}
		return d <= t.SettleWindow, nil
	})
}

// Home homes the stage and returns immediately; poll StatusBits or use
// HomeAndWait to block.
func (t *TDC001) Home() error {
	return t.sess.Do("Home", func(uintptr) error {
		_, err := call(t.b, "Home", t.Serial)
		return err
	})
}

// statusHomedBit is the "homed" bit of the Kinesis status word.
const statusHomedBit = 10

// HomeAndWait homes and polls the status word until the homed bit sets.
func (t *TDC001) HomeAndWait(ctx context.Context, timeout time.Duration) error {
	if err := t.Home(); err != nil {
		return err
	}
	return bind.Poll(ctx, t.PollPeriod/2, timeout, func() (bool, error) {
		bits, err := t.StatusBits()
		if err != nil {
			return false, err
		}
		return util.GetBit(bits, statusHomedBit), nil
	})
}

// StatusBits requests and returns the raw device status word.
func (t *TDC001) StatusBits() (uint32, error) {
	var bits uint32
	err := t.sess.Do("GetStatusBits", func(uintptr) error {
		if _, err := call(t.b, "RequestStatusBits", t.Serial); err != nil {
			return err
		}
		res, err := call(t.b, "GetStatusBits", t.Serial)
		if err != nil {
			return err
		}
		bits = uint32(res.Code)
		return nil
	})
	return bits, err
}

// VelParams returns the acceleration and maximum velocity in device units.
func (t *TDC001) VelParams() (accel, maxVel int32, err error) {
	err = t.sess.Do("GetVelParams", func(uintptr) error {
		res, err := call(t.b, "GetVelParams", t.Serial)
		if err != nil {
			return err
		}
		accel = int32(res.Int("acceleration"))
		maxVel = int32(res.Int("maxVelocity"))
		return nil
	})
	return accel, maxVel, err
}

// SetVelParams sets the acceleration and maximum velocity in device units.
func (t *TDC001) SetVelParams(accel, maxVel int32) error {
	return t.sess.Do("SetVelParams", func(uintptr) error {
		_, err := call(t.b, "SetVelParams", t.Serial, accel, maxVel)
		return err
	})
}
