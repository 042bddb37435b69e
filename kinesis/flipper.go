package kinesis

import (
	"context"
	"fmt"
	"time"

	"github.com/mabuchilab/instrbind/bind"
)

// Position is one of the two filter flipper positions.  Zero is the moving /
// error state the device reports mid-transit.
type Position int

const (
	// Moving means the flipper is between positions
	Moving Position = 0

	// Position1 is the first filter position
	Position1 Position = 1

	// Position2 is the second filter position
	Position2 Position = 2
)

func (p Position) String() string {
	switch p {
	case Position1:
		return "1"
	case Position2:
		return "2"
	default:
		return "moving"
	}
}

// Flipper controls one Thorlabs MFF filter flipper through the Kinesis DLL.
// All calls on one Flipper serialize through its session; distinct flippers
// (distinct serials) run in parallel.
type Flipper struct {
	// Serial is the 8-digit device serial number, leading digits 37
	Serial string

	// PollPeriod is the vendor-side status polling period
	PollPeriod time.Duration

	b    *bind.Binder
	sess *bind.Session
}

// NewFlipper returns a flipper for the given serial number, loading the
// vendor DLL if this is the first Kinesis device in the process.
func NewFlipper(serial string) (*Flipper, error) {
	b, err := openFamily("FilterFlipper")
	if err != nil {
		return nil, err
	}
	return &Flipper{
		Serial:     serial,
		PollPeriod: 200 * time.Millisecond,
		b:          b,
		sess:       bind.NewSession(b.Family(), b.Library()),
	}, nil
}

// Open connects to the device, loads its settings, and starts the vendor's
// internal status polling thread.  On failure the flipper remains unopened
// and Open may be retried.
func (f *Flipper) Open() error {
	return f.sess.Open(func() (uintptr, error) {
		if _, err := call(f.b, "Open", f.Serial); err != nil {
			return 0, err
		}
		// settings load failure is not fatal to the connection
		call(f.b, "LoadSettings", f.Serial)
		ms := int32(f.PollPeriod / time.Millisecond)
		if _, err := call(f.b, "StartPolling", f.Serial, ms); err != nil {
			call(f.b, "Close", f.Serial)
			return 0, err
		}
		return 0, nil
	})
}

// Close stops polling and disconnects.  The session is finished afterwards;
// make a new Flipper to reconnect.
func (f *Flipper) Close() error {
	return f.sess.Close(func(uintptr) error {
		call(f.b, "StopPolling", f.Serial)
		_, err := call(f.b, "Close", f.Serial)
		if err != nil {
			return err
		}
		return f.b.Library().Close()
	})
}

// GetPosition returns the position at the most recent vendor polling event.
func (f *Flipper) GetPosition() (Position, error) {
	var pos Position
	err := f.sess.Do("GetPosition", func(uintptr) error {
		res, err := call(f.b, "GetPosition", f.Serial)
		if err != nil {
			return err
		}
		pos = Position(res.Code)
		return nil
	})
	return pos, err
}

// MoveTo commands a move to position 1 or 2 and returns immediately.
func (f *Flipper) MoveTo(pos Position) error {
	if pos != Position1 && pos != Position2 {
		return fmt.Errorf("kinesis: %v is not a commandable flipper position", pos)
	}
	return f.sess.Do("MoveToPosition", func(uintptr) error {
		_, err := call(f.b, "MoveToPosition", f.Serial, int32(pos))
		return err
	})
}

// MoveAndWait moves to the position and polls until the device reports it
// there.  ctx cancellation stops the polling between iterations; the vendor
// motion itself is never interrupted.
func (f *Flipper) MoveAndWait(ctx context.Context, pos Position, timeout time.Duration) error {
	if err := f.MoveTo(pos); err != nil {
		return err
	}
	return bind.Poll(ctx, f.PollPeriod/2, timeout, func() (bool, error) {
		cur, err := f.GetPosition()
		if err != nil {
			return false, err
		}
		return cur == pos, nil
	})
}

// Flip toggles between the two positions.  It fails if the flipper is
// mid-transit, since the destination would be ambiguous.
func (f *Flipper) Flip(ctx context.Context, timeout time.Duration) error {
	pos, err := f.GetPosition()
	if err != nil {
		return err
	}
	switch pos {
	case Position1:
		return f.MoveAndWait(ctx, Position2, timeout)
	case Position2:
		return f.MoveAndWait(ctx, Position1, timeout)
	default:
		return fmt.Errorf("kinesis: cannot flip while the flipper is moving")
	}
}

// Home drives the flipper to its home position and returns immediately.
func (f *Flipper) Home() error {
	return f.sess.Do("Home", func(uintptr) error {
		_, err := call(f.b, "Home", f.Serial)
		return err
	})
}

// GetTransitTime returns the configured transit time.
func (f *Flipper) GetTransitTime() (time.Duration, error) {
	var d time.Duration
	err := f.sess.Do("GetTransitTime", func(uintptr) error {
		res, err := call(f.b, "GetTransitTime", f.Serial)
		if err != nil {
			return err
		}
		d = time.Duration(res.Code) * time.Millisecond
		return nil
	})
	return d, err
}

// SetTransitTime sets the transit time, rounded to milliseconds.
func (f *Flipper) SetTransitTime(d time.Duration) error {
	return f.sess.Do("SetTransitTime", func(uintptr) error {
		_, err := call(f.b, "SetTransitTime", f.Serial, uint32(d/time.Millisecond))
		return err
	})
}

// NextMessage pops one entry from the device message queue; ok is false when
// the queue is empty.  The vendor posts to this queue from its polling
// thread; this binding only relays the pull side, it never registers a
// foreign callback.
func (f *Flipper) NextMessage() (msg DeviceMessage, ok bool, err error) {
	err = f.sess.Do("GetNextMessage", func(uintptr) error {
		res, qerr := call(f.b, "MessageQueueSize", f.Serial)
		if qerr != nil {
			return qerr
		}
		if res.Code == 0 {
			return nil
		}
		res, qerr = call(f.b, "GetNextMessage", f.Serial)
		if qerr != nil {
			return qerr
		}
		msg = DeviceMessage{
			Type: uint16(res.Uint("messageType")),
			ID:   uint16(res.Uint("messageID")),
			Data: uint32(res.Uint("messageData")),
		}
		ok = true
		return nil
	})
	return msg, ok, err
}

// Identify flashes the device's front panel LED.
func (f *Flipper) Identify() error {
	return f.sess.Do("Identify", func(uintptr) error {
		_, err := call(f.b, "Identify", f.Serial)
		return err
	})
}

// DeviceMessage is one entry from a Kinesis device message queue.
type DeviceMessage struct {
	Type uint16
	ID   uint16
	Data uint32
}
