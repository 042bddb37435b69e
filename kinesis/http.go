package kinesis

import (
	"context"
	"time"
)

// HTTPFlipper adapts a Flipper to the interface httpapi expects, hiding the
// context and timeout plumbing from HTTP clients.
type HTTPFlipper struct {
	F *Flipper

	// Timeout bounds each commanded motion; 30s if zero
	Timeout time.Duration
}

func (h HTTPFlipper) timeout() time.Duration {
	if h.Timeout == 0 {
		return 30 * time.Second
	}
	return h.Timeout
}

// GetPosition returns the position as an int, 0 while moving.
func (h HTTPFlipper) GetPosition() (int, error) {
	p, err := h.F.GetPosition()
	return int(p), err
}

// MoveTo moves to position 1 or 2 and waits for arrival.
func (h HTTPFlipper) MoveTo(pos int) error {
	return h.F.MoveAndWait(context.Background(), Position(pos), h.timeout())
}

// Flip toggles the flipper and waits for arrival.
func (h HTTPFlipper) Flip() error {
	return h.F.Flip(context.Background(), h.timeout())
}

// Home homes the flipper.
func (h HTTPFlipper) Home() error {
	return h.F.Home()
}

// GetTransitTime returns the transit time in milliseconds.
func (h HTTPFlipper) GetTransitTime() (int, error) {
	d, err := h.F.GetTransitTime()
	return int(d / time.Millisecond), err
}

// SetTransitTime sets the transit time in milliseconds.
func (h HTTPFlipper) SetTransitTime(ms int) error {
	return h.F.SetTransitTime(time.Duration(ms) * time.Millisecond)
}

// HTTPStage adapts a TDC001 to the interface httpapi expects.
type HTTPStage struct {
	S *TDC001

	// Timeout bounds each commanded motion; 30s if zero
	Timeout time.Duration
}

func (h HTTPStage) timeout() time.Duration {
	if h.Timeout == 0 {
		return 30 * time.Second
	}
	return h.Timeout
}

// GetPos returns the position in encoder counts.
func (h HTTPStage) GetPos() (int, error) {
	p, err := h.S.GetPosition()
	return int(p), err
}

// MoveAbs moves to an absolute position in encoder counts and waits for
// settling.
func (h HTTPStage) MoveAbs(counts int) error {
	return h.S.MoveAndWait(context.Background(), int32(counts), h.timeout())
}

// Home homes the axis and waits for completion.
func (h HTTPStage) Home() error {
	return h.S.HomeAndWait(context.Background(), h.timeout())
}
