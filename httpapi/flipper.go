package httpapi

import (
	"net/http"

	"goji.io/pat"
)

// Flipper describes a two-position filter flipper.
type Flipper interface {
	// GetPosition returns the current position, 1 or 2, or 0 while moving
	GetPosition() (int, error)

	// MoveTo commands a move to position 1 or 2
	MoveTo(int) error

	// Flip toggles between the two positions
	Flip() error

	// Home drives the device to its home position
	Home() error

	// GetTransitTime returns the transit time in milliseconds
	GetTransitTime() (int, error)

	// SetTransitTime sets the transit time in milliseconds
	SetTransitTime(int) error
}

// FlipperHTTP wraps a Flipper in a route table.
type FlipperHTTP struct {
	F Flipper
}

// NewFlipperHTTP returns an HTTP wrapper around a flipper.
func NewFlipperHTTP(f Flipper) FlipperHTTP {
	return FlipperHTTP{F: f}
}

// RT yields the route table; satisfies HTTPer.
func (h FlipperHTTP) RT() RouteTable {
	return RouteTable{
		pat.Get("/pos"):           GetInt(h.F.GetPosition),
		pat.Post("/pos"):          SetInt(h.F.MoveTo),
		pat.Post("/flip"):         h.Flip,
		pat.Post("/home"):         h.Home,
		pat.Get("/transit-time"):  GetInt(h.F.GetTransitTime),
		pat.Post("/transit-time"): SetInt(h.F.SetTransitTime),
	}
}

// Flip toggles the flipper on a POST request.
func (h FlipperHTTP) Flip(w http.ResponseWriter, r *http.Request) {
	if err := h.F.Flip(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Home homes the flipper on a POST request.
func (h FlipperHTTP) Home(w http.ResponseWriter, r *http.Request) {
	if err := h.F.Home(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Stage describes a single-axis motion controller.
type Stage interface {
	// GetPos returns the position in device units
	GetPos() (int, error)

	// MoveAbs moves to an absolute position and waits for settling
	MoveAbs(int) error

	// Home homes the axis and waits for completion
	Home() error
}

// StageHTTP wraps a Stage in a route table.
type StageHTTP struct {
	S Stage
}

// NewStageHTTP returns an HTTP wrapper around a stage.
func NewStageHTTP(s Stage) StageHTTP {
	return StageHTTP{S: s}
}

// RT yields the route table; satisfies HTTPer.
func (h StageHTTP) RT() RouteTable {
	return RouteTable{
		pat.Get("/pos"):   GetInt(h.S.GetPos),
		pat.Post("/pos"):  SetInt(h.S.MoveAbs),
		pat.Post("/home"): h.Home,
	}
}

// Home homes the stage on a POST request.
func (h StageHTTP) Home(w http.ResponseWriter, r *http.Request) {
	if err := h.S.Home(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
