package bind

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mabuchilab/instrbind/abi"
	"github.com/mabuchilab/instrbind/dynlib"
	"github.com/mabuchilab/instrbind/marshal"
)

// State is the lifecycle state of a Session.
type State int

const (
	// Unopened is the initial state, before the vendor open call
	Unopened State = iota

	// Opening covers the duration of the vendor open call
	Opening

	// Opened is the only state in which ordinary calls are dispatched
	Opened

	// Closing covers the duration of the vendor close call
	Closing

	// Closed is terminal; a session is not reused after close
	Closed
)

var stateNames = map[State]string{
	Unopened: "unopened",
	Opening:  "opening",
	Opened:   "opened",
	Closing:  "closing",
	Closed:   "closed",
}

func (s State) String() string { return stateNames[s] }

// Session owns at most one open device handle and serializes every native
// call against it.  Vendor drivers document no thread-safety guarantee, so
// two goroutines calling the same device block on the session lock rather
// than racing inside vendor code.  Distinct sessions run fully in parallel.
type Session struct {
	mu    sync.Mutex
	state State

	fam *abi.Family
	lib *dynlib.Library

	handle uintptr
}

// NewSession returns an Unopened session for one device of the family.
func NewSession(fam *abi.Family, lib *dynlib.Library) *Session {
	return &Session{fam: fam, lib: lib}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// invalidState is the rejection for a call attempted outside Opened; it is
// raised before anything reaches the native boundary.
func invalidState(op string, st State) error {
	return &marshal.Error{Kind: marshal.InvalidState, What: fmt.Sprintf("%s in state %s", op, st)}
}

// Open runs the adapter's vendor open under the session lock.  open returns
// the device handle to own.  On failure the session returns to Unopened so
// the caller may retry.
func (s *Session) Open(open func() (uintptr, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Unopened {
		return invalidState("open", s.state)
	}
	s.state = Opening
	h, err := open()
	if err != nil {
		s.state = Unopened
		return err
	}
	s.handle = h
	s.state = Opened
	return nil
}

// Do runs one guarded call against the open device.  The handle never leaves
// this boundary; adapters receive it only for the duration of the callback,
// under the exclusive lock.  If the owning library was invalidated the
// session is forced to Closed and a stale link error is returned.
func (s *Session) Do(op string, fn func(handle uintptr) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lib != nil && s.lib.Stale() {
		s.state = Closed
		return &dynlib.LinkError{Kind: dynlib.Stale, Path: s.lib.Path()}
	}
	if s.state != Opened {
		return invalidState(op, s.state)
	}
	return fn(s.handle)
}

// Close runs the vendor close under the lock and retires the session.  The
// session ends Closed even when the vendor close fails; the error is
// reported, not swallowed.
func (s *Session) Close(closeFn func(handle uintptr) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Closed:
		return nil
	case Opened:
	default:
		return invalidState("close", s.state)
	}
	s.state = Closing
	err := closeFn(s.handle)
	s.state = Closed
	s.handle = 0
	return err
}

// LeakCheck reports a resource leak if the session still owns an open device.
// Adapters call it when a session is discarded without a matching close.
func (s *Session) LeakCheck() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Opened || s.state == Opening {
		return fmt.Errorf("bind: session on %s dropped with device still open", s.fam.Name)
	}
	return nil
}

// Poll calls fn at the given interval until it reports done, the context is
// cancelled, or the deadline passes.  Cancellation only stops the polling —
// it never aborts a vendor call in flight, because the ABI has no safe
// preemption primitive.  A zero timeout polls until done or cancellation.
func Poll(ctx context.Context, interval, timeout time.Duration, fn func() (bool, error)) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	lim := rate.NewLimiter(rate.Every(interval), 1)
	for {
		done, err := fn()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
}
