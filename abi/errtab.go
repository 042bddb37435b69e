package abi

import (
	"fmt"
	"sync"
)

// ErrorTable translates one family's raw integer return codes into errors.
// Every vendor invents its own convention (FT_OK=0, PV_OK=1, nonzero-is-true)
// so nothing here assumes zero means success.
type ErrorTable struct {
	// Conv is the family's default success convention
	Conv RetConv

	// Messages maps known codes to human-readable text, taken from the
	// vendor header or manual
	Messages map[int64]string

	mu sync.RWMutex
	// describe, when set, fetches the vendor's own error text for a code.
	// It is consulted lazily, only when an error is rendered, because the
	// vendor call (e.g. PCO_GetErrorText) is too slow for the hot path.
	describe func(code int64) (string, bool)
}

// SetDescriber installs a lazy vendor error-text fetcher, typically a bound
// GetErrorText-style function.  Safe to call after binding completes.
func (t *ErrorTable) SetDescriber(fn func(code int64) (string, bool)) {
	t.mu.Lock()
	t.describe = fn
	t.mu.Unlock()
}

// Message renders the text for a code: the lazy vendor describer first, then
// the static table, then a placeholder.  Unknown codes still render.
func (t *ErrorTable) Message(code int64) string {
	t.mu.RLock()
	describe := t.describe
	t.mu.RUnlock()
	if describe != nil {
		if s, ok := describe(code); ok {
			return s
		}
	}
	if s, ok := t.Messages[code]; ok {
		return s
	}
	return "UNKNOWN_ERROR_CODE"
}

// DriverError is a runtime failure reported by the vendor driver.  The
// message is fetched lazily when Error is first rendered.
type DriverError struct {
	Family string
	Code   int64

	table *ErrorTable
}

// Error satisfies the error interface.
func (e *DriverError) Error() string {
	if e.table == nil {
		return fmt.Sprintf("%s: driver error %d", e.Family, e.Code)
	}
	return fmt.Sprintf("%s: driver error %d - %s", e.Family, e.Code, e.table.Message(e.Code))
}

// Check maps a raw return value to nil or a DriverError per the convention.
// conv may be ConvFamily to use the family default.  For ConvOneOK and
// ConvBoolOK failures the raw value carries no code; callers that can fetch
// the real code (pl_error_code style) should do so and call Fail instead.
func (f *Family) Check(conv RetConv, raw int64) error {
	if conv == ConvFamily {
		conv = f.Errors.Conv
	}
	switch conv {
	case ConvZeroOK:
		if raw == 0 {
			return nil
		}
		return &DriverError{Family: f.Name, Code: raw, table: &f.Errors}
	case ConvOneOK:
		if raw == 1 {
			return nil
		}
		return &DriverError{Family: f.Name, Code: raw, table: &f.Errors}
	case ConvBoolOK:
		if raw != 0 {
			return nil
		}
		return &DriverError{Family: f.Name, Code: 0, table: &f.Errors}
	default:
		return nil
	}
}

// Fail constructs a DriverError for an explicitly fetched vendor code.
func (f *Family) Fail(code int64) error {
	return &DriverError{Family: f.Name, Code: code, table: &f.Errors}
}
