// Package util contains misc internal utilities.
package util

import (
	"time"
)

// AllElementsNumbers returns true if every element of a string is a number,
// e.g. it is a bare quantity without a unit suffix
func AllElementsNumbers(s string) bool {
	for _, c := range s {
		if c != '.' && (c < '0' || c > '9') {
			return false
		}
	}
	return len(s) > 0
}

// GetBit returns the value of a given bit in an unsigned 32-bit status word
func GetBit(word uint32, bitIndex uint) bool {
	return word&(1<<bitIndex) != 0
}

// SecsToDuration converts a float number of seconds to a time.Duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}
