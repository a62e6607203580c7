// Package sizing provides safe size arithmetic and conversions to prevent overflow.
package sizing

import (
	"errors"
	"io"
	"math"
)

// ErrOverflow is returned when a size computation overflows.
var ErrOverflow = errors.New("sizing: overflow")

// ErrOutOfRange is returned when a byte window does not fit inside its source.
var ErrOutOfRange = errors.New("sizing: window out of range")

// ToInt converts a uint64 to int, returning overflowErr if it doesn't fit.
func ToInt(size uint64, overflowErr error) (int, error) {
	if size > uint64(math.MaxInt) {
		return 0, overflowErr
	}
	return int(size), nil
}

// ToInt64 converts a uint64 to int64, returning overflowErr if it doesn't fit.
func ToInt64(size uint64, overflowErr error) (int64, error) {
	if size > uint64(math.MaxInt64) {
		return 0, overflowErr
	}
	return int64(size), nil
}

// AddUint64 adds two uint64 values, returning (result, false) on overflow.
func AddUint64(a, b uint64) (uint64, bool) {
	sum := a + b
	if sum < a {
		return 0, false
	}
	return sum, true
}

// CheckWindow reports whether [start, start+length) lies within [0, size).
func CheckWindow(start, length, size uint64) error {
	end, ok := AddUint64(start, length)
	if !ok {
		return ErrOverflow
	}
	if end > size {
		return ErrOutOfRange
	}
	return nil
}

// ClampRange resolves relative slice positions against size.
//
// Negative positions count back from the end. The result is the absolute
// start offset and the length of the clamped range, which is empty when
// end precedes start.
func ClampRange(size uint64, start, end int64) (uint64, uint64) {
	s := clamp(size, start)
	e := clamp(size, end)
	if e < s {
		return s, 0
	}
	return s, e - s
}

func clamp(size uint64, pos int64) uint64 {
	if pos < 0 {
		back := uint64(-pos) //nolint:gosec // pos is negative
		if back > size {
			return 0
		}
		return size - back
	}
	if uint64(pos) > size {
		return size
	}
	return uint64(pos)
}

// ReadAllWithLimit reads up to maxSize bytes from r.
// Returns overflowErr if more than maxSize bytes are available.
func ReadAllWithLimit(r io.Reader, maxSize uint64, overflowErr error) ([]byte, error) {
	if maxSize > uint64(math.MaxInt-1) {
		return nil, overflowErr
	}
	limit := int64(maxSize) + 1 //nolint:gosec // checked above
	lr := &io.LimitedReader{R: r, N: limit}
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) > maxSize { //nolint:gosec // len is always non-negative
		return nil, overflowErr
	}
	return data, nil
}
