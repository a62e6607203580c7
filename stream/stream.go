// Package stream provides the byte streams produced by blob implementations
// and their wire representation.
//
// A [Serializable] stream can describe itself as [Params] plus out-of-band
// file descriptors, and [Deserialize] rebuilds an equivalent stream on the
// receiving side.
package stream

import (
	"context"
	"errors"
	"io"
)

// Errors returned by streams.
var (
	// ErrClosed is returned when using a closed stream.
	ErrClosed = errors.New("stream: closed")

	// ErrNotSerializable is returned when a stream has no wire representation.
	ErrNotSerializable = errors.New("stream: not serializable")

	// ErrNotSeekable is returned when seeking a stream that cannot seek.
	ErrNotSeekable = errors.New("stream: not seekable")

	// ErrInvalidParams is returned when wire parameters are malformed.
	ErrInvalidParams = errors.New("stream: invalid params")
)

// Stream is a readable byte stream.
type Stream interface {
	io.Reader
	io.Closer

	// Available returns the number of bytes that can be read without
	// blocking. Opening lazily-backed streams happens here at the latest.
	Available() (int64, error)
}

// Seekable is a stream with a movable read position.
type Seekable interface {
	Stream
	io.Seeker

	// SetEOF truncates the stream at the current position.
	SetEOF() error
}

// Serializable is a stream that can be sent to another process.
type Serializable interface {
	Stream

	// Serialize describes the unread remainder of the stream. Descriptors
	// are recorded in c and referenced from the returned params by index.
	Serialize(c *Collector) (Params, error)
}

// Unwrapper is a stream that stands in for another stream which may not
// exist yet. Unwrap blocks until the real stream is available and hands it
// over; the caller then owns it.
type Unwrapper interface {
	Unwrap(ctx context.Context) (Stream, error)
}

// Tell returns the current position of s.
func Tell(s Seekable) (int64, error) {
	return s.Seek(0, io.SeekCurrent)
}

func seekPosition(pos, size, offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = pos + offset
	case io.SeekEnd:
		next = size + offset
	default:
		return 0, errors.New("stream: invalid whence")
	}
	if next < 0 {
		return 0, errors.New("stream: negative position")
	}
	return next, nil
}
