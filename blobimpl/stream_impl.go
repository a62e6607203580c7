package blobimpl

import (
	"context"
	"sync"

	"github.com/meigma/blobipc/stream"
)

// Stream is a blob that owns an already-open stream. It is produced by
// same-process transfers of streams and yields that stream exactly once.
type Stream struct {
	Base
	mu sync.Mutex
	s  stream.Stream
}

var _ Impl = (*Stream)(nil)

// NewStream returns a blob owning s.
func NewStream(s stream.Stream, md Metadata) *Stream {
	b := &Stream{s: s}
	b.Init(md)
	return b
}

// CreateSlice is never called on stream blobs; their only consumers read
// the stream whole.
func (b *Stream) CreateSlice(uint64, uint64, string) (Impl, error) {
	panic("blobimpl: CreateSlice on a stream blob")
}

// InternalStream hands over the owned stream.
func (b *Stream) InternalStream(context.Context) (stream.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.s == nil {
		return nil, ErrStreamConsumed
	}
	s := b.s
	b.s = nil
	return s, nil
}

// CanSlice reports whether CreateSlice may be called on impl. Stream blobs,
// and composites holding one, cannot be sliced.
func CanSlice(impl Impl) bool {
	switch v := impl.(type) {
	case *Stream:
		return false
	case *Multipart:
		for _, part := range v.parts {
			if !CanSlice(part) {
				return false
			}
		}
	}
	return true
}
