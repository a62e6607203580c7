package stream

import (
	"bytes"
	"io"
	"sync"
)

// Bytes is an in-memory stream over an immutable buffer.
type Bytes struct {
	mu     sync.Mutex
	data   []byte
	r      *bytes.Reader
	closed bool
}

var (
	_ Seekable     = (*Bytes)(nil)
	_ Serializable = (*Bytes)(nil)
	_ io.WriterTo  = (*Bytes)(nil)
)

// NewBytes returns a stream reading data. The buffer is not copied and must
// not be modified afterwards.
func NewBytes(data []byte) *Bytes {
	return &Bytes{data: data, r: bytes.NewReader(data)}
}

// Read implements io.Reader.
func (b *Bytes) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	return b.r.Read(p)
}

// WriteTo implements io.WriterTo.
func (b *Bytes) WriteTo(w io.Writer) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	return b.r.WriteTo(w)
}

// Available returns the number of unread bytes.
func (b *Bytes) Available() (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	return int64(b.r.Len()), nil
}

// Seek implements io.Seeker.
func (b *Bytes) Seek(offset int64, whence int) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	return b.r.Seek(offset, whence)
}

// SetEOF truncates the stream at the current position.
func (b *Bytes) SetEOF() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	pos := b.r.Size() - int64(b.r.Len())
	b.data = b.data[:pos]
	b.r.Reset(b.data)
	_, err := b.r.Seek(pos, io.SeekStart)
	return err
}

// Serialize describes the unread bytes as a string stream.
func (b *Bytes) Serialize(*Collector) (Params, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Params{}, ErrClosed
	}
	pos := b.r.Size() - int64(b.r.Len())
	return Params{Kind: KindString, Data: b.data[pos:]}, nil
}

// Close implements io.Closer.
func (b *Bytes) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
