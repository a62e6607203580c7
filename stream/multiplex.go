package stream

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Multiplex concatenates streams.
type Multiplex struct {
	mu      sync.Mutex
	streams []Stream
	cur     int
	closed  bool
}

var (
	_ Seekable     = (*Multiplex)(nil)
	_ Serializable = (*Multiplex)(nil)
	_ Unwrapper    = (*Multiplex)(nil)
)

// NewMultiplex returns a stream reading each of streams in turn.
// The multiplex owns the streams and closes them on Close.
func NewMultiplex(streams ...Stream) *Multiplex {
	return &Multiplex{streams: streams}
}

// Read implements io.Reader.
func (m *Multiplex) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	for m.cur < len(m.streams) {
		n, err := m.streams[m.cur].Read(p)
		if errors.Is(err, io.EOF) {
			m.cur++
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
	return 0, io.EOF
}

// Available sums the available bytes of the unread streams.
func (m *Multiplex) Available() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	var total int64
	for _, s := range m.streams[m.cur:] {
		n, err := s.Available()
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// Seek implements io.Seeker. Every part must be seekable.
func (m *Multiplex) Seek(offset int64, whence int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	sizes := make([]int64, len(m.streams))
	var pos, total int64
	for i, s := range m.streams {
		sk, ok := s.(Seekable)
		if !ok {
			return 0, ErrNotSeekable
		}
		cur, err := Tell(sk)
		if err != nil {
			return 0, err
		}
		end, err := sk.Seek(0, io.SeekEnd)
		if err != nil {
			return 0, err
		}
		if _, err := sk.Seek(cur, io.SeekStart); err != nil {
			return 0, err
		}
		sizes[i] = end
		switch {
		case i < m.cur:
			pos += end
		case i == m.cur:
			pos += cur
		}
		total += end
	}

	next, err := seekPosition(pos, total, offset, whence)
	if err != nil {
		return 0, err
	}
	remaining := next
	m.cur = len(m.streams)
	for i, s := range m.streams {
		target := min(remaining, sizes[i])
		if _, err := s.(Seekable).Seek(target, io.SeekStart); err != nil {
			return 0, err
		}
		remaining -= target
		if target < sizes[i] && m.cur == len(m.streams) {
			m.cur = i
		}
	}
	return next, nil
}

// SetEOF truncates the stream at the current position.
func (m *Multiplex) SetEOF() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.cur >= len(m.streams) {
		return nil
	}
	sk, ok := m.streams[m.cur].(Seekable)
	if !ok {
		return ErrNotSeekable
	}
	if err := sk.SetEOF(); err != nil {
		return err
	}
	rest := m.streams[m.cur+1:]
	m.streams = m.streams[:m.cur+1]
	return closeAll(rest)
}

// Serialize describes the unread parts. Every unread part must be serializable.
func (m *Multiplex) Serialize(c *Collector) (Params, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Params{}, ErrClosed
	}
	parts := make([]Params, 0, len(m.streams)-m.cur)
	for _, s := range m.streams[m.cur:] {
		ser, ok := s.(Serializable)
		if !ok {
			return Params{}, ErrNotSerializable
		}
		p, err := ser.Serialize(c)
		if err != nil {
			return Params{}, err
		}
		parts = append(parts, p)
	}
	return Params{Kind: KindMultiplex, Streams: parts}, nil
}

// Unwrap replaces parts that stand in for other streams by the streams they
// wrap, blocking as needed, and returns the multiplex itself.
func (m *Multiplex) Unwrap(ctx context.Context) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	for i, s := range m.streams {
		if _, ok := s.(Serializable); ok {
			continue
		}
		u, ok := s.(Unwrapper)
		if !ok {
			continue
		}
		inner, err := u.Unwrap(ctx)
		if err != nil {
			return nil, err
		}
		_ = s.Close() //nolint:errcheck // wrapper is spent once unwrapped
		m.streams[i] = inner
	}
	return m, nil
}

// Close closes every part.
func (m *Multiplex) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return closeAll(m.streams)
}
