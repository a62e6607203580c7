package stream

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// File streams a window of a file.
//
// Path-backed streams open their file lazily on first use. Reads use
// absolute offsets, so several streams may share one descriptor.
type File struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	owned  bool
	start  int64
	length int64
	pos    int64
	closed bool
}

var (
	_ Seekable     = (*File)(nil)
	_ Serializable = (*File)(nil)
)

// OpenFile returns a lazy stream over [start, start+length) of the file at path.
func OpenFile(path string, start, length int64) *File {
	return &File{path: path, owned: true, start: start, length: length}
}

// NewFile returns a stream over [start, start+length) of f.
// When owned is true, closing the stream closes f.
func NewFile(f *os.File, start, length int64, owned bool) *File {
	return &File{f: f, owned: owned, start: start, length: length}
}

func (s *File) open() error {
	if s.closed {
		return ErrClosed
	}
	if s.f != nil {
		return nil
	}
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("stream: open %s: %w", s.path, err)
	}
	s.f = f
	return nil
}

// Read implements io.Reader.
func (s *File) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.open(); err != nil {
		return 0, err
	}
	remaining := s.length - s.pos
	if remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := s.f.ReadAt(p, s.start+s.pos)
	s.pos += int64(n)
	if errors.Is(err, io.EOF) {
		if n > 0 {
			return n, nil
		}
		return 0, io.ErrUnexpectedEOF
	}
	return n, err
}

// Available opens the file and returns the unread length of the window.
func (s *File) Available() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.open(); err != nil {
		return 0, err
	}
	return max(s.length-s.pos, 0), nil
}

// Seek implements io.Seeker relative to the window.
func (s *File) Seek(offset int64, whence int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	next, err := seekPosition(s.pos, s.length, offset, whence)
	if err != nil {
		return 0, err
	}
	s.pos = next
	return next, nil
}

// SetEOF shrinks the window to end at the current position.
func (s *File) SetEOF() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.length = min(s.length, s.pos)
	return nil
}

// Serialize records the descriptor and describes the unread window.
func (s *File) Serialize(c *Collector) (Params, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.open(); err != nil {
		return Params{}, err
	}
	return Params{
		Kind:       KindFile,
		Descriptor: c.AddFile(s.f),
		Start:      s.start + s.pos,
		Length:     max(s.length-s.pos, 0),
	}, nil
}

// Detach hands the descriptor and the unread window to the caller.
// The stream no longer closes the descriptor.
func (s *File) Detach() (*os.File, int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.open(); err != nil {
		return nil, 0, 0, err
	}
	s.owned = false
	return s.f, s.start + s.pos, max(s.length-s.pos, 0), nil
}

// Close implements io.Closer.
func (s *File) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.owned && s.f != nil {
		return s.f.Close()
	}
	return nil
}
