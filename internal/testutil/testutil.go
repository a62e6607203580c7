// Package testutil holds helpers shared by blob transfer tests.
package testutil

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// Payload returns n deterministic bytes.
func Payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	return data
}

// TempFile writes data to a file under a test temp dir and returns its path.
func TempFile(tb testing.TB, name string, data []byte) string {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		tb.Fatalf("write %s: %v", path, err)
	}
	return path
}

// Eventually polls cond until it holds or a few seconds pass.
func Eventually(tb testing.TB, cond func() bool, msg string) {
	tb.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			tb.Fatalf("timed out: %s", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// OpaqueStream is an in-memory stream with no wire representation. It
// forces the serializer onto its fallback paths.
type OpaqueStream struct {
	mu     sync.Mutex
	r      *bytes.Reader
	closed bool
}

// NewOpaqueStream returns a stream reading data.
func NewOpaqueStream(data []byte) *OpaqueStream {
	return &OpaqueStream{r: bytes.NewReader(data)}
}

// Read implements io.Reader.
func (s *OpaqueStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, os.ErrClosed
	}
	return s.r.Read(p)
}

// Available returns the unread length.
func (s *OpaqueStream) Available() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, os.ErrClosed
	}
	return int64(s.r.Len()), nil
}

// Close implements io.Closer.
func (s *OpaqueStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *OpaqueStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// GatedStream blocks its first read until Open is called.
type GatedStream struct {
	io.Reader
	gate chan struct{}
	once sync.Once
}

// NewGatedStream returns a gated stream over data.
func NewGatedStream(data []byte) *GatedStream {
	return &GatedStream{Reader: NewOpaqueStream(data), gate: make(chan struct{})}
}

// Open releases blocked calls.
func (s *GatedStream) Open() { s.once.Do(func() { close(s.gate) }) }

// Read waits for Open.
func (s *GatedStream) Read(p []byte) (int, error) {
	<-s.gate
	return s.Reader.Read(p)
}

// Available waits for Open, like a lazily opened resource.
func (s *GatedStream) Available() (int64, error) {
	<-s.gate
	return s.Reader.(*OpaqueStream).Available()
}

// Close releases the gate.
func (s *GatedStream) Close() error {
	s.Open()
	return s.Reader.(*OpaqueStream).Close()
}
