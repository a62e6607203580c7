package blobipc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/meigma/blobipc/blobimpl"
	"github.com/meigma/blobipc/channel"
	"github.com/meigma/blobipc/executor"
	"github.com/meigma/blobipc/internal/wire"
	"github.com/meigma/blobipc/stream"
)

// waitStrategy is how a remote stream blocks on its owning executor and how
// it accepts the delivered stream.
type waitStrategy interface {
	// block runs on the owning executor and returns once the stream was
	// delivered or failed.
	block(ctx context.Context, s *RemoteInputStream) error

	// deliver installs st as the real stream.
	deliver(s *RemoteInputStream, st stream.Stream) error
}

// monitorWaiter serves streams owned by the manager executor. Blocking spins
// that executor until the asynchronous result is handled; a second delivery
// is a protocol violation.
type monitorWaiter struct{}

func (monitorWaiter) block(ctx context.Context, s *RemoteInputStream) error {
	return s.owner.SpinUntil(ctx, s.ready)
}

func (monitorWaiter) deliver(s *RemoteInputStream, st stream.Stream) error {
	if s.accept(st) {
		return nil
	}
	_ = st.Close() //nolint:errcheck // rejected duplicate
	return s.actor.mgr.proc.violation("stream delivered twice", "route", s.actor.route)
}

// syncActorWaiter serves streams owned by a worker executor. Blocking
// issues a synchronous StreamSync request that takes over the response of
// the pending open; when the parent already answered asynchronously the
// caller waits for that answer instead.
type syncActorWaiter struct{}

func (syncActorWaiter) block(ctx context.Context, s *RemoteInputStream) error {
	m := s.actor.mgr
	payload, err := wire.Marshal(wire.OpenStream{StreamRoute: s.route, Start: s.start, Length: s.length})
	if err != nil {
		return err
	}
	reply, err := m.ep.Call(ctx, &channel.Message{Route: s.actor.route, Type: uint16(wire.TypeStreamSync), Payload: payload})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		s.SetError(fmt.Errorf("blobipc: stream sync: %w", err))
		return nil
	}
	var res wire.StreamResult
	if err := wire.Unmarshal(reply.Payload, &res); err != nil {
		closeFiles(reply.Files)
		s.SetError(m.proc.violation("undecodable stream result", "route", s.route, "error", err))
		return nil
	}
	if res.Params == nil && res.Error == "" {
		closeFiles(reply.Files)
		select {
		case <-s.ready:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.takeStream(s.route)
	s.apply(res, reply.Files)
	return nil
}

func (syncActorWaiter) deliver(s *RemoteInputStream, st stream.Stream) error {
	if !s.accept(st) {
		_ = st.Close() //nolint:errcheck // already delivered
	}
	return nil
}

// RemoteInputStream reads a blob whose bytes live in the peer process. The
// real stream arrives asynchronously; every read first waits for it.
type RemoteInputStream struct {
	blob     blobimpl.Impl
	actor    *Actor
	start    uint64
	length   uint64
	route    uint32
	owner    *executor.Executor
	strategy waitStrategy

	mu        sync.Mutex
	real      stream.Stream
	err       error
	ready     chan struct{}
	done      bool
	delivered bool
	closed    bool
	unwrapped bool
}

var (
	_ stream.Seekable  = (*RemoteInputStream)(nil)
	_ stream.Unwrapper = (*RemoteInputStream)(nil)
	_ io.WriterTo      = (*RemoteInputStream)(nil)
)

// newRemoteStream requests [start, start+length) of the actor's blob.
//
// The stream belongs to the executor in ctx, or to the manager executor
// when ctx carries none.
func (a *Actor) newRemoteStream(ctx context.Context, blob blobimpl.Impl, start, length uint64) (*RemoteInputStream, error) {
	m := a.mgr
	owner := executor.FromContext(ctx)
	if owner == nil {
		owner = m.exec
	}
	var strategy waitStrategy = monitorWaiter{}
	if owner != m.exec {
		strategy = syncActorWaiter{}
	}
	s := &RemoteInputStream{
		blob:     blob,
		actor:    a,
		start:    start,
		length:   length,
		owner:    owner,
		strategy: strategy,
		ready:    make(chan struct{}),
	}
	if !a.addStream(s) {
		return nil, ErrStreamClosed
	}
	s.route = m.allocRoute()
	if err := m.addStream(s.route, s); err != nil {
		a.removeStream(s)
		return nil, err
	}
	err := m.send(a.route, wire.TypeOpenStream, wire.OpenStream{StreamRoute: s.route, Start: start, Length: length}, nil)
	if err != nil {
		m.takeStream(s.route)
		a.removeStream(s)
		return nil, fmt.Errorf("blobipc: open stream: %w", err)
	}
	return s, nil
}

func (s *RemoteInputStream) log() *slog.Logger { return s.actor.mgr.log() }

// deliverResult applies an asynchronous StreamResult message.
func (s *RemoteInputStream) deliverResult(msg *channel.Message) {
	var res wire.StreamResult
	if err := wire.Unmarshal(msg.Payload, &res); err != nil {
		closeFiles(msg.Files)
		s.SetError(s.actor.mgr.proc.violation("undecodable stream result", "route", s.route, "error", err))
		return
	}
	if res.Params == nil && res.Error == "" {
		closeFiles(msg.Files)
		s.SetError(s.actor.mgr.proc.violation("stream result without params", "route", s.route))
		return
	}
	s.apply(res, msg.Files)
}

// apply installs the stream described by res. files are owned by the call.
func (s *RemoteInputStream) apply(res wire.StreamResult, files []*os.File) {
	m := s.actor.mgr
	if res.Error != "" {
		closeFiles(files)
		s.SetError(fmt.Errorf("%w: %s", ErrStreamFailed, res.Error))
		return
	}
	var handles stream.HandleResolver
	if m.ep.SameProcess() {
		handles = m.proc.handles
	}
	st, err := stream.Deserialize(*res.Params, files, handles)
	if err != nil {
		s.SetError(m.proc.violation("undecodable stream params", "route", s.route, "error", err))
		return
	}
	if err := s.SetStream(st); err != nil {
		m.log().Debug("stream delivery refused", "route", s.route, "error", err)
	}
}

// accept installs st. It reports false when a stream was delivered
// before; a stream arriving after a failure or after Close is closed.
func (s *RemoteInputStream) accept(st stream.Stream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delivered {
		return false
	}
	if s.done || s.closed {
		if !s.done {
			s.done = true
			s.err = stream.ErrClosed
			close(s.ready)
		}
		_ = st.Close() //nolint:errcheck // nobody reads it
		return true
	}
	s.delivered = true
	s.real = st
	s.done = true
	close(s.ready)
	return true
}

// SetStream delivers the real stream. The first delivery wins.
func (s *RemoteInputStream) SetStream(st stream.Stream) error {
	return s.strategy.deliver(s, st)
}

// SetError fails the stream unless it was already delivered.
func (s *RemoteInputStream) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.err = err
	s.done = true
	close(s.ready)
}

// Delivered reports whether the real stream or an error has arrived.
func (s *RemoteInputStream) Delivered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *RemoteInputStream) result() (stream.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.closed || s.unwrapped {
		return nil, stream.ErrClosed
	}
	return s.real, nil
}

// BlockAndWaitForStream waits until the real stream was delivered.
//
// On the owning executor the wait strategy runs inline; the main executor
// refuses with ErrMainThreadBlocking instead, since nothing else could
// deliver the stream while it waits. Other goroutines block until delivery
// or until ctx ends.
func (s *RemoteInputStream) BlockAndWaitForStream(ctx context.Context) error {
	if !s.Delivered() {
		if executor.FromContext(ctx) == s.owner {
			if s.owner.IsMain() {
				s.log().Warn("refusing to block the main executor on a remote stream", "route", s.actor.route)
				return ErrMainThreadBlocking
			}
			if err := s.strategy.block(ctx, s); err != nil {
				return err
			}
		} else {
			select {
			case <-s.ready:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	_, err := s.result()
	return err
}

func (s *RemoteInputStream) wait(ctx context.Context) (stream.Stream, error) {
	if err := s.BlockAndWaitForStream(ctx); err != nil {
		return nil, err
	}
	return s.result()
}

// ReadContext reads after waiting for the real stream on behalf of the
// executor in ctx.
func (s *RemoteInputStream) ReadContext(ctx context.Context, p []byte) (int, error) {
	st, err := s.wait(ctx)
	if err != nil {
		return 0, err
	}
	return st.Read(p)
}

// Read implements io.Reader for callers outside any executor.
func (s *RemoteInputStream) Read(p []byte) (int, error) {
	return s.ReadContext(context.Background(), p)
}

// WriteTo copies the rest of the stream to w.
func (s *RemoteInputStream) WriteTo(w io.Writer) (int64, error) {
	st, err := s.wait(context.Background())
	if err != nil {
		return 0, err
	}
	return io.Copy(w, st)
}

// Available returns the bytes readable without blocking. Before the real
// stream arrives it logs a warning and guesses the window length rather
// than blocking.
func (s *RemoteInputStream) Available() (int64, error) {
	if !s.Delivered() {
		s.log().Warn("guessing available bytes of an undelivered remote stream", "route", s.actor.route, "length", s.length)
		return int64(s.length), nil //nolint:gosec // blob sizes fit in int64
	}
	st, err := s.result()
	if err != nil {
		return 0, err
	}
	return st.Available()
}

func (s *RemoteInputStream) seekable(ctx context.Context) (stream.Seekable, error) {
	st, err := s.wait(ctx)
	if err != nil {
		return nil, err
	}
	sk, ok := st.(stream.Seekable)
	if !ok {
		return nil, stream.ErrNotSeekable
	}
	return sk, nil
}

// SeekContext seeks after waiting for the real stream.
func (s *RemoteInputStream) SeekContext(ctx context.Context, offset int64, whence int) (int64, error) {
	sk, err := s.seekable(ctx)
	if err != nil {
		return 0, err
	}
	return sk.Seek(offset, whence)
}

// Seek implements io.Seeker.
func (s *RemoteInputStream) Seek(offset int64, whence int) (int64, error) {
	return s.SeekContext(context.Background(), offset, whence)
}

// Tell returns the read position.
func (s *RemoteInputStream) Tell() (int64, error) {
	return s.Seek(0, io.SeekCurrent)
}

// SetEOF truncates the stream at the current position.
func (s *RemoteInputStream) SetEOF() error {
	sk, err := s.seekable(context.Background())
	if err != nil {
		return err
	}
	return sk.SetEOF()
}

// Unwrap waits for the real stream and hands it over. The remote stream is
// spent afterwards and closing it leaves the real stream open.
func (s *RemoteInputStream) Unwrap(ctx context.Context) (stream.Stream, error) {
	st, err := s.wait(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.unwrapped = true
	s.real = nil
	s.mu.Unlock()
	return st, nil
}

// Close implements io.Closer. The blob reference is released on the owning
// executor.
func (s *RemoteInputStream) Close() error {
	return s.CloseContext(context.Background())
}

// CloseContext closes the stream on behalf of the executor in ctx.
func (s *RemoteInputStream) CloseContext(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	st := s.real
	s.real = nil
	s.mu.Unlock()

	s.actor.removeStream(s)
	executor.ReleaseOnTarget(ctx, s.owner, func() {
		s.mu.Lock()
		s.blob = nil
		s.mu.Unlock()
	})
	if st != nil {
		return st.Close()
	}
	return nil
}
