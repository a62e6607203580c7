// Package channel implements the ordered duplex message channel between two
// blob managers.
//
// Messages sent on one endpoint are handled on the peer's executor in send
// order. Payloads are copied, so the two sides never share memory through a
// message. Descriptors attached to a message are duplicated at send time and
// owned by the receiver; when a message carries more descriptors than one
// message may hold, they travel ahead of it as a descriptor set.
package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/meigma/blobipc/executor"
	"github.com/meigma/blobipc/internal/platform"
)

// Errors returned by endpoints.
var (
	// ErrClosed is returned when the channel has been torn down.
	ErrClosed = errors.New("channel: closed")

	// ErrMessageTooLarge is returned when a payload exceeds the message limit.
	ErrMessageTooLarge = errors.New("channel: message too large")

	// ErrNotSync is returned when replying to a message that expects no reply.
	ErrNotSync = errors.New("channel: message is not a synchronous request")
)

// Message is one unit of transfer.
type Message struct {
	Route   uint32
	Type    uint16
	Payload []byte
	Files   []*os.File

	seq     uint64
	reply   bool
	set     uint64
	setPart bool
	closed  bool
}

// IsSync reports whether the sender waits for a reply.
func (m *Message) IsSync() bool { return m.seq != 0 && !m.reply }

// Handler processes an incoming message on the endpoint's executor.
// The handler owns the message's descriptors.
type Handler func(ctx context.Context, m *Message)

// Endpoint is one side of a channel.
type Endpoint struct {
	name        string
	exec        *executor.Executor
	peer        *Endpoint
	sameProcess bool
	maxFiles    int
	maxBytes    int
	logger      *slog.Logger

	sendMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	handler Handler
	onClose func()
	onSet   func(parts int)
	pending map[uint64]chan *Message
	seq     uint64
	sets    map[uint64][]*os.File
	nextSet uint64

	sent           atomic.Uint64
	descriptorSets atomic.Uint64
}

type options struct {
	maxFiles    int
	maxBytes    int
	sameProcess bool
	logger      *slog.Logger
}

// Option configures both endpoints of a channel.
type Option func(*options)

// WithMaxDescriptors sets the number of descriptors one message may carry.
func WithMaxDescriptors(n int) Option {
	return func(o *options) {
		if n < 1 {
			n = 1
		}
		o.maxFiles = n
	}
}

// WithMaxMessageBytes sets the largest payload one message may carry.
func WithMaxMessageBytes(n int) Option {
	return func(o *options) {
		o.maxBytes = n
	}
}

// WithSameProcess marks both endpoints as living in one process.
func WithSameProcess(same bool) Option {
	return func(o *options) {
		o.sameProcess = same
	}
}

// WithLogger sets the logger for both endpoints.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Pair creates a connected pair of endpoints handled on a and b.
func Pair(a, b *executor.Executor, opts ...Option) (*Endpoint, *Endpoint) {
	o := options{maxFiles: 250, maxBytes: 128 << 20}
	for _, opt := range opts {
		opt(&o)
	}
	newEndpoint := func(name string, exec *executor.Executor) *Endpoint {
		return &Endpoint{
			name:        name,
			exec:        exec,
			sameProcess: o.sameProcess,
			maxFiles:    o.maxFiles,
			maxBytes:    o.maxBytes,
			logger:      o.logger,
			pending:     make(map[uint64]chan *Message),
			sets:        make(map[uint64][]*os.File),
		}
	}
	ea := newEndpoint(a.Name(), a)
	eb := newEndpoint(b.Name(), b)
	ea.peer, eb.peer = eb, ea
	return ea, eb
}

func (e *Endpoint) log() *slog.Logger {
	if e.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.logger
}

// Executor returns the executor incoming messages are handled on.
func (e *Endpoint) Executor() *executor.Executor { return e.exec }

// SameProcess reports whether both endpoints live in one process.
func (e *Endpoint) SameProcess() bool { return e.sameProcess }

// Sent returns the number of messages sent, replies included.
func (e *Endpoint) Sent() uint64 { return e.sent.Load() }

// DescriptorSets returns the number of descriptor-set transfers sent.
func (e *Endpoint) DescriptorSets() uint64 { return e.descriptorSets.Load() }

// SetHandler installs the message handler.
func (e *Endpoint) SetHandler(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

// OnClose installs a callback run on the executor when the peer closes.
func (e *Endpoint) OnClose(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onClose = fn
}

// OnDescriptorSet installs a callback run on the sending side whenever
// descriptors travel as a set of parts.
func (e *Endpoint) OnDescriptorSet(fn func(parts int)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onSet = fn
}

// Closed reports whether the endpoint is closed.
func (e *Endpoint) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Send delivers m to the peer. Descriptors of m are duplicated before Send
// returns; the caller keeps ownership of its own copies.
func (e *Endpoint) Send(m *Message) error {
	if len(m.Payload) > e.maxBytes {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(m.Payload))
	}
	files, err := dupAll(m.Files)
	if err != nil {
		return err
	}

	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if e.Closed() {
		closeFiles(files)
		return ErrClosed
	}

	out := &Message{
		Route:   m.Route,
		Type:    m.Type,
		Payload: bytes.Clone(m.Payload),
		seq:     m.seq,
		reply:   m.reply,
	}
	if len(files) > e.maxFiles {
		e.nextSet++
		out.set = e.nextSet
		parts := 0
		for chunk := range slices.Chunk(files, e.maxFiles) {
			e.peer.deliver(&Message{Route: m.Route, set: out.set, setPart: true, Files: chunk})
			e.descriptorSets.Add(1)
			parts++
		}
		e.log().Debug("sent descriptor set", "endpoint", e.name, "descriptors", len(files))
		e.mu.Lock()
		onSet := e.onSet
		e.mu.Unlock()
		if onSet != nil {
			onSet(parts)
		}
	} else {
		out.Files = files
	}
	e.peer.deliver(out)
	e.sent.Add(1)
	return nil
}

// Call sends m and waits for the peer's reply.
//
// The reply is handed to the caller directly, without passing through the
// caller's executor, so Call may be used from a task on that executor.
func (e *Endpoint) Call(ctx context.Context, m *Message) (*Message, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.seq++
	seq := e.seq
	ch := make(chan *Message, 1)
	e.pending[seq] = ch
	e.mu.Unlock()

	req := *m
	req.seq = seq
	req.reply = false
	if err := e.Send(&req); err != nil {
		e.dropPending(seq)
		return nil, err
	}

	select {
	case r := <-ch:
		if r.closed {
			return nil, ErrClosed
		}
		return r, nil
	case <-ctx.Done():
		e.dropPending(seq)
		return nil, ctx.Err()
	}
}

// Reply answers the synchronous request req with resp.
func (e *Endpoint) Reply(req, resp *Message) error {
	if !req.IsSync() {
		return ErrNotSync
	}
	out := *resp
	out.seq = req.seq
	out.reply = true
	return e.Send(&out)
}

// Close tears down the channel. Pending calls on both sides fail with
// ErrClosed and the peer's close callback runs on its executor.
func (e *Endpoint) Close() {
	if !e.shutdown() {
		return
	}
	if e.peer.shutdown() {
		e.peer.notifyClosed()
	}
}

func (e *Endpoint) shutdown() bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.closed = true
	pending := e.pending
	e.pending = nil
	sets := e.sets
	e.sets = nil
	e.mu.Unlock()

	for _, ch := range pending {
		ch <- &Message{closed: true}
	}
	for _, files := range sets {
		closeFiles(files)
	}
	return true
}

func (e *Endpoint) notifyClosed() {
	e.mu.Lock()
	fn := e.onClose
	e.mu.Unlock()
	if fn == nil {
		return
	}
	//nolint:errcheck // nothing to notify once the executor is gone
	_ = e.exec.DispatchFunc(func(context.Context) { fn() })
}

func (e *Endpoint) dropPending(seq uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, seq)
}

// deliver runs on the sender's goroutine. Descriptor-set parts and replies
// are consumed here; everything else is queued on the executor.
func (e *Endpoint) deliver(m *Message) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		closeFiles(m.Files)
		return
	}
	if m.setPart {
		e.sets[m.set] = append(e.sets[m.set], m.Files...)
		e.mu.Unlock()
		return
	}
	if m.set != 0 {
		m.Files = e.sets[m.set]
		delete(e.sets, m.set)
		m.set = 0
	}
	if m.reply {
		ch, ok := e.pending[m.seq]
		delete(e.pending, m.seq)
		e.mu.Unlock()
		if !ok {
			closeFiles(m.Files)
			return
		}
		ch <- m
		return
	}
	e.mu.Unlock()

	err := e.exec.DispatchFunc(func(ctx context.Context) {
		e.mu.Lock()
		h, closed := e.handler, e.closed
		e.mu.Unlock()
		if closed || h == nil {
			e.log().Debug("dropping message", "endpoint", e.name, "route", m.Route, "type", m.Type)
			closeFiles(m.Files)
			return
		}
		h(ctx, m)
	})
	if err != nil {
		closeFiles(m.Files)
	}
}

func dupAll(files []*os.File) ([]*os.File, error) {
	if len(files) == 0 {
		return nil, nil
	}
	out := make([]*os.File, 0, len(files))
	for _, f := range files {
		d, err := platform.Dup(f)
		if err != nil {
			closeFiles(out)
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close() //nolint:errcheck // best-effort cleanup
		}
	}
}
