package blobipc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/meigma/blobipc/blobimpl"
	"github.com/meigma/blobipc/channel"
	"github.com/meigma/blobipc/internal/metrics"
	"github.com/meigma/blobipc/internal/sizing"
	"github.com/meigma/blobipc/internal/wire"
	"github.com/meigma/blobipc/stream"
)

// openStream serves an OpenStream request for the actor's blob. The
// result is sent on the request's stream route.
func (a *Actor) openStream(ctx context.Context, msg *channel.Message) {
	m := a.mgr
	closeFiles(msg.Files)

	var req wire.OpenStream
	if err := wire.Unmarshal(msg.Payload, &req); err != nil {
		m.replyError(msg, m.proc.violation("undecodable stream request", "route", a.route, "error", err))
		return
	}
	if req.StreamRoute == 0 || m.ownsRoute(req.StreamRoute) {
		_ = m.proc.violation("stream request on invalid route", "route", a.route, "stream", req.StreamRoute) //nolint:errcheck // refused
		return
	}

	impl := a.localImpl()
	if impl == nil {
		m.failStream(msg, req.StreamRoute, ErrActorDestroyed)
		return
	}
	size, err := impl.Size()
	if err != nil {
		m.failStream(msg, req.StreamRoute, err)
		return
	}
	if err := sizing.CheckWindow(req.Start, req.Length, size); err != nil {
		m.failStream(msg, req.StreamRoute, m.proc.violation("stream window out of range",
			"route", a.route, "start", req.Start, "length", req.Length, "size", size))
		return
	}
	if req.Start != 0 || req.Length != size {
		if !blobimpl.CanSlice(impl) {
			m.failStream(msg, req.StreamRoute, blobimpl.ErrNotSliceable)
			return
		}
		md := impl.Metadata()
		if impl, err = impl.CreateSlice(req.Start, req.Length, md.ContentType); err != nil {
			m.failStream(msg, req.StreamRoute, err)
			return
		}
	}
	st, err := impl.InternalStream(ctx)
	if err != nil {
		m.failStream(msg, req.StreamRoute, err)
		return
	}

	if b, ok := st.(*stream.Bytes); ok {
		handedOver, err := a.respond(msg, req.StreamRoute, b, metrics.PathInline)
		if err != nil {
			m.log().Debug("inline stream response failed", "route", a.route, "error", err)
		}
		if !handedOver {
			_ = b.Close() //nolint:errcheck // in-memory
		}
		return
	}

	op := newOpenStreamOp(a, msg, req.StreamRoute, st)
	if !a.addOp(op) {
		op.finish()
		m.failStream(msg, req.StreamRoute, ErrActorDestroyed)
		return
	}
	if err := m.proc.pool.Go("open-stream", op.run); err != nil {
		op.finish()
		m.failStream(msg, req.StreamRoute, fmt.Errorf("%w: %w", ErrStreamFailed, err))
	}
}

// streamSync serves a StreamSync request. It takes over the response of the
// pending open for the same stream route and spins the executor until the
// response is ready. When the open was already answered it replies with an
// empty result and the requester waits for the asynchronous one.
func (a *Actor) streamSync(ctx context.Context, msg *channel.Message) {
	m := a.mgr
	closeFiles(msg.Files)

	var req wire.OpenStream
	if err := wire.Unmarshal(msg.Payload, &req); err != nil {
		m.replyError(msg, m.proc.violation("undecodable stream request", "route", a.route, "error", err))
		return
	}
	op := a.pendingOp(req.StreamRoute)
	if op == nil || !op.attach(msg) {
		m.replyError(msg, nil)
		return
	}

	// The respond step is dispatched back to this executor, so the
	// requester is answered from inside the spin.
	if err := m.exec.SpinUntil(ctx, op.responded); err != nil {
		m.log().Debug("stopped waiting for stream response", "route", a.route, "error", err)
	}
	if !op.Revoke() {
		m.replyError(msg, ErrStreamClosed)
	}
}

// failStream answers a stream request with err.
func (m *Manager) failStream(req *channel.Message, route uint32, err error) {
	if req.IsSync() {
		m.replyError(req, err)
		return
	}
	if route == 0 {
		return
	}
	if serr := m.send(route, wire.TypeStreamResult, wire.StreamResult{Error: err.Error()}, nil); serr != nil && !errors.Is(serr, channel.ErrClosed) {
		m.log().Warn("failed to report stream error", "route", route, "error", serr)
	}
}

// respond ships st to the requester. It reports whether ownership of st
// moved to the peer.
func (a *Actor) respond(req *channel.Message, route uint32, st stream.Stream, path string) (bool, error) {
	m := a.mgr
	var (
		params     stream.Params
		files      []*os.File
		handle     uint64
		handedOver bool
	)
	if m.ep.SameProcess() {
		handle = m.proc.handles.Put(st)
		params = stream.Params{Kind: stream.KindHandle, Handle: handle}
		handedOver = true
	} else {
		var err error
		params, files, err = stream.Serialize(st)
		if err != nil {
			m.failStream(req, route, err)
			return false, err
		}
	}

	var err error
	res := wire.StreamResult{Params: &params}
	if req.IsSync() {
		var payload []byte
		payload, err = wire.Marshal(res)
		if err == nil {
			err = m.ep.Reply(req, &channel.Message{
				Route:   req.Route,
				Type:    uint16(wire.TypeStreamResult),
				Payload: payload,
				Files:   files,
			})
		}
		path = metrics.PathSync
	} else {
		err = m.send(route, wire.TypeStreamResult, res, files)
	}
	if err != nil {
		if handedOver {
			if _, ok := m.proc.handles.Take(handle); ok {
				handedOver = false
			}
		}
		if !errors.Is(err, channel.ErrClosed) {
			m.failStream(req, route, err)
		}
		return handedOver, err
	}
	m.proc.metrics.StreamsOpened.WithLabelValues(path).Inc()
	return handedOver, nil
}

type opState uint8

const (
	opOpening opState = iota
	opResponding
	opClosing
	opDone
)

// openStreamOp materializes a stream off the manager executor.
//
// Opening runs on a pool worker, Responding on the manager executor and
// Closing back on the worker. Revoke turns a pending Responding step into a
// no-op; Closing always runs.
type openStreamOp struct {
	actor *Actor
	route uint32

	mu         sync.Mutex
	req        *channel.Message
	state      opState
	st         stream.Stream
	revoked    bool
	replied    bool
	handedOver bool
	err        error

	respondOnce sync.Once
	responded   chan struct{}
}

func newOpenStreamOp(a *Actor, req *channel.Message, route uint32, st stream.Stream) *openStreamOp {
	a.mgr.proc.metrics.StreamOps.Inc()
	return &openStreamOp{
		actor:     a,
		req:       req,
		route:     route,
		st:        st,
		responded: make(chan struct{}),
	}
}

// attach redirects the response to the synchronous request req. It fails
// once the response was sent or revoked.
func (op *openStreamOp) attach(req *channel.Message) bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.replied || op.revoked || op.state >= opClosing {
		return false
	}
	op.req = req
	return true
}

// Revoke cancels a pending response and reports whether the requester was
// already answered.
func (op *openStreamOp) Revoke() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.revoked = true
	return op.replied
}

func (op *openStreamOp) run(ctx context.Context) error {
	defer op.finish()
	if ctx.Err() != nil {
		// The pool closed before a worker picked this op up.
		op.Revoke()
		return nil
	}
	err := op.open(ctx)
	op.mu.Lock()
	op.err = err
	if op.state == opOpening {
		op.state = opResponding
	}
	op.mu.Unlock()

	//nolint:errcheck // a rejected task is canceled, which unblocks the wait
	_ = op.actor.mgr.exec.Dispatch(&respondTask{op: op})
	select {
	case <-op.responded:
	case <-ctx.Done():
		op.Revoke()
	}
	return err
}

// open unwraps stand-in streams and forces the real stream open.
func (op *openStreamOp) open(ctx context.Context) error {
	st := op.stream()
	if u, ok := st.(stream.Unwrapper); ok {
		inner, err := u.Unwrap(ctx)
		if err != nil {
			return fmt.Errorf("%w: unwrap: %w", ErrStreamFailed, err)
		}
		if inner != st {
			_ = st.Close() //nolint:errcheck // wrapper is spent once unwrapped
			st = inner
			op.setStream(st)
		}
	}
	m := op.actor.mgr
	if _, ok := st.(stream.Serializable); !ok && !m.ep.SameProcess() {
		data, err := sizing.ReadAllWithLimit(st, uint64(m.proc.limits.MaxInlineBytes), ErrStreamFailed) //nolint:gosec // validated positive
		if err != nil {
			return err
		}
		f, err := spill(data)
		if err != nil {
			return err
		}
		_ = st.Close() //nolint:errcheck // replaced by the spilled copy
		st = stream.NewFile(f, 0, int64(len(data)), true)
		op.setStream(st)
	}
	if _, err := st.Available(); err != nil {
		return fmt.Errorf("%w: open: %w", ErrStreamFailed, err)
	}
	return nil
}

func (op *openStreamOp) stream() stream.Stream {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.st
}

func (op *openStreamOp) setStream(st stream.Stream) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.st = st
}

// respondStep runs on the manager executor.
func (op *openStreamOp) respondStep() {
	op.mu.Lock()
	defer op.mu.Unlock()
	defer op.signal()
	if op.revoked || op.state != opResponding {
		return
	}
	a, m := op.actor, op.actor.mgr
	if op.err != nil {
		m.failStream(op.req, op.route, op.err)
		op.replied = true
		return
	}
	handedOver, err := a.respond(op.req, op.route, op.st, metrics.PathPipeline)
	op.handedOver = handedOver
	op.replied = true
	if err != nil {
		m.log().Debug("stream response failed", "route", a.route, "error", err)
	}
}

func (op *openStreamOp) signal() {
	op.respondOnce.Do(func() { close(op.responded) })
}

// finish is the Closing step.
func (op *openStreamOp) finish() {
	op.mu.Lock()
	if op.state >= opClosing {
		op.mu.Unlock()
		return
	}
	op.state = opClosing
	st, handedOver := op.st, op.handedOver
	op.st = nil
	op.mu.Unlock()

	if st != nil && !handedOver {
		if err := st.Close(); err != nil {
			op.actor.mgr.log().Debug("failed to close served stream", "route", op.actor.route, "error", err)
		}
	}
	op.actor.removeOp(op)
	op.signal()
	op.actor.mgr.proc.metrics.StreamOps.Dec()

	op.mu.Lock()
	op.state = opDone
	op.mu.Unlock()
}

// respondTask is the Responding step posted to the manager executor.
type respondTask struct {
	op *openStreamOp
}

func (t *respondTask) Run(context.Context) { t.op.respondStep() }

// Cancel unblocks the worker when the executor shut down first.
func (t *respondTask) Cancel() { t.op.signal() }
