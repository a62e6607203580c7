package blobipc

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"weak"

	"github.com/google/uuid"

	"github.com/meigma/blobipc/blobimpl"
	"github.com/meigma/blobipc/channel"
	"github.com/meigma/blobipc/executor"
	"github.com/meigma/blobipc/internal/wire"
	"github.com/meigma/blobipc/registry"
)

// ActorState is the lifecycle state of an actor.
type ActorState uint8

// Actor states.
const (
	// StateResolving is a mystery blob awaiting its metadata.
	StateResolving ActorState = iota + 1
	// StateBound is an actor with a fully known impl.
	StateBound
	// StateDestroyed is a torn-down actor.
	StateDestroyed
)

// String returns the state name.
func (s ActorState) String() string {
	switch s {
	case StateResolving:
		return "resolving"
	case StateBound:
		return "bound"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Actor names one blob on one end of a connection. Its sibling on the other
// end shares its route.
//
// An actor that allocated its impl keeps it alive. An actor fronting a
// remote proxy keeps the proxy alive only until the proxy is first handed
// out; afterwards the proxy's owner decides its lifetime, and collecting it
// destroys the actor on both ends.
type Actor struct {
	mgr    *Manager
	route  uint32
	id     uuid.UUID
	serial uint64

	mu       sync.Mutex
	state    ActorState
	impl     blobimpl.Impl
	proxy    weak.Pointer[remoteBlobImpl]
	ownsImpl bool
	entry    *registry.Entry
	ops      map[*openStreamOp]struct{}
	streams  map[*RemoteInputStream]struct{}
}

func newActor(m *Manager, route uint32, id uuid.UUID, impl blobimpl.Impl, owns bool) *Actor {
	return &Actor{
		mgr:      m,
		route:    route,
		id:       id,
		serial:   impl.SerialNumber(),
		state:    StateBound,
		impl:     impl,
		ownsImpl: owns,
	}
}

// Route returns the route shared with the sibling actor.
func (a *Actor) Route() uint32 { return a.route }

// ID returns the blob ID in the parent's registry.
func (a *Actor) ID() uuid.UUID { return a.id }

// Manager returns the manager owning the actor.
func (a *Actor) Manager() *Manager { return a.mgr }

// State returns the lifecycle state.
func (a *Actor) State() ActorState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Impl returns the blob the actor names, or nil once a collected proxy
// destroyed it.
func (a *Actor) Impl() blobimpl.Impl {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.impl != nil {
		impl := a.impl
		if p, ok := impl.(*remoteBlobImpl); ok && !a.ownsImpl {
			a.proxy = weak.Make(p)
			a.impl = nil
			runtime.AddCleanup(p, collectActor, a)
		}
		return impl
	}
	if p := a.proxy.Value(); p != nil {
		return p
	}
	return nil
}

// localImpl returns the impl whose bytes live in this process.
func (a *Actor) localImpl() blobimpl.Impl {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.impl.(*parentBlobImpl); ok {
		return p.Impl
	}
	return a.impl
}

func collectActor(a *Actor) {
	executor.ReleaseOnTarget(context.Background(), a.mgr.exec, a.Destroy)
}

// Destroy tears down the actor and its sibling. Pending remote streams fail
// with ErrStreamClosed and pending stream operations are revoked.
func (a *Actor) Destroy() {
	a.destroy(true)
}

func (a *Actor) destroy(notify bool) {
	a.mu.Lock()
	if a.state == StateDestroyed {
		a.mu.Unlock()
		return
	}
	a.state = StateDestroyed
	ops, streams := a.ops, a.streams
	a.ops, a.streams = nil, nil
	if a.ownsImpl {
		a.impl = nil
	}
	a.mu.Unlock()

	for op := range ops {
		op.Revoke()
	}
	for s := range streams {
		s.SetError(ErrStreamClosed)
	}
	a.release()
	a.mgr.proc.metrics.BlobsDestroyed.WithLabelValues(a.mgr.side.String()).Inc()
	a.mgr.log().Debug("destroyed blob", "route", a.route, "id", a.id)
	if notify {
		if err := a.mgr.send(a.route, wire.TypeDelete, wire.Ack{}, nil); err != nil && !errors.Is(err, channel.ErrClosed) {
			a.mgr.log().Warn("failed to notify blob deletion", "route", a.route, "error", err)
		}
	}
}

// release drops the registry reference and unlinks the actor from its manager.
func (a *Actor) release() {
	a.mu.Lock()
	entry := a.entry
	a.entry = nil
	a.mu.Unlock()
	if entry != nil {
		a.mgr.proc.registry.Release(entry)
	}
	a.mgr.remove(a)
}

func (a *Actor) addOp(op *openStreamOp) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateDestroyed {
		return false
	}
	if a.ops == nil {
		a.ops = make(map[*openStreamOp]struct{})
	}
	a.ops[op] = struct{}{}
	return true
}

func (a *Actor) removeOp(op *openStreamOp) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.ops, op)
}

// pendingOp returns the stream operation answering on route.
func (a *Actor) pendingOp(route uint32) *openStreamOp {
	a.mu.Lock()
	defer a.mu.Unlock()
	for op := range a.ops {
		if op.route == route {
			return op
		}
	}
	return nil
}

func (a *Actor) addStream(s *RemoteInputStream) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateDestroyed {
		return false
	}
	if a.streams == nil {
		a.streams = make(map[*RemoteInputStream]struct{})
	}
	a.streams[s] = struct{}{}
	return true
}

func (a *Actor) removeStream(s *RemoteInputStream) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.streams, s)
}

// SetMysteryBlobInfo resolves a mystery blob received from the parent. The
// metadata is applied to the local proxy and forwarded to the parent.
//
// Only child actors receive mystery blobs; calling it on a parent actor
// panics.
func (a *Actor) SetMysteryBlobInfo(md blobimpl.Metadata) error {
	if a.mgr.side == SideParent {
		panic("blobipc: SetMysteryBlobInfo on a parent actor")
	}
	a.mu.Lock()
	if a.state != StateResolving {
		a.mu.Unlock()
		return ErrNotMystery
	}
	impl := a.impl
	if impl == nil {
		if p := a.proxy.Value(); p != nil {
			impl = p
		}
	}
	a.state = StateBound
	a.mu.Unlock()

	if impl != nil {
		if err := impl.SetLazyData(md); err != nil {
			a.mu.Lock()
			if a.state == StateBound {
				a.state = StateResolving
			}
			a.mu.Unlock()
			return err
		}
	}
	return a.mgr.send(a.route, wire.TypeResolveMystery, wire.ResolveMystery{Metadata: md}, nil)
}

// handle processes a message addressed to the actor's route.
func (a *Actor) handle(ctx context.Context, msg *channel.Message) {
	t := wire.Type(msg.Type)
	if a.mgr.side == SideChild && t != wire.TypeDelete {
		closeFiles(msg.Files)
		err := a.mgr.proc.violation("child actor received parent-bound message", "route", a.route, "type", t)
		a.mgr.replyError(msg, err)
		return
	}
	switch t {
	case wire.TypeDelete:
		a.destroy(false)
	case wire.TypeResolveMystery:
		a.resolveMystery(msg)
	case wire.TypeOpenStream:
		a.openStream(ctx, msg)
	case wire.TypeStreamSync:
		a.streamSync(ctx, msg)
	case wire.TypeWaitForSlice:
		// Construction of this actor precedes the request on the channel,
		// so reaching it is the answer.
		a.mgr.replyError(msg, nil)
	default:
		closeFiles(msg.Files)
		err := a.mgr.proc.violation("unexpected actor message", "route", a.route, "type", t)
		a.mgr.replyError(msg, err)
	}
}

func (a *Actor) resolveMystery(msg *channel.Message) {
	var r wire.ResolveMystery
	if err := wire.Unmarshal(msg.Payload, &r); err != nil {
		_ = a.mgr.proc.violation("undecodable mystery resolution", "route", a.route, "error", err) //nolint:errcheck // refused
		return
	}
	a.mu.Lock()
	if a.state != StateResolving {
		a.mu.Unlock()
		_ = a.mgr.proc.violation("mystery resolution for a known blob", "route", a.route) //nolint:errcheck // refused
		return
	}
	a.state = StateBound
	a.mu.Unlock()

	impl := a.localImpl()
	if impl == nil {
		return
	}
	if err := impl.SetLazyData(r.Metadata); err != nil && !errors.Is(err, blobimpl.ErrAlreadyResolved) {
		a.mgr.log().Warn("failed to resolve mystery blob", "route", a.route, "error", err)
	}
}
