package blobipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/meigma/blobipc/blobimpl"
	"github.com/meigma/blobipc/channel"
	"github.com/meigma/blobipc/executor"
	"github.com/meigma/blobipc/internal/wire"
	"github.com/meigma/blobipc/registry"
)

// Side tells which end of a connection a manager serves.
type Side uint8

// Connection sides.
const (
	SideParent Side = iota + 1
	SideChild
)

// String returns the side name.
func (s Side) String() string {
	switch s {
	case SideParent:
		return "parent"
	case SideChild:
		return "child"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

// Site names where one end of a connection lives. A nil Executor selects
// the process's main executor.
type Site struct {
	Process  *Process
	Executor *executor.Executor
}

// ManagerOption configures both managers of a connection.
type ManagerOption func(*Manager)

// WithBlobHook registers fn to run, on the manager's executor, for every
// actor created from a blob the peer sent.
func WithBlobHook(fn func(*Actor)) ManagerOption {
	return func(m *Manager) {
		m.hook = fn
	}
}

// Manager is one end of a connection. It owns the actors of every blob
// exchanged over the connection.
//
// Routes name actors on both ends. The parent allocates even routes and the
// child odd ones; route 0 addresses the manager itself.
type Manager struct {
	side   Side
	proc   *Process
	exec   *executor.Executor
	ep     *channel.Endpoint
	peerID registry.ProcessID
	hook   func(*Actor)
	logger *slog.Logger

	mu        sync.Mutex
	actors    map[uint32]*Actor
	exported  map[uint64]*Actor
	streams   map[uint32]*RemoteInputStream
	nextRoute uint32
	closed    bool

	sf singleflight.Group
}

// Connect joins parent and child and returns the manager of each side.
func Connect(parent, child Site, opts ...ManagerOption) (*Manager, *Manager, error) {
	if parent.Process == nil || child.Process == nil {
		return nil, nil, errors.New("blobipc: connect requires a parent and a child process")
	}
	pe := parent.Executor
	if pe == nil {
		pe = parent.Process.main
	}
	ce := child.Executor
	if ce == nil {
		ce = child.Process.main
	}
	if pe == ce {
		return nil, nil, ErrSameExecutor
	}

	limits := parent.Process.limits
	pep, cep := channel.Pair(pe, ce,
		channel.WithMaxDescriptors(limits.MaxDescriptorsPerMessage),
		channel.WithMaxMessageBytes(limits.MaxMessageBytes),
		channel.WithSameProcess(parent.Process == child.Process),
		channel.WithLogger(parent.Process.logger),
	)
	pm := newManager(SideParent, parent.Process, pe, pep, child.Process.id, opts)
	cm := newManager(SideChild, child.Process, ce, cep, parent.Process.id, opts)
	return pm, cm, nil
}

func newManager(side Side, proc *Process, exec *executor.Executor, ep *channel.Endpoint, peer registry.ProcessID, opts []ManagerOption) *Manager {
	m := &Manager{
		side:     side,
		proc:     proc,
		exec:     exec,
		ep:       ep,
		peerID:   peer,
		actors:   make(map[uint32]*Actor),
		exported: make(map[uint64]*Actor),
		streams:  make(map[uint32]*RemoteInputStream),
	}
	if side == SideParent {
		m.nextRoute = 2
	} else {
		m.nextRoute = 1
	}
	for _, opt := range opts {
		opt(m)
	}
	if proc.logger != nil {
		m.logger = proc.logger.With("side", side.String())
	}
	ep.SetHandler(m.handle)
	ep.OnClose(m.teardown)
	ep.OnDescriptorSet(func(parts int) { proc.metrics.DescriptorSets.Add(float64(parts)) })
	proc.addManager(m)
	return m
}

func (m *Manager) log() *slog.Logger {
	if m.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return m.logger
}

// Side returns the side the manager serves.
func (m *Manager) Side() Side { return m.side }

// Process returns the process the manager belongs to.
func (m *Manager) Process() *Process { return m.proc }

// Executor returns the executor the manager handles messages on.
func (m *Manager) Executor() *executor.Executor { return m.exec }

// PeerID returns the identity of the process at the other end.
func (m *Manager) PeerID() registry.ProcessID { return m.peerID }

// Endpoint returns the manager's channel endpoint.
func (m *Manager) Endpoint() *channel.Endpoint { return m.ep }

// Actor returns the live actor on route, or nil.
func (m *Manager) Actor(route uint32) *Actor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.actors[route]
}

// Len returns the number of live actors.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actors)
}

// Closed reports whether the connection is gone.
func (m *Manager) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close tears down the connection. Every actor on both ends is destroyed
// and pending remote streams fail with ErrStreamClosed.
func (m *Manager) Close() {
	m.ep.Close()
	m.teardown()
}

func (m *Manager) teardown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	actors := make([]*Actor, 0, len(m.actors))
	for _, a := range m.actors {
		actors = append(actors, a)
	}
	streams := m.streams
	m.streams = make(map[uint32]*RemoteInputStream)
	m.mu.Unlock()

	for _, a := range actors {
		a.destroy(false)
	}
	for _, s := range streams {
		s.SetError(ErrStreamClosed)
	}
	m.log().Debug("connection closed", "actors", len(actors))
}

func (m *Manager) ownsRoute(route uint32) bool {
	return (route%2 == 0) == (m.side == SideParent)
}

func (m *Manager) allocRoute() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.nextRoute
	m.nextRoute += 2
	return r
}

func (m *Manager) register(a *Actor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	m.actors[a.route] = a
	return nil
}

func (m *Manager) remove(a *Actor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.actors[a.route] == a {
		delete(m.actors, a.route)
	}
	if m.exported[a.serial] == a {
		delete(m.exported, a.serial)
	}
}

func (m *Manager) exportedActor(serial uint64) *Actor {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.exported[serial]
	if a == nil || a.State() == StateDestroyed {
		return nil
	}
	return a
}

func (m *Manager) addStream(route uint32, s *RemoteInputStream) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	m.streams[route] = s
	return nil
}

func (m *Manager) takeStream(route uint32) *RemoteInputStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.streams[route]
	delete(m.streams, route)
	return s
}

func (m *Manager) send(route uint32, t wire.Type, v any, files []*os.File) error {
	payload, err := wire.Marshal(v)
	if err != nil {
		return err
	}
	return m.ep.Send(&channel.Message{Route: route, Type: uint16(t), Payload: payload, Files: files})
}

// GetOrCreate returns the actor exposing impl to the peer, constructing it
// on both ends when needed.
//
// A remote blob already bound to this manager yields its actor. A remote
// blob of the same parent reached through another connection is referenced
// by ID instead of copied. Any other blob is frozen and sent; repeated calls
// for the same impl return the same actor without sending again.
//
// A transport failure returns a nil actor and the error. The blob remains
// valid locally.
func (m *Manager) GetOrCreate(ctx context.Context, impl blobimpl.Impl) (*Actor, error) {
	if impl == nil {
		return nil, errors.New("blobipc: nil blob")
	}
	if m.Closed() {
		return nil, ErrManagerClosed
	}
	if r, ok := impl.(Remote); ok {
		if a := r.RemoteActor(); a != nil && a.mgr == m {
			if a.State() == StateDestroyed {
				return nil, ErrActorDestroyed
			}
			return a, nil
		}
	}
	if p, ok := impl.(*parentBlobImpl); ok {
		impl = p.Impl
	}

	serial := impl.SerialNumber()
	v, err, _ := m.sf.Do(strconv.FormatUint(serial, 10), func() (any, error) {
		if a := m.exportedActor(serial); a != nil {
			return a, nil
		}
		a, err := m.create(ctx, impl)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.exported[serial] = a
		m.mu.Unlock()
		return a, nil
	})
	if err != nil {
		m.proc.metrics.TransferFailures.Inc()
		m.log().Warn("blob transfer failed", "error", err)
		return nil, err
	}
	return v.(*Actor), nil //nolint:forcetypeassert // only actors are stored
}

func (m *Manager) create(ctx context.Context, impl blobimpl.Impl) (*Actor, error) {
	if m.side == SideChild {
		switch r := impl.(type) {
		case *remoteBlobImpl:
			if r.actor.mgr.side == SideChild && r.actor.mgr.peerID == m.peerID {
				return m.constructKnown(impl, r.actor.id)
			}
		case *remoteSliceBlobImpl:
			if r.source.actor.mgr.peerID == m.peerID {
				a, err := r.ensureActor()
				if err != nil {
					return nil, err
				}
				if a.mgr == m {
					return a, nil
				}
				if err := a.mgr.waitForSlice(ctx, a); err != nil {
					return nil, err
				}
				return m.constructKnown(impl, r.id)
			}
		}
	}
	if err := impl.SetMutable(false); err != nil {
		return nil, fmt.Errorf("blobipc: freeze blob: %w", err)
	}
	return m.construct(ctx, impl)
}

// handle dispatches an incoming message. It runs on the manager executor.
func (m *Manager) handle(ctx context.Context, msg *channel.Message) {
	if msg.Route == 0 {
		if wire.Type(msg.Type) != wire.TypeConstruct {
			closeFiles(msg.Files)
			_ = m.proc.violation("unexpected manager message", "type", wire.Type(msg.Type)) //nolint:errcheck // refused
			return
		}
		m.receiveConstruct(msg)
		return
	}
	if m.side == SideChild {
		if s := m.takeStream(msg.Route); s != nil {
			s.deliverResult(msg)
			return
		}
	}
	a := m.Actor(msg.Route)
	if a == nil {
		// The actor may have been destroyed while the message was in flight.
		m.log().Debug("message for unknown route", "route", msg.Route, "type", wire.Type(msg.Type))
		closeFiles(msg.Files)
		m.replyError(msg, ErrActorDestroyed)
		return
	}
	a.handle(ctx, msg)
}

// replyError answers a synchronous request so the caller does not wait
// forever. A nil err acknowledges the request.
func (m *Manager) replyError(req *channel.Message, err error) {
	if !req.IsSync() {
		return
	}
	var text string
	if err != nil {
		text = err.Error()
	}
	var (
		t wire.Type
		v any
	)
	switch wire.Type(req.Type) {
	case wire.TypeStreamSync:
		t, v = wire.TypeStreamResult, wire.StreamResult{Error: text}
	default:
		t, v = wire.TypeAck, wire.Ack{Error: text}
	}
	payload, merr := wire.Marshal(v)
	if merr != nil {
		return
	}
	//nolint:errcheck // a closed channel fails the caller instead
	_ = m.ep.Reply(req, &channel.Message{Route: req.Route, Type: uint16(t), Payload: payload})
}

func (m *Manager) receiveConstruct(msg *channel.Message) {
	var c wire.Construct
	if err := wire.Unmarshal(msg.Payload, &c); err != nil {
		closeFiles(msg.Files)
		_ = m.proc.violation("undecodable construct", "error", err) //nolint:errcheck // refused
		return
	}
	if c.Route == 0 || m.ownsRoute(c.Route) || m.Actor(c.Route) != nil {
		closeFiles(msg.Files)
		_ = m.proc.violation("construct on invalid route", "route", c.Route) //nolint:errcheck // refused
		return
	}
	a, err := m.createFromParams(c.Route, c.Params, msg.Files)
	if err != nil {
		m.log().Debug("refused blob", "route", c.Route, "kind", c.Params.Kind, "error", err)
		return
	}
	if err := m.register(a); err != nil {
		a.release()
		return
	}
	m.proc.metrics.BlobsConstructed.WithLabelValues(m.side.String(), c.Params.Kind.String()).Inc()
	m.log().Debug("received blob", "route", a.route, "id", a.id, "kind", c.Params.Kind)
	if m.hook != nil {
		m.hook(a)
	}
}

// waitForSlice blocks until the peer processed the construction of the
// slice actor a.
func (m *Manager) waitForSlice(ctx context.Context, a *Actor) error {
	payload, err := wire.Marshal(wire.Ack{})
	if err != nil {
		return err
	}
	reply, err := m.ep.Call(ctx, &channel.Message{Route: a.route, Type: uint16(wire.TypeWaitForSlice), Payload: payload})
	if err != nil {
		return fmt.Errorf("blobipc: wait for slice: %w", err)
	}
	var ack wire.Ack
	if err := wire.Unmarshal(reply.Payload, &ack); err != nil {
		return err
	}
	if ack.Error != "" {
		return fmt.Errorf("%w: slice: %s", ErrStreamFailed, ack.Error)
	}
	return nil
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close() //nolint:errcheck // best-effort cleanup
		}
	}
}
