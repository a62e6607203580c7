package blobipc

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/meigma/blobipc/blobimpl"
	"github.com/meigma/blobipc/internal/sizing"
	"github.com/meigma/blobipc/internal/wire"
	"github.com/meigma/blobipc/stream"
)

// Remote is implemented by blobs that are bound to an actor.
type Remote interface {
	blobimpl.Impl

	// RemoteActor returns the actor, or nil when none exists yet.
	RemoteActor() *Actor
}

// remoteBlobImpl is the child's proxy for a blob held by the parent.
type remoteBlobImpl struct {
	blobimpl.Base
	actor *Actor
}

var _ Remote = (*remoteBlobImpl)(nil)

func newRemoteBlob(a *Actor, md blobimpl.Metadata) *remoteBlobImpl {
	r := &remoteBlobImpl{actor: a}
	r.Init(md)
	_ = r.SetMutable(false) //nolint:errcheck // freezing never fails
	return r
}

func (r *remoteBlobImpl) RemoteActor() *Actor { return r.actor }

// CreateSlice returns a remote slice; no actor exists for it until it is
// sent somewhere.
func (r *remoteBlobImpl) CreateSlice(start, length uint64, contentType string) (blobimpl.Impl, error) {
	if err := r.CheckSlice(start, length); err != nil {
		return nil, err
	}
	return newRemoteSlice(r, start, length, contentType), nil
}

// InternalStream asks the parent for the blob's bytes.
func (r *remoteBlobImpl) InternalStream(ctx context.Context) (stream.Stream, error) {
	size, err := r.Size()
	if err != nil {
		return nil, err
	}
	s, err := r.actor.newRemoteStream(ctx, r, 0, size)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// remoteSliceBlobImpl is a slice of a remote blob. Its actor is created on
// the source's connection the first time the slice is sent.
type remoteSliceBlobImpl struct {
	blobimpl.Base
	source *remoteBlobImpl
	start  uint64
	id     uuid.UUID

	mu    sync.Mutex
	actor *Actor
}

var _ Remote = (*remoteSliceBlobImpl)(nil)

func newRemoteSlice(source *remoteBlobImpl, start, length uint64, contentType string) *remoteSliceBlobImpl {
	s := &remoteSliceBlobImpl{source: source, start: start, id: uuid.New()}
	s.Init(blobimpl.Metadata{ContentType: contentType, Size: length})
	_ = s.SetMutable(false) //nolint:errcheck // freezing never fails
	return s
}

func (s *remoteSliceBlobImpl) RemoteActor() *Actor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actor
}

// CreateSlice slices the source directly.
func (s *remoteSliceBlobImpl) CreateSlice(start, length uint64, contentType string) (blobimpl.Impl, error) {
	if err := s.CheckSlice(start, length); err != nil {
		return nil, err
	}
	offset, ok := sizing.AddUint64(s.start, start)
	if !ok {
		return nil, sizing.ErrOverflow
	}
	return newRemoteSlice(s.source, offset, length, contentType), nil
}

// InternalStream reads the slice window of the source.
func (s *remoteSliceBlobImpl) InternalStream(ctx context.Context) (stream.Stream, error) {
	size, err := s.Size()
	if err != nil {
		return nil, err
	}
	rs, err := s.source.actor.newRemoteStream(ctx, s, s.start, size)
	if err != nil {
		return nil, err
	}
	return rs, nil
}

// ensureActor creates the slice actor on the source's connection. The
// parent registers the slice under the ID chosen here, so the ID may be
// referenced on other connections before any acknowledgement.
func (s *remoteSliceBlobImpl) ensureActor() (*Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.actor != nil && s.actor.State() != StateDestroyed {
		return s.actor, nil
	}
	if s.source.actor.State() == StateDestroyed {
		return nil, ErrActorDestroyed
	}
	m := s.source.actor.mgr
	size, err := s.Size()
	if err != nil {
		return nil, err
	}
	end, ok := sizing.AddUint64(s.start, size)
	if !ok {
		return nil, sizing.ErrOverflow
	}
	a := newActor(m, m.allocRoute(), s.id, s, true)
	if err := m.register(a); err != nil {
		return nil, err
	}
	err = m.send(0, wire.TypeConstruct, wire.Construct{
		Route: a.route,
		Params: wire.ConstructorParams{
			Kind:        wire.KindSliced,
			ID:          s.id.String(),
			Metadata:    s.Metadata(),
			SourceRoute: s.source.actor.route,
			Begin:       s.start,
			End:         end,
		},
	}, nil)
	if err != nil {
		a.release()
		return nil, fmt.Errorf("blobipc: construct slice: %w", err)
	}
	m.proc.metrics.BlobsConstructed.WithLabelValues(m.side.String(), wire.KindSliced.String()).Inc()
	s.actor = a
	return a, nil
}

// parentBlobImpl wraps a blob the parent received from a child, binding it
// to the actor that received it.
type parentBlobImpl struct {
	blobimpl.Impl
	actor *Actor
}

var _ Remote = (*parentBlobImpl)(nil)

func (p *parentBlobImpl) RemoteActor() *Actor { return p.actor }
