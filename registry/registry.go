// Package registry implements the parent-side table of blobs exposed to
// child processes.
//
// Each entry maps a blob ID to the impl it names and to the child process
// the ID was handed to. A child may only resolve IDs registered for it.
// Entries are reference counted by the actors that name them and removed
// when the last reference is released.
package registry

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/meigma/blobipc/blobimpl"
)

// Errors returned by the registry.
var (
	// ErrExists is returned when registering an ID that is already present.
	ErrExists = errors.New("registry: id already registered")

	// ErrNotFound is returned when an ID is unknown to the requesting process.
	ErrNotFound = errors.New("registry: id not found")
)

// ProcessID identifies a process.
type ProcessID string

// Entry is one registered blob.
type Entry struct {
	ID    uuid.UUID
	Owner ProcessID
	Impl  blobimpl.Impl

	refs int
}

// Registry is a process-scoped blob table.
type Registry struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*Entry
	logger  *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger for the registry.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{entries: make(map[uuid.UUID]*Entry)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) log() *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.logger
}

// Create registers impl under id for owner with one reference.
func (r *Registry) Create(id uuid.UUID, owner ProcessID, impl blobimpl.Impl) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return nil, ErrExists
	}
	e := &Entry{ID: id, Owner: owner, Impl: impl, refs: 1}
	r.entries[id] = e
	r.log().Debug("registered blob", "id", id, "owner", owner)
	return e, nil
}

// Get looks up id regardless of owner.
func (r *Registry) Get(id uuid.UUID) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return e, ok
}

// GetForProcess looks up id on behalf of owner.
func (r *Registry) GetForProcess(id uuid.UUID, owner ProcessID) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.Owner != owner {
		return nil, false
	}
	return e, true
}

// Acquire looks up id on behalf of owner and takes a reference.
func (r *Registry) Acquire(id uuid.UUID, owner ProcessID) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	if e.Owner != owner {
		r.log().Warn("blob id requested by foreign process", "id", id, "owner", e.Owner, "requester", owner)
		return nil, ErrNotFound
	}
	e.refs++
	return e, nil
}

// Release drops one reference and removes the entry when none remain.
// It returns the remaining reference count.
func (r *Registry) Release(e *Entry) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.entries[e.ID]
	if !ok || cur != e {
		return 0
	}
	e.refs--
	if e.refs > 0 {
		return e.refs
	}
	delete(r.entries, e.ID)
	r.log().Debug("unregistered blob", "id", e.ID)
	return 0
}

// Refs returns the reference count of id, or zero when absent.
func (r *Registry) Refs(id uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e.refs
	}
	return 0
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close drops every entry.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.entries)
}
