package blobipc

import (
	"errors"

	"github.com/meigma/blobipc/blobimpl"
	"github.com/meigma/blobipc/channel"
	"github.com/meigma/blobipc/internal/wire"
	"github.com/meigma/blobipc/registry"
)

// Errors returned by managers, actors and remote streams.
var (
	// ErrProtocolViolation is returned when a peer sends a malformed or
	// out-of-order message. The offending request is refused.
	ErrProtocolViolation = errors.New("blobipc: protocol violation")

	// ErrMainThreadBlocking is returned when a read would block the main
	// executor while it is also the executor the stream waits on.
	ErrMainThreadBlocking = errors.New("blobipc: refusing to block the main executor")

	// ErrStreamClosed is returned by remote streams whose actor was destroyed.
	ErrStreamClosed = errors.New("blobipc: stream closed")

	// ErrStreamFailed is returned when the owning side could not open a stream.
	ErrStreamFailed = errors.New("blobipc: remote stream failed")

	// ErrManagerClosed is returned when using a closed manager.
	ErrManagerClosed = errors.New("blobipc: manager closed")

	// ErrActorDestroyed is returned when using a destroyed actor.
	ErrActorDestroyed = errors.New("blobipc: actor destroyed")

	// ErrNotMystery is returned when resolving an actor that awaits no metadata.
	ErrNotMystery = errors.New("blobipc: actor is not resolving")

	// ErrForeignBlob is returned when sending a remote blob to a process
	// that cannot reach the blob's owner.
	ErrForeignBlob = errors.New("blobipc: blob belongs to another parent")

	// ErrSameExecutor is returned when both ends of a connection would share
	// one executor.
	ErrSameExecutor = errors.New("blobipc: both ends share one executor")
)

// Errors re-exported from blobimpl.
var (
	// ErrSizeUnknown is returned when a blob's size has not been resolved.
	ErrSizeUnknown = blobimpl.ErrSizeUnknown

	// ErrImmutable is returned when making an immutable blob mutable again.
	ErrImmutable = blobimpl.ErrImmutable

	// ErrSliceBounds is returned when a slice does not fit its source.
	ErrSliceBounds = blobimpl.ErrSliceBounds

	// ErrNotSliceable is returned when slicing a blob that is read only whole.
	ErrNotSliceable = blobimpl.ErrNotSliceable
)

// Errors re-exported from channel, registry and wire.
var (
	// ErrChannelClosed is returned when the connection has been torn down.
	ErrChannelClosed = channel.ErrClosed

	// ErrNotFound is returned when a blob ID is unknown to the requesting process.
	ErrNotFound = registry.ErrNotFound

	// ErrDigestMismatch is returned when inline data fails verification.
	ErrDigestMismatch = wire.ErrDigestMismatch
)
