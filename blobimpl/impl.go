// Package blobimpl implements the blob variants that hold their bytes in the
// current process.
//
// Every variant embeds [Base], which owns the metadata, the mutability flag
// and the process-local serial number. Metadata is published through a single
// atomic pointer, so once an impl is immutable any goroutine may read it
// without locking.
package blobimpl

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/meigma/blobipc/internal/sizing"
	"github.com/meigma/blobipc/stream"
)

// Errors returned by blob impls.
var (
	// ErrSizeUnknown is returned when a blob's size has not been resolved.
	ErrSizeUnknown = errors.New("blobimpl: size unknown")

	// ErrDateUnknown is returned when a file's modification date has not been resolved.
	ErrDateUnknown = errors.New("blobimpl: date unknown")

	// ErrImmutable is returned when making an immutable blob mutable again.
	ErrImmutable = errors.New("blobimpl: blob is immutable")

	// ErrAlreadyResolved is returned when resolving metadata that is already known.
	ErrAlreadyResolved = errors.New("blobimpl: metadata already resolved")

	// ErrIncompleteMetadata is returned when lazy data leaves values unknown.
	ErrIncompleteMetadata = errors.New("blobimpl: incomplete metadata")

	// ErrSliceBounds is returned when a slice does not fit its source.
	ErrSliceBounds = errors.New("blobimpl: slice out of bounds")

	// ErrStreamConsumed is returned when a single-use stream was already taken.
	ErrStreamConsumed = errors.New("blobimpl: stream already consumed")

	// ErrNotSliceable is returned for blobs that can only be read whole.
	ErrNotSliceable = errors.New("blobimpl: blob cannot be sliced")
)

// Impl is the capability set shared by every blob variant.
type Impl interface {
	// ContentType returns the MIME type, possibly empty.
	ContentType() string

	// Name returns the file name. ok is false for blobs that are not files.
	Name() (name string, ok bool)

	// IsFile reports whether the blob is a file.
	IsFile() bool

	// Size returns the byte length, or ErrSizeUnknown.
	Size() (uint64, error)

	// LastModified returns the modification time in milliseconds since the
	// epoch, or ErrDateUnknown.
	LastModified() (int64, error)

	// IsSizeUnknown reports whether the size awaits resolution.
	IsSizeUnknown() bool

	// IsDateUnknown reports whether the date awaits resolution.
	IsDateUnknown() bool

	// Metadata returns a snapshot of all metadata.
	Metadata() Metadata

	// SetLazyData resolves unknown metadata once.
	SetLazyData(md Metadata) error

	// Mutable reports whether the blob may still change.
	Mutable() bool

	// SetMutable(false) freezes the blob. Going back returns ErrImmutable.
	SetMutable(mutable bool) error

	// SerialNumber identifies the impl within the process.
	SerialNumber() uint64

	// CreateSlice returns the bytes [start, start+length) as a new blob.
	CreateSlice(start, length uint64, contentType string) (Impl, error)

	// InternalStream returns a stream over the blob's bytes.
	InternalStream(ctx context.Context) (stream.Stream, error)

	// SubImpls returns the parts of a composite blob, or nil.
	SubImpls() []Impl
}

// Metadata describes a blob.
type Metadata struct {
	ContentType  string `msgpack:"ct,omitempty"`
	Name         string `msgpack:"name,omitempty"`
	IsFile       bool   `msgpack:"file,omitempty"`
	Size         uint64 `msgpack:"size"`
	LastModified int64  `msgpack:"mod,omitempty"`
	SizeUnknown  bool   `msgpack:"nosize,omitempty"`
	DateUnknown  bool   `msgpack:"nodate,omitempty"`
}

// Known reports whether size and date are both resolved.
func (m Metadata) Known() bool {
	return !m.SizeUnknown && !m.DateUnknown
}

var serials atomic.Uint64

// NextSerial returns a fresh process-local serial number.
func NextSerial() uint64 {
	return serials.Add(1)
}

// Base carries the state common to every variant.
type Base struct {
	meta      atomic.Pointer[Metadata]
	immutable atomic.Bool
	serial    uint64
}

// Init sets the metadata and assigns a serial number.
func (b *Base) Init(md Metadata) {
	if !md.IsFile {
		md.Name = ""
		md.DateUnknown = false
	}
	b.meta.Store(&md)
	b.serial = NextSerial()
}

func (b *Base) load() *Metadata {
	if md := b.meta.Load(); md != nil {
		return md
	}
	return &Metadata{}
}

// ContentType returns the MIME type.
func (b *Base) ContentType() string { return b.load().ContentType }

// Name returns the file name for files.
func (b *Base) Name() (string, bool) {
	md := b.load()
	return md.Name, md.IsFile
}

// IsFile reports whether the blob is a file.
func (b *Base) IsFile() bool { return b.load().IsFile }

// Size returns the size or ErrSizeUnknown.
func (b *Base) Size() (uint64, error) {
	md := b.load()
	if md.SizeUnknown {
		return 0, ErrSizeUnknown
	}
	return md.Size, nil
}

// LastModified returns the modification date or ErrDateUnknown.
func (b *Base) LastModified() (int64, error) {
	md := b.load()
	if md.DateUnknown {
		return 0, ErrDateUnknown
	}
	return md.LastModified, nil
}

// IsSizeUnknown reports whether the size awaits resolution.
func (b *Base) IsSizeUnknown() bool { return b.load().SizeUnknown }

// IsDateUnknown reports whether the date awaits resolution.
func (b *Base) IsDateUnknown() bool { return b.load().DateUnknown }

// Metadata returns a metadata snapshot.
func (b *Base) Metadata() Metadata { return *b.load() }

// SetLazyData fills in unknown metadata.
//
// It is allowed on immutable blobs, since resolving unknown metadata does not
// change any value a reader has observed. Known metadata is never replaced.
func (b *Base) SetLazyData(md Metadata) error {
	if md.SizeUnknown || md.DateUnknown {
		return ErrIncompleteMetadata
	}
	for {
		orig := b.meta.Load()
		cur := orig
		if cur == nil {
			cur = &Metadata{}
		} else if cur.Known() {
			return ErrAlreadyResolved
		}
		next := md
		next.IsFile = md.IsFile || cur.IsFile
		if next.Name == "" {
			next.Name = cur.Name
		}
		if !next.IsFile {
			next.Name = ""
			next.LastModified = 0
		}
		if b.meta.CompareAndSwap(orig, &next) {
			return nil
		}
	}
}

// Mutable reports whether the blob may still change.
func (b *Base) Mutable() bool { return !b.immutable.Load() }

// SetMutable freezes the blob. The transition happens once and never reverses.
func (b *Base) SetMutable(mutable bool) error {
	if mutable {
		if b.immutable.Load() {
			return ErrImmutable
		}
		return nil
	}
	b.immutable.Store(true)
	return nil
}

// SerialNumber identifies the impl within the process.
func (b *Base) SerialNumber() uint64 { return b.serial }

// SubImpls returns nil for non-composite blobs.
func (b *Base) SubImpls() []Impl { return nil }

// CheckSlice validates a slice request against the blob size.
func (b *Base) CheckSlice(start, length uint64) error {
	size, err := b.Size()
	if err != nil {
		return err
	}
	if err := sizing.CheckWindow(start, length, size); err != nil {
		return fmt.Errorf("%w: [%d, +%d) of %d", ErrSliceBounds, start, length, size)
	}
	return nil
}

// Slice slices impl with relative positions; negative values count back
// from the end and out-of-range values are clamped.
func Slice(impl Impl, start, end int64, contentType string) (Impl, error) {
	size, err := impl.Size()
	if err != nil {
		return nil, err
	}
	s, l := sizing.ClampRange(size, start, end)
	return impl.CreateSlice(s, l, contentType)
}

// ReadAll reads the whole blob. It is meant for small blobs and tests.
func ReadAll(ctx context.Context, impl Impl) ([]byte, error) {
	s, err := impl.InternalStream(ctx)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	size, err := impl.Size()
	if err != nil {
		return nil, err
	}
	return sizing.ReadAllWithLimit(s, size, fmt.Errorf("%w: stream longer than blob", ErrSliceBounds))
}
