package blobimpl

import (
	"context"
	"fmt"

	"github.com/meigma/blobipc/internal/sizing"
	"github.com/meigma/blobipc/stream"
)

// Multipart is the concatenation of an ordered list of blobs.
type Multipart struct {
	Base
	parts []Impl
}

var _ Impl = (*Multipart)(nil)

// MultipartBuilder accumulates the parts of a composite blob.
type MultipartBuilder struct {
	parts []Impl
	size  uint64
	md    Metadata
}

// NewMultipartBuilder starts a composite blob with the given content type.
func NewMultipartBuilder(contentType string) *MultipartBuilder {
	return &MultipartBuilder{md: Metadata{ContentType: contentType}}
}

// AsFile makes the built blob a file.
func (b *MultipartBuilder) AsFile(name string, lastModified int64) *MultipartBuilder {
	b.md.IsFile = true
	b.md.Name = name
	b.md.LastModified = lastModified
	return b
}

// Append adds part to the end.
//
// Appending a part whose size is unknown is a programming error and panics:
// the composite size must be final when the blob is built.
func (b *MultipartBuilder) Append(part Impl) *MultipartBuilder {
	size, err := part.Size()
	if err != nil {
		panic(fmt.Sprintf("blobimpl: multipart part with unknown size: %v", err))
	}
	total, ok := sizing.AddUint64(b.size, size)
	if !ok {
		panic("blobimpl: multipart size overflows")
	}
	b.size = total
	b.parts = append(b.parts, part)
	return b
}

// Build returns the composite blob.
//
// With no parts the result is an empty blob. With exactly one part the
// result is that part itself, without a wrapper, unless the blob was made
// a file with AsFile.
func (b *MultipartBuilder) Build() Impl {
	switch len(b.parts) {
	case 0:
		if b.md.IsFile {
			return NewEmptyFile(b.md.Name, b.md.ContentType, b.md.LastModified)
		}
		return NewEmpty(b.md.ContentType)
	case 1:
		if !b.md.IsFile {
			return b.parts[0]
		}
	}
	m := &Multipart{parts: b.parts}
	md := b.md
	md.Size = b.size
	m.Init(md)
	return m
}

// NewMultipart builds a composite blob from parts.
func NewMultipart(parts []Impl, contentType string) Impl {
	b := NewMultipartBuilder(contentType)
	for _, p := range parts {
		b.Append(p)
	}
	return b.Build()
}

// SubImpls returns the parts.
func (m *Multipart) SubImpls() []Impl {
	out := make([]Impl, len(m.parts))
	copy(out, m.parts)
	return out
}

// SetMutable freezes the composite and every part.
func (m *Multipart) SetMutable(mutable bool) error {
	if err := m.Base.SetMutable(mutable); err != nil {
		return err
	}
	if mutable {
		return nil
	}
	for _, p := range m.parts {
		if err := p.SetMutable(false); err != nil {
			return err
		}
	}
	return nil
}

// CreateSlice slices the overlapping parts and recombines them.
func (m *Multipart) CreateSlice(start, length uint64, contentType string) (Impl, error) {
	if err := m.CheckSlice(start, length); err != nil {
		return nil, err
	}
	b := NewMultipartBuilder(contentType)
	skip, remaining := start, length
	var pending []Impl
	for _, part := range m.parts {
		if remaining == 0 {
			break
		}
		size, err := part.Size()
		if err != nil {
			return nil, err
		}
		if skip >= size {
			skip -= size
			continue
		}
		take := min(size-skip, remaining)
		if skip == 0 && take == size {
			pending = append(pending, part)
		} else {
			sliced, err := part.CreateSlice(skip, take, part.ContentType())
			if err != nil {
				return nil, err
			}
			pending = append(pending, sliced)
		}
		skip = 0
		remaining -= take
	}
	if len(pending) == 1 {
		// A single part must still carry the requested content type.
		size, err := pending[0].Size()
		if err != nil {
			return nil, err
		}
		return pending[0].CreateSlice(0, size, contentType)
	}
	for _, p := range pending {
		b.Append(p)
	}
	return b.Build(), nil
}

// InternalStream concatenates the parts' streams.
func (m *Multipart) InternalStream(ctx context.Context) (stream.Stream, error) {
	streams := make([]stream.Stream, 0, len(m.parts))
	for _, p := range m.parts {
		s, err := p.InternalStream(ctx)
		if err != nil {
			for _, opened := range streams {
				_ = opened.Close() //nolint:errcheck // best-effort cleanup
			}
			return nil, err
		}
		streams = append(streams, s)
	}
	return stream.NewMultiplex(streams...), nil
}
