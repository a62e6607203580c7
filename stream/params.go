package stream

import (
	"errors"
	"fmt"
	"os"
)

// Kind identifies the shape of serialized stream params.
type Kind uint8

// Stream param kinds.
const (
	KindString Kind = iota + 1
	KindFile
	KindMultiplex
	KindHandle
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindFile:
		return "file"
	case KindMultiplex:
		return "multiplex"
	case KindHandle:
		return "handle"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Params is the wire representation of a stream.
type Params struct {
	Kind Kind `msgpack:"k"`

	// Data holds the bytes of a string stream.
	Data []byte `msgpack:"d,omitempty"`

	// Descriptor indexes the out-of-band descriptors of a file stream.
	Descriptor int `msgpack:"fd,omitempty"`

	// Start and Length bound the readable window of a file stream.
	Start  int64 `msgpack:"s,omitempty"`
	Length int64 `msgpack:"n,omitempty"`

	// Streams are the parts of a multiplex stream.
	Streams []Params `msgpack:"m,omitempty"`

	// Handle names a stream parked in a same-process handle table.
	Handle uint64 `msgpack:"h,omitempty"`
}

// Collector accumulates the descriptors referenced by serialized params.
type Collector struct {
	files []*os.File
}

// AddFile records f and returns its descriptor index.
func (c *Collector) AddFile(f *os.File) int {
	c.files = append(c.files, f)
	return len(c.files) - 1
}

// Files returns the recorded descriptors in index order.
func (c *Collector) Files() []*os.File {
	return c.files
}

// HandleResolver hands over objects parked for a same-process transfer.
type HandleResolver interface {
	Take(h uint64) (any, bool)
}

// Serialize describes s with a fresh collector.
func Serialize(s Stream) (Params, []*os.File, error) {
	ser, ok := s.(Serializable)
	if !ok {
		return Params{}, nil, ErrNotSerializable
	}
	var c Collector
	p, err := ser.Serialize(&c)
	if err != nil {
		return Params{}, nil, err
	}
	return p, c.Files(), nil
}

// Deserialize rebuilds the stream described by p.
//
// Deserialize takes ownership of files: descriptors claimed by the result
// are closed when the stream is closed and the rest are closed before
// returning. handles may be nil when p holds no handle params.
func Deserialize(p Params, files []*os.File, handles HandleResolver) (Stream, error) {
	d := NewDecoder(files, handles)
	defer d.Close()
	return d.Decode(p)
}

// Decoder rebuilds several streams whose params index one shared list of
// descriptors.
type Decoder struct {
	files   []*os.File
	claimed []bool
	handles HandleResolver
	created []Stream
}

// NewDecoder returns a decoder owning files.
func NewDecoder(files []*os.File, handles HandleResolver) *Decoder {
	return &Decoder{files: files, claimed: make([]bool, len(files)), handles: handles}
}

// Decode rebuilds the stream described by p. On error the streams created
// by this call are closed.
func (d *Decoder) Decode(p Params) (Stream, error) {
	d.created = d.created[:0]
	s, err := d.stream(p)
	if err != nil {
		_ = closeAll(d.created) //nolint:errcheck // best-effort cleanup
		return nil, err
	}
	return s, nil
}

// Close closes every descriptor no decoded stream claimed.
func (d *Decoder) Close() {
	for i, f := range d.files {
		if !d.claimed[i] && f != nil {
			_ = f.Close() //nolint:errcheck // unreferenced descriptor
		}
		d.claimed[i] = true
	}
}

func (d *Decoder) stream(p Params) (Stream, error) {
	switch p.Kind {
	case KindString:
		s := NewBytes(p.Data)
		d.created = append(d.created, s)
		return s, nil
	case KindFile:
		if p.Descriptor < 0 || p.Descriptor >= len(d.files) {
			return nil, fmt.Errorf("%w: descriptor %d of %d", ErrInvalidParams, p.Descriptor, len(d.files))
		}
		if d.claimed[p.Descriptor] {
			return nil, fmt.Errorf("%w: descriptor %d referenced twice", ErrInvalidParams, p.Descriptor)
		}
		if p.Start < 0 || p.Length < 0 {
			return nil, fmt.Errorf("%w: negative file window", ErrInvalidParams)
		}
		d.claimed[p.Descriptor] = true
		s := NewFile(d.files[p.Descriptor], p.Start, p.Length, true)
		d.created = append(d.created, s)
		return s, nil
	case KindMultiplex:
		parts := make([]Stream, 0, len(p.Streams))
		for _, sp := range p.Streams {
			s, err := d.stream(sp)
			if err != nil {
				return nil, err
			}
			parts = append(parts, s)
		}
		return NewMultiplex(parts...), nil
	case KindHandle:
		if d.handles == nil {
			return nil, fmt.Errorf("%w: handle params across processes", ErrInvalidParams)
		}
		v, ok := d.handles.Take(p.Handle)
		if !ok {
			return nil, fmt.Errorf("%w: unknown handle %d", ErrInvalidParams, p.Handle)
		}
		s, ok := v.(Stream)
		if !ok {
			return nil, fmt.Errorf("%w: handle %d is %T", ErrInvalidParams, p.Handle, v)
		}
		d.created = append(d.created, s)
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidParams, p.Kind)
	}
}

// closeAll closes every stream and joins their errors.
func closeAll(streams []Stream) error {
	var errs []error
	for _, s := range streams {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
