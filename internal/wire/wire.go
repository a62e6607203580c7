// Package wire defines the messages exchanged by blob actors and their
// msgpack encoding.
package wire

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/meigma/blobipc/blobimpl"
	"github.com/meigma/blobipc/stream"
)

// ErrMalformed is returned when a payload cannot be decoded.
var ErrMalformed = errors.New("wire: malformed payload")

// Type identifies a message.
type Type uint16

// Message types.
const (
	// TypeConstruct creates a blob actor on the manager route.
	TypeConstruct Type = iota + 1
	// TypeDelete tears down a blob actor.
	TypeDelete
	// TypeResolveMystery carries the final metadata of a mystery blob.
	TypeResolveMystery
	// TypeOpenStream asks for a stream delivered on a stream route.
	TypeOpenStream
	// TypeStreamSync asks for a stream and waits for the reply.
	TypeStreamSync
	// TypeStreamResult delivers a stream and ends the stream route.
	TypeStreamResult
	// TypeWaitForSlice waits until a slice construction was processed.
	TypeWaitForSlice
	// TypeAck answers a synchronous request without data.
	TypeAck
)

// String returns the message name.
func (t Type) String() string {
	switch t {
	case TypeConstruct:
		return "ConstructBlob"
	case TypeDelete:
		return "DeleteBlob"
	case TypeResolveMystery:
		return "ResolveMystery"
	case TypeOpenStream:
		return "OpenStream"
	case TypeStreamSync:
		return "StreamSync"
	case TypeStreamResult:
		return "StreamResult"
	case TypeWaitForSlice:
		return "WaitForSliceCreation"
	case TypeAck:
		return "Ack"
	default:
		return fmt.Sprintf("Type(%d)", uint16(t))
	}
}

// ParamsKind tags blob constructor params.
type ParamsKind uint8

// Constructor kinds.
const (
	KindNormal ParamsKind = iota + 1
	KindFile
	KindSameProcess
	KindMystery
	KindSliced
	KindKnown
)

// String returns the kind name, used as a metrics label.
func (k ParamsKind) String() string {
	switch k {
	case KindNormal:
		return "normal"
	case KindFile:
		return "file"
	case KindSameProcess:
		return "same_process"
	case KindMystery:
		return "mystery"
	case KindSliced:
		return "sliced"
	case KindKnown:
		return "known"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ConstructorParams describes a blob being constructed on the peer.
type ConstructorParams struct {
	Kind ParamsKind `msgpack:"k"`

	// ID names the blob in the parent's registry.
	ID string `msgpack:"id"`

	// Metadata is set for Normal and File params.
	Metadata blobimpl.Metadata `msgpack:"md"`

	// Data carries the bytes of child-created blobs.
	Data *BlobData `msgpack:"data,omitempty"`

	// Handle names an impl parked for a same-process transfer.
	Handle uint64 `msgpack:"h,omitempty"`

	// SourceRoute, Begin and End describe a slice of an existing actor.
	SourceRoute uint32 `msgpack:"src,omitempty"`
	Begin       uint64 `msgpack:"b,omitempty"`
	End         uint64 `msgpack:"e,omitempty"`
}

// Construct is the payload of TypeConstruct.
type Construct struct {
	Route  uint32            `msgpack:"r"`
	Params ConstructorParams `msgpack:"p"`
}

// DataKind tags blob data.
type DataKind uint8

// Blob data kinds.
const (
	DataID DataKind = iota + 1
	DataBytes
	DataStream
	DataParts
)

// BlobData carries the content of a blob created in the child.
type BlobData struct {
	Kind        DataKind       `msgpack:"k"`
	ContentType string         `msgpack:"ct,omitempty"`
	Size        uint64         `msgpack:"n"`
	ID          string         `msgpack:"id,omitempty"`
	Chunks      []Chunk        `msgpack:"c,omitempty"`
	Stream      *stream.Params `msgpack:"s,omitempty"`
	Parts       []BlobData     `msgpack:"p,omitempty"`
}

// ResolveMystery is the payload of TypeResolveMystery.
type ResolveMystery struct {
	Metadata blobimpl.Metadata `msgpack:"md"`
}

// OpenStream is the payload of TypeOpenStream and TypeStreamSync.
type OpenStream struct {
	StreamRoute uint32 `msgpack:"r,omitempty"`
	Start       uint64 `msgpack:"s"`
	Length      uint64 `msgpack:"n"`
}

// StreamResult is the payload of TypeStreamResult.
type StreamResult struct {
	Params *stream.Params `msgpack:"p,omitempty"`
	Error  string         `msgpack:"err,omitempty"`
}

// Ack is the payload of TypeWaitForSlice and of TypeAck replies.
type Ack struct {
	Error string `msgpack:"err,omitempty"`
}

// Marshal encodes v.
func Marshal(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %T: %w", v, err)
	}
	return data, nil
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %T: %v", ErrMalformed, v, err)
	}
	return nil
}
