package blobimpl

import (
	"context"

	"github.com/meigma/blobipc/stream"
)

// Memory is a blob backed by an immutable byte buffer.
type Memory struct {
	Base
	data []byte
}

var _ Impl = (*Memory)(nil)

// NewMemory returns a blob owning data. The caller must not modify data.
func NewMemory(data []byte, contentType string) *Memory {
	m := &Memory{data: data}
	m.Init(Metadata{ContentType: contentType, Size: uint64(len(data))})
	return m
}

// NewMemoryFile returns a file blob owning data.
func NewMemoryFile(data []byte, name, contentType string, lastModified int64) *Memory {
	m := &Memory{data: data}
	m.Init(Metadata{
		ContentType:  contentType,
		Name:         name,
		IsFile:       true,
		Size:         uint64(len(data)),
		LastModified: lastModified,
	})
	return m
}

// Data returns the backing buffer. It must not be modified.
func (m *Memory) Data() []byte { return m.data }

// CreateSlice shares the backing buffer.
func (m *Memory) CreateSlice(start, length uint64, contentType string) (Impl, error) {
	if err := m.CheckSlice(start, length); err != nil {
		return nil, err
	}
	return NewMemory(m.data[start:start+length], contentType), nil
}

// InternalStream returns a stream over the buffer.
func (m *Memory) InternalStream(context.Context) (stream.Stream, error) {
	return stream.NewBytes(m.data), nil
}

// Empty is a zero-length blob.
type Empty struct {
	Base
}

var _ Impl = (*Empty)(nil)

// NewEmpty returns an empty blob.
func NewEmpty(contentType string) *Empty {
	e := &Empty{}
	e.Init(Metadata{ContentType: contentType})
	return e
}

// NewEmptyFile returns an empty file.
func NewEmptyFile(name, contentType string, lastModified int64) *Empty {
	e := &Empty{}
	e.Init(Metadata{ContentType: contentType, Name: name, IsFile: true, LastModified: lastModified})
	return e
}

// CreateSlice returns another empty blob.
func (e *Empty) CreateSlice(start, length uint64, contentType string) (Impl, error) {
	if err := e.CheckSlice(start, length); err != nil {
		return nil, err
	}
	return NewEmpty(contentType), nil
}

// InternalStream returns an empty stream.
func (e *Empty) InternalStream(context.Context) (stream.Stream, error) {
	return stream.NewBytes(nil), nil
}
