package blobimpl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/meigma/blobipc/internal/sizing"
	"github.com/meigma/blobipc/stream"
)

// File is a blob backed by a window of a file on disk.
//
// A File refers either to a path, opened per stream, or to an open
// descriptor shared by every stream and slice.
type File struct {
	Base
	path   string
	fd     *os.File
	offset uint64
}

var _ Impl = (*File)(nil)

// FileOption configures a File.
type FileOption func(*fileConfig)

type fileConfig struct {
	contentType string
	name        string
}

// WithContentType sets the content type of a file blob.
func WithContentType(ct string) FileOption {
	return func(c *fileConfig) {
		c.contentType = ct
	}
}

// WithName overrides the file name, which defaults to the path's base name.
func WithName(name string) FileOption {
	return func(c *fileConfig) {
		c.name = name
	}
}

func newFileConfig(path string, opts []FileOption) fileConfig {
	c := fileConfig{name: filepath.Base(path)}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// NewFile stats path and returns a file blob over its current contents.
func NewFile(path string, opts ...FileOption) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("blobimpl: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("blobimpl: %s is not a regular file", path)
	}
	c := newFileConfig(path, opts)
	f := &File{path: path}
	f.Init(Metadata{
		ContentType:  c.contentType,
		Name:         c.name,
		IsFile:       true,
		Size:         uint64(info.Size()), //nolint:gosec // regular file sizes are non-negative
		LastModified: info.ModTime().UnixMilli(),
	})
	return f, nil
}

// NewLazyFile returns a file blob whose size and date stay unknown until
// Stat or SetLazyData resolves them.
func NewLazyFile(path string, opts ...FileOption) *File {
	c := newFileConfig(path, opts)
	f := &File{path: path}
	f.Init(Metadata{
		ContentType: c.contentType,
		Name:        c.name,
		IsFile:      true,
		SizeUnknown: true,
		DateUnknown: true,
	})
	return f
}

// NewFileFromHandle returns a blob over [offset, offset+md.Size) of fd.
// The blob shares fd with its streams and slices; fd is closed when the
// last of them is garbage collected.
func NewFileFromHandle(fd *os.File, offset uint64, md Metadata) *File {
	f := &File{fd: fd, offset: offset}
	f.Init(md)
	return f
}

// FromFileStream takes over the descriptor of a deserialized file stream.
func FromFileStream(s *stream.File, md Metadata) (*File, error) {
	fd, start, length, err := s.Detach()
	if err != nil {
		return nil, err
	}
	md.Size = uint64(length) //nolint:gosec // window lengths are non-negative
	md.SizeUnknown = false
	return NewFileFromHandle(fd, uint64(start), md), nil //nolint:gosec // window starts are non-negative
}

// Path returns the backing path, or the descriptor name for handle-backed files.
func (f *File) Path() string {
	if f.fd != nil {
		return f.fd.Name()
	}
	return f.path
}

// Stat resolves unknown metadata of a lazy file.
func (f *File) Stat() error {
	if !f.IsSizeUnknown() && !f.IsDateUnknown() {
		return nil
	}
	var (
		info os.FileInfo
		err  error
	)
	if f.fd != nil {
		info, err = f.fd.Stat()
	} else {
		info, err = os.Stat(f.path)
	}
	if err != nil {
		return fmt.Errorf("blobimpl: %w", err)
	}
	md := f.Metadata()
	md.Size = uint64(info.Size()) //nolint:gosec // regular file sizes are non-negative
	md.LastModified = info.ModTime().UnixMilli()
	md.SizeUnknown = false
	md.DateUnknown = false
	if err := f.SetLazyData(md); err != nil && !errors.Is(err, ErrAlreadyResolved) {
		return err
	}
	return nil
}

// CreateSlice returns a non-file blob over a sub-window of the same file.
func (f *File) CreateSlice(start, length uint64, contentType string) (Impl, error) {
	if err := f.CheckSlice(start, length); err != nil {
		return nil, err
	}
	offset, ok := sizing.AddUint64(f.offset, start)
	if !ok {
		return nil, ErrSliceBounds
	}
	s := &File{path: f.path, fd: f.fd, offset: offset}
	s.Init(Metadata{ContentType: contentType, Size: length})
	return s, nil
}

// InternalStream returns a stream over the file window.
func (f *File) InternalStream(context.Context) (stream.Stream, error) {
	size, err := f.Size()
	if err != nil {
		return nil, err
	}
	start, err := sizing.ToInt64(f.offset, sizing.ErrOverflow)
	if err != nil {
		return nil, err
	}
	length, err := sizing.ToInt64(size, sizing.ErrOverflow)
	if err != nil {
		return nil, err
	}
	if f.fd != nil {
		return stream.NewFile(f.fd, start, length, false), nil
	}
	return stream.OpenFile(f.path, start, length), nil
}
