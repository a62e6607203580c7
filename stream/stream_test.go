package stream

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestBytesReadSeekSetEOF(t *testing.T) {
	t.Parallel()

	s := NewBytes([]byte("hello world"))
	n, err := s.Available()
	require.NoError(t, err)
	assert.Equal(t, int64(11), n)

	buf := make([]byte, 5)
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	pos, err := Tell(s)
	require.NoError(t, err)
	assert.Equal(t, int64(5), pos)

	_, err = s.Seek(0, io.SeekStart)
	require.NoError(t, err)
	_, err = s.Seek(8, io.SeekStart)
	require.NoError(t, err)
	require.NoError(t, s.SetEOF())
	rest, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Empty(t, rest)

	_, err = s.Seek(6, io.SeekStart)
	require.NoError(t, err)
	rest, err = io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "wo", string(rest))

	require.NoError(t, s.Close())
	_, err = s.Read(buf)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFileWindow(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, "0123456789")
	s := OpenFile(path, 2, 5)
	defer s.Close()

	n, err := s.Available()
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	data, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "23456", string(data))

	_, err = s.Seek(-2, io.SeekEnd)
	require.NoError(t, err)
	data, err = io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "56", string(data))
}

func TestFileMissingPathFailsLazily(t *testing.T) {
	t.Parallel()

	s := OpenFile(filepath.Join(t.TempDir(), "missing"), 0, 1)
	_, err := s.Available()
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestSerializeRoundTrip(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, "file-part")
	file := OpenFile(path, 5, 4)
	bytesPart := NewBytes([]byte("mem-part|"))
	m := NewMultiplex(bytesPart, file)
	defer m.Close()

	params, files, err := Serialize(m)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, KindMultiplex, params.Kind)

	// The receiver gets its own descriptor, as a transport would deliver it.
	dup, err := os.Open(files[0].Name())
	require.NoError(t, err)

	out, err := Deserialize(params, []*os.File{dup}, nil)
	require.NoError(t, err)
	defer out.Close()

	data, err := io.ReadAll(out)
	require.NoError(t, err)
	assert.Equal(t, "mem-part|part", string(data))
}

func TestDeserializeRejectsBadParams(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, "x")
	f, err := os.Open(path)
	require.NoError(t, err)

	_, err = Deserialize(Params{Kind: KindFile, Descriptor: 3}, []*os.File{f}, nil)
	require.ErrorIs(t, err, ErrInvalidParams)

	// The unclaimed descriptor was closed.
	_, err = f.Stat()
	assert.ErrorIs(t, err, os.ErrClosed)

	_, err = Deserialize(Params{Kind: KindHandle, Handle: 1}, nil, nil)
	require.ErrorIs(t, err, ErrInvalidParams)

	_, err = Deserialize(Params{Kind: 99}, nil, nil)
	require.ErrorIs(t, err, ErrInvalidParams)
}

type handles map[uint64]any

func (h handles) Take(id uint64) (any, bool) {
	v, ok := h[id]
	delete(h, id)
	return v, ok
}

func TestDeserializeHandle(t *testing.T) {
	t.Parallel()

	want := NewBytes([]byte("same process"))
	out, err := Deserialize(Params{Kind: KindHandle, Handle: 7}, nil, handles{7: want})
	require.NoError(t, err)
	assert.Same(t, want, out)
}

type opaque struct {
	Stream
	inner Stream
}

func (o *opaque) Unwrap(context.Context) (Stream, error) { return o.inner, nil }

func TestMultiplexUnwrap(t *testing.T) {
	t.Parallel()

	inner := NewBytes([]byte("inner"))
	wrapper := &opaque{Stream: NewBytes(nil), inner: inner}
	m := NewMultiplex(NewBytes([]byte("a:")), wrapper)

	_, _, err := Serialize(m)
	require.ErrorIs(t, err, ErrNotSerializable)

	s, err := m.Unwrap(context.Background())
	require.NoError(t, err)
	params, _, err := Serialize(s)
	require.NoError(t, err)
	require.Len(t, params.Streams, 2)
	assert.Equal(t, "inner", string(params.Streams[1].Data))
}

func TestMultiplexSeek(t *testing.T) {
	t.Parallel()

	m := NewMultiplex(NewBytes([]byte("abc")), NewBytes([]byte("defg")))
	_, err := m.Seek(4, io.SeekStart)
	require.NoError(t, err)
	data, err := io.ReadAll(m)
	require.NoError(t, err)
	assert.Equal(t, "efg", string(data))

	pos, err := m.Seek(-5, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pos)
	data, err = io.ReadAll(m)
	require.NoError(t, err)
	assert.Equal(t, "cdefg", string(data))

	n, err := m.Available()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestDecoderSharesDescriptors(t *testing.T) {
	t.Parallel()

	first, err := os.Open(writeTemp(t, "first"))
	require.NoError(t, err)
	second, err := os.Open(writeTemp(t, "second"))
	require.NoError(t, err)
	unused, err := os.Open(writeTemp(t, "unused"))
	require.NoError(t, err)

	d := NewDecoder([]*os.File{first, second, unused}, nil)
	a, err := d.Decode(Params{Kind: KindFile, Descriptor: 0, Length: 5})
	require.NoError(t, err)
	defer a.Close()
	b, err := d.Decode(Params{Kind: KindFile, Descriptor: 1, Length: 6})
	require.NoError(t, err)
	defer b.Close()

	_, err = d.Decode(Params{Kind: KindFile, Descriptor: 0, Length: 5})
	require.ErrorIs(t, err, ErrInvalidParams)

	d.Close()
	_, err = unused.Stat()
	require.ErrorIs(t, err, os.ErrClosed)

	data, err := io.ReadAll(a)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
	data, err = io.ReadAll(b)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}
