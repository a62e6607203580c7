package blobipc

import (
	"bytes"
	"context"
	"io"
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/blobipc/blobimpl"
	"github.com/meigma/blobipc/internal/testutil"
	"github.com/meigma/blobipc/stream"
)

func TestChildToParentMemory(t *testing.T) {
	t.Parallel()

	parent := newProcess(t, "parent")
	child := newProcess(t, "child")
	l := connectProcs(t, parent, child)

	data := testutil.Payload(10_000)
	got := l.fromChild(t, blobimpl.NewMemory(data, "text/plain"))

	impl := got.Impl()
	require.NotNil(t, impl)
	assert.Equal(t, "text/plain", impl.ContentType())
	size, err := impl.Size()
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), size)
	assert.False(t, impl.Mutable())
	assert.Equal(t, data, readAll(t, impl))
	assert.Equal(t, 1, parent.Registry().Len())
}

func TestChildToParentLargeMemorySpills(t *testing.T) {
	t.Parallel()

	parent := newProcess(t, "parent")
	child := newProcess(t, "child", WithMaxInlineBytes(1024), WithInlineChunkBytes(512))
	l := connectProcs(t, parent, child)

	data := testutil.Payload(64 << 10)
	got := l.fromChild(t, blobimpl.NewMemory(data, ""))
	assert.Equal(t, data, readAll(t, got.Impl()))
}

func TestChildToParentFile(t *testing.T) {
	t.Parallel()

	parent := newProcess(t, "parent")
	child := newProcess(t, "child")
	l := connectProcs(t, parent, child)

	data := testutil.Payload(3000)
	path := testutil.TempFile(t, "report.bin", data)
	f, err := blobimpl.NewFile(path, blobimpl.WithContentType("application/octet-stream"))
	require.NoError(t, err)

	got := l.fromChild(t, f)
	impl := got.Impl()
	assert.True(t, impl.IsFile())
	name, ok := impl.Name()
	assert.True(t, ok)
	assert.Equal(t, "report.bin", name)
	assert.Equal(t, data, readAll(t, impl))
}

func TestChildToParentMultipart(t *testing.T) {
	t.Parallel()

	parent := newProcess(t, "parent")
	child := newProcess(t, "child")
	l := connectProcs(t, parent, child)

	head := []byte("head:")
	body := testutil.Payload(2048)
	path := testutil.TempFile(t, "body", body)
	f, err := blobimpl.NewFile(path)
	require.NoError(t, err)
	mp := blobimpl.NewMultipartBuilder("text/plain").
		Append(blobimpl.NewMemory(head, "")).
		Append(f).
		Append(blobimpl.NewMemory([]byte(":tail"), "")).
		Build()

	got := l.fromChild(t, mp)
	want := bytes.Join([][]byte{head, body, []byte(":tail")}, nil)
	assert.Equal(t, want, readAll(t, got.Impl()))
}

func TestDescriptorSetsCarryManyFiles(t *testing.T) {
	t.Parallel()

	// Channel limits follow the parent side.
	parent := newProcess(t, "parent", WithMaxDescriptorsPerMessage(2))
	child := newProcess(t, "child")
	l := connectProcs(t, parent, child)

	b := blobimpl.NewMultipartBuilder("")
	var want []byte
	for i := range 5 {
		part := testutil.Payload(100 + i)
		want = append(want, part...)
		f, err := blobimpl.NewFile(testutil.TempFile(t, "part", part))
		require.NoError(t, err)
		b.Append(f)
	}

	got := l.fromChild(t, b.Build())
	assert.Equal(t, want, readAll(t, got.Impl()))
	assert.Equal(t, uint64(3), l.child.Endpoint().DescriptorSets())
	assert.InDelta(t, 3, promtest.ToFloat64(child.metrics.DescriptorSets), 0)
}

func TestParentToChildMemoryStream(t *testing.T) {
	t.Parallel()

	parent := newProcess(t, "parent")
	child := newProcess(t, "child")
	l := connectProcs(t, parent, child)

	data := testutil.Payload(4096)
	got := l.fromParent(t, blobimpl.NewMemory(data, "text/plain"))
	assert.Equal(t, StateBound, got.State())

	proxy := got.Impl()
	_, ok := proxy.(*remoteBlobImpl)
	require.True(t, ok, "got %T", proxy)
	assert.Equal(t, data, readAll(t, proxy))
}

func TestParentToChildFileStream(t *testing.T) {
	t.Parallel()

	parent := newProcess(t, "parent")
	child := newProcess(t, "child")
	l := connectProcs(t, parent, child)

	data := testutil.Payload(8192)
	f, err := blobimpl.NewFile(testutil.TempFile(t, "blob", data))
	require.NoError(t, err)
	got := l.fromParent(t, f)

	assert.Equal(t, data, readAll(t, got.Impl()))
}

func TestParentToChildSlice(t *testing.T) {
	t.Parallel()

	parent := newProcess(t, "parent")
	child := newProcess(t, "child")
	l := connectProcs(t, parent, child)

	data := testutil.Payload(1000)
	f, err := blobimpl.NewFile(testutil.TempFile(t, "blob", data))
	require.NoError(t, err)
	got := l.fromParent(t, f)

	slice, err := blobimpl.Slice(got.Impl(), 100, 350, "")
	require.NoError(t, err)
	assert.Equal(t, data[100:350], readAll(t, slice))

	nested, err := blobimpl.Slice(slice, 50, 60, "")
	require.NoError(t, err)
	assert.Equal(t, data[150:160], readAll(t, nested))
}

func TestRemoteStreamSeek(t *testing.T) {
	t.Parallel()

	parent := newProcess(t, "parent")
	child := newProcess(t, "child")
	l := connectProcs(t, parent, child)

	data := testutil.Payload(512)
	f, err := blobimpl.NewFile(testutil.TempFile(t, "blob", data))
	require.NoError(t, err)
	got := l.fromParent(t, f)

	rs := remoteStream(t, context.Background(), got.Impl())
	defer rs.Close()

	pos, err := rs.Seek(100, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(100), pos)
	pos, err = rs.Tell()
	require.NoError(t, err)
	assert.Equal(t, int64(100), pos)

	rest, err := io.ReadAll(rs)
	require.NoError(t, err)
	assert.Equal(t, data[100:], rest)
}

func TestGetOrCreateDeduplicates(t *testing.T) {
	t.Parallel()

	parent := newProcess(t, "parent")
	child := newProcess(t, "child")
	l := connectProcs(t, parent, child)

	impl := blobimpl.NewMemory([]byte("once"), "")
	first, err := l.child.GetOrCreate(context.Background(), impl)
	require.NoError(t, err)
	sent := l.child.Endpoint().Sent()

	second, err := l.child.GetOrCreate(context.Background(), impl)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, sent, l.child.Endpoint().Sent())
}

func TestSendingProxyBackReusesActor(t *testing.T) {
	t.Parallel()

	parent := newProcess(t, "parent")
	child := newProcess(t, "child")
	l := connectProcs(t, parent, child)

	got := l.fromParent(t, blobimpl.NewMemory([]byte("round trip"), ""))
	sent := l.child.Endpoint().Sent()

	a, err := l.child.GetOrCreate(context.Background(), got.Impl())
	require.NoError(t, err)
	assert.Same(t, got, a)
	assert.Equal(t, sent, l.child.Endpoint().Sent())
}

func TestSameProcessHandOff(t *testing.T) {
	t.Parallel()

	proc := newProcess(t, "single")
	l := connect(t, Site{Process: proc}, Site{Process: proc, Executor: proc.NewWorker("child")})
	require.True(t, l.parent.Endpoint().SameProcess())

	impl := blobimpl.NewMemory([]byte("no copy"), "")
	got := l.fromChild(t, impl)

	assert.Same(t, impl, got.localImpl())
	assert.Equal(t, 0, proc.handles.Len())

	// Exporting the same blob again reuses the actor without a message.
	first, err := l.child.GetOrCreate(context.Background(), impl)
	require.NoError(t, err)
	sent := l.child.Endpoint().Sent()
	again, err := l.child.GetOrCreate(context.Background(), impl)
	require.NoError(t, err)
	assert.Same(t, first, again)
	assert.Equal(t, sent, l.child.Endpoint().Sent())

	back := l.fromParent(t, blobimpl.NewMemory([]byte("parent"), ""))
	assert.Equal(t, []byte("parent"), readAll(t, back.Impl()))
	assert.Equal(t, 0, proc.handles.Len())
}

func TestConnectRejectsSharedExecutor(t *testing.T) {
	t.Parallel()

	proc := newProcess(t, "single")
	_, _, err := Connect(Site{Process: proc}, Site{Process: proc})
	assert.ErrorIs(t, err, ErrSameExecutor)
}

func TestTransferAfterCloseFails(t *testing.T) {
	t.Parallel()

	parent := newProcess(t, "parent")
	child := newProcess(t, "child")
	l := connectProcs(t, parent, child)

	l.parent.Close()
	testutil.Eventually(t, l.child.Closed, "child manager closed")

	impl := blobimpl.NewMemory([]byte("kept"), "")
	a, err := l.child.GetOrCreate(context.Background(), impl)
	require.Error(t, err)
	assert.Nil(t, a)

	// The blob stays usable locally.
	assert.Equal(t, []byte("kept"), readAll(t, impl))
}

func TestMultiplexSnapshotIsReusable(t *testing.T) {
	t.Parallel()

	parent := newProcess(t, "parent")
	first := connectProcs(t, parent, newProcess(t, "first"))
	second := connect(t,
		Site{Process: parent, Executor: parent.NewWorker("second")},
		Site{Process: newProcess(t, "second")},
	)

	a, b := testutil.Payload(16), testutil.Payload(20)
	snapshot := stream.NewMultiplex(
		stream.OpenFile(testutil.TempFile(t, "a", a), 0, int64(len(a))),
		stream.OpenFile(testutil.TempFile(t, "b", b), 0, int64(len(b))),
	)
	want := append(bytes.Clone(a), b...)
	got := first.fromChild(t, blobimpl.NewStream(snapshot, blobimpl.Metadata{Size: uint64(len(want))}))

	held := got.localImpl()
	_, isMultipart := held.(*blobimpl.Multipart)
	assert.True(t, isMultipart, "got %T", held)

	proxy := second.fromParent(t, held).Impl()
	assert.Equal(t, want, readAll(t, proxy))
	assert.Equal(t, want, readAll(t, proxy))

	slice, err := blobimpl.Slice(proxy, 10, 20, "")
	require.NoError(t, err)
	assert.Equal(t, want[10:20], readAll(t, slice))
	assert.Zero(t, violations(parent))
}

func TestPartialStreamOfSingleUseBlobFails(t *testing.T) {
	t.Parallel()

	parent := newProcess(t, "parent")
	child := newProcess(t, "child")
	l := connectProcs(t, parent, child)

	data := testutil.Payload(32)
	got := l.fromParent(t, blobimpl.NewStream(testutil.NewOpaqueStream(data), blobimpl.Metadata{Size: uint64(len(data))}))
	proxy := got.Impl()

	rs, err := got.newRemoteStream(context.Background(), proxy, 4, 8)
	require.NoError(t, err)
	defer rs.Close()
	_, err = io.ReadAll(rs)
	require.ErrorIs(t, err, ErrStreamFailed)
	assert.Contains(t, err.Error(), "cannot be sliced")

	// The whole stream is still served.
	assert.Equal(t, data, readAll(t, proxy))
}
