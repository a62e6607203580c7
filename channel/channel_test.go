package channel

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/blobipc/executor"
)

func newPair(t *testing.T, opts ...Option) (*Endpoint, *Endpoint) {
	t.Helper()
	a := executor.New("parent")
	b := executor.New("child")
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return Pair(a, b, opts...)
}

func collect(ep *Endpoint, n int) <-chan *Message {
	out := make(chan *Message, n)
	ep.SetHandler(func(_ context.Context, m *Message) {
		out <- m
	})
	return out
}

func recv(t *testing.T, ch <-chan *Message) *Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestSendPreservesOrder(t *testing.T) {
	t.Parallel()

	a, b := newPair(t)
	got := collect(b, 10)

	for i := range 10 {
		require.NoError(t, a.Send(&Message{Route: uint32(i), Payload: []byte(strconv.Itoa(i))}))
	}
	for i := range 10 {
		m := recv(t, got)
		assert.Equal(t, uint32(i), m.Route)
		assert.Equal(t, strconv.Itoa(i), string(m.Payload))
	}
	assert.Equal(t, uint64(10), a.Sent())
}

func TestSendCopiesPayload(t *testing.T) {
	t.Parallel()

	a, b := newPair(t)
	got := collect(b, 1)

	payload := []byte("abc")
	require.NoError(t, a.Send(&Message{Payload: payload}))
	payload[0] = 'X'
	assert.Equal(t, "abc", string(recv(t, got).Payload))
}

func TestSendRejectsLargePayload(t *testing.T) {
	t.Parallel()

	a, _ := newPair(t, WithMaxMessageBytes(4))
	err := a.Send(&Message{Payload: []byte("too long")})
	require.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestDescriptorSets(t *testing.T) {
	t.Parallel()

	a, b := newPair(t, WithMaxDescriptors(2))
	got := collect(b, 1)
	var parts int
	a.OnDescriptorSet(func(n int) { parts += n })

	dir := t.TempDir()
	var files []*os.File
	for i := range 5 {
		path := filepath.Join(dir, strconv.Itoa(i))
		require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(i)), 0o600))
		f, err := os.Open(path)
		require.NoError(t, err)
		t.Cleanup(func() { _ = f.Close() })
		files = append(files, f)
	}

	require.NoError(t, a.Send(&Message{Route: 7, Files: files}))
	m := recv(t, got)
	require.Len(t, m.Files, 5)
	for i, f := range m.Files {
		data, err := io.ReadAll(f)
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(i), string(data), "descriptor %d out of order", i)
		require.NoError(t, f.Close())
	}
	assert.Equal(t, uint64(3), a.DescriptorSets())
	assert.Equal(t, 3, parts)
	assert.Equal(t, uint64(1), a.Sent())

	// Sender copies stay usable.
	_, err := files[4].Seek(0, io.SeekStart)
	require.NoError(t, err)
}

func TestCallAndReply(t *testing.T) {
	t.Parallel()

	a, b := newPair(t)
	b.SetHandler(func(_ context.Context, m *Message) {
		require.True(t, m.IsSync())
		_ = b.Reply(m, &Message{Payload: append([]byte("re:"), m.Payload...)})
	})

	r, err := a.Call(context.Background(), &Message{Payload: []byte("ping")})
	require.NoError(t, err)
	assert.Equal(t, "re:ping", string(r.Payload))
	assert.False(t, r.IsSync())

	err = b.Reply(&Message{}, &Message{})
	require.ErrorIs(t, err, ErrNotSync)
}

func TestCallFromOwnExecutor(t *testing.T) {
	t.Parallel()

	a, b := newPair(t)
	b.SetHandler(func(_ context.Context, m *Message) {
		_ = b.Reply(m, &Message{Type: 9})
	})

	err := a.Executor().Call(context.Background(), func(ctx context.Context) error {
		r, err := a.Call(ctx, &Message{})
		if err != nil {
			return err
		}
		if r.Type != 9 {
			t.Errorf("reply type = %d, want 9", r.Type)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestCloseFailsPendingAndNotifiesPeer(t *testing.T) {
	t.Parallel()

	a, b := newPair(t)
	received := make(chan struct{})
	b.SetHandler(func(context.Context, *Message) { close(received) })
	closed := make(chan struct{})
	b.OnClose(func() { close(closed) })

	errc := make(chan error, 1)
	go func() {
		_, err := a.Call(context.Background(), &Message{})
		errc <- err
	}()
	<-received
	a.Close()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("pending call not failed")
	}
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("peer not notified")
	}
	assert.True(t, b.Closed())
	require.ErrorIs(t, b.Send(&Message{}), ErrClosed)
	a.Close()
}

func TestCallContextCanceled(t *testing.T) {
	t.Parallel()

	a, b := newPair(t)
	b.SetHandler(func(context.Context, *Message) {})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Call(ctx, &Message{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
