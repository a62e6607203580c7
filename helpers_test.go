package blobipc

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meigma/blobipc/blobimpl"
	"github.com/meigma/blobipc/stream"
)

func newProcess(t *testing.T, name string, opts ...Option) *Process {
	t.Helper()
	p, err := NewProcess(name, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := p.Close(); err != nil {
			t.Errorf("close %s: %v", name, err)
		}
	})
	return p
}

// link is one connection with the actors each side received.
type link struct {
	parent   *Manager
	child    *Manager
	toParent chan *Actor
	toChild  chan *Actor
}

func connect(t *testing.T, parent, child Site) *link {
	t.Helper()
	l := &link{
		toParent: make(chan *Actor, 16),
		toChild:  make(chan *Actor, 16),
	}
	hook := WithBlobHook(func(a *Actor) {
		if a.Manager().Side() == SideParent {
			l.toParent <- a
			return
		}
		l.toChild <- a
	})
	pm, cm, err := Connect(parent, child, hook)
	require.NoError(t, err)
	l.parent, l.child = pm, cm
	return l
}

// connectProcs links two processes on their main executors.
func connectProcs(t *testing.T, parent, child *Process) *link {
	t.Helper()
	return connect(t, Site{Process: parent}, Site{Process: child})
}

func recvActor(t *testing.T, ch <-chan *Actor) *Actor {
	t.Helper()
	select {
	case a := <-ch:
		return a
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for blob")
		return nil
	}
}

func (l *link) fromChild(t *testing.T, impl blobimpl.Impl) *Actor {
	t.Helper()
	_, err := l.child.GetOrCreate(context.Background(), impl)
	require.NoError(t, err)
	return recvActor(t, l.toParent)
}

func (l *link) fromParent(t *testing.T, impl blobimpl.Impl) *Actor {
	t.Helper()
	_, err := l.parent.GetOrCreate(context.Background(), impl)
	require.NoError(t, err)
	return recvActor(t, l.toChild)
}

func readAll(t *testing.T, impl blobimpl.Impl) []byte {
	t.Helper()
	data, err := blobimpl.ReadAll(context.Background(), impl)
	require.NoError(t, err)
	return data
}

// readContext drains s on behalf of the executor in ctx.
func readContext(ctx context.Context, s stream.Stream) ([]byte, error) {
	rs, ok := s.(*RemoteInputStream)
	if !ok {
		return io.ReadAll(s)
	}
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := rs.ReadContext(ctx, buf)
		out = append(out, buf[:n]...)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
	}
}

func remoteStream(t *testing.T, ctx context.Context, impl blobimpl.Impl) *RemoteInputStream {
	t.Helper()
	s, err := impl.InternalStream(ctx)
	require.NoError(t, err)
	rs, ok := s.(*RemoteInputStream)
	require.True(t, ok, "got %T", s)
	return rs
}
