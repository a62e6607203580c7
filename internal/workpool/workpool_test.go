package workpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	t.Parallel()

	p := New(2)
	var running, peak atomic.Int64
	release := make(chan struct{})
	started := make(chan struct{}, 6)

	for range 6 {
		require.NoError(t, p.Go("job", func(context.Context) error {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			started <- struct{}{}
			<-release
			running.Add(-1)
			return nil
		}))
	}

	<-started
	<-started
	select {
	case <-started:
		t.Fatal("third job started while two workers were busy")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, 2, p.Active())

	close(release)
	require.NoError(t, p.Close())
	assert.Equal(t, int64(2), peak.Load())
}

func TestPoolReportsFirstError(t *testing.T) {
	t.Parallel()

	p := New(1)
	boom := errors.New("boom")
	require.NoError(t, p.Go("fail", func(context.Context) error { return boom }))
	require.NoError(t, p.Go("ok", func(context.Context) error { return nil }))

	require.ErrorIs(t, p.Close(), boom)
	assert.Equal(t, uint64(1), p.Failed())
}

func TestPoolCloseCancelsJobs(t *testing.T) {
	t.Parallel()

	p := New(1)
	entered := make(chan struct{})
	require.NoError(t, p.Go("wait", func(ctx context.Context) error {
		close(entered)
		<-ctx.Done()
		return nil
	}))
	var queuedCtxErr atomic.Value
	require.NoError(t, p.Go("queued", func(ctx context.Context) error {
		queuedCtxErr.Store(ctx.Err())
		return nil
	}))

	<-entered
	require.NoError(t, p.Close())
	// The queued job still runs so it can clean up, but sees the canceled context.
	got, ok := queuedCtxErr.Load().(error)
	require.True(t, ok, "queued job never ran")
	assert.ErrorIs(t, got, context.Canceled)

	err := p.Go("late", func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrClosed)
}
