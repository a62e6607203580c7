package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchRunsInOrder(t *testing.T) {
	t.Parallel()

	e := New("worker")
	defer e.Close()

	var (
		mu  sync.Mutex
		got []int
	)
	done := make(chan struct{})
	for i := range 100 {
		require.NoError(t, e.DispatchFunc(func(context.Context) {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == 99 {
				close(done)
			}
		}))
	}
	<-done

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestFromContextIdentifiesExecutor(t *testing.T) {
	t.Parallel()

	e := New("main", WithMain())
	defer e.Close()

	assert.Nil(t, FromContext(context.Background()))

	var inside *Executor
	require.NoError(t, e.Call(context.Background(), func(ctx context.Context) error {
		inside = FromContext(ctx)
		return nil
	}))
	assert.Same(t, e, inside)
	assert.True(t, inside.IsMain())
}

func TestCallInlineOnSameExecutor(t *testing.T) {
	t.Parallel()

	e := New("worker")
	defer e.Close()

	err := e.Call(context.Background(), func(ctx context.Context) error {
		// A nested call would deadlock if it were queued.
		return e.Call(ctx, func(context.Context) error { return nil })
	})
	require.NoError(t, err)
}

func TestSpinUntilRunsQueuedTasks(t *testing.T) {
	t.Parallel()

	e := New("worker")
	defer e.Close()

	err := e.Call(context.Background(), func(ctx context.Context) error {
		ready := make(chan struct{})
		if err := e.DispatchFunc(func(context.Context) { close(ready) }); err != nil {
			return err
		}
		return e.SpinUntil(ctx, ready)
	})
	require.NoError(t, err)
}

func TestSpinUntilOffExecutor(t *testing.T) {
	t.Parallel()

	e := New("worker")
	defer e.Close()

	err := e.SpinUntil(context.Background(), make(chan struct{}))
	require.ErrorIs(t, err, ErrNotOwner)
}

func TestSpinUntilContextCanceled(t *testing.T) {
	t.Parallel()

	e := New("worker")
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := e.Call(ctx, func(ctx context.Context) error {
		return e.SpinUntil(ctx, make(chan struct{}))
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

type countingTask struct {
	ran, canceled *atomic.Int32
}

func (c countingTask) Run(context.Context) { c.ran.Add(1) }
func (c countingTask) Cancel()             { c.canceled.Add(1) }

func TestCloseCancelsPendingOnWorker(t *testing.T) {
	t.Parallel()

	e := New("worker")
	block := make(chan struct{})
	require.NoError(t, e.DispatchFunc(func(context.Context) { <-block }))

	var ran, canceled atomic.Int32
	for range 3 {
		require.NoError(t, e.Dispatch(countingTask{&ran, &canceled}))
	}

	closed := make(chan struct{})
	go func() {
		e.Close()
		close(closed)
	}()
	// Let Close mark the executor before the blocker returns.
	require.Eventually(t, func() bool {
		return e.Dispatch(TaskFunc(func(context.Context) {})) != nil
	}, time.Second, time.Millisecond)
	close(block)
	<-closed

	assert.Equal(t, int32(0), ran.Load())
	assert.Equal(t, int32(3), canceled.Load())
}

func TestCloseDrainsMain(t *testing.T) {
	t.Parallel()

	e := New("main", WithMain())
	block := make(chan struct{})
	require.NoError(t, e.DispatchFunc(func(context.Context) { <-block }))

	var ran, canceled atomic.Int32
	for range 3 {
		require.NoError(t, e.Dispatch(countingTask{&ran, &canceled}))
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(block)
	}()
	e.Close()

	assert.Equal(t, int32(3), ran.Load())
	assert.Equal(t, int32(0), canceled.Load())
}

func TestDispatchAfterCloseCancels(t *testing.T) {
	t.Parallel()

	e := New("worker")
	e.Close()

	var ran, canceled atomic.Int32
	err := e.Dispatch(countingTask{&ran, &canceled})
	require.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, int32(1), canceled.Load())
}

func TestReleaseOnTarget(t *testing.T) {
	t.Parallel()

	owner := New("owner")
	defer owner.Close()

	released := make(chan struct{})
	ReleaseOnTarget(context.Background(), owner, func() {
		close(released)
	})
	<-released

	// On the target itself the release runs inline.
	require.NoError(t, owner.Call(context.Background(), func(ctx context.Context) error {
		var inline bool
		ReleaseOnTarget(ctx, owner, func() { inline = true })
		assert.True(t, inline)
		return nil
	}))

	closed := New("closed")
	closed.Close()
	var ran bool
	ReleaseOnTarget(context.Background(), closed, func() { ran = true })
	assert.True(t, ran, "release must run when the target is gone")
}
