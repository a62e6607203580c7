// Package workpool runs blocking stream work off the executors with a bounded
// number of concurrent workers.
package workpool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned when submitting to a closed pool.
var ErrClosed = errors.New("workpool: closed")

// Pool runs jobs on goroutines, at most workers at a time.
type Pool struct {
	sem    *semaphore.Weighted
	eg     errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu     sync.Mutex
	closed bool

	active atomic.Int64
	failed atomic.Uint64
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger for the pool.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// New creates a pool running at most workers jobs at once.
func New(workers int, opts ...Option) *Pool {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		sem:    semaphore.NewWeighted(int64(workers)),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) log() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}

// Go submits fn. The context passed to fn is canceled when the pool closes.
// Jobs still waiting for a worker at that point run anyway with the canceled
// context, so they can release what they hold.
func (p *Pool) Go(name string, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.eg.Go(func() error {
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			p.log().Debug("running queued job after close", "job", name)
			return p.run(name, fn)
		}
		defer p.sem.Release(1)
		return p.run(name, fn)
	})
	return nil
}

func (p *Pool) run(name string, fn func(ctx context.Context) error) error {
	p.active.Add(1)
	defer p.active.Add(-1)
	if err := fn(p.ctx); err != nil {
		p.failed.Add(1)
		p.log().Warn("job failed", "job", name, "error", err)
		return err
	}
	return nil
}

// Active returns the number of jobs currently running.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Failed returns the number of jobs that returned an error.
func (p *Pool) Failed() uint64 { return p.failed.Load() }

// Close cancels outstanding jobs, waits for running ones and returns the
// first job error.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	return p.eg.Wait()
}
