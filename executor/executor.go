// Package executor provides named event loops that stand in for the owning
// threads of a process.
//
// Every object with thread affinity records its home [Executor]. Tasks run
// one at a time in dispatch order. The executor running the current task is
// carried in the task's context and recovered with [FromContext].
package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrClosed is returned when dispatching to a closed executor.
var ErrClosed = errors.New("executor: closed")

// ErrNotOwner is returned by SpinUntil when called off the executor.
var ErrNotOwner = errors.New("executor: not on owning executor")

// Task is a unit of work run on an executor.
type Task interface {
	Run(ctx context.Context)
}

// Cancelable is a task that must release its resources when it will never run.
// Cancel is called at most once, instead of Run.
type Cancelable interface {
	Task
	Cancel()
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc func(ctx context.Context)

// Run calls f(ctx).
func (f TaskFunc) Run(ctx context.Context) { f(ctx) }

type ctxKey struct{}

// FromContext returns the executor running the current task, or nil when the
// caller is not on any executor.
func FromContext(ctx context.Context) *Executor {
	if ctx == nil {
		return nil
	}
	e, _ := ctx.Value(ctxKey{}).(*Executor)
	return e
}

func withExecutor(ctx context.Context, e *Executor) context.Context {
	return context.WithValue(ctx, ctxKey{}, e)
}

// Executor is a single-goroutine event loop.
type Executor struct {
	name   string
	main   bool
	ctx    context.Context
	logger *slog.Logger

	mu     sync.Mutex
	queue  []Task
	closed bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

// Option configures an Executor.
type Option func(*Executor)

// WithMain marks the executor as its process's main executor.
// Tasks running on a main executor must never block indefinitely.
func WithMain() Option {
	return func(e *Executor) {
		e.main = true
	}
}

// WithLogger sets the logger for the executor.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// New starts an executor named name.
func New(name string, opts ...Option) *Executor {
	e := &Executor{
		name: name,
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ctx = withExecutor(context.Background(), e)
	go e.loop()
	return e
}

func (e *Executor) log() *slog.Logger {
	if e.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.logger
}

// Name returns the executor name.
func (e *Executor) Name() string { return e.name }

// IsMain reports whether e is a main executor.
func (e *Executor) IsMain() bool { return e.main }

// String returns the executor name.
func (e *Executor) String() string { return e.name }

// Dispatch queues t to run on e.
//
// A Cancelable task that cannot be queued is canceled before Dispatch
// returns ErrClosed.
func (e *Executor) Dispatch(t Task) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		if c, ok := t.(Cancelable); ok {
			c.Cancel()
		}
		return ErrClosed
	}
	e.queue = append(e.queue, t)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// DispatchFunc queues fn to run on e.
func (e *Executor) DispatchFunc(fn func(ctx context.Context)) error {
	return e.Dispatch(TaskFunc(fn))
}

// Call runs fn on e and waits for it to return.
//
// When the caller is already on e, fn runs inline. The context passed to fn
// carries ctx's values and cancellation and identifies e as the current
// executor.
func (e *Executor) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if FromContext(ctx) == e {
		return fn(ctx)
	}
	result := make(chan error, 1)
	task := TaskFunc(func(context.Context) {
		result <- fn(withExecutor(ctx, e))
	})
	if err := e.Dispatch(task); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SpinUntil runs queued tasks of e inline until done is closed.
//
// It must be called from a task running on e. It returns ErrClosed when e
// shuts down first and the context error when ctx ends first.
func (e *Executor) SpinUntil(ctx context.Context, done <-chan struct{}) error {
	if FromContext(ctx) != e {
		return ErrNotOwner
	}
	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if t, ok := e.take(); ok {
			t.Run(e.ctx)
			continue
		}
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-e.quit:
			return ErrClosed
		case <-e.wake:
		}
	}
}

// Close stops e and waits for its loop to exit.
//
// A main executor runs every queued task before exiting. Other executors
// cancel queued Cancelable tasks and drop the rest. Close must not be called
// from a task running on e.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.closed = true
	e.mu.Unlock()
	close(e.quit)
	<-e.done
}

// Done is closed once e has exited.
func (e *Executor) Done() <-chan struct{} { return e.done }

func (e *Executor) take() (Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return nil, false
	}
	t := e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]
	return t, true
}

func (e *Executor) loop() {
	defer close(e.done)
	for {
		if t, ok := e.take(); ok {
			t.Run(e.ctx)
			continue
		}
		select {
		case <-e.wake:
		case <-e.quit:
			e.drain()
			return
		}
	}
}

func (e *Executor) drain() {
	var dropped int
	for {
		t, ok := e.take()
		if !ok {
			break
		}
		if e.main {
			t.Run(e.ctx)
			continue
		}
		if c, ok := t.(Cancelable); ok {
			c.Cancel()
			continue
		}
		dropped++
	}
	if dropped > 0 {
		e.log().Debug("executor closed with pending tasks", "executor", e.name, "dropped", dropped)
	}
}

// releaseTask runs a release function exactly once, either as the task or
// as its cancellation.
type releaseTask struct {
	once    sync.Once
	release func()
}

func (r *releaseTask) Run(context.Context) { r.once.Do(r.release) }
func (r *releaseTask) Cancel()             { r.once.Do(r.release) }

// ReleaseOnTarget runs release on target.
//
// When the caller is already on target (or target is nil) release runs
// inline. Otherwise it is posted to target as a cancelable task; if target
// is closed release runs on the calling goroutine instead.
func ReleaseOnTarget(ctx context.Context, target *Executor, release func()) {
	if release == nil {
		return
	}
	if target == nil || FromContext(ctx) == target {
		release()
		return
	}
	//nolint:errcheck // a rejected release task is canceled, which runs release
	_ = target.Dispatch(&releaseTask{release: release})
}
