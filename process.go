package blobipc

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meigma/blobipc/executor"
	"github.com/meigma/blobipc/internal/config"
	"github.com/meigma/blobipc/internal/handle"
	"github.com/meigma/blobipc/internal/metrics"
	"github.com/meigma/blobipc/internal/wire"
	"github.com/meigma/blobipc/internal/workpool"
	"github.com/meigma/blobipc/registry"
)

// Process is one simulated process. Processes share no state except through
// their connections; managers connected within one process may hand blobs
// over by handle.
type Process struct {
	id     registry.ProcessID
	name   string
	limits config.Limits
	strict bool
	logger *slog.Logger
	reg    prometheus.Registerer

	main     *executor.Executor
	registry *registry.Registry
	handles  *handle.Table
	pool     *workpool.Pool
	codec    *wire.Codec
	metrics  *metrics.Metrics

	mu       sync.Mutex
	workers  []*executor.Executor
	managers []*Manager
	closed   bool
}

// NewProcess starts a process with its main executor.
func NewProcess(name string, opts ...Option) (*Process, error) {
	p := &Process{
		id:     registry.ProcessID(uuid.NewString()),
		name:   name,
		limits: config.Default(),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	if err := p.limits.Validate(); err != nil {
		return nil, err
	}
	if p.logger != nil {
		p.logger = p.logger.With("process", name)
	}

	codec, err := wire.NewCodec(p.limits)
	if err != nil {
		return nil, fmt.Errorf("blobipc: %w", err)
	}
	p.codec = codec
	p.main = executor.New(name+"/main", executor.WithMain(), executor.WithLogger(p.logger))
	p.registry = registry.New(registry.WithLogger(p.logger))
	p.handles = handle.NewTable()
	p.pool = workpool.New(p.limits.StreamWorkers, workpool.WithLogger(p.logger))

	reg := p.reg
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	p.metrics = metrics.New(
		prometheus.WrapRegistererWith(prometheus.Labels{"process": name}, reg),
		func() float64 { return float64(p.registry.Len()) },
	)
	return p, nil
}

func (p *Process) log() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}

// ID returns the process identity.
func (p *Process) ID() registry.ProcessID { return p.id }

// Name returns the process name.
func (p *Process) Name() string { return p.name }

// Main returns the main executor.
func (p *Process) Main() *executor.Executor { return p.main }

// Registry returns the table of blobs this process exposes as a parent.
func (p *Process) Registry() *registry.Registry { return p.registry }

// Metrics returns the process metrics.
func (p *Process) Metrics() *metrics.Metrics { return p.metrics }

// NewWorker starts a worker executor owned by the process.
func (p *Process) NewWorker(name string) *executor.Executor {
	e := executor.New(p.name+"/"+name, executor.WithLogger(p.logger))
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workers = append(p.workers, e)
	return e
}

func (p *Process) addManager(m *Manager) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.managers = append(p.managers, m)
}

// Close tears down every connection, then stops the stream workers and the
// executors.
func (p *Process) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	managers := p.managers
	workers := p.workers
	p.mu.Unlock()

	for _, m := range managers {
		m.Close()
	}
	// Job failures were answered to the peer and logged by the pool.
	if err := p.pool.Close(); err != nil {
		p.log().Debug("stream workers stopped after failures", "error", err)
	}
	for _, w := range workers {
		w.Close()
	}
	p.main.Close()
	p.registry.Close()
	return p.codec.Close()
}

// violation records a protocol violation. Strict processes panic; others
// log and return an error the caller uses to refuse the request.
func (p *Process) violation(msg string, args ...any) error {
	p.metrics.ProtocolViolations.Inc()
	p.log().Warn("protocol violation: "+msg, args...)
	if p.strict {
		panic("blobipc: protocol violation: " + msg)
	}
	return fmt.Errorf("%w: %s", ErrProtocolViolation, msg)
}
