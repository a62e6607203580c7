package blobipc

import (
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meigma/blobipc/internal/config"
)

// Option configures a Process.
type Option func(*Process) error

// WithLogger sets the logger for the process and everything it owns.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Process) error {
		p.logger = logger
		return nil
	}
}

// WithLimitsFromEnv loads the transport limits from BLOBIPC_* environment
// variables.
func WithLimitsFromEnv() Option {
	return func(p *Process) error {
		limits, err := config.Load()
		if err != nil {
			return err
		}
		p.limits = limits
		return nil
	}
}

// WithMaxDescriptorsPerMessage sets how many descriptors one message may
// carry. Larger sets travel as descriptor-set transfers.
func WithMaxDescriptorsPerMessage(n int) Option {
	return func(p *Process) error {
		p.limits.MaxDescriptorsPerMessage = n
		return nil
	}
}

// WithMaxInlineBytes sets the largest memory blob sent inline.
// Larger blobs spill to a temporary file and travel as a descriptor.
func WithMaxInlineBytes(n int64) Option {
	return func(p *Process) error {
		p.limits.MaxInlineBytes = n
		return nil
	}
}

// WithInlineChunkBytes sets the size of inline data chunks.
func WithInlineChunkBytes(n int) Option {
	return func(p *Process) error {
		p.limits.InlineChunkBytes = n
		return nil
	}
}

// WithStreamWorkers bounds the concurrent stream-open operations.
func WithStreamWorkers(n int) Option {
	return func(p *Process) error {
		p.limits.StreamWorkers = n
		return nil
	}
}

// WithRegisterer registers the process metrics on reg, labeled with the
// process name. By default a private registry is used.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(p *Process) error {
		if reg == nil {
			return errors.New("blobipc: nil registerer")
		}
		p.reg = reg
		return nil
	}
}

// WithStrictProtocol makes protocol violations panic instead of being
// logged and refused. Meant for tests and instrumented builds.
func WithStrictProtocol(strict bool) Option {
	return func(p *Process) error {
		p.strict = strict
		return nil
	}
}
