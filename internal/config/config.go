// Package config holds the transport limits shared by processes and channels.
package config

import (
	"errors"
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment variable prefix for limit overrides.
const Prefix = "BLOBIPC"

// ErrInvalidLimits is returned by Validate for unusable limit values.
var ErrInvalidLimits = errors.New("config: invalid limits")

// Limits are the transport-defined constants of the blob protocol.
type Limits struct {
	// MaxDescriptorsPerMessage caps the descriptors attached to one message.
	// Larger sets are chained through a descriptor-set transfer.
	MaxDescriptorsPerMessage int `envconfig:"MAX_DESCRIPTORS_PER_MESSAGE" default:"250"`

	// MaxMessageBytes caps the payload of a single message.
	MaxMessageBytes int `envconfig:"MAX_MESSAGE_BYTES" default:"134217728"`

	// InlineChunkBytes is the size of each inline byte chunk.
	InlineChunkBytes int `envconfig:"INLINE_CHUNK_BYTES" default:"1048576"`

	// MaxInlineBytes is the largest memory blob sent inline. Larger blobs
	// spill to an unlinked temporary file and travel as a descriptor.
	MaxInlineBytes int64 `envconfig:"MAX_INLINE_BYTES" default:"67108864"`

	// CompressMinBytes is the smallest chunk worth compressing.
	CompressMinBytes int `envconfig:"COMPRESS_MIN_BYTES" default:"4096"`

	// StreamWorkers bounds concurrent stream-open operations.
	StreamWorkers int `envconfig:"STREAM_WORKERS" default:"8"`

	// MaxDecoderMemory bounds zstd decoder memory. Zero disables the limit.
	MaxDecoderMemory uint64 `envconfig:"MAX_DECODER_MEMORY" default:"268435456"`

	// DecoderConcurrency is the zstd decoder concurrency. Zero uses GOMAXPROCS.
	DecoderConcurrency int `envconfig:"DECODER_CONCURRENCY" default:"1"`

	// DecoderLowmem trades decoding speed for memory.
	DecoderLowmem bool `envconfig:"DECODER_LOWMEM" default:"false"`
}

// Load reads limits from BLOBIPC_* environment variables.
func Load() (Limits, error) {
	var l Limits
	if err := envconfig.Process(Prefix, &l); err != nil {
		return Limits{}, fmt.Errorf("failed to load config: %w", err)
	}
	if err := l.Validate(); err != nil {
		return Limits{}, err
	}
	return l, nil
}

// LoadOrDefault loads limits from the environment or returns the defaults.
func LoadOrDefault() Limits {
	l, err := Load()
	if err != nil {
		return Default()
	}
	return l
}

// Default returns the default limits.
func Default() Limits {
	return Limits{
		MaxDescriptorsPerMessage: 250,
		MaxMessageBytes:          128 << 20,
		InlineChunkBytes:         1 << 20,
		MaxInlineBytes:           64 << 20,
		CompressMinBytes:         4 << 10,
		StreamWorkers:            8,
		MaxDecoderMemory:         256 << 20,
		DecoderConcurrency:       1,
	}
}

// Validate checks that the limits can drive a transport.
func (l Limits) Validate() error {
	switch {
	case l.MaxDescriptorsPerMessage < 1:
		return fmt.Errorf("%w: max descriptors per message must be positive", ErrInvalidLimits)
	case l.MaxMessageBytes < 1:
		return fmt.Errorf("%w: max message bytes must be positive", ErrInvalidLimits)
	case l.InlineChunkBytes < 1:
		return fmt.Errorf("%w: inline chunk bytes must be positive", ErrInvalidLimits)
	case l.MaxInlineBytes < 0:
		return fmt.Errorf("%w: max inline bytes must not be negative", ErrInvalidLimits)
	case l.MaxInlineBytes >= int64(l.MaxMessageBytes):
		return fmt.Errorf("%w: max inline bytes must be below max message bytes", ErrInvalidLimits)
	case l.StreamWorkers < 1:
		return fmt.Errorf("%w: stream workers must be positive", ErrInvalidLimits)
	case l.DecoderConcurrency < 0:
		return fmt.Errorf("%w: decoder concurrency must not be negative", ErrInvalidLimits)
	}
	return nil
}
