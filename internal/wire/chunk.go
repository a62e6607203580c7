package wire

import (
	_ "crypto/sha256" // registers the digest algorithm
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"

	"github.com/meigma/blobipc/internal/config"
	"github.com/meigma/blobipc/internal/sizing"
)

// Chunk errors.
var (
	// ErrDigestMismatch is returned when chunk content does not match its digest.
	ErrDigestMismatch = errors.New("wire: chunk digest mismatch")

	// ErrDecompression is returned when a compressed chunk cannot be decoded.
	ErrDecompression = errors.New("wire: decompression failed")

	// ErrTooLarge is returned when inline data exceeds the configured ceiling.
	ErrTooLarge = errors.New("wire: inline data too large")
)

// Chunk is one piece of inline blob data.
type Chunk struct {
	Data       []byte `msgpack:"d"`
	Compressed bool   `msgpack:"z,omitempty"`
	Size       uint64 `msgpack:"n"`
	Digest     string `msgpack:"h"`
}

// Codec splits inline data into chunks and reassembles it.
type Codec struct {
	enc         *zstd.Encoder
	pool        *DecompressPool
	chunkBytes  int
	compressMin int
	maxInline   uint64
}

// NewCodec creates a codec for limits.
func NewCodec(limits config.Limits) (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("wire: %w", err)
	}
	maxInline := uint64(0)
	if limits.MaxInlineBytes > 0 {
		maxInline = uint64(limits.MaxInlineBytes)
	}
	pool := NewDecompressPool(limits.MaxDecoderMemory,
		WithDecoderConcurrency(limits.DecoderConcurrency),
		WithDecoderLowmem(limits.DecoderLowmem),
	)
	return &Codec{
		enc:         enc,
		pool:        pool,
		chunkBytes:  limits.InlineChunkBytes,
		compressMin: limits.CompressMinBytes,
		maxInline:   maxInline,
	}, nil
}

// MaxInline returns the largest byte count sent inline.
func (c *Codec) MaxInline() uint64 { return c.maxInline }

// Encode splits data into chunks. A chunk is stored compressed only when
// that makes it smaller.
func (c *Codec) Encode(data []byte) ([]Chunk, error) {
	if uint64(len(data)) > c.maxInline {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	chunks := make([]Chunk, 0, len(data)/c.chunkBytes+1)
	for off := 0; off < len(data); off += c.chunkBytes {
		end := min(off+c.chunkBytes, len(data))
		raw := data[off:end]
		ch := Chunk{
			Data:   raw,
			Size:   uint64(len(raw)),
			Digest: digest.FromBytes(raw).String(),
		}
		if len(raw) >= c.compressMin {
			packed := c.enc.EncodeAll(raw, make([]byte, 0, len(raw)/2))
			if len(packed) < len(raw) {
				ch.Data = packed
				ch.Compressed = true
			}
		}
		chunks = append(chunks, ch)
	}
	return chunks, nil
}

// Decode reassembles and verifies chunks.
func (c *Codec) Decode(chunks []Chunk) ([]byte, error) {
	var total uint64
	for _, ch := range chunks {
		next, ok := sizing.AddUint64(total, ch.Size)
		if !ok {
			return nil, sizing.ErrOverflow
		}
		total = next
	}
	if total > c.maxInline {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, total)
	}
	n, err := sizing.ToInt(total, sizing.ErrOverflow)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, n)
	for i, ch := range chunks {
		raw := ch.Data
		if ch.Compressed {
			size, err := sizing.ToInt(ch.Size, sizing.ErrOverflow)
			if err != nil {
				return nil, err
			}
			raw, err = c.pool.DecodeAll(ch.Data, size)
			if err != nil {
				return nil, fmt.Errorf("%w: chunk %d: %v", ErrDecompression, i, err)
			}
		}
		if uint64(len(raw)) != ch.Size {
			return nil, fmt.Errorf("%w: chunk %d has %d bytes, want %d", ErrDecompression, i, len(raw), ch.Size)
		}
		want, err := digest.Parse(ch.Digest)
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %d: %v", ErrDigestMismatch, i, err)
		}
		if !verify(want, raw) {
			return nil, fmt.Errorf("%w: chunk %d", ErrDigestMismatch, i)
		}
		out = append(out, raw...)
	}
	return out, nil
}

func verify(want digest.Digest, data []byte) bool {
	v := want.Verifier()
	if _, err := v.Write(data); err != nil {
		return false
	}
	return v.Verified()
}

// Close releases the encoder.
func (c *Codec) Close() error {
	return c.enc.Close()
}
