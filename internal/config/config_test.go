package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsMatchDefault(t *testing.T) {
	l, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), l)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BLOBIPC_MAX_DESCRIPTORS_PER_MESSAGE", "2")
	t.Setenv("BLOBIPC_STREAM_WORKERS", "3")
	t.Setenv("BLOBIPC_DECODER_LOWMEM", "true")

	l, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2, l.MaxDescriptorsPerMessage)
	assert.Equal(t, 3, l.StreamWorkers)
	assert.True(t, l.DecoderLowmem)
	assert.Equal(t, Default().InlineChunkBytes, l.InlineChunkBytes)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("BLOBIPC_MAX_DESCRIPTORS_PER_MESSAGE", "0")

	_, err := Load()
	require.ErrorIs(t, err, ErrInvalidLimits)
	assert.Equal(t, Default(), LoadOrDefault())
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Limits)
	}{
		{"descriptors", func(l *Limits) { l.MaxDescriptorsPerMessage = 0 }},
		{"message bytes", func(l *Limits) { l.MaxMessageBytes = 0 }},
		{"chunk bytes", func(l *Limits) { l.InlineChunkBytes = -1 }},
		{"inline above message", func(l *Limits) { l.MaxInlineBytes = int64(l.MaxMessageBytes) }},
		{"workers", func(l *Limits) { l.StreamWorkers = 0 }},
		{"decoder concurrency", func(l *Limits) { l.DecoderConcurrency = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			l := Default()
			tt.mutate(&l)
			assert.ErrorIs(t, l.Validate(), ErrInvalidLimits)
		})
	}
	assert.NoError(t, Default().Validate())
}
