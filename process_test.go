package blobipc

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/blobipc/blobimpl"
	"github.com/meigma/blobipc/internal/config"
	"github.com/meigma/blobipc/internal/testutil"
)

func TestNewProcessOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		opts    []Option
		wantErr bool
	}{
		{name: "defaults"},
		{name: "descriptors", opts: []Option{WithMaxDescriptorsPerMessage(10)}},
		{name: "zero descriptors", opts: []Option{WithMaxDescriptorsPerMessage(0)}, wantErr: true},
		{name: "zero workers", opts: []Option{WithStreamWorkers(0)}, wantErr: true},
		{name: "negative inline", opts: []Option{WithMaxInlineBytes(-1)}, wantErr: true},
		{name: "nil registerer", opts: []Option{WithRegisterer(nil)}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := NewProcess(tt.name, tt.opts...)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NoError(t, p.Close())
		})
	}
}

func TestLimitsFromEnv(t *testing.T) {
	t.Setenv("BLOBIPC_MAX_DESCRIPTORS_PER_MESSAGE", "7")
	t.Setenv("BLOBIPC_STREAM_WORKERS", "3")

	p := newProcess(t, "env", WithLimitsFromEnv())
	assert.Equal(t, 7, p.limits.MaxDescriptorsPerMessage)
	assert.Equal(t, 3, p.limits.StreamWorkers)
	assert.Equal(t, config.Default().InlineChunkBytes, p.limits.InlineChunkBytes)
}

func TestMetricsRegisteredWithProcessLabel(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	parent := newProcess(t, "parent", WithRegisterer(reg))
	child := newProcess(t, "child", WithRegisterer(reg))
	l := connectProcs(t, parent, child)

	got := l.fromChild(t, blobimpl.NewMemory([]byte("counted"), ""))

	assert.InDelta(t, 1, promtest.ToFloat64(child.metrics.BlobsConstructed.WithLabelValues("child", "normal")), 0)
	assert.InDelta(t, 1, promtest.ToFloat64(parent.metrics.BlobsConstructed.WithLabelValues("parent", "normal")), 0)

	n, err := promtest.GatherAndCount(reg, "blobipc_registry_entries")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got.Destroy()
	testutil.Eventually(t, func() bool {
		return promtest.ToFloat64(child.metrics.BlobsDestroyed.WithLabelValues("child")) == 1
	}, "child actor destroyed")
	assert.Equal(t, 0, parent.Registry().Len())
}

func TestProcessCloseTearsDownConnections(t *testing.T) {
	t.Parallel()

	parent, err := NewProcess("parent")
	require.NoError(t, err)
	child := newProcess(t, "child")
	l := connectProcs(t, parent, child)

	l.fromChild(t, blobimpl.NewMemory([]byte("x"), ""))
	require.NoError(t, parent.Close())
	require.NoError(t, parent.Close())

	assert.True(t, l.parent.Closed())
	assert.Equal(t, 0, parent.Registry().Len())
	testutil.Eventually(t, l.child.Closed, "child manager closed")
}
