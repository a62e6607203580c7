// Package metrics defines the Prometheus collectors of a blob process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stream delivery paths recorded by StreamsOpened.
const (
	PathInline   = "inline"
	PathPipeline = "pipeline"
	PathSync     = "sync"
)

// Metrics holds all Prometheus metrics of one process.
type Metrics struct {
	// Actor metrics
	BlobsConstructed *prometheus.CounterVec
	BlobsDestroyed   *prometheus.CounterVec

	// Stream metrics
	StreamsOpened *prometheus.CounterVec
	StreamOps     prometheus.Gauge

	// Protocol metrics
	ProtocolViolations prometheus.Counter
	TransferFailures   prometheus.Counter
	DescriptorSets     prometheus.Counter
}

// New registers the collectors on reg.
//
// registryEntries, when non-nil, backs a gauge reporting the size of the
// process blob registry.
func New(reg prometheus.Registerer, registryEntries func() float64) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		BlobsConstructed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blobipc_blobs_constructed_total",
				Help: "Blob actors constructed, by side and constructor kind",
			},
			[]string{"side", "kind"},
		),
		BlobsDestroyed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blobipc_blobs_destroyed_total",
				Help: "Blob actors destroyed, by side",
			},
			[]string{"side"},
		),
		StreamsOpened: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blobipc_streams_opened_total",
				Help: "Remote streams served, by delivery path",
			},
			[]string{"path"},
		),
		StreamOps: f.NewGauge(prometheus.GaugeOpts{
			Name: "blobipc_stream_ops_active",
			Help: "Stream-open operations in flight",
		}),
		ProtocolViolations: f.NewCounter(prometheus.CounterOpts{
			Name: "blobipc_protocol_violations_total",
			Help: "Malformed or out-of-order messages refused",
		}),
		TransferFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "blobipc_transfer_failures_total",
			Help: "Blob constructions that could not be sent",
		}),
		DescriptorSets: f.NewCounter(prometheus.CounterOpts{
			Name: "blobipc_descriptor_set_parts_total",
			Help: "Descriptor-set parts sent ahead of messages over the descriptor limit",
		}),
	}
	if registryEntries != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "blobipc_registry_entries",
			Help: "Entries in the process blob registry",
		}, registryEntries)
	}
	return m
}
