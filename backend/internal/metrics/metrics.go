// Package metrics 汇总桥接服务的 prometheus 指标，由 /metrics 暴露
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DocumentsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_bridge_documents_open",
		Help: "Number of documents held in the registry",
	})

	DeltasApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_bridge_deltas_total",
		Help: "Deltas applied, by result",
	}, []string{"result"})

	DiffsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_bridge_diffs_emitted_total",
		Help: "Diff events emitted to the host, by event name",
	}, []string{"event"})

	ChangeSetBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "collab_bridge_changeset_bytes",
		Help:    "Size of exported change-sets",
		Buckets: prometheus.ExponentialBuckets(64, 4, 8),
	})

	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "collab_bridge_command_duration_seconds",
		Help:    "Duration of command surface operations",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	}, []string{"command"})

	KafkaDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_bridge_kafka_dropped_total",
		Help: "Change-set events dropped after retries or on a full queue",
	})
)
