package crdt

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	applyLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "crdt",
		Name:      "apply_wal_seconds",
		Help:      "Time spent applying WAL records to document buffers.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"document"})

	mergeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "crdt",
		Name:      "merge_seconds",
		Help:      "Time spent merging remote state into document buffers.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
	}, []string{"document"})

	operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crdt",
		Name:      "operations_total",
		Help:      "State-changing operations applied to document buffers.",
	}, []string{"type"})

	pendingNodes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "crdt",
		Name:      "pending_nodes",
		Help:      "Merged nodes waiting for their parent to arrive.",
	}, []string{"document"})

	documentCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "crdt",
		Name:      "documents",
		Help:      "Number of CRDT documents loaded in memory.",
	})

	tracer = otel.Tracer("github.com/example/treedoc/crdt")
)

func init() {
	prometheus.MustRegister(applyLatency, mergeLatency, operations, pendingNodes, documentCount)
}
