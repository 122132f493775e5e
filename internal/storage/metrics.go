package storage

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

// Latencies are labelled by backend only; per-document series live on the
// backlog gauge, which the snapshot worker resets.
var (
	walAppendSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "treedoc",
		Subsystem: "wal",
		Name:      "append_seconds",
		Help:      "Time to durably append one tree event.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"driver"})

	walReplaySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "treedoc",
		Subsystem: "wal",
		Name:      "replay_seconds",
		Help:      "Time to scan a document's log tail.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"driver"})

	walSnapshotRefs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treedoc",
		Subsystem: "wal",
		Name:      "snapshot_refs_total",
		Help:      "Snapshot references recorded in the log.",
	}, []string{"driver"})

	walBacklog = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "treedoc",
		Subsystem: "wal",
		Name:      "backlog_entries",
		Help:      "Log entries past the latest snapshot, per document.",
	}, []string{"document"})

	walTracer = otel.Tracer("github.com/example/treedoc/storage")
)

func init() {
	prometheus.MustRegister(walAppendSeconds, walReplaySeconds, walSnapshotRefs, walBacklog)
}

func observeSince(h *prometheus.HistogramVec, driver string, start time.Time) {
	h.WithLabelValues(driver).Observe(time.Since(start).Seconds())
}
