package ws

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	wsUpgradeSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "treedoc",
		Subsystem: "ws",
		Name:      "upgrade_seconds",
		Help:      "Time spent upgrading an HTTP request to a WebSocket.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	})

	wsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treedoc",
		Subsystem: "ws",
		Name:      "rejected_total",
		Help:      "Connection attempts refused before the upgrade, by reason.",
	}, []string{"reason"})

	wsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "treedoc",
		Subsystem: "ws",
		Name:      "connections",
		Help:      "Open WebSocket connections across all documents.",
	})

	wsMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treedoc",
		Subsystem: "ws",
		Name:      "messages_total",
		Help:      "Client messages received, by type.",
	}, []string{"type"})

	wsFanout = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "treedoc",
		Subsystem: "ws",
		Name:      "broadcast_recipients",
		Help:      "Connections reached by one document broadcast.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

	wsQueueDepth = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "treedoc",
		Subsystem: "ws",
		Name:      "send_queue_depth",
		Help:      "Outbound queue length observed when a frame is enqueued.",
		Buckets:   prometheus.LinearBuckets(0, 8, 9),
	})

	wsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "treedoc",
		Subsystem: "ws",
		Name:      "slow_consumers_total",
		Help:      "Connections closed because their send queue was full.",
	})

	tracer = otel.Tracer("github.com/example/treedoc/ws")
)

func init() {
	prometheus.MustRegister(wsUpgradeSeconds, wsRejected, wsConnections, wsMessages, wsFanout, wsQueueDepth, wsDropped)
}
