package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	apiRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "api",
		Name:      "requests_total",
		Help:      "HTTP API requests by route template and status code.",
	}, []string{"route", "status"})

	apiLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "api",
		Name:      "request_seconds",
		Help:      "HTTP API latency by route template.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"route"})

	tracer = otel.Tracer("github.com/example/treedoc/api")
)

func init() {
	prometheus.MustRegister(apiRequests, apiLatency)
}
