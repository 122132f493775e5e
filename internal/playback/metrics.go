package playback

import "github.com/prometheus/client_golang/prometheus"

var (
	playbackLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "playback",
		Name:      "request_seconds",
		Help:      "Time to hydrate a historical document state.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"outcome"})

	playbackCacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "playback",
		Name:      "cache_lookups_total",
		Help:      "Replayed-state cache lookups by result.",
	}, []string{"result"})

	playbackReplayed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "playback",
		Name:      "replayed_records_total",
		Help:      "WAL records applied while serving playback requests.",
	})
)

func init() {
	prometheus.MustRegister(playbackLatency, playbackCacheLookups, playbackReplayed)
}
