package popgate

import "github.com/prometheus/client_golang/prometheus"

var (
	metricCacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "popgate_cache_hits_total",
		Help: "Responses served from a cache partition, by strategy.",
	}, []string{"strategy"})

	metricCacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "popgate_cache_misses_total",
		Help: "Cache lookups that fell through to the origin, by strategy.",
	}, []string{"strategy"})

	metricQueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "popgate_queued_mutations_total",
		Help: "Mutations captured into the durable queue while offline.",
	})

	metricQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "popgate_queue_depth",
		Help: "Mutations currently waiting for replay.",
	})

	metricReplayOK = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "popgate_replayed_ok_total",
		Help: "Queued mutations replayed with an HTTP-ok response.",
	})

	metricReplayRetained = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "popgate_replay_retained_total",
		Help: "Replay attempts that failed; the record stays queued.",
	})

	metricPartitionsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "popgate_partitions_dropped_total",
		Help: "Stale cache partitions deleted at activation.",
	})
)

func RegisterMetrics() {
	prometheus.MustRegister(
		metricCacheHits, metricCacheMisses,
		metricQueued, metricQueueDepth,
		metricReplayOK, metricReplayRetained,
		metricPartitionsDropped,
	)
}
