// Package metrics provides Prometheus metrics for cache operations:
// hit/miss counts, writes, evictions, backend errors, and store occupancy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "llmcache"
)

// HitLatencyBuckets defines histogram buckets for lookup latency (seconds).
var HitLatencyBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005,
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0,
}

var (
	// CacheHits counts cache hits per backend.
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"backend"},
	)

	// CacheMisses counts cache misses per backend.
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"backend"},
	)

	// CacheSets counts successful cache writes per backend.
	CacheSets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sets_total",
			Help:      "Total number of cache writes",
		},
		[]string{"backend"},
	)

	// CacheEvictions counts removed entries by reason (lru, ttl, manual).
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Total number of evicted entries by reason",
		},
		[]string{"backend", "reason"},
	)

	// BackendErrors counts backend operation failures.
	BackendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Total number of backend errors",
		},
		[]string{"backend"},
	)

	// CacheEntries tracks the current number of live entries.
	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entries",
			Help:      "Current number of live cache entries",
		},
		[]string{"backend"},
	)

	// CacheSizeBytes tracks the estimated byte total of live entries.
	CacheSizeBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "size_bytes",
			Help:      "Estimated total size of live cache entries in bytes",
		},
		[]string{"backend"},
	)

	// HitLatency tracks lookup latency for cache hits.
	HitLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "hit_latency_seconds",
			Help:      "Cache hit lookup latency in seconds",
			Buckets:   HitLatencyBuckets,
		},
		[]string{"backend"},
	)

	// TokensSaved counts tokens served from cache instead of the provider.
	TokensSaved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_saved_total",
			Help:      "Total tokens served from cache",
		},
		[]string{"backend"},
	)
)
