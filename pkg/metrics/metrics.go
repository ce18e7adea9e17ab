package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Collection metrics
	CollectionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strata_collections_total",
			Help: "Total number of collections by tier",
		},
		[]string{"tier"},
	)

	VectorsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strata_vectors_total",
			Help: "Total number of live vectors across collections",
		},
	)

	// Query metrics
	SearchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "strata_search_latency_seconds",
			Help:    "Vector search latency in seconds by strategy",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)

	BatchQueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_batch_queries_total",
			Help: "Total number of batch query requests",
		},
	)

	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_query_cache_hits_total",
			Help: "Total number of query cache hits",
		},
	)

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_query_cache_misses_total",
			Help: "Total number of query cache misses",
		},
	)

	CacheInvalidationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_query_cache_invalidations_total",
			Help: "Total number of cache entries invalidated",
		},
	)

	// WAL metrics
	WALAppendsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_wal_appends_total",
			Help: "Total number of WAL records appended",
		},
	)

	WALSyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "strata_wal_sync_duration_seconds",
			Help:    "Time taken to sync a WAL buffer in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Object store metrics
	ObjectStoreRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_objstore_requests_total",
			Help: "Total number of object store operations by op and outcome",
		},
		[]string{"op", "outcome"},
	)

	SegmentUploadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "strata_segment_upload_duration_seconds",
			Help:    "Time taken to encode and upload a segment in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Circuit breaker metrics
	CircuitBreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strata_circuit_breaker_state",
			Help: "Circuit breaker state (0 = closed, 1 = open, 2 = half-open)",
		},
	)

	// DLQ metrics
	DLQSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strata_dlq_size",
			Help: "Current number of entries in the dead-letter queue",
		},
	)

	DLQEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_dlq_evictions_total",
			Help: "Total number of DLQ entries evicted by the size limit",
		},
	)

	DLQExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_dlq_expired_total",
			Help: "Total number of DLQ entries removed by TTL cleanup",
		},
	)

	// Tier manager metrics
	TierTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_tier_transitions_total",
			Help: "Total number of tier transitions by direction",
		},
		[]string{"from", "to"},
	)

	TierWorkerCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_tier_worker_cycles_total",
			Help: "Total number of tier worker cycles completed",
		},
	)

	TierWorkerDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "strata_tier_worker_duration_seconds",
			Help:    "Time taken for a tier worker cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Bootstrap metrics
	BootstrapDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "strata_bootstrap_duration_seconds",
			Help:    "Time taken for process bootstrap in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
	)

	WALRecordsReplayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_wal_records_replayed_total",
			Help: "Total number of WAL records replayed during bootstrap",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(CollectionsTotal)
	prometheus.MustRegister(VectorsTotal)
	prometheus.MustRegister(SearchLatency)
	prometheus.MustRegister(BatchQueriesTotal)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(CacheInvalidationsTotal)
	prometheus.MustRegister(WALAppendsTotal)
	prometheus.MustRegister(WALSyncDuration)
	prometheus.MustRegister(ObjectStoreRequestsTotal)
	prometheus.MustRegister(SegmentUploadDuration)
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(DLQSize)
	prometheus.MustRegister(DLQEvictionsTotal)
	prometheus.MustRegister(DLQExpiredTotal)
	prometheus.MustRegister(TierTransitionsTotal)
	prometheus.MustRegister(TierWorkerCyclesTotal)
	prometheus.MustRegister(TierWorkerDuration)
	prometheus.MustRegister(BootstrapDuration)
	prometheus.MustRegister(WALRecordsReplayed)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
