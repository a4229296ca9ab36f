package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Shard metrics
	ShardSizeBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edgedb_shard_size_bytes",
			Help: "Current on-disk size of a shard's embedded store",
		},
		[]string{"shard"},
	)

	ShardCapacityPct = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edgedb_shard_capacity_pct",
			Help: "Shard size as a percentage of max_bytes",
		},
		[]string{"shard"},
	)

	ShardTableCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edgedb_shard_table_count",
			Help: "Number of tables present in a shard's store",
		},
		[]string{"shard"},
	)

	ShardActiveTransactions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edgedb_shard_active_transactions",
			Help: "Number of open transactions on a shard",
		},
		[]string{"shard"},
	)

	ShardCapacityRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgedb_shard_capacity_rejections_total",
			Help: "Total mutations rejected with ShardCapacityExceeded",
		},
		[]string{"shard"},
	)

	ShardRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgedb_shard_transient_retries_total",
			Help: "Total transient-store-busy retries attempted per shard",
		},
		[]string{"shard"},
	)

	// Cache metrics
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgedb_cache_hits_total",
			Help: "Total cache hits by tenant and freshness",
		},
		[]string{"tenant", "freshness"},
	)

	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgedb_cache_misses_total",
			Help: "Total cache misses by tenant",
		},
		[]string{"tenant"},
	)

	CacheSingleFlightWaitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgedb_cache_singleflight_waits_total",
			Help: "Total callers that waited on an in-flight cache fill rather than starting one",
		},
		[]string{"tenant"},
	)

	CacheInvalidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgedb_cache_invalidations_total",
			Help: "Total cache keys deleted by explicit invalidation or pattern purge",
		},
		[]string{"tenant"},
	)

	CacheDecodeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgedb_cache_decode_errors_total",
			Help: "Total cache entries evicted due to decode failure",
		},
		[]string{"tenant"},
	)

	// Event queue metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "edgedb_queue_depth",
			Help: "Current number of pending (non-DLQ) events",
		},
	)

	QueueDLQDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "edgedb_queue_dlq_depth",
			Help: "Current number of dead-lettered events",
		},
	)

	QueueConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgedb_queue_consumed_total",
			Help: "Total events consumed, by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	QueueHandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edgedb_queue_handler_duration_seconds",
			Help:    "Event handler execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// Gateway metrics
	GatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgedb_gateway_requests_total",
			Help: "Total gateway requests by tenant, shard, and outcome",
		},
		[]string{"tenant", "shard", "outcome"},
	)

	GatewayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edgedb_gateway_request_duration_seconds",
			Help:    "Gateway request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tenant", "shard"},
	)

	GatewaySessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "edgedb_gateway_sessions_active",
			Help: "Current number of tracked gateway sessions",
		},
	)

	// Split orchestrator metrics
	SplitPlansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgedb_split_plans_total",
			Help: "Total split plans by terminal outcome",
		},
		[]string{"outcome"},
	)

	SplitPhaseGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edgedb_split_plan_phase",
			Help: "Current phase of a split plan (1 for the active phase label, else 0)",
		},
		[]string{"plan_id", "phase"},
	)

	SplitBackfillRowsCopied = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edgedb_split_backfill_rows_copied",
			Help: "Rows copied so far by an in-progress backfill",
		},
		[]string{"plan_id"},
	)

	// Routing metrics
	RoutingCurrentVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "edgedb_routing_current_version",
			Help: "Currently active routing policy version",
		},
	)

	RoutingPublishesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "edgedb_routing_publishes_total",
			Help: "Total routing policy versions published",
		},
	)

	RoutingRollbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "edgedb_routing_rollbacks_total",
			Help: "Total routing policy rollbacks performed",
		},
	)
)

func init() {
	prometheus.MustRegister(ShardSizeBytes)
	prometheus.MustRegister(ShardCapacityPct)
	prometheus.MustRegister(ShardTableCount)
	prometheus.MustRegister(ShardActiveTransactions)
	prometheus.MustRegister(ShardCapacityRejections)
	prometheus.MustRegister(ShardRetriesTotal)

	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(CacheSingleFlightWaitsTotal)
	prometheus.MustRegister(CacheInvalidationsTotal)
	prometheus.MustRegister(CacheDecodeErrorsTotal)

	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueDLQDepth)
	prometheus.MustRegister(QueueConsumedTotal)
	prometheus.MustRegister(QueueHandlerDuration)

	prometheus.MustRegister(GatewayRequestsTotal)
	prometheus.MustRegister(GatewayRequestDuration)
	prometheus.MustRegister(GatewaySessionsActive)

	prometheus.MustRegister(SplitPlansTotal)
	prometheus.MustRegister(SplitPhaseGauge)
	prometheus.MustRegister(SplitBackfillRowsCopied)

	prometheus.MustRegister(RoutingCurrentVersion)
	prometheus.MustRegister(RoutingPublishesTotal)
	prometheus.MustRegister(RoutingRollbacksTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
