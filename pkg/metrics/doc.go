/*
Package metrics provides Prometheus metrics collection and exposition, plus
a small health/readiness/liveness registry, for every component.

Each component self-instruments inline, at the point of the event it
describes, rather than being polled from outside: pkg/shard increments
ShardCapacityRejections/ShardRetriesTotal as they happen and sets
ShardSizeBytes/ShardCapacityPct/ShardTableCount/ShardActiveTransactions
whenever Metrics() is called; pkg/cache increments CacheHitsTotal/
CacheMissesTotal/... inline in GetOrFill; pkg/queue increments
QueueDepth/QueueDLQDepth/QueueConsumedTotal inline in Send/Dequeue/Consume;
pkg/gateway increments GatewayRequestsTotal/GatewayRequestDuration inline
in Execute and keeps GatewaySessionsActive current in its session table;
pkg/split sets SplitPhaseGauge/SplitBackfillRowsCopied inline on every
phase transition; pkg/routing increments RoutingPublishesTotal/
RoutingRollbacksTotal and sets RoutingCurrentVersion inline in Publish/
Rollback. This package's own Collector exists only for the one gauge
family that can't self-update on write -- a shard's on-disk size and
table count, which need an active probe rather than a write-time hook --
and periodically calls Shard.Metrics() to refresh them.

# Metric Catalog

Shard (pkg/shard):

	edgedb_shard_size_bytes{shard}
	edgedb_shard_capacity_pct{shard}
	edgedb_shard_table_count{shard}
	edgedb_shard_active_transactions{shard}
	edgedb_shard_capacity_rejections_total{shard}
	edgedb_shard_transient_retries_total{shard}

Cache (pkg/cache):

	edgedb_cache_hits_total{tenant,freshness}
	edgedb_cache_misses_total{tenant}
	edgedb_cache_singleflight_waits_total{tenant}
	edgedb_cache_invalidations_total{tenant}
	edgedb_cache_decode_errors_total{tenant}

Event queue (pkg/queue):

	edgedb_queue_depth
	edgedb_queue_dlq_depth
	edgedb_queue_consumed_total{type,outcome}
	edgedb_queue_handler_duration_seconds{type}

Gateway (pkg/gateway):

	edgedb_gateway_requests_total{tenant,shard,outcome}
	edgedb_gateway_request_duration_seconds{tenant,shard}
	edgedb_gateway_sessions_active

Split orchestrator (pkg/split):

	edgedb_split_plans_total{outcome}
	edgedb_split_plan_phase{plan_id,phase}
	edgedb_split_backfill_rows_copied{plan_id}

Routing (pkg/routing):

	edgedb_routing_current_version
	edgedb_routing_publishes_total
	edgedb_routing_rollbacks_total

# Usage

	import "github.com/healthfees-org/workersql-sub000/pkg/metrics"

	metrics.ShardCapacityRejections.WithLabelValues("shard-0").Inc()
	metrics.SplitPhaseGauge.WithLabelValues(plan.ID, string(plan.Phase)).Set(1)

	http.Handle("/metrics", metrics.Handler())

# Health, readiness, and liveness

RegisterComponent/UpdateComponent maintain a process-wide registry of named
component health, consulted by three HTTP handlers:

  - HealthHandler: overall status across every registered component
  - ReadyHandler: status restricted to the critical path ("routing",
    "shard", "gateway") -- not_ready until all three have registered
  - LivenessHandler: always 200 while the process is running, for an
    orchestrator's liveness probe

cmd/edgedb calls RegisterComponent for each subsystem as it finishes
initializing during `serve`, and UpdateComponent if a background loop
later detects that subsystem has gone unhealthy. This registry is a
coarser, process-wide complement to pkg/health's per-instance Aggregator:
the registry answers "is this process ready to take traffic", while
pkg/health answers "which specific shard/queue/routing check is failing
right now".

# See Also

  - pkg/health - per-component Checker/Aggregator this registry complements
  - pkg/shard, pkg/cache, pkg/queue, pkg/gateway, pkg/split, pkg/routing -
    the self-instrumenting call sites for every counter/gauge/histogram above
*/
package metrics
