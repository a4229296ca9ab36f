/*
Package health provides health check mechanisms for the database's own
components: shards, the routing store, and the event queue.

# Architecture

The package uses a modular checker design, pointed at the database's own
moving parts instead of externally managed containers:

	┌─────────────────────────────────────────────────────────────┐
	│                   Health Check System                       │
	└─────┬──────────────────────────────────────────────────────┘
	      │
	      ▼
	┌──────────────────────────────────────────────────────────────┐
	│                     Checker Interface                        │
	│  • Check(ctx) Result                                         │
	│  • Type() CheckType                                          │
	└────────┬─────────────────────────────────────────────────────┘
	         │
	    ┌────┴──────┬───────────┬────────────┐
	    ▼           ▼           ▼            ▼
	┌────────┐  ┌──────┐  ┌────────────┐ ┌──────────────┐
	│  HTTP  │  │ TCP  │  │ShardChecker│ │RoutingChecker│
	│Checker │  │Checker│ │QueueChecker│ │              │
	└────────┘  └──────┘  └────────────┘ └──────────────┘

HTTPChecker and TCPChecker remain generic probes, useful for an operator
checking an external D1 sync endpoint or a shard's raft transport port.
ShardChecker, RoutingChecker, and QueueChecker are self-report adapters:
they call the component's own Health()/CurrentVersion()/Depth() method and
translate the result into a Result, so every component's health feeds the
same hysteresis machinery regardless of whether it's network-probed or
asked directly.

# Hysteresis

Status tracks health over time and requires Retries consecutive failures
before flipping Healthy to false, and a single success to flip it back:

	Healthy → 1 failure → still healthy
	Healthy → Retries failures → unhealthy
	Unhealthy → 1 success → healthy

This absorbs transient blips (a momentary routing-store timeout, a shard
mid-snapshot) without flapping a component's reported status.

# Aggregation

Aggregator holds one Checker and one Status per named component and
exposes a combined health view: overall healthy only if every component
is. Its Handler returns 503 the moment any component is unhealthy, which
is what an operator's load balancer or orchestrator polls.

# See Also

  - pkg/shard - HealthStatus is the self-report ShardChecker adapts
  - pkg/metrics - point-in-time gauges; health.Result is pass/fail, not a gauge
*/
package health
