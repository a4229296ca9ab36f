/*
Package scheduler provides capacity-aware split-target advice for the
operator. It does not schedule anything automatically: a tenant split's
source and target shard are always an explicit operator decision (see
split.Orchestrator.Plan), and Advisor's recommendations are only ever
consulted, never acted on directly.

# Architecture

Advisor polls every known shard's self-reported HealthStatus on a fixed
interval and logs (and optionally publishes via pkg/events) a warning once
a shard's capacity utilization crosses nearCapacityThreshold:

	┌─────────────────────────────────────────────────────┐
	│                  Advisor.run loop                   │
	│                (ticker, configurable)                │
	└───────────────────┬───────────────────────────────────┘
	                    │
	                    ▼
	        for each shard: shard.Health()
	                    │
	          CapacityPct >= 90%? ──no──▶ skip
	                    │yes
	                    ▼
	        log.Warn + events.EventShardNearCapacity

SuggestSplitTarget is a standalone helper, independent of the polling
loop: given the current shard set and a source shard, it returns the
other shard with the lowest reported capacity utilization -- the natural
first guess for `operator plan-split`'s --target flag when the operator
doesn't already have one in mind.

# See Also

  - pkg/shard - HealthStatus.CapacityPct is what this package polls
  - pkg/split - owns the actual plan; this package only advises
  - pkg/events - the near-capacity notification channel
*/
package scheduler
