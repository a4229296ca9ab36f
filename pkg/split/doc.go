/*
Package split implements the Split Orchestrator: the multi-phase live
tenant-migration state machine (plan -> dual_write -> backfill -> tailing ->
cutover_pending -> completed, with rollback from any non-terminal phase).

# Persistence

Plans are stored one-per-key in a bbolt bucket, the same bucket-per-entity
shape used by the routing and queue packages.

# Resolver overlay

ResolveReadShard and ResolveWriteShards are pure functions over the plan
set; the gateway calls them after base routing resolution and never
inspects plan state directly. This keeps the base routing policy and the
split overlay composable without either mutating the other's state.

# Backfill and tail

RunBackfill pages rows per (tenant, table) from source to target via the
shard package's ExportRows/ImportRows; a page failure marks the plan's
backfill sub-status failed and surfaces a SplitDataError without advancing
the phase, so a retry can resume from the last persisted cursor.

ReplayTail applies source's tail log (shard.TailSince) onto target. The
plan's Tail.LastSeq tracks the highest tail-log sequence number applied so
far, and each call passes it back to TailSince as a strict lower bound --
this, not an exact single-ID match, is what makes repeated calls safe:
every entry at or before LastSeq is excluded from the next call's results,
not just the one entry that happened to be last. The "caught up" threshold
is the configurable TailLagThreshold: once the newest replayed entry is
within that duration of now, tail status flips to caught_up and the plan
advances to cutover_pending.

Dual-write failures on target during backfill are expected (rows not yet
copied will fail FK/unique checks) and are not surfaced as plan failures by
ReplayTail or RunBackfill directly; by the time backfill.status is
completed, any further target-side failure during tail replay is treated as
fatal.
*/
package split
