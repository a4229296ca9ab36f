/*
Package gateway implements the Gateway Core: the stateless per-request
pipeline that threads auth context, resolves consistency, routes to a
shard (consulting the split overlay), orchestrates the cache-aside read
path, and pins transactions to a shard for their lifetime.

# Session keying

The typed request contract carries a transaction_id but no separate
session_id (see types.QueryRequest). Outside of an open transaction a
request is stateless and independently routed, so nothing would ever be
looked up by a standalone session_id anyway; the session table here is
keyed directly by transaction_id. A session only exists between BEGIN and
COMMIT/ROLLBACK, which is also why the TTL sweep never has anything to
evict: every row in the table has an open transaction for as long as it
exists, so the sweep degenerates to a no-op by construction -- kept for
parity with a design where idle, non-transactional sessions also occupy
the table.

# Consistency resolution order

explicit request hint > hints-comment (/*+ ... */) > table policy default
> server default, per §4.E step 3. always_strong_columns overrides
whatever was resolved, forcing strong.

# Split overlay and transactions

A transaction pinned on BEGIN uses the split-aware *read* shard, not the
write fan-out list: a transaction can only be bound to one shard, and
mixing a multi-shard write fan-out into a pinned transaction would require
cross-shard transaction coordination, which is explicitly out of scope.
During an active split's dual_write/backfill/tailing phases this means an
open transaction continues to operate against source only; a correctly
behaving client should avoid opening long-lived transactions against a
tenant mid-split.

# Cache write-through rule

Mutations never populate the cache directly; dispatchWrite only executes
against the shard(s) and lets the shard's own invalidate event (consumed
by the queue's invalidate handler) age out the corresponding keys. This
keeps the write path free of cache-layer latency and bounds staleness to
queue latency plus the table's max SWR window.
*/
package gateway
