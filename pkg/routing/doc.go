/*
Package routing implements the Routing Policy Store: a versioned
tenant/range to shard map with atomic version publish, rollback, and diff.

Policies are immutable once published; history is retained indefinitely so
an operator can roll back or inspect any prior version. Resolution for a
given tenant/key tries, in order: the tenant map, an ordered range-prefix
scan (first match wins), then a stable hash of the key modulo the shard
count.

# Storage layout

BoltDB buckets, one version key per published policy:

	routing_meta:     current_version -> "<N>"
	routing_policies: v<N>            -> JSON(RoutingPolicy)
	routing_history:  v<N>            -> JSON(historyMeta)

# Publish is the cutover point

publish() assigns the next version, persists it, then flips the
current-version pointer in the same bbolt transaction. Before the flip,
Resolve still uses the prior version; after, it uses the new one
atomically -- there is no window where routing is ambiguous.
*/
package routing
