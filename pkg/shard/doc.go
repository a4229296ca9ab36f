/*
Package shard implements the Shard Runtime: the single-writer, transactional
engine for one shard_id's embedded SQLite store.

# Write path

Every mutation, DDL statement, or transaction commit is submitted as a
Raft Command through a single-node Raft group bootstrapped per shard. Raft's
sequential Apply is what gives the single-writer discipline its teeth: reads
go straight to the database handle and may run concurrently, but nothing
writes to it except the FSM inside Apply. A transaction's buffered statement
list is submitted as one Command on COMMIT, so sql.Tx's own atomicity
produces the "all of a transaction's statements or none" invariant without
any additional bookkeeping.

# Capacity

size_bytes is derived from `page_count * page_size`, an approximation that
can lag true on-disk size by up to one page per pending write. This slack is
accepted rather than chased with a tighter probe; a shard at max_bytes-1 is
guaranteed to accept one more small write, not guaranteed to reject at the
exact byte.

# Point-in-time recovery

PITR bookmarks (bookmark.go) are independent of Raft's own snapshot/restore
cycle (fsm.go), which exists only to let Raft compact its log. A bookmark is
a verbatim copy of the database file at the moment it was taken; restoring
one replaces the file and reopens the handle. Restoring rewinds all
in-memory transaction state; any transaction open at restore time is
discarded.

# Transient retries

A store error whose message contains "overloaded", "busy", or "timeout" is
treated as transient and retried up to three times with exponential backoff
before being surfaced to the caller.
*/
package shard
