// Package cache implements the tenant-scoped Cache Layer: fresh/stale-while-
// revalidate windows over entity, index, and query keys, single-flight
// fills guarded by an in-process flight registry, and pattern-based
// invalidation.
//
// Every key is tenant-scoped ("<tenant_id>:" prefix) before it reaches the
// backing store, so two tenants can never collide on the same logical key.
// The backing store's own per-entry expiration is set to the entry's SWR
// ceiling; freshness itself is computed from the entry's fresh_until_ms/
// swr_until_ms fields, not from the store's TTL.
package cache
