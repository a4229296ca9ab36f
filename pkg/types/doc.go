// Package types defines the shared data model for the edge database core:
// shards, routing policies, cache entries, queue events, gateway sessions,
// split plans, and the structured error taxonomy every component boundary
// classifies its failures into.
//
// These are plain structs and string-const enums, not active objects --
// behavior lives in the packages that operate on them (pkg/routing,
// pkg/cache, pkg/queue, pkg/shard, pkg/gateway, pkg/split).
package types
