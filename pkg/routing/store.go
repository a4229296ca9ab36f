package routing

import "github.com/healthfees-org/workersql-sub000/pkg/types"

// Store is the Routing Policy Store: a versioned tenant/range to shard map
// with atomic publish/rollback and key resolution.
type Store interface {
	// CurrentVersion returns the currently active policy version. Starts at 1.
	CurrentVersion() (int, error)

	// Get returns the immutable policy for a given version, or an error if
	// the version does not exist.
	Get(version int) (*types.RoutingPolicy, error)

	// Publish validates policy against the known shard universe, assigns it
	// version = current+1, persists it, then flips the current-version
	// pointer. Returns the assigned version.
	Publish(policy *types.RoutingPolicy, description string, knownShards map[string]bool) (int, error)

	// Rollback flips the current-version pointer back to toVersion. Newer
	// versions are retained, not deleted.
	Rollback(toVersion int) error

	// Diff computes the set-difference between two policy versions.
	Diff(from, to int) (*types.RoutingDiff, error)

	// Resolve returns the shard a given tenant/key resolves to under the
	// currently active policy: tenant map, then ordered range prefix scan,
	// then a stable hash fallback over shardCount.
	Resolve(tenantID, key string, shardCount int) (string, error)

	// Close releases underlying resources.
	Close() error
}
