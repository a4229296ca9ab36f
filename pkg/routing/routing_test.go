package routing

import (
	"testing"

	"github.com/healthfees-org/workersql-sub000/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCurrentVersionDefaultsToOne(t *testing.T) {
	store := newTestStore(t)
	v, err := store.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestPublishAssignsMonotonicVersions(t *testing.T) {
	store := newTestStore(t)
	known := map[string]bool{"shard-a": true, "shard-b": true}

	v1, err := store.Publish(&types.RoutingPolicy{Tenants: map[string]string{"t1": "shard-a"}}, "initial", known)
	require.NoError(t, err)
	assert.Equal(t, 2, v1)

	v2, err := store.Publish(&types.RoutingPolicy{Tenants: map[string]string{"t1": "shard-b"}}, "move t1", known)
	require.NoError(t, err)
	assert.Equal(t, 3, v2)

	current, err := store.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, v2, current)
}

func TestPublishRejectsUnknownShard(t *testing.T) {
	store := newTestStore(t)
	known := map[string]bool{"shard-a": true}

	_, err := store.Publish(&types.RoutingPolicy{Tenants: map[string]string{"t1": "shard-ghost"}}, "bad", known)
	require.Error(t, err)

	var typedErr *types.Error
	require.ErrorAs(t, err, &typedErr)
	assert.Equal(t, types.ErrConfigInvalid, typedErr.Kind)

	// Rejected publish must not have advanced current_version.
	v, err := store.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestRollbackRetainsNewerVersions(t *testing.T) {
	store := newTestStore(t)
	known := map[string]bool{"shard-a": true, "shard-b": true}

	v1, err := store.Publish(&types.RoutingPolicy{Tenants: map[string]string{"t1": "shard-a"}}, "v1", known)
	require.NoError(t, err)
	v2, err := store.Publish(&types.RoutingPolicy{Tenants: map[string]string{"t1": "shard-b"}}, "v2", known)
	require.NoError(t, err)

	require.NoError(t, store.Rollback(v1))

	current, err := store.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, v1, current)

	// v2 must still be retrievable even though it is no longer current.
	policy, err := store.Get(v2)
	require.NoError(t, err)
	assert.Equal(t, "shard-b", policy.Tenants["t1"])
}

func TestResolveTenantThenRangeThenHash(t *testing.T) {
	store := newTestStore(t)
	known := map[string]bool{"shard-a": true, "shard-b": true, "shard-c": true}

	_, err := store.Publish(&types.RoutingPolicy{
		Tenants: map[string]string{"t1": "shard-a"},
		Ranges: []types.RangeEntry{
			{Prefix: "t2:", ShardID: "shard-b"},
		},
	}, "mixed", known)
	require.NoError(t, err)

	tests := []struct {
		name     string
		tenant   string
		key      string
		expected string
	}{
		{"tenant map hit", "t1", "t1:orders:5", "shard-a"},
		{"range prefix hit", "t9", "t2:orders:5", "shard-b"},
		{"falls through to hash", "t9", "unmapped-key", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shard, err := store.Resolve(tt.tenant, tt.key, 3)
			require.NoError(t, err)
			if tt.expected != "" {
				assert.Equal(t, tt.expected, shard)
			} else {
				assert.Contains(t, shard, "shard-")
			}
		})
	}
}

func TestDiffReportsAddedRemovedChanged(t *testing.T) {
	store := newTestStore(t)
	known := map[string]bool{"shard-a": true, "shard-b": true, "shard-c": true}

	v1, err := store.Publish(&types.RoutingPolicy{
		Tenants: map[string]string{"t1": "shard-a", "t2": "shard-a"},
	}, "v1", known)
	require.NoError(t, err)

	v2, err := store.Publish(&types.RoutingPolicy{
		Tenants: map[string]string{"t1": "shard-b", "t3": "shard-c"},
	}, "v2", known)
	require.NoError(t, err)

	diff, err := store.Diff(v1, v2)
	require.NoError(t, err)

	assert.Equal(t, "shard-c", diff.AddedTenants["t3"])
	assert.Equal(t, "shard-a", diff.RemovedTenants["t2"])
	assert.Equal(t, "shard-b", diff.ChangedTenants["t1"])
}

func TestPublishedVersionImmutableForUnaffectedKeys(t *testing.T) {
	// ∀ routing versions V: publish(V+1).resolve(k) == V.resolve(k) for any k
	// whose mapping is unchanged in the diff.
	store := newTestStore(t)
	known := map[string]bool{"shard-a": true, "shard-b": true}

	_, err := store.Publish(&types.RoutingPolicy{Tenants: map[string]string{"t1": "shard-a", "t2": "shard-a"}}, "v1", known)
	require.NoError(t, err)

	before, err := store.Resolve("t2", "t2:x", 2)
	require.NoError(t, err)

	_, err = store.Publish(&types.RoutingPolicy{Tenants: map[string]string{"t1": "shard-b", "t2": "shard-a"}}, "v2", known)
	require.NoError(t, err)

	after, err := store.Resolve("t2", "t2:x", 2)
	require.NoError(t, err)

	assert.Equal(t, before, after)
}
