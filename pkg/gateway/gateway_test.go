package gateway

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/healthfees-org/workersql-sub000/pkg/cache"
	"github.com/healthfees-org/workersql-sub000/pkg/queue"
	"github.com/healthfees-org/workersql-sub000/pkg/routing"
	"github.com/healthfees-org/workersql-sub000/pkg/shard"
	"github.com/healthfees-org/workersql-sub000/pkg/split"
	"github.com/healthfees-org/workersql-sub000/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var gwPortCounter = 19100

func nextGWAddr() string {
	gwPortCounter++
	return fmt.Sprintf("127.0.0.1:%d", gwPortCounter)
}

type gwRig struct {
	gw     *Gateway
	shards map[string]*shard.Shard
	q      *queue.Queue
	cache  *cache.Cache
}

func newGWRig(t *testing.T, cfg Config) *gwRig {
	t.Helper()

	routingStore, err := routing.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = routingStore.Close() })

	c := cache.New(0)
	q, err := queue.New(t.TempDir(), c, queue.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	q.RegisterHandler(types.EventInvalidate, queue.NewInvalidateHandler(c))

	shards := map[string]*shard.Shard{}
	for _, id := range []string{"shard-0", "shard-1"} {
		s, err := shard.New(shard.Config{ShardID: id, DataDir: t.TempDir(), BindAddr: nextGWAddr()}, q)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		shards[id] = s
		_, err = s.DDL("CREATE TABLE widgets (id INTEGER PRIMARY KEY, tenant_id TEXT, name TEXT)", "system")
		require.NoError(t, err)
	}

	policy := &types.RoutingPolicy{Tenants: map[string]string{"alpha": "shard-0"}}
	_, err = routingStore.Publish(policy, "seed", map[string]bool{"shard-0": true, "shard-1": true})
	require.NoError(t, err)

	orch, err := split.New(t.TempDir(), routingStore, shards, split.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = orch.Close() })

	policies := NewPolicyRegistry(types.CacheConfig{Mode: types.CacheModeBounded, TTLMs: 60000, SWRMs: 120000})

	gw := New(cfg, routingStore, c, q, shards, orch, policies)
	t.Cleanup(gw.Close)

	return &gwRig{gw: gw, shards: shards, q: q, cache: c}
}

func (r *gwRig) drainInvalidations(t *testing.T) {
	t.Helper()
	events, err := r.q.Dequeue(100)
	require.NoError(t, err)
	errs := r.q.Consume(events)
	for _, e := range errs {
		require.NoError(t, e)
	}
}

func TestExecuteRejectsRequestWithoutTenant(t *testing.T) {
	rig := newGWRig(t, Config{})
	_, err := rig.gw.Execute(context.Background(), &types.QueryRequest{SQL: "SELECT 1"})
	require.Error(t, err)
	var typedErr *types.Error
	require.ErrorAs(t, err, &typedErr)
	assert.Equal(t, types.ErrUnauthorized, typedErr.Kind)
}

func TestWriteThenBoundedReadPopulatesAndServesFromCache(t *testing.T) {
	rig := newGWRig(t, Config{})
	ctx := context.Background()
	auth := types.AuthContext{TenantID: "alpha", RequestID: "req-1"}

	_, err := rig.gw.Execute(ctx, &types.QueryRequest{
		AuthContext: auth,
		SQL:         "INSERT INTO widgets (id, tenant_id, name) VALUES (1, 'alpha', 'sprocket')",
	})
	require.NoError(t, err)

	resp, err := rig.gw.Execute(ctx, &types.QueryRequest{
		AuthContext: auth,
		SQL:         "SELECT * FROM widgets WHERE tenant_id = 'alpha'",
	})
	require.NoError(t, err)
	assert.False(t, resp.Meta.FromCache, "first read is a miss")
	assert.Len(t, resp.Rows, 1)

	resp2, err := rig.gw.Execute(ctx, &types.QueryRequest{
		AuthContext: auth,
		SQL:         "SELECT * FROM widgets WHERE tenant_id = 'alpha'",
	})
	require.NoError(t, err)
	assert.True(t, resp2.Meta.FromCache, "second read hits the populated cache entry")
}

func TestStrongHintBypassesCache(t *testing.T) {
	rig := newGWRig(t, Config{})
	ctx := context.Background()
	auth := types.AuthContext{TenantID: "alpha", RequestID: "req-1"}

	_, err := rig.gw.Execute(ctx, &types.QueryRequest{
		AuthContext: auth,
		SQL:         "INSERT INTO widgets (id, tenant_id, name) VALUES (1, 'alpha', 'sprocket')",
	})
	require.NoError(t, err)

	resp, err := rig.gw.Execute(ctx, &types.QueryRequest{
		AuthContext: auth,
		SQL:         "/*+ strong */ SELECT * FROM widgets WHERE tenant_id = 'alpha'",
	})
	require.NoError(t, err)
	assert.False(t, resp.Meta.FromCache)

	resp2, err := rig.gw.Execute(ctx, &types.QueryRequest{
		AuthContext: auth,
		SQL:         "/*+ strong */ SELECT * FROM widgets WHERE tenant_id = 'alpha'",
	})
	require.NoError(t, err)
	assert.False(t, resp2.Meta.FromCache, "strong never consults the cache, even on a repeat query")
}

func TestInvalidateEventPurgesCachedQueryAfterWrite(t *testing.T) {
	rig := newGWRig(t, Config{})
	ctx := context.Background()
	auth := types.AuthContext{TenantID: "alpha", RequestID: "req-1"}

	_, err := rig.gw.Execute(ctx, &types.QueryRequest{
		AuthContext: auth,
		SQL:         "INSERT INTO widgets (id, tenant_id, name) VALUES (1, 'alpha', 'sprocket')",
	})
	require.NoError(t, err)
	rig.drainInvalidations(t)

	resp, err := rig.gw.Execute(ctx, &types.QueryRequest{
		AuthContext: auth,
		SQL:         "SELECT * FROM widgets WHERE tenant_id = 'alpha'",
	})
	require.NoError(t, err)
	assert.False(t, resp.Meta.FromCache)

	_, err = rig.gw.Execute(ctx, &types.QueryRequest{
		AuthContext: auth,
		SQL:         "INSERT INTO widgets (id, tenant_id, name) VALUES (2, 'alpha', 'bolt')",
	})
	require.NoError(t, err)
	rig.drainInvalidations(t)

	resp2, err := rig.gw.Execute(ctx, &types.QueryRequest{
		AuthContext: auth,
		SQL:         "SELECT * FROM widgets WHERE tenant_id = 'alpha'",
	})
	require.NoError(t, err)
	assert.False(t, resp2.Meta.FromCache, "the second write's invalidate event purged the cached query result")
	assert.Len(t, resp2.Rows, 2)
}

func TestTransactionPinsSessionToOneShardUntilRollback(t *testing.T) {
	rig := newGWRig(t, Config{})
	ctx := context.Background()
	auth := types.AuthContext{TenantID: "alpha", RequestID: "req-1"}

	begin, err := rig.gw.Execute(ctx, &types.QueryRequest{AuthContext: auth, SQL: "BEGIN", TransactionID: "tx-1"})
	require.NoError(t, err)
	assert.Equal(t, "shard-0", begin.Meta.ShardID)
	assert.Equal(t, 1, rig.gw.SessionCount())

	_, err = rig.gw.Execute(ctx, &types.QueryRequest{AuthContext: auth, SQL: "ROLLBACK", TransactionID: "tx-1"})
	require.NoError(t, err)
	assert.Equal(t, 0, rig.gw.SessionCount())
}

func TestUnknownTransactionControlIsRejected(t *testing.T) {
	rig := newGWRig(t, Config{})
	ctx := context.Background()
	auth := types.AuthContext{TenantID: "alpha", RequestID: "req-1"}

	_, err := rig.gw.Execute(ctx, &types.QueryRequest{
		AuthContext:   auth,
		SQL:           "COMMIT",
		TransactionID: "never-begun",
	})
	require.Error(t, err)
}

func TestSessionTableRejectsBeginPastCapacity(t *testing.T) {
	rig := newGWRig(t, Config{MaxSessions: 1})
	ctx := context.Background()
	auth := types.AuthContext{TenantID: "alpha", RequestID: "req-1"}

	_, err := rig.gw.Execute(ctx, &types.QueryRequest{AuthContext: auth, SQL: "BEGIN"})
	require.NoError(t, err)

	auth2 := types.AuthContext{TenantID: "alpha", RequestID: "req-2"}
	_, err = rig.gw.Execute(ctx, &types.QueryRequest{AuthContext: auth2, SQL: "BEGIN"})
	require.Error(t, err)
	var typedErr *types.Error
	require.ErrorAs(t, err, &typedErr)
	assert.Equal(t, types.ErrRateLimited, typedErr.Kind)
}

func TestAlwaysStrongColumnForcesStrongRegardlessOfHint(t *testing.T) {
	rig := newGWRig(t, Config{})
	rig.gw.policies.Set(types.TablePolicy{
		Table:      "widgets",
		PrimaryKey: "id",
		Cache: types.CacheConfig{
			Mode:                types.CacheModeCached,
			TTLMs:               60000,
			SWRMs:               120000,
			AlwaysStrongColumns: []string{"name"},
		},
	})
	ctx := context.Background()
	auth := types.AuthContext{TenantID: "alpha", RequestID: "req-1"}

	_, err := rig.gw.Execute(ctx, &types.QueryRequest{
		AuthContext: auth,
		SQL:         "INSERT INTO widgets (id, tenant_id, name) VALUES (1, 'alpha', 'sprocket')",
	})
	require.NoError(t, err)

	resp, err := rig.gw.Execute(ctx, &types.QueryRequest{
		AuthContext: auth,
		SQL:         "SELECT name FROM widgets WHERE tenant_id = 'alpha'",
	})
	require.NoError(t, err)
	assert.False(t, resp.Meta.FromCache)

	resp2, err := rig.gw.Execute(ctx, &types.QueryRequest{
		AuthContext: auth,
		SQL:         "SELECT name FROM widgets WHERE tenant_id = 'alpha'",
	})
	require.NoError(t, err)
	assert.False(t, resp2.Meta.FromCache, "always_strong_columns forces strong on every call")
}

// TestShardKeyHintOverridesTenantRouting publishes a range entry routing a
// distinct key prefix to shard-1, then issues a write with hints.ShardKey
// set to a key under that prefix for a tenant ("alpha") whose own tenant-map
// entry points at shard-0. The write must land on shard-1: resolveBaseShard
// must route on the supplied shard key, not silently fall back to the
// tenant ID.
func TestShardKeyHintOverridesTenantRouting(t *testing.T) {
	rig := newGWRig(t, Config{})
	ctx := context.Background()

	_, err := rig.gw.routing.Publish(&types.RoutingPolicy{
		Tenants: map[string]string{"alpha": "shard-0"},
		Ranges:  []types.RangeEntry{{Prefix: "region-b", ShardID: "shard-1"}},
	}, "add region-b range", map[string]bool{"shard-0": true, "shard-1": true})
	require.NoError(t, err)

	auth := types.AuthContext{TenantID: "alpha", RequestID: "req-1"}
	resp, err := rig.gw.Execute(ctx, &types.QueryRequest{
		AuthContext: auth,
		SQL:         "INSERT INTO widgets (id, tenant_id, name) VALUES (1, 'alpha', 'sprocket')",
		Hints:       types.ConsistencyHint{ShardKey: "region-b-42"},
	})
	require.NoError(t, err)
	assert.Equal(t, "shard-1", resp.Meta.ShardID, "hints.shard_key must override the tenant's own routing entry")

	rows0, err := rig.shards["shard-0"].Query(ctx, "SELECT * FROM widgets WHERE tenant_id = 'alpha'", nil, "alpha", "")
	require.NoError(t, err)
	assert.Empty(t, rows0.Rows, "the write must not have landed on the tenant's default shard")
}

// TestBoundedHintNarrowsFreshnessWindow seeds a cache entry, then confirms
// a read whose inline bounded hint is tighter than the entry's age forces a
// refill even though the entry is still within the table policy's own
// fresh/SWR windows.
func TestBoundedHintNarrowsFreshnessWindow(t *testing.T) {
	rig := newGWRig(t, Config{})
	ctx := context.Background()
	auth := types.AuthContext{TenantID: "alpha", RequestID: "req-1"}

	_, err := rig.gw.Execute(ctx, &types.QueryRequest{
		AuthContext: auth,
		SQL:         "INSERT INTO widgets (id, tenant_id, name) VALUES (1, 'alpha', 'sprocket')",
	})
	require.NoError(t, err)

	resp, err := rig.gw.Execute(ctx, &types.QueryRequest{
		AuthContext: auth,
		SQL:         "SELECT * FROM widgets WHERE tenant_id = 'alpha'",
	})
	require.NoError(t, err)
	assert.False(t, resp.Meta.FromCache)

	time.Sleep(20 * time.Millisecond)

	tight, err := rig.gw.Execute(ctx, &types.QueryRequest{
		AuthContext: auth,
		SQL:         "/*+ bounded=5 */ SELECT * FROM widgets WHERE tenant_id = 'alpha'",
	})
	require.NoError(t, err)
	assert.False(t, tight.Meta.FromCache, "a bounded_ms tighter than the entry's age must force a refill")

	loose, err := rig.gw.Execute(ctx, &types.QueryRequest{
		AuthContext: auth,
		SQL:         "SELECT * FROM widgets WHERE tenant_id = 'alpha'",
	})
	require.NoError(t, err)
	assert.True(t, loose.Meta.FromCache, "the unbounded read still sees the table policy's own fresh window")
}
