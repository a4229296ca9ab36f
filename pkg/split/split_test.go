package split

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/healthfees-org/workersql-sub000/pkg/cache"
	"github.com/healthfees-org/workersql-sub000/pkg/queue"
	"github.com/healthfees-org/workersql-sub000/pkg/routing"
	"github.com/healthfees-org/workersql-sub000/pkg/shard"
	"github.com/healthfees-org/workersql-sub000/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPortCounter = 18100

func nextTestAddr() string {
	testPortCounter++
	return fmt.Sprintf("127.0.0.1:%d", testPortCounter)
}

type testRig struct {
	routing routing.Store
	shards  map[string]*shard.Shard
	orch    *Orchestrator
}

func newTestRig(t *testing.T, cfg Config) *testRig {
	t.Helper()

	routingStore, err := routing.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = routingStore.Close() })

	q, err := queue.New(t.TempDir(), cache.New(0), queue.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	shards := map[string]*shard.Shard{}
	for _, id := range []string{"shard-a", "shard-b"} {
		s, err := shard.New(shard.Config{ShardID: id, DataDir: t.TempDir(), BindAddr: nextTestAddr()}, q)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		shards[id] = s

		_, err = s.DDL("CREATE TABLE users (id INTEGER PRIMARY KEY, tenant_id TEXT, name TEXT)", "system")
		require.NoError(t, err)
	}

	policy := &types.RoutingPolicy{Tenants: map[string]string{"alpha": "shard-a"}}
	_, err = routingStore.Publish(policy, "seed", map[string]bool{"shard-a": true, "shard-b": true})
	require.NoError(t, err)

	orch, err := New(t.TempDir(), routingStore, shards, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = orch.Close() })

	return &testRig{routing: routingStore, shards: shards, orch: orch}
}

func TestPlanRejectsTenantNotOnSourceShard(t *testing.T) {
	rig := newTestRig(t, Config{})
	_, err := rig.orch.Plan("split-1", "shard-a", "shard-b", []string{"beta"}, "move beta")
	require.Error(t, err)
	var typedErr *types.Error
	require.ErrorAs(t, err, &typedErr)
	assert.Equal(t, types.ErrSplitPreconditionFailed, typedErr.Kind)
}

func TestPhaseTransitionsRejectOutOfOrderCalls(t *testing.T) {
	rig := newTestRig(t, Config{})
	plan, err := rig.orch.Plan("split-1", "shard-a", "shard-b", []string{"alpha"}, "move alpha")
	require.NoError(t, err)
	assert.Equal(t, types.SplitPlanning, plan.Phase)

	_, err = rig.orch.Cutover(plan.ID)
	require.Error(t, err)

	_, err = rig.orch.RunBackfill(plan.ID, nil)
	require.Error(t, err, "run_backfill requires dual_write")
}

func TestResolverOverlayDuringAndAfterSplit(t *testing.T) {
	rig := newTestRig(t, Config{TailLagThreshold: time.Hour})
	plan, err := rig.orch.Plan("split-1", "shard-a", "shard-b", []string{"alpha"}, "move alpha")
	require.NoError(t, err)

	read, err := rig.orch.ResolveReadShard("alpha", "shard-a")
	require.NoError(t, err)
	assert.Equal(t, "shard-a", read, "no dual-write yet: overlay is a no-op")

	_, err = rig.orch.StartDualWrite(plan.ID)
	require.NoError(t, err)

	read, err = rig.orch.ResolveReadShard("alpha", "shard-a")
	require.NoError(t, err)
	assert.Equal(t, "shard-a", read)

	writes, err := rig.orch.ResolveWriteShards("alpha", "shard-a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"shard-a", "shard-b"}, writes)

	otherWrites, err := rig.orch.ResolveWriteShards("beta", "shard-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"shard-a"}, otherWrites, "tenants outside the plan are unaffected")
}

func TestFullSplitLifecycleReachesCompleted(t *testing.T) {
	rig := newTestRig(t, Config{TailLagThreshold: time.Hour, BackfillPageSize: 10})

	_, err := rig.shards["shard-a"].Mutation(
		"INSERT INTO users (id, tenant_id, name) VALUES (?, ?, ?)",
		[]interface{}{1, "alpha", "Ada"}, "alpha", "")
	require.NoError(t, err)

	plan, err := rig.orch.Plan("split-1", "shard-a", "shard-b", []string{"alpha"}, "move alpha")
	require.NoError(t, err)

	plan, err = rig.orch.StartDualWrite(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SplitDualWrite, plan.Phase)

	plan, err = rig.orch.RunBackfill(plan.ID, []TablePage{{Table: "users", ShardByColumn: "tenant_id"}})
	require.NoError(t, err)
	assert.Equal(t, types.SplitTailing, plan.Phase)
	assert.Equal(t, types.BackfillCompleted, plan.Backfill.Status)
	assert.EqualValues(t, 1, plan.Backfill.TotalRowsCopied)

	plan, err = rig.orch.ReplayTail(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SplitCutoverPending, plan.Phase)
	assert.Equal(t, types.TailCaughtUp, plan.Tail.Status)

	plan, err = rig.orch.Cutover(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SplitCompleted, plan.Phase)
	assert.NotZero(t, plan.RoutingVersionCutover)

	resolved, err := rig.routing.Resolve("alpha", "alpha", 2)
	require.NoError(t, err)
	assert.Equal(t, "shard-b", resolved)
}

func TestRunBackfillResumesFromPersistedCursorPerPair(t *testing.T) {
	rig := newTestRig(t, Config{TailLagThreshold: time.Hour, BackfillPageSize: 10})

	_, err := rig.shards["shard-a"].Mutation(
		"INSERT INTO users (id, tenant_id, name) VALUES (?, ?, ?)",
		[]interface{}{1, "alpha", "Ada"}, "alpha", "")
	require.NoError(t, err)
	_, err = rig.shards["shard-a"].Mutation(
		"INSERT INTO users (id, tenant_id, name) VALUES (?, ?, ?)",
		[]interface{}{2, "alpha", "Grace"}, "alpha", "")
	require.NoError(t, err)

	plan, err := rig.orch.Plan("split-1", "shard-a", "shard-b", []string{"alpha"}, "move alpha")
	require.NoError(t, err)
	plan, err = rig.orch.StartDualWrite(plan.ID)
	require.NoError(t, err)

	// Simulate a prior partial run that already copied both rows and
	// persisted the pair's cursor past the end of the table, without the
	// plan having advanced out of dual_write (a failure elsewhere in the
	// same run leaves Backfill.Status=failed but Phase unchanged).
	plan.Backfill.Cursors = map[string]string{"alpha:users": "2"}
	require.NoError(t, rig.orch.store.put(plan))

	plan, err = rig.orch.RunBackfill(plan.ID, []TablePage{{Table: "users", ShardByColumn: "tenant_id"}})
	require.NoError(t, err)
	assert.Equal(t, types.SplitTailing, plan.Phase)
	assert.EqualValues(t, 0, plan.Backfill.TotalRowsCopied,
		"resuming from a cursor already past the end of the table must not recopy any rows")

	target := rig.shards["shard-b"]
	rows, err := target.Query(context.Background(), "SELECT * FROM users WHERE tenant_id = ?", []interface{}{"alpha"}, "alpha", "")
	require.NoError(t, err)
	assert.Empty(t, rows.Rows, "nothing was actually imported by this resumed run")
}

func TestReplayTailIsIdempotentAcrossRepeatedCalls(t *testing.T) {
	rig := newTestRig(t, Config{})

	plan, err := rig.orch.Plan("split-1", "shard-a", "shard-b", []string{"alpha"}, "move alpha")
	require.NoError(t, err)
	plan, err = rig.orch.StartDualWrite(plan.ID)
	require.NoError(t, err)

	plan, err = rig.orch.RunBackfill(plan.ID, []TablePage{{Table: "users", ShardByColumn: "tenant_id"}})
	require.NoError(t, err)
	require.Equal(t, types.SplitTailing, plan.Phase)

	_, err = rig.shards["shard-a"].Mutation(
		"INSERT INTO users (id, tenant_id, name) VALUES (?, ?, ?)",
		[]interface{}{2, "alpha", "Grace"}, "alpha", "")
	require.NoError(t, err)
	_, err = rig.shards["shard-a"].Mutation(
		"INSERT INTO users (id, tenant_id, name) VALUES (?, ?, ?)",
		[]interface{}{3, "alpha", "Margaret"}, "alpha", "")
	require.NoError(t, err)

	plan, err = rig.orch.ReplayTail(plan.ID)
	require.NoError(t, err, "first replay_tail call should apply both buffered entries")

	// The first call caught up and advanced the plan to cutover_pending;
	// return it to tailing so the second call is accepted and exercises the
	// persisted LastSeq cursor.
	require.Equal(t, types.SplitCutoverPending, plan.Phase)
	plan.Phase = types.SplitTailing
	require.NoError(t, rig.orch.store.put(plan))

	// A second call with no new source writes must not re-apply entries
	// already applied in the prior call -- doing so would duplicate rows
	// and trip a primary key violation on target.
	_, err = rig.orch.ReplayTail(plan.ID)
	require.NoError(t, err, "repeated replay_tail must be idempotent")
}

func TestRollbackRevertsRoutingAndResetsSubStatuses(t *testing.T) {
	rig := newTestRig(t, Config{})
	plan, err := rig.orch.Plan("split-1", "shard-a", "shard-b", []string{"alpha"}, "move alpha")
	require.NoError(t, err)
	startVersion := plan.RoutingVersionAtStart

	_, err = rig.orch.StartDualWrite(plan.ID)
	require.NoError(t, err)

	plan, err = rig.orch.Rollback(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SplitRolledBack, plan.Phase)
	assert.Equal(t, types.BackfillPending, plan.Backfill.Status)
	assert.Equal(t, types.TailPending, plan.Tail.Status)

	current, err := rig.routing.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, startVersion, current)
}
