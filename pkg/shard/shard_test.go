package shard

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/healthfees-org/workersql-sub000/pkg/cache"
	"github.com/healthfees-org/workersql-sub000/pkg/queue"
	"github.com/healthfees-org/workersql-sub000/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var portCounter = 17100

func nextAddr() string {
	portCounter++
	return fmt.Sprintf("127.0.0.1:%d", portCounter)
}

func newTestShard(t *testing.T, maxBytes int64) *Shard {
	t.Helper()
	q, err := queue.New(t.TempDir(), cache.New(0), queue.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	s, err := New(Config{
		ShardID:  "shard-test",
		DataDir:  t.TempDir(),
		BindAddr: nextAddr(),
		MaxBytes: maxBytes,
	}, q)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createUsersTable(t *testing.T, s *Shard) {
	t.Helper()
	_, err := s.DDL("CREATE TABLE users (id INTEGER PRIMARY KEY, tenant_id TEXT, name TEXT)", "t1")
	require.NoError(t, err)
}

func TestMutationAndQueryRoundTrip(t *testing.T) {
	s := newTestShard(t, 0)
	createUsersTable(t, s)

	resp, err := s.Mutation("INSERT INTO users (id, tenant_id, name) VALUES (?, ?, ?)",
		[]interface{}{1, "t1", "Ada"}, "t1", "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, resp.RowsAffected)

	out, err := s.Query(context.Background(), "SELECT * FROM users WHERE tenant_id = ?", []interface{}{"t1"}, "t1", "")
	require.NoError(t, err)
	require.Len(t, out.Rows, 1)
	assert.Equal(t, "Ada", out.Rows[0]["name"])
	assert.Equal(t, "shard-test", out.Meta.ShardID)
}

func TestQueryRejectsOutOfTenantScope(t *testing.T) {
	s := newTestShard(t, 0)
	createUsersTable(t, s)

	_, err := s.Query(context.Background(), "SELECT * FROM users", nil, "t1", "")
	require.Error(t, err)
	var typedErr *types.Error
	require.ErrorAs(t, err, &typedErr)
	assert.Equal(t, types.ErrTenantMismatch, typedErr.Kind)
}

func TestTransactionCommitIsAllOrNothing(t *testing.T) {
	s := newTestShard(t, 0)
	createUsersTable(t, s)

	txID, err := s.Transaction("BEGIN", "t1", "")
	require.NoError(t, err)

	_, err = s.Mutation("INSERT INTO users (id, tenant_id, name) VALUES (?, ?, ?)",
		[]interface{}{1, "t1", "Ada"}, "t1", txID)
	require.NoError(t, err)

	// A statement with a syntax error poisons the whole batch on commit.
	_, err = s.Mutation("INSERT INT users (id, tenant_id, name) VALUES (?, ?, ?)",
		[]interface{}{2, "t1", "Grace"}, "t1", txID)
	require.NoError(t, err) // buffering never fails; the error surfaces at commit

	_, err = s.Transaction("COMMIT", "t1", txID)
	require.Error(t, err)

	out, err := s.Query(context.Background(), "SELECT * FROM users WHERE tenant_id = ?", []interface{}{"t1"}, "t1", "")
	require.NoError(t, err)
	assert.Empty(t, out.Rows, "neither statement of the failed transaction should be visible")
}

func TestTransactionRollbackDiscardsBuffer(t *testing.T) {
	s := newTestShard(t, 0)
	createUsersTable(t, s)

	txID, err := s.Transaction("BEGIN", "t1", "")
	require.NoError(t, err)
	_, err = s.Mutation("INSERT INTO users (id, tenant_id, name) VALUES (?, ?, ?)",
		[]interface{}{1, "t1", "Ada"}, "t1", txID)
	require.NoError(t, err)

	_, err = s.Transaction("ROLLBACK", "t1", txID)
	require.NoError(t, err)

	out, err := s.Query(context.Background(), "SELECT * FROM users WHERE tenant_id = ?", []interface{}{"t1"}, "t1", "")
	require.NoError(t, err)
	assert.Empty(t, out.Rows)
}

func TestQueryWithinOpenTransactionSeesBufferedWrites(t *testing.T) {
	s := newTestShard(t, 0)
	createUsersTable(t, s)

	txID, err := s.Transaction("BEGIN", "t1", "")
	require.NoError(t, err)
	_, err = s.Mutation("INSERT INTO users (id, tenant_id, name) VALUES (?, ?, ?)",
		[]interface{}{1, "t1", "Ada"}, "t1", txID)
	require.NoError(t, err)

	inTx, err := s.Query(context.Background(), "SELECT * FROM users WHERE tenant_id = ?", []interface{}{"t1"}, "t1", txID)
	require.NoError(t, err)
	require.Len(t, inTx.Rows, 1, "a read inside the open transaction must see its own buffered write")
	assert.Equal(t, "Ada", inTx.Rows[0]["name"])

	outside, err := s.Query(context.Background(), "SELECT * FROM users WHERE tenant_id = ?", []interface{}{"t1"}, "t1", "")
	require.NoError(t, err)
	assert.Empty(t, outside.Rows, "buffered writes must stay invisible outside the transaction until commit")

	_, err = s.Transaction("COMMIT", "t1", txID)
	require.NoError(t, err)

	afterCommit, err := s.Query(context.Background(), "SELECT * FROM users WHERE tenant_id = ?", []interface{}{"t1"}, "t1", "")
	require.NoError(t, err)
	require.Len(t, afterCommit.Rows, 1)
}

func TestCapacityGateRejectsWhenAtOrOverMaxBytes(t *testing.T) {
	s := newTestShard(t, 0)
	createUsersTable(t, s)

	size, err := s.sizeBytes()
	require.NoError(t, err)
	s.maxBytes = size // shard is now exactly at capacity

	err = s.checkCapacity()
	require.Error(t, err)
	var typedErr *types.Error
	require.ErrorAs(t, err, &typedErr)
	assert.Equal(t, types.ErrShardCapacityExceeded, typedErr.Kind)

	s.maxBytes = size + 1 // one byte of slack: the next write must be allowed
	assert.NoError(t, s.checkCapacity())
}

func TestCapacityGateAllowsWriteUnderLimit(t *testing.T) {
	s := newTestShard(t, 0) // 0 means unbounded in this runtime
	createUsersTable(t, s)

	_, err := s.Mutation("INSERT INTO users (id, tenant_id, name) VALUES (?, ?, ?)",
		[]interface{}{1, "t1", "Ada"}, "t1", "")
	require.NoError(t, err)
}

func TestPITRBookmarkRoundTrips(t *testing.T) {
	s := newTestShard(t, 0)
	createUsersTable(t, s)
	_, err := s.Mutation("INSERT INTO users (id, tenant_id, name) VALUES (?, ?, ?)",
		[]interface{}{1, "t1", "Ada"}, "t1", "")
	require.NoError(t, err)

	token, err := s.PITRBookmark()
	require.NoError(t, err)

	_, err = s.Mutation("INSERT INTO users (id, tenant_id, name) VALUES (?, ?, ?)",
		[]interface{}{2, "t1", "Grace"}, "t1", "")
	require.NoError(t, err)

	require.NoError(t, s.PITRRestore(token))

	out, err := s.Query(context.Background(), "SELECT * FROM users WHERE tenant_id = ?", []interface{}{"t1"}, "t1", "")
	require.NoError(t, err)
	assert.Len(t, out.Rows, 1, "restore should roll back to the bookmarked state")
}

func TestIsTransientBusyMatchesKnownSignatures(t *testing.T) {
	assert.True(t, isTransientBusy(errors.New("database is busy")))
	assert.True(t, isTransientBusy(errors.New("store overloaded, try later")))
	assert.True(t, isTransientBusy(errors.New("operation timeout")))
	assert.False(t, isTransientBusy(errors.New("syntax error near SELECT")))
}

func TestExportImportRoundTripsRows(t *testing.T) {
	source := newTestShard(t, 0)
	target := newTestShard(t, 0)
	createUsersTable(t, source)
	createUsersTable(t, target)

	for i := 1; i <= 3; i++ {
		_, err := source.Mutation("INSERT INTO users (id, tenant_id, name) VALUES (?, ?, ?)",
			[]interface{}{i, "alpha", fmt.Sprintf("user-%d", i)}, "alpha", "")
		require.NoError(t, err)
	}

	rows, cursor, err := source.ExportRows("alpha", "users", "tenant_id", "", 10)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "3", cursor)

	require.NoError(t, target.ImportRows("users", rows))

	out, err := target.Query(context.Background(), "SELECT * FROM users WHERE tenant_id = ?", []interface{}{"alpha"}, "alpha", "")
	require.NoError(t, err)
	assert.Len(t, out.Rows, 3)
}

func TestTailSinceFiltersByTenant(t *testing.T) {
	s := newTestShard(t, 0)
	createUsersTable(t, s)

	_, err := s.Mutation("INSERT INTO users (id, tenant_id, name) VALUES (?, ?, ?)",
		[]interface{}{1, "alpha", "Ada"}, "alpha", "")
	require.NoError(t, err)
	_, err = s.Mutation("INSERT INTO users (id, tenant_id, name) VALUES (?, ?, ?)",
		[]interface{}{2, "beta", "Grace"}, "beta", "")
	require.NoError(t, err)

	entries, err := s.TailSince(0, 0, []string{"alpha"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "alpha", entries[0].TenantID)
}

func TestTailSinceResumesStrictlyAfterSeqCursor(t *testing.T) {
	s := newTestShard(t, 0)
	createUsersTable(t, s)

	_, err := s.Mutation("INSERT INTO users (id, tenant_id, name) VALUES (?, ?, ?)",
		[]interface{}{1, "alpha", "Ada"}, "alpha", "")
	require.NoError(t, err)
	_, err = s.Mutation("INSERT INTO users (id, tenant_id, name) VALUES (?, ?, ?)",
		[]interface{}{2, "alpha", "Grace"}, "alpha", "")
	require.NoError(t, err)

	first, err := s.TailSince(0, 0, []string{"alpha"})
	require.NoError(t, err)
	require.Len(t, first, 2)

	// Resuming from the first entry's seq must not re-return it.
	second, err := s.TailSince(0, first[0].Seq, []string{"alpha"})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[1].EventID, second[0].EventID)

	// Resuming from the last entry's seq returns nothing: no fixed-window
	// replay of already-applied entries.
	none, err := s.TailSince(0, first[1].Seq, []string{"alpha"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestTableFromSQLExtractsTargetTable(t *testing.T) {
	assert.Equal(t, "users", tableFromSQL("INSERT INTO users (id) VALUES (1)"))
	assert.Equal(t, "users", tableFromSQL("UPDATE users SET name='Grace' WHERE id=7"))
	assert.Equal(t, "orders", tableFromSQL("DELETE FROM orders WHERE id=1"))
	assert.Equal(t, "users", tableFromSQL("CREATE TABLE IF NOT EXISTS users (id INTEGER)"))
	assert.Equal(t, "", tableFromSQL("SELECT 1"))
}
