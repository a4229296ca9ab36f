package shard

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/healthfees-org/workersql-sub000/pkg/log"
	"github.com/healthfees-org/workersql-sub000/pkg/metrics"
	"github.com/healthfees-org/workersql-sub000/pkg/queue"
	"github.com/healthfees-org/workersql-sub000/pkg/types"
	_ "modernc.org/sqlite"
)

// Config configures a single shard runtime instance.
type Config struct {
	ShardID  string
	DataDir  string
	BindAddr string
	MaxBytes int64
}

// openTransaction buffers statements for a BEGIN...COMMIT/ROLLBACK block.
// Nothing is applied to the database until COMMIT submits the whole buffer
// as one Raft command.
type openTransaction struct {
	tenantID   string
	statements []Statement
}

// Shard is the single-writer runtime for one shard_id: it owns an embedded
// SQLite database replicated through a single-node Raft group (for log/WAL
// shape and future multi-voter growth), serializes all mutating operations,
// buffers per-transaction statement lists, enforces the capacity gate, and
// emits change events after every committed write.
type Shard struct {
	id       string
	dataDir  string
	dbPath   string
	maxBytes int64

	raft *raft.Raft
	fsm  *FSM
	db   *sql.DB

	bookmarks *bookmarkStore
	events    *queue.Queue

	writeMu sync.Mutex // serializes mutation/DDL/transaction-commit dispatch

	txMu sync.Mutex
	txns map[string]*openTransaction

	version int64 // monotonic write version, bumped on every committed write
}

// New creates and bootstraps a single-node shard runtime rooted at
// cfg.DataDir. eventQueue receives the invalidate/d1_sync events emitted
// after every committed write; it may be shared across shards.
func New(cfg Config, eventQueue *queue.Queue) (*Shard, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create shard data directory: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "data.sqlite")
	db, err := openSQLite(dbPath)
	if err != nil {
		return nil, err
	}

	bookmarks, err := newBookmarkStore(filepath.Join(cfg.DataDir, "bookmarks.db"))
	if err != nil {
		return nil, err
	}

	s := &Shard{
		id:        cfg.ShardID,
		dataDir:   cfg.DataDir,
		dbPath:    dbPath,
		maxBytes:  cfg.MaxBytes,
		db:        db,
		bookmarks: bookmarks,
		events:    eventQueue,
		txns:      make(map[string]*openTransaction),
	}

	if err := s.bootstrapRaft(cfg.BindAddr); err != nil {
		return nil, err
	}

	return s, nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline extends to the driver handle itself
	return db, nil
}

func (s *Shard) bootstrapRaft(bindAddr string) error {
	s.fsm = NewFSM(s.db)

	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(s.id)
	cfg.HeartbeatTimeout = 500 * time.Millisecond
	cfg.ElectionTimeout = 500 * time.Millisecond
	cfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", bindAddr)
	if err != nil {
		return fmt.Errorf("resolve shard bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("create shard raft transport: %w", err)
	}
	snapshots, err := raft.NewFileSnapshotStore(s.dataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("create shard snapshot store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(s.dataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("create shard raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(s.dataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("create shard raft stable store: %w", err)
	}

	r, err := raft.NewRaft(cfg, s.fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return fmt.Errorf("create shard raft instance: %w", err)
	}
	s.raft = r

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: cfg.LocalID, Address: transport.LocalAddr()}},
	})
	if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
		return fmt.Errorf("bootstrap shard raft group: %w", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for s.raft.Leader() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

// Close releases the shard's resources.
func (s *Shard) Close() error {
	if s.raft != nil {
		if err := s.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("shutdown shard raft: %w", err)
		}
	}
	if err := s.bookmarks.close(); err != nil {
		return err
	}
	return s.db.Close()
}

// ID returns the shard's identifier.
func (s *Shard) ID() string { return s.id }

// sizeBytes probes the database's current on-disk footprint via
// page_count * page_size, per the capacity contract's documented
// approximation (see doc.go).
func (s *Shard) sizeBytes() (int64, error) {
	var pageCount, pageSize int64
	if err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, err
	}
	if err := s.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, err
	}
	return pageCount * pageSize, nil
}

func (s *Shard) tableCount() (int64, error) {
	var count int64
	err := s.db.QueryRow("SELECT count(*) FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'").Scan(&count)
	return count, err
}

// HealthStatus is the shard's self-reported health envelope.
type HealthStatus struct {
	Status       string
	SizeBytes    int64
	CapacityPct  float64
}

// Health reports the shard's size and capacity utilization.
func (s *Shard) Health() (*HealthStatus, error) {
	size, err := s.sizeBytes()
	if err != nil {
		return nil, err
	}
	pct := 0.0
	if s.maxBytes > 0 {
		pct = float64(size) / float64(s.maxBytes) * 100
	}
	status := "healthy"
	if pct >= 100 {
		status = "full"
	} else if pct >= 90 {
		status = "near_capacity"
	}
	return &HealthStatus{Status: status, SizeBytes: size, CapacityPct: pct}, nil
}

// Metrics reports point-in-time operational gauges and refreshes the
// shard's Prometheus series.
func (s *Shard) Metrics() (map[string]interface{}, error) {
	size, err := s.sizeBytes()
	if err != nil {
		return nil, err
	}
	tables, err := s.tableCount()
	if err != nil {
		return nil, err
	}
	s.txMu.Lock()
	activeTx := len(s.txns)
	s.txMu.Unlock()

	metrics.ShardSizeBytes.WithLabelValues(s.id).Set(float64(size))
	pct := 0.0
	if s.maxBytes > 0 {
		pct = float64(size) / float64(s.maxBytes) * 100
	}
	metrics.ShardCapacityPct.WithLabelValues(s.id).Set(pct)
	metrics.ShardTableCount.WithLabelValues(s.id).Set(float64(tables))
	metrics.ShardActiveTransactions.WithLabelValues(s.id).Set(float64(activeTx))

	return map[string]interface{}{
		"shard_size_bytes":    size,
		"table_count":         tables,
		"active_transactions": activeTx,
	}, nil
}

// checkCapacity refuses a write once the shard has reached max_bytes.
func (s *Shard) checkCapacity() error {
	if s.maxBytes <= 0 {
		return nil
	}
	size, err := s.sizeBytes()
	if err != nil {
		return err
	}
	if size >= s.maxBytes {
		metrics.ShardCapacityRejections.WithLabelValues(s.id).Inc()
		return &types.Error{
			Kind:    types.ErrShardCapacityExceeded,
			Message: fmt.Sprintf("shard %s at capacity: %d/%d bytes", s.id, size, s.maxBytes),
		}
	}
	return nil
}

// checkTenantScope is the predicate-scoping guard from spec: a query must
// either bind tenant_id as a parameter or name it literally in its text.
// The gateway's transpiler is responsible for rewriting queries to carry an
// explicit tenant predicate; this is a last-line defense against a query
// that reaches the shard without one.
func checkTenantScope(sql, tenantID string, params []interface{}) error {
	if strings.Contains(sql, tenantID) {
		return nil
	}
	for _, p := range params {
		if s, ok := p.(string); ok && s == tenantID {
			return nil
		}
	}
	return &types.Error{
		Kind:    types.ErrTenantMismatch,
		Message: "query does not scope to the authenticated tenant",
	}
}

// applyWithRetry submits cmd through Raft, retrying a bounded number of
// times when the store reports a transient busy/overload condition.
func (s *Shard) applyWithRetry(cmd Command) (execResult, error) {
	data, err := jsonMarshal(cmd)
	if err != nil {
		return execResult{}, err
	}

	var result execResult
	op := func() error {
		future := s.raft.Apply(data, 5*time.Second)
		if err := future.Error(); err != nil {
			return backoff.Permanent(err)
		}
		resp := future.Response()
		if err, ok := resp.(error); ok && err != nil {
			if isTransientBusy(err) {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		if r, ok := resp.(execResult); ok {
			result = r
		}
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(op, bo); err != nil {
		metrics.ShardRetriesTotal.WithLabelValues(s.id).Inc()
		return execResult{}, err
	}
	return result, nil
}

func isTransientBusy(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "overloaded") || strings.Contains(msg, "busy") || strings.Contains(msg, "timeout")
}

// Query executes a read. If transactionID names an open transaction, the
// read occurs inside it: the transaction's buffered-but-uncommitted
// statements are replayed onto a scratch, never-committed database
// transaction first, so the read sees its own pending writes, then that
// scratch transaction is rolled back -- the buffered statements are only
// actually applied (and replicated via Raft) at COMMIT.
func (s *Shard) Query(ctx context.Context, sqlText string, params []interface{}, tenantID, transactionID string) (*types.QueryResponse, error) {
	start := time.Now()
	if err := checkTenantScope(sqlText, tenantID, params); err != nil {
		return nil, err
	}

	var records []map[string]interface{}
	inOpenTransaction := false
	if transactionID != "" {
		s.txMu.Lock()
		tx, ok := s.txns[transactionID]
		s.txMu.Unlock()
		if ok {
			inOpenTransaction = true
			scanned, err := s.queryWithinOpenTransaction(ctx, sqlText, params, tx.statements)
			if err != nil {
				return nil, err
			}
			records = scanned
		}
	}

	if !inOpenTransaction {
		rows, err := s.db.QueryContext(ctx, sqlText, params...)
		if err != nil {
			return nil, &types.Error{Kind: types.ErrInvalidSQL, Message: err.Error()}
		}
		defer rows.Close()
		scanned, err := scanRows(rows)
		if err != nil {
			return nil, &types.Error{Kind: types.ErrInvalidSQL, Message: err.Error()}
		}
		records = scanned
	}

	return &types.QueryResponse{
		Rows: records,
		Meta: types.QueryMeta{
			FromCache:       false,
			ShardID:         s.id,
			ExecutionTimeMs: time.Since(start).Milliseconds(),
			Version:         s.currentVersion(),
		},
	}, nil
}

// queryWithinOpenTransaction replays buffered statements onto a scratch
// database/sql transaction, runs sqlText against it, and always rolls back:
// the single-writer connection (db.SetMaxOpenConns(1)) guarantees this
// scratch transaction sees exactly the committed state plus these buffered
// writes, with no concurrent mutation able to interleave.
func (s *Shard) queryWithinOpenTransaction(ctx context.Context, sqlText string, params []interface{}, buffered []Statement) ([]map[string]interface{}, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	scratch, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &types.Error{Kind: types.ErrInvalidSQL, Message: err.Error()}
	}
	defer func() { _ = scratch.Rollback() }()

	for _, stmt := range buffered {
		if _, err := scratch.ExecContext(ctx, stmt.SQL, stmt.Params...); err != nil {
			return nil, &types.Error{Kind: types.ErrInvalidSQL, Message: err.Error()}
		}
	}

	rows, err := scratch.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, &types.Error{Kind: types.ErrInvalidSQL, Message: err.Error()}
	}
	defer rows.Close()
	return scanRows(rows)
}

// Mutation executes (or buffers, under an open transaction) a single
// data-modifying statement.
func (s *Shard) Mutation(sqlText string, params []interface{}, tenantID, transactionID string) (*types.QueryResponse, error) {
	if err := checkTenantScope(sqlText, tenantID, params); err != nil {
		return nil, err
	}

	if transactionID != "" {
		s.txMu.Lock()
		tx, ok := s.txns[transactionID]
		s.txMu.Unlock()
		if !ok {
			return nil, &types.Error{Kind: types.ErrInvalidSQL, Message: "unknown transaction_id"}
		}
		tx.statements = append(tx.statements, Statement{SQL: sqlText, Params: params})
		return &types.QueryResponse{Meta: types.QueryMeta{ShardID: s.id}}, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.checkCapacity(); err != nil {
		return nil, err
	}

	result, err := s.applyWithRetry(Command{Statements: []Statement{{SQL: sqlText, Params: params}}})
	if err != nil {
		return nil, err
	}
	s.bumpVersion()
	s.publishWriteEvents(tenantID, tableFromSQL(sqlText), sqlText, params)

	return &types.QueryResponse{
		RowsAffected: result.RowsAffected,
		InsertID:     result.InsertID,
		Meta:         types.QueryMeta{ShardID: s.id, Version: s.currentVersion()},
	}, nil
}

// DDL executes a schema-modifying statement outside any transaction.
func (s *Shard) DDL(sqlText string, tenantID string) (*types.QueryResponse, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.checkCapacity(); err != nil {
		return nil, err
	}

	_, err := s.applyWithRetry(Command{Statements: []Statement{{SQL: sqlText}}})
	if err != nil {
		return nil, err
	}
	s.bumpVersion()
	s.publishDDLEvent(tenantID, tableFromSQL(sqlText))

	return &types.QueryResponse{Meta: types.QueryMeta{ShardID: s.id, Version: s.currentVersion()}}, nil
}

// Transaction implements BEGIN/COMMIT/ROLLBACK.
func (s *Shard) Transaction(op, tenantID, transactionID string) (string, error) {
	switch strings.ToUpper(op) {
	case "BEGIN":
		if transactionID == "" {
			transactionID = uuid.NewString()
		}
		s.txMu.Lock()
		s.txns[transactionID] = &openTransaction{tenantID: tenantID}
		s.txMu.Unlock()
		return transactionID, nil

	case "COMMIT":
		s.txMu.Lock()
		tx, ok := s.txns[transactionID]
		delete(s.txns, transactionID)
		s.txMu.Unlock()
		if !ok {
			return "", &types.Error{Kind: types.ErrInvalidSQL, Message: "unknown transaction_id"}
		}
		if len(tx.statements) == 0 {
			return transactionID, nil
		}

		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		if err := s.checkCapacity(); err != nil {
			return "", err
		}
		if _, err := s.applyWithRetry(Command{Statements: tx.statements}); err != nil {
			return "", err
		}
		s.bumpVersion()
		for _, stmt := range tx.statements {
			s.publishWriteEvents(tx.tenantID, tableFromSQL(stmt.SQL), stmt.SQL, stmt.Params)
		}
		return transactionID, nil

	case "ROLLBACK":
		s.txMu.Lock()
		delete(s.txns, transactionID)
		s.txMu.Unlock()
		return transactionID, nil

	default:
		return "", &types.Error{Kind: types.ErrInvalidSQL, Message: "unknown transaction operation: " + op}
	}
}

func (s *Shard) bumpVersion() {
	s.version++
}

func (s *Shard) currentVersion() int64 {
	return s.version
}

// publishWriteEvents emits the invalidate + d1_sync pair required after a
// successful mutation. Publication failures are logged, not surfaced: event
// delivery is a downstream concern the write itself has already committed
// past.
func (s *Shard) publishWriteEvents(tenantID, table, sqlText string, params []interface{}) {
	now := time.Now().UnixMilli()
	entryID := uuid.NewString()
	s.appendTailEntry(TailEntry{EventID: entryID, TenantID: tenantID, SQL: sqlText, Params: params, TimestampMs: now})

	if s.events == nil || table == "" {
		return
	}
	events := []*types.Event{
		{
			ID:          uuid.NewString(),
			Type:        types.EventInvalidate,
			ShardID:     s.id,
			Version:     s.currentVersion(),
			TimestampMs: now,
			Keys:        tablePurgeKeys(tenantID, table),
		},
		{
			ID:          uuid.NewString(),
			Type:        types.EventD1Sync,
			ShardID:     s.id,
			Version:     s.currentVersion(),
			TimestampMs: now,
			Payload:     mustMarshal(types.D1SyncPayload{Operations: []types.D1SyncOperation{{SQL: sqlText, Params: params}}}),
		},
	}
	if err := s.events.SendBatch(events); err != nil {
		log.WithComponent("shard").Error().Err(err).Str("shard_id", s.id).Msg("failed to publish write events")
	}
}

func (s *Shard) publishDDLEvent(tenantID, table string) {
	if s.events == nil {
		return
	}
	event := &types.Event{
		ID:          uuid.NewString(),
		Type:        types.EventInvalidate,
		ShardID:     s.id,
		Version:     s.currentVersion(),
		TimestampMs: time.Now().UnixMilli(),
		Keys:        tablePurgeKeys(tenantID, table),
	}
	if err := s.events.Send(event); err != nil {
		log.WithComponent("shard").Error().Err(err).Str("shard_id", s.id).Msg("failed to publish ddl invalidate event")
	}
}
