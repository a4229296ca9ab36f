package shard

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
)

// Statement is one bound SQL statement within a batch applied atomically.
type Statement struct {
	SQL    string        `json:"sql"`
	Params []interface{} `json:"params"`
}

// Command is the Raft log entry payload: a batch of statements to run inside
// a single database/sql transaction. A transaction's full statement list is
// always submitted as one Command, giving the commit-or-nothing guarantee
// for free from sql.Tx.
type Command struct {
	Statements []Statement `json:"statements"`
}

// execResult is what Apply returns on success: the result of the last
// statement in the batch (mutations report rows_affected/insert_id from
// their own statement; DDL and SELECT-free batches report zeroes).
type execResult struct {
	RowsAffected int64
	InsertID     int64
}

// FSM is the Raft finite state machine for a single shard. It owns the only
// write handle to the shard's embedded SQLite database; Raft guarantees
// Apply is invoked sequentially, which is what gives the shard its
// single-writer discipline independent of whatever concurrency the gateway
// throws at it.
type FSM struct {
	mu sync.Mutex
	db *sql.DB
}

// NewFSM wraps db. db must not be written to by anything other than the FSM.
func NewFSM(db *sql.DB) *FSM {
	return &FSM{db: db}
}

// setDB swaps the underlying database handle, used only by PITRRestore after
// the shard's file has been replaced out from under the FSM.
func (f *FSM) setDB(db *sql.DB) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.db = db
}

// Apply executes a committed Command's statements inside one transaction.
// A failure mid-batch rolls back every statement in the batch; this is the
// mechanism behind the shard's transaction atomicity invariant.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	tx, err := f.db.Begin()
	if err != nil {
		return fmt.Errorf("begin statement batch: %w", err)
	}

	var result execResult
	for _, stmt := range cmd.Statements {
		res, err := tx.Exec(stmt.SQL, stmt.Params...)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if affected, err := res.RowsAffected(); err == nil {
			result.RowsAffected = affected
		}
		if id, err := res.LastInsertId(); err == nil {
			result.InsertID = id
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit statement batch: %w", err)
	}
	return result
}

// Snapshot is invoked periodically by Raft to compact its log. It is a
// coarse copy of the whole database; PITR bookmarks (bookmark.go) are a
// separate, operator-triggered mechanism over the same file.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	tables, err := f.tableNames()
	if err != nil {
		return nil, err
	}
	dump := dbDump{Tables: map[string][]map[string]interface{}{}}
	for _, table := range tables {
		rows, err := f.db.Query(fmt.Sprintf("SELECT * FROM %s", table)) // #nosec G201 -- table name from sqlite_master, not user input
		if err != nil {
			return nil, err
		}
		records, err := scanRows(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		dump.Tables[table] = records
	}
	buf, err := json.Marshal(dump)
	if err != nil {
		return nil, err
	}
	return &snapshot{data: buf}, nil
}

// Restore replaces the FSM's logical state from a previously produced
// Snapshot. Raft calls this on startup recovery or when fast-forwarding a
// lagging follower; this shard runs single-node, so in practice it is only
// exercised by tests and by disaster-recovery tooling outside this package.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var dump dbDump
	if err := json.NewDecoder(rc).Decode(&dump); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for table, rows := range dump.Tables {
		for _, row := range rows {
			cols := make([]string, 0, len(row))
			placeholders := make([]string, 0, len(row))
			values := make([]interface{}, 0, len(row))
			for col, val := range row {
				cols = append(cols, col)
				placeholders = append(placeholders, "?")
				values = append(values, val)
			}
			q := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)", //nolint:gosec // table/cols from a prior Snapshot of this same schema
				table, joinStrings(cols, ","), joinStrings(placeholders, ","))
			if _, err := f.db.Exec(q, values...); err != nil {
				return fmt.Errorf("restore row into %s: %w", table, err)
			}
		}
	}
	return nil
}

func (f *FSM) tableNames() ([]string, error) {
	rows, err := f.db.Query("SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

type dbDump struct {
	Tables map[string][]map[string]interface{} `json:"tables"`
}

type snapshot struct {
	data []byte
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *snapshot) Release() {}

func scanRows(rows *sql.Rows) ([]map[string]interface{}, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]interface{}
	for rows.Next() {
		raw := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		record := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			record[col] = raw[i]
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func joinStrings(parts []string, sep string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += sep
		}
		out += p
	}
	return out
}
