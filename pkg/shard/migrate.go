package shard

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var tailBucket = []byte("shard_tail_log")

// TailEntry is one committed write recorded for split-orchestrator tail
// replay, distinct from the durable event-queue messages emitted for cache
// invalidation and replica sync.
type TailEntry struct {
	EventID     string
	TenantID    string
	SQL         string
	Params      []interface{}
	TimestampMs int64
	Seq         uint64
}

func (s *Shard) appendTailEntry(entry TailEntry) {
	_ = s.bookmarks.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(tailBucket)
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		entry.Seq = seq
		data, err := jsonMarshal(entry)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		key[i] = byte(seq)
		seq >>= 8
	}
	return key
}

// TailSince returns committed writes for the given tenants at or after
// sinceMs and strictly after sinceSeq, in commit order. sinceSeq is the
// authoritative resume cursor across repeated calls (the bbolt sequence
// assigned when the write was recorded); sinceMs only bounds the initial
// call to the moment dual-write began.
func (s *Shard) TailSince(sinceMs int64, sinceSeq uint64, tenants []string) ([]TailEntry, error) {
	wanted := make(map[string]bool, len(tenants))
	for _, t := range tenants {
		wanted[t] = true
	}

	var out []TailEntry
	err := s.bookmarks.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(tailBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var entry TailEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil // skip corrupt entries rather than fail the whole scan
			}
			if entry.TimestampMs >= sinceMs && entry.Seq > sinceSeq && wanted[entry.TenantID] {
				out = append(out, entry)
			}
			return nil
		})
	})
	return out, err
}

// ExportRows pages rows for one (tenant, table) pair, ordered by rowid, for
// the split orchestrator's backfill copy. cursor is the offset to resume
// from; an empty cursor starts at the beginning.
func (s *Shard) ExportRows(tenantID, table, shardByColumn, cursor string, pageSize int) (rows []map[string]interface{}, nextCursor string, err error) {
	offset := int64(0)
	if cursor != "" {
		if _, scanErr := fmt.Sscanf(cursor, "%d", &offset); scanErr != nil {
			return nil, "", fmt.Errorf("invalid cursor %q: %w", cursor, scanErr)
		}
	}

	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = ? ORDER BY rowid LIMIT ? OFFSET ?", table, shardByColumn) //nolint:gosec // table/column come from operator-supplied table policy, not end-user input
	dbRows, err := s.db.Query(query, tenantID, pageSize, offset)
	if err != nil {
		return nil, "", err
	}
	defer dbRows.Close()

	records, err := scanRows(dbRows)
	if err != nil {
		return nil, "", err
	}
	return records, fmt.Sprintf("%d", offset+int64(len(records))), nil
}

// ImportRows applies a page of exported rows to this shard as one atomic
// batch, enforcing the capacity gate exactly as a normal mutation would.
func (s *Shard) ImportRows(table string, rows []map[string]interface{}) error {
	if len(rows) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.checkCapacity(); err != nil {
		return err
	}

	statements := make([]Statement, 0, len(rows))
	for _, row := range rows {
		cols := make([]string, 0, len(row))
		placeholders := make([]string, 0, len(row))
		values := make([]interface{}, 0, len(row))
		for col, val := range row {
			cols = append(cols, col)
			placeholders = append(placeholders, "?")
			values = append(values, val)
		}
		sqlText := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)", //nolint:gosec // table/cols sourced from the exporting shard's own schema
			table, joinStrings(cols, ","), joinStrings(placeholders, ","))
		statements = append(statements, Statement{SQL: sqlText, Params: values})
	}

	if _, err := s.applyWithRetry(Command{Statements: statements}); err != nil {
		return err
	}
	s.bumpVersion()
	return nil
}
