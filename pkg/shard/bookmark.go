package shard

import (
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bookmarksBucket = []byte("shard_bookmarks")

// bookmarkStore persists point-in-time copies of the shard's database file,
// independent of Raft's own log-compaction snapshots. A bookmark is a full
// byte copy keyed by an opaque token; restoring one is a file-level
// replace-and-reopen, never a logical replay.
type bookmarkStore struct {
	db *bolt.DB
}

func newBookmarkStore(path string) (*bookmarkStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bookmark store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bookmarksBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &bookmarkStore{db: db}, nil
}

func (b *bookmarkStore) save(token string, data []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bookmarksBucket).Put([]byte(token), data)
	})
}

func (b *bookmarkStore) load(token string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bookmarksBucket).Get([]byte(token))
		if v == nil {
			return fmt.Errorf("bookmark %q not found", token)
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

func (b *bookmarkStore) close() error {
	return b.db.Close()
}

// PITRBookmark captures the current state of the shard's database file and
// returns an opaque token identifying it.
func (s *Shard) PITRBookmark() (string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	data, err := os.ReadFile(s.dbPath)
	if err != nil {
		return "", fmt.Errorf("read shard database for bookmark: %w", err)
	}
	token := fmt.Sprintf("%s-%d", s.id, time.Now().UnixNano())
	if err := s.bookmarks.save(token, data); err != nil {
		return "", err
	}
	return token, nil
}

// PITRRestore replaces the shard's current database contents with a
// previously captured bookmark and reopens the database handle. The shard
// must not be serving concurrent writes while this runs; callers hold the
// same write serialization used for mutations.
func (s *Shard) PITRRestore(token string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	data, err := s.bookmarks.load(token)
	if err != nil {
		return err
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close shard database before restore: %w", err)
	}
	if err := os.WriteFile(s.dbPath, data, 0600); err != nil {
		return fmt.Errorf("write restored database: %w", err)
	}
	db, err := openSQLite(s.dbPath)
	if err != nil {
		return fmt.Errorf("reopen shard database after restore: %w", err)
	}
	s.db = db
	s.fsm.setDB(db)

	s.txMu.Lock()
	s.txns = make(map[string]*openTransaction) // open transactions do not survive a restore
	s.txMu.Unlock()
	return nil
}
