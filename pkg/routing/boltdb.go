package routing

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/healthfees-org/workersql-sub000/pkg/metrics"
	"github.com/healthfees-org/workersql-sub000/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketMeta     = []byte("routing_meta")
	bucketPolicies = []byte("routing_policies")
	bucketHistory  = []byte("routing_history")

	keyCurrentVersion = []byte("current_version")
)

// historyMeta is the metadata object stored per version, distinct from the
// immutable policy body, tracking publish provenance (§6: routing:history:v<N>).
type historyMeta struct {
	Version     int       `json:"version"`
	Description string    `json:"description"`
	PublishedAt int64     `json:"published_at_ms"`
}

// BoltStore implements Store using an embedded bbolt B+tree.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) a bbolt-backed routing policy store under
// dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "routing.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open routing database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMeta, bucketPolicies, bucketHistory} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func versionKey(v int) []byte {
	return []byte("v" + strconv.Itoa(v))
}

// CurrentVersion returns the active policy version, defaulting to 1 if no
// policy has ever been published (the initial, empty routing table).
func (s *BoltStore) CurrentVersion() (int, error) {
	var version int
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		data := b.Get(keyCurrentVersion)
		if data == nil {
			version = 1
			return nil
		}
		v, err := strconv.Atoi(string(data))
		if err != nil {
			return fmt.Errorf("corrupt current_version value: %w", err)
		}
		version = v
		return nil
	})
	return version, err
}

// Get returns the immutable policy for a given version.
func (s *BoltStore) Get(version int) (*types.RoutingPolicy, error) {
	var policy types.RoutingPolicy
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPolicies)
		data := b.Get(versionKey(version))
		if data == nil {
			return fmt.Errorf("routing policy version %d not found", version)
		}
		return json.Unmarshal(data, &policy)
	})
	if err != nil {
		return nil, err
	}
	return &policy, nil
}

// Publish validates the policy's shard references, assigns it the next
// version, persists it and its history record, then flips the
// current-version pointer. The flip is the atomic cutover point.
func (s *BoltStore) Publish(policy *types.RoutingPolicy, description string, knownShards map[string]bool) (int, error) {
	if err := validatePolicy(policy, knownShards); err != nil {
		return 0, &types.Error{Kind: types.ErrConfigInvalid, Message: err.Error()}
	}

	var newVersion int
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		policies := tx.Bucket(bucketPolicies)
		history := tx.Bucket(bucketHistory)

		current := 1 // same default CurrentVersion reports for an unpublished store
		if data := meta.Get(keyCurrentVersion); data != nil {
			v, err := strconv.Atoi(string(data))
			if err != nil {
				return fmt.Errorf("corrupt current_version value: %w", err)
			}
			current = v
		}

		newVersion = current + 1
		policy.Version = newVersion
		policy.Description = description

		data, err := json.Marshal(policy)
		if err != nil {
			return err
		}
		if err := policies.Put(versionKey(newVersion), data); err != nil {
			return err
		}

		hist := historyMeta{Version: newVersion, Description: description, PublishedAt: policy.PublishedAt.UnixMilli()}
		histData, err := json.Marshal(hist)
		if err != nil {
			return err
		}
		if err := history.Put(versionKey(newVersion), histData); err != nil {
			return err
		}

		return meta.Put(keyCurrentVersion, []byte(strconv.Itoa(newVersion)))
	})
	if err != nil {
		return 0, err
	}
	metrics.RoutingPublishesTotal.Inc()
	metrics.RoutingCurrentVersion.Set(float64(newVersion))
	return newVersion, nil
}

// Rollback flips the current-version pointer back to toVersion without
// deleting any newer version.
func (s *BoltStore) Rollback(toVersion int) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		policies := tx.Bucket(bucketPolicies)
		if policies.Get(versionKey(toVersion)) == nil {
			return fmt.Errorf("cannot roll back to unknown version %d", toVersion)
		}
		meta := tx.Bucket(bucketMeta)
		return meta.Put(keyCurrentVersion, []byte(strconv.Itoa(toVersion)))
	})
	if err != nil {
		return err
	}
	metrics.RoutingRollbacksTotal.Inc()
	metrics.RoutingCurrentVersion.Set(float64(toVersion))
	return nil
}

// Diff computes the set-difference between two policy versions.
func (s *BoltStore) Diff(from, to int) (*types.RoutingDiff, error) {
	fromPolicy, err := s.Get(from)
	if err != nil {
		return nil, err
	}
	toPolicy, err := s.Get(to)
	if err != nil {
		return nil, err
	}

	diff := &types.RoutingDiff{
		AddedTenants:   map[string]string{},
		RemovedTenants: map[string]string{},
		ChangedTenants: map[string]string{},
	}

	for tenant, shard := range toPolicy.Tenants {
		oldShard, existed := fromPolicy.Tenants[tenant]
		if !existed {
			diff.AddedTenants[tenant] = shard
		} else if oldShard != shard {
			diff.ChangedTenants[tenant] = shard
		}
	}
	for tenant, shard := range fromPolicy.Tenants {
		if _, stillPresent := toPolicy.Tenants[tenant]; !stillPresent {
			diff.RemovedTenants[tenant] = shard
		}
	}

	diff.AddedRanges = rangesNotIn(toPolicy.Ranges, fromPolicy.Ranges)
	diff.RemovedRanges = rangesNotIn(fromPolicy.Ranges, toPolicy.Ranges)

	return diff, nil
}

func rangesNotIn(a, b []types.RangeEntry) []types.RangeEntry {
	present := make(map[string]bool, len(b))
	for _, r := range b {
		present[r.Prefix+"\x00"+r.ShardID] = true
	}
	var out []types.RangeEntry
	for _, r := range a {
		if !present[r.Prefix+"\x00"+r.ShardID] {
			out = append(out, r)
		}
	}
	return out
}

// Resolve returns the shard a tenant/key resolves to under the active
// policy: tenant map lookup, then ordered range prefix scan (first match
// wins), then a stable xxhash-mod-shardCount fallback.
func (s *BoltStore) Resolve(tenantID, key string, shardCount int) (string, error) {
	version, err := s.CurrentVersion()
	if err != nil {
		return "", err
	}
	policy, err := s.Get(version)
	if err != nil {
		// No policy has ever been published: fall back to the default range.
		return defaultRangeShard(key, shardCount), nil
	}

	if shard, ok := policy.Tenants[tenantID]; ok {
		return shard, nil
	}
	for _, r := range policy.Ranges {
		if strings.HasPrefix(key, r.Prefix) {
			return r.ShardID, nil
		}
	}
	return defaultRangeShard(key, shardCount), nil
}

func defaultRangeShard(key string, shardCount int) string {
	if shardCount <= 0 {
		return ""
	}
	h := xxhash.Sum64String(key)
	return "shard-" + strconv.FormatUint(h%uint64(shardCount), 10)
}

func validatePolicy(policy *types.RoutingPolicy, knownShards map[string]bool) error {
	for tenant, shard := range policy.Tenants {
		if !knownShards[shard] {
			return fmt.Errorf("tenant %q maps to unknown shard %q", tenant, shard)
		}
	}
	for _, r := range policy.Ranges {
		if !knownShards[r.ShardID] {
			return fmt.Errorf("range %q maps to unknown shard %q", r.Prefix, r.ShardID)
		}
	}
	return nil
}
