package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/healthfees-org/workersql-sub000/pkg/log"
	"github.com/healthfees-org/workersql-sub000/pkg/metrics"
	"github.com/healthfees-org/workersql-sub000/pkg/types"
	"golang.org/x/sync/singleflight"
)

// Cache is the tenant-scoped Cache Layer: fresh/stale-while-revalidate
// windows, single-flight fills, and pattern invalidation, backed by an
// in-process store.
type Cache struct {
	store  *gocache.Cache
	flight singleflight.Group
}

// New creates a Cache Layer. cleanupInterval governs how often the backing
// store sweeps expired entries; it does not affect freshness semantics,
// which are computed from the entry's own fresh_until/swr_until fields.
func New(cleanupInterval time.Duration) *Cache {
	return &Cache{
		store: gocache.New(gocache.NoExpiration, cleanupInterval),
	}
}

// EntityKey builds a table/primary-key scoped key: t:<table>:<pk_column>:<value>.
func EntityKey(table, pkColumn, value string) string {
	return fmt.Sprintf("t:%s:%s:%s", table, pkColumn, value)
}

// IndexKey builds a secondary-index scoped key: idx:<table>:<column>:<value>.
func IndexKey(table, column, value string) string {
	return fmt.Sprintf("idx:%s:%s:%s", table, column, value)
}

// QueryKey builds a query-result key: q:<table>:<hex_sha256(sql|params)>.
func QueryKey(table, sql string, params []interface{}) string {
	h := sha256.New()
	h.Write([]byte(sql))
	h.Write([]byte("|"))
	for _, p := range params {
		fmt.Fprintf(h, "%v,", p)
	}
	return fmt.Sprintf("q:%s:%s", table, hex.EncodeToString(h.Sum(nil)))
}

// scopedKey prefixes key with "<tenant_id>:" unless it is already so scoped.
func scopedKey(tenantID, key string) string {
	prefix := tenantID + ":"
	if strings.HasPrefix(key, prefix) {
		return key
	}
	return prefix + key
}

// Get returns the decoded entry for key, or nil if absent. A corrupt entry
// is evicted and treated as a miss.
func (c *Cache) Get(tenantID, key string) *types.CacheEntry {
	full := scopedKey(tenantID, key)
	raw, found := c.store.Get(full)
	if !found {
		return nil
	}
	data, ok := raw.([]byte)
	if !ok {
		c.store.Delete(full)
		metrics.CacheDecodeErrorsTotal.WithLabelValues(tenantID).Inc()
		return nil
	}
	var entry types.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.store.Delete(full)
		metrics.CacheDecodeErrorsTotal.WithLabelValues(tenantID).Inc()
		log.WithComponent("cache").Warn().Str("key", full).Err(err).Msg("evicting corrupt cache entry")
		return nil
	}
	return &entry
}

// Set writes entry under key, with the backing store's own expiration set
// to the entry's SWR ceiling so garbage collection of stale-past-SWR
// entries is automatic.
func (c *Cache) Set(tenantID, key string, entry *types.CacheEntry, nowMs int64) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	full := scopedKey(tenantID, key)
	ttl := time.Duration(entry.SWRUntilMs-nowMs) * time.Millisecond
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	c.store.Set(full, data, ttl)
	return nil
}

// Delete removes a single key.
func (c *Cache) Delete(tenantID, key string) {
	c.store.Delete(scopedKey(tenantID, key))
	metrics.CacheInvalidationsTotal.WithLabelValues(tenantID).Inc()
}

// DeleteByPattern enumerates keys under the tenant-scoped prefix and issues
// point deletes for each.
func (c *Cache) DeleteByPattern(tenantID, prefix string) int {
	full := scopedKey(tenantID, prefix)
	n := 0
	for key := range c.store.Items() {
		if strings.HasPrefix(key, full) {
			c.store.Delete(key)
			n++
		}
	}
	if n > 0 {
		metrics.CacheInvalidationsTotal.WithLabelValues(tenantID).Add(float64(n))
	}
	return n
}

// DeleteIfStale deletes key only if it is absent or its stored Version is
// older than minVersion, so an out-of-order invalidate event cannot clobber
// an entry a more recent populate already wrote.
func (c *Cache) DeleteIfStale(tenantID, key string, minVersion int64) {
	if existing := c.Get(tenantID, key); existing != nil && existing.Version >= minVersion {
		return
	}
	c.Delete(tenantID, key)
}

// DeleteByPatternIfStale is DeleteByPattern's versioned counterpart: each
// matching key is decoded and skipped, rather than deleted, if its Version
// is already at or ahead of minVersion.
func (c *Cache) DeleteByPatternIfStale(tenantID, prefix string, minVersion int64) int {
	full := scopedKey(tenantID, prefix)
	n := 0
	for key := range c.store.Items() {
		if !strings.HasPrefix(key, full) {
			continue
		}
		if entry := c.entryAtFullKey(key); entry != nil && entry.Version >= minVersion {
			continue
		}
		c.store.Delete(key)
		n++
	}
	if n > 0 {
		metrics.CacheInvalidationsTotal.WithLabelValues(tenantID).Add(float64(n))
	}
	return n
}

// entryAtFullKey decodes the entry stored at an already tenant-scoped key,
// or nil if absent or corrupt -- the same decode Get performs, reused here
// since the caller already has the scoped key from enumeration.
func (c *Cache) entryAtFullKey(full string) *types.CacheEntry {
	raw, found := c.store.Get(full)
	if !found {
		return nil
	}
	data, ok := raw.([]byte)
	if !ok {
		return nil
	}
	var entry types.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil
	}
	return &entry
}

// FillFunc populates a cache entry on miss or stale-refresh, returning the
// entry to store or an error.
type FillFunc func() (*types.CacheEntry, error)

// GetOrFill implements the per-mode read path of §4.B:
//
//	strong:  never consult the cache; caller should bypass GetOrFill entirely.
//	bounded: return fresh or stale-revalidatable; on expired, fill synchronously.
//	cached:  return any non-expired entry without blocking; refresh async on stale.
//
// boundedMs, when nonzero, is a per-request staleness bound (from
// hints.bounded_ms or the "/*+ bounded=NNN */" grammar) that narrows the
// bounded- and cached-mode freshness window beyond the table policy's own
// TTL: an entry
// older than boundedMs is treated as if it were expired, even if it is still
// within its own fresh/SWR windows. A zero boundedMs leaves the table
// policy's windows as the sole freshness test.
//
// At most one fill runs concurrently per (tenant, key); concurrent callers
// either see a stale-revalidatable value immediately or await the flight.
func (c *Cache) GetOrFill(tenantID, key string, mode types.CacheMode, nowMs int64, boundedMs int64, fill FillFunc) (*types.CacheEntry, bool, error) {
	entry := c.Get(tenantID, key)

	switch mode {
	case types.CacheModeCached:
		if entry != nil && !entry.IsExpired(nowMs) && entry.WithinBound(nowMs, boundedMs) {
			metrics.CacheHitsTotal.WithLabelValues(tenantID, cacheFreshness(entry, nowMs)).Inc()
			if entry.IsStaleRevalidatable(nowMs) {
				go c.refreshAsync(tenantID, key, nowMs, fill)
			}
			return entry, true, nil
		}
	case types.CacheModeBounded:
		if entry != nil && entry.WithinBound(nowMs, boundedMs) {
			if entry.IsFresh(nowMs) {
				metrics.CacheHitsTotal.WithLabelValues(tenantID, "fresh").Inc()
				return entry, true, nil
			}
			if entry.IsStaleRevalidatable(nowMs) {
				metrics.CacheHitsTotal.WithLabelValues(tenantID, "stale").Inc()
				return entry, true, nil
			}
		}
	default:
		// strong: callers should not reach GetOrFill, but fail closed by
		// always consulting the shard.
	}

	metrics.CacheMissesTotal.WithLabelValues(tenantID).Inc()
	filled, err := c.singleFlightFill(tenantID, key, nowMs, fill)
	if err != nil {
		return nil, false, err
	}
	return filled, false, nil
}

func cacheFreshness(entry *types.CacheEntry, nowMs int64) string {
	if entry.IsFresh(nowMs) {
		return "fresh"
	}
	return "stale"
}

func (c *Cache) singleFlightFill(tenantID, key string, nowMs int64, fill FillFunc) (*types.CacheEntry, error) {
	flightKey := tenantID + ":" + key
	v, err, shared := c.flight.Do(flightKey, func() (interface{}, error) {
		entry, err := fill()
		if err != nil {
			return nil, err
		}
		if err := c.Set(tenantID, key, entry, nowMs); err != nil {
			return nil, err
		}
		return entry, nil
	})
	if shared {
		metrics.CacheSingleFlightWaitsTotal.WithLabelValues(tenantID).Inc()
	}
	if err != nil {
		return nil, err
	}
	return v.(*types.CacheEntry), nil
}

func (c *Cache) refreshAsync(tenantID, key string, nowMs int64, fill FillFunc) {
	if _, err := c.singleFlightFill(tenantID, key, nowMs, fill); err != nil {
		log.WithComponent("cache").Warn().Str("key", key).Err(err).Msg("async refresh failed")
	}
}

// ForcesStrong reports whether sql references any of policy's always-strong
// columns, which forces strong consistency regardless of requested mode.
func ForcesStrong(sql string, alwaysStrongColumns []string) bool {
	for _, col := range alwaysStrongColumns {
		if strings.Contains(sql, col) {
			return true
		}
	}
	return false
}
