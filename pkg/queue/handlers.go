package queue

import (
	"encoding/json"
	"fmt"

	"github.com/healthfees-org/workersql-sub000/pkg/cache"
	"github.com/healthfees-org/workersql-sub000/pkg/replica"
	"github.com/healthfees-org/workersql-sub000/pkg/types"
)

// NewInvalidateHandler returns the default "invalidate" handler: delete
// listed keys and/or prefix-purge. Keys prefixed with "prefix:" are treated
// as pattern purges; all others are point deletes. tenantOf extracts the
// owning tenant from an event (invalidate events carry it as the first
// segment of each key). Deletes are gated on event.Version so an
// out-of-order invalidate -- delivered after a newer populate already
// landed -- does not delete an entry that is fresher than the event itself.
func NewInvalidateHandler(c *cache.Cache) Handler {
	return func(event *types.Event) error {
		for _, key := range event.Keys {
			tenant, rest, isPattern := splitInvalidateKey(key)
			if isPattern {
				c.DeleteByPatternIfStale(tenant, rest, event.Version)
			} else {
				c.DeleteIfStale(tenant, rest, event.Version)
			}
		}
		return nil
	}
}

// splitInvalidateKey parses an invalidate key of the form
// "<tenant_id>:<rest>" or "<tenant_id>:*<rest>" (pattern marker "*").
func splitInvalidateKey(key string) (tenant, rest string, isPattern bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			tenant = key[:i]
			rest = key[i+1:]
			break
		}
	}
	if rest == "" {
		return tenant, key, false
	}
	if rest[0] == '*' {
		return tenant, rest[1:], true
	}
	return tenant, rest, false
}

// NewPrewarmHandler returns the default "prewarm" handler: populate listed
// keys with the attached payload (a JSON-encoded types.CacheEntry).
func NewPrewarmHandler(c *cache.Cache) Handler {
	return func(event *types.Event) error {
		var entry types.CacheEntry
		if err := json.Unmarshal(event.Payload, &entry); err != nil {
			return fmt.Errorf("decode prewarm payload: %w", err)
		}
		for _, key := range event.Keys {
			tenant, rest, _ := splitInvalidateKey(key)
			if err := c.Set(tenant, rest, &entry, event.TimestampMs); err != nil {
				return err
			}
		}
		return nil
	}
}

// NewD1SyncHandler returns the default "d1_sync" handler: batch-apply the
// decoded payload's operations to the analytical replica.
func NewD1SyncHandler(client *replica.Client) Handler {
	return func(event *types.Event) error {
		var payload types.D1SyncPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("decode d1_sync payload: %w", err)
		}
		return client.Apply(&payload)
	}
}
