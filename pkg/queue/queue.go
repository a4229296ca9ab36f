package queue

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/healthfees-org/workersql-sub000/pkg/cache"
	"github.com/healthfees-org/workersql-sub000/pkg/log"
	"github.com/healthfees-org/workersql-sub000/pkg/metrics"
	"github.com/healthfees-org/workersql-sub000/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketPending = []byte("queue_pending")
	bucketDLQ     = []byte("queue_dlq")
)

const (
	idempotencyTTL = 10 * time.Minute
	idempotencyKey = "processed:"
)

// Handler processes one event of a given type. Returning an error triggers
// the retry/DLQ policy.
type Handler func(event *types.Event) error

// Config controls retry timing and the max attempts before dead-lettering.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	return c
}

// Queue is the durable ordered Event Queue with a dead-letter sub-queue,
// at-least-once delivery, and idempotent consumption.
type Queue struct {
	db       *bolt.DB
	idemp    *cache.Cache
	handlers map[types.EventType]Handler
	cfg      Config
}

// New opens (or creates) a bbolt-backed event queue under dataDir.
func New(dataDir string, idemp *cache.Cache, cfg Config) (*Queue, error) {
	dbPath := filepath.Join(dataDir, "queue.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketPending, bucketDLQ} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Queue{
		db:       db,
		idemp:    idemp,
		handlers: map[types.EventType]Handler{},
		cfg:      cfg.withDefaults(),
	}, nil
}

// Close releases the underlying store.
func (q *Queue) Close() error {
	return q.db.Close()
}

// RegisterHandler installs the dispatch-table entry for an event type.
func (q *Queue) RegisterHandler(t types.EventType, h Handler) {
	q.handlers[t] = h
}

// validate enforces structural validity: known type, non-empty shard_id,
// timestamp, and type-specific fields present.
func validate(event *types.Event) error {
	switch event.Type {
	case types.EventInvalidate, types.EventPrewarm, types.EventD1Sync:
	default:
		return fmt.Errorf("unknown event type %q", event.Type)
	}
	if event.ShardID == "" {
		return fmt.Errorf("event missing shard_id")
	}
	if event.TimestampMs == 0 {
		return fmt.Errorf("event missing timestamp")
	}
	switch event.Type {
	case types.EventInvalidate:
		if len(event.Keys) == 0 {
			return fmt.Errorf("invalidate event requires keys")
		}
	case types.EventPrewarm:
		if len(event.Keys) == 0 || len(event.Payload) == 0 {
			return fmt.Errorf("prewarm event requires keys and payload")
		}
	case types.EventD1Sync:
		if len(event.Payload) == 0 {
			return fmt.Errorf("d1_sync event requires a payload")
		}
	}
	return nil
}

// Send appends a single event to the pending log. Fails validation without
// mutating the store.
func (q *Queue) Send(event *types.Event) error {
	if err := validate(event); err != nil {
		return &types.Error{Kind: types.ErrInvalidSQL, Message: err.Error()}
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		return appendPending(tx, event)
	})
}

// SendBatch validates every event atomically (all-or-none); once validated,
// it dispatches each into the log best-effort.
func (q *Queue) SendBatch(events []*types.Event) error {
	for _, e := range events {
		if err := validate(e); err != nil {
			return &types.Error{Kind: types.ErrInvalidSQL, Message: fmt.Sprintf("batch rejected: %s", err)}
		}
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		for _, e := range events {
			if err := appendPending(tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func appendPending(tx *bolt.Tx, event *types.Event) error {
	b := tx.Bucket(bucketPending)
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	metrics.QueueDepth.Inc()
	return b.Put(key, data)
}

// Dequeue claims up to limit pending events in enqueue order, removing them
// from the pending log. Callers pass the returned batch to Consume.
func (q *Queue) Dequeue(limit int) ([]*types.Event, error) {
	var batch []*types.Event
	now := time.Now()
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		c := b.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil && len(batch) < limit; k, v = c.Next() {
			var event types.Event
			if err := json.Unmarshal(v, &event); err != nil {
				toDelete = append(toDelete, append([]byte(nil), k...))
				continue
			}
			if !event.DelayUntil.IsZero() && event.DelayUntil.After(now) {
				continue
			}
			batch = append(batch, &event)
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if len(batch) > 0 {
		metrics.QueueDepth.Sub(float64(len(batch)))
	}
	return batch, err
}

// Consume is the consumer side of §4.C: for each message, check the
// idempotency marker; if present, acknowledge without re-executing; else
// dispatch by event type, set the marker, then acknowledge. Failure in one
// handler never poisons sibling messages in the same batch.
func (q *Queue) Consume(batch []*types.Event) []error {
	errs := make([]error, len(batch))
	for i, event := range batch {
		errs[i] = q.consumeOne(event)
	}
	return errs
}

func (q *Queue) consumeOne(event *types.Event) error {
	clog := log.WithComponent("queue")
	marker := idempotencyKey + event.ID

	if q.idemp.Get("", marker) != nil {
		metrics.QueueConsumedTotal.WithLabelValues(string(event.Type), "duplicate_acked").Inc()
		return nil
	}

	handler, ok := q.handlers[event.Type]
	if !ok {
		metrics.QueueConsumedTotal.WithLabelValues(string(event.Type), "no_handler").Inc()
		return fmt.Errorf("no handler registered for event type %q", event.Type)
	}

	timer := metrics.NewTimer()
	err := handler(event)
	timer.ObserveDurationVec(metrics.QueueHandlerDuration, string(event.Type))

	if err != nil {
		metrics.QueueConsumedTotal.WithLabelValues(string(event.Type), "failed").Inc()
		q.onHandlerFailure(event, err)
		return err
	}

	_ = q.idemp.Set("", marker, &types.CacheEntry{
		Data:         []byte("1"),
		FreshUntilMs: 0,
		SWRUntilMs:   time.Now().Add(idempotencyTTL).UnixMilli(),
	}, time.Now().UnixMilli())

	metrics.QueueConsumedTotal.WithLabelValues(string(event.Type), "processed").Inc()
	clog.Debug().Str("event_id", event.ID).Str("type", string(event.Type)).Msg("event processed")
	return nil
}

// retryDelay computes a deterministic, bounded exponential backoff:
// delay = base * 2^(attempt-1).
func (q *Queue) retryDelay(attempt int) time.Duration {
	const maxDelay = 10 * time.Minute
	d := q.cfg.BaseDelay * time.Duration(1<<uint(attempt-1))
	if d > maxDelay || d <= 0 {
		return maxDelay
	}
	return d
}

func (q *Queue) onHandlerFailure(event *types.Event, cause error) {
	event.Attempt++
	if event.Attempt >= q.cfg.MaxRetries {
		q.moveToDLQ(event, cause)
		return
	}
	event.DelayUntil = time.Now().Add(q.retryDelay(event.Attempt))
	if err := q.db.Update(func(tx *bolt.Tx) error {
		return appendPending(tx, event)
	}); err != nil {
		log.WithComponent("queue").Error().Err(err).Msg("failed to re-enqueue event after handler failure")
	}
}

func (q *Queue) moveToDLQ(event *types.Event, cause error) {
	data, err := json.Marshal(event)
	if err != nil {
		log.WithComponent("queue").Error().Err(err).Msg("failed to marshal event for DLQ")
		return
	}
	err = q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDLQ).Put([]byte(event.ID), data)
	})
	if err != nil {
		log.WithComponent("queue").Error().Err(err).Msg("failed to dead-letter event")
		return
	}
	metrics.QueueDLQDepth.Inc()
	log.WithComponent("queue").Warn().Str("event_id", event.ID).Err(cause).Msg("event moved to DLQ")
}

// RetryFailedEvents scans the DLQ and re-enqueues entries whose delay has
// passed, giving them one further attempt; entries that have already
// had that attempt (Attempt > MaxRetries) are discarded instead.
func (q *Queue) RetryFailedEvents() (requeued, discarded int, err error) {
	now := time.Now()
	var toRequeue []*types.Event
	var toDiscard [][]byte

	err = q.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDLQ)
		return b.ForEach(func(k, v []byte) error {
			var event types.Event
			if jsonErr := json.Unmarshal(v, &event); jsonErr != nil {
				toDiscard = append(toDiscard, append([]byte(nil), k...))
				return nil
			}
			if event.Attempt > q.cfg.MaxRetries {
				toDiscard = append(toDiscard, append([]byte(nil), k...))
				return nil
			}
			if !event.DelayUntil.IsZero() && event.DelayUntil.After(now) {
				return nil
			}
			toRequeue = append(toRequeue, &event)
			return nil
		})
	})
	if err != nil {
		return 0, 0, err
	}

	err = q.db.Update(func(tx *bolt.Tx) error {
		dlq := tx.Bucket(bucketDLQ)
		for _, event := range toRequeue {
			if delErr := dlq.Delete([]byte(event.ID)); delErr != nil {
				return delErr
			}
			event.DelayUntil = time.Time{}
			if appendErr := appendPending(tx, event); appendErr != nil {
				return appendErr
			}
		}
		for _, k := range toDiscard {
			if delErr := dlq.Delete(k); delErr != nil {
				return delErr
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	if len(toRequeue) > 0 {
		metrics.QueueDLQDepth.Sub(float64(len(toRequeue)))
	}
	if len(toDiscard) > 0 {
		metrics.QueueDLQDepth.Sub(float64(len(toDiscard)))
	}
	return len(toRequeue), len(toDiscard), nil
}

// Depth returns the current pending and DLQ counts, used by health()/metrics().
func (q *Queue) Depth() (pending, dlq int, err error) {
	err = q.db.View(func(tx *bolt.Tx) error {
		pending = tx.Bucket(bucketPending).Stats().KeyN
		dlq = tx.Bucket(bucketDLQ).Stats().KeyN
		return nil
	})
	return pending, dlq, err
}
