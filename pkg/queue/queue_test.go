package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/healthfees-org/workersql-sub000/pkg/cache"
	"github.com/healthfees-org/workersql-sub000/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	q, err := New(t.TempDir(), cache.New(time.Minute), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func validEvent(id string) *types.Event {
	return &types.Event{
		ID:          id,
		Type:        types.EventInvalidate,
		ShardID:     "shard-0",
		TimestampMs: 1000,
		Keys:        []string{"t1:t:users:id:7"},
	}
}

func TestSendRejectsStructurallyInvalidEvents(t *testing.T) {
	q := newTestQueue(t, Config{})

	tests := []struct {
		name  string
		event *types.Event
	}{
		{"unknown type", &types.Event{Type: "bogus", ShardID: "s", TimestampMs: 1}},
		{"missing shard_id", &types.Event{Type: types.EventInvalidate, TimestampMs: 1, Keys: []string{"k"}}},
		{"missing timestamp", &types.Event{Type: types.EventInvalidate, ShardID: "s", Keys: []string{"k"}}},
		{"invalidate without keys", &types.Event{Type: types.EventInvalidate, ShardID: "s", TimestampMs: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := q.Send(tt.event)
			require.Error(t, err)
			var typedErr *types.Error
			require.ErrorAs(t, err, &typedErr)
		})
	}
}

func TestSendBatchAllOrNoneValidation(t *testing.T) {
	q := newTestQueue(t, Config{})
	good := validEvent("m1")
	bad := &types.Event{Type: "bogus"}

	err := q.SendBatch([]*types.Event{good, bad})
	require.Error(t, err)

	pending, dlq, err := q.Depth()
	require.NoError(t, err)
	assert.Equal(t, 0, pending, "a batch that fails validation must not partially enqueue")
	assert.Equal(t, 0, dlq)
}

func TestDequeuePreservesEnqueueOrder(t *testing.T) {
	q := newTestQueue(t, Config{})
	require.NoError(t, q.Send(validEvent("m1")))
	require.NoError(t, q.Send(validEvent("m2")))
	require.NoError(t, q.Send(validEvent("m3")))

	batch, err := q.Dequeue(10)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, "m1", batch[0].ID)
	assert.Equal(t, "m2", batch[1].ID)
	assert.Equal(t, "m3", batch[2].ID)
}

func TestConsumeIdempotentOnDuplicateDelivery(t *testing.T) {
	q := newTestQueue(t, Config{})
	deletes := 0
	q.RegisterHandler(types.EventInvalidate, func(event *types.Event) error {
		deletes++
		return nil
	})

	event := validEvent("dup-1")
	errs := q.Consume([]*types.Event{event})
	require.NoError(t, errs[0])

	// Second delivery of the same message id must not re-invoke the handler.
	errs = q.Consume([]*types.Event{event})
	require.NoError(t, errs[0])

	assert.Equal(t, 1, deletes, "idempotency marker must prevent re-execution")
}

func TestConsumeFailureDoesNotPoisonSiblingMessages(t *testing.T) {
	q := newTestQueue(t, Config{})
	q.RegisterHandler(types.EventInvalidate, func(event *types.Event) error {
		if event.ID == "bad" {
			return errors.New("boom")
		}
		return nil
	})

	batch := []*types.Event{validEvent("bad"), validEvent("good")}
	batch[0].ID = "bad"
	batch[1].ID = "good"

	errs := q.Consume(batch)
	require.Error(t, errs[0])
	require.NoError(t, errs[1])
}

func TestHandlerFailureRetriesThenMovesToDLQ(t *testing.T) {
	q := newTestQueue(t, Config{MaxRetries: 2, BaseDelay: time.Millisecond})
	q.RegisterHandler(types.EventInvalidate, func(event *types.Event) error {
		return errors.New("always fails")
	})

	event := validEvent("retry-me")
	errs := q.Consume([]*types.Event{event})
	require.Error(t, errs[0])

	pending, dlq, err := q.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, pending, "first failure should re-enqueue with a delay")
	assert.Equal(t, 0, dlq)

	// Drain and retry until max_retries is reached.
	time.Sleep(5 * time.Millisecond)
	requeued, err := q.Dequeue(10)
	require.NoError(t, err)
	require.Len(t, requeued, 1)
	errs = q.Consume(requeued)
	require.Error(t, errs[0])

	pending, dlq, err = q.Depth()
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
	assert.Equal(t, 1, dlq, "event should be dead-lettered once attempts reach max_retries")
}

func TestRetryFailedEventsRequeuesPastDelay(t *testing.T) {
	q := newTestQueue(t, Config{MaxRetries: 1, BaseDelay: time.Millisecond})
	q.RegisterHandler(types.EventInvalidate, func(event *types.Event) error {
		return errors.New("always fails")
	})

	event := validEvent("dlq-me")
	errs := q.Consume([]*types.Event{event})
	require.Error(t, errs[0])

	_, dlq, err := q.Depth()
	require.NoError(t, err)
	require.Equal(t, 1, dlq)

	requeued, discarded, err := q.RetryFailedEvents()
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Equal(t, 0, discarded)

	pending, dlq, err := q.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
	assert.Equal(t, 0, dlq)
}

func TestRetryDelayDoublesPerAttempt(t *testing.T) {
	q := newTestQueue(t, Config{BaseDelay: time.Second})
	assert.Equal(t, time.Second, q.retryDelay(1))
	assert.Equal(t, 2*time.Second, q.retryDelay(2))
	assert.Equal(t, 4*time.Second, q.retryDelay(3))
}
