/*
Package queue implements the Event Queue: a durable, ordered, at-least-once
delivery queue with a dead-letter sub-queue, idempotent consumption, and
deterministic exponential backoff.

# Storage layout

BoltDB buckets, mirroring the routing store's bucket-per-concern shape:

	queue_pending: <big-endian sequence> -> JSON(Event)
	queue_dlq:     <message id>           -> JSON(Event)

Pending events are claimed in enqueue order via Dequeue, then handed to
Consume. A message that fails its handler is re-enqueued with a computed
delay_until (delay = base * 2^(attempt-1), bounded) until its attempt
count reaches max_retries, at which point it moves to the DLQ. The
periodic retry_failed_events sweep (pkg/queue.Sweeper, scheduled with
robfig/cron) gives DLQ entries past their delay one further attempt before
discarding them.

# Idempotency

Consume checks a "processed:<msg_id>" marker in the shared cache before
dispatching; a duplicate delivery is acknowledged without re-executing its
handler. The marker is set only after a successful dispatch, with a short
TTL, so a crash between dispatch and marker-set results in at most one
redundant re-delivery -- never a silently dropped message.
*/
package queue
