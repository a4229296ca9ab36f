/*
Package events provides an in-memory pub/sub bus for operator-facing
notifications: routing policy publishes/rollbacks, split plan phase
transitions, and shard capacity warnings.

This is deliberately separate from pkg/queue's durable invalidate/prewarm/
d1_sync event log: that queue exists for cache coherence and must survive
a process restart; this bus exists so state changes show up in the running
process's log as they happen, and loses nothing by not existing before the
process started.

# Architecture

	Publisher (pkg/scheduler.Advisor) → Broker.Publish
	                                          │
	                                    Broadcast loop
	                                          │
	                          ┌───────────────┼───────────────┐
	                          ▼               ▼               ▼
	                    Subscriber 1     Subscriber 2    Subscriber N
	                 (serve's logger)

In this module the capacity Advisor is the only publisher (of
shard.near_capacity) and `cmd/edgedb serve`'s background logger is the
only subscriber; the other EventType values are defined but not published.

# Delivery semantics

Delivery to subscribers is best-effort: a full subscriber buffer (50
events) drops the event for that subscriber rather than stalling the
broadcast loop. Publish itself hands the event to the broker's 100-event
buffer and blocks while that buffer is full, until the broker is stopped.
This bus is for visibility, not for anything that must never be missed --
use pkg/queue for that.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	go func() {
		for ev := range sub {
			fmt.Printf("[%s] %s: %s\n", ev.Timestamp.Format(time.RFC3339), ev.Type, ev.Message)
		}
	}()

	broker.Publish(&events.Event{
		Type:    events.EventSplitPhaseChanged,
		Message: "plan split-7f3 entered dual_write",
		Metadata: map[string]string{"plan_id": "split-7f3", "phase": "dual_write"},
	})

# See Also

  - pkg/scheduler - the capacity Advisor publishes shard.near_capacity
  - cmd/edgedb - serve subscribes a logger that writes every event to its log
*/
package events
