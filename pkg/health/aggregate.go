package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/healthfees-org/workersql-sub000/pkg/queue"
	"github.com/healthfees-org/workersql-sub000/pkg/routing"
	"github.com/healthfees-org/workersql-sub000/pkg/shard"
)

// ShardChecker adapts a shard's self-reported HealthStatus to the Checker
// interface, so a shard's capacity state feeds the same Status/hysteresis
// machinery as an HTTP or TCP probe.
type ShardChecker struct {
	Shard *shard.Shard
}

func (c *ShardChecker) Check(ctx context.Context) Result {
	start := time.Now()
	status, err := c.Shard.Health()
	if err != nil {
		return Result{Healthy: false, Message: err.Error(), CheckedAt: start, Duration: time.Since(start)}
	}
	return Result{
		Healthy:   status.Status != "full",
		Message:   fmt.Sprintf("%s (%.1f%% capacity)", status.Status, status.CapacityPct),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

func (c *ShardChecker) Type() CheckType { return CheckTypeComponent }

// RoutingChecker reports whether the routing store is reachable and returns
// its current published version.
type RoutingChecker struct {
	Store routing.Store
}

func (c *RoutingChecker) Check(ctx context.Context) Result {
	start := time.Now()
	version, err := c.Store.CurrentVersion()
	if err != nil {
		return Result{Healthy: false, Message: err.Error(), CheckedAt: start, Duration: time.Since(start)}
	}
	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("routing version %d", version),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

func (c *RoutingChecker) Type() CheckType { return CheckTypeComponent }

// QueueChecker reports unhealthy once the event queue's dead-letter count
// reaches MaxDLQ (100 when MaxDLQ <= 0), signalling a stuck
// invalidate/prewarm/d1_sync consumer.
type QueueChecker struct {
	Queue  *queue.Queue
	MaxDLQ int
}

func (c *QueueChecker) Check(ctx context.Context) Result {
	start := time.Now()
	pending, dlq, err := c.Queue.Depth()
	if err != nil {
		return Result{Healthy: false, Message: err.Error(), CheckedAt: start, Duration: time.Since(start)}
	}
	maxDLQ := c.MaxDLQ
	if maxDLQ <= 0 {
		maxDLQ = 100
	}
	healthy := dlq < maxDLQ
	return Result{
		Healthy:   healthy,
		Message:   fmt.Sprintf("pending=%d dlq=%d", pending, dlq),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

func (c *QueueChecker) Type() CheckType { return CheckTypeComponent }

// Aggregator tracks Status per named component and renders a combined view
// suitable for an HTTP health endpoint.
type Aggregator struct {
	cfg      Config
	checkers map[string]Checker
	status   map[string]*Status
}

// NewAggregator builds an Aggregator over the given named checkers.
func NewAggregator(cfg Config, checkers map[string]Checker) *Aggregator {
	status := make(map[string]*Status, len(checkers))
	for name := range checkers {
		status[name] = NewStatus()
	}
	return &Aggregator{cfg: cfg, checkers: checkers, status: status}
}

// RunOnce executes every registered checker once and updates its Status.
func (a *Aggregator) RunOnce(ctx context.Context) {
	for name, checker := range a.checkers {
		checkCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		result := checker.Check(checkCtx)
		cancel()
		a.status[name].Update(result, a.cfg)
	}
}

// Overall reports whether every component is currently healthy.
func (a *Aggregator) Overall() bool {
	for _, s := range a.status {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// Snapshot returns the current per-component status map.
func (a *Aggregator) Snapshot() map[string]*Status {
	out := make(map[string]*Status, len(a.status))
	for name, s := range a.status {
		out[name] = s
	}
	return out
}

// Handler serves the aggregate health view as JSON, returning 503 when any
// component is unhealthy.
func (a *Aggregator) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.RunOnce(r.Context())
		overall := a.Overall()
		w.Header().Set("Content-Type", "application/json")
		if !overall {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		components := make(map[string]interface{}, len(a.status))
		for name, s := range a.status {
			components[name] = map[string]interface{}{
				"healthy": s.Healthy,
				"message": s.LastResult.Message,
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"healthy":    overall,
			"components": components,
		})
	}
}
