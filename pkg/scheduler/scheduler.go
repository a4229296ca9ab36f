package scheduler

import (
	"fmt"
	"time"

	"github.com/healthfees-org/workersql-sub000/pkg/events"
	"github.com/healthfees-org/workersql-sub000/pkg/log"
	"github.com/healthfees-org/workersql-sub000/pkg/shard"
	"github.com/rs/zerolog"
)

// nearCapacityThreshold mirrors shard.Health's own "near_capacity" bound
// (see pkg/shard's HealthStatus.Status), kept as a separate constant here
// since the advisor polls independently of any single Health() call.
const nearCapacityThreshold = 90.0

// Advisor periodically polls shard capacity and recommends split targets.
// It never acts on its own recommendations -- placement of a tenant split
// is always an explicit operator decision (split.Orchestrator.Plan takes
// an explicit target) -- but it saves the operator from having to poll
// every shard's health by hand before choosing one.
type Advisor struct {
	shards map[string]*shard.Shard
	broker *events.Broker
	logger zerolog.Logger
	stopCh chan struct{}
}

// NewAdvisor builds an Advisor over a fixed shard set. broker may be nil,
// in which case near-capacity warnings are only logged.
func NewAdvisor(shards map[string]*shard.Shard, broker *events.Broker) *Advisor {
	return &Advisor{
		shards: shards,
		broker: broker,
		logger: log.WithComponent("scheduler"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the advisor's capacity-polling loop.
func (a *Advisor) Start(interval time.Duration) {
	go a.run(interval)
}

// Stop stops the polling loop.
func (a *Advisor) Stop() {
	close(a.stopCh)
}

func (a *Advisor) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.pollOnce()
		case <-a.stopCh:
			return
		}
	}
}

func (a *Advisor) pollOnce() {
	for id, sh := range a.shards {
		status, err := sh.Health()
		if err != nil {
			a.logger.Error().Err(err).Str("shard_id", id).Msg("capacity poll failed")
			continue
		}
		if status.CapacityPct < nearCapacityThreshold {
			continue
		}
		a.logger.Warn().Str("shard_id", id).Float64("capacity_pct", status.CapacityPct).
			Msg("shard nearing capacity; consider planning a split")
		if a.broker != nil {
			a.broker.Publish(&events.Event{
				Type:    events.EventShardNearCapacity,
				Message: fmt.Sprintf("shard %s at %.1f%% capacity", id, status.CapacityPct),
				Metadata: map[string]string{
					"shard_id":     id,
					"capacity_pct": fmt.Sprintf("%.1f", status.CapacityPct),
				},
			})
		}
	}
}

// SuggestSplitTarget recommends a target shard for splitting tenants off
// of source: the shard (other than source) with the lowest reported
// capacity utilization. Returns an error if no other shard is known.
func SuggestSplitTarget(shards map[string]*shard.Shard, source string) (string, error) {
	var best string
	bestPct := -1.0

	for id, sh := range shards {
		if id == source {
			continue
		}
		status, err := sh.Health()
		if err != nil {
			return "", fmt.Errorf("probing shard %s: %w", id, err)
		}
		if bestPct < 0 || status.CapacityPct < bestPct {
			bestPct = status.CapacityPct
			best = id
		}
	}

	if best == "" {
		return "", fmt.Errorf("no candidate shard found other than source %q", source)
	}
	return best, nil
}
