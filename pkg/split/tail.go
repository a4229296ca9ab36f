package split

import (
	"fmt"
	"time"

	"github.com/healthfees-org/workersql-sub000/pkg/types"
)

// ReplayTail applies source's post-dual-write mutations for the plan's
// tenants onto target. Must be called while the plan is tailing; safe to
// call repeatedly until it reports caught_up.
func (o *Orchestrator) ReplayTail(id string) (*types.SplitPlan, error) {
	o.mu.Lock()
	plan, err := o.store.get(id)
	if err != nil {
		o.mu.Unlock()
		return nil, err
	}
	if plan.Phase != types.SplitTailing {
		o.mu.Unlock()
		return nil, preconditionErr(fmt.Sprintf("replay_tail requires phase=tailing, got %s", plan.Phase))
	}
	plan.Tail.Status = types.TailRunning
	o.mu.Unlock()

	source, ok := o.shards[plan.SourceShard]
	if !ok {
		return o.failTail(plan, fmt.Sprintf("unknown source shard %q", plan.SourceShard))
	}
	target, ok := o.shards[plan.TargetShard]
	if !ok {
		return o.failTail(plan, fmt.Sprintf("unknown target shard %q", plan.TargetShard))
	}

	entries, err := source.TailSince(plan.DualWriteStartedAt.UnixMilli(), plan.Tail.LastSeq, plan.Tenants)
	if err != nil {
		return o.failTail(plan, err.Error())
	}

	var newest int64
	applied := 0
	for _, entry := range entries {
		if _, err := target.Mutation(entry.SQL, entry.Params, entry.TenantID, ""); err != nil {
			return o.failTail(plan, err.Error())
		}
		applied++
		if entry.TimestampMs > newest {
			newest = entry.TimestampMs
		}
		plan.Tail.LastEventID = entry.EventID
		plan.Tail.LastSeq = entry.Seq
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	lagMs := time.Now().UnixMilli() - newest
	if newest == 0 {
		lagMs = 0 // nothing to replay; treat as caught up
	}
	if time.Duration(lagMs)*time.Millisecond <= o.cfg.TailLagThreshold {
		plan.Tail.Status = types.TailCaughtUp
		plan.Phase = types.SplitCutoverPending
	}
	plan.UpdatedAt = time.Now()
	if err := o.store.put(plan); err != nil {
		return nil, err
	}
	o.setPhaseGauge(plan)
	return plan, nil
}

func (o *Orchestrator) failTail(plan *types.SplitPlan, message string) (*types.SplitPlan, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	plan.Tail.Status = types.TailFailed
	plan.ErrorMessage = message
	plan.UpdatedAt = time.Now()
	_ = o.store.put(plan)
	return nil, &types.Error{Kind: types.ErrSplitDataError, Message: message}
}
