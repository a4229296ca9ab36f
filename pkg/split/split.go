package split

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/healthfees-org/workersql-sub000/pkg/metrics"
	"github.com/healthfees-org/workersql-sub000/pkg/routing"
	"github.com/healthfees-org/workersql-sub000/pkg/shard"
	"github.com/healthfees-org/workersql-sub000/pkg/types"
)

// Config tunes the orchestrator's backfill/tail behavior. Both are left as
// explicit operator parameters rather than fixed constants.
type Config struct {
	// TailLagThreshold is how close replay must be to "now" before tail
	// replay is considered caught up.
	TailLagThreshold time.Duration
	// BackfillPageSize is the number of rows copied per backfill page.
	BackfillPageSize int
}

func (c Config) withDefaults() Config {
	if c.TailLagThreshold <= 0 {
		c.TailLagThreshold = 2 * time.Second
	}
	if c.BackfillPageSize <= 0 {
		c.BackfillPageSize = 500
	}
	return c
}

// Orchestrator implements the tenant-split state machine (component F):
// plan persistence plus the strict phase transitions, the resolver overlay
// the gateway must consult, and the backfill/tail workers.
type Orchestrator struct {
	store   *planStore
	routing routing.Store
	shards  map[string]*shard.Shard
	cfg     Config

	mu sync.Mutex // serializes phase transitions per orchestrator instance
}

// New creates an orchestrator rooted at dataDir, resolving tenants and
// publishing routing changes through routingStore and executing backfill/
// tail operations against the given shard set (keyed by shard_id).
func New(dataDir string, routingStore routing.Store, shards map[string]*shard.Shard, cfg Config) (*Orchestrator, error) {
	store, err := newPlanStore(filepath.Join(dataDir, "split.db"))
	if err != nil {
		return nil, err
	}
	return &Orchestrator{store: store, routing: routingStore, shards: shards, cfg: cfg.withDefaults()}, nil
}

// Close releases the orchestrator's resources.
func (o *Orchestrator) Close() error { return o.store.close() }

func preconditionErr(msg string) *types.Error {
	return &types.Error{Kind: types.ErrSplitPreconditionFailed, Message: msg}
}

// Plan verifies every listed tenant currently routes to source and persists
// a new plan in the planning phase.
func (o *Orchestrator) Plan(id, source, target string, tenants []string, description string) (*types.SplitPlan, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	version, err := o.routing.CurrentVersion()
	if err != nil {
		return nil, err
	}
	for _, tenant := range tenants {
		resolved, err := o.routing.Resolve(tenant, tenant, len(o.shards))
		if err != nil {
			return nil, err
		}
		if resolved != source {
			return nil, preconditionErr(fmt.Sprintf("tenant %q currently routes to %q, not source %q", tenant, resolved, source))
		}
	}

	now := time.Now()
	plan := &types.SplitPlan{
		ID:                    id,
		SourceShard:           source,
		TargetShard:           target,
		Tenants:               tenants,
		Phase:                 types.SplitPlanning,
		RoutingVersionAtStart: version,
		Backfill:              types.BackfillStatus{Status: types.BackfillPending},
		Tail:                  types.TailStatus{Status: types.TailPending},
		Description:           description,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := o.store.put(plan); err != nil {
		return nil, err
	}
	o.setPhaseGauge(plan)
	return plan, nil
}

// GetPlan returns a plan by id.
func (o *Orchestrator) GetPlan(id string) (*types.SplitPlan, error) { return o.store.get(id) }

// ListPlans returns every known plan.
func (o *Orchestrator) ListPlans() ([]*types.SplitPlan, error) { return o.store.list() }

// StartDualWrite transitions a planning plan into dual_write.
func (o *Orchestrator) StartDualWrite(id string) (*types.SplitPlan, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	plan, err := o.store.get(id)
	if err != nil {
		return nil, err
	}
	if plan.Phase != types.SplitPlanning {
		return nil, preconditionErr(fmt.Sprintf("start_dual_write requires phase=planning, got %s", plan.Phase))
	}
	plan.Phase = types.SplitDualWrite
	plan.DualWriteStartedAt = time.Now()
	plan.ErrorMessage = ""
	plan.UpdatedAt = time.Now()
	if err := o.store.put(plan); err != nil {
		return nil, err
	}
	o.setPhaseGauge(plan)
	return plan, nil
}

// Cutover publishes a routing version mapping every plan tenant to the
// target shard and marks the plan completed.
func (o *Orchestrator) Cutover(id string) (*types.SplitPlan, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	plan, err := o.store.get(id)
	if err != nil {
		return nil, err
	}
	if plan.Phase != types.SplitCutoverPending {
		return nil, preconditionErr(fmt.Sprintf("cutover requires phase=cutover_pending, got %s", plan.Phase))
	}
	if plan.Tail.Status != types.TailCaughtUp {
		return nil, preconditionErr("cutover requires tail.status=caught_up")
	}

	current, err := o.routing.CurrentVersion()
	if err != nil {
		return nil, err
	}
	base, err := o.routing.Get(current)
	if err != nil {
		return nil, err
	}

	next := cloneRoutingPolicy(base)
	for _, tenant := range plan.Tenants {
		next.Tenants[tenant] = plan.TargetShard
	}

	knownShards := make(map[string]bool, len(o.shards))
	for id := range o.shards {
		knownShards[id] = true
	}
	version, err := o.routing.Publish(next, fmt.Sprintf("cutover split %s", plan.ID), knownShards)
	if err != nil {
		return nil, err
	}

	plan.RoutingVersionCutover = version
	plan.Phase = types.SplitCompleted
	plan.UpdatedAt = time.Now()
	if err := o.store.put(plan); err != nil {
		return nil, err
	}
	metrics.SplitPlansTotal.WithLabelValues("completed").Inc()
	o.setPhaseGauge(plan)
	return plan, nil
}

// Rollback republishes the plan's starting routing version and marks the
// plan rolled_back. Valid from any non-terminal phase.
func (o *Orchestrator) Rollback(id string) (*types.SplitPlan, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	plan, err := o.store.get(id)
	if err != nil {
		return nil, err
	}
	if plan.Phase.IsTerminal() {
		return nil, preconditionErr(fmt.Sprintf("rollback not valid from terminal phase %s", plan.Phase))
	}

	if err := o.routing.Rollback(plan.RoutingVersionAtStart); err != nil {
		return nil, err
	}

	plan.Backfill = types.BackfillStatus{Status: types.BackfillPending}
	plan.Tail = types.TailStatus{Status: types.TailPending}
	plan.Phase = types.SplitRolledBack
	plan.UpdatedAt = time.Now()
	if err := o.store.put(plan); err != nil {
		return nil, err
	}
	metrics.SplitPlansTotal.WithLabelValues("rolled_back").Inc()
	o.setPhaseGauge(plan)
	return plan, nil
}

func (o *Orchestrator) setPhaseGauge(plan *types.SplitPlan) {
	metrics.SplitPhaseGauge.WithLabelValues(plan.ID, string(plan.Phase)).Set(1)
}

func cloneRoutingPolicy(p *types.RoutingPolicy) *types.RoutingPolicy {
	clone := &types.RoutingPolicy{
		Version:     p.Version,
		Description: p.Description,
		Tenants:     make(map[string]string, len(p.Tenants)),
		Ranges:      append([]types.RangeEntry(nil), p.Ranges...),
	}
	for k, v := range p.Tenants {
		clone.Tenants[k] = v
	}
	return clone
}

// --- Resolver overlay (pure functions, §9 "routing overlay composition") ---

// ResolveReadShard returns the shard a read for tenant should hit, given the
// base routing decision baseShard. During an active split's dual_write,
// backfill, or tailing phases, reads continue to hit the source shard.
func (o *Orchestrator) ResolveReadShard(tenant, baseShard string) (string, error) {
	plan, err := o.activePlanForTenant(tenant)
	if err != nil {
		return "", err
	}
	if plan == nil {
		return baseShard, nil
	}
	switch plan.Phase {
	case types.SplitDualWrite, types.SplitBackfill, types.SplitTailing, types.SplitCutoverPending:
		return plan.SourceShard, nil
	default:
		return baseShard, nil
	}
}

// ResolveWriteShards returns every shard a write for tenant must be fanned
// out to, given the base routing decision baseShard.
func (o *Orchestrator) ResolveWriteShards(tenant, baseShard string) ([]string, error) {
	plan, err := o.activePlanForTenant(tenant)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return []string{baseShard}, nil
	}
	switch plan.Phase {
	case types.SplitDualWrite, types.SplitBackfill, types.SplitTailing:
		return []string{plan.SourceShard, plan.TargetShard}, nil
	default:
		return []string{baseShard}, nil
	}
}

// TargetWriteFailureFatal reports whether a failed write to a split's
// target shard should be treated as fatal for tenant's active plan (§4.F
// start_dual_write: "non-fatal during backfill... once backfill is
// complete they become fatal"). Returns false when tenant has no active
// plan; the caller is then expected to not have fanned the write out at
// all.
func (o *Orchestrator) TargetWriteFailureFatal(tenant string) (bool, error) {
	plan, err := o.activePlanForTenant(tenant)
	if err != nil {
		return false, err
	}
	if plan == nil {
		return false, nil
	}
	return plan.Backfill.Status == types.BackfillCompleted, nil
}

// activePlanForTenant returns the plan actively migrating tenant, if any.
// At most one such plan should exist at a time; the first non-terminal
// match wins.
func (o *Orchestrator) activePlanForTenant(tenant string) (*types.SplitPlan, error) {
	plans, err := o.store.list()
	if err != nil {
		return nil, err
	}
	for _, plan := range plans {
		if plan.Phase.IsTerminal() {
			continue
		}
		for _, t := range plan.Tenants {
			if t == tenant {
				return plan, nil
			}
		}
	}
	return nil, nil
}
