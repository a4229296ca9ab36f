package split

import (
	"fmt"
	"time"

	"github.com/healthfees-org/workersql-sub000/pkg/metrics"
	"github.com/healthfees-org/workersql-sub000/pkg/types"
)

// TablePage names one (table, shard_by column) pair the backfill pager
// copies for every tenant in the plan. The orchestrator has no schema
// catalog of its own; callers (the operator CLI, ultimately driven by
// table policy configuration) supply the table list to copy.
type TablePage struct {
	Table         string
	ShardByColumn string
}

// RunBackfill copies every listed table's rows for the plan's tenants from
// source to target, one page at a time. Each (tenant, table) pair resumes
// from its own persisted cursor in plan.Backfill.Cursors rather than
// restarting at the beginning, so a retry after a mid-backfill failure
// only recopies the page that was in flight when the failure occurred.
// Must be called while the plan is in dual_write.
func (o *Orchestrator) RunBackfill(id string, tables []TablePage) (*types.SplitPlan, error) {
	o.mu.Lock()
	plan, err := o.store.get(id)
	if err != nil {
		o.mu.Unlock()
		return nil, err
	}
	if plan.Phase != types.SplitDualWrite {
		o.mu.Unlock()
		return nil, preconditionErr(fmt.Sprintf("run_backfill requires phase=dual_write, got %s", plan.Phase))
	}
	plan.Backfill.Status = types.BackfillRunning
	plan.UpdatedAt = time.Now()
	if err := o.store.put(plan); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	o.mu.Unlock()

	source, ok := o.shards[plan.SourceShard]
	if !ok {
		return o.failBackfill(plan, fmt.Sprintf("unknown source shard %q", plan.SourceShard))
	}
	target, ok := o.shards[plan.TargetShard]
	if !ok {
		return o.failBackfill(plan, fmt.Sprintf("unknown target shard %q", plan.TargetShard))
	}

	if plan.Backfill.Cursors == nil {
		plan.Backfill.Cursors = map[string]string{}
	}

	for _, tenant := range plan.Tenants {
		for _, table := range tables {
			pairKey := tenant + ":" + table.Table
			cursor := plan.Backfill.Cursors[pairKey]
			for {
				rows, next, err := source.ExportRows(tenant, table.Table, table.ShardByColumn, cursor, o.cfg.BackfillPageSize)
				if err != nil {
					return o.failBackfill(plan, err.Error())
				}
				if len(rows) == 0 {
					break
				}
				if err := target.ImportRows(table.Table, rows); err != nil {
					return o.failBackfill(plan, err.Error())
				}

				o.mu.Lock()
				plan.Backfill.TotalRowsCopied += int64(len(rows))
				plan.Backfill.Cursors[pairKey] = next
				plan.UpdatedAt = time.Now()
				_ = o.store.put(plan)
				o.mu.Unlock()
				metrics.SplitBackfillRowsCopied.WithLabelValues(plan.ID).Set(float64(plan.Backfill.TotalRowsCopied))

				if len(rows) < o.cfg.BackfillPageSize {
					break // last page
				}
				cursor = next
			}
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	plan.Backfill.Status = types.BackfillCompleted
	plan.Phase = types.SplitTailing
	plan.UpdatedAt = time.Now()
	if err := o.store.put(plan); err != nil {
		return nil, err
	}
	o.setPhaseGauge(plan)
	return plan, nil
}

func (o *Orchestrator) failBackfill(plan *types.SplitPlan, message string) (*types.SplitPlan, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	plan.Backfill.Status = types.BackfillFailed
	plan.ErrorMessage = message
	plan.UpdatedAt = time.Now()
	_ = o.store.put(plan)
	return nil, &types.Error{Kind: types.ErrSplitDataError, Message: message}
}
