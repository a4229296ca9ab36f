package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/healthfees-org/workersql-sub000/pkg/cache"
	"github.com/healthfees-org/workersql-sub000/pkg/queue"
	"github.com/healthfees-org/workersql-sub000/pkg/routing"
	"github.com/healthfees-org/workersql-sub000/pkg/shard"
	"github.com/healthfees-org/workersql-sub000/pkg/split"
	"github.com/spf13/cobra"
)

// operatorCmd groups the split-orchestrator control surface. Each
// invocation opens the same on-disk stores serve does and drives
// split.Orchestrator's Go API directly -- there is no wire protocol between
// this CLI and a running serve process, it operates directly against the
// data directory the same way a standalone migration tool would. Operator
// commands and `serve` must not run concurrently against the same
// --data-dir: bbolt takes an exclusive file lock per store.
var operatorCmd = &cobra.Command{
	Use:   "operator",
	Short: "Drive the tenant-split orchestrator directly against a data directory",
}

func init() {
	operatorCmd.PersistentFlags().StringSlice("shards", []string{"shard-0"}, "Every shard ID known to this data directory (must match what serve was started with)")
	operatorCmd.PersistentFlags().Int("bind-port-start", 17000, "First Raft bind port; must match serve's")
	operatorCmd.PersistentFlags().Int64("max-shard-bytes", 2<<30, "Capacity ceiling per shard")

	operatorCmd.AddCommand(planSplitCmd)
	operatorCmd.AddCommand(startDualWriteCmd)
	operatorCmd.AddCommand(runBackfillCmd)
	operatorCmd.AddCommand(replayTailCmd)
	operatorCmd.AddCommand(cutoverCmd)
	operatorCmd.AddCommand(rollbackCmd)
	operatorCmd.AddCommand(getPlanCmd)
	operatorCmd.AddCommand(listPlansCmd)

	planSplitCmd.Flags().String("id", "", "Plan ID (required)")
	planSplitCmd.Flags().String("source", "", "Source shard ID (required)")
	planSplitCmd.Flags().String("target", "", "Target shard ID (required)")
	planSplitCmd.Flags().StringSlice("tenants", nil, "Tenant IDs to move (required)")
	planSplitCmd.Flags().String("description", "", "Human-readable description")
	_ = planSplitCmd.MarkFlagRequired("id")
	_ = planSplitCmd.MarkFlagRequired("source")
	_ = planSplitCmd.MarkFlagRequired("target")
	_ = planSplitCmd.MarkFlagRequired("tenants")

	for _, c := range []*cobra.Command{startDualWriteCmd, runBackfillCmd, replayTailCmd, cutoverCmd, rollbackCmd, getPlanCmd} {
		c.Flags().String("id", "", "Plan ID (required)")
		_ = c.MarkFlagRequired("id")
	}

	runBackfillCmd.Flags().StringSlice("tables", nil, "table:shard_by_column pairs to copy (required)")
	_ = runBackfillCmd.MarkFlagRequired("tables")
}

// openCore opens the routing store and the full shard set for a data
// directory, mirroring the subset of serve's bootstrap the split
// orchestrator needs. Returns a cleanup func that closes everything in
// reverse order.
func openCore(cmd *cobra.Command) (*routing.BoltStore, map[string]*shard.Shard, func(), error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	shardIDs, _ := cmd.Flags().GetStringSlice("shards")
	bindPortStart, _ := cmd.Flags().GetInt("bind-port-start")
	maxShardBytes, _ := cmd.Flags().GetInt64("max-shard-bytes")

	if err := os.MkdirAll(filepath.Join(dataDir, "routing"), 0755); err != nil {
		return nil, nil, nil, fmt.Errorf("creating routing data dir: %w", err)
	}
	routingStore, err := routing.NewBoltStore(filepath.Join(dataDir, "routing"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening routing store: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(dataDir, "queue"), 0755); err != nil {
		routingStore.Close()
		return nil, nil, nil, fmt.Errorf("creating queue data dir: %w", err)
	}
	idemp := cache.New(time.Minute)
	eventQueue, err := queue.New(filepath.Join(dataDir, "queue"), idemp, queue.Config{})
	if err != nil {
		routingStore.Close()
		return nil, nil, nil, fmt.Errorf("opening event queue: %w", err)
	}

	shards := make(map[string]*shard.Shard, len(shardIDs))
	for i, id := range shardIDs {
		port := bindPortStart + i
		sh, err := shard.New(shard.Config{
			ShardID:  id,
			DataDir:  filepath.Join(dataDir, "shards", id),
			BindAddr: "127.0.0.1:" + strconv.Itoa(port),
			MaxBytes: maxShardBytes,
		}, eventQueue)
		if err != nil {
			for _, open := range shards {
				open.Close()
			}
			eventQueue.Close()
			routingStore.Close()
			return nil, nil, nil, fmt.Errorf("opening shard %s: %w", id, err)
		}
		shards[id] = sh
	}

	cleanup := func() {
		for _, sh := range shards {
			sh.Close()
		}
		eventQueue.Close()
		routingStore.Close()
	}
	return routingStore, shards, cleanup, nil
}

func openOrchestrator(cmd *cobra.Command) (*split.Orchestrator, func(), error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	routingStore, shards, cleanupCore, err := openCore(cmd)
	if err != nil {
		return nil, nil, err
	}
	orch, err := split.New(dataDir, routingStore, shards, split.Config{})
	if err != nil {
		cleanupCore()
		return nil, nil, err
	}
	cleanup := func() {
		orch.Close()
		cleanupCore()
	}
	return orch, cleanup, nil
}

func printPlan(plan interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(plan)
}

var planSplitCmd = &cobra.Command{
	Use:   "plan-split",
	Short: "Create a new tenant-split plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		source, _ := cmd.Flags().GetString("source")
		target, _ := cmd.Flags().GetString("target")
		tenants, _ := cmd.Flags().GetStringSlice("tenants")
		description, _ := cmd.Flags().GetString("description")

		orch, cleanup, err := openOrchestrator(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		plan, err := orch.Plan(id, source, target, tenants, description)
		if err != nil {
			return fmt.Errorf("plan-split: %w", err)
		}
		return printPlan(plan)
	},
}

var startDualWriteCmd = &cobra.Command{
	Use:   "start-dual-write",
	Short: "Transition a plan from planning to dual_write",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		orch, cleanup, err := openOrchestrator(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		plan, err := orch.StartDualWrite(id)
		if err != nil {
			return fmt.Errorf("start-dual-write: %w", err)
		}
		return printPlan(plan)
	},
}

var runBackfillCmd = &cobra.Command{
	Use:   "run-backfill",
	Short: "Copy every listed table's rows for the plan's tenants from source to target",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		tableSpecs, _ := cmd.Flags().GetStringSlice("tables")

		tables := make([]split.TablePage, 0, len(tableSpecs))
		for _, spec := range tableSpecs {
			table, column, ok := splitTableSpec(spec)
			if !ok {
				return fmt.Errorf("invalid --tables entry %q, want table:shard_by_column", spec)
			}
			tables = append(tables, split.TablePage{Table: table, ShardByColumn: column})
		}

		orch, cleanup, err := openOrchestrator(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		plan, err := orch.RunBackfill(id, tables)
		if err != nil {
			return fmt.Errorf("run-backfill: %w", err)
		}
		return printPlan(plan)
	},
}

func splitTableSpec(spec string) (table, column string, ok bool) {
	for i := 0; i < len(spec); i++ {
		if spec[i] == ':' {
			return spec[:i], spec[i+1:], true
		}
	}
	return "", "", false
}

var replayTailCmd = &cobra.Command{
	Use:   "replay-tail",
	Short: "Apply one batch of post-dual-write mutations onto the target shard",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		orch, cleanup, err := openOrchestrator(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		plan, err := orch.ReplayTail(id)
		if err != nil {
			return fmt.Errorf("replay-tail: %w", err)
		}
		return printPlan(plan)
	},
}

var cutoverCmd = &cobra.Command{
	Use:   "cutover",
	Short: "Publish the routing change that moves the plan's tenants to the target shard",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		orch, cleanup, err := openOrchestrator(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		plan, err := orch.Cutover(id)
		if err != nil {
			return fmt.Errorf("cutover: %w", err)
		}
		return printPlan(plan)
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Abort a plan and roll the routing policy back to its pre-split version",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		orch, cleanup, err := openOrchestrator(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		plan, err := orch.Rollback(id)
		if err != nil {
			return fmt.Errorf("rollback: %w", err)
		}
		return printPlan(plan)
	},
}

var getPlanCmd = &cobra.Command{
	Use:   "get-plan",
	Short: "Show a single plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		orch, cleanup, err := openOrchestrator(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		plan, err := orch.GetPlan(id)
		if err != nil {
			return fmt.Errorf("get-plan: %w", err)
		}
		return printPlan(plan)
	},
}

var listPlansCmd = &cobra.Command{
	Use:   "list-plans",
	Short: "List every known plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, cleanup, err := openOrchestrator(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		plans, err := orch.ListPlans()
		if err != nil {
			return fmt.Errorf("list-plans: %w", err)
		}
		return printPlan(plans)
	},
}
