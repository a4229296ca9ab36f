package main

import (
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/healthfees-org/workersql-sub000/pkg/cache"
	"github.com/healthfees-org/workersql-sub000/pkg/events"
	"github.com/healthfees-org/workersql-sub000/pkg/gateway"
	"github.com/healthfees-org/workersql-sub000/pkg/health"
	"github.com/healthfees-org/workersql-sub000/pkg/log"
	"github.com/healthfees-org/workersql-sub000/pkg/metrics"
	"github.com/healthfees-org/workersql-sub000/pkg/queue"
	"github.com/healthfees-org/workersql-sub000/pkg/replica"
	"github.com/healthfees-org/workersql-sub000/pkg/routing"
	"github.com/healthfees-org/workersql-sub000/pkg/scheduler"
	"github.com/healthfees-org/workersql-sub000/pkg/shard"
	"github.com/healthfees-org/workersql-sub000/pkg/split"
	"github.com/healthfees-org/workersql-sub000/pkg/types"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Boot the full core in one process",
	Long: `serve wires up the routing policy store, cache layer, durable event
queue, one Raft-backed shard runtime per --shards entry, the gateway, and
(unless --disable-split) the tenant-split orchestrator, then exposes
Prometheus metrics and health/readiness/liveness endpoints until
interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringSlice("shards", []string{"shard-0"}, "Shard IDs to run in this process")
	serveCmd.Flags().Int("bind-port-start", 17000, "First Raft bind port; each shard after the first increments by one")
	serveCmd.Flags().Int64("max-shard-bytes", 2<<30, "Capacity ceiling per shard before writes are rejected")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the metrics/health HTTP server")
	serveCmd.Flags().Duration("cache-cleanup-interval", time.Minute, "Cache layer's expired-entry sweep interval")
	serveCmd.Flags().Int("queue-max-retries", 5, "Event queue attempts before dead-lettering")
	serveCmd.Flags().Duration("queue-base-delay", time.Second, "Event queue's exponential retry base delay")
	serveCmd.Flags().String("dlq-sweep-cron", "*/5 * * * *", "Cron spec for the queue's retry_failed_events sweep")
	serveCmd.Flags().String("default-consistency", string(types.CacheModeBounded), "Gateway's fallback consistency mode: strong, bounded, or cached")
	serveCmd.Flags().Int("gateway-max-sessions", 10000, "Gateway's pinned-session table capacity")
	serveCmd.Flags().Duration("gateway-session-ttl", 5*time.Minute, "Idle, transaction-free session eviction age")
	serveCmd.Flags().Duration("shard-poll-interval", 30*time.Second, "How often pkg/metrics.Collector and pkg/scheduler.Advisor probe shard health")
	serveCmd.Flags().Bool("disable-split", false, "Do not start the tenant-split orchestrator")
	serveCmd.Flags().Bool("enable-pprof", false, "Enable net/http/pprof endpoints on the metrics server")
	serveCmd.Flags().String("d1-sync-endpoint", "", "Analytical replica sync endpoint; d1_sync events are dropped if unset")
}

func runServe(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	shardIDs, _ := cmd.Flags().GetStringSlice("shards")
	bindPortStart, _ := cmd.Flags().GetInt("bind-port-start")
	maxShardBytes, _ := cmd.Flags().GetInt64("max-shard-bytes")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	cacheCleanup, _ := cmd.Flags().GetDuration("cache-cleanup-interval")
	queueMaxRetries, _ := cmd.Flags().GetInt("queue-max-retries")
	queueBaseDelay, _ := cmd.Flags().GetDuration("queue-base-delay")
	dlqSweepCron, _ := cmd.Flags().GetString("dlq-sweep-cron")
	defaultConsistency, _ := cmd.Flags().GetString("default-consistency")
	gatewayMaxSessions, _ := cmd.Flags().GetInt("gateway-max-sessions")
	gatewaySessionTTL, _ := cmd.Flags().GetDuration("gateway-session-ttl")
	shardPollInterval, _ := cmd.Flags().GetDuration("shard-poll-interval")
	disableSplit, _ := cmd.Flags().GetBool("disable-split")
	d1SyncEndpoint, _ := cmd.Flags().GetString("d1-sync-endpoint")

	clog := log.WithComponent("serve")

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	idemp := cache.New(cacheCleanup)
	appCache := cache.New(cacheCleanup)

	if err := os.MkdirAll(filepath.Join(dataDir, "queue"), 0755); err != nil {
		return fmt.Errorf("creating queue data dir: %w", err)
	}
	eventQueue, err := queue.New(filepath.Join(dataDir, "queue"), idemp, queue.Config{
		MaxRetries: queueMaxRetries,
		BaseDelay:  queueBaseDelay,
	})
	if err != nil {
		return fmt.Errorf("opening event queue: %w", err)
	}
	defer eventQueue.Close()

	eventQueue.RegisterHandler(types.EventInvalidate, queue.NewInvalidateHandler(appCache))
	eventQueue.RegisterHandler(types.EventPrewarm, queue.NewPrewarmHandler(appCache))
	if d1SyncEndpoint != "" {
		eventQueue.RegisterHandler(types.EventD1Sync, queue.NewD1SyncHandler(replica.New(d1SyncEndpoint)))
	}

	sweeper, err := queue.NewSweeper(eventQueue, dlqSweepCron)
	if err != nil {
		return fmt.Errorf("scheduling DLQ sweep: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()
	metrics.RegisterComponent("queue", true, "ready")

	if err := os.MkdirAll(filepath.Join(dataDir, "routing"), 0755); err != nil {
		return fmt.Errorf("creating routing data dir: %w", err)
	}
	routingStore, err := routing.NewBoltStore(filepath.Join(dataDir, "routing"))
	if err != nil {
		return fmt.Errorf("opening routing store: %w", err)
	}
	defer routingStore.Close()
	metrics.RegisterComponent("routing", true, "ready")

	shards := make(map[string]*shard.Shard, len(shardIDs))
	metricsShards := make(map[string]metrics.ShardMetricsSource, len(shardIDs))
	healthCheckers := map[string]health.Checker{
		"routing": &health.RoutingChecker{Store: routingStore},
		"queue":   &health.QueueChecker{Queue: eventQueue, MaxDLQ: 100},
	}
	for i, id := range shardIDs {
		port := bindPortStart + i
		cfg := shard.Config{
			ShardID:  id,
			DataDir:  filepath.Join(dataDir, "shards", id),
			BindAddr: "127.0.0.1:" + strconv.Itoa(port),
			MaxBytes: maxShardBytes,
		}
		sh, err := shard.New(cfg, eventQueue)
		if err != nil {
			return fmt.Errorf("starting shard %s: %w", id, err)
		}
		defer sh.Close()
		shards[id] = sh
		metricsShards[id] = sh
		healthCheckers["shard-"+id] = &health.ShardChecker{Shard: sh}
	}
	metrics.RegisterComponent("shard", true, fmt.Sprintf("%d shard(s) online", len(shards)))

	var splitOrchestrator *split.Orchestrator
	if !disableSplit {
		splitOrchestrator, err = split.New(dataDir, routingStore, shards, split.Config{})
		if err != nil {
			return fmt.Errorf("starting split orchestrator: %w", err)
		}
		defer splitOrchestrator.Close()
	}

	policies := gateway.NewPolicyRegistry(types.CacheConfig{
		Mode:  types.CacheMode(defaultConsistency),
		TTLMs: 1000,
		SWRMs: 2000,
	})
	gw := gateway.New(gateway.Config{
		DefaultConsistency: types.CacheMode(defaultConsistency),
		MaxSessions:        gatewayMaxSessions,
		SessionTTL:         gatewaySessionTTL,
	}, routingStore, appCache, eventQueue, shards, splitOrchestrator, policies)
	defer gw.Close()
	metrics.RegisterComponent("gateway", true, "ready")

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	watchSub := broker.Subscribe()
	go func() {
		elog := log.WithComponent("events")
		for ev := range watchSub {
			elog.Info().Str("type", string(ev.Type)).Str("message", ev.Message).Msg("operational event")
		}
	}()
	defer broker.Unsubscribe(watchSub)

	advisor := scheduler.NewAdvisor(shards, broker)
	advisor.Start(shardPollInterval)
	defer advisor.Stop()

	collector := metrics.NewCollector(metricsShards)
	collector.Start(shardPollInterval)
	defer collector.Stop()

	aggregator := health.NewAggregator(health.DefaultConfig(), healthCheckers)
	aggregator.RunOnce(cmd.Context())

	metrics.SetVersion(Version)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	mux.Handle("/health/components", aggregator.Handler())
	if pprofEnabled, _ := cmd.Flags().GetBool("enable-pprof"); pprofEnabled {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/heap", pprof.Index)
		mux.HandleFunc("/debug/pprof/goroutine", pprof.Index)
	}

	server := &http.Server{Addr: metricsAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	clog.Info().
		Str("data_dir", dataDir).
		Str("shards", strings.Join(shardIDs, ",")).
		Str("metrics_addr", metricsAddr).
		Bool("split_enabled", !disableSplit).
		Msg("edgedb core started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		clog.Info().Msg("shutdown signal received")
	case err := <-errCh:
		clog.Error().Err(err).Msg("serve terminated")
	}

	_ = server.Close()
	return nil
}
