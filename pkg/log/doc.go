/*
Package log provides structured logging for the edge database core using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific child loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity level for production debugging.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("gateway")                 │          │
	│  │  - WithShardID("shard-3")                   │          │
	│  │  - WithTenantID("tenant-abc")                │          │
	│  │  - WithRequestID("req-xyz")                 │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	shardLog := log.WithShardID("shard-3")
	shardLog.Info().Str("tenant_id", "t1").Msg("mutation committed")

	tenantLog := log.WithTenantID("t1").With().Str("request_id", "req-1").Logger()
	tenantLog.Error().Err(err).Msg("query rejected")

# Integration Points

This package is used by:

  - pkg/shard: logs failures to publish write/DDL events to the queue
  - pkg/gateway: logs non-fatal dual-write failures on a split target
  - pkg/queue: logs processed events, failed re-enqueues, and DLQ moves
  - pkg/cache: logs corrupt-entry evictions and failed async refreshes
  - pkg/scheduler: logs near-capacity shard warnings
  - cmd/edgedb: logs serve lifecycle and operational events

pkg/split and pkg/routing do not log.

# Best Practices

Do:
  - Use Info level for production
  - Create request/shard/tenant scoped child loggers at component boundaries
  - Log errors with .Err() rather than string interpolation

Don't:
  - Log SQL parameter values that may contain tenant data
  - Use Debug level in production
*/
package log
