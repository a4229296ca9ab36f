package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/healthfees-org/workersql-sub000/pkg/cache"
	"github.com/healthfees-org/workersql-sub000/pkg/log"
	"github.com/healthfees-org/workersql-sub000/pkg/metrics"
	"github.com/healthfees-org/workersql-sub000/pkg/queue"
	"github.com/healthfees-org/workersql-sub000/pkg/routing"
	"github.com/healthfees-org/workersql-sub000/pkg/shard"
	"github.com/healthfees-org/workersql-sub000/pkg/split"
	"github.com/healthfees-org/workersql-sub000/pkg/types"
)

// Config tunes a Gateway instance.
type Config struct {
	// DefaultConsistency is the server-level fallback when neither an
	// explicit hint nor a table policy names one.
	DefaultConsistency types.CacheMode
	// MaxSessions bounds the session table.
	MaxSessions int
	// SessionTTL is how long an idle, transaction-free session is kept.
	SessionTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultConsistency == "" {
		c.DefaultConsistency = types.CacheModeBounded
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 10000
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 5 * time.Minute
	}
	return c
}

// Gateway is the stateless request-pipeline core of component E: consistency
// resolution, shard routing (with the split overlay), cache-aside
// orchestration, and transaction pinning. Transport, auth, and SQL dialect
// transpilation are external collaborators (§1); Execute accepts requests
// already authenticated and already transpiled to the shard's dialect
// modulo the hints-comment grammar, which this package strips itself.
type Gateway struct {
	cfg Config

	routing  routing.Store
	cache    *cache.Cache
	queue    *queue.Queue
	split    *split.Orchestrator
	shards   map[string]*shard.Shard
	policies *PolicyRegistry
	sessions *SessionManager
}

// New wires a Gateway over an already-constructed shard set and supporting
// components. splitOrchestrator may be nil if resharding is not enabled.
func New(cfg Config, routingStore routing.Store, c *cache.Cache, q *queue.Queue, shards map[string]*shard.Shard, splitOrchestrator *split.Orchestrator, policies *PolicyRegistry) *Gateway {
	cfg = cfg.withDefaults()
	g := &Gateway{
		cfg:      cfg,
		routing:  routingStore,
		cache:    c,
		queue:    q,
		split:    splitOrchestrator,
		shards:   shards,
		policies: policies,
		sessions: NewSessionManager(cfg.MaxSessions, cfg.SessionTTL),
	}
	g.sessions.Start(cfg.SessionTTL)
	return g
}

// Close stops the gateway's background work.
func (g *Gateway) Close() {
	g.sessions.Stop()
}

// QueueDepth exposes the event pipeline's backlog for health aggregation.
func (g *Gateway) QueueDepth() (pending, dlq int, err error) {
	return g.queue.Depth()
}

// SessionCount exposes the current session table size for health
// aggregation.
func (g *Gateway) SessionCount() int {
	return g.sessions.Count()
}

// Execute runs the full per-request pipeline described in §4.E.
func (g *Gateway) Execute(ctx context.Context, req *types.QueryRequest) (*types.QueryResponse, error) {
	start := time.Now()
	tenant := req.AuthContext.TenantID
	if tenant == "" {
		return nil, types.NewError(types.ErrUnauthorized, req.AuthContext.RequestID, "request carries no tenant identity")
	}

	sqlText, inlineHint := stripHints(req.SQL)

	if op := transactionOp(sqlText); op != "" {
		resp, err := g.executeTransactionControl(op, tenant, req.TransactionID)
		g.observe(tenant, resp, start, err)
		return resp, err
	}

	baseShard, err := g.resolveBaseShard(tenant, req.TransactionID, req.Hints.ShardKey)
	if err != nil {
		g.observe(tenant, nil, start, err)
		return nil, err
	}

	table := tableNameFromSQL(sqlText)
	policy := g.policies.Get(table)
	consistency := resolveConsistency(req.Hints, inlineHint, policy.Cache.Mode, g.cfg.DefaultConsistency)
	if cache.ForcesStrong(sqlText, policy.Cache.AlwaysStrongColumns) {
		consistency = types.CacheModeStrong
	}
	boundedMs := req.Hints.BoundedMs
	if boundedMs == 0 {
		boundedMs = inlineHint.BoundedMs
	}

	var resp *types.QueryResponse
	if isWriteStatement(sqlText) || isDDLStatement(sqlText) {
		resp, err = g.dispatchWrite(tenant, baseShard, sqlText, req.Params, req.TransactionID)
	} else {
		resp, err = g.dispatchRead(ctx, tenant, baseShard, table, sqlText, req.Params, req.Hints, boundedMs, policy, consistency)
	}
	g.observe(tenant, resp, start, err)
	return resp, err
}

func resolveConsistency(explicit types.ConsistencyHint, inline types.ConsistencyHint, tablePolicy types.CacheMode, serverDefault types.CacheMode) types.CacheMode {
	if explicit.Consistency != "" {
		return explicit.Consistency
	}
	if inline.Consistency != "" {
		return inline.Consistency
	}
	if tablePolicy != "" {
		return tablePolicy
	}
	return serverDefault
}

// resolveBaseShard returns the shard a request's (tenant, transaction)
// resolves to: the pinned shard for an open transaction, else a fresh
// routing resolution. When the caller supplies hints.shard_key, that key is
// resolved through the range scan and hash fallback only, so it overrides
// the tenant's own tenant-map entry; an absent shardKey resolves the tenant
// ID with routing.Store.Resolve's tenant-map-then-range-scan-then-hash
// precedence.
func (g *Gateway) resolveBaseShard(tenant, transactionID, shardKey string) (string, error) {
	if sess, ok := g.sessions.Lookup(transactionID); ok {
		return sess.ShardID, nil
	}
	if shardKey != "" {
		return g.routing.Resolve("", shardKey, len(g.shards))
	}
	return g.routing.Resolve(tenant, tenant, len(g.shards))
}

func (g *Gateway) resolveReadShard(tenant, base string) (string, error) {
	if g.split == nil {
		return base, nil
	}
	return g.split.ResolveReadShard(tenant, base)
}

func (g *Gateway) resolveWriteShards(tenant, base string) ([]string, error) {
	if g.split == nil {
		return []string{base}, nil
	}
	return g.split.ResolveWriteShards(tenant, base)
}

func (g *Gateway) executeTransactionControl(op, tenant, transactionID string) (*types.QueryResponse, error) {
	switch op {
	case "BEGIN":
		if transactionID == "" {
			transactionID = uuid.NewString()
		}
		base, err := g.resolveBaseShard(tenant, "", "")
		if err != nil {
			return nil, err
		}
		shardID, err := g.resolveReadShard(tenant, base)
		if err != nil {
			return nil, err
		}
		sh, ok := g.shards[shardID]
		if !ok {
			return nil, unknownShardErr(shardID)
		}
		if _, err := sh.Transaction("BEGIN", tenant, transactionID); err != nil {
			return nil, err
		}
		if err := g.sessions.Begin(transactionID, tenant, shardID); err != nil {
			return nil, err
		}
		return &types.QueryResponse{TransactionID: transactionID, Meta: types.QueryMeta{ShardID: shardID}}, nil

	case "COMMIT", "ROLLBACK":
		sess, ok := g.sessions.Lookup(transactionID)
		if !ok {
			return nil, &types.Error{Kind: types.ErrInvalidSQL, Message: "unknown transaction_id"}
		}
		sh, ok := g.shards[sess.ShardID]
		if !ok {
			return nil, unknownShardErr(sess.ShardID)
		}
		if _, err := sh.Transaction(op, tenant, transactionID); err != nil {
			return nil, err
		}
		g.sessions.Release(transactionID)
		return &types.QueryResponse{Meta: types.QueryMeta{ShardID: sess.ShardID}}, nil

	default:
		return nil, &types.Error{Kind: types.ErrInvalidSQL, Message: "unknown transaction operation: " + op}
	}
}

// dispatchWrite fans a write out to every shard the split overlay names,
// per §4.F's resolver overlay contract. The first shard in the list is
// always the tenant's shard of record; its response is what the caller
// sees, and its failure always aborts the request. A failure on any
// additional (dual-write target) shard is swallowed while its split's
// backfill is still running, and fatal once backfill has completed.
func (g *Gateway) dispatchWrite(tenant, baseShard, sqlText string, params []interface{}, transactionID string) (*types.QueryResponse, error) {
	writeShards, err := g.resolveWriteShards(tenant, baseShard)
	if err != nil {
		return nil, err
	}

	var primary *types.QueryResponse
	for i, shardID := range writeShards {
		sh, ok := g.shards[shardID]
		if !ok {
			return nil, unknownShardErr(shardID)
		}

		var resp *types.QueryResponse
		var execErr error
		if isDDLStatement(sqlText) {
			resp, execErr = sh.DDL(sqlText, tenant)
		} else {
			resp, execErr = sh.Mutation(sqlText, params, tenant, transactionID)
		}

		if i == 0 {
			if execErr != nil {
				return nil, execErr
			}
			primary = resp
			continue
		}

		if execErr != nil {
			fatal, ferr := g.split.TargetWriteFailureFatal(tenant)
			if ferr != nil {
				return nil, ferr
			}
			if fatal {
				return nil, execErr
			}
			log.WithComponent("gateway").Warn().Str("tenant", tenant).Str("shard", shardID).
				Err(execErr).Msg("dual-write to split target failed during backfill; will be overwritten")
		}
	}

	return primary, nil
}

// dispatchRead resolves the read shard, then branches on consistency mode
// per §4.B: strong always consults the shard directly; bounded/cached
// consult the cache, filling from the shard on miss/expiry. boundedMs, when
// nonzero, is the caller's per-query staleness bound (hints.bounded_ms or
// the inline "/*+ bounded=NNN */" grammar) and tightens the freshness check
// GetOrFill applies beyond the table policy's own TTL.
func (g *Gateway) dispatchRead(ctx context.Context, tenant, baseShard, table, sqlText string, params []interface{}, hints types.ConsistencyHint, boundedMs int64, policy types.TablePolicy, consistency types.CacheMode) (*types.QueryResponse, error) {
	readShard, err := g.resolveReadShard(tenant, baseShard)
	if err != nil {
		return nil, err
	}
	sh, ok := g.shards[readShard]
	if !ok {
		return nil, unknownShardErr(readShard)
	}

	fill := func() (*types.CacheEntry, error) {
		resp, err := sh.Query(ctx, sqlText, params, tenant, "")
		if err != nil {
			return nil, err
		}
		data, err := encodeRows(resp)
		if err != nil {
			return nil, err
		}
		now := time.Now().UnixMilli()
		ttl := policy.Cache.TTLMs
		swr := policy.Cache.SWRMs
		if hints.CacheTTLMs > 0 {
			ttl = hints.CacheTTLMs
			if swr < ttl {
				swr = ttl
			}
		}
		return &types.CacheEntry{
			Data:         data,
			Version:      resp.Meta.Version,
			WrittenAtMs:  now,
			FreshUntilMs: now + ttl,
			SWRUntilMs:   now + swr,
			ShardID:      readShard,
		}, nil
	}

	if consistency == types.CacheModeStrong {
		resp, err := sh.Query(ctx, sqlText, params, tenant, "")
		if err != nil {
			return nil, err
		}
		return resp, nil
	}

	key := cache.QueryKey(table, sqlText, params)
	entry, hit, err := g.cache.GetOrFill(tenant, key, consistency, time.Now().UnixMilli(), boundedMs, fill)
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows(entry.Data)
	if err != nil {
		return nil, &types.Error{Kind: types.ErrCacheDecodeError, Message: err.Error()}
	}
	return &types.QueryResponse{
		Rows: rows,
		Meta: types.QueryMeta{
			FromCache: hit,
			ShardID:   entry.ShardID,
			Version:   entry.Version,
		},
	}, nil
}

func unknownShardErr(shardID string) error {
	return &types.Error{Kind: types.ErrConfigInvalid, Message: fmt.Sprintf("unknown shard %q", shardID)}
}

func (g *Gateway) observe(tenant string, resp *types.QueryResponse, start time.Time, err error) {
	shardID := ""
	outcome := "ok"
	if resp != nil {
		shardID = resp.Meta.ShardID
	}
	if err != nil {
		outcome = "error"
	}
	metrics.GatewayRequestsTotal.WithLabelValues(tenant, shardID, outcome).Inc()
	metrics.GatewayRequestDuration.WithLabelValues(tenant, shardID).Observe(time.Since(start).Seconds())
}
