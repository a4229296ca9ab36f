package types

import "time"

// Shard identifies a single-writer storage unit owning a disjoint tenant set.
type Shard struct {
	ID        string
	MaxBytes  int64
	CreatedAt time.Time
}

// TablePolicy configures caching and co-location behavior for a logical
// table name.
type TablePolicy struct {
	Table      string
	PrimaryKey string
	ShardBy    string // optional column driving co-location, typically tenant_id
	Cache      CacheConfig
}

// CacheMode selects how strongly a read must agree with the shard of record.
type CacheMode string

const (
	CacheModeStrong  CacheMode = "strong"
	CacheModeBounded CacheMode = "bounded"
	CacheModeCached  CacheMode = "cached"
)

// CacheConfig is the cache.* block of a TablePolicy.
type CacheConfig struct {
	Mode                CacheMode
	TTLMs               int64
	SWRMs               int64 // must be >= TTLMs
	AlwaysStrongColumns []string
}

// RangeEntry is one (prefix, shard) pair in a RoutingPolicy's ordered range
// table. Order is significant: first prefix match wins.
type RangeEntry struct {
	Prefix  string
	ShardID string
}

// RoutingPolicy is an immutable, versioned tenant/range to shard map.
// Exactly one version is "current"; all versions are retained for rollback
// and diff.
type RoutingPolicy struct {
	Version     int
	Description string
	Tenants     map[string]string // tenant_id -> shard_id
	Ranges      []RangeEntry      // order preserved exactly as supplied
	PublishedAt time.Time
}

// RoutingDiff is the result of comparing two routing policy versions.
type RoutingDiff struct {
	AddedTenants   map[string]string
	RemovedTenants map[string]string
	ChangedTenants map[string]string // tenant_id -> new shard_id
	AddedRanges    []RangeEntry
	RemovedRanges  []RangeEntry
}

// CacheEntry is the logical value stored in the cache layer for one key.
type CacheEntry struct {
	Data         []byte
	Version      int64 // shard's monotonic write version at populate time
	WrittenAtMs  int64 // when this entry was populated, for per-query bounded-staleness checks
	FreshUntilMs int64
	SWRUntilMs   int64 // invariant: FreshUntilMs <= SWRUntilMs
	ShardID      string
}

// IsFresh reports whether the entry is still authoritative at nowMs.
func (e *CacheEntry) IsFresh(nowMs int64) bool {
	return nowMs < e.FreshUntilMs
}

// IsStaleRevalidatable reports whether the entry is usable-but-stale at
// nowMs: past its fresh window but still within its SWR window.
func (e *CacheEntry) IsStaleRevalidatable(nowMs int64) bool {
	return nowMs >= e.FreshUntilMs && nowMs < e.SWRUntilMs
}

// IsExpired reports whether the entry is unusable at nowMs.
func (e *CacheEntry) IsExpired(nowMs int64) bool {
	return nowMs >= e.SWRUntilMs
}

// WithinBound reports whether the entry is young enough to satisfy a
// caller-supplied staleness bound. boundedMs <= 0 means no bound was
// requested, so every entry satisfies it.
func (e *CacheEntry) WithinBound(nowMs, boundedMs int64) bool {
	if boundedMs <= 0 {
		return true
	}
	return nowMs-e.WrittenAtMs <= boundedMs
}

// EventType tags the payload carried by a queue Event.
type EventType string

const (
	EventInvalidate EventType = "invalidate"
	EventPrewarm    EventType = "prewarm"
	EventD1Sync     EventType = "d1_sync"
)

// Event is a single message on the durable event queue.
type Event struct {
	ID          string // message id, used for idempotency
	Type        EventType
	ShardID     string
	Version     int64
	TimestampMs int64
	Keys        []string // invalidate: keys and/or prefixes to purge
	Payload     []byte   // prewarm: entry data; d1_sync: encoded D1SyncPayload
	Attempt     int
	DelayUntil  time.Time
}

// D1SyncOperation is one statement forwarded to the analytical replica.
type D1SyncOperation struct {
	SQL    string
	Params []interface{}
}

// D1SyncPayload is the decoded payload of a d1_sync event.
type D1SyncPayload struct {
	Operations []D1SyncOperation
}

// SessionState tracks whether a gateway session is mid-request or idle.
type SessionState string

const (
	SessionActive SessionState = "active"
	SessionIdle   SessionState = "idle"
)

// Session binds a client connection to a shard for the lifetime of an
// optional open transaction. A session with an open transaction is pinned
// to its shard and is never evicted, TTL notwithstanding.
type Session struct {
	SessionID     string
	TenantID      string
	ShardID       string
	TransactionID string // empty when no transaction is open
	State         SessionState
	LastSeenMs    int64
}

// HasOpenTransaction reports whether the session is pinned by a transaction.
func (s *Session) HasOpenTransaction() bool {
	return s.TransactionID != ""
}

// SplitPhase is a state in the Split Orchestrator's plan lifecycle.
type SplitPhase string

const (
	SplitPlanning       SplitPhase = "planning"
	SplitDualWrite      SplitPhase = "dual_write"
	SplitBackfill       SplitPhase = "backfill"
	SplitTailing        SplitPhase = "tailing"
	SplitCutoverPending SplitPhase = "cutover_pending"
	SplitCompleted      SplitPhase = "completed"
	SplitRolledBack     SplitPhase = "rolled_back"
)

// IsTerminal reports whether this phase is terminal (completed or
// rolled_back); a plan in a terminal phase can no longer be rolled back.
func (p SplitPhase) IsTerminal() bool {
	return p == SplitCompleted || p == SplitRolledBack
}

// BackfillPhaseStatus tracks the bulk-copy sub-state of a split plan.
type BackfillPhaseStatus string

const (
	BackfillPending   BackfillPhaseStatus = "pending"
	BackfillRunning   BackfillPhaseStatus = "running"
	BackfillCompleted BackfillPhaseStatus = "completed"
	BackfillFailed    BackfillPhaseStatus = "failed"
)

// BackfillStatus is the plan's §4.F backfill{} sub-object.
type BackfillStatus struct {
	Status          BackfillPhaseStatus
	TotalRowsCopied int64
	// Cursors maps "tenant:table" to that pair's last-persisted resume
	// cursor, so a retry after a mid-backfill failure resumes the pair it
	// failed on instead of recopying every page already copied.
	Cursors map[string]string
}

// TailPhaseStatus tracks the post-backfill mutation-replay sub-state.
type TailPhaseStatus string

const (
	TailPending   TailPhaseStatus = "pending"
	TailRunning   TailPhaseStatus = "running"
	TailCaughtUp  TailPhaseStatus = "caught_up"
	TailFailed    TailPhaseStatus = "failed"
)

// TailStatus is the plan's §4.F tail{} sub-object.
type TailStatus struct {
	Status      TailPhaseStatus
	LastEventID string
	LastSeq     uint64
}

// SplitPlan is the persisted object driving a live tenant-subset migration.
type SplitPlan struct {
	ID                    string
	SourceShard           string
	TargetShard           string
	Tenants               []string
	Phase                 SplitPhase
	RoutingVersionAtStart int
	RoutingVersionCutover int // 0 until cutover
	DualWriteStartedAt    time.Time
	Backfill              BackfillStatus
	Tail                  TailStatus
	ErrorMessage          string
	Description           string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// ErrorKind classifies an error at a component boundary, per the taxonomy
// the gateway uses to build its {success:false, error:...} envelope.
type ErrorKind string

const (
	ErrInvalidSQL             ErrorKind = "InvalidSQL"
	ErrUnauthorized           ErrorKind = "Unauthorized"
	ErrTenantMismatch         ErrorKind = "TenantMismatch"
	ErrConstraintViolation    ErrorKind = "ConstraintViolation"
	ErrShardCapacityExceeded  ErrorKind = "ShardCapacityExceeded"
	ErrTransientStoreBusy     ErrorKind = "TransientStoreBusy"
	ErrRateLimited            ErrorKind = "RateLimited"
	ErrCacheDecodeError       ErrorKind = "CacheDecodeError"
	ErrQueueHandlerError      ErrorKind = "QueueHandlerError"
	ErrSplitPreconditionFailed ErrorKind = "SplitPreconditionFailed"
	ErrSplitDataError         ErrorKind = "SplitDataError"
	ErrConfigInvalid          ErrorKind = "ConfigInvalid"
)

// Error is the structured error carried in the gateway's error envelope.
type Error struct {
	Kind      ErrorKind
	Message   string
	SQLState  string
	RequestID string
	Timestamp time.Time
}

func (e *Error) Error() string {
	if e.SQLState != "" {
		return string(e.Kind) + ": " + e.Message + " (sql_state=" + e.SQLState + ")"
	}
	return string(e.Kind) + ": " + e.Message
}

// NewError builds an *Error for the given kind, wrapping message detail.
func NewError(kind ErrorKind, requestID, message string) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		RequestID: requestID,
		Timestamp: time.Now(),
	}
}

// ConsistencyHint is the per-query override accepted from the gateway's
// request hints block.
type ConsistencyHint struct {
	Consistency CacheMode // zero value means "unset", falls through to table policy
	BoundedMs   int64
	ShardKey    string
	CacheTTLMs  int64
}

// QueryRequest is the gateway's typed request contract (§6).
type QueryRequest struct {
	AuthContext   AuthContext
	SQL           string
	Params        []interface{}
	Hints         ConsistencyHint
	TransactionID string
}

// AuthContext is the external collaborator's resolved identity, threaded
// through the gateway pipeline. Authentication itself is out of scope.
type AuthContext struct {
	TenantID  string
	RequestID string
}

// QueryMeta is the observability block attached to every QueryResponse.
type QueryMeta struct {
	FromCache       bool
	ShardID         string
	ExecutionTimeMs int64
	Version         int64
}

// QueryResponse is the gateway's typed response contract (§6).
// TransactionID is only populated by a BEGIN call that didn't supply one,
// so the caller learns the server-allocated id to use on every subsequent
// statement in the transaction.
type QueryResponse struct {
	Rows          []map[string]interface{}
	RowsAffected  int64
	InsertID      int64
	TransactionID string
	Meta          QueryMeta
}
