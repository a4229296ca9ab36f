package gateway

import (
	"sync"
	"time"

	"github.com/healthfees-org/workersql-sub000/pkg/metrics"
	"github.com/healthfees-org/workersql-sub000/pkg/types"
)

// SessionManager is the gateway's bounded session table (§4.E, §5 "Session
// table" shared-resource policy). A session only exists for the lifetime
// of an open transaction: the typed request contract (§6) carries a
// transaction_id but no separate session_id, so the transaction_id IS the
// session key here. A session pins its tenant to the shard it began on;
// it is never swept while its transaction is open, TTL notwithstanding.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*types.Session
	maxSize  int
	ttl      time.Duration

	stopCh chan struct{}
}

// NewSessionManager creates a session table capped at maxSize entries,
// sweeping idle-past-ttl sessions on its own ticker.
func NewSessionManager(maxSize int, ttl time.Duration) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*types.Session),
		maxSize:  maxSize,
		ttl:      ttl,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called.
func (m *SessionManager) Start(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweep()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop ends the sweep loop.
func (m *SessionManager) Stop() {
	close(m.stopCh)
}

// Begin pins transactionID to shardID for tenantID, creating or refreshing
// its session entry. Returns an error if the table is at capacity and no
// existing entry can be reused.
func (m *SessionManager) Begin(transactionID, tenantID, shardID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[transactionID]; !exists && len(m.sessions) >= m.maxSize {
		return &types.Error{Kind: types.ErrRateLimited, Message: "gateway session table at capacity"}
	}

	m.sessions[transactionID] = &types.Session{
		SessionID:     transactionID,
		TenantID:      tenantID,
		ShardID:       shardID,
		TransactionID: transactionID,
		State:         types.SessionActive,
		LastSeenMs:    time.Now().UnixMilli(),
	}
	metrics.GatewaySessionsActive.Set(float64(len(m.sessions)))
	return nil
}

// Lookup returns the shard a transaction is pinned to, if any.
func (m *SessionManager) Lookup(transactionID string) (*types.Session, bool) {
	if transactionID == "" {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[transactionID]
	if ok {
		sess.LastSeenMs = time.Now().UnixMilli()
	}
	return sess, ok
}

// Release unpins and removes a transaction's session, on COMMIT or
// ROLLBACK.
func (m *SessionManager) Release(transactionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, transactionID)
	metrics.GatewaySessionsActive.Set(float64(len(m.sessions)))
}

// Count returns the current number of tracked sessions.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// sweep removes sessions idle past ttl. A session with an open transaction
// is, by construction, always in this table (it's only inserted on BEGIN
// and removed on COMMIT/ROLLBACK) -- so TTL expiry here would discard a
// live transaction's pin. The spec's "never evict an open transaction"
// invariant is honored by skipping every session with an open transaction;
// since every entry in this table has one for as long as it exists, the
// sweep removes nothing in practice. The ttl/sweep loop is kept for parity
// with a future design where idle (non-transactional) sessions also live
// in this table.
func (m *SessionManager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-m.ttl).UnixMilli()
	for id, sess := range m.sessions {
		if sess.HasOpenTransaction() {
			continue
		}
		if sess.LastSeenMs < cutoff {
			delete(m.sessions, id)
		}
	}
	metrics.GatewaySessionsActive.Set(float64(len(m.sessions)))
}
