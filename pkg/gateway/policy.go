package gateway

import (
	"sync"

	"github.com/healthfees-org/workersql-sub000/pkg/types"
)

// PolicyRegistry holds per-table cache/co-location policy. Table policy
// configuration is loaded externally (YAML config loaders are out of
// scope); the registry only needs a thread-safe lookup with a sane
// zero-value default for tables nobody has configured.
type PolicyRegistry struct {
	mu       sync.RWMutex
	policies map[string]types.TablePolicy
	def      types.CacheConfig
}

// NewPolicyRegistry creates a registry. def is applied to any table that
// has no explicit policy registered.
func NewPolicyRegistry(def types.CacheConfig) *PolicyRegistry {
	return &PolicyRegistry{policies: make(map[string]types.TablePolicy), def: def}
}

// Set registers or replaces a table's policy.
func (r *PolicyRegistry) Set(policy types.TablePolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[policy.Table] = policy
}

// Get returns table's policy, or a synthetic one carrying the registry's
// default cache config if nothing was registered for it.
func (r *PolicyRegistry) Get(table string) types.TablePolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.policies[table]; ok {
		return p
	}
	return types.TablePolicy{Table: table, PrimaryKey: "id", Cache: r.def}
}
