package recovery

import (
	"fmt"
	"strings"
	"sync"
)

// ScopeCluster is the whole-cluster target scope. Region-pair scopes use the
// form "us-east->us-west". Both conflict with every other scope: a recovery
// that rebuilds the cluster cannot share it with a namespace restore.
const ScopeCluster = "cluster"

// IsGlobalScope reports whether a scope covers the entire cluster.
func IsGlobalScope(scope string) bool {
	return scope == ScopeCluster || strings.Contains(scope, "->")
}

// LeaseTable serializes runs over overlapping target scopes. It is the only
// lock-protected state shared across runs.
type LeaseTable struct {
	mu     sync.Mutex
	leases map[string]string // scope -> holder run id
}

// NewLeaseTable creates an empty lease table.
func NewLeaseTable() *LeaseTable {
	return &LeaseTable{
		leases: make(map[string]string),
	}
}

// Acquire takes the lease on scope for holder. On conflict the returned
// error wraps ErrScopeLocked and names the run holding the blocking lease.
// Exactly one of two concurrent acquirers for the same scope wins.
func (t *LeaseTable) Acquire(scope, holder string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if IsGlobalScope(scope) {
		// Any held lease conflicts with a global acquire.
		for s, h := range t.leases {
			return fmt.Errorf("scope %q held by run %s: %w", s, h, ErrScopeLocked)
		}
	} else {
		if h, held := t.leases[scope]; held {
			return fmt.Errorf("scope %q held by run %s: %w", scope, h, ErrScopeLocked)
		}
		for s, h := range t.leases {
			if IsGlobalScope(s) {
				return fmt.Errorf("scope %q held by run %s: %w", s, h, ErrScopeLocked)
			}
		}
	}

	t.leases[scope] = holder
	return nil
}

// Release drops the lease on scope if holder still owns it.
func (t *LeaseTable) Release(scope, holder string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if h, ok := t.leases[scope]; ok && h == holder {
		delete(t.leases, scope)
	}
}

// Holder returns the run currently holding the lease on scope.
func (t *LeaseTable) Holder(scope string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.leases[scope]
	return h, ok
}

// Active returns a copy of all held leases.
func (t *LeaseTable) Active() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]string, len(t.leases))
	for s, h := range t.leases {
		out[s] = h
	}
	return out
}
