package service

import "sync"

// ClaimTracker is the exclusivity marker for in-flight processing
// attempts. It is owned by one ProcessingEngine instance and injectable
// for tests; claims live only in memory, so a process restart starts
// with a clean slate and eligibility is re-evaluated from the store.
type ClaimTracker struct {
	mu      sync.Mutex
	claimed map[int64]struct{}
}

// NewClaimTracker creates an empty claim tracker.
func NewClaimTracker() *ClaimTracker {
	return &ClaimTracker{
		claimed: make(map[int64]struct{}),
	}
}

// TryClaim atomically claims the message id. Returns false when the id
// is already claimed by another attempt.
func (t *ClaimTracker) TryClaim(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.claimed[id]; exists {
		return false
	}
	t.claimed[id] = struct{}{}
	return true
}

// Release removes the claim for the id. Safe to call for unclaimed ids.
func (t *ClaimTracker) Release(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.claimed, id)
}

// Len reports the number of live claims.
func (t *ClaimTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.claimed)
}
