package pipeline

import (
	"sync"
	"time"
)

// tracker is the in-process half of pipeline dedup: a set of item ids that
// have been accepted. CheckAndMark is a single atomic check-and-insert so
// that when both ingress channels observe the same item "simultaneously",
// exactly one passes.
//
// Entries expire after ttl so the set stays bounded across long uptimes.
// The clock is injectable for tests.
type tracker struct {
	mu    sync.Mutex
	seen  map[string]time.Time // id -> expiry
	ttl   time.Duration
	clock func() time.Time
}

func newTracker(ttl time.Duration, clock func() time.Time) *tracker {
	if clock == nil {
		clock = time.Now
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &tracker{seen: map[string]time.Time{}, ttl: ttl, clock: clock}
}

// CheckAndMark returns true when id was not yet tracked, marking it in the
// same critical section. A false return means a duplicate.
func (t *tracker) CheckAndMark(id string) bool {
	now := t.clock()
	t.mu.Lock()
	defer t.mu.Unlock()

	if exp, ok := t.seen[id]; ok && exp.After(now) {
		return false
	}
	t.seen[id] = now.Add(t.ttl)

	// Opportunistic prune; the map only grows on insert.
	if len(t.seen)%256 == 0 {
		for k, exp := range t.seen {
			if !exp.After(now) {
				delete(t.seen, k)
			}
		}
	}
	return true
}

// Forget removes id so a later detection cycle can retry it from scratch.
func (t *tracker) Forget(id string) {
	t.mu.Lock()
	delete(t.seen, id)
	t.mu.Unlock()
}

// Len reports the tracked id count (diagnostics only).
func (t *tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}
