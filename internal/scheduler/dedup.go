package scheduler

import (
	"sync"
	"time"

	"farmfeed/internal/feeding"
)

// dedupGuard remembers recently dispatched (id, scheduledTime) pairs.
// It only saves a store round-trip; the claim CAS is what prevents a
// double dispense.
type dedupGuard struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time // key -> expiry
}

func newDedupGuard(ttl time.Duration) *dedupGuard {
	return &dedupGuard{ttl: ttl, seen: map[string]time.Time{}}
}

func dedupKey(ev feeding.Event) string {
	return ev.ID + "|" + ev.ScheduledTime.UTC().Format(time.RFC3339Nano)
}

// Mark reports false when key was marked less than ttl ago.
// Otherwise it marks key and reports true.
func (g *dedupGuard) Mark(key string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, exp := range g.seen {
		if !now.Before(exp) {
			delete(g.seen, k)
		}
	}
	if _, ok := g.seen[key]; ok {
		return false
	}
	g.seen[key] = now.Add(g.ttl)
	return true
}

func (g *dedupGuard) SetTTL(ttl time.Duration) {
	g.mu.Lock()
	g.ttl = ttl
	g.mu.Unlock()
}

func (g *dedupGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
