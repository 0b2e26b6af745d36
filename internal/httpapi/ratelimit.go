package httpapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterSet enforces spec.md §4.4's per-(token, device_id) rate limit:
// at most ~1 req/s steady-state with small bursts, applied identically
// to status and snapshot. Entries are evicted lazily on access once idle
// past idleTTL so the map doesn't grow unbounded across a long-running
// process's lifetime.
type limiterSet struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry

	rps     rate.Limit
	burst   int
	idleTTL time.Duration
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

func newLimiterSet(perSecond float64, burst int) *limiterSet {
	return &limiterSet{
		entries: make(map[string]*limiterEntry),
		rps:     rate.Limit(perSecond),
		burst:   burst,
		idleTTL: 5 * time.Minute,
	}
}

// Allow reports whether a request for (token, deviceID) may proceed now.
func (s *limiterSet) Allow(token, deviceID string) bool {
	key := token + ":" + deviceID
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(s.rps, s.burst)}
		s.entries[key] = entry
	}
	entry.lastAccess = now
	s.evictIdleLocked(now)

	return entry.limiter.Allow()
}

func (s *limiterSet) evictIdleLocked(now time.Time) {
	for key, entry := range s.entries {
		if now.Sub(entry.lastAccess) > s.idleTTL {
			delete(s.entries, key)
		}
	}
}
