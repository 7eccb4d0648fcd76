package app

import (
	"sync"
	"time"

	"github.com/arjn/fieldlink/internal/domain"
)

// OfferRateLimiter bounds how often one endpoint may start a call, a cheap
// guard against dial spam through the relay.
type OfferRateLimiter struct {
	mu       sync.Mutex
	history  map[domain.EndpointID][]time.Time
	limit    int
	interval time.Duration
}

func NewOfferRateLimiter(limit int, interval time.Duration) *OfferRateLimiter {
	return &OfferRateLimiter{
		history:  make(map[domain.EndpointID][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *OfferRateLimiter) Allow(id domain.EndpointID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[id]
	fresh := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[id] = fresh
		return false
	}

	fresh = append(fresh, now)
	rl.history[id] = fresh
	return true
}

// Forget drops an endpoint's dial history, called on unregister.
func (rl *OfferRateLimiter) Forget(id domain.EndpointID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.history, id)
}
