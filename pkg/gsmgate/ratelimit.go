package gsmgate

import (
	"sync"

	"golang.org/x/time/rate"
)

// keyLimiter throttles how often a single api_key resource can be leased.
// It is advisory and per process: exclusivity is still enforced by the store.
type keyLimiter struct {
	mu    sync.Mutex
	limit rate.Limit
	burst int
	keys  map[string]*rate.Limiter
}

func newKeyLimiter(perSecond float64, burst int) *keyLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &keyLimiter{
		limit: rate.Limit(perSecond),
		burst: burst,
		keys:  make(map[string]*rate.Limiter),
	}
}

// allow consumes one token for the resource. A nil limiter allows everything.
func (l *keyLimiter) allow(resourceID string) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	lim, ok := l.keys[resourceID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.keys[resourceID] = lim
	}
	l.mu.Unlock()

	return lim.Allow()
}

// forget drops the bucket of a resource that left the pool
func (l *keyLimiter) forget(resourceID string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.keys, resourceID)
	l.mu.Unlock()
}
