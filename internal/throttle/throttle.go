// Package throttle rate limits callers by key, typically a client address or
// a user id.
package throttle

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// pruneAt is the number of tracked keys above which idle entries are dropped.
const pruneAt = 4096

type entry struct {
	limiter *rate.Limiter
	seen    time.Time
}

// Limiter admits up to count requests per period for each key, refilling
// evenly. A nil Limiter admits everything.
type Limiter struct {
	mu      sync.Mutex
	every   rate.Limit
	burst   int
	period  time.Duration
	now     func() time.Time
	entries map[string]*entry
}

// New returns nil when count or period is not positive, which disables
// throttling.
func New(count int, period time.Duration) *Limiter {
	if count <= 0 || period <= 0 {
		return nil
	}
	return &Limiter{
		every:   rate.Every(period / time.Duration(count)),
		burst:   count,
		period:  period,
		now:     time.Now,
		entries: map[string]*entry{},
	}
}

// WithClock replaces the time source. Tests use it to refill deterministically.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	if l != nil && now != nil {
		l.now = now
	}
	return l
}

// Allow consumes one token for key and reports whether the request may pass.
func (l *Limiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if len(l.entries) > pruneAt {
		l.prune(now)
	}
	e, ok := l.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.every, l.burst)}
		l.entries[key] = e
	}
	e.seen = now
	return e.limiter.AllowN(now, 1)
}

// RetryAfter is a hint for clients that were refused.
func (l *Limiter) RetryAfter() time.Duration {
	if l == nil {
		return 0
	}
	return l.period / time.Duration(l.burst)
}

// prune forgets keys idle for a full period; their buckets are full again.
func (l *Limiter) prune(now time.Time) {
	for key, e := range l.entries {
		if now.Sub(e.seen) >= l.period {
			delete(l.entries, key)
		}
	}
}
