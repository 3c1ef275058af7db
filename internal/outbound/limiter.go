package outbound

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 30 * time.Minute

// sendLimiter keeps one token bucket per connection and evicts idle ones.
type sendLimiter struct {
	limit rate.Limit
	burst int

	mu    sync.Mutex
	byKey map[string]*limiterEntry
	hits  uint64
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newSendLimiter returns nil, meaning unlimited, when rps or burst is not positive.
func newSendLimiter(rps float64, burst int) *sendLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &sendLimiter{
		limit: rate.Limit(rps),
		burst: burst,
		byKey: make(map[string]*limiterEntry),
	}
}

// Wait blocks until the connection may send or ctx ends.
func (l *sendLimiter) Wait(ctx context.Context, connectionID string) error {
	if l == nil {
		return nil
	}
	return l.get(connectionID, time.Now()).Wait(ctx)
}

func (l *sendLimiter) get(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byKey[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[key] = e
	}
	e.lastSeen = now

	l.hits++
	if l.hits%256 == 0 {
		cutoff := now.Add(-limiterIdleTTL)
		for k, v := range l.byKey {
			if k != key && v.lastSeen.Before(cutoff) {
				delete(l.byKey, k)
			}
		}
	}
	return e.limiter
}
