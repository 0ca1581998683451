package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const throttleIdleTTL = 15 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Throttle is a per-key token bucket.
type Throttle struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rps     rate.Limit
	burst   int
}

func NewThrottle(rps float64, burst int) *Throttle {
	return &Throttle{
		buckets: make(map[string]*bucket),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

// Allow implements Limiter. It never returns an error.
func (t *Throttle) Allow(_ context.Context, key string) (bool, error) {
	t.mu.Lock()
	b, ok := t.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(t.rps, t.burst)}
		t.buckets[key] = b
	}
	b.lastSeen = time.Now()
	t.mu.Unlock()
	return b.limiter.Allow(), nil
}

// Run forgets buckets idle for longer than throttleIdleTTL until ctx is done.
func (t *Throttle) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.mu.Lock()
			for key, b := range t.buckets {
				if now.Sub(b.lastSeen) > throttleIdleTTL {
					delete(t.buckets, key)
				}
			}
			t.mu.Unlock()
		}
	}
}
