// Package ratelimit caps how often one client may hit selected routes.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter decides whether the request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// SlidingWindow allows at most limit requests per key within any window.
// It keeps one timestamp per allowed request.
type SlidingWindow struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		hits:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// WithClock replaces the time source. It must be called before first use.
func (s *SlidingWindow) WithClock(now func() time.Time) *SlidingWindow {
	s.now = now
	return s
}

// Allow implements Limiter. It never returns an error.
func (s *SlidingWindow) Allow(_ context.Context, key string) (bool, error) {
	now := s.now()
	cutoff := now.Add(-s.window)

	s.mu.Lock()
	defer s.mu.Unlock()

	hits := prune(s.hits[key], cutoff)
	if len(hits) >= s.limit {
		s.hits[key] = hits
		return false, nil
	}
	s.hits[key] = append(hits, now)
	return true, nil
}

// prune drops the leading timestamps at or before cutoff.
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}

// Cleanup forgets keys with no hits inside the window.
func (s *SlidingWindow) Cleanup() int {
	cutoff := s.now().Add(-s.window)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, hits := range s.hits {
		if hits = prune(hits, cutoff); len(hits) == 0 {
			delete(s.hits, key)
			removed++
		} else {
			s.hits[key] = hits
		}
	}
	return removed
}

// Run calls Cleanup once per window until ctx is done.
func (s *SlidingWindow) Run(ctx context.Context) {
	ticker := time.NewTicker(s.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Cleanup()
		}
	}
}

// Len returns the number of tracked keys.
func (s *SlidingWindow) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hits)
}
