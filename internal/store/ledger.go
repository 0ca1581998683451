// Package store holds replay-protection state for challenge sessions.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultNonceTTL      = 60 * time.Second
	DefaultMaxPerSession = 1000
	DefaultSweepInterval = 60 * time.Second
)

// NonceLedger records consumed (sessionID, nonce) pairs.
type NonceLedger interface {
	// Consume records the pair and returns true, or returns false without
	// changing anything if the pair was already recorded.
	Consume(ctx context.Context, sessionID, nonce string) (bool, error)
}

// LedgerOptions tune a MemoryLedger. Zero values take the defaults.
type LedgerOptions struct {
	TTL           time.Duration
	MaxPerSession int
	SweepInterval time.Duration
	Now           func() time.Time
	Logger        *zap.Logger
	// OnSweep, if set, is called after every sweep with the remaining entry count.
	OnSweep func(entries int)
}

type sessionNonces struct {
	mu     sync.Mutex
	nonces map[string]time.Time
}

// MemoryLedger is an in-process NonceLedger. It is correct within one
// process only; replicas need RedisLedger.
type MemoryLedger struct {
	// mu guards sessions. Consume holds it for reading while it works on a
	// session so Sweep, which holds it for writing, never drops a session
	// that is being written to.
	mu       sync.RWMutex
	sessions map[string]*sessionNonces

	ttl           time.Duration
	maxPerSession int
	sweepInterval time.Duration
	now           func() time.Time
	logger        *zap.Logger
	onSweep       func(int)
}

func NewMemoryLedger(opts LedgerOptions) *MemoryLedger {
	if opts.TTL <= 0 {
		opts.TTL = DefaultNonceTTL
	}
	if opts.MaxPerSession < 2 {
		opts.MaxPerSession = DefaultMaxPerSession
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &MemoryLedger{
		sessions:      make(map[string]*sessionNonces),
		ttl:           opts.TTL,
		maxPerSession: opts.MaxPerSession,
		sweepInterval: opts.SweepInterval,
		now:           opts.Now,
		logger:        opts.Logger,
		onSweep:       opts.OnSweep,
	}
}

// Consume implements NonceLedger. It never returns an error.
func (l *MemoryLedger) Consume(_ context.Context, sessionID, nonce string) (bool, error) {
	var s *sessionNonces
	for {
		l.mu.RLock()
		var ok bool
		if s, ok = l.sessions[sessionID]; ok {
			break
		}
		l.mu.RUnlock()

		// A sweep may drop the new session before the read lock is
		// retaken, so loop until it is seen under the read lock.
		l.mu.Lock()
		if _, ok := l.sessions[sessionID]; !ok {
			l.sessions[sessionID] = &sessionNonces{nonces: make(map[string]time.Time)}
		}
		l.mu.Unlock()
	}
	defer l.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.nonces[nonce]; seen {
		return false, nil
	}
	if len(s.nonces) >= l.maxPerSession {
		evicted := evictOldestHalf(s.nonces)
		l.logger.Debug("Consume: nonce ledger full, evicted oldest half",
			zap.String("sid", sessionID), zap.Int("evicted", evicted))
	}
	s.nonces[nonce] = l.now()
	return true, nil
}

// evictOldestHalf removes the older half of m by consumption time.
func evictOldestHalf(m map[string]time.Time) int {
	type entry struct {
		nonce string
		at    time.Time
	}
	entries := make([]entry, 0, len(m))
	for n, at := range m {
		entries = append(entries, entry{n, at})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })
	half := len(entries) / 2
	for _, e := range entries[:half] {
		delete(m, e.nonce)
	}
	return half
}

// Sweep removes nonces older than the TTL and drops sessions left empty.
// It returns the number of entries removed.
func (l *MemoryLedger) Sweep() int {
	cutoff := l.now().Add(-l.ttl)

	l.mu.Lock()
	removed, remaining := 0, 0
	for sid, s := range l.sessions {
		s.mu.Lock()
		for n, at := range s.nonces {
			if at.Before(cutoff) {
				delete(s.nonces, n)
				removed++
			}
		}
		left := len(s.nonces)
		s.mu.Unlock()
		if left == 0 {
			delete(l.sessions, sid)
		}
		remaining += left
	}
	l.mu.Unlock()

	if l.onSweep != nil {
		l.onSweep(remaining)
	}
	return removed
}

// Run sweeps every SweepInterval until ctx is done.
func (l *MemoryLedger) Run(ctx context.Context) {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.logger.Debug("Run: swept expired nonces", zap.Int("removed", n))
			}
		}
	}
}

// Stats returns the number of tracked sessions and nonces.
func (l *MemoryLedger) Stats() (sessions, entries int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, s := range l.sessions {
		s.mu.Lock()
		entries += len(s.nonces)
		s.mu.Unlock()
	}
	return len(l.sessions), entries
}
