// Package client attaches challenge proofs to outgoing protected requests.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"powgate/internal/fingerprint"
	"powgate/internal/pow"
	"powgate/internal/types"
	"powgate/internal/utils"
)

const (
	DefaultIssuePath     = "/api/challenge"
	DefaultRefreshMargin = 5 * time.Minute
	// DefaultNonceMemory covers the server's default nonce TTL with room to spare.
	DefaultNonceMemory = 2 * time.Minute

	// refreshRetry is how long Run waits after a failed background refresh.
	refreshRetry = 30 * time.Second
	// maxErrorBody caps how much of a rejection body is read.
	maxErrorBody = 64 << 10
)

// ErrNoSession is returned by ProofHeaders when no session could be obtained.
var ErrNoSession = errors.New("no challenge session")

// RejectedError is a non-2xx answer from the server.
type RejectedError struct {
	StatusCode int
	Kind       types.ErrorKind
	Message    string
}

func (e *RejectedError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("request rejected: %d %s", e.StatusCode, e.Kind)
	}
	return fmt.Sprintf("request rejected: %d", e.StatusCode)
}

// Options configure a Manager. BaseURL and Generator are required.
type Options struct {
	BaseURL   string
	IssuePath string
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	Generator  *fingerprint.Generator
	Solver     *pow.Solver
	Logger     *zap.Logger
	Now        func() time.Time
	// RefreshMargin is how long before expiry a session is replaced.
	RefreshMargin time.Duration
	// OnProgress, if set, receives solver progress for each proof.
	OnProgress func(pow.Progress)
	// NonceMemory is how long a sent nonce is kept out of later solves in
	// the same session. It must be at least the server's nonce TTL.
	NonceMemory time.Duration
}

// Manager owns one challenge session and builds per-call proofs from it.
// It is safe for concurrent use.
type Manager struct {
	baseURL       string
	issuePath     string
	httpClient    *http.Client
	generator     *fingerprint.Generator
	solver        *pow.Solver
	logger        *zap.Logger
	now           func() time.Time
	refreshMargin time.Duration
	onProgress    func(pow.Progress)
	nonceMemory   time.Duration

	// bootMu serializes bootstraps so concurrent callers share one.
	bootMu  sync.Mutex
	mu      sync.RWMutex
	session *types.ChallengeSession

	nonceMu sync.Mutex
	nonces  map[*types.ChallengeSession]*nonceLog
}

// nonceLog tracks what has been sent under one session: the last proof
// timestamp and each nonce with the time it was sent.
type nonceLog struct {
	lastTS int64
	sent   map[uint64]time.Time
}

func NewManager(opts Options) (*Manager, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("client: BaseURL is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("client: invalid BaseURL %q: %w", opts.BaseURL, err)
	}
	if opts.Generator == nil {
		return nil, errors.New("client: Generator is required")
	}
	if opts.IssuePath == "" {
		opts.IssuePath = DefaultIssuePath
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Solver == nil {
		opts.Solver = pow.NewSolver()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = DefaultRefreshMargin
	}
	if opts.NonceMemory <= 0 {
		opts.NonceMemory = DefaultNonceMemory
	}
	return &Manager{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		issuePath:     opts.IssuePath,
		httpClient:    opts.HTTPClient,
		generator:     opts.Generator,
		solver:        opts.Solver,
		logger:        opts.Logger,
		now:           opts.Now,
		refreshMargin: opts.RefreshMargin,
		onProgress:    opts.OnProgress,
		nonceMemory:   opts.NonceMemory,
		nonces:        make(map[*types.ChallengeSession]*nonceLog),
	}, nil
}

// Bootstrap fingerprints the host, requests a new challenge and caches it,
// replacing any current session.
func (m *Manager) Bootstrap(ctx context.Context) (*types.ChallengeSession, error) {
	fp, err := m.generator.Generate(ctx)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: fingerprint: %w", err)
	}

	payload, err := json.Marshal(types.IssueRequest{Fingerprint: fp.CombinedHash})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+m.issuePath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("bootstrap: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bootstrap: %w", rejection(resp))
	}

	var issued types.IssuedChallenge
	if err := json.NewDecoder(resp.Body).Decode(&issued); err != nil {
		return nil, fmt.Errorf("bootstrap: decode response: %w", err)
	}
	if issued.Token == "" || issued.Challenge == "" || issued.Difficulty <= 0 || issued.ExpiresAt <= 0 {
		return nil, errors.New("bootstrap: incomplete challenge response")
	}

	session := &types.ChallengeSession{
		Token:       issued.Token,
		Challenge:   issued.Challenge,
		Difficulty:  issued.Difficulty,
		Fingerprint: fp,
		ExpiresAt:   time.UnixMilli(issued.ExpiresAt),
	}
	m.mu.Lock()
	m.session = session
	m.mu.Unlock()

	m.logger.Info("Bootstrap: challenge session established",
		zap.Int("difficulty", session.Difficulty),
		zap.Time("expiresAt", session.ExpiresAt))
	return session, nil
}

// Session returns the cached session, bootstrapping a new one when none is
// cached or the cached one is within the refresh margin of expiry.
func (m *Manager) Session(ctx context.Context) (*types.ChallengeSession, error) {
	if s := m.live(); s != nil {
		return s, nil
	}
	m.bootMu.Lock()
	defer m.bootMu.Unlock()
	if s := m.live(); s != nil {
		return s, nil
	}
	return m.Bootstrap(ctx)
}

func (m *Manager) live() *types.ChallengeSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session.Expired(m.now(), m.refreshMargin) {
		return nil
	}
	return m.session
}

// Invalidate drops the cached session.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.session = nil
	m.mu.Unlock()
}

// ProofHeaders solves a fresh puzzle for one call carrying body. Within a
// session every proof gets a later timestamp than the previous one and a
// nonce not sent before.
func (m *Manager) ProofHeaders(ctx context.Context, body []byte) (types.ProofHeaders, error) {
	session, err := m.Session(ctx)
	if err != nil {
		return types.ProofHeaders{}, fmt.Errorf("%w: %v", ErrNoSession, err)
	}

	for {
		ts, skip := m.nextPuzzle(session)
		task := m.solver.Submit(ctx, pow.Puzzle{
			Challenge:   session.Challenge,
			Fingerprint: session.Fingerprint.CombinedHash,
			Timestamp:   ts,
			Difficulty:  session.Difficulty,
			Skip:        skip,
		})
		for p := range task.Progress() {
			if m.onProgress != nil {
				m.onProgress(p)
			}
		}
		sol, err := task.Wait(ctx)
		if err != nil {
			return types.ProofHeaders{}, fmt.Errorf("solve: %w", err)
		}
		// A concurrent call may have claimed the same nonce meanwhile.
		if !m.claimNonce(session, sol.Nonce) {
			continue
		}

		return types.ProofHeaders{
			Token:       session.Token,
			Nonce:       strconv.FormatUint(sol.Nonce, 10),
			PoW:         sol.Hash,
			PoWInput:    sol.Input,
			Fingerprint: session.Fingerprint.CombinedHash,
			Timestamp:   strconv.FormatInt(ts, 10),
			RequestHash: utils.SHA256Hex(body),
		}, nil
	}
}

// logFor returns the nonce log of session and forgets the logs of expired
// sessions. nonceMu must be held.
func (m *Manager) logFor(session *types.ChallengeSession) *nonceLog {
	l, ok := m.nonces[session]
	if !ok {
		now := m.now()
		for s := range m.nonces {
			if s.Expired(now, 0) {
				delete(m.nonces, s)
			}
		}
		l = &nonceLog{sent: make(map[uint64]time.Time)}
		m.nonces[session] = l
	}
	return l
}

// nextPuzzle picks a timestamp strictly after the last one used in session
// and returns the nonces the solver must skip.
func (m *Manager) nextPuzzle(session *types.ChallengeSession) (int64, map[uint64]struct{}) {
	m.nonceMu.Lock()
	defer m.nonceMu.Unlock()
	l := m.logFor(session)

	now := m.now()
	ts := now.UnixMilli()
	if ts <= l.lastTS {
		ts = l.lastTS + 1
	}
	l.lastTS = ts

	cutoff := now.Add(-m.nonceMemory)
	skip := make(map[uint64]struct{}, len(l.sent))
	for n, at := range l.sent {
		if at.Before(cutoff) {
			delete(l.sent, n)
			continue
		}
		skip[n] = struct{}{}
	}
	return ts, skip
}

// claimNonce records nonce as sent in session. It reports false when the
// nonce was already claimed.
func (m *Manager) claimNonce(session *types.ChallengeSession, nonce uint64) bool {
	m.nonceMu.Lock()
	defer m.nonceMu.Unlock()
	l := m.logFor(session)
	if _, taken := l.sent[nonce]; taken {
		return false
	}
	l.sent[nonce] = m.now()
	return true
}

// Do sends a protected request with a fresh proof for body. If no proof can
// be built the request is still sent, without proof headers, so the server
// answers it. A 401 that calls for a new token triggers one retry on a new
// session. The caller must close the response body.
func (m *Manager) Do(ctx context.Context, method, path string, body []byte, header http.Header) (*http.Response, error) {
	resp, err := m.send(ctx, method, path, body, header)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(raw))

	if kind := errorKind(raw); kind.RequiresNewToken() {
		m.logger.Info("Do: session rejected, bootstrapping again", zap.String("errorKind", string(kind)))
		m.Invalidate()
		return m.send(ctx, method, path, body, header)
	}
	return resp, nil
}

func (m *Manager) send(ctx context.Context, method, path string, body []byte, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	proof, err := m.ProofHeaders(ctx, body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.logger.Warn("Do: sending without challenge proof", zap.String("path", path), zap.Error(err))
	} else {
		proof.Apply(req.Header)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

// DoJSON marshals in once, sends those exact bytes through Do and decodes a
// 2xx answer into out. Non-2xx answers return *RejectedError.
func (m *Manager) DoJSON(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")

	resp, err := m.Do(ctx, method, path, body, header)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return rejection(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// Run refreshes the session shortly before it expires until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	for {
		wait := refreshRetry
		s, err := m.Session(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("Run: session refresh failed", zap.Error(err))
		} else if d := s.ExpiresAt.Sub(m.now()) - m.refreshMargin; d > 0 {
			wait = d
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func rejection(resp *http.Response) *RejectedError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	rerr := &RejectedError{StatusCode: resp.StatusCode}
	var body types.ErrorResponse
	if json.Unmarshal(raw, &body) == nil {
		rerr.Kind = body.Data.ErrorKind
		rerr.Message = body.Message
	}
	return rerr
}

func errorKind(raw []byte) types.ErrorKind {
	var body types.ErrorResponse
	if json.Unmarshal(raw, &body) != nil {
		return ""
	}
	return body.Data.ErrorKind
}
