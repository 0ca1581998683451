package middleware

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"powgate/internal/challenge"
	"powgate/internal/metrics"
	"powgate/internal/pow"
	"powgate/internal/ratelimit"
	"powgate/internal/store"
	"powgate/internal/types"
	"powgate/internal/utils"
)

var testFingerprint = strings.Repeat("cd", 32)

type gateFixture struct {
	issuer  *challenge.Issuer
	issued  *types.IssuedChallenge
	handler http.Handler
	logs    *observer.ObservedLogs

	// seen records what the protected handler received.
	seenBody    string
	seenHeaders http.Header
	seenSID     string
	seenMethod  string
	seenPath    string
}

func newGateFixture(t *testing.T, protected ...string) *gateFixture {
	t.Helper()
	issuer, err := challenge.NewIssuer([]byte("0123456789abcdef0123456789abcdef"), challenge.IssuerOptions{Difficulty: 1})
	require.NoError(t, err)
	issued, err := issuer.Issue(testFingerprint)
	require.NoError(t, err)

	routes, err := ParseRoutes(protected)
	require.NoError(t, err)

	core, logs := observer.New(zapcore.InfoLevel)
	f := &gateFixture{issuer: issuer, issued: issued, logs: logs}
	gate := Gate(GateOptions{
		Validator:    challenge.NewValidator(issuer, store.NewMemoryLedger(store.LedgerOptions{}), challenge.ValidatorOptions{}),
		Protected:    routes,
		MaxBodyBytes: 1024,
		Metrics:      metrics.New("test"),
		Logger:       zap.New(core),
	})
	f.handler = gate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		f.seenBody = string(b)
		f.seenHeaders = r.Header.Clone()
		f.seenSID, _ = types.SessionIDFromContext(r.Context())
		f.seenMethod, f.seenPath = r.Method, r.URL.Path
		w.WriteHeader(http.StatusCreated)
	}))
	return f
}

func (f *gateFixture) signedRequest(t *testing.T, method, target, body string) *http.Request {
	t.Helper()
	ts := time.Now().UnixMilli()
	sol, err := pow.NewSolver().Solve(context.Background(), pow.Puzzle{
		Challenge: f.issued.Challenge, Fingerprint: testFingerprint, Timestamp: ts, Difficulty: 1,
	})
	require.NoError(t, err)
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	types.ProofHeaders{
		Token:       f.issued.Token,
		Nonce:       strconv.FormatUint(sol.Nonce, 10),
		PoW:         sol.Hash,
		PoWInput:    sol.Input,
		Fingerprint: testFingerprint,
		Timestamp:   strconv.FormatInt(ts, 10),
		RequestHash: utils.SHA256Hex([]byte(body)),
	}.Apply(req.Header)
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func rejectionKind(t *testing.T, rec *httptest.ResponseRecorder) types.ErrorKind {
	t.Helper()
	var body types.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, types.GenericMessage, body.Message)
	return body.Data.ErrorKind
}

func TestGateAcceptsValidProof(t *testing.T) {
	f := newGateFixture(t, "POST /api/tickets")
	body := `{"type":"bug","title":"x"}`

	rec := serve(f.handler, f.signedRequest(t, http.MethodPost, "/api/tickets", body))
	require.Equal(t, http.StatusCreated, rec.Code)

	payload, err := f.issuer.Verify(f.issued.Token)
	require.NoError(t, err)
	assert.Equal(t, body, f.seenBody, "body is restored for the next handler")
	assert.Equal(t, payload.SessionID, f.seenSID)
	assert.Equal(t, payload.SessionID, f.seenHeaders.Get(types.HeaderSession))
	assert.Empty(t, f.seenHeaders.Get(types.HeaderToken))
	assert.Empty(t, f.seenHeaders.Get(types.HeaderPoW))
}

func TestGateRejectsMissingProof(t *testing.T) {
	f := newGateFixture(t, "POST /api/tickets")

	rec := serve(f.handler, httptest.NewRequest(http.MethodPost, "/api/tickets", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, types.KindMissingChallenge, rejectionKind(t, rec))
	assert.Empty(t, f.seenBody)

	entries := f.logs.FilterMessage("Gate: request rejected").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "MISSING_CHALLENGE", entries[0].ContextMap()["errorKind"])
}

func TestGateRejectsReplay(t *testing.T) {
	f := newGateFixture(t, "POST /api/tickets")
	req := f.signedRequest(t, http.MethodPost, "/api/tickets", `{"a":1}`)
	replay := req.Clone(context.Background())
	replay.Body = io.NopCloser(strings.NewReader(`{"a":1}`))

	require.Equal(t, http.StatusCreated, serve(f.handler, req).Code)

	rec := serve(f.handler, replay)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, types.KindNonceReused, rejectionKind(t, rec))
}

func TestGateRejectsSwappedBody(t *testing.T) {
	f := newGateFixture(t, "POST /api/tickets")
	req := f.signedRequest(t, http.MethodPost, "/api/tickets", `{"a":1}`)
	req.Body = io.NopCloser(strings.NewReader(`{"a":2}`))

	rec := serve(f.handler, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, types.KindRequestHashMismatch, rejectionKind(t, rec))
}

func TestGateMatchesMethodAndGlob(t *testing.T) {
	f := newGateFixture(t, "POST /api/tickets", "PATCH /api/tickets/*")

	// Unprotected: read-only method, unlisted path.
	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/api/tickets", nil),
		httptest.NewRequest(http.MethodPost, "/api/comments", strings.NewReader(`{}`)),
		httptest.NewRequest(http.MethodPatch, "/api/tickets/1/comments", strings.NewReader(`{}`)),
	} {
		assert.Equal(t, http.StatusCreated, serve(f.handler, req).Code, "%s %s", req.Method, req.URL.Path)
	}

	rec := serve(f.handler, httptest.NewRequest(http.MethodPatch, "/api/tickets/42", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Path and method variants of a protected route are still gated.
	for _, tc := range []struct{ method, target string }{
		{http.MethodPost, "/api/tickets/"},
		{http.MethodPost, "/api//tickets"},
		{http.MethodPost, "/api/./tickets"},
		{http.MethodPost, "/api/x/../tickets"},
		{"post", "/api/tickets"},
		{http.MethodPatch, "/api/tickets/42/"},
	} {
		rec := serve(f.handler, httptest.NewRequest(tc.method, tc.target, strings.NewReader(`{}`)))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", tc.method, tc.target)
	}
}

func TestGateForwardsCleanedPath(t *testing.T) {
	f := newGateFixture(t, "POST /api/tickets")

	req := f.signedRequest(t, "post", "/api//tickets/", `{"type":"bug"}`)
	require.Equal(t, http.StatusCreated, serve(f.handler, req).Code)
	assert.Equal(t, "/api/tickets", f.seenPath)
	assert.Equal(t, http.MethodPost, f.seenMethod)
}

func TestGateStripsSpoofedSessionHeader(t *testing.T) {
	f := newGateFixture(t, "POST /api/tickets")
	req := httptest.NewRequest(http.MethodGet, "/api/tickets", nil)
	req.Header.Set(types.HeaderSession, "forged")
	req.Header.Set(types.HeaderToken, "forged")

	require.Equal(t, http.StatusCreated, serve(f.handler, req).Code)
	assert.Empty(t, f.seenHeaders.Get(types.HeaderSession))
	assert.Empty(t, f.seenHeaders.Get(types.HeaderToken))
}

func TestGateRejectsOversizedBody(t *testing.T) {
	f := newGateFixture(t, "POST /api/tickets")
	rec := serve(f.handler, httptest.NewRequest(http.MethodPost, "/api/tickets", strings.NewReader(strings.Repeat("x", 2048))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestParseRoutesRejectsBadEntries(t *testing.T) {
	_, err := ParseRoutes([]string{"/api/tickets"})
	assert.Error(t, err)
	_, err = ParseRoutes([]string{"POST api/tickets"})
	assert.Error(t, err)

	routes, err := ParseRoutes([]string{"post /api/x"})
	require.NoError(t, err)
	assert.Equal(t, []Route{{Method: "POST", Pattern: "/api/x"}}, routes)
}

func TestRateLimiterMiddleware(t *testing.T) {
	limiter := ratelimit.NewSlidingWindow(2, time.Minute)
	h := RateLimiter(limiter, "sliding_window", []string{"/api/tickets"}, nil, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	req := func(path, remote string) *http.Request {
		r := httptest.NewRequest(http.MethodPost, path, nil)
		r.RemoteAddr = remote
		return r
	}

	assert.Equal(t, http.StatusOK, serve(h, req("/api/tickets", "10.0.0.1:1111")).Code)
	assert.Equal(t, http.StatusOK, serve(h, req("/api/tickets", "10.0.0.1:2222")).Code)

	rec := serve(h, req("/api/tickets", "10.0.0.1:3333"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, types.KindRateLimited, rejectionKind(t, rec))

	assert.Equal(t, http.StatusTooManyRequests, serve(h, req("/api//tickets/", "10.0.0.1:3334")).Code, "path variants share the limit")
	assert.Equal(t, http.StatusOK, serve(h, req("/api/tickets", "10.0.0.2:1111")).Code, "other IPs are unaffected")
	assert.Equal(t, http.StatusOK, serve(h, req("/healthz", "10.0.0.1:4444")).Code, "unlisted paths are unaffected")
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) {
	return false, assert.AnError
}

func TestRateLimiterFailsOpen(t *testing.T) {
	h := RateLimiter(brokenLimiter{}, "redis", nil, nil, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodPost, "/x", nil)).Code)
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := RequestLogger(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))
	serve(h, httptest.NewRequest(http.MethodGet, "/brew", nil))

	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(http.StatusTeapot), fields["status"])
	assert.Equal(t, int64(15), fields["bytes"])
	assert.Equal(t, "/brew", fields["path"])
}
