package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"powgate/internal/client"
	"powgate/internal/config"
	"powgate/internal/fingerprint"
	"powgate/internal/types"
)

type backendRecorder struct {
	*httptest.Server
	mu       sync.Mutex
	sessions []string
	bodies   []string
}

func newBackend(t *testing.T) *backendRecorder {
	t.Helper()
	b := &backendRecorder{}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		b.mu.Lock()
		b.sessions = append(b.sessions, r.Header.Get(types.HeaderSession))
		b.bodies = append(b.bodies, string(body))
		b.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"T-100"}`))
	}))
	t.Cleanup(b.Close)
	return b
}

func (b *backendRecorder) received() ([]string, []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.sessions...), append([]string(nil), b.bodies...)
}

func testConfig(backend string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Backend = backend
	cfg.Server.MetricsAPIKey = "metrics-key"
	cfg.Challenge.Secret = "0123456789abcdef0123456789abcdef"
	cfg.Challenge.Difficulty = 1
	cfg.Protected = []string{"POST /api/tickets", "PATCH /api/tickets/*"}
	cfg.RateLimit.Limit = 5
	cfg.RateLimit.Paths = []string{"/api/tickets"}
	cfg.RateLimit.IssueRPS = 100
	cfg.RateLimit.IssueBurst = 100
	return cfg
}

func startApp(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	require.NoError(t, cfg.Validate())
	app, err := NewApp(context.Background(), cfg, nil, "test")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	app.Start(ctx)
	srv := httptest.NewServer(app.Handler)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		_ = app.Close()
	})
	return srv
}

func newClient(t *testing.T, baseURL string) *client.Manager {
	t.Helper()
	m, err := client.NewManager(client.Options{
		BaseURL: baseURL,
		Generator: fingerprint.NewGenerator(fingerprint.StaticProbes{
			CanvasErr:     fingerprint.ErrUnavailable,
			WebGLErr:      fingerprint.ErrUnavailable,
			ScreenErr:     fingerprint.ErrUnavailable,
			TimezoneValue: "UTC",
			LanguageValue: "en-US",
			PlatformValue: "linux/amd64",
		}, nil),
	})
	require.NoError(t, err)
	return m
}

func TestProtectedCallEndToEnd(t *testing.T) {
	backend := newBackend(t)
	srv := startApp(t, testConfig(backend.URL))
	m := newClient(t, srv.URL)

	var out struct {
		ID string `json:"id"`
	}
	require.NoError(t, m.DoJSON(context.Background(), http.MethodPost, "/api/tickets",
		map[string]string{"type": "bug", "title": "Save fails"}, &out))
	assert.Equal(t, "T-100", out.ID)

	sessions, bodies := backend.received()
	require.Len(t, sessions, 1)
	assert.Len(t, sessions[0], 36)
	assert.JSONEq(t, `{"type":"bug","title":"Save fails"}`, bodies[0])
}

func TestReplayedProofIsRejected(t *testing.T) {
	backend := newBackend(t)
	srv := startApp(t, testConfig(backend.URL))
	m := newClient(t, srv.URL)

	body := []byte(`{"type":"feature"}`)
	proof, err := m.ProofHeaders(context.Background(), body)
	require.NoError(t, err)

	send := func() *http.Response {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/tickets", strings.NewReader(string(body)))
		require.NoError(t, err)
		proof.Apply(req.Header)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	first := send()
	first.Body.Close()
	assert.Equal(t, http.StatusOK, first.StatusCode)

	second := send()
	defer second.Body.Close()
	assert.Equal(t, http.StatusForbidden, second.StatusCode)
	var rejection types.ErrorResponse
	require.NoError(t, json.NewDecoder(second.Body).Decode(&rejection))
	assert.Equal(t, types.KindNonceReused, rejection.Data.ErrorKind)
	assert.Equal(t, types.GenericMessage, rejection.Message)

	sessions, _ := backend.received()
	assert.Len(t, sessions, 1)
}

func TestUnprotectedRequestsPassThrough(t *testing.T) {
	backend := newBackend(t)
	srv := startApp(t, testConfig(backend.URL))

	resp, err := http.Get(srv.URL + "/api/tickets")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/tickets", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSlidingWindowOnHighValueRoutes(t *testing.T) {
	backend := newBackend(t)
	cfg := testConfig(backend.URL)
	cfg.RateLimit.Limit = 2
	srv := startApp(t, cfg)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := http.Get(srv.URL + "/api/tickets")
		require.NoError(t, err)
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIssueEndpointIsThrottled(t *testing.T) {
	cfg := testConfig("")
	cfg.RateLimit.IssueRPS = 0.001
	cfg.RateLimit.IssueBurst = 1
	srv := startApp(t, cfg)

	issue := func() int {
		resp, err := http.Post(srv.URL+"/api/challenge", "application/json",
			strings.NewReader(`{"fingerprint":"`+strings.Repeat("0f", 32)+`"}`))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusOK, issue())
	assert.Equal(t, http.StatusTooManyRequests, issue())
}

func TestAcceptHandlerWithoutBackend(t *testing.T) {
	srv := startApp(t, testConfig(""))
	m := newClient(t, srv.URL)

	var out struct {
		Accepted  bool   `json:"accepted"`
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, m.DoJSON(context.Background(), http.MethodPatch, "/api/tickets/7", map[string]string{"status": "closed"}, &out))
	assert.True(t, out.Accepted)
	assert.NotEmpty(t, out.SessionID)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := startApp(t, testConfig(""))

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	var health struct {
		Status   string `json:"status"`
		Sessions *int   `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health.Status)
	assert.NotNil(t, health.Sessions)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/metrics", nil)
	req.Header.Set("X-API-Key", "metrics-key")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "powgate_build_info")
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(config.DefaultConfig(), Deps{Started: time.Now()})
	assert.Error(t, err)
}

func TestNewAppRejectsBadBackend(t *testing.T) {
	cfg := testConfig("not a url")
	_, err := NewApp(context.Background(), cfg, nil, "test")
	assert.Error(t, err)
}
