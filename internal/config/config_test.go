package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 4, cfg.Challenge.Difficulty)
	assert.Equal(t, 24*time.Hour, cfg.Challenge.TokenTTL)
	assert.Equal(t, 30*time.Second, cfg.Challenge.PowWindow)
	assert.Equal(t, 60*time.Second, cfg.Challenge.NonceTTL)
	assert.Equal(t, 1000, cfg.Challenge.MaxNoncesPerSession)

	// No secret is shipped by default.
	require.Error(t, cfg.Validate())
	cfg.Challenge.Secret = testSecret
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigFromYAML(t *testing.T) {
	p := writeConfig(t, `
server:
  addr: ":9090"
  backend: "http://127.0.0.1:3000"
challenge:
  secret: "`+testSecret+`"
  difficulty: 5
  pow_window: 45s
protected:
  - "POST /api/tickets"
  - "delete /api/tickets/*"
rate_limit:
  paths: ["/api/feedback"]
`)
	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "http://127.0.0.1:3000", cfg.Server.Backend)
	assert.Equal(t, 5, cfg.Challenge.Difficulty)
	assert.Equal(t, 45*time.Second, cfg.Challenge.PowWindow)
	// Untouched keys keep their defaults.
	assert.Equal(t, 60*time.Second, cfg.Challenge.NonceTTL)
	assert.Equal(t, []string{"POST /api/tickets", "delete /api/tickets/*"}, cfg.Protected)
	assert.Equal(t, []string{"/api/feedback"}, cfg.RateLimit.Paths)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.Addr, cfg.Server.Addr)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	p := writeConfig(t, "challenge:\n  secret: \"from-file-but-too-short\"\n")
	t.Setenv("POWGATE_SECRET", testSecret)
	t.Setenv("POWGATE_DIFFICULTY", "3")

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	assert.Equal(t, testSecret, cfg.Challenge.Secret)
	assert.Equal(t, 3, cfg.Challenge.Difficulty)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigRejectsBadYAML(t *testing.T) {
	p := writeConfig(t, "challenge: [unterminated")
	_, err := LoadConfig(p)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unmarshal"))
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"short secret", func(c *Config) { c.Challenge.Secret = "short" }, "secret"},
		{"zero difficulty", func(c *Config) { c.Challenge.Difficulty = 0 }, "difficulty"},
		{"huge difficulty", func(c *Config) { c.Challenge.Difficulty = 17 }, "difficulty"},
		{"negative window", func(c *Config) { c.Challenge.PowWindow = -time.Second }, "windows"},
		{"tiny ledger", func(c *Config) { c.Challenge.MaxNoncesPerSession = 1 }, "max_nonces_per_session"},
		{"bad issue path", func(c *Config) { c.Server.IssuePath = "api" }, "issue_path"},
		{"bad protected route", func(c *Config) { c.Protected = []string{"/api/tickets"} }, "protected route"},
		{"bad glob", func(c *Config) { c.Protected = []string{"POST /api/[x"} }, "protected route"},
		{"zero limit", func(c *Config) { c.RateLimit.Limit = 0 }, "rate_limit"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Challenge.Secret = testSecret
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

func TestParseRoute(t *testing.T) {
	method, pattern, err := ParseRoute("post  /api/tickets/*")
	require.NoError(t, err)
	assert.Equal(t, "POST", method)
	assert.Equal(t, "/api/tickets/*", pattern)
}
