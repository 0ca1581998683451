package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Challenge ChallengeConfig `yaml:"challenge"`
	// Protected lists the mutating routes the gate applies to, as
	// "METHOD /path-glob" entries (path.Match syntax).
	Protected []string        `yaml:"protected"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Redis     RedisConfig     `yaml:"redis"`
	GeoIP     GeoIPConfig     `yaml:"geoip"`
	Logger    LoggerConfig    `yaml:"logger"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr" env:"POWGATE_ADDR"`
	Backend           string        `yaml:"backend" env:"POWGATE_BACKEND"`
	IssuePath         string        `yaml:"issue_path"`
	MetricsPath       string        `yaml:"metrics_path"`
	MetricsAPIKey     string        `yaml:"metrics_api_key" env:"POWGATE_METRICS_API_KEY"`
	TrustForwardedFor bool          `yaml:"trust_forwarded_for"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// ChallengeConfig holds the deploy-time protocol parameters.
type ChallengeConfig struct {
	Secret              string        `yaml:"secret" env:"POWGATE_SECRET"`
	Difficulty          int           `yaml:"difficulty" env:"POWGATE_DIFFICULTY"`
	TokenTTL            time.Duration `yaml:"token_ttl"`
	PowWindow           time.Duration `yaml:"pow_window"`
	NonceTTL            time.Duration `yaml:"nonce_ttl"`
	MaxNoncesPerSession int           `yaml:"max_nonces_per_session"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
}

type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled"`
	Limit   int           `yaml:"limit"`
	Window  time.Duration `yaml:"window"`
	// Paths are the high-value routes the sliding window applies to.
	Paths []string `yaml:"paths"`
	// IssueRPS and IssueBurst throttle the issue endpoint per IP.
	IssueRPS   float64 `yaml:"issue_rps"`
	IssueBurst int     `yaml:"issue_burst"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr" env:"POWGATE_REDIS_ADDR"`
	Password  string `yaml:"password" env:"POWGATE_REDIS_PASSWORD"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	// Ledger moves the nonce ledger to Redis so replicas share replay state.
	Ledger bool `yaml:"ledger"`
	// RateLimit moves the sliding window to Redis.
	RateLimit bool `yaml:"rate_limit"`
}

type GeoIPConfig struct {
	DatabasePath string `yaml:"database_path" env:"POWGATE_GEOIP_DB"`
}

type LoggerConfig struct {
	Level       string `yaml:"level" env:"POWGATE_LOG_LEVEL"`
	Format      string `yaml:"format"`
	ServiceName string `yaml:"service_name"`
	AddSource   bool   `yaml:"add_source"`
	LogFile     string `yaml:"log_file"`
	MaxSize     int    `yaml:"max_size"`
	MaxBackups  int    `yaml:"max_backups"`
	MaxAge      int    `yaml:"max_age"`
	Compress    bool   `yaml:"compress"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			IssuePath:       "/api/challenge",
			MetricsPath:     "/metrics",
			MaxBodyBytes:    1 << 20,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Challenge: ChallengeConfig{
			Difficulty:          4,
			TokenTTL:            24 * time.Hour,
			PowWindow:           30 * time.Second,
			NonceTTL:            60 * time.Second,
			MaxNoncesPerSession: 1000,
			SweepInterval:       60 * time.Second,
		},
		Protected: []string{},
		RateLimit: RateLimitConfig{
			Enabled:    true,
			Limit:      10,
			Window:     time.Minute,
			Paths:      []string{},
			IssueRPS:   1,
			IssueBurst: 5,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "powgate:",
		},
		Logger: LoggerConfig{
			Level:       "info",
			Format:      "json",
			ServiceName: "powgate",
			MaxSize:     100,
			MaxBackups:  3,
			MaxAge:      28,
		},
	}
}

// LoadConfig reads the YAML file at path over the defaults, then applies
// POWGATE_* environment overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("load config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("load config: unmarshal %s: %w", path, err)
			}
		}
	}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("load config: env overrides: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings the protocol depends on.
func (c *Config) Validate() error {
	ch := c.Challenge
	if len(ch.Secret) < 32 {
		return errors.New("challenge.secret must be at least 32 bytes")
	}
	if ch.Difficulty < 1 || ch.Difficulty > 16 {
		return fmt.Errorf("challenge.difficulty must be within 1..16, got %d", ch.Difficulty)
	}
	if ch.TokenTTL <= 0 || ch.PowWindow <= 0 || ch.NonceTTL <= 0 || ch.SweepInterval <= 0 {
		return errors.New("challenge windows must be positive")
	}
	if ch.MaxNoncesPerSession < 2 {
		return errors.New("challenge.max_nonces_per_session must be at least 2")
	}
	if !strings.HasPrefix(c.Server.IssuePath, "/") {
		return fmt.Errorf("server.issue_path must start with '/': %q", c.Server.IssuePath)
	}
	if c.Server.MaxBodyBytes <= 0 {
		return errors.New("server.max_body_bytes must be positive")
	}
	for _, entry := range c.Protected {
		if _, _, err := ParseRoute(entry); err != nil {
			return err
		}
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0 {
			return errors.New("rate_limit.limit and rate_limit.window must be positive")
		}
		if c.RateLimit.IssueRPS <= 0 || c.RateLimit.IssueBurst <= 0 {
			return errors.New("rate_limit.issue_rps and rate_limit.issue_burst must be positive")
		}
	}
	return nil
}

// ParseRoute splits a "METHOD /path-glob" entry.
func ParseRoute(entry string) (method, pattern string, err error) {
	fields := strings.Fields(entry)
	if len(fields) != 2 || !strings.HasPrefix(fields[1], "/") {
		return "", "", fmt.Errorf("protected route %q must look like \"POST /path\"", entry)
	}
	if _, err := path.Match(fields[1], "/"); err != nil {
		return "", "", fmt.Errorf("protected route %q: %w", entry, err)
	}
	return strings.ToUpper(fields[0]), fields[1], nil
}
