// Package server assembles the gate's HTTP router and its dependencies.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"powgate/internal/challenge"
	"powgate/internal/config"
	"powgate/internal/geo"
	"powgate/internal/handlers"
	"powgate/internal/metrics"
	mw "powgate/internal/middleware"
	"powgate/internal/observability"
	"powgate/internal/proxy"
	"powgate/internal/ratelimit"
	"powgate/internal/store"
)

// Deps are the collaborators New wires into the router.
type Deps struct {
	Issuer    *challenge.Issuer
	Validator *challenge.Validator
	// Limiter guards cfg.RateLimit.Paths. Nil disables it.
	Limiter ratelimit.Limiter
	// Throttle guards the issue endpoint. Nil disables it.
	Throttle ratelimit.Limiter
	// Upstream receives accepted and unprotected requests.
	Upstream    http.Handler
	LedgerStats func() (sessions, entries int)
	Metrics     *metrics.Metrics
	Geo         *geo.Locator
	Logger      *zap.Logger
	Started     time.Time
}

// New builds the router.
func New(cfg *config.Config, deps Deps) (http.Handler, error) {
	if deps.Issuer == nil || deps.Validator == nil || deps.Upstream == nil {
		return nil, errors.New("server: issuer, validator and upstream are required")
	}
	logger := observability.OrNop(deps.Logger)
	routes, err := mw.ParseRoutes(cfg.Protected)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	if cfg.Server.TrustForwardedFor {
		r.Use(chimw.RealIP)
	}
	r.Use(mw.RequestLogger(logger))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", handlers.HealthHandler(deps.Started, deps.LedgerStats))

	if cfg.Server.MetricsPath != "" {
		var h http.Handler = deps.Metrics.Handler()
		if cfg.Server.MetricsAPIKey != "" {
			h = handlers.APIKeyAuthMiddleware(h, cfg.Server.MetricsAPIKey)
		}
		r.Method(http.MethodGet, cfg.Server.MetricsPath, h)
	}

	issue := handlers.IssueHandler(deps.Issuer, deps.Metrics, logger)
	if deps.Throttle != nil {
		issue = mw.RateLimiter(deps.Throttle, "issue_throttle", nil, deps.Metrics, logger)(issue)
	}
	r.Method(http.MethodPost, cfg.Server.IssuePath, issue)

	var gated http.Handler = mw.Gate(mw.GateOptions{
		Validator:    deps.Validator,
		Protected:    routes,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Metrics:      deps.Metrics,
		Geo:          deps.Geo,
		Logger:       logger,
	})(deps.Upstream)
	if deps.Limiter != nil {
		gated = mw.RateLimiter(deps.Limiter, "sliding_window", cfg.RateLimit.Paths, deps.Metrics, logger)(gated)
	}
	r.Handle("/*", gated)

	return r, nil
}

// App is a fully wired gate built from configuration.
type App struct {
	Handler http.Handler

	redis   *redis.Client
	loops   []func(context.Context)
	closers []func() error
}

// NewApp builds every dependency named by cfg. Call Start to run the
// background sweeps and Close to release connections.
func NewApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, version string) (*App, error) {
	logger = observability.OrNop(logger)
	app := &App{}
	ok := false
	defer func() {
		if !ok {
			_ = app.Close()
		}
	}()

	ch := cfg.Challenge
	issuer, err := challenge.NewIssuer([]byte(ch.Secret), challenge.IssuerOptions{
		Difficulty: ch.Difficulty,
		TokenTTL:   ch.TokenTTL,
	})
	if err != nil {
		return nil, err
	}
	m := metrics.New(version)

	if cfg.Redis.Ledger || (cfg.RateLimit.Enabled && cfg.Redis.RateLimit) {
		client, err := store.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		app.redis = client
		app.closers = append(app.closers, client.Close)
	}

	deps := Deps{Issuer: issuer, Metrics: m, Logger: logger, Started: time.Now()}

	var ledger store.NonceLedger
	if cfg.Redis.Ledger {
		ledger = store.NewRedisLedger(app.redis, cfg.Redis.KeyPrefix, ch.NonceTTL)
	} else {
		mem := store.NewMemoryLedger(store.LedgerOptions{
			TTL:           ch.NonceTTL,
			MaxPerSession: ch.MaxNoncesPerSession,
			SweepInterval: ch.SweepInterval,
			Logger:        logger,
			OnSweep:       m.LedgerEntries,
		})
		ledger = mem
		deps.LedgerStats = mem.Stats
		app.loops = append(app.loops, mem.Run)
	}
	deps.Validator = challenge.NewValidator(issuer, ledger, challenge.ValidatorOptions{
		PowWindow: ch.PowWindow,
		Logger:    logger,
	})

	if cfg.RateLimit.Enabled {
		rl := cfg.RateLimit
		if cfg.Redis.RateLimit {
			deps.Limiter = ratelimit.NewRedisSlidingWindow(app.redis, cfg.Redis.KeyPrefix, rl.Limit, rl.Window)
		} else {
			sw := ratelimit.NewSlidingWindow(rl.Limit, rl.Window)
			deps.Limiter = sw
			app.loops = append(app.loops, sw.Run)
		}
		th := ratelimit.NewThrottle(rl.IssueRPS, rl.IssueBurst)
		deps.Throttle = th
		app.loops = append(app.loops, th.Run)
	}

	if deps.Geo, err = geo.Open(cfg.GeoIP.DatabasePath); err != nil {
		return nil, err
	}
	app.closers = append(app.closers, deps.Geo.Close)

	if cfg.Server.Backend != "" {
		if deps.Upstream, err = proxy.NewProxy(cfg.Server.Backend, version, logger); err != nil {
			return nil, fmt.Errorf("server: backend %q: %w", cfg.Server.Backend, err)
		}
	} else {
		logger.Warn("NewApp: no backend configured, accepted requests are answered locally")
		deps.Upstream = handlers.AcceptHandler(logger)
	}

	if app.Handler, err = New(cfg, deps); err != nil {
		return nil, err
	}
	ok = true
	return app, nil
}

// Start runs the background sweeps until ctx is done.
func (a *App) Start(ctx context.Context) {
	for _, loop := range a.loops {
		go loop(ctx)
	}
}

// Close releases Redis and GeoIP handles.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
