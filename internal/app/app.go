// Package app provides application-level wiring for the gateway: it turns a
// loaded Config into a ready http.Handler and its background workers.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"

	"bq-gateway/internal/api"
	"bq-gateway/internal/config"
	"bq-gateway/internal/domain"
	"bq-gateway/internal/gateway"
	"bq-gateway/internal/metrics"
	"bq-gateway/internal/middleware"
	"bq-gateway/internal/service/cache"
	"bq-gateway/internal/service/query"
	"bq-gateway/internal/service/ratelimit"
	"bq-gateway/internal/service/tenant"
	"bq-gateway/internal/warehouse"
)

// Version is reported on GET /. It is overridden at link time.
var Version = "dev"

const (
	sweepInterval   = time.Minute
	startupTimeout  = 15 * time.Second
	startupRetryMin = time.Second
	startupRetryMax = 30 * time.Second
	redisKeyPrefix  = "bqgw"
	serviceName     = "bq-gateway"
	cacheJanitorMin = 30 * time.Second
)

// Deps holds what main() provides. Verifier and Warehouse override the
// config-driven choice when set, e.g. in tests.
type Deps struct {
	Cfg       *config.Config
	Logger    *slog.Logger
	Verifier  domain.TokenVerifier
	Warehouse domain.Warehouse
}

// App is the fully wired gateway.
type App struct {
	Handler http.Handler
	Health  *api.Health
	Gateway *gateway.Gateway
	Metrics *metrics.Metrics // nil when metrics are disabled

	logger  *slog.Logger
	workers []func(ctx context.Context)
	closers []io.Closer

	retryMin, retryMax time.Duration // startup check backoff bounds
}

// NewLogger builds the process logger: JSON outside development, text in
// development, at the configured level.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var h slog.Handler
	if cfg.Env == config.EnvDevelopment {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With("service", serviceName, "environment", cfg.Env)
}

// New wires verifier, stores, warehouse, executor, gateway and router from
// the provided deps. It does not run the startup checks; call Start.
func New(ctx context.Context, deps Deps) (*App, error) {
	cfg := deps.Cfg
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = NewLogger(cfg, os.Stderr)
	}
	a := &App{logger: logger, retryMin: startupRetryMin, retryMax: startupRetryMax}

	// === Metrics ===
	if cfg.MetricsOn {
		a.Metrics = metrics.New()
	}

	// === Token verifier ===
	verifier := deps.Verifier
	if verifier == nil {
		v, err := newVerifier(ctx, cfg)
		if err != nil {
			return nil, err
		}
		verifier = v
	}

	// === Counter and result stores ===
	counters, results, err := a.newStores(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	// === Warehouse ===
	wh := deps.Warehouse
	if wh == nil {
		wh, err = a.newWarehouse(ctx, cfg)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	// === Pipeline ===
	authorizer := tenant.NewAuthorizer(cfg.GCPProject, cfg.Accessible, cfg.SuperAdmins)
	limiter := ratelimit.NewLimiter(counters, cfg.RateLimitRequests, cfg.RateLimitWindow, logger)
	resultCache := cache.New(results, logger, a.Metrics)
	executor := query.NewExecutor(wh, query.Config{
		Timeout:           cfg.Warehouse.JobTimeout,
		MaxResults:        cfg.Warehouse.MaxResults,
		QuotaRetryBackoff: cfg.Warehouse.QuotaRetryBackoff,
		Location:          cfg.Warehouse.Location,
	}, logger, a.Metrics)

	a.Gateway = gateway.New(gateway.Deps{
		Verifier:   verifier,
		Authorizer: authorizer,
		Limiter:    limiter,
		Cache:      resultCache,
		Executor:   executor,
		Warehouse:  wh,
		Metrics:    a.Metrics,
		Logger:     logger,
	}, gateway.Config{CacheTTL: cfg.CacheTTL})

	// === Health ===
	a.Health = api.NewHealth(
		api.ServiceInfo{Name: serviceName, Version: Version, Environment: cfg.Env},
		api.Check{Name: "jwks", Run: verifier.Ready},
		api.Check{Name: "warehouse", Run: func(ctx context.Context) error {
			return wh.Ping(ctx, cfg.GCPProject)
		}},
	)

	// === Router ===
	// The flood guard's idle sweep lives as long as ctx.
	var flood func(http.Handler) http.Handler
	if cfg.IPRateLimitRPS > 0 {
		flood = middleware.FloodGuard(ctx, middleware.FloodGuardConfig{
			RequestsPerSecond: cfg.IPRateLimitRPS,
			Burst:             cfg.IPRateLimitBurst,
		})
	}
	a.Handler = api.NewRouter(api.RouterConfig{
		Handler:        api.NewHandler(a.Gateway, logger),
		Health:         a.Health,
		Metrics:        a.Metrics,
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
		FloodGuard:     flood,
	})

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "warning", w)
	}
	logger.Info("gateway wired",
		"backend", cfg.Warehouse.Backend,
		"default_project", cfg.GCPProject,
		"accessible_projects", cfg.Accessible,
		"shared_stores", cfg.RedisURL != "",
		"metrics", cfg.MetricsOn,
	)
	return a, nil
}

// Start launches background workers and runs the startup checks until they
// pass or ctx ends, backing off between attempts. The service stays unready
// while checks fail; a failure is never fatal.
func (a *App) Start(ctx context.Context) {
	for _, w := range a.workers {
		go w(ctx)
	}

	backoff := a.retryMin
	for attempt := 1; ; attempt++ {
		checkCtx, cancel := context.WithTimeout(ctx, startupTimeout)
		err := a.Health.RunChecks(checkCtx)
		cancel()
		if err == nil {
			a.logger.Info("startup checks passed", "attempts", attempt)
			return
		}
		if ctx.Err() != nil {
			return
		}
		a.logger.Warn("startup checks failed", "error", err, "attempt", attempt, "retry_in", backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff = min(backoff*2, a.retryMax)
	}
}

// Close releases warehouse and store connections.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

func newVerifier(ctx context.Context, cfg *config.Config) (domain.TokenVerifier, error) {
	if cfg.Auth.JWTSecret != "" {
		v, err := middleware.NewHS256Verifier(cfg.Auth.JWTSecret)
		if err != nil {
			return nil, fmt.Errorf("hs256 verifier: %w", err)
		}
		return v, nil
	}
	v, err := middleware.NewFirebaseVerifier(ctx, cfg.Auth.FirebaseProjectID, cfg.Auth.JWKSURL)
	if err != nil {
		return nil, fmt.Errorf("firebase verifier: %w", err)
	}
	return v, nil
}

// newStores picks Redis-backed stores when REDIS_URL is set, otherwise
// in-process ones.
func (a *App) newStores(ctx context.Context, cfg *config.Config) (domain.CounterStore, domain.ResultStore, error) {
	janitor := cfg.CacheTTL
	if janitor < cacheJanitorMin {
		janitor = cacheJanitorMin
	}
	local := cache.NewMemoryStore(cfg.CacheTTL, janitor)

	if cfg.RedisURL == "" {
		counters := ratelimit.NewMemoryStore()
		a.workers = append(a.workers, func(ctx context.Context) {
			counters.RunSweeper(ctx, sweepInterval)
		})
		return counters, local, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	a.closers = append(a.closers, client)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}

	counters := ratelimit.NewRedisStore(client, redisKeyPrefix+":ratelimit")
	results := cache.NewTieredStore(local, cache.NewRedisStore(client, redisKeyPrefix+":cache"))
	return counters, results, nil
}

func (a *App) newWarehouse(ctx context.Context, cfg *config.Config) (domain.Warehouse, error) {
	wlog := a.logger
	switch cfg.Warehouse.Backend {
	case config.BackendDuckDB:
		d, err := warehouse.OpenDuckDB(cfg.Warehouse.DuckDBPath, wlog)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, d)
		if cfg.Warehouse.DuckDBPath == "" {
			if err := seedDemo(ctx, d.DB()); err != nil {
				return nil, fmt.Errorf("seed duckdb: %w", err)
			}
			wlog.Info("seeded in-memory duckdb with demo dataset", "dataset", demoDataset)
		}
		return d, nil
	default:
		bq, err := warehouse.NewBigQuery(ctx, warehouse.BigQueryConfig{
			Location:        cfg.Warehouse.Location,
			CredentialsJSON: []byte(cfg.Warehouse.CredentialsJSON),
			CredentialsFile: cfg.Warehouse.CredentialsFile,
		}, wlog)
		if err != nil {
			return nil, fmt.Errorf("bigquery client: %w", err)
		}
		return bq, nil
	}
}
