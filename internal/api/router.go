package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"bq-gateway/internal/metrics"
	"bq-gateway/internal/middleware"
)

// RouterConfig assembles the HTTP surface.
type RouterConfig struct {
	Handler        *Handler
	Health         *Health
	Metrics        *metrics.Metrics // nil disables /metrics
	Logger         *slog.Logger
	AllowedOrigins []string
	// FloodGuard throttles /api by client address. Optional.
	FloodGuard func(http.Handler) http.Handler
}

// NewRouter builds the chi router with the shared middleware stack.
func NewRouter(cfg RouterConfig) chi.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.AccessLog(logger, cfg.Metrics))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-Response-Time", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/", cfg.Health.ServeInfo)
	r.Get("/health", cfg.Health.ServeReady)
	r.Get("/health/ready", cfg.Health.ServeReady)
	r.Get("/health/live", cfg.Health.ServeLive)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Route("/api/bigquery", func(r chi.Router) {
		if cfg.FloodGuard != nil {
			r.Use(cfg.FloodGuard)
		}
		h := cfg.Handler
		r.Post("/query", h.Query)
		r.Get("/datasets", h.ListDatasets)
		r.Get("/datasets/{dataset}/tables", h.ListTables)
		r.Get("/datasets/{dataset}/tables/{table}/schema", h.TableSchema)
		r.Get("/datasets/{dataset}/tables/{table}/preview", h.Preview)
	})

	return r
}
