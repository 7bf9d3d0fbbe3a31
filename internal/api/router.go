package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/guardrail/internal/audit"
	"github.com/onnwee/guardrail/internal/middleware"
	"github.com/onnwee/guardrail/internal/pipeline"
	"github.com/onnwee/guardrail/internal/stream"
)

// requestTimeout bounds every route except the live stream.
const requestTimeout = 60 * time.Second

// RouterConfig wires the HTTP surface.
type RouterConfig struct {
	Ledger      *audit.Ledger
	Runs        pipeline.RunStore // optional
	Scheduler   StatusReporter    // optional
	Broadcaster *stream.Broadcaster
	Health      HealthHandlersConfig

	// Metrics records HTTP and rate limit metrics when set.
	Metrics *middleware.Metrics
	// Gatherer is served on /metrics when set.
	Gatherer prometheus.Gatherer

	// RateLimitStore guards verify and export. Defaults to an in-memory store.
	RateLimitStore middleware.RateLimitStore
	ExportLimit    middleware.RateLimitConfig

	CORS           middleware.CORSConfig
	TracingEnabled bool
	ServiceName    string
	Logger         *slog.Logger
}

// NewRouter builds the chi router for the audit query server.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RateLimitStore == nil {
		cfg.RateLimitStore = middleware.NewInMemoryRateLimitStore()
	}
	if cfg.ExportLimit.Validate() != nil {
		cfg.ExportLimit = middleware.DefaultExportLimit()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(chimw.Recoverer)
	if cfg.TracingEnabled {
		r.Use(middleware.Tracing(cfg.ServiceName))
	}
	if cfg.Metrics != nil {
		r.Use(middleware.HTTPMetrics(cfg.Metrics))
	}
	r.Use(middleware.CORS(cfg.CORS))

	health := NewHealthHandlers(cfg.Health)
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	auditH := NewAuditHandlers(cfg.Ledger, cfg.Logger)
	limiter := middleware.RateLimiter(cfg.RateLimitStore, cfg.ExportLimit, middleware.IPKeyFunc(), cfg.Metrics)
	r.Route("/audit", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(requestTimeout))
			r.Get("/records", auditH.ListRecords)
			r.Get("/records/{seq}", auditH.GetRecord)
			r.Get("/head", auditH.Head)

			r.Group(func(r chi.Router) {
				r.Use(limiter)
				r.Get("/verify", auditH.Verify)
				r.Get("/export", auditH.Export)
			})
		})
		if cfg.Broadcaster != nil {
			streamH := NewStreamHandlers(cfg.Broadcaster, cfg.CORS.AllowedOrigins, cfg.Logger)
			r.Get("/stream", streamH.Tail)
		}
	})

	if cfg.Runs != nil {
		runH := NewRunHandlers(cfg.Runs, cfg.Scheduler, cfg.Logger)
		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(requestTimeout))
			r.Get("/runs", runH.ListRuns)
			r.Get("/runs/{id}", runH.GetRun)
			r.Get("/scheduler", runH.SchedulerStatus)
		})
	}

	return r
}
