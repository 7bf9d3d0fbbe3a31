package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/onnwee/guardrail/internal/api"
	"github.com/onnwee/guardrail/internal/health"
	"github.com/onnwee/guardrail/internal/middleware"
	"github.com/onnwee/guardrail/internal/stream"
)

const (
	shutdownTimeout          = 10 * time.Second
	rateLimitCleanupInterval = time.Minute
)

var serveFlags struct {
	port     int
	schedule bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the audit ledger and run history over HTTP",
	Long: `Serve exposes the read-only audit and run API, the live ledger stream,
health checks and Prometheus metrics. With --schedule it also runs the
pipeline on the configured interval.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if serveFlags.schedule {
			if err := requireActuator(cfg, false, false); err != nil {
				return err
			}
		}
		if serveFlags.port > 0 {
			cfg.Port = serveFlags.port
		}
		logger := newLogger(cfg)
		logger.Info("configuration loaded", "config", cfg.LogSummary())

		ctx := cmd.Context()
		a, err := newStorageApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		if err := a.initTelemetry(); err != nil {
			return err
		}
		httpMetrics := middleware.NewMetrics()
		if err := httpMetrics.Register(a.registry); err != nil {
			return fmt.Errorf("register http metrics: %w", err)
		}

		broadcaster := stream.NewBroadcaster(stream.DefaultBufferSize, logger)
		a.ledger.Subscribe(broadcaster.Publish)

		routerCfg := api.RouterConfig{
			Ledger:         a.ledger,
			Runs:           a.runs,
			Broadcaster:    broadcaster,
			Health:         api.HealthHandlersConfig{Checkers: a.healthCheckers()},
			Metrics:        httpMetrics,
			Gatherer:       a.registry,
			RateLimitStore: a.rateLimitStore(ctx, httpMetrics),
			ExportLimit:    middleware.DefaultExportLimit(),
			CORS:           middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins, MaxAge: 600},
			TracingEnabled: cfg.TracingEnabled,
			ServiceName:    serviceName,
			Logger:         logger,
		}

		if serveFlags.schedule {
			if err := a.buildPipeline(); err != nil {
				return err
			}
			sched := a.newScheduler(0, "")
			if err := sched.Start(context.WithoutCancel(ctx)); err != nil {
				return err
			}
			defer sched.Stop()
			go reloadRulesOnHangup(ctx, a.rules, logger)
			routerCfg.Scheduler = sched
		}

		server := &http.Server{
			Addr:        fmt.Sprintf(":%d", cfg.Port),
			Handler:     api.NewRouter(routerCfg),
			ReadTimeout: 15 * time.Second,
			// The live stream holds responses open, so there is no write timeout;
			// every other route is bounded by the router.
			IdleTimeout: 60 * time.Second,
		}

		serveErr := make(chan error, 1)
		go func() {
			logger.Info("starting server", "port", cfg.Port)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
			close(serveErr)
		}()

		select {
		case err := <-serveErr:
			if err != nil {
				return fmt.Errorf("server error: %w", err)
			}
		case <-ctx.Done():
		}

		logger.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		logger.Info("server stopped")
		return nil
	},
}

func init() {
	f := serveCmd.Flags()
	f.IntVar(&serveFlags.port, "port", 0, "listen port (default: port)")
	f.BoolVar(&serveFlags.schedule, "schedule", false, "also run the pipeline on schedule_interval")
}

// healthCheckers lists the readiness dependencies. Unconfigured ones are
// reported without failing readiness.
func (a *app) healthCheckers() []api.NamedChecker {
	checkers := []api.NamedChecker{{Name: "database"}, {Name: "redis"}}
	if a.db != nil {
		checkers[0].Checker = health.NewDBChecker(a.db.DB)
	}
	if a.redis != nil {
		checkers[1].Checker = health.NewRedisChecker(a.redis)
	}
	if a.cfg.ActuatorURL != "" {
		checkers = append(checkers, api.NamedChecker{
			Name:    "actuator",
			Checker: health.NewEndpointChecker("actuator", a.cfg.ActuatorURL, "/health"),
		})
	}
	if a.cfg.DiscoveryURL != "" {
		checkers = append(checkers, api.NamedChecker{
			Name:    "discovery",
			Checker: health.NewEndpointChecker("discovery", a.cfg.DiscoveryURL, "/health"),
		})
	}
	return checkers
}

// rateLimitStore shares limits through Redis when available. The in-memory
// fallback is swept until ctx ends.
func (a *app) rateLimitStore(ctx context.Context, metrics *middleware.Metrics) middleware.RateLimitStore {
	if a.redis != nil {
		store := middleware.NewRedisRateLimitStore(a.redis)
		store.OnError = func(err error) {
			metrics.IncRateLimitStoreErrors()
			a.logger.Warn("rate limit store unavailable, allowing request", "error", err)
		}
		return store
	}

	store := middleware.NewInMemoryRateLimitStore()
	go func() {
		ticker := time.NewTicker(rateLimitCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				store.Cleanup()
			}
		}
	}()
	return store
}
