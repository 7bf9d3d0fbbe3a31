package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/guardrail/internal/approval"
	"github.com/onnwee/guardrail/internal/audit"
	"github.com/onnwee/guardrail/internal/compliance"
	"github.com/onnwee/guardrail/internal/config"
	"github.com/onnwee/guardrail/internal/db"
	"github.com/onnwee/guardrail/internal/discovery"
	"github.com/onnwee/guardrail/internal/execution"
	"github.com/onnwee/guardrail/internal/pipeline"
	"github.com/onnwee/guardrail/internal/policy"
	"github.com/onnwee/guardrail/internal/tracing"
)

const (
	serviceName           = "guardrail"
	discoveryTimeout      = 30 * time.Second
	redisPingTimeout      = 5 * time.Second
	complianceCountPrefix = "guardrail:compliance:"
)

// app holds the components shared by the commands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db     *db.DB
	redis  *redis.Client
	ledger *audit.Ledger
	runs   pipeline.RunStore

	registry *prometheus.Registry
	metrics  *pipeline.Metrics

	rules        *policy.FileRuleStore
	orchestrator *pipeline.Orchestrator

	closers []func(context.Context) error
}

// newStorageApp opens the ledger and run stores. Without a database URL
// both live in memory and are lost on exit.
func newStorageApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if cfg.DatabaseURL != "" {
		d, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		a.db = d
		a.closers = append(a.closers, func(context.Context) error { return d.Close() })
		a.ledger = audit.NewLedger(audit.NewSQLStore(d, logger), logger)
		a.runs = pipeline.NewSQLRunStore(d)
		logger.Info("using database storage", "dialect", d.Dialect)
	} else {
		a.ledger = audit.NewLedger(audit.NewInMemoryStore(), logger)
		a.runs = pipeline.NewInMemoryRunStore()
		logger.Warn("database_url not set, audit ledger is in memory and will not survive a restart")
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		err = client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			a.Close(ctx)
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		a.redis = client
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	}

	return a, nil
}

// newPipelineApp opens storage and assembles the full decision pipeline.
func newPipelineApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a, err := newStorageApp(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := a.buildPipeline(); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

// initTelemetry starts tracing and creates the metrics registry with the
// pipeline collectors. It is a no-op when already done.
func (a *app) initTelemetry() error {
	if a.registry != nil {
		return nil
	}
	cfg := a.cfg

	tp, err := tracing.NewProvider(tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Enabled:        cfg.TracingEnabled,
		Environment:    cfg.Env,
		ExporterType:   cfg.TracingExporter,
		OTLPEndpoint:   cfg.TracingEndpoint,
		SamplingRate:   cfg.TracingSamplingRate,
		InsecureMode:   cfg.TracingInsecure,
		Logger:         a.logger,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	if tp.IsEnabled() {
		a.closers = append(a.closers, tp.Shutdown)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := pipeline.NewMetrics()
	if err := metrics.Register(registry); err != nil {
		return fmt.Errorf("register pipeline metrics: %w", err)
	}
	a.ledger.Subscribe(metrics.LedgerObserver())
	a.registry, a.metrics = registry, metrics
	return nil
}

func (a *app) buildPipeline() error {
	cfg, logger := a.cfg, a.logger

	if err := a.initTelemetry(); err != nil {
		return err
	}

	var err error
	a.rules, err = policy.NewFileRuleStore(cfg.RulesPath)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	source, err := newDiscoverySource(cfg)
	if err != nil {
		return err
	}

	actuator, err := newActuator(cfg)
	if err != nil {
		return err
	}

	maintenance, err := cfg.DailyWindows()
	if err != nil {
		return err
	}
	freezes, err := cfg.FreezeWindows()
	if err != nil {
		return err
	}
	businessHours, err := cfg.BusinessHoursWindow()
	if err != nil {
		return err
	}

	gateCfg := compliance.Config{
		Catalog:       cfg.Catalog(),
		RateLimit:     compliance.RateLimitConfig{Ceiling: cfg.RateLimitCeiling, Window: cfg.RateLimitWindow},
		BusinessHours: businessHours,
	}
	if a.redis != nil {
		gateCfg.Counters = compliance.NewRedisCounterStore(a.redis, complianceCountPrefix)
	} else {
		gateCfg.Counters = compliance.NewInMemoryCounterStore()
	}
	if cfg.ApprovalSecret != "" {
		gateCfg.Verifier = approval.NewService(cfg.ApprovalSecret, cfg.ApprovalPreviousSecret).
			WithLeeway(cfg.ApprovalLeeway)
	} else {
		logger.Warn("approval_secret not set, any non-empty approval token is accepted")
	}
	gate, err := compliance.NewGate(a.ledger, gateCfg, logger)
	if err != nil {
		return err
	}

	settings := pipeline.DefaultSettings()
	settings.SkipExecution = cfg.SkipExecution
	settings.MaxActionsPerRun = cfg.MaxActionsPerRun
	settings.CriticalNodeIDs = cfg.CriticalNodeIDs
	settings.MaintenanceWindows = maintenance
	settings.ChangeFreezes = freezes
	settings.Execution.DryRun = cfg.DryRun
	settings.Execution.Verify = cfg.VerifyExecution
	settings.Execution.MaxAttempts = cfg.MaxAttempts
	settings.Execution.RetryBackoff = cfg.RetryBackoff
	settings.Execution.AttemptTimeout = cfg.AttemptTimeout

	a.orchestrator, err = pipeline.NewOrchestrator(pipeline.Config{
		Discovery:   source,
		Rules:       a.rules,
		Engine:      policy.NewEngine(logger),
		Gate:        gate,
		Coordinator: execution.NewCoordinator(actuator, a.ledger, logger),
		Store:       a.runs,
		Metrics:     a.metrics,
		Logger:      logger,
		Settings:    settings,
	})
	return err
}

// newDiscoverySource prefers the discovery service over a local issues file.
func newDiscoverySource(cfg *config.Config) (discovery.Source, error) {
	switch {
	case cfg.DiscoveryURL != "":
		return discovery.NewHTTPSource(cfg.DiscoveryURL, discoveryTimeout)
	case cfg.IssuesPath != "":
		return discovery.NewFileSource(cfg.IssuesPath), nil
	default:
		return nil, errors.New("one of discovery_url or issues_path is required")
	}
}

// newActuator connects to the actuation service. Without a URL every
// invocation fails, which only dry runs and skipped execution tolerate.
func newActuator(cfg *config.Config) (execution.Actuator, error) {
	if cfg.ActuatorURL != "" {
		return execution.NewHTTPActuator(cfg.ActuatorURL, cfg.ActuatorToken, cfg.AttemptTimeout)
	}
	return &execution.FuncActuator{
		InvokeFunc: func(context.Context, execution.Request) (execution.Response, error) {
			return execution.Response{}, config.ErrMissingActuatorURL
		},
	}, nil
}

// Close releases everything the app opened, newest first.
func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
