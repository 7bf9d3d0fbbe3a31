package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/onnwee/guardrail/internal/pipeline"
	"github.com/onnwee/guardrail/internal/policy"
)

var scheduleFlags struct {
	interval time.Duration
	scope    string
	runNow   bool
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the pipeline on a fixed interval until interrupted",
	Long: `Schedule triggers a pipeline run every interval. Scheduled runs never
overlap. SIGHUP reloads the rules file; SIGINT or SIGTERM stops the
scheduler after the run in progress finishes.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := requireActuator(cfg, false, false); err != nil {
			return err
		}
		logger := newLogger(cfg)

		ctx := cmd.Context()
		a, err := newPipelineApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		sched := a.newScheduler(scheduleFlags.interval, scheduleFlags.scope)
		// Scheduled runs finish on shutdown instead of being cancelled.
		runCtx := context.WithoutCancel(ctx)
		if err := sched.Start(runCtx); err != nil {
			return err
		}
		go reloadRulesOnHangup(ctx, a.rules, logger)

		if scheduleFlags.runNow {
			if _, err := sched.RunNow(runCtx, currentUser()); err != nil {
				logger.Error("initial run failed", "error", err)
			}
		}

		<-ctx.Done()
		logger.Info("stopping scheduler...")
		sched.Stop()
		logger.Info("scheduler stopped")
		return nil
	},
}

func init() {
	f := scheduleCmd.Flags()
	f.DurationVar(&scheduleFlags.interval, "interval", 0, "time between runs (default: schedule_interval)")
	f.StringVar(&scheduleFlags.scope, "scope", "", "node id, node type, issue type or \"all\" (default: schedule_scope)")
	f.BoolVar(&scheduleFlags.runNow, "run-now", false, "run once immediately before the first tick")
}

// newScheduler builds a scheduler over the app's orchestrator. Zero values
// fall back to the configuration.
func (a *app) newScheduler(interval time.Duration, scope string) *pipeline.Scheduler {
	if interval <= 0 {
		interval = a.cfg.ScheduleInterval
	}
	if scope == "" {
		scope = a.cfg.ScheduleScope
	}
	return pipeline.NewScheduler(pipeline.SchedulerConfig{
		Interval: interval,
		Scope:    scope,
		Logger:   a.logger,
	}, a.orchestrator)
}

// reloadRulesOnHangup reloads the rules file on every SIGHUP until ctx ends.
// A rules file that fails to load leaves the active rules in place.
func reloadRulesOnHangup(ctx context.Context, rules *policy.FileRuleStore, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := rules.Reload(); err != nil {
				logger.Error("rules reload failed, keeping active rules", "error", err)
				continue
			}
			active, _ := rules.ActiveRules(ctx)
			logger.Info("rules reloaded", "rules", len(active))
		}
	}
}
