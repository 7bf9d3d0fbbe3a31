package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/guardrail/internal/compliance"
	"github.com/onnwee/guardrail/internal/discovery"
	"github.com/onnwee/guardrail/internal/execution"
	"github.com/onnwee/guardrail/internal/policy"
	"github.com/onnwee/guardrail/internal/tracing"
)

// ErrDiscoveryFailed wraps failures of the discovery collaborator after
// retries are exhausted.
var ErrDiscoveryFailed = errors.New("discovery failed")

// Settings is the immutable behaviour of an orchestrator.
type Settings struct {
	// SkipExecution ends every run after compliance.
	SkipExecution bool
	// MaxActionsPerRun caps the actions sent to compliance. Zero means no cap.
	MaxActionsPerRun int
	Execution        execution.Options

	CriticalNodeIDs    []string
	MaintenanceWindows []compliance.DailyWindow
	ChangeFreezes      []compliance.Window

	// DiscoveryAttempts bounds calls to the discovery source per run.
	DiscoveryAttempts int
	DiscoveryBackoff  time.Duration
}

// DefaultSettings returns live execution with verification.
func DefaultSettings() Settings {
	return Settings{
		Execution:         execution.DefaultOptions(),
		DiscoveryAttempts: 3,
		DiscoveryBackoff:  time.Second,
	}
}

// Config wires an orchestrator to its components.
type Config struct {
	Discovery   discovery.Source
	Rules       policy.RuleSource
	Engine      *policy.Engine
	Gate        *compliance.Gate
	Coordinator *execution.Coordinator
	Store       RunStore
	Metrics     *Metrics
	Logger      *slog.Logger
	Settings    Settings
}

// Request starts one run.
type Request struct {
	Trigger     Trigger
	TriggeredBy string
	// Scope is discovery.ScopeAll, a node id, a node type or an issue type.
	Scope string
	// Approvals holds approval tokens keyed by action id or
	// compliance.ApprovalKey.
	Approvals          map[string]string
	RecentActionCounts map[string]int
	// DryRun and SkipExecution can only make a run safer than Settings.
	DryRun        bool
	SkipExecution bool
}

// Report is a finished run together with the working set it produced.
type Report struct {
	Run        *Run                       `json:"run"`
	Issues     []policy.Issue             `json:"issues,omitempty"`
	Actions    []policy.RecommendedAction `json:"actions,omitempty"`
	RuleErrors []*policy.EvaluationError  `json:"-"`
	Verdicts   []compliance.Verdict       `json:"verdicts,omitempty"`
	Results    []execution.Result         `json:"results,omitempty"`
}

// Orchestrator runs the decision pipeline. Runs share nothing but the
// ledger behind the gate and coordinator, so Run may be called
// concurrently.
type Orchestrator struct {
	cfg   Config
	now   func() time.Time
	newID func() string
}

// NewOrchestrator validates cfg and creates an orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	var missing []string
	if cfg.Discovery == nil {
		missing = append(missing, "discovery source")
	}
	if cfg.Rules == nil {
		missing = append(missing, "rule source")
	}
	if cfg.Gate == nil {
		missing = append(missing, "compliance gate")
	}
	if cfg.Coordinator == nil {
		missing = append(missing, "execution coordinator")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("pipeline: missing %v", missing)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Engine == nil {
		cfg.Engine = policy.NewEngine(cfg.Logger)
	}
	if cfg.Store == nil {
		cfg.Store = NewInMemoryRunStore()
	}
	if cfg.Settings.DiscoveryAttempts < 1 {
		cfg.Settings.DiscoveryAttempts = 1
	}
	return &Orchestrator{cfg: cfg, now: time.Now, newID: uuid.NewString}, nil
}

// Store returns the run store.
func (o *Orchestrator) Store() RunStore {
	return o.cfg.Store
}

// runState is the working set of one run.
type runState struct {
	req    Request
	run    *Run
	report *Report
	logger *slog.Logger
}

// Run drives one pipeline run to StageDone. The returned report is non-nil
// whenever the run was created, including aborted runs; the error is
// non-nil for aborted and cancelled runs.
func (o *Orchestrator) Run(ctx context.Context, req Request) (report *Report, err error) {
	if req.Trigger == "" {
		req.Trigger = TriggerManual
	}
	if req.Scope == "" {
		req.Scope = discovery.ScopeAll
	}

	run := &Run{
		RunID:        o.newID(),
		Trigger:      req.Trigger,
		TriggeredBy:  req.TriggeredBy,
		Scope:        req.Scope,
		StartedAt:    o.now().UTC(),
		StageReached: StageDiscovery,
	}
	ctx, endSpan := tracing.StartSpan(ctx, "pipeline.run",
		attribute.String("run.id", run.RunID),
		attribute.String("run.trigger", string(run.Trigger)),
		attribute.String("run.scope", run.Scope))
	defer func() { endSpan(err) }()

	if err := o.cfg.Store.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("creating pipeline run: %w", err)
	}
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.RunStarted()
	}

	st := &runState{
		req:    req,
		run:    run,
		report: &Report{Run: run},
		logger: o.cfg.Logger.With(slog.String("run_id", run.RunID)),
	}
	st.logger.Info("pipeline run started",
		slog.String("trigger", string(run.Trigger)),
		slog.String("triggered_by", run.TriggeredBy),
		slog.String("scope", run.Scope))

	reason, runErr := o.drive(ctx, st)
	return st.report, o.finalize(ctx, st, reason, runErr)
}

// drive walks the state machine until it reaches StageDone.
func (o *Orchestrator) drive(ctx context.Context, st *runState) (TerminalReason, error) {
	stage := StageDiscovery
	for stage != StageDone {
		if err := ctx.Err(); err != nil {
			return ReasonCancelled, err
		}
		count, err := o.runStage(ctx, st, stage)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return ReasonCancelled, err
			}
			return ReasonAborted, err
		}
		st.run.StageReached = stage
		t := next(stage, count, o.cfg.Settings.SkipExecution || st.req.SkipExecution)
		if t.to == StageDone {
			return t.reason, nil
		}
		stage = t.to
		if err := o.cfg.Store.Save(ctx, st.run); err != nil {
			st.logger.Warn("failed to save pipeline run progress", slog.String("error", err.Error()))
		}
	}
	return ReasonCompleted, nil
}

// runStage executes one stage and returns the size of its guarding output.
func (o *Orchestrator) runStage(ctx context.Context, st *runState, stage Stage) (count int, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "pipeline.stage."+string(stage),
		attribute.String("run.id", st.run.RunID))
	start := o.now()
	defer func() {
		endSpan(err)
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.ObserveStage(stage, o.now().Sub(start).Seconds())
		}
	}()

	switch stage {
	case StageDiscovery:
		return o.discover(ctx, st)
	case StagePolicy:
		return o.evaluate(ctx, st)
	case StageCompliance:
		return o.validate(ctx, st)
	case StageExecution:
		return o.execute(ctx, st)
	}
	return 0, fmt.Errorf("unknown pipeline stage %q", stage)
}

func (o *Orchestrator) discover(ctx context.Context, st *runState) (int, error) {
	b := backoff.NewExponentialBackOff()
	if o.cfg.Settings.DiscoveryBackoff > 0 {
		b.InitialInterval = o.cfg.Settings.DiscoveryBackoff
	}
	attempt := 0
	issues, err := backoff.Retry(ctx, func() ([]policy.Issue, error) {
		attempt++
		issues, err := o.cfg.Discovery.Discover(ctx, st.req.Scope)
		if err != nil && !errors.Is(err, discovery.ErrUnavailable) {
			return nil, backoff.Permanent(err)
		}
		return issues, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(o.cfg.Settings.DiscoveryAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			st.logger.Warn("discovery attempt failed, retrying",
				slog.Int("attempt", attempt),
				slog.Duration("retry_in", next),
				slog.String("error", err.Error()))
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("%w after %d attempts: %w", ErrDiscoveryFailed, attempt, err)
	}
	st.report.Issues = issues
	st.run.Summary.Issues = len(issues)
	st.logger.Info("discovery completed", slog.String("stage", string(StageDiscovery)), slog.Int("issues", len(issues)))
	return len(issues), nil
}

func (o *Orchestrator) evaluate(ctx context.Context, st *runState) (int, error) {
	rules, err := o.cfg.Rules.ActiveRules(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading active rules: %w", err)
	}
	ev := o.cfg.Engine.EvaluateAll(st.report.Issues, rules)
	actions := ev.Actions
	if limit := o.cfg.Settings.MaxActionsPerRun; limit > 0 && len(actions) > limit {
		st.run.Summary.Truncated = len(actions) - limit
		st.logger.Warn("recommended actions truncated",
			slog.Int("recommended", len(actions)),
			slog.Int("limit", limit))
		actions = actions[:limit]
	}
	st.report.Actions = actions
	st.report.RuleErrors = ev.Errors
	st.run.Summary.Actions = len(actions)
	st.run.Summary.RuleErrors = len(ev.Errors)
	st.logger.Info("policy evaluation completed",
		slog.String("stage", string(StagePolicy)),
		slog.Int("rules", len(rules)),
		slog.Int("actions", len(actions)),
		slog.Int("rule_errors", len(ev.Errors)))
	return len(actions), nil
}

// complianceContext materialises the configured windows for now.
func (o *Orchestrator) complianceContext(st *runState, now time.Time) compliance.Context {
	windows := make([]compliance.Window, 0, len(o.cfg.Settings.MaintenanceWindows))
	for _, dw := range o.cfg.Settings.MaintenanceWindows {
		if w := dw.At(now); !w.Start.IsZero() {
			windows = append(windows, w)
		}
	}
	return compliance.Context{
		RunID:              st.run.RunID,
		Now:                now,
		MaintenanceWindows: windows,
		CriticalNodeIDs:    o.cfg.Settings.CriticalNodeIDs,
		RecentActionCounts: st.req.RecentActionCounts,
		Approvals:          st.req.Approvals,
		ChangeFreezes:      o.cfg.Settings.ChangeFreezes,
	}
}

func (o *Orchestrator) validate(ctx context.Context, st *runState) (int, error) {
	verdicts, err := o.cfg.Gate.Validate(ctx, st.report.Actions, o.complianceContext(st, o.now().UTC()))
	st.report.Verdicts = verdicts
	for _, v := range verdicts {
		if v.Approved() {
			st.run.Summary.Approved++
			continue
		}
		st.run.Summary.Denied++
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.IncDenials(v.RuleViolated)
		}
	}
	if err != nil {
		return 0, fmt.Errorf("compliance validation: %w", err)
	}
	st.logger.Info("compliance validation completed",
		slog.String("stage", string(StageCompliance)),
		slog.Int("approved", st.run.Summary.Approved),
		slog.Int("denied", st.run.Summary.Denied))
	return st.run.Summary.Approved, nil
}

func (o *Orchestrator) execute(ctx context.Context, st *runState) (int, error) {
	opts := o.cfg.Settings.Execution
	opts.RunID = st.run.RunID
	opts.DryRun = opts.DryRun || st.req.DryRun

	// Rate-limit slots are taken only for actions that reach the actuator.
	if !opts.DryRun {
		if err := o.admit(ctx, st); err != nil {
			return 0, err
		}
	}

	approved := make([]policy.RecommendedAction, 0, st.run.Summary.Approved)
	for _, v := range st.report.Verdicts {
		if v.Approved() {
			approved = append(approved, v.Action)
		}
	}

	results, err := o.cfg.Coordinator.Execute(ctx, approved, opts)
	st.report.Results = results
	for _, r := range results {
		switch r.Outcome {
		case execution.OutcomeSuccess:
			st.run.Summary.Succeeded++
		case execution.OutcomeFailed:
			st.run.Summary.Failed++
		case execution.OutcomeRolledBack:
			st.run.Summary.RolledBack++
		}
		if r.VerificationPassed != nil && !*r.VerificationPassed {
			st.run.Summary.VerificationFailed++
		}
		if r.NeedsFollowUp() {
			st.run.Summary.NeedsFollowUp++
		}
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.IncActions(string(r.Outcome))
		}
	}
	if err != nil {
		return 0, fmt.Errorf("execution: %w", err)
	}
	st.logger.Info("execution completed",
		slog.String("stage", string(StageExecution)),
		slog.Int("succeeded", st.run.Summary.Succeeded),
		slog.Int("failed", st.run.Summary.Failed),
		slog.Int("rolled_back", st.run.Summary.RolledBack),
		slog.Bool("dry_run", opts.DryRun))
	return len(results), nil
}

// admit reserves rate-limit slots for the approved verdicts and moves the
// ones that lost their slot to the denied count.
func (o *Orchestrator) admit(ctx context.Context, st *runState) error {
	before := st.run.Summary.Approved
	admitted, err := o.cfg.Gate.Admit(ctx, st.report.Verdicts, o.complianceContext(st, o.now().UTC()))
	approved := 0
	for _, v := range st.report.Verdicts {
		if v.Approved() {
			approved++
		}
	}
	lost := before - approved
	st.run.Summary.Approved = approved
	st.run.Summary.Denied += lost
	if o.cfg.Metrics != nil {
		for range lost {
			o.cfg.Metrics.IncDenials(compliance.RuleRateLimit)
		}
	}
	if err != nil {
		return fmt.Errorf("compliance admission: %w", err)
	}
	if lost > 0 {
		st.logger.Warn("approved actions lost their rate-limit slot",
			slog.Int("admitted", admitted),
			slog.Int("denied", lost))
	}
	return nil
}

// finalize records the terminal state. It runs even when ctx is cancelled.
func (o *Orchestrator) finalize(ctx context.Context, st *runState, reason TerminalReason, runErr error) error {
	ctx = context.WithoutCancel(ctx)
	ended := o.now().UTC()
	st.run.EndedAt = &ended
	st.run.TerminalReason = reason
	if runErr != nil {
		st.run.Error = runErr.Error()
	}

	saveErr := o.cfg.Store.Save(ctx, st.run)
	if saveErr != nil {
		st.logger.Error("failed to finalize pipeline run", slog.String("error", saveErr.Error()))
	}
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.IncRuns(st.run.Trigger, reason)
		o.cfg.Metrics.RunFinished(float64(ended.Unix()))
	}

	attrs := []any{
		slog.String("stage_reached", string(st.run.StageReached)),
		slog.String("terminal_reason", string(reason)),
		slog.String("status", string(st.run.Status())),
		slog.Duration("duration", st.run.Duration()),
		slog.Int("issues", st.run.Summary.Issues),
		slog.Int("actions", st.run.Summary.Actions),
		slog.Int("approved", st.run.Summary.Approved),
		slog.Int("denied", st.run.Summary.Denied),
		slog.Int("succeeded", st.run.Summary.Succeeded),
		slog.Int("failed", st.run.Summary.Failed),
	}
	switch reason {
	case ReasonAborted:
		st.logger.Error("pipeline run aborted", append(attrs, slog.String("error", st.run.Error))...)
	case ReasonCancelled:
		st.logger.Warn("pipeline run cancelled", attrs...)
	default:
		st.logger.Info("pipeline run finished", attrs...)
	}

	if runErr != nil {
		return runErr
	}
	if saveErr != nil {
		return fmt.Errorf("finalizing pipeline run: %w", saveErr)
	}
	return nil
}
