package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/guardrail/internal/audit"
	"github.com/onnwee/guardrail/internal/policy"
	"github.com/onnwee/guardrail/internal/tracing"
)

// Outcome is the terminal state of one executed action.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeFailed     Outcome = "failed"
	OutcomeRolledBack Outcome = "rolled_back"
)

// Options controls one Execute call.
type Options struct {
	// RunID tags the ledger records written for this call.
	RunID string
	// DryRun simulates success without calling the actuator.
	DryRun bool
	// Verify checks every reported success and rolls back on failure.
	Verify bool
	// MaxAttempts bounds Invoke calls per action. Values below 1 mean 1.
	MaxAttempts int
	// RetryBackoff is the initial delay between attempts; it doubles up
	// to MaxBackoff.
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	// AttemptTimeout bounds each actuator call. Zero means no bound.
	AttemptTimeout time.Duration
	// MaxConcurrency bounds how many nodes are worked on at once. Zero
	// means one goroutine per node.
	MaxConcurrency int
}

// DefaultOptions returns live execution with verification and three attempts.
func DefaultOptions() Options {
	return Options{
		Verify:         true,
		MaxAttempts:    3,
		RetryBackoff:   2 * time.Second,
		MaxBackoff:     30 * time.Second,
		AttemptTimeout: 30 * time.Second,
	}
}

// Result is the terminal outcome of one action.
type Result struct {
	ActionID     string        `json:"action_id"`
	ActionType   string        `json:"action_type"`
	TargetNodeID string        `json:"target_node_id"`
	Outcome      Outcome       `json:"outcome"`
	Duration     time.Duration `json:"duration"`
	// VerificationPassed is nil when no verification ran.
	VerificationPassed *bool  `json:"verification_passed,omitempty"`
	AttemptCount       int    `json:"attempt_count"`
	DryRun             bool   `json:"dry_run,omitempty"`
	Detail             string `json:"detail,omitempty"`
	RollbackError      string `json:"rollback_error,omitempty"`
}

// NeedsFollowUp reports a success whose verification failed and whose
// rollback did not succeed.
func (r Result) NeedsFollowUp() bool {
	return r.Outcome == OutcomeSuccess && r.VerificationPassed != nil && !*r.VerificationPassed
}

// IntentRecord is the payload of an INTENT ledger record.
type IntentRecord struct {
	RunID      string                   `cbor:"run_id,omitempty" json:"run_id,omitempty"`
	Action     policy.RecommendedAction `cbor:"action" json:"action"`
	DryRun     bool                     `cbor:"dry_run" json:"dry_run"`
	Reason     string                   `cbor:"reason,omitempty" json:"reason,omitempty"`
	DispatchAt time.Time                `cbor:"dispatch_at" json:"dispatch_at"`
}

// ResultRecord is the payload of a RESULT ledger record.
type ResultRecord struct {
	RunID              string  `cbor:"run_id,omitempty" json:"run_id,omitempty"`
	ActionID           string  `cbor:"action_id" json:"action_id"`
	ActionType         string  `cbor:"action_type" json:"action_type"`
	TargetNodeID       string  `cbor:"target_node_id" json:"target_node_id"`
	IntentSeq          int64   `cbor:"intent_seq" json:"intent_seq"`
	Outcome            Outcome `cbor:"outcome" json:"outcome"`
	DurationMs         int64   `cbor:"duration_ms" json:"duration_ms"`
	VerificationPassed *bool   `cbor:"verification_passed,omitempty" json:"verification_passed,omitempty"`
	AttemptCount       int     `cbor:"attempt_count" json:"attempt_count"`
	DryRun             bool    `cbor:"dry_run" json:"dry_run"`
	Detail             string  `cbor:"detail,omitempty" json:"detail,omitempty"`
	RollbackError      string  `cbor:"rollback_error,omitempty" json:"rollback_error,omitempty"`
}

// Ledger is the audit dependency of the coordinator.
type Ledger interface {
	Append(ctx context.Context, kind audit.Kind, payload any) (*audit.Record, error)
}

// Coordinator executes approved actions. Actions on different nodes run
// concurrently; actions on the same node run one after another in input
// order.
type Coordinator struct {
	actuator Actuator
	ledger   Ledger
	logger   *slog.Logger
	now      func() time.Time
}

// NewCoordinator creates a coordinator.
func NewCoordinator(actuator Actuator, ledger Ledger, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		actuator: actuator,
		ledger:   ledger,
		logger:   logger,
		now:      time.Now,
	}
}

// Execute runs actions and returns their results in input order.
//
// Cancelling ctx stops new actions from being dispatched; actions already
// dispatched run to completion and their RESULT is still recorded. In that
// case Execute returns the completed results together with ctx.Err(). A
// ledger failure stops dispatching everywhere and is returned.
func (c *Coordinator) Execute(ctx context.Context, actions []policy.RecommendedAction, opts Options) (results []Result, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "execution.execute",
		attribute.Int("execution.actions", len(actions)),
		attribute.Bool("execution.dry_run", opts.DryRun))
	defer func() { endSpan(err) }()

	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}

	lanes := make(map[string][]int)
	var order []string
	for i, a := range actions {
		if _, ok := lanes[a.TargetNodeID]; !ok {
			order = append(order, a.TargetNodeID)
		}
		lanes[a.TargetNodeID] = append(lanes[a.TargetNodeID], i)
	}

	slots := make([]*Result, len(actions))
	g, gctx := errgroup.WithContext(ctx)
	if opts.MaxConcurrency > 0 {
		g.SetLimit(opts.MaxConcurrency)
	}
	for _, node := range order {
		idx := lanes[node]
		g.Go(func() error {
			for _, i := range idx {
				if gctx.Err() != nil {
					return nil
				}
				res, err := c.executeOne(context.WithoutCancel(gctx), actions[i], opts)
				if err != nil {
					return err
				}
				slots[i] = res
			}
			return nil
		})
	}
	waitErr := g.Wait()

	results = make([]Result, 0, len(actions))
	for _, r := range slots {
		if r != nil {
			results = append(results, *r)
		}
	}
	if waitErr != nil {
		return results, waitErr
	}
	if len(results) < len(actions) {
		return results, ctx.Err()
	}
	return results, nil
}

// executeOne runs a single action from INTENT to RESULT. ctx is never
// cancelled; only ledger failures are returned as errors.
func (c *Coordinator) executeOne(ctx context.Context, action policy.RecommendedAction, opts Options) (res *Result, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "execution.action",
		attribute.String("action.id", action.ActionID),
		attribute.String("action.type", action.ActionType),
		attribute.String("action.target", action.TargetNodeID))
	defer func() { endSpan(err) }()

	start := c.now()
	intent, err := c.ledger.Append(ctx, audit.KindIntent, IntentRecord{
		RunID:      opts.RunID,
		Action:     action,
		DryRun:     opts.DryRun,
		Reason:     action.Reason,
		DispatchAt: start,
	})
	if err != nil {
		return nil, fmt.Errorf("recording intent for %s: %w", action.ActionID, err)
	}

	res = &Result{
		ActionID:     action.ActionID,
		ActionType:   action.ActionType,
		TargetNodeID: action.TargetNodeID,
		DryRun:       opts.DryRun,
	}
	req := Request{
		ActionID:     action.ActionID,
		ActionType:   action.ActionType,
		TargetNodeID: action.TargetNodeID,
		Params:       action.Params,
	}

	if opts.DryRun {
		res.Outcome = OutcomeSuccess
		res.Detail = "dry run: actuator not invoked"
	} else {
		c.run(ctx, req, opts, res)
	}
	res.Duration = c.now().Sub(start)

	if _, err := c.ledger.Append(ctx, audit.KindResult, ResultRecord{
		RunID:              opts.RunID,
		ActionID:           res.ActionID,
		ActionType:         res.ActionType,
		TargetNodeID:       res.TargetNodeID,
		IntentSeq:          intent.SequenceNo,
		Outcome:            res.Outcome,
		DurationMs:         res.Duration.Milliseconds(),
		VerificationPassed: res.VerificationPassed,
		AttemptCount:       res.AttemptCount,
		DryRun:             res.DryRun,
		Detail:             res.Detail,
		RollbackError:      res.RollbackError,
	}); err != nil {
		return nil, fmt.Errorf("recording result for %s: %w", action.ActionID, err)
	}

	level := slog.LevelInfo
	if res.Outcome == OutcomeFailed || res.NeedsFollowUp() {
		level = slog.LevelWarn
	}
	c.logger.Log(ctx, level, "action executed",
		slog.String("run_id", opts.RunID),
		slog.String("action_id", res.ActionID),
		slog.String("action_type", res.ActionType),
		slog.String("target_node_id", res.TargetNodeID),
		slog.String("outcome", string(res.Outcome)),
		slog.Int("attempts", res.AttemptCount),
		slog.Duration("duration", res.Duration),
		slog.Bool("dry_run", res.DryRun))
	return res, nil
}

// run invokes the action with retries, then verifies and rolls back.
func (c *Coordinator) run(ctx context.Context, req Request, opts Options, res *Result) {
	b := backoff.NewExponentialBackOff()
	if opts.RetryBackoff > 0 {
		b.InitialInterval = opts.RetryBackoff
	}
	if opts.MaxBackoff > 0 {
		b.MaxInterval = opts.MaxBackoff
	}

	resp, err := backoff.Retry(ctx, func() (Response, error) {
		res.AttemptCount++
		resp, err := c.call(ctx, opts, OpInvoke, req)
		if err != nil {
			return resp, err
		}
		if !resp.OK {
			return resp, fmt.Errorf("invoke reported failure: %s", resp.Detail)
		}
		return resp, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(opts.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("action attempt failed, retrying",
				slog.String("action_id", req.ActionID),
				slog.Int("attempt", res.AttemptCount),
				slog.Duration("retry_in", next),
				slog.String("error", err.Error()))
		}),
	)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Detail = err.Error()
		return
	}
	res.Outcome = OutcomeSuccess
	res.Detail = resp.Detail

	if !opts.Verify {
		return
	}
	passed := true
	vresp, err := c.call(ctx, opts, OpVerify, req)
	if err != nil || !vresp.OK {
		passed = false
	}
	res.VerificationPassed = &passed
	if passed {
		return
	}

	verifyDetail := vresp.Detail
	if err != nil {
		verifyDetail = err.Error()
	}
	rresp, err := c.call(ctx, opts, OpRollback, req)
	switch {
	case err != nil:
		res.RollbackError = err.Error()
	case !rresp.OK:
		res.RollbackError = "rollback reported failure: " + rresp.Detail
	default:
		res.Outcome = OutcomeRolledBack
	}
	res.Detail = "verification failed: " + verifyDetail
}

func (c *Coordinator) call(ctx context.Context, opts Options, op Op, req Request) (Response, error) {
	if opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.AttemptTimeout)
		defer cancel()
	}
	var (
		resp Response
		err  error
	)
	switch op {
	case OpInvoke:
		resp, err = c.actuator.Invoke(ctx, req)
	case OpVerify:
		resp, err = c.actuator.Verify(ctx, req)
	default:
		resp, err = c.actuator.Rollback(ctx, req)
	}
	var invErr *InvocationError
	if err != nil && !errors.As(err, &invErr) {
		err = &InvocationError{Op: op, Target: req.TargetNodeID, Err: err}
	}
	return resp, err
}
