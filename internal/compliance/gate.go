package compliance

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/onnwee/guardrail/internal/audit"
	"github.com/onnwee/guardrail/internal/policy"
	"github.com/onnwee/guardrail/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// Rule identifiers reported in Verdict.RuleViolated.
const (
	RuleCatalog      = "CATALOG-001"
	RuleCriticalNode = "CRIT-001"
	RuleMaintenance  = "MAINT-001"
	RuleRateLimit    = "RATE-001"
	RuleApproval     = "APPR-001"
	RuleChangeFreeze = "FREEZE-001"
	RuleBusinessHour = "TIME-001"
)

// Outcome is the result of validating one action.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeDenied   Outcome = "denied"
)

// Verdict is the gate's decision for one action.
type Verdict struct {
	ActionID     string                   `json:"action_id"`
	Action       policy.RecommendedAction `json:"action"`
	Outcome      Outcome                  `json:"outcome"`
	Reason       string                   `json:"reason"`
	RuleViolated string                   `json:"rule_violated,omitempty"`
	// Warnings are non-blocking findings, e.g. a high-impact action during
	// business hours.
	Warnings []string `json:"warnings,omitempty"`
	// DenialSeq is the ledger sequence number of the DENIAL record.
	DenialSeq *int64 `json:"denial_seq,omitempty"`
}

// Approved reports whether the action may be executed.
func (v Verdict) Approved() bool { return v.Outcome == OutcomeApproved }

// Context is the per-run state the gate validates against.
type Context struct {
	RunID              string
	Now                time.Time
	MaintenanceWindows []Window
	CriticalNodeIDs    []string
	// RecentActionCounts adds externally known actions per node to the
	// counts held by the gate's CounterStore.
	RecentActionCounts map[string]int
	// Approvals holds approval tokens keyed by action id or ApprovalKey.
	Approvals     map[string]string
	ChangeFreezes []Window
}

// ApprovalKey is the alternative Approvals key for tokens issued before the
// action id is known.
func ApprovalKey(actionType, target string) string {
	return actionType + "@" + target
}

// ApprovalVerifier checks an approval token against the action it claims
// to approve.
type ApprovalVerifier interface {
	VerifyApproval(token string, action policy.RecommendedAction) error
}

// Ledger is the audit dependency of the gate.
type Ledger interface {
	Append(ctx context.Context, kind audit.Kind, payload any) (*audit.Record, error)
}

// DenialRecord is the payload of a DENIAL ledger record.
type DenialRecord struct {
	RunID        string                   `cbor:"run_id,omitempty" json:"run_id,omitempty"`
	Action       policy.RecommendedAction `cbor:"action" json:"action"`
	RuleViolated string                   `cbor:"rule_violated" json:"rule_violated"`
	Reason       string                   `cbor:"reason" json:"reason"`
	DeniedAt     time.Time                `cbor:"denied_at" json:"denied_at"`
}

// Config configures a Gate.
type Config struct {
	Catalog   Catalog
	RateLimit RateLimitConfig
	// BusinessHours produces TIME-001 warnings for peak-sensitive actions.
	BusinessHours DailyWindow
	Counters      CounterStore
	// Verifier checks approval tokens. When nil any non-empty token counts
	// as approval.
	Verifier ApprovalVerifier
}

// Gate validates recommended actions. It is safe for concurrent use by
// several pipeline runs.
type Gate struct {
	cfg    Config
	ledger Ledger
	logger *slog.Logger
}

// NewGate creates a gate that records denials in ledger.
func NewGate(ledger Ledger, cfg Config, logger *slog.Logger) (*Gate, error) {
	if ledger == nil {
		return nil, fmt.Errorf("compliance gate: ledger is required")
	}
	if cfg.Catalog == nil {
		cfg.Catalog = DefaultCatalog()
	}
	if cfg.RateLimit == (RateLimitConfig{}) {
		cfg.RateLimit = DefaultRateLimit()
	}
	if err := cfg.RateLimit.Validate(); err != nil {
		return nil, fmt.Errorf("compliance gate: %w", err)
	}
	if cfg.Counters == nil {
		cfg.Counters = NewInMemoryCounterStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{cfg: cfg, ledger: ledger, logger: logger}, nil
}

// denial is a failed rule.
type denial struct {
	rule   string
	reason string
}

// Validate returns exactly one verdict per action, in input order. Every
// denial is appended to the ledger before Validate returns; a ledger
// failure aborts validation and is returned.
//
// Validate does not consume rate-limit slots. Actions approved earlier in
// the same call count towards the ceiling of their node, so one batch
// cannot exceed it; the shared counters change only in Admit.
func (g *Gate) Validate(ctx context.Context, actions []policy.RecommendedAction, cctx Context) (verdicts []Verdict, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "compliance.validate",
		attribute.Int("compliance.actions", len(actions)))
	defer func() { endSpan(err) }()

	cctx.Now = normalizeNow(cctx.Now)
	pending := make(map[string]int)

	verdicts = make([]Verdict, 0, len(actions))
	for _, action := range actions {
		v := Verdict{ActionID: action.ActionID, Action: action}
		if d := g.check(ctx, action, cctx, pending[action.TargetNodeID]); d != nil {
			if err := g.deny(ctx, &v, d, cctx); err != nil {
				return verdicts, err
			}
		} else {
			pending[action.TargetNodeID]++
			v.Outcome = OutcomeApproved
			v.Reason = "all compliance checks passed"
			v.Warnings = g.warnings(action, cctx)
			g.logger.Debug("action approved",
				slog.String("run_id", cctx.RunID),
				slog.String("action_id", action.ActionID),
				slog.String("action_type", action.ActionType))
		}
		verdicts = append(verdicts, v)
	}
	return verdicts, nil
}

// Admit takes a slot in the shared CounterStore for every approved verdict
// and must be called right before those actions are dispatched to the
// actuator. Dry runs and runs that stop after compliance never call it.
// An approved verdict whose node ran out of slots since Validate, for
// instance to a concurrent run, is turned into a RATE-001 denial in place
// and recorded in the ledger. Admit returns the number of verdicts that
// remain approved; a ledger failure stops it and is returned.
func (g *Gate) Admit(ctx context.Context, verdicts []Verdict, cctx Context) (admitted int, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "compliance.admit",
		attribute.Int("compliance.verdicts", len(verdicts)))
	defer func() { endSpan(err) }()

	cctx.Now = normalizeNow(cctx.Now)
	for i := range verdicts {
		v := &verdicts[i]
		if !v.Approved() {
			continue
		}
		if d := g.reserve(ctx, v.Action, cctx); d != nil {
			if err := g.deny(ctx, v, d, cctx); err != nil {
				return admitted, err
			}
			continue
		}
		admitted++
	}
	return admitted, nil
}

func normalizeNow(now time.Time) time.Time {
	if now.IsZero() {
		now = time.Now()
	}
	return now.UTC()
}

// deny marks v denied by d and appends the DENIAL record.
func (g *Gate) deny(ctx context.Context, v *Verdict, d *denial, cctx Context) error {
	v.Outcome = OutcomeDenied
	v.RuleViolated = d.rule
	v.Reason = d.reason
	v.Warnings = nil
	rec, err := g.ledger.Append(ctx, audit.KindDenial, DenialRecord{
		RunID:        cctx.RunID,
		Action:       v.Action,
		RuleViolated: d.rule,
		Reason:       d.reason,
		DeniedAt:     cctx.Now,
	})
	if err != nil {
		return fmt.Errorf("recording denial of %s: %w", v.ActionID, err)
	}
	v.DenialSeq = &rec.SequenceNo
	tracing.AddEvent(ctx, "compliance.denied",
		attribute.String("action.id", v.ActionID),
		attribute.String("compliance.rule", d.rule))
	g.logger.Info("action denied",
		slog.String("run_id", cctx.RunID),
		slog.String("action_id", v.ActionID),
		slog.String("action_type", v.Action.ActionType),
		slog.String("target_node_id", v.Action.TargetNodeID),
		slog.String("rule", d.rule),
		slog.String("reason", d.reason))
	return nil
}

// check runs the rules in order and returns the first failure. pending is
// the number of actions on the same node already approved in this batch.
func (g *Gate) check(ctx context.Context, action policy.RecommendedAction, cctx Context, pending int) *denial {
	cls, ok := g.cfg.Catalog.Lookup(action.ActionType)
	if !ok {
		return &denial{RuleCatalog, fmt.Sprintf("action type %q is not in the action catalog", action.ActionType)}
	}

	node := action.TargetNodeID
	inWindow := coveredBy(cctx.MaintenanceWindows, cctx.Now, node)

	if cls.Destructive && slices.Contains(cctx.CriticalNodeIDs, node) && !inWindow {
		return &denial{RuleCriticalNode, fmt.Sprintf(
			"critical node protection: destructive action %q on critical node %q requires an active maintenance window",
			action.ActionType, node)}
	}

	if cls.HighImpact && !inWindow {
		reason := fmt.Sprintf("maintenance window required: %q is a high-impact action and %s is outside every window for %q",
			action.ActionType, cctx.Now.Format(time.RFC3339), node)
		if next, ok := nextStart(cctx.MaintenanceWindows, cctx.Now, node); ok {
			reason += fmt.Sprintf("; next window opens %s", next.Format(time.RFC3339))
		}
		return &denial{RuleMaintenance, reason}
	}

	if d := g.checkRate(ctx, node, cctx, pending); d != nil {
		return d
	}

	if action.RequiresApproval || cls.RequiresApproval {
		if d := g.checkApproval(action, cctx); d != nil {
			return d
		}
	}

	for _, f := range cctx.ChangeFreezes {
		if f.Covers(cctx.Now, node) {
			name := f.Name
			if name == "" {
				name = "change freeze"
			}
			return &denial{RuleChangeFreeze, fmt.Sprintf("%s in effect from %s to %s",
				name, f.Start.Format(time.RFC3339), f.End.Format(time.RFC3339))}
		}
	}
	return nil
}

func (g *Gate) checkRate(ctx context.Context, node string, cctx Context, pending int) *denial {
	rl := g.cfg.RateLimit
	count, err := g.cfg.Counters.Count(ctx, node, cctx.Now, rl.Window)
	if err != nil {
		g.logger.Error("rate limit counter unavailable",
			slog.String("target_node_id", node),
			slog.String("error", err.Error()))
		return &denial{RuleRateLimit, fmt.Sprintf("rate limit state unavailable for %q: %v", node, err)}
	}
	count += cctx.RecentActionCounts[node] + pending
	if count >= rl.Ceiling {
		return &denial{RuleRateLimit, fmt.Sprintf("rate limit exceeded: node %q has %d actions in the last %s (limit %d)",
			node, count, rl.Window, rl.Ceiling)}
	}
	return nil
}

func (g *Gate) checkApproval(action policy.RecommendedAction, cctx Context) *denial {
	token, ok := cctx.Approvals[action.ActionID]
	if !ok || token == "" {
		token = cctx.Approvals[ApprovalKey(action.ActionType, action.TargetNodeID)]
	}
	if token == "" {
		return &denial{RuleApproval, fmt.Sprintf("human approval required for %q on %q and no approval was supplied",
			action.ActionType, action.TargetNodeID)}
	}
	if g.cfg.Verifier != nil {
		if err := g.cfg.Verifier.VerifyApproval(token, action); err != nil {
			return &denial{RuleApproval, fmt.Sprintf("approval for %q on %q is invalid: %v",
				action.ActionType, action.TargetNodeID, err)}
		}
	}
	return nil
}

// reserve takes a rate-limit slot for an action about to be executed. A
// concurrent run may have consumed the last slot since checkRate.
func (g *Gate) reserve(ctx context.Context, action policy.RecommendedAction, cctx Context) *denial {
	rl := g.cfg.RateLimit
	node := action.TargetNodeID
	limit := rl.Ceiling - cctx.RecentActionCounts[node]
	count, ok, err := g.cfg.Counters.Reserve(ctx, node, cctx.Now, rl.Window, limit)
	if err != nil {
		g.logger.Error("rate limit reservation failed",
			slog.String("target_node_id", node),
			slog.String("error", err.Error()))
		return &denial{RuleRateLimit, fmt.Sprintf("rate limit state unavailable for %q: %v", node, err)}
	}
	if !ok {
		return &denial{RuleRateLimit, fmt.Sprintf("rate limit exceeded: node %q has %d actions in the last %s (limit %d)",
			node, count+cctx.RecentActionCounts[node], rl.Window, rl.Ceiling)}
	}
	return nil
}

func (g *Gate) warnings(action policy.RecommendedAction, cctx Context) []string {
	cls, _ := g.cfg.Catalog.Lookup(action.ActionType)
	if !cls.PeakSensitive || g.cfg.BusinessHours.IsZero() {
		return nil
	}
	if !g.cfg.BusinessHours.At(cctx.Now).Covers(cctx.Now, action.TargetNodeID) {
		return nil
	}
	return []string{fmt.Sprintf("%s: %q during business hours may impact users", RuleBusinessHour, action.ActionType)}
}

func coveredBy(windows []Window, t time.Time, node string) bool {
	for _, w := range windows {
		if w.Covers(t, node) {
			return true
		}
	}
	return false
}
