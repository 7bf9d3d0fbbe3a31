package policy

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// DefaultPriority is applied to rules that do not set one.
const DefaultPriority = 100

// RuleStatus is the lifecycle state of a rule.
type RuleStatus string

const (
	StatusActive   RuleStatus = "active"
	StatusInactive RuleStatus = "inactive"
)

// ActionTemplate describes an action a rule recommends.
type ActionTemplate struct {
	ActionType       string         `yaml:"action_type" json:"action_type"`
	Target           string         `yaml:"target,omitempty" json:"target,omitempty"`
	Params           map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	RequiresApproval bool           `yaml:"requires_approval,omitempty" json:"requires_approval,omitempty"`
	Reason           string         `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// Rule maps an issue pattern to recommended actions. Lower priority values
// are applied first.
type Rule struct {
	ID          string           `yaml:"id" json:"id"`
	Name        string           `yaml:"name,omitempty" json:"name,omitempty"`
	Description string           `yaml:"description,omitempty" json:"description,omitempty"`
	Priority    int              `yaml:"priority" json:"priority"`
	NodeTypes   []string         `yaml:"node_types,omitempty" json:"node_types,omitempty"`
	Conditions  []Condition      `yaml:"conditions" json:"conditions"`
	Actions     []ActionTemplate `yaml:"actions" json:"actions"`
	Status      RuleStatus       `yaml:"status,omitempty" json:"status,omitempty"`
}

// Active reports whether the rule takes part in evaluation. An unset status
// counts as active.
func (r *Rule) Active() bool {
	return r.Status == "" || strings.EqualFold(string(r.Status), string(StatusActive))
}

// appliesTo reports whether the rule is scoped to the issue's node type.
func (r *Rule) appliesTo(issue *Issue) bool {
	if len(r.NodeTypes) == 0 {
		return true
	}
	for _, nt := range r.NodeTypes {
		if strings.EqualFold(nt, issue.NodeType) {
			return true
		}
	}
	return false
}

// RecommendedAction is one action produced for one issue by one rule.
type RecommendedAction struct {
	ActionID         string         `json:"action_id" cbor:"action_id"`
	ActionType       string         `json:"action_type" cbor:"action_type"`
	TargetNodeID     string         `json:"target_node_id" cbor:"target_node_id"`
	SourceRuleID     string         `json:"source_rule_id" cbor:"source_rule_id"`
	SourcePriority   int            `json:"source_priority" cbor:"source_priority"`
	IssueID          string         `json:"issue_id,omitempty" cbor:"issue_id,omitempty"`
	Params           map[string]any `json:"params,omitempty" cbor:"params,omitempty"`
	RequiresApproval bool           `json:"requires_approval,omitempty" cbor:"requires_approval,omitempty"`
	Reason           string         `json:"reason,omitempty" cbor:"reason,omitempty"`
}

// EvaluationError records a rule that could not be evaluated against an
// issue. The rule is skipped; other rules are unaffected.
type EvaluationError struct {
	RuleID  string
	IssueID string
	Err     error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("rule %s on issue %s: %v", e.RuleID, e.IssueID, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// Evaluation is the output of Engine.Evaluate.
type Evaluation struct {
	Actions []RecommendedAction
	Errors  []*EvaluationError
}

// Engine evaluates issues against rules. It holds no rule state; the rule
// set is supplied on every call.
type Engine struct {
	logger *slog.Logger
	newID  func() string
}

// NewEngine creates an engine that logs skipped rules to logger.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger, newID: uuid.NewString}
}

// Evaluate returns the actions of every active rule whose conditions all
// hold for issue, ordered by rule priority then rule id. Actions are not
// deduplicated. A rule that fails to evaluate is skipped and reported in
// Evaluation.Errors.
func (e *Engine) Evaluate(issue *Issue, rules []Rule) Evaluation {
	var out Evaluation

	matched := make([]*Rule, 0, len(rules))
	for i := range rules {
		r := &rules[i]
		if !r.Active() || !r.appliesTo(issue) {
			continue
		}
		ok, err := matchAll(r, issue)
		if err != nil {
			evalErr := &EvaluationError{RuleID: r.ID, IssueID: issue.ID, Err: err}
			out.Errors = append(out.Errors, evalErr)
			e.logger.Warn("skipping rule that failed to evaluate",
				slog.String("rule_id", r.ID),
				slog.String("issue_id", issue.ID),
				slog.String("error", err.Error()))
			continue
		}
		if ok {
			matched = append(matched, r)
		}
	}

	slices.SortStableFunc(matched, compareRules)

	for _, r := range matched {
		for _, tmpl := range r.Actions {
			target := issue.NodeID
			if tmpl.Target != "" {
				target = tmpl.Target
			}
			out.Actions = append(out.Actions, RecommendedAction{
				ActionID:         e.newID(),
				ActionType:       tmpl.ActionType,
				TargetNodeID:     target,
				SourceRuleID:     r.ID,
				SourcePriority:   r.Priority,
				IssueID:          issue.ID,
				Params:           tmpl.Params,
				RequiresApproval: tmpl.RequiresApproval,
				Reason:           tmpl.Reason,
			})
		}
	}
	return out
}

// EvaluateAll evaluates each issue in order and concatenates the results.
func (e *Engine) EvaluateAll(issues []Issue, rules []Rule) Evaluation {
	var out Evaluation
	for i := range issues {
		ev := e.Evaluate(&issues[i], rules)
		out.Actions = append(out.Actions, ev.Actions...)
		out.Errors = append(out.Errors, ev.Errors...)
	}
	return out
}

// matchAll evaluates every condition. All conditions are checked even after
// one is false so that a malformed condition is always reported.
func matchAll(r *Rule, issue *Issue) (bool, error) {
	all := true
	for _, c := range r.Conditions {
		ok, err := c.Evaluate(issue)
		if err != nil {
			return false, err
		}
		all = all && ok
	}
	return all, nil
}

// compareRules orders rules for evaluation: lower priority first, ties by id.
func compareRules(a, b *Rule) int {
	return cmp.Or(cmp.Compare(a.Priority, b.Priority), strings.Compare(a.ID, b.ID))
}

// SortRules sorts rules into evaluation order.
func SortRules(rules []Rule) {
	slices.SortStableFunc(rules, func(a, b Rule) int { return compareRules(&a, &b) })
}
