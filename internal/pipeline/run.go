// Package pipeline drives one decision run through discovery, policy,
// compliance and execution as an explicit state machine, and schedules
// recurring runs.
package pipeline

import (
	"time"
)

// Stage is a pipeline state.
type Stage string

const (
	StageDiscovery  Stage = "discovery"
	StagePolicy     Stage = "policy"
	StageCompliance Stage = "compliance"
	StageExecution  Stage = "execution"
	StageDone       Stage = "done"
)

// Trigger records what started a run.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// TerminalReason explains why a run reached StageDone.
type TerminalReason string

const (
	ReasonNoIssues          TerminalReason = "no_issues"
	ReasonNoActions         TerminalReason = "no_actions"
	ReasonNoApprovedActions TerminalReason = "no_approved_actions"
	ReasonExecutionSkipped  TerminalReason = "execution_skipped"
	ReasonCompleted         TerminalReason = "completed"
	ReasonAborted           TerminalReason = "aborted"
	ReasonCancelled         TerminalReason = "cancelled"
)

// Status is the coarse result of a finished run.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Summary counts what a run saw and did.
type Summary struct {
	Issues             int `json:"issues"`
	Actions            int `json:"actions"`
	Truncated          int `json:"truncated,omitempty"`
	RuleErrors         int `json:"rule_errors,omitempty"`
	Approved           int `json:"approved"`
	Denied             int `json:"denied"`
	Succeeded          int `json:"succeeded"`
	Failed             int `json:"failed"`
	RolledBack         int `json:"rolled_back"`
	VerificationFailed int `json:"verification_failed"`
	// NeedsFollowUp counts successes whose verification failed and whose
	// rollback did not succeed.
	NeedsFollowUp int `json:"needs_follow_up"`
}

// Run is the persisted record of one pipeline run.
type Run struct {
	RunID          string         `json:"run_id"`
	Trigger        Trigger        `json:"trigger"`
	TriggeredBy    string         `json:"triggered_by"`
	Scope          string         `json:"scope"`
	StartedAt      time.Time      `json:"started_at"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
	StageReached   Stage          `json:"stage_reached"`
	TerminalReason TerminalReason `json:"terminal_reason,omitempty"`
	Summary        Summary        `json:"summary"`
	Error          string         `json:"error,omitempty"`
}

// Finished reports whether the run has been finalised.
func (r *Run) Finished() bool {
	return r.EndedAt != nil
}

// Status derives the coarse outcome of the run.
func (r *Run) Status() Status {
	switch {
	case !r.Finished():
		return StatusRunning
	case r.TerminalReason == ReasonAborted:
		return StatusFailed
	case r.TerminalReason == ReasonCancelled:
		return StatusPartial
	}
	s := r.Summary
	switch {
	case s.Failed+s.RolledBack+s.NeedsFollowUp == 0:
		return StatusSuccess
	case s.Succeeded == 0:
		return StatusFailed
	}
	return StatusPartial
}

// Duration is the wall time of a finished run, or zero.
func (r *Run) Duration() time.Duration {
	if r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// transition is the outcome of leaving a stage.
type transition struct {
	to     Stage
	reason TerminalReason
}

// next decides where a run goes after completing stage. count is the size
// of the stage's output that guards the following stage: issues after
// discovery, actions after policy, approved verdicts after compliance.
func next(stage Stage, count int, skipExecution bool) transition {
	switch stage {
	case StageDiscovery:
		if count == 0 {
			return transition{to: StageDone, reason: ReasonNoIssues}
		}
		return transition{to: StagePolicy}
	case StagePolicy:
		if count == 0 {
			return transition{to: StageDone, reason: ReasonNoActions}
		}
		return transition{to: StageCompliance}
	case StageCompliance:
		if skipExecution {
			return transition{to: StageDone, reason: ReasonExecutionSkipped}
		}
		if count == 0 {
			return transition{to: StageDone, reason: ReasonNoApprovedActions}
		}
		return transition{to: StageExecution}
	case StageExecution:
		return transition{to: StageDone, reason: ReasonCompleted}
	}
	return transition{to: StageDone, reason: ReasonAborted}
}
