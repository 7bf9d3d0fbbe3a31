package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/onnwee/guardrail/internal/compliance"
	"github.com/onnwee/guardrail/internal/config"
	"github.com/onnwee/guardrail/internal/discovery"
	"github.com/onnwee/guardrail/internal/execution"
	"github.com/onnwee/guardrail/internal/pipeline"
)

var errRunFailed = errors.New("run failed")

var runFlags struct {
	scope         string
	dryRun        bool
	skipExecution bool
	approvals     []string
	by            string
	jsonOut       bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline once",
	Long: `Run discovers issues in scope, evaluates the rules, checks every
recommended action against compliance and executes the approved ones.

Approval tokens are passed as KEY=TOKEN, where KEY is an action id or
<action_type>@<target_node_id>.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		approvals, err := parseApprovals(runFlags.approvals)
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := requireActuator(cfg, runFlags.dryRun, runFlags.skipExecution); err != nil {
			return err
		}
		logger := newLogger(cfg)

		ctx := cmd.Context()
		a, err := newPipelineApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		by := runFlags.by
		if by == "" {
			by = currentUser()
		}
		report, err := a.orchestrator.Run(ctx, pipeline.Request{
			Trigger:       pipeline.TriggerManual,
			TriggeredBy:   by,
			Scope:         runFlags.scope,
			Approvals:     approvals,
			DryRun:        runFlags.dryRun,
			SkipExecution: runFlags.skipExecution,
		})
		if report == nil {
			return err
		}

		// Aborted and cancelled runs still report what they got through.
		out := cmd.OutOrStdout()
		if runFlags.jsonOut {
			if werr := writeJSON(out, report); werr != nil {
				return errors.Join(err, werr)
			}
		} else {
			printReport(out, report)
		}
		if err != nil {
			return err
		}
		if report.Run.Status() == pipeline.StatusFailed {
			return fmt.Errorf("%w: %s", errRunFailed, report.Run.TerminalReason)
		}
		return nil
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.scope, "scope", discovery.ScopeAll, "node id, node type, issue type or \"all\"")
	f.BoolVar(&runFlags.dryRun, "dry-run", false, "record intents without calling the actuator")
	f.BoolVar(&runFlags.skipExecution, "skip-execution", false, "stop after compliance")
	f.StringArrayVar(&runFlags.approvals, "approval", nil, "approval token as KEY=TOKEN (repeatable)")
	f.StringVar(&runFlags.by, "by", "", "operator recorded as the trigger (default: current user)")
	f.BoolVar(&runFlags.jsonOut, "json", false, "print the full report as JSON")
}

// parseApprovals turns KEY=TOKEN pairs into the request approval map.
func parseApprovals(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, token, ok := strings.Cut(p, "=")
		key, token = strings.TrimSpace(key), strings.TrimSpace(token)
		if !ok || key == "" || token == "" {
			return nil, fmt.Errorf("invalid approval %q, want KEY=TOKEN", p)
		}
		out[key] = token
	}
	return out, nil
}

// requireActuator rejects live execution without an actuator.
func requireActuator(cfg *config.Config, dryRun, skipExecution bool) error {
	if cfg.ActuatorURL != "" || cfg.DryRun || cfg.SkipExecution || dryRun || skipExecution {
		return nil
	}
	return fmt.Errorf("invalid configuration: %w", config.ErrMissingActuatorURL)
}

func printReport(w io.Writer, report *pipeline.Report) {
	run := report.Run
	s := run.Summary

	headColor.Fprintf(w, "Run %s\n", run.RunID)
	fmt.Fprintf(w, "  scope:     %s\n", run.Scope)
	fmt.Fprintf(w, "  stage:     %s\n", run.StageReached)
	fmt.Fprintf(w, "  reason:    %s\n", run.TerminalReason)
	fmt.Fprintf(w, "  duration:  %s\n", run.Duration())
	fmt.Fprintf(w, "  issues:    %d\n", s.Issues)
	fmt.Fprintf(w, "  actions:   %d", s.Actions)
	if s.Truncated > 0 {
		warnColor.Fprintf(w, " (%d over the per-run cap)", s.Truncated)
	}
	fmt.Fprintln(w)
	if s.RuleErrors > 0 {
		warnColor.Fprintf(w, "  rule errors: %d\n", s.RuleErrors)
	}
	fmt.Fprintf(w, "  approved:  %d  denied: %d\n", s.Approved, s.Denied)
	fmt.Fprintf(w, "  succeeded: %d  failed: %d  rolled back: %d\n", s.Succeeded, s.Failed, s.RolledBack)

	for _, v := range report.Verdicts {
		if v.Outcome == compliance.OutcomeApproved {
			okColor.Fprintf(w, "  APPROVED  ")
		} else {
			errColor.Fprintf(w, "  DENIED    ")
		}
		fmt.Fprintf(w, "%s on %s", v.Action.ActionType, v.Action.TargetNodeID)
		if v.RuleViolated != "" {
			fmt.Fprintf(w, " [%s] %s", v.RuleViolated, v.Reason)
		}
		fmt.Fprintln(w)
		for _, warning := range v.Warnings {
			warnColor.Fprintf(w, "            warning: %s\n", warning)
		}
	}

	for _, r := range report.Results {
		c := okColor
		switch r.Outcome {
		case execution.OutcomeRolledBack:
			c = warnColor
		case execution.OutcomeFailed:
			c = errColor
		}
		c.Fprintf(w, "  %-9s ", strings.ToUpper(string(r.Outcome)))
		fmt.Fprintf(w, "%s on %s (attempts %d, %s)", r.ActionType, r.TargetNodeID, r.AttemptCount, r.Duration)
		if r.DryRun {
			fmt.Fprint(w, " dry-run")
		}
		if r.Detail != "" {
			fmt.Fprintf(w, ": %s", r.Detail)
		}
		fmt.Fprintln(w)
	}

	status := run.Status()
	c := okColor
	switch status {
	case pipeline.StatusPartial:
		c = warnColor
	case pipeline.StatusFailed:
		c = errColor
	}
	fmt.Fprint(w, "Status: ")
	c.Fprintln(w, status)
	if run.Error != "" {
		errColor.Fprintf(w, "Error: %s\n", run.Error)
	}
}
