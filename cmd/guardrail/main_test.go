package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/onnwee/guardrail/internal/approval"
	"github.com/onnwee/guardrail/internal/audit"
	"github.com/onnwee/guardrail/internal/config"
	"github.com/onnwee/guardrail/internal/pipeline"
)

const testRules = `
rules:
  - id: cpu-notify
    priority: 10
    conditions:
      - field: type
        operator: equals
        value: HIGH_CPU
    actions:
      - action_type: notify
        reason: cpu above threshold
  - id: retired
    status: inactive
    actions:
      - action_type: log_only
`

const testIssues = `
issues:
  - id: issue-1
    type: HIGH_CPU
    severity: high
    node_id: router-1
    node_type: router
    metric_value: 97
    threshold: 90
`

// resetFlags restores every flag to its default so commands can be executed
// repeatedly in one process.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// isolateEnv clears the variables that would point the CLI at real
// infrastructure.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"database_url", "redis_url", "actuator_url", "discovery_url", "approval_secret", "tracing_enabled", "config"} {
		t.Setenv(config.EnvPrefix+strings.ToUpper(key), "")
	}
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")

	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	color.NoColor = true
}

// writeFile writes content into a file under dir and returns its path.
func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// writeConfig writes a config file using testRules and testIssues plus extra
// YAML lines.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	rules := writeFile(t, dir, "rules.yaml", testRules)
	issues := writeFile(t, dir, "issues.yaml", testIssues)
	return writeFile(t, dir, "guardrail.yaml",
		"rules_path: "+rules+"\nissues_path: "+issues+"\nenv: test\n"+extra)
}

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestParseApprovals(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]string
		wantErr bool
	}{
		{name: "none", pairs: nil, want: nil},
		{name: "action id", pairs: []string{"act-1=tok"}, want: map[string]string{"act-1": "tok"}},
		{name: "type at target", pairs: []string{" restart_node@r1 = tok2 "}, want: map[string]string{"restart_node@r1": "tok2"}},
		{name: "token with equals", pairs: []string{"k=a=b"}, want: map[string]string{"k": "a=b"}},
		{name: "missing token", pairs: []string{"k="}, wantErr: true},
		{name: "missing separator", pairs: []string{"k"}, wantErr: true},
		{name: "missing key", pairs: []string{"=tok"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseApprovals(tt.pairs)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseApprovals() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("got[%q] = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestRequireActuator(t *testing.T) {
	tests := []struct {
		name          string
		cfg           config.Config
		dryRun, skip  bool
		wantMissingID bool
	}{
		{name: "url configured", cfg: config.Config{ActuatorURL: "http://act"}},
		{name: "dry run flag", dryRun: true},
		{name: "skip flag", skip: true},
		{name: "dry run config", cfg: config.Config{DryRun: true}},
		{name: "skip config", cfg: config.Config{SkipExecution: true}},
		{name: "live without url", wantMissingID: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := requireActuator(&tt.cfg, tt.dryRun, tt.skip)
			if got := errors.Is(err, config.ErrMissingActuatorURL); got != tt.wantMissingID {
				t.Errorf("requireActuator() = %v, want missing actuator %v", err, tt.wantMissingID)
			}
		})
	}
}

func TestLoadConfig_ToleratesMissingActuator(t *testing.T) {
	isolateEnv(t)
	cfgFile = writeConfig(t, "")
	t.Cleanup(func() { cfgFile = "" })

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.ActuatorURL != "" {
		t.Errorf("ActuatorURL = %q, want empty", cfg.ActuatorURL)
	}
}

func TestLoadConfig_ReportsOtherErrors(t *testing.T) {
	isolateEnv(t)
	cfgFile = writeConfig(t, "max_attempts: 0\n")
	t.Cleanup(func() { cfgFile = "" })

	_, err := loadConfig()
	if !errors.Is(err, config.ErrInvalidMaxAttempts) {
		t.Fatalf("loadConfig() error = %v, want ErrInvalidMaxAttempts", err)
	}
	if errors.Is(err, config.ErrMissingActuatorURL) {
		t.Error("missing actuator URL should be filtered out")
	}
}

func TestRunCommand_DryRun(t *testing.T) {
	isolateEnv(t)
	path := writeConfig(t, "")

	out, err := execute(t, "--config", path, "run", "--dry-run", "--json", "--by", "tester")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	var report struct {
		Run     pipeline.Run `json:"run"`
		Results []struct {
			ActionType string `json:"action_type"`
			Outcome    string `json:"outcome"`
			DryRun     bool   `json:"dry_run"`
		} `json:"results"`
	}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode report: %v\n%s", err, out)
	}
	if report.Run.TriggeredBy != "tester" {
		t.Errorf("triggered_by = %q, want tester", report.Run.TriggeredBy)
	}
	if report.Run.Trigger != pipeline.TriggerManual {
		t.Errorf("trigger = %q, want manual", report.Run.Trigger)
	}
	if s := report.Run.Summary; s.Issues != 1 || s.Actions != 1 || s.Approved != 1 || s.Denied != 0 {
		t.Errorf("summary = %+v, want 1 issue, 1 action approved", s)
	}
	if len(report.Results) != 1 {
		t.Fatalf("got %d results, want 1", len(report.Results))
	}
	if r := report.Results[0]; r.ActionType != "notify" || r.Outcome != "success" || !r.DryRun {
		t.Errorf("result = %+v, want dry-run notify success", r)
	}
}

func TestRunCommand_RequiresActuatorForLiveRuns(t *testing.T) {
	isolateEnv(t)
	path := writeConfig(t, "")

	_, err := execute(t, "--config", path, "run")
	if !errors.Is(err, config.ErrMissingActuatorURL) {
		t.Fatalf("run error = %v, want ErrMissingActuatorURL", err)
	}
}

func TestRunCommand_TextSummary(t *testing.T) {
	isolateEnv(t)
	path := writeConfig(t, "")

	out, err := execute(t, "--config", path, "run", "--skip-execution", "--scope", "router-1")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	for _, want := range []string{"scope:     router-1", "approved:  1  denied: 0", "APPROVED  notify on router-1", "Status: success"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunCommand_AbortedRunStillReports(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	rules := writeFile(t, dir, "rules.yaml", testRules)
	issues := writeFile(t, dir, "issues.yaml", "issues: [[[")
	path := writeFile(t, dir, "guardrail.yaml", "rules_path: "+rules+"\nissues_path: "+issues+"\nenv: test\n")

	out, err := execute(t, "--config", path, "run", "--skip-execution")
	if !errors.Is(err, pipeline.ErrDiscoveryFailed) {
		t.Fatalf("run error = %v, want ErrDiscoveryFailed", err)
	}
	for _, want := range []string{
		"reason:    aborted",
		"issues:    0",
		"approved:  0  denied: 0",
		"succeeded: 0  failed: 0",
		"Status: failed",
		"Error: ",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "--config", path, "run", "--skip-execution", "--json")
	if err == nil {
		t.Fatal("run --json error = nil, want discovery failure")
	}
	var report struct {
		Run pipeline.Run `json:"run"`
	}
	if jerr := json.Unmarshal([]byte(out), &report); jerr != nil {
		t.Fatalf("decode report: %v\n%s", jerr, out)
	}
	if report.Run.TerminalReason != pipeline.ReasonAborted {
		t.Errorf("terminal_reason = %q, want aborted", report.Run.TerminalReason)
	}
}

func TestApproveCommand(t *testing.T) {
	isolateEnv(t)
	const secret = "test-approval-secret-0123456789"
	path := writeConfig(t, "approval_secret: "+secret+"\n")

	out, err := execute(t, "--config", path, "approve", "--action", "restart_node", "--target", "router-1", "--approver", "alice", "--ttl", "10m")
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}

	prefix := "--approval restart_node@router-1="
	idx := strings.Index(out, prefix)
	if idx < 0 {
		t.Fatalf("output missing %q:\n%s", prefix, out)
	}
	token := strings.TrimSpace(out[idx+len(prefix):])

	claims, err := approval.NewService(secret, "").Validate(token)
	if err != nil {
		t.Fatalf("issued token does not validate: %v", err)
	}
	if claims.ActionType != "restart_node" || claims.TargetNodeID != "router-1" || claims.Subject != "alice" {
		t.Errorf("claims = %+v, want restart_node on router-1 by alice", claims)
	}
}

func TestApproveCommand_RequiresSecret(t *testing.T) {
	isolateEnv(t)
	path := writeConfig(t, "")

	if _, err := execute(t, "--config", path, "approve", "--action", "notify", "--target", "r1"); err == nil {
		t.Fatal("approve without approval_secret succeeded, want error")
	}
}

func TestRulesCheckCommand(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		want    string
		wantErr bool
	}{
		{name: "valid", content: testRules, want: "2 rules, 1 active"},
		{name: "duplicate ids", content: "rules:\n  - id: a\n    actions:\n      - action_type: notify\n  - id: a\n    actions:\n      - action_type: notify\n", wantErr: true},
		{name: "malformed yaml", content: "rules: [", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, strings.ReplaceAll(tt.name, " ", "-")+".yaml", tt.content)
			out, err := execute(t, "rules", "check", path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("rules check error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.want != "" && !strings.Contains(out, tt.want) {
				t.Errorf("output = %q, want it to contain %q", out, tt.want)
			}
		})
	}
}

func TestAuditVerifyFileCommand(t *testing.T) {
	isolateEnv(t)
	ctx := context.Background()
	ledger := audit.NewLedger(audit.NewInMemoryStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	for i := 0; i < 3; i++ {
		if _, err := ledger.Append(ctx, audit.KindIntent, map[string]int{"n": i}); err != nil {
			t.Fatal(err)
		}
	}
	data, err := ledger.Export(ctx, audit.ExportOptions{Format: audit.ExportFormatJSON, To: -1})
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	good := writeFile(t, dir, "good.json", string(data))

	out, err := execute(t, "audit", "verify-file", good)
	if err != nil {
		t.Fatalf("verify-file on intact export: %v", err)
	}
	if !strings.Contains(out, "chain valid: 3 records checked") {
		t.Errorf("output = %q", out)
	}

	var records []map[string]any
	if err := json.Unmarshal(data, &records); err != nil {
		t.Fatal(err)
	}
	records[1]["payload_hash"] = strings.Repeat("f", 64)
	tampered, err := json.Marshal(records)
	if err != nil {
		t.Fatal(err)
	}
	bad := writeFile(t, dir, "bad.json", string(tampered))

	out, err = execute(t, "audit", "verify-file", bad)
	if !errors.Is(err, errChainBroken) {
		t.Fatalf("verify-file error = %v, want errChainBroken", err)
	}
	if !strings.Contains(out, "chain broken at sequence 1") {
		t.Errorf("output = %q", out)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if out != "guardrail dev\n" {
		t.Errorf("output = %q, want %q", out, "guardrail dev\n")
	}
}
