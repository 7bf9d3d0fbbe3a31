package pipeline

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/onnwee/guardrail/internal/audit"
	"github.com/onnwee/guardrail/internal/policy"
)

func getCounterVecValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	metric, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v) error = %v", labels, err)
	}
	var m dto.Metric
	if err := metric.Write(&m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestMetrics_Register(t *testing.T) {
	t.Run("successful registration", func(t *testing.T) {
		m := NewMetrics()
		reg := prometheus.NewRegistry()
		if err := m.Register(reg); err != nil {
			t.Fatalf("Register() returned error: %v", err)
		}

		m.IncRuns(TriggerManual, ReasonCompleted)
		m.ObserveStage(StagePolicy, 0.2)
		m.IncActions("success")
		m.IncDenials("CRIT-001")
		m.IncLedgerAppends("INTENT")
		m.RunStarted()

		families, err := reg.Gather()
		if err != nil {
			t.Fatalf("Gather() returned error: %v", err)
		}
		found := map[string]bool{}
		for _, f := range families {
			found[f.GetName()] = true
		}
		for _, name := range []string{
			MetricRunsTotal, MetricStageDuration, MetricActionsTotal,
			MetricComplianceDenials, MetricLedgerAppendsTotal, MetricRunsInFlight,
		} {
			if !found[name] {
				t.Errorf("metric %s not found in gathered metrics", name)
			}
		}
	})

	t.Run("duplicate registration fails", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		if err := NewMetrics().Register(reg); err != nil {
			t.Fatalf("first Register() returned error: %v", err)
		}
		if err := NewMetrics().Register(reg); err == nil {
			t.Error("second Register() should have returned an error")
		}
	})
}

func TestMetrics_RecordedByOrchestrator(t *testing.T) {
	h := newHarness(cpuIssue("edge_01"), policy.Issue{ID: "i-2", Type: "LINK_FLAP", NodeID: "core_01"})
	m := NewMetrics()
	h.ledger.Subscribe(m.LedgerObserver())

	o := h.orchestrator(t)
	o.cfg.Metrics = m
	if _, err := o.Run(context.Background(), Request{Trigger: TriggerScheduled}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	tests := []struct {
		name   string
		vec    *prometheus.CounterVec
		labels []string
		want   float64
	}{
		{name: "runs", vec: m.runsTotal, labels: []string{"scheduled", "completed"}, want: 1},
		{name: "successful actions", vec: m.actionsTotal, labels: []string{"success"}, want: 1},
		{name: "critical node denials", vec: m.denials, labels: []string{"CRIT-001"}, want: 1},
		{name: "intent appends", vec: m.ledgerAppends, labels: []string{string(audit.KindIntent)}, want: 1},
		{name: "denial appends", vec: m.ledgerAppends, labels: []string{string(audit.KindDenial)}, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := getCounterVecValue(t, tt.vec, tt.labels...); got != tt.want {
				t.Errorf("%v = %v, want %v", tt.labels, got, tt.want)
			}
		})
	}

	var g dto.Metric
	if err := m.inFlight.Write(&g); err != nil {
		t.Fatal(err)
	}
	if g.GetGauge().GetValue() != 0 {
		t.Errorf("runs in flight = %v, want 0", g.GetGauge().GetValue())
	}
}
