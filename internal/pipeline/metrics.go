package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/onnwee/guardrail/internal/audit"
)

// Metric names as constants for consistency.
const (
	MetricRunsTotal          = "guardrail_pipeline_runs_total"
	MetricStageDuration      = "guardrail_pipeline_stage_duration_seconds"
	MetricActionsTotal       = "guardrail_pipeline_actions_total"
	MetricComplianceDenials  = "guardrail_compliance_denials_total"
	MetricLedgerAppendsTotal = "guardrail_ledger_appends_total"
	MetricRunsInFlight       = "guardrail_pipeline_runs_in_flight"
	MetricLastRunTimestamp   = "guardrail_pipeline_last_run_timestamp_seconds"
)

// Metrics contains Prometheus metrics for pipeline runs.
// All operations are thread-safe.
type Metrics struct {
	runsTotal     *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	actionsTotal  *prometheus.CounterVec
	denials       *prometheus.CounterVec
	ledgerAppends *prometheus.CounterVec
	inFlight      prometheus.Gauge
	lastRun       prometheus.Gauge
}

// NewMetrics creates a Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRunsTotal,
				Help: "Total number of pipeline runs by trigger and terminal reason",
			},
			[]string{"trigger", "terminal_reason"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricStageDuration,
				Help:    "Histogram of pipeline stage duration in seconds by stage",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0, 120.0},
			},
			[]string{"stage"},
		),
		actionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricActionsTotal,
				Help: "Total number of executed actions by outcome",
			},
			[]string{"outcome"},
		),
		denials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricComplianceDenials,
				Help: "Total number of compliance denials by rule",
			},
			[]string{"rule"},
		),
		ledgerAppends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricLedgerAppendsTotal,
				Help: "Total number of audit ledger appends by record kind",
			},
			[]string{"kind"},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: MetricRunsInFlight,
				Help: "Number of pipeline runs currently in progress",
			},
		),
		lastRun: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: MetricLastRunTimestamp,
				Help: "Unix timestamp of the last finished pipeline run",
			},
		),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncRuns counts a finished run.
func (m *Metrics) IncRuns(trigger Trigger, reason TerminalReason) {
	m.runsTotal.WithLabelValues(string(trigger), string(reason)).Inc()
}

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(stage Stage, seconds float64) {
	m.stageDuration.WithLabelValues(string(stage)).Observe(seconds)
}

// IncActions counts an executed action by outcome.
func (m *Metrics) IncActions(outcome string) {
	m.actionsTotal.WithLabelValues(outcome).Inc()
}

// IncDenials counts a denial by the rule that caused it.
func (m *Metrics) IncDenials(rule string) {
	m.denials.WithLabelValues(rule).Inc()
}

// IncLedgerAppends counts a ledger append.
func (m *Metrics) IncLedgerAppends(kind string) {
	m.ledgerAppends.WithLabelValues(kind).Inc()
}

// LedgerObserver returns a function suitable for audit.Ledger.Subscribe.
func (m *Metrics) LedgerObserver() func(*audit.Record) {
	return func(rec *audit.Record) {
		m.IncLedgerAppends(string(rec.Kind))
	}
}

// RunStarted marks a run as in progress.
func (m *Metrics) RunStarted() { m.inFlight.Inc() }

// RunFinished marks a run as done at the given time.
func (m *Metrics) RunFinished(unixSeconds float64) {
	m.inFlight.Dec()
	m.lastRun.Set(unixSeconds)
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.runsTotal,
		m.stageDuration,
		m.actionsTotal,
		m.denials,
		m.ledgerAppends,
		m.inFlight,
		m.lastRun,
	}
}
