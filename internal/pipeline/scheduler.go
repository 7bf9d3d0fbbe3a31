package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Runner starts pipeline runs. *Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, req Request) (*Report, error)
}

// SchedulerConfig configures the recurring run scheduler.
type SchedulerConfig struct {
	// Interval is the duration between scheduled runs.
	Interval time.Duration
	// Timeout bounds a single scheduled run.
	Timeout time.Duration
	// Scope is passed to every scheduled run.
	Scope string
	// Logger for scheduler activity.
	Logger *slog.Logger
}

// DefaultScheduleInterval is the default interval between scheduled runs.
const DefaultScheduleInterval = 5 * time.Minute

// DefaultScheduleTimeout is the default timeout for a single scheduled run.
const DefaultScheduleTimeout = 10 * time.Minute

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	Running   bool          `json:"running"`
	Paused    bool          `json:"paused"`
	Interval  time.Duration `json:"interval"`
	LastRunAt *time.Time    `json:"last_run_at,omitempty"`
	NextRunAt *time.Time    `json:"next_run_at,omitempty"`
	LastRunID string        `json:"last_run_id,omitempty"`
	Runs      int           `json:"runs"`
	Failures  int           `json:"failures"`
}

// Scheduler triggers pipeline runs at a fixed interval. Scheduled runs
// never overlap each other; manual runs may proceed alongside them.
type Scheduler struct {
	config SchedulerConfig
	runner Runner

	mu        sync.Mutex
	running   bool
	paused    bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	lastRunAt time.Time
	nextRunAt time.Time
	lastRunID string
	runs      int
	failures  int

	// runMu serialises scheduled runs.
	runMu sync.Mutex
}

// NewScheduler creates a scheduler for runner.
func NewScheduler(config SchedulerConfig, runner Runner) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = DefaultScheduleInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultScheduleTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Scheduler{config: config, runner: runner}
}

// Start begins the periodic schedule.
// Returns immediately; the loop runs in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.paused = false
	stopCh, doneCh := make(chan struct{}), make(chan struct{})
	s.stopCh, s.doneCh = stopCh, doneCh
	s.nextRunAt = time.Now().Add(s.config.Interval)
	s.mu.Unlock()

	s.config.Logger.Info("pipeline scheduler started", slog.Duration("interval", s.config.Interval))
	go s.loop(ctx, stopCh, doneCh)
	return nil
}

// Stop signals the scheduler to stop and waits for an in-progress
// scheduled run to finish. It is safe to call more than once and from
// several goroutines; only the first call closes the stop channel.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stopCh, doneCh := s.stopCh, s.doneCh
	s.stopCh = nil
	s.running = false
	s.nextRunAt = time.Time{}
	s.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	if doneCh != nil {
		<-doneCh
	}
}

// Pause skips scheduled runs until Resume.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.config.Logger.Info("pipeline scheduler paused")
}

// Resume re-enables scheduled runs.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.config.Logger.Info("pipeline scheduler resumed")
}

// IsRunning returns whether the scheduler loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status returns a snapshot of the scheduler.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SchedulerStatus{
		Running:   s.running,
		Paused:    s.paused,
		Interval:  s.config.Interval,
		LastRunID: s.lastRunID,
		Runs:      s.runs,
		Failures:  s.failures,
	}
	if !s.lastRunAt.IsZero() {
		t := s.lastRunAt
		st.LastRunAt = &t
	}
	if s.running && !s.paused && !s.nextRunAt.IsZero() {
		t := s.nextRunAt
		st.NextRunAt = &t
	}
	return st
}

func (s *Scheduler) loop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.config.Logger.Info("pipeline scheduler stopping due to context cancellation")
			return
		case <-stopCh:
			s.config.Logger.Info("pipeline scheduler stopping due to stop signal")
			return
		case <-ticker.C:
			s.mu.Lock()
			paused := s.paused
			s.nextRunAt = time.Now().Add(s.config.Interval)
			s.mu.Unlock()
			if paused {
				continue
			}
			s.trigger(ctx, TriggerScheduled, "scheduler")
		}
	}
}

// RunNow triggers a scheduled-style run immediately, waiting for any
// scheduled run in progress to finish first.
func (s *Scheduler) RunNow(ctx context.Context, triggeredBy string) (*Report, error) {
	return s.trigger(ctx, TriggerManual, triggeredBy)
}

func (s *Scheduler) trigger(parent context.Context, trigger Trigger, by string) (*Report, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	ctx, cancel := context.WithTimeout(parent, s.config.Timeout)
	defer cancel()

	report, err := s.runner.Run(ctx, Request{Trigger: trigger, TriggeredBy: by, Scope: s.config.Scope})

	s.mu.Lock()
	s.lastRunAt = time.Now()
	s.runs++
	if err != nil {
		s.failures++
	}
	if report != nil && report.Run != nil {
		s.lastRunID = report.Run.RunID
	}
	s.mu.Unlock()

	if err != nil {
		s.config.Logger.Error("scheduled pipeline run failed",
			slog.String("trigger", string(trigger)),
			slog.String("error", err.Error()))
	}
	return report, err
}
