package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/onnwee/guardrail/internal/pipeline"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 200
)

// StatusReporter reports the state of the run scheduler.
type StatusReporter interface {
	Status() pipeline.SchedulerStatus
}

// RunHandlers serves pipeline run history and scheduler state.
type RunHandlers struct {
	runs      pipeline.RunStore
	scheduler StatusReporter
	logger    *slog.Logger
}

// NewRunHandlers creates run handlers. scheduler may be nil when the server
// does not schedule runs.
func NewRunHandlers(runs pipeline.RunStore, scheduler StatusReporter, logger *slog.Logger) *RunHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunHandlers{runs: runs, scheduler: scheduler, logger: logger}
}

// RunView is a run with its derived status.
type RunView struct {
	*pipeline.Run
	Status     pipeline.Status `json:"status"`
	DurationMS int64           `json:"duration_ms,omitempty"`
}

func newRunView(run *pipeline.Run) RunView {
	return RunView{Run: run, Status: run.Status(), DurationMS: run.Duration().Milliseconds()}
}

// RunsResponse is a page of runs, newest first.
type RunsResponse struct {
	Runs   []RunView `json:"runs"`
	Limit  int       `json:"limit"`
	Offset int       `json:"offset"`
}

// ListRuns handles GET /runs?limit=&offset=.
func (h *RunHandlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit, err := queryInt(r, "limit", defaultRunLimit)
	if err == nil && (limit < 1 || limit > maxRunLimit) {
		err = fmt.Errorf("limit must be between 1 and %d", maxRunLimit)
	}
	if err != nil {
		WriteError(w, ctx, ErrCodeValidation, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err == nil && offset < 0 {
		err = errors.New("offset must not be negative")
	}
	if err != nil {
		WriteError(w, ctx, ErrCodeValidation, err.Error())
		return
	}

	runs, err := h.runs.List(ctx, int(limit), int(offset))
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list runs", "error", err)
		WriteError(w, ctx, ErrCodeInternal, "Failed to list runs")
		return
	}

	views := make([]RunView, len(runs))
	for i, run := range runs {
		views[i] = newRunView(run)
	}
	writeJSON(w, ctx, http.StatusOK, RunsResponse{Runs: views, Limit: int(limit), Offset: int(offset)})
}

// GetRun handles GET /runs/{id}.
func (h *RunHandlers) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := chi.URLParam(r, "id")

	run, err := h.runs.Get(ctx, runID)
	switch {
	case errors.Is(err, pipeline.ErrRunNotFound):
		WriteError(w, ctx, ErrCodeNotFound, "Run not found")
		return
	case err != nil:
		h.logger.ErrorContext(ctx, "failed to read run", "error", err, "run_id", runID)
		WriteError(w, ctx, ErrCodeInternal, "Failed to read run")
		return
	}

	writeJSON(w, ctx, http.StatusOK, newRunView(run))
}

// SchedulerStatus handles GET /scheduler.
func (h *RunHandlers) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.scheduler == nil {
		WriteError(w, ctx, ErrCodeUnavailable, "Scheduler is not enabled")
		return
	}
	writeJSON(w, ctx, http.StatusOK, h.scheduler.Status())
}
