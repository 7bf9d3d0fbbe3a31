package pipeline

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/onnwee/guardrail/internal/db"
	"github.com/onnwee/guardrail/internal/tracing"
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("pipeline run not found")

// RunStore persists pipeline runs. Create is called when a run enters
// discovery and Save whenever it advances or is finalised.
type RunStore interface {
	Create(ctx context.Context, run *Run) error
	Save(ctx context.Context, run *Run) error
	Get(ctx context.Context, runID string) (*Run, error)
	// List returns runs newest-first.
	List(ctx context.Context, limit, offset int) ([]*Run, error)
}

// InMemoryRunStore keeps runs in memory.
type InMemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

// NewInMemoryRunStore creates an empty store.
func NewInMemoryRunStore() *InMemoryRunStore {
	return &InMemoryRunStore{runs: make(map[string]*Run)}
}

func cloneRun(r *Run) *Run {
	c := *r
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// Create stores a new run.
func (s *InMemoryRunStore) Create(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.RunID]; ok {
		return fmt.Errorf("pipeline run %s already exists", run.RunID)
	}
	s.runs[run.RunID] = cloneRun(run)
	return nil
}

// Save replaces a stored run.
func (s *InMemoryRunStore) Save(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.RunID]; !ok {
		return ErrRunNotFound
	}
	s.runs[run.RunID] = cloneRun(run)
	return nil
}

// Get returns a copy of the run.
func (s *InMemoryRunStore) Get(_ context.Context, runID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return cloneRun(r), nil
}

// List returns runs newest-first.
func (s *InMemoryRunStore) List(_ context.Context, limit, offset int) ([]*Run, error) {
	s.mu.RLock()
	out := make([]*Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, cloneRun(r))
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Run) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.RunID, a.RunID)
	})
	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

const runColumns = `run_id, trigger_kind, triggered_by, scope, started_at_us, ended_at_us,
	stage_reached, terminal_reason, summary, error_message`

// SQLRunStore implements RunStore on the pipeline_runs table.
type SQLRunStore struct {
	db      *sql.DB
	dialect db.Dialect
}

// NewSQLRunStore creates a store over an opened database.
func NewSQLRunStore(d *db.DB) *SQLRunStore {
	return &SQLRunStore{db: d.DB, dialect: d.Dialect}
}

func runArgs(run *Run) ([]any, error) {
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return nil, fmt.Errorf("encoding run summary: %w", err)
	}
	var ended sql.NullInt64
	if run.EndedAt != nil {
		ended = sql.NullInt64{Int64: run.EndedAt.UnixMicro(), Valid: true}
	}
	return []any{
		run.RunID, string(run.Trigger), run.TriggeredBy, run.Scope, run.StartedAt.UnixMicro(), ended,
		string(run.StageReached), string(run.TerminalReason), string(summary), run.Error,
	}, nil
}

// Create inserts a new run.
func (s *SQLRunStore) Create(ctx context.Context, run *Run) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, string(s.dialect), "pipeline_runs", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	args, err := runArgs(run)
	if err != nil {
		return err
	}
	query := s.dialect.Rebind(`INSERT INTO pipeline_runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`)
	if _, err = s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert pipeline run: %w", err)
	}
	return nil
}

// Save updates the mutable columns of a run.
func (s *SQLRunStore) Save(ctx context.Context, run *Run) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, string(s.dialect), "pipeline_runs", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	args, err := runArgs(run)
	if err != nil {
		return err
	}
	query := s.dialect.Rebind(`UPDATE pipeline_runs
		SET ended_at_us = $2, stage_reached = $3, terminal_reason = $4, summary = $5, error_message = $6
		WHERE run_id = $1`)
	res, err := s.db.ExecContext(ctx, query, args[0], args[5], args[6], args[7], args[8], args[9])
	if err != nil {
		return fmt.Errorf("failed to update pipeline run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update pipeline run: %w", err)
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		r                            Run
		trigger, stage, reason, summ string
		started                      int64
		ended                        sql.NullInt64
	)
	if err := row.Scan(&r.RunID, &trigger, &r.TriggeredBy, &r.Scope, &started, &ended,
		&stage, &reason, &summ, &r.Error); err != nil {
		return nil, err
	}
	r.Trigger = Trigger(trigger)
	r.StageReached = Stage(stage)
	r.TerminalReason = TerminalReason(reason)
	r.StartedAt = time.UnixMicro(started).UTC()
	if ended.Valid {
		t := time.UnixMicro(ended.Int64).UTC()
		r.EndedAt = &t
	}
	if err := json.Unmarshal([]byte(summ), &r.Summary); err != nil {
		return nil, fmt.Errorf("decoding summary of run %s: %w", r.RunID, err)
	}
	return &r, nil
}

// Get returns the run with runID.
func (s *SQLRunStore) Get(ctx context.Context, runID string) (run *Run, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, string(s.dialect), "pipeline_runs", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := s.dialect.Rebind(`SELECT ` + runColumns + ` FROM pipeline_runs WHERE run_id = $1`)
	run, err = scanRun(s.db.QueryRowContext(ctx, query, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline run %s: %w", runID, err)
	}
	return run, nil
}

// List returns runs newest-first.
func (s *SQLRunStore) List(ctx context.Context, limit, offset int) (runs []*Run, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, string(s.dialect), "pipeline_runs", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	if limit <= 0 {
		limit = 100
	}
	query := s.dialect.Rebind(`SELECT ` + runColumns + ` FROM pipeline_runs
		ORDER BY started_at_us DESC, run_id DESC LIMIT $1 OFFSET $2`)
	rows, err := s.db.QueryContext(ctx, query, limit, max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to list pipeline runs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pipeline run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pipeline runs: %w", err)
	}
	return runs, nil
}

var (
	_ RunStore = (*InMemoryRunStore)(nil)
	_ RunStore = (*SQLRunStore)(nil)
)
