package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/guardrail/internal/db"
	"github.com/onnwee/guardrail/internal/tracing"
)

const recordColumns = `sequence_no, kind, payload, payload_hash, prev_hash, record_hash, recorded_at_us`

// SQLStore implements Store on the audit_ledger table.
// It works against PostgreSQL and SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect db.Dialect
	logger  *slog.Logger
}

// NewSQLStore creates a store over an opened database.
func NewSQLStore(d *db.DB, logger *slog.Logger) *SQLStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLStore{db: d.DB, dialect: d.Dialect, logger: logger}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec  Record
		kind string
		tsUS int64
	)
	if err := row.Scan(&rec.SequenceNo, &kind, &rec.Payload, &rec.PayloadHash, &rec.PrevHash, &rec.RecordHash, &tsUS); err != nil {
		return nil, err
	}
	rec.Kind = Kind(kind)
	rec.Timestamp = time.UnixMicro(tsUS).UTC()
	return &rec, nil
}

// Tail returns the newest record.
func (s *SQLStore) Tail(ctx context.Context) (rec *Record, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, string(s.dialect), "audit_ledger", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `SELECT ` + recordColumns + ` FROM audit_ledger ORDER BY sequence_no DESC LIMIT 1`
	rec, err = scanRecord(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger tail: %w", err)
	}
	return rec, nil
}

// Insert writes rec inside a transaction after checking that it extends the tail.
// Concurrent writers racing for the same sequence number are rejected by the
// primary key and reported as ErrStaleTail.
func (s *SQLStore) Insert(ctx context.Context, rec *Record) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, string(s.dialect), "audit_ledger", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	tx, err := s.db.BeginTx(ctx, s.dialect.TxOptions())
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("failed to rollback ledger transaction", slog.String("error", rbErr.Error()))
		}
	}()

	wantSeq, wantPrev := int64(0), GenesisHash
	var (
		tailSeq  int64
		tailHash string
	)
	err = tx.QueryRowContext(ctx, `SELECT sequence_no, record_hash FROM audit_ledger ORDER BY sequence_no DESC LIMIT 1`).
		Scan(&tailSeq, &tailHash)
	switch {
	case err == nil:
		wantSeq, wantPrev = tailSeq+1, tailHash
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("failed to read ledger tail: %w", err)
	}
	if rec.SequenceNo != wantSeq || rec.PrevHash != wantPrev {
		return ErrStaleTail
	}

	insert := s.dialect.Rebind(`INSERT INTO audit_ledger (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`)
	_, err = tx.ExecContext(ctx, insert,
		rec.SequenceNo, string(rec.Kind), rec.Payload, rec.PayloadHash, rec.PrevHash, rec.RecordHash, rec.Timestamp.UnixMicro())
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrStaleTail
		}
		return fmt.Errorf("failed to insert ledger record: %w", err)
	}

	if err = tx.Commit(); err != nil {
		if db.IsUniqueViolation(err) {
			return ErrStaleTail
		}
		return fmt.Errorf("failed to commit ledger record: %w", err)
	}
	return nil
}

// Get returns the record at seq.
func (s *SQLStore) Get(ctx context.Context, seq int64) (rec *Record, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, string(s.dialect), "audit_ledger", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := s.dialect.Rebind(`SELECT ` + recordColumns + ` FROM audit_ledger WHERE sequence_no = $1`)
	rec, err = scanRecord(s.db.QueryRowContext(ctx, query, seq))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger record %d: %w", seq, err)
	}
	return rec, nil
}

// Range returns records in [from, to] ascending.
func (s *SQLStore) Range(ctx context.Context, from, to int64) (recs []*Record, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, string(s.dialect), "audit_ledger", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := s.dialect.Rebind(`SELECT ` + recordColumns + ` FROM audit_ledger
		WHERE sequence_no >= $1 AND sequence_no <= $2 ORDER BY sequence_no ASC`)
	return s.query(ctx, query, from, to)
}

// Page returns records with sequence_no <= maxSeq, newest-first.
func (s *SQLStore) Page(ctx context.Context, kind Kind, maxSeq int64, limit, offset int) (recs []*Record, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, string(s.dialect), "audit_ledger", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	q := `SELECT ` + recordColumns + ` FROM audit_ledger WHERE sequence_no <= $1`
	args := []any{maxSeq}
	if kind != "" {
		args = append(args, string(kind))
		q += fmt.Sprintf(` AND kind = $%d`, len(args))
	}
	q += ` ORDER BY sequence_no DESC`
	switch {
	case limit > 0:
		args = append(args, limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	case s.dialect == db.DialectSQLite:
		// SQLite only accepts OFFSET after a LIMIT.
		q += ` LIMIT -1`
	}
	if offset > 0 {
		args = append(args, offset)
		q += fmt.Sprintf(` OFFSET $%d`, len(args))
	}
	return s.query(ctx, s.dialect.Rebind(q), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ledger records: %w", err)
	}
	return out, nil
}
