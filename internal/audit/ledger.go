package audit

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/guardrail/internal/tracing"
)

// ErrLedgerWrite marks every failure to append a record.
var ErrLedgerWrite = errors.New("audit ledger write failed")

// maxStaleRetries bounds how often Append rebuilds a record after another
// process advanced the tail underneath it.
const maxStaleRetries = 3

// verifyBatchSize is the number of records VerifyChain loads per query.
const verifyBatchSize = 500

// defaultPageSize is the page size List uses when none is given.
const defaultPageSize = 100

// WriteError is returned when a record could not be appended. Nothing was
// persisted; callers must not proceed with the action the record describes.
type WriteError struct {
	Kind Kind
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("audit ledger write (%s): %v", e.Kind, e.Err)
}

// Unwrap exposes both ErrLedgerWrite and the underlying cause.
func (e *WriteError) Unwrap() []error {
	return []error{ErrLedgerWrite, e.Err}
}

// IntegrityError reports the first broken link found by VerifyChain.
// It signals tampering and must never be retried or ignored.
type IntegrityError struct {
	SequenceNo int64
	Reason     string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("audit ledger integrity broken at sequence %d: %s", e.SequenceNo, e.Reason)
}

// VerifyResult summarises a VerifyChain pass.
type VerifyResult struct {
	Valid        bool   `json:"valid"`
	From         int64  `json:"from"`
	To           int64  `json:"to"`
	Checked      int64  `json:"checked"`
	FirstBreakAt *int64 `json:"first_break_at,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// ListOptions filters and pages List.
type ListOptions struct {
	Kind     Kind // empty = all kinds
	Limit    int  // maximum records yielded; 0 = no limit
	Offset   int  // newest records to skip
	PageSize int  // records fetched per store query; 0 = default
}

// Ledger is the single writer of the hash chain. All appends in a process
// go through one Ledger; the store's compare-and-swap insert protects the
// chain when several processes share a database.
type Ledger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex

	obsMu     sync.RWMutex
	observers []func(*Record)
}

// NewLedger creates a ledger over store.
func NewLedger(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Subscribe registers fn to be called with every record after it is persisted.
// Observers run synchronously on the appending goroutine and must not block.
func (l *Ledger) Subscribe(fn func(*Record)) {
	l.obsMu.Lock()
	l.observers = append(l.observers, fn)
	l.obsMu.Unlock()
}

// Append encodes payload, links it to the current tail and persists it.
// The returned record carries the assigned sequence number and hashes.
func (l *Ledger) Append(ctx context.Context, kind Kind, payload any) (rec *Record, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "audit.append")
	defer func() { endSpan(err) }()

	if !kind.Valid() {
		return nil, &WriteError{Kind: kind, Err: fmt.Errorf("unknown record kind %q", kind)}
	}
	data, err := EncodePayload(payload)
	if err != nil {
		return nil, &WriteError{Kind: kind, Err: err}
	}
	payloadHash := HashPayload(data)

	l.mu.Lock()
	rec, err = l.appendLocked(ctx, kind, data, payloadHash)
	l.mu.Unlock()
	if err != nil {
		l.logger.Error("audit append failed",
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()))
		return nil, err
	}

	tracing.SetAttributes(ctx,
		attribute.Int64("audit.sequence_no", rec.SequenceNo),
		attribute.String("audit.kind", string(kind)))
	l.logger.Debug("audit record appended",
		slog.Int64("sequence_no", rec.SequenceNo),
		slog.String("kind", string(kind)))

	l.notify(rec)
	return rec.clone(), nil
}

func (l *Ledger) appendLocked(ctx context.Context, kind Kind, data []byte, payloadHash string) (*Record, error) {
	for attempt := 1; attempt <= maxStaleRetries; attempt++ {
		tail, err := l.store.Tail(ctx)
		if err != nil {
			return nil, &WriteError{Kind: kind, Err: err}
		}

		seq, prevHash := int64(0), GenesisHash
		ts := normalizeTimestamp(l.now())
		if tail != nil {
			seq, prevHash = tail.SequenceNo+1, tail.RecordHash
			if ts.Before(tail.Timestamp) {
				ts = tail.Timestamp
			}
		}

		rec := &Record{
			SequenceNo:  seq,
			Kind:        kind,
			Payload:     data,
			PayloadHash: payloadHash,
			PrevHash:    prevHash,
			RecordHash:  ComputeRecordHash(prevHash, payloadHash, seq, ts),
			Timestamp:   ts,
		}

		err = l.store.Insert(ctx, rec)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrStaleTail) {
			return nil, &WriteError{Kind: kind, Err: err}
		}
		l.logger.Warn("audit tail moved during append, rebuilding record",
			slog.Int64("sequence_no", seq),
			slog.Int("attempt", attempt))
	}
	return nil, &WriteError{Kind: kind, Err: ErrStaleTail}
}

func (l *Ledger) notify(rec *Record) {
	l.obsMu.RLock()
	defer l.obsMu.RUnlock()
	for _, fn := range l.observers {
		fn(rec.clone())
	}
}

// Get returns the record at seq or ErrNotFound.
func (l *Ledger) Get(ctx context.Context, seq int64) (*Record, error) {
	return l.store.Get(ctx, seq)
}

// Head returns the newest record, or nil if the ledger is empty.
func (l *Ledger) Head(ctx context.Context) (*Record, error) {
	return l.store.Tail(ctx)
}

// VerifyChain re-hashes records from..to (inclusive) and checks every link.
// A negative to means "through the newest record". It stops at the first
// broken link and reports it both in the result and as an *IntegrityError.
// It never writes.
func (l *Ledger) VerifyChain(ctx context.Context, from, to int64) (res *VerifyResult, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "audit.verify_chain")
	defer func() { endSpan(err) }()

	if from < 0 {
		from = 0
	}
	tail, err := l.store.Tail(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading ledger head: %w", err)
	}
	if tail == nil {
		return &VerifyResult{Valid: true, From: from, To: -1}, nil
	}
	if to < 0 || to > tail.SequenceNo {
		to = tail.SequenceNo
	}
	res = &VerifyResult{Valid: true, From: from, To: to}
	if from > to {
		return res, nil
	}

	prevHash := GenesisHash
	if from > 0 {
		prev, err := l.store.Get(ctx, from-1)
		switch {
		case errors.Is(err, ErrNotFound):
			return l.broken(res, from, "predecessor record missing")
		case err != nil:
			return nil, fmt.Errorf("reading record %d: %w", from-1, err)
		}
		prevHash = prev.RecordHash
	}

	next := from
	for next <= to {
		batchEnd := min(next+verifyBatchSize-1, to)
		batch, err := l.store.Range(ctx, next, batchEnd)
		if err != nil {
			return nil, fmt.Errorf("reading records %d-%d: %w", next, batchEnd, err)
		}
		for _, rec := range batch {
			if rec.SequenceNo != next {
				return l.broken(res, next, "record missing")
			}
			if reason := checkLink(rec, prevHash); reason != "" {
				return l.broken(res, rec.SequenceNo, reason)
			}
			prevHash = rec.RecordHash
			res.Checked++
			next++
		}
		if next <= batchEnd {
			return l.broken(res, next, "record missing")
		}
	}
	return res, nil
}

func checkLink(rec *Record, prevHash string) string {
	switch {
	case HashPayload(rec.Payload) != rec.PayloadHash:
		return "payload hash mismatch"
	case rec.PrevHash != prevHash:
		return "prev_hash does not match predecessor"
	case ComputeRecordHash(rec.PrevHash, rec.PayloadHash, rec.SequenceNo, rec.Timestamp) != rec.RecordHash:
		return "record hash mismatch"
	}
	return ""
}

func (l *Ledger) broken(res *VerifyResult, seq int64, reason string) (*VerifyResult, error) {
	res.Valid = false
	res.FirstBreakAt = &seq
	res.Reason = reason
	l.logger.Error("audit ledger integrity check failed",
		slog.Int64("sequence_no", seq),
		slog.String("reason", reason))
	return res, &IntegrityError{SequenceNo: seq, Reason: reason}
}

// List yields records newest-first. The sequence is lazy: records are
// fetched a page at a time as the caller ranges over it. Records appended
// after iteration starts are not included, so offsets stay stable and a
// consumer can resume by listing again with Offset advanced.
func (l *Ledger) List(ctx context.Context, opts ListOptions) iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		tail, err := l.store.Tail(ctx)
		if err != nil {
			yield(nil, fmt.Errorf("reading ledger head: %w", err))
			return
		}
		if tail == nil {
			return
		}

		pageSize := opts.PageSize
		if pageSize <= 0 {
			pageSize = defaultPageSize
		}
		offset := max(opts.Offset, 0)
		yielded := 0
		for {
			n := pageSize
			if opts.Limit > 0 {
				n = min(n, opts.Limit-yielded)
			}
			if n <= 0 {
				return
			}
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			page, err := l.store.Page(ctx, opts.Kind, tail.SequenceNo, n, offset)
			if err != nil {
				yield(nil, fmt.Errorf("listing ledger records: %w", err))
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
				yielded++
			}
			if len(page) < n {
				return
			}
			offset += len(page)
		}
	}
}

// Collect drains List into a slice.
func (l *Ledger) Collect(ctx context.Context, opts ListOptions) ([]*Record, error) {
	var out []*Record
	for rec, err := range l.List(ctx, opts) {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
