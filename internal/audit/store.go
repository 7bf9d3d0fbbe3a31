package audit

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNotFound is returned when no record exists at the requested sequence number.
	ErrNotFound = errors.New("audit record not found")
	// ErrStaleTail is returned by Store.Insert when the record was built on a
	// tail that is no longer current.
	ErrStaleTail = errors.New("audit ledger tail changed")
)

// Store persists ledger records. Implementations never compute hashes;
// they only guarantee that Insert is a compare-and-swap on the tail.
type Store interface {
	// Tail returns the newest record, or nil when the store is empty.
	Tail(ctx context.Context) (*Record, error)

	// Insert persists rec atomically. It fails with ErrStaleTail unless
	// rec.SequenceNo is exactly one past the current tail and rec.PrevHash
	// matches the tail's RecordHash.
	Insert(ctx context.Context, rec *Record) error

	// Get returns the record at seq or ErrNotFound.
	Get(ctx context.Context, seq int64) (*Record, error)

	// Range returns records with from <= sequence_no <= to in ascending order.
	Range(ctx context.Context, from, to int64) ([]*Record, error)

	// Page returns up to limit records with sequence_no <= maxSeq,
	// newest-first, skipping offset. An empty kind matches every record and
	// a non-positive limit means no limit.
	Page(ctx context.Context, kind Kind, maxSeq int64, limit, offset int) ([]*Record, error)
}

// InMemoryStore is an in-memory implementation of Store.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryStore struct {
	mu      sync.RWMutex
	records []*Record
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// Tail returns the newest record.
func (s *InMemoryStore) Tail(ctx context.Context) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return nil, nil
	}
	return s.records[len(s.records)-1].clone(), nil
}

// Insert appends rec if it extends the current tail.
func (s *InMemoryStore) Insert(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wantSeq, wantPrev := int64(0), GenesisHash
	if n := len(s.records); n > 0 {
		wantSeq = s.records[n-1].SequenceNo + 1
		wantPrev = s.records[n-1].RecordHash
	}
	if rec.SequenceNo != wantSeq || rec.PrevHash != wantPrev {
		return ErrStaleTail
	}
	s.records = append(s.records, rec.clone())
	return nil
}

// Get returns the record at seq.
func (s *InMemoryStore) Get(ctx context.Context, seq int64) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if seq < 0 || seq >= int64(len(s.records)) {
		return nil, ErrNotFound
	}
	return s.records[seq].clone(), nil
}

// Range returns records in [from, to], clamped to what exists.
func (s *InMemoryStore) Range(ctx context.Context, from, to int64) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if from < 0 {
		from = 0
	}
	last := int64(len(s.records)) - 1
	if to > last {
		to = last
	}
	var out []*Record
	for seq := from; seq <= to; seq++ {
		out = append(out, s.records[seq].clone())
	}
	return out, nil
}

// Page returns records newest-first.
func (s *InMemoryStore) Page(ctx context.Context, kind Kind, maxSeq int64, limit, offset int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	skipped := 0
	start := min(int64(len(s.records))-1, maxSeq)
	for i := start; i >= 0; i-- {
		rec := s.records[i]
		if kind != "" && rec.Kind != kind {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, rec.clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
