package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/onnwee/guardrail/internal/db"
)

func newSQLiteLedger(t *testing.T) (*Ledger, *SQLStore, *db.DB) {
	t.Helper()
	d, err := db.OpenMemory(context.Background())
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	store := NewSQLStore(d, newTestLogger())
	return NewLedger(store, newTestLogger()), store, d
}

func TestSQLStore_AppendAndVerify(t *testing.T) {
	l, _, _ := newSQLiteLedger(t)
	recs := appendN(t, l, 12)

	got, err := l.Get(context.Background(), 5)
	if err != nil {
		t.Fatalf("Get(5) error = %v", err)
	}
	if got.RecordHash != recs[5].RecordHash || !got.Timestamp.Equal(recs[5].Timestamp) {
		t.Errorf("Get(5) = %+v, want %+v", got, recs[5])
	}

	res, err := l.VerifyChain(context.Background(), 0, -1)
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if !res.Valid || res.Checked != 12 {
		t.Errorf("VerifyChain() = %+v, want valid with 12 checked", res)
	}
}

func TestSQLStore_DetectsTamperedRow(t *testing.T) {
	l, _, d := newSQLiteLedger(t)
	appendN(t, l, 6)

	forged, _ := EncodePayload(testPayload{ActionID: "forged"})
	if _, err := d.ExecContext(context.Background(),
		d.Dialect.Rebind(`UPDATE audit_ledger SET payload = $1 WHERE sequence_no = $2`), forged, 3); err != nil {
		t.Fatalf("tampering row: %v", err)
	}

	res, err := l.VerifyChain(context.Background(), 0, -1)
	var ie *IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("VerifyChain() error = %v, want *IntegrityError", err)
	}
	if *res.FirstBreakAt != 3 {
		t.Errorf("FirstBreakAt = %d, want 3", *res.FirstBreakAt)
	}
}

func TestSQLStore_InsertRejectsStaleTail(t *testing.T) {
	l, store, _ := newSQLiteLedger(t)
	recs := appendN(t, l, 2)

	stale := *recs[1]
	if err := store.Insert(context.Background(), &stale); !errors.Is(err, ErrStaleTail) {
		t.Errorf("Insert(reused sequence) error = %v, want ErrStaleTail", err)
	}
	wrongPrev := &Record{SequenceNo: 2, Kind: KindIntent, Payload: []byte{0xa0}, PrevHash: recs[0].RecordHash, RecordHash: "x"}
	if err := store.Insert(context.Background(), wrongPrev); !errors.Is(err, ErrStaleTail) {
		t.Errorf("Insert(wrong prev) error = %v, want ErrStaleTail", err)
	}
}

func TestSQLStore_Page(t *testing.T) {
	l, _, _ := newSQLiteLedger(t)
	appendN(t, l, 7)

	tests := []struct {
		name    string
		opts    ListOptions
		wantSeq []int64
	}{
		{name: "all", opts: ListOptions{PageSize: 3}, wantSeq: []int64{6, 5, 4, 3, 2, 1, 0}},
		{name: "results with offset", opts: ListOptions{Kind: KindResult, Offset: 1}, wantSeq: []int64{1}},
		{name: "limit and offset", opts: ListOptions{Limit: 2, Offset: 2}, wantSeq: []int64{4, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := l.Collect(context.Background(), tt.opts)
			if err != nil {
				t.Fatalf("Collect() error = %v", err)
			}
			if len(recs) != len(tt.wantSeq) {
				t.Fatalf("got %d records, want %v", len(recs), tt.wantSeq)
			}
			for i, r := range recs {
				if r.SequenceNo != tt.wantSeq[i] {
					t.Errorf("record %d sequence = %d, want %d", i, r.SequenceNo, tt.wantSeq[i])
				}
			}
		})
	}
}

func TestSQLStore_EmptyTail(t *testing.T) {
	_, store, _ := newSQLiteLedger(t)
	tail, err := store.Tail(context.Background())
	if err != nil {
		t.Fatalf("Tail() error = %v", err)
	}
	if tail != nil {
		t.Errorf("Tail() = %+v, want nil", tail)
	}
	if _, err := store.Get(context.Background(), 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(0) error = %v, want ErrNotFound", err)
	}
}
