package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLedger(t *testing.T) (*Ledger, *InMemoryStore) {
	t.Helper()
	store := NewInMemoryStore()
	return NewLedger(store, newTestLogger()), store
}

type testPayload struct {
	ActionID string `cbor:"action_id" json:"action_id"`
	Node     string `cbor:"node" json:"node"`
	Attempt  int    `cbor:"attempt" json:"attempt"`
}

func appendN(t *testing.T, l *Ledger, n int) []*Record {
	t.Helper()
	kinds := []Kind{KindIntent, KindResult, KindDenial}
	var out []*Record
	for i := 0; i < n; i++ {
		rec, err := l.Append(context.Background(), kinds[i%len(kinds)], testPayload{ActionID: "a", Node: "n", Attempt: i})
		if err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
		out = append(out, rec)
	}
	return out
}

// tamper overwrites a stored payload without touching its hashes.
func (s *InMemoryStore) tamper(seq int64, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[seq].Payload = payload
}

func TestLedger_AppendLinksRecords(t *testing.T) {
	l, _ := newTestLedger(t)
	recs := appendN(t, l, 3)

	if recs[0].SequenceNo != 0 {
		t.Errorf("first SequenceNo = %d, want 0", recs[0].SequenceNo)
	}
	if recs[0].PrevHash != GenesisHash {
		t.Errorf("first PrevHash = %q, want genesis", recs[0].PrevHash)
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].SequenceNo != recs[i-1].SequenceNo+1 {
			t.Errorf("record %d SequenceNo = %d, want %d", i, recs[i].SequenceNo, recs[i-1].SequenceNo+1)
		}
		if recs[i].PrevHash != recs[i-1].RecordHash {
			t.Errorf("record %d PrevHash does not link to record %d", i, i-1)
		}
	}
	for _, rec := range recs {
		want := ComputeRecordHash(rec.PrevHash, rec.PayloadHash, rec.SequenceNo, rec.Timestamp)
		if rec.RecordHash != want {
			t.Errorf("record %d RecordHash = %q, want %q", rec.SequenceNo, rec.RecordHash, want)
		}
	}
}

func TestLedger_AppendRejectsUnknownKind(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Append(context.Background(), Kind("APPROVAL"), testPayload{})
	if !errors.Is(err, ErrLedgerWrite) {
		t.Fatalf("Append() error = %v, want ErrLedgerWrite", err)
	}
}

func TestLedger_PayloadDecodes(t *testing.T) {
	l, _ := newTestLedger(t)
	in := testPayload{ActionID: "act-1", Node: "router_core_01", Attempt: 2}
	rec, err := l.Append(context.Background(), KindIntent, in)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	var out testPayload
	if err := rec.Decode(&out); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if out != in {
		t.Errorf("Decode() = %+v, want %+v", out, in)
	}
}

func TestLedger_ConcurrentAppendsHaveNoGaps(t *testing.T) {
	l, _ := newTestLedger(t)
	const writers, perWriter = 8, 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := l.Append(context.Background(), KindIntent, testPayload{Attempt: w*1000 + i}); err != nil {
					t.Errorf("Append() error = %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	res, err := l.VerifyChain(context.Background(), 0, -1)
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if !res.Valid {
		t.Fatalf("VerifyChain() valid = false at %v", *res.FirstBreakAt)
	}
	if res.Checked != writers*perWriter {
		t.Errorf("Checked = %d, want %d", res.Checked, writers*perWriter)
	}
}

func TestLedger_VerifyChain(t *testing.T) {
	tests := []struct {
		name      string
		n         int
		tamperAt  int64
		from, to  int64
		wantValid bool
		wantBreak int64
	}{
		{name: "untouched chain", n: 10, tamperAt: -1, from: 0, to: 9, wantValid: true},
		{name: "tampered first record", n: 10, tamperAt: 0, from: 0, to: 9, wantBreak: 0},
		{name: "tampered middle record", n: 10, tamperAt: 4, from: 0, to: 9, wantBreak: 4},
		{name: "tampered last record", n: 10, tamperAt: 9, from: 0, to: -1, wantBreak: 9},
		{name: "tamper outside range", n: 10, tamperAt: 8, from: 0, to: 5, wantValid: true},
		{name: "sub-range with tamper", n: 10, tamperAt: 6, from: 5, to: 9, wantBreak: 6},
		{name: "empty range", n: 3, tamperAt: -1, from: 2, to: 1, wantValid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, store := newTestLedger(t)
			appendN(t, l, tt.n)
			if tt.tamperAt >= 0 {
				forged, _ := EncodePayload(testPayload{ActionID: "forged"})
				store.tamper(tt.tamperAt, forged)
			}

			res, err := l.VerifyChain(context.Background(), tt.from, tt.to)
			if res == nil {
				t.Fatalf("VerifyChain() result = nil, err = %v", err)
			}
			if res.Valid != tt.wantValid {
				t.Fatalf("Valid = %v, want %v (reason %q)", res.Valid, tt.wantValid, res.Reason)
			}
			if tt.wantValid {
				if err != nil {
					t.Errorf("VerifyChain() error = %v, want nil", err)
				}
				return
			}
			var ie *IntegrityError
			if !errors.As(err, &ie) {
				t.Fatalf("VerifyChain() error = %v, want *IntegrityError", err)
			}
			if res.FirstBreakAt == nil || *res.FirstBreakAt != tt.wantBreak {
				t.Errorf("FirstBreakAt = %v, want %d", res.FirstBreakAt, tt.wantBreak)
			}
			if ie.SequenceNo != tt.wantBreak {
				t.Errorf("IntegrityError.SequenceNo = %d, want %d", ie.SequenceNo, tt.wantBreak)
			}
		})
	}
}

func TestLedger_VerifyChainIsRepeatable(t *testing.T) {
	l, _ := newTestLedger(t)
	appendN(t, l, 5)

	first, err := l.VerifyChain(context.Background(), 0, -1)
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	second, err := l.VerifyChain(context.Background(), 0, -1)
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if *first != *second {
		t.Errorf("second VerifyChain() = %+v, want %+v", second, first)
	}
	head, _ := l.Head(context.Background())
	if head.SequenceNo != 4 {
		t.Errorf("head after verify = %d, want 4", head.SequenceNo)
	}
}

func TestLedger_VerifyChainDetectsForgedLink(t *testing.T) {
	l, store := newTestLedger(t)
	appendN(t, l, 4)

	store.mu.Lock()
	store.records[2].PrevHash = GenesisHash
	store.mu.Unlock()

	res, err := l.VerifyChain(context.Background(), 0, -1)
	if err == nil || res.Valid {
		t.Fatal("VerifyChain() reported a valid chain after relinking record 2")
	}
	if *res.FirstBreakAt != 2 {
		t.Errorf("FirstBreakAt = %d, want 2", *res.FirstBreakAt)
	}
}

func TestLedger_Get(t *testing.T) {
	l, _ := newTestLedger(t)
	recs := appendN(t, l, 2)

	got, err := l.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("Get(1) error = %v", err)
	}
	if got.RecordHash != recs[1].RecordHash {
		t.Errorf("Get(1).RecordHash = %q, want %q", got.RecordHash, recs[1].RecordHash)
	}
	if _, err := l.Get(context.Background(), 7); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(7) error = %v, want ErrNotFound", err)
	}
}

func TestLedger_ListNewestFirst(t *testing.T) {
	l, _ := newTestLedger(t)
	appendN(t, l, 9) // kinds cycle INTENT, RESULT, DENIAL

	tests := []struct {
		name    string
		opts    ListOptions
		wantSeq []int64
	}{
		{name: "all", opts: ListOptions{PageSize: 2}, wantSeq: []int64{8, 7, 6, 5, 4, 3, 2, 1, 0}},
		{name: "limit", opts: ListOptions{Limit: 3, PageSize: 2}, wantSeq: []int64{8, 7, 6}},
		{name: "offset", opts: ListOptions{Offset: 7}, wantSeq: []int64{1, 0}},
		{name: "kind", opts: ListOptions{Kind: KindDenial, PageSize: 1}, wantSeq: []int64{8, 5, 2}},
		{name: "kind with offset", opts: ListOptions{Kind: KindIntent, Offset: 1}, wantSeq: []int64{3, 0}},
		{name: "offset past end", opts: ListOptions{Offset: 20}, wantSeq: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := l.Collect(context.Background(), tt.opts)
			if err != nil {
				t.Fatalf("Collect() error = %v", err)
			}
			var got []int64
			for _, r := range recs {
				got = append(got, r.SequenceNo)
			}
			if len(got) != len(tt.wantSeq) {
				t.Fatalf("sequence numbers = %v, want %v", got, tt.wantSeq)
			}
			for i := range got {
				if got[i] != tt.wantSeq[i] {
					t.Fatalf("sequence numbers = %v, want %v", got, tt.wantSeq)
				}
			}
		})
	}
}

func TestLedger_ListIgnoresLaterAppends(t *testing.T) {
	l, _ := newTestLedger(t)
	appendN(t, l, 4)

	var got []int64
	for rec, err := range l.List(context.Background(), ListOptions{PageSize: 1}) {
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		got = append(got, rec.SequenceNo)
		if len(got) == 1 {
			appendN(t, l, 2)
		}
	}
	want := []int64{3, 2, 1, 0}
	if len(got) != len(want) {
		t.Fatalf("List() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("List() = %v, want %v", got, want)
		}
	}
}

func TestLedger_ListStopsEarly(t *testing.T) {
	l, _ := newTestLedger(t)
	appendN(t, l, 5)

	count := 0
	for range l.List(context.Background(), ListOptions{}) {
		count++
		if count == 2 {
			break
		}
	}
	if count != 2 {
		t.Errorf("iterations = %d, want 2", count)
	}
}

func TestLedger_SubscribeReceivesAppends(t *testing.T) {
	l, _ := newTestLedger(t)
	var seen []Kind
	l.Subscribe(func(r *Record) { seen = append(seen, r.Kind) })

	appendN(t, l, 3)
	want := []Kind{KindIntent, KindResult, KindDenial}
	if len(seen) != len(want) {
		t.Fatalf("observed %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("observed[%d] = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestLedger_TimestampsNeverGoBackwards(t *testing.T) {
	l, _ := newTestLedger(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(-time.Minute), base.Add(time.Second)}
	i := 0
	l.now = func() time.Time { ts := times[i]; i++; return ts }

	recs := appendN(t, l, 3)
	if !recs[1].Timestamp.Equal(base) {
		t.Errorf("second timestamp = %v, want clamped to %v", recs[1].Timestamp, base)
	}
	if _, err := l.VerifyChain(context.Background(), 0, -1); err != nil {
		t.Errorf("VerifyChain() error = %v", err)
	}
}

// failingStore fails every write and optionally reports a stale tail.
type failingStore struct {
	*InMemoryStore
	insertErr error
	inserts   int
}

func (s *failingStore) Insert(ctx context.Context, rec *Record) error {
	s.inserts++
	return s.insertErr
}

func TestLedger_AppendStoreFailure(t *testing.T) {
	tests := []struct {
		name        string
		insertErr   error
		wantInserts int
	}{
		{name: "store unavailable", insertErr: errors.New("connection refused"), wantInserts: 1},
		{name: "tail keeps moving", insertErr: ErrStaleTail, wantInserts: maxStaleRetries},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &failingStore{InMemoryStore: NewInMemoryStore(), insertErr: tt.insertErr}
			l := NewLedger(store, newTestLogger())

			rec, err := l.Append(context.Background(), KindIntent, testPayload{})
			if rec != nil {
				t.Errorf("Append() record = %+v, want nil", rec)
			}
			if !errors.Is(err, ErrLedgerWrite) {
				t.Fatalf("Append() error = %v, want ErrLedgerWrite", err)
			}
			if !errors.Is(err, tt.insertErr) {
				t.Errorf("Append() error = %v, want wrapping %v", err, tt.insertErr)
			}
			if store.inserts != tt.wantInserts {
				t.Errorf("inserts = %d, want %d", store.inserts, tt.wantInserts)
			}
		})
	}
}

func TestInMemoryStore_InsertRejectsStaleTail(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	rec := &Record{SequenceNo: 0, Kind: KindIntent, PrevHash: GenesisHash, RecordHash: "h0"}
	if err := store.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	tests := []struct {
		name string
		rec  *Record
	}{
		{name: "reused sequence", rec: &Record{SequenceNo: 0, PrevHash: GenesisHash}},
		{name: "gap", rec: &Record{SequenceNo: 2, PrevHash: "h0"}},
		{name: "wrong prev hash", rec: &Record{SequenceNo: 1, PrevHash: "other"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := store.Insert(ctx, tt.rec); !errors.Is(err, ErrStaleTail) {
				t.Errorf("Insert() error = %v, want ErrStaleTail", err)
			}
		})
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{in: "intent", want: KindIntent},
		{in: " RESULT ", want: KindResult},
		{in: "Denial", want: KindDenial},
		{in: "approval", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseKind(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseKind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
