package audit

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ExportFormat defines supported export formats.
type ExportFormat string

const (
	// ExportFormatCSV exports records as comma-separated values.
	ExportFormatCSV ExportFormat = "csv"
	// ExportFormatJSON exports records as a JSON array.
	ExportFormatJSON ExportFormat = "json"
)

// Extension returns the file extension for the format.
func (f ExportFormat) Extension() string {
	return "." + string(f)
}

// ExportOptions configures a ledger export.
type ExportOptions struct {
	Format ExportFormat // csv or json
	From   int64        // first sequence number (inclusive)
	To     int64        // last sequence number (inclusive); negative = head
	Kind   Kind         // optional kind filter
}

// csvHeader lists every Record field. Payload is carried twice: base64 of
// the exact hashed bytes, and decoded JSON for readers.
var csvHeader = []string{
	"Sequence No",
	"Kind",
	"Timestamp (UTC)",
	"Payload Hash",
	"Prev Hash",
	"Record Hash",
	"Payload (base64 CBOR)",
	"Payload (JSON)",
}

// exportRecord is the JSON shape of a Record.
type exportRecord struct {
	SequenceNo  int64           `json:"sequence_no"`
	Kind        Kind            `json:"kind"`
	Timestamp   string          `json:"timestamp"`
	PayloadHash string          `json:"payload_hash"`
	PrevHash    string          `json:"prev_hash"`
	RecordHash  string          `json:"record_hash"`
	PayloadCBOR string          `json:"payload_cbor"`
	Payload     json.RawMessage `json:"payload"`
}

func toExportRecord(rec *Record) (exportRecord, error) {
	payload, err := payloadJSON(rec)
	if err != nil {
		return exportRecord{}, err
	}
	return exportRecord{
		SequenceNo:  rec.SequenceNo,
		Kind:        rec.Kind,
		Timestamp:   rec.Timestamp.UTC().Format(time.RFC3339Nano),
		PayloadHash: rec.PayloadHash,
		PrevHash:    rec.PrevHash,
		RecordHash:  rec.RecordHash,
		PayloadCBOR: base64.StdEncoding.EncodeToString(rec.Payload),
		Payload:     payload,
	}, nil
}

// MarshalJSON renders the record in the same shape as a JSON export.
func (r *Record) MarshalJSON() ([]byte, error) {
	er, err := toExportRecord(r)
	if err != nil {
		return nil, err
	}
	return json.Marshal(er)
}

// Export reads the requested range in ascending order and serialises it.
func (l *Ledger) Export(ctx context.Context, opts ExportOptions) ([]byte, error) {
	if opts.Format != ExportFormatCSV && opts.Format != ExportFormatJSON {
		return nil, fmt.Errorf("unsupported export format: %s", opts.Format)
	}
	records, err := l.collectRange(ctx, opts.From, opts.To, opts.Kind)
	if err != nil {
		return nil, err
	}
	return ExportRecords(records, opts.Format)
}

func (l *Ledger) collectRange(ctx context.Context, from, to int64, kind Kind) ([]*Record, error) {
	tail, err := l.store.Tail(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading ledger head: %w", err)
	}
	if tail == nil {
		return nil, nil
	}
	if to < 0 || to > tail.SequenceNo {
		to = tail.SequenceNo
	}
	from = max(from, 0)

	var out []*Record
	for next := from; next <= to; next += verifyBatchSize {
		batch, err := l.store.Range(ctx, next, min(next+verifyBatchSize-1, to))
		if err != nil {
			return nil, fmt.Errorf("failed to query records: %w", err)
		}
		for _, rec := range batch {
			if kind == "" || rec.Kind == kind {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

// ExportRecords serialises records in the given format.
func ExportRecords(records []*Record, format ExportFormat) ([]byte, error) {
	switch format {
	case ExportFormatCSV:
		return exportToCSV(records)
	case ExportFormatJSON:
		return exportToJSON(records)
	default:
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
}

func payloadJSON(rec *Record) ([]byte, error) {
	m, err := rec.PayloadMap()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload of record %d: %w", rec.SequenceNo, err)
	}
	return data, nil
}

// exportToCSV exports records to CSV format.
func exportToCSV(records []*Record) ([]byte, error) {
	buf := new(bytes.Buffer)
	writer := csv.NewWriter(buf)

	if err := writer.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, rec := range records {
		payload, err := payloadJSON(rec)
		if err != nil {
			return nil, err
		}
		row := []string{
			strconv.FormatInt(rec.SequenceNo, 10),
			string(rec.Kind),
			rec.Timestamp.UTC().Format(time.RFC3339Nano),
			rec.PayloadHash,
			rec.PrevHash,
			rec.RecordHash,
			base64.StdEncoding.EncodeToString(rec.Payload),
			string(payload),
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}

// exportToJSON exports records to JSON format.
func exportToJSON(records []*Record) ([]byte, error) {
	out := make([]exportRecord, len(records))
	for i, rec := range records {
		er, err := toExportRecord(rec)
		if err != nil {
			return nil, err
		}
		out[i] = er
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return data, nil
}

// ParseJSONExport reads records back from a JSON export.
func ParseJSONExport(data []byte) ([]*Record, error) {
	var in []exportRecord
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("failed to parse JSON export: %w", err)
	}
	records := make([]*Record, len(in))
	for i, er := range in {
		payload, err := base64.StdEncoding.DecodeString(er.PayloadCBOR)
		if err != nil {
			return nil, fmt.Errorf("record %d: decoding payload: %w", er.SequenceNo, err)
		}
		ts, err := time.Parse(time.RFC3339Nano, er.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("record %d: parsing timestamp: %w", er.SequenceNo, err)
		}
		records[i] = &Record{
			SequenceNo:  er.SequenceNo,
			Kind:        er.Kind,
			Payload:     payload,
			PayloadHash: er.PayloadHash,
			PrevHash:    er.PrevHash,
			RecordHash:  er.RecordHash,
			Timestamp:   ts.UTC(),
		}
	}
	return records, nil
}

// VerifyRecords checks a contiguous, ascending slice of records offline,
// for example one read back from an export. The first record is trusted
// as the anchor for its own prev_hash unless it is sequence 0.
func VerifyRecords(records []*Record) (*VerifyResult, error) {
	if len(records) == 0 {
		return &VerifyResult{Valid: true, To: -1}, nil
	}
	res := &VerifyResult{
		Valid: true,
		From:  records[0].SequenceNo,
		To:    records[len(records)-1].SequenceNo,
	}
	prevHash := records[0].PrevHash
	if records[0].SequenceNo == 0 {
		prevHash = GenesisHash
	}
	for i, rec := range records {
		reason := ""
		if want := res.From + int64(i); rec.SequenceNo != want {
			rec, reason = &Record{SequenceNo: want}, "record missing"
		} else {
			reason = checkLink(rec, prevHash)
		}
		if reason != "" {
			seq := rec.SequenceNo
			res.Valid, res.FirstBreakAt, res.Reason = false, &seq, reason
			return res, &IntegrityError{SequenceNo: seq, Reason: reason}
		}
		prevHash = rec.RecordHash
		res.Checked++
	}
	return res, nil
}
