// Package audit provides the append-only, hash-chained ledger that records
// every remediation decision (intents, results and compliance denials).
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Kind identifies what a ledger record describes.
type Kind string

const (
	// KindIntent is written before an action is handed to the actuator.
	KindIntent Kind = "INTENT"
	// KindResult is written once the terminal outcome of an action is known.
	KindResult Kind = "RESULT"
	// KindDenial is written when the compliance gate rejects an action.
	KindDenial Kind = "DENIAL"
)

// Valid reports whether k is one of the known record kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindIntent, KindResult, KindDenial:
		return true
	}
	return false
}

// ParseKind parses a record kind case-insensitively.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown record kind %q", s)
	}
	return k, nil
}

// GenesisHash is the prev_hash of the first record in the chain.
var GenesisHash = strings.Repeat("0", sha256.Size*2)

// Record is a single entry in the ledger.
// Payload holds the canonical CBOR encoding that PayloadHash was computed over.
type Record struct {
	SequenceNo  int64
	Kind        Kind
	Payload     []byte
	PayloadHash string
	PrevHash    string
	RecordHash  string
	Timestamp   time.Time
}

// encMode produces core deterministic CBOR so equal payloads always hash equally.
var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("audit: building cbor encoder: %v", err))
	}
	return em
}()

var mapStringAnyType = reflect.TypeOf(map[string]any(nil))

var decMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: mapStringAnyType,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("audit: building cbor decoder: %v", err))
	}
	return dm
}()

// EncodePayload returns the canonical encoding of v.
func EncodePayload(v any) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return data, nil
}

// Decode unmarshals the record payload into v.
func (r *Record) Decode(v any) error {
	if err := decMode.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("decoding payload of record %d: %w", r.SequenceNo, err)
	}
	return nil
}

// PayloadMap decodes the payload into a generic map.
func (r *Record) PayloadMap() (map[string]any, error) {
	var m map[string]any
	if err := r.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

// HashPayload returns the hex SHA-256 of an encoded payload.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// ComputeRecordHash links a record to its predecessor:
// SHA-256(prev_hash || payload_hash || sequence_no || timestamp).
func ComputeRecordHash(prevHash, payloadHash string, seq int64, ts time.Time) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte(payloadHash))
	h.Write([]byte(strconv.FormatInt(seq, 10)))
	h.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeTimestamp truncates to microseconds, the resolution the SQL
// stores keep, so persisted records re-hash identically.
func normalizeTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func (r *Record) clone() *Record {
	c := *r
	c.Payload = append([]byte(nil), r.Payload...)
	return &c
}
