// Package policy matches detected issues against prioritised rules and turns
// the matches into recommended remediation actions.
package policy

import (
	"fmt"
	"strings"
	"time"
)

// Severity is the ordered severity of an issue: low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the position of s in the severity order, or 0 if unknown.
func (s Severity) Rank() int {
	return severityRank[Severity(strings.ToLower(string(s)))]
}

// ParseSeverity parses a severity name case-insensitively.
func ParseSeverity(v string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(v)))
	if s.Rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", v)
	}
	return s, nil
}

// Issue is an anomaly reported by discovery. Issues are treated as
// immutable once created.
type Issue struct {
	ID          string         `json:"id" yaml:"id" cbor:"id"`
	Type        string         `json:"type" yaml:"type" cbor:"type"`
	Severity    Severity       `json:"severity" yaml:"severity" cbor:"severity"`
	NodeID      string         `json:"node_id" yaml:"node_id" cbor:"node_id"`
	NodeType    string         `json:"node_type" yaml:"node_type" cbor:"node_type"`
	MetricValue float64        `json:"metric_value" yaml:"metric_value" cbor:"metric_value"`
	Threshold   float64        `json:"threshold" yaml:"threshold" cbor:"threshold"`
	DetectedAt  time.Time      `json:"detected_at" yaml:"detected_at" cbor:"-"`
	Attributes  map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty" cbor:"-"`
}

// Field resolves a condition field name against the issue. Built-in fields
// take precedence over Attributes. The second result is false when the
// field does not exist.
func (i *Issue) Field(name string) (any, bool) {
	switch name {
	case "id":
		return i.ID, true
	case "type":
		return i.Type, true
	case "severity":
		return i.Severity, true
	case "node_id":
		return i.NodeID, true
	case "node_type":
		return i.NodeType, true
	case "metric_value":
		return i.MetricValue, true
	case "threshold":
		return i.Threshold, true
	case "detected_at":
		return i.DetectedAt, true
	}
	v, ok := i.Attributes[name]
	return v, ok
}
