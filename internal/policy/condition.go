package policy

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

var (
	// ErrTypeMismatch is returned when an operator is applied to operands of
	// the wrong type, e.g. gt on a string.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrUnknownOperator is returned for operators outside the closed set.
	ErrUnknownOperator = errors.New("unknown operator")
	// ErrMalformedCondition is returned when a condition's value has the
	// wrong shape for its operator, e.g. in without a list.
	ErrMalformedCondition = errors.New("malformed condition")
)

// Operator is a condition comparison operator.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpIn       Operator = "in"
	OpContains Operator = "contains"
)

// operatorAliases accepts long operator names in rule files.
var operatorAliases = map[string]Operator{
	"eq": OpEq, "equals": OpEq, "==": OpEq,
	"neq": OpNeq, "not_equals": OpNeq, "!=": OpNeq,
	"gt": OpGt, "greater_than": OpGt, ">": OpGt,
	"gte": OpGte, "greater_than_or_equal": OpGte, ">=": OpGte,
	"lt": OpLt, "less_than": OpLt, "<": OpLt,
	"lte": OpLte, "less_than_or_equal": OpLte, "<=": OpLte,
	"in":       OpIn,
	"contains": OpContains,
}

// ParseOperator normalises an operator name.
func ParseOperator(s string) (Operator, error) {
	op, ok := operatorAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownOperator, s)
	}
	return op, nil
}

// Condition is a single field comparison. A rule's conditions are ANDed.
type Condition struct {
	Field    string   `yaml:"field" json:"field"`
	Operator Operator `yaml:"operator" json:"operator"`
	Value    any      `yaml:"value" json:"value"`
}

// Evaluate applies the condition to issue. A field the issue does not have
// makes the condition false without error.
func (c Condition) Evaluate(issue *Issue) (bool, error) {
	op, err := ParseOperator(string(c.Operator))
	if err != nil {
		return false, err
	}
	actual, ok := issue.Field(c.Field)
	if !ok || actual == nil {
		return false, nil
	}

	switch op {
	case OpEq:
		return equal(actual, c.Value), nil
	case OpNeq:
		return !equal(actual, c.Value), nil
	case OpGt, OpGte, OpLt, OpLte:
		a, b, err := orderedOperands(actual, c.Value)
		if err != nil {
			return false, fmt.Errorf("field %q %s %v: %w", c.Field, op, c.Value, err)
		}
		switch op {
		case OpGt:
			return a > b, nil
		case OpGte:
			return a >= b, nil
		case OpLt:
			return a < b, nil
		default:
			return a <= b, nil
		}
	case OpIn:
		set, ok := asSlice(c.Value)
		if !ok {
			return false, fmt.Errorf("field %q in %v: value must be a list: %w", c.Field, c.Value, ErrMalformedCondition)
		}
		for _, v := range set {
			if equal(actual, v) {
				return true, nil
			}
		}
		return false, nil
	case OpContains:
		return contains(c.Field, actual, c.Value)
	}
	return false, fmt.Errorf("%w: %q", ErrUnknownOperator, op)
}

// normalize maps every numeric kind to float64 and severities to strings so
// that values from YAML, JSON and Go structs compare structurally.
func normalize(v any) any {
	switch x := v.(type) {
	case Severity:
		return string(x)
	case string, bool, nil:
		return x
	}
	if f, ok := toFloat(v); ok {
		return f
	}
	if s, ok := asSlice(v); ok {
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = normalize(e)
		}
		return out
	}
	return v
}

// equal compares after normalize. A severity matches a string naming it
// in any case, as the ordering operators do.
func equal(a, b any) bool {
	if sev, ok := a.(Severity); ok {
		if s, ok := b.(string); ok {
			return strings.EqualFold(string(sev), strings.TrimSpace(s))
		}
	}
	if sev, ok := b.(Severity); ok {
		if s, ok := a.(string); ok {
			return strings.EqualFold(string(sev), strings.TrimSpace(s))
		}
	}
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	}
	return 0, false
}

// orderedOperands returns both sides as numbers. Severities order by rank
// when both sides name a severity.
func orderedOperands(actual, want any) (float64, float64, error) {
	if sev, ok := actual.(Severity); ok {
		if ws, ok := want.(string); ok {
			if other, err := ParseSeverity(ws); err == nil && sev.Rank() > 0 {
				return float64(sev.Rank()), float64(other.Rank()), nil
			}
		}
	}
	a, okA := toFloat(actual)
	b, okB := toFloat(want)
	if !okA || !okB {
		return 0, 0, fmt.Errorf("%w: %T and %T are not both numeric", ErrTypeMismatch, actual, want)
	}
	return a, b, nil
}

func asSlice(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func contains(field string, actual, want any) (bool, error) {
	if s, ok := normalize(actual).(string); ok {
		sub, ok := want.(string)
		if !ok {
			return false, fmt.Errorf("field %q contains %v: %w: substring must be a string", field, want, ErrTypeMismatch)
		}
		return strings.Contains(s, sub), nil
	}
	if elems, ok := asSlice(actual); ok {
		for _, e := range elems {
			if equal(e, want) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("field %q contains: %w: %T is neither a string nor a list", field, ErrTypeMismatch, actual)
}
