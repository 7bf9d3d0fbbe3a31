package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"
)

// RuleSource supplies the active rule set for an evaluation.
type RuleSource interface {
	ActiveRules(ctx context.Context) ([]Rule, error)
}

// RulesFile is the on-disk layout of a rules file.
type RulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads rules from a YAML file. Rules without a priority get
// DefaultPriority.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy rules read: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes a YAML rules document.
func ParseRules(data []byte) ([]Rule, error) {
	var f RulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("policy rules unmarshal: %w", err)
	}
	return f.Rules, nil
}

// UnmarshalYAML applies DefaultPriority when the document omits priority.
func (r *Rule) UnmarshalYAML(value *yaml.Node) error {
	type plain Rule
	p := plain{Priority: DefaultPriority}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*r = Rule(p)
	return nil
}

// StaticRules is a fixed in-memory rule set.
type StaticRules []Rule

// ActiveRules returns the active rules.
func (s StaticRules) ActiveRules(context.Context) ([]Rule, error) {
	return filterActive(s), nil
}

// FileRuleStore serves rules loaded from a YAML file and can reload them
// on demand, e.g. on SIGHUP.
type FileRuleStore struct {
	path string

	mu    sync.RWMutex
	rules []Rule
}

var _ RuleSource = (*FileRuleStore)(nil)

// NewFileRuleStore loads and validates path.
func NewFileRuleStore(path string) (*FileRuleStore, error) {
	s := &FileRuleStore{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the rules file. The previous rule set stays in place if
// the new one fails to load or validate.
func (s *FileRuleStore) Reload() error {
	rules, err := LoadRules(s.path)
	if err != nil {
		return err
	}
	if err := ValidateRules(rules); err != nil {
		return err
	}
	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()
	return nil
}

// ActiveRules returns a copy of the active rules.
func (s *FileRuleStore) ActiveRules(context.Context) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterActive(s.rules), nil
}

func filterActive(rules []Rule) []Rule {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Active() {
			out = append(out, r)
		}
	}
	return out
}

// ValidateRules reports every structural problem in rules: missing or
// duplicate ids, unknown statuses or operators, malformed in values and
// rules without actions.
func ValidateRules(rules []Rule) error {
	var errs []error
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		name := r.ID
		if name == "" {
			name = fmt.Sprintf("#%d", i)
			errs = append(errs, fmt.Errorf("rule %s: missing id", name))
		} else if seen[r.ID] {
			errs = append(errs, fmt.Errorf("rule %s: duplicate id", name))
		}
		seen[r.ID] = true

		if r.Status != "" && !slices.Contains([]RuleStatus{StatusActive, StatusInactive}, r.Status) {
			errs = append(errs, fmt.Errorf("rule %s: unknown status %q", name, r.Status))
		}
		if len(r.Actions) == 0 {
			errs = append(errs, fmt.Errorf("rule %s: no actions", name))
		}
		for j, a := range r.Actions {
			if a.ActionType == "" {
				errs = append(errs, fmt.Errorf("rule %s: action %d has no action_type", name, j))
			}
		}
		for j, c := range r.Conditions {
			op, err := ParseOperator(string(c.Operator))
			if err != nil {
				errs = append(errs, fmt.Errorf("rule %s: condition %d: %w", name, j, err))
				continue
			}
			if c.Field == "" {
				errs = append(errs, fmt.Errorf("rule %s: condition %d: %w: empty field", name, j, ErrMalformedCondition))
			}
			if op == OpIn {
				if _, ok := asSlice(c.Value); !ok {
					errs = append(errs, fmt.Errorf("rule %s: condition %d: %w: in needs a list", name, j, ErrMalformedCondition))
				}
			}
		}
	}
	return errors.Join(errs...)
}
