// Package policy evaluates YAML condition groups against flat or nested
// field maps. Strategy and criteria documents embed ConditionGroup.
package policy

import (
	"errors"
	"fmt"
	"strings"
)

type ConditionGroup struct {
	All []Condition `json:"all,omitempty" yaml:"all,omitempty"`
	Any []Condition `json:"any,omitempty" yaml:"any,omitempty"`
}

type Condition struct {
	Field  string   `json:"field" yaml:"field"`
	Op     string   `json:"op" yaml:"op"`
	Value  string   `json:"value,omitempty" yaml:"value,omitempty"`
	Values []string `json:"values,omitempty" yaml:"values,omitempty"`
}

func (g ConditionGroup) Empty() bool {
	return len(g.All) == 0 && len(g.Any) == 0
}

// Validate checks every condition. prefix is used in error messages, e.g.
// "rules[0].when".
func (g ConditionGroup) Validate(prefix string) error {
	if g.Empty() {
		return fmt.Errorf("%s must include all or any", prefix)
	}
	if err := validateConditions(g.All, prefix+".all"); err != nil {
		return err
	}
	return validateConditions(g.Any, prefix+".any")
}

func validateConditions(conds []Condition, prefix string) error {
	for i, cond := range conds {
		if strings.TrimSpace(cond.Field) == "" {
			return fmt.Errorf("%s[%d].field is required", prefix, i)
		}
		op := normalizeString(cond.Op)
		if op == "" {
			return fmt.Errorf("%s[%d].op is required", prefix, i)
		}
		if !isOpAllowed(op) {
			return fmt.Errorf("%s[%d].op unsupported: %q", prefix, i, cond.Op)
		}

		switch op {
		case "exists", "not_exists":
			continue
		case "in", "not_in":
			if len(trimNonEmpty(cond.Values)) == 0 {
				return fmt.Errorf("%s[%d].values must be non-empty for %s", prefix, i, op)
			}
		default:
			if strings.TrimSpace(cond.Value) == "" {
				return fmt.Errorf("%s[%d].value is required for %s", prefix, i, op)
			}
		}
	}
	return nil
}

var ErrSchemaMismatch = errors.New("schema mismatch")

// CheckSchema compares a document's declared schema with the expected one.
func CheckSchema(got, want string) error {
	if strings.TrimSpace(got) != want {
		return fmt.Errorf("schema must be %q (got %q): %w", want, got, ErrSchemaMismatch)
	}
	return nil
}

func isOpAllowed(op string) bool {
	switch op {
	case "eq", "neq", "in", "not_in", "contains", "not_contains", "matches", "exists", "not_exists", "gt", "gte", "lt", "lte":
		return true
	default:
		return false
	}
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, item := range values {
		v := strings.TrimSpace(item)
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}
