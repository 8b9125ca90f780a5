package policy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Fields is the evaluation input. Keys may themselves be dotted
// ("node.status") or nest maps; Lookup tries the literal key first.
type Fields map[string]any

func (f Fields) Lookup(path string) (any, bool) {
	key := strings.TrimSpace(path)
	if key == "" {
		return nil, false
	}
	if v, ok := f[key]; ok {
		return v, present(v)
	}
	return resolveMapPath(f, key)
}

// Matches reports whether every All condition and at least one Any
// condition hold. An empty group never matches.
func (g ConditionGroup) Matches(fields Fields) bool {
	if g.Empty() {
		return false
	}
	for _, cond := range g.All {
		if !cond.Matches(fields) {
			return false
		}
	}
	if len(g.Any) == 0 {
		return true
	}
	for _, cond := range g.Any {
		if cond.Matches(fields) {
			return true
		}
	}
	return false
}

func (c Condition) Matches(fields Fields) bool {
	value, ok := fields.Lookup(c.Field)
	op := normalizeString(c.Op)
	if op == "not_exists" {
		return !ok
	}
	if !ok {
		return false
	}
	switch op {
	case "exists":
		return true
	case "eq":
		return compareEqual(value, c.Value)
	case "neq":
		return !compareEqual(value, c.Value)
	case "in":
		return compareIn(value, c.Values)
	case "not_in":
		return !compareIn(value, c.Values)
	case "contains":
		return compareContains(value, c.Value)
	case "not_contains":
		return !compareContains(value, c.Value)
	case "matches":
		return compareRegex(value, c.Value)
	case "gt", "gte", "lt", "lte":
		return compareNumber(value, c.Value, op)
	default:
		return false
	}
}

func present(v any) bool {
	switch typed := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(typed) != ""
	case []string:
		return len(typed) > 0
	case []any:
		return len(typed) > 0
	default:
		return true
	}
}

func resolveMapPath(root map[string]any, path string) (any, bool) {
	if len(root) == 0 {
		return nil, false
	}
	var current any = map[string]any(root)
	for _, part := range strings.Split(path, ".") {
		key := strings.TrimSpace(part)
		if key == "" {
			return nil, false
		}
		switch typed := current.(type) {
		case map[string]any:
			next, ok := typed[key]
			if !ok {
				return nil, false
			}
			current = next
		case Fields:
			next, ok := typed[key]
			if !ok {
				return nil, false
			}
			current = next
		case map[string]string:
			next, ok := typed[key]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			index, err := strconv.Atoi(key)
			if err != nil || index < 0 || index >= len(typed) {
				return nil, false
			}
			current = typed[index]
		default:
			return nil, false
		}
	}
	return current, present(current)
}

// each visits value, or every element when value is a slice, stopping at
// the first true.
func each(value any, fn func(string) bool) bool {
	switch typed := value.(type) {
	case []string:
		for _, item := range typed {
			if fn(item) {
				return true
			}
		}
		return false
	case []any:
		for _, item := range typed {
			if fn(fmt.Sprint(item)) {
				return true
			}
		}
		return false
	default:
		return fn(fmt.Sprint(value))
	}
}

func compareEqual(value any, target string) bool {
	target = normalizeString(target)
	return each(value, func(s string) bool { return normalizeString(s) == target })
}

func compareIn(value any, targets []string) bool {
	normalized := make(map[string]struct{}, len(targets))
	for _, t := range trimNonEmpty(targets) {
		normalized[normalizeString(t)] = struct{}{}
	}
	if len(normalized) == 0 {
		return false
	}
	return each(value, func(s string) bool {
		_, ok := normalized[normalizeString(s)]
		return ok
	})
}

// compareContains is substring match on scalars and membership on slices.
func compareContains(value any, target string) bool {
	target = normalizeString(target)
	if target == "" {
		return false
	}
	switch value.(type) {
	case []string, []any:
		return each(value, func(s string) bool { return normalizeString(s) == target })
	default:
		return strings.Contains(normalizeString(fmt.Sprint(value)), target)
	}
}

func compareRegex(value any, pattern string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return each(value, re.MatchString)
}

func compareNumber(value any, target string, op string) bool {
	left, ok := toFloat64(value)
	if !ok {
		return false
	}
	right, ok := parseFloat(target)
	if !ok {
		return false
	}
	switch op {
	case "gt":
		return left > right
	case "gte":
		return left >= right
	case "lt":
		return left < right
	case "lte":
		return left <= right
	default:
		return false
	}
}

func toFloat64(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case uint:
		return float64(typed), true
	case uint64:
		return float64(typed), true
	case string:
		return parseFloat(typed)
	default:
		return parseFloat(fmt.Sprint(typed))
	}
}

func parseFloat(value string) (float64, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func normalizeString(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
