package filter

import (
	"fmt"
	"strconv"
	"strings"
)

// Resolve follows a dot-path into a nested record. The second return value
// reports whether the field exists; callers treat a missing field as the
// typed absent value, never as an error.
func Resolve(record map[string]any, path string) (any, bool) {
	if record == nil || path == "" {
		return nil, false
	}

	current := any(record)

	for _, part := range strings.Split(path, ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = node[part]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

// looseEqual compares two values after normalizing numbers to float64 and
// everything else to its string form. "42" equals 42, but "abc" never
// equals 42.
func looseEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)

	if aok && bok {
		return af == bf
	}

	return stringify(a) == stringify(b)
}

// containsFold checks case-insensitive substring containment. Slices match
// when any element equals the target (how tag lists are queried).
func containsFold(haystack, needle any) bool {
	if items, ok := haystack.([]any); ok {
		for _, item := range items {
			if strings.EqualFold(stringify(item), stringify(needle)) {
				return true
			}
		}

		return false
	}

	if items, ok := haystack.([]string); ok {
		for _, item := range items {
			if strings.EqualFold(item, stringify(needle)) {
				return true
			}
		}

		return false
	}

	return strings.Contains(foldString(haystack), foldString(needle))
}

// numericCompare coerces both sides to float64 and applies cmp. Non-numeric
// values short-circuit to false rather than raising.
func numericCompare(a, b any, cmp func(a, b float64) bool) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)

	if !aok || !bok {
		return false
	}

	return cmp(af, bf)
}

// memberOf checks membership of value in a literal list.
func memberOf(value, list any) bool {
	items, ok := list.([]any)
	if !ok {
		if strs, sok := list.([]string); sok {
			for _, item := range strs {
				if looseEqual(value, item) {
					return true
				}
			}
		}

		return false
	}

	for _, item := range items {
		if looseEqual(value, item) {
			return true
		}
	}

	return false
}

func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []any:
		return len(v) == 0
	case []string:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	default:
		return false
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func stringify(value any) string {
	if value == nil {
		return ""
	}

	if s, ok := value.(string); ok {
		return s
	}

	return fmt.Sprintf("%v", value)
}

func foldString(value any) string {
	return strings.ToLower(stringify(value))
}
