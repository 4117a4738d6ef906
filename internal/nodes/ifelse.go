package nodes

import (
	"context"
	"reflect"
	"strings"

	"github.com/roach88/flowcrm/internal/graph"
	"github.com/roach88/flowcrm/internal/template"
)

// Comparison operators supported by IF_ELSE.
const (
	OpEquals         = "equals"
	OpNotEquals      = "not_equals"
	OpContains       = "contains"
	OpNotContains    = "not_contains"
	OpStartsWith     = "starts_with"
	OpEndsWith       = "ends_with"
	OpGreaterThan    = "greater_than"
	OpLessThan       = "less_than"
	OpGreaterOrEqual = "greater_or_equal"
	OpLessOrEqual    = "less_or_equal"
	OpIsEmpty        = "is_empty"
	OpIsNotEmpty     = "is_not_empty"
)

// IfElse evaluates {left, operator, right} and reports the branch taken.
// Output: {result: bool, branch: "true"|"false"}.
func IfElse() Executor {
	return ExecutorFunc(func(_ context.Context, in Input) (map[string]any, error) {
		op := stringField(in.Config, "operator")
		if op == "" {
			op = OpEquals
		}
		result, ok := Compare(in.Config["left"], op, in.Config["right"])
		if !ok {
			return nil, configError(in, "operator", "unknown operator %q", op)
		}
		branch := graph.BranchFalse
		if result {
			branch = graph.BranchTrue
		}
		return map[string]any{"result": result, "branch": branch}, nil
	})
}

// Compare applies op to left and right. Ordering and equality are numeric
// when both sides parse as numbers and textual otherwise. The second
// result is false for an unknown operator.
func Compare(left any, op string, right any) (result, ok bool) {
	switch op {
	case OpEquals:
		return equal(left, right), true
	case OpNotEquals:
		return !equal(left, right), true
	case OpContains:
		return contains(left, right), true
	case OpNotContains:
		return !contains(left, right), true
	case OpStartsWith:
		return strings.HasPrefix(template.Stringify(left), template.Stringify(right)), true
	case OpEndsWith:
		return strings.HasSuffix(template.Stringify(left), template.Stringify(right)), true
	case OpGreaterThan:
		return order(left, right) > 0, true
	case OpLessThan:
		return order(left, right) < 0, true
	case OpGreaterOrEqual:
		return order(left, right) >= 0, true
	case OpLessOrEqual:
		return order(left, right) <= 0, true
	case OpIsEmpty:
		return isEmpty(left), true
	case OpIsNotEmpty:
		return !isEmpty(left), true
	default:
		return false, false
	}
}

func equal(a, b any) bool {
	if x, ok := toNumber(a); ok {
		if y, ok := toNumber(b); ok {
			return x == y
		}
	}
	return template.Stringify(a) == template.Stringify(b)
}

// order returns -1, 0 or 1.
func order(a, b any) int {
	if x, ok := toNumber(a); ok {
		if y, ok := toNumber(b); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(template.Stringify(a), template.Stringify(b))
}

// contains checks list membership for lists and substring otherwise.
func contains(haystack, needle any) bool {
	if list, ok := haystack.([]any); ok {
		for _, e := range list {
			if equal(e, needle) {
				return true
			}
		}
		return false
	}
	return strings.Contains(template.Stringify(haystack), template.Stringify(needle))
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case bool, float64, int, int64:
		return false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() == 0
	}
	return false
}
