package graph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/oliveagle/jsonpath"

	"github.com/pesio-ai/be-approval-engine/internal/domain"
)

// Lookup resolves a condition field against request context data. Fields
// starting with "$" are JSONPath expressions; anything else is a dotted path.
func Lookup(data map[string]any, field string) (any, bool) {
	if data == nil || field == "" {
		return nil, false
	}
	if strings.HasPrefix(field, "$") {
		v, err := jsonpath.JsonPathLookup(data, field)
		if err != nil || v == nil {
			return nil, false
		}
		return v, true
	}

	var cur any = data
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// Evaluate reports whether the condition holds for data. A missing field
// never matches.
func Evaluate(c domain.Condition, data map[string]any) bool {
	actual, ok := Lookup(data, c.Field)
	if !ok {
		return false
	}

	switch c.Operator {
	case domain.OpEquals:
		return equals(actual, c.Value)
	case domain.OpNotEquals:
		return !equals(actual, c.Value)
	case domain.OpGT, domain.OpLT, domain.OpGTE, domain.OpLTE:
		a, ok := toNumber(actual)
		if !ok {
			return false
		}
		b, ok := c.Value.Number()
		if !ok {
			return false
		}
		switch c.Operator {
		case domain.OpGT:
			return a > b
		case domain.OpLT:
			return a < b
		case domain.OpGTE:
			return a >= b
		default:
			return a <= b
		}
	case domain.OpContains:
		if items, ok := toList(actual); ok {
			return containsString(items, c.Value.String())
		}
		return strings.Contains(toString(actual), c.Value.String())
	case domain.OpIn:
		return containsString(c.Value.Set(), toString(actual))
	case domain.OpNotIn:
		return !containsString(c.Value.Set(), toString(actual))
	}
	return false
}

func equals(actual any, lit domain.Literal) bool {
	if a, ok := toNumber(actual); ok {
		if b, ok := lit.Number(); ok {
			return a == b
		}
	}
	if b, ok := actual.(bool); ok && lit.Kind == domain.LiteralBool {
		return b == lit.Bool
	}
	return toString(actual) == lit.String()
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	}
	return fmt.Sprint(v)
}

func toList(v any) ([]string, bool) {
	switch l := v.(type) {
	case []string:
		return l, true
	case []any:
		out := make([]string, 0, len(l))
		for _, item := range l {
			out = append(out, toString(item))
		}
		return out, true
	}
	return nil, false
}

func containsString(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}
