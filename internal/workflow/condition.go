package workflow

import (
	"fmt"
	"reflect"
	"strings"
)

// Condition compares the value at a dotted context path against a literal.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
}

// evalCondition evaluates one condition against the execution context. The
// exists operator is the only one that tolerates a missing path.
func evalCondition(c Condition, ectx *execContext) (bool, error) {
	if c.Field == "" {
		return false, fmt.Errorf("condition field is required")
	}
	actual, found := ectx.lookup(c.Field)

	switch c.Operator {
	case "exists":
		return found, nil
	case "equals":
		return found && looseEqual(actual, c.Value), nil
	case "notEquals":
		return !found || !looseEqual(actual, c.Value), nil
	case "contains":
		if !found {
			return false, nil
		}
		return contains(actual, c.Value)
	case "gt", "lt":
		if !found {
			return false, nil
		}
		a, aok := toFloat(actual)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false, fmt.Errorf("condition %s requires numeric operands, got %T and %T", c.Operator, actual, c.Value)
		}
		if c.Operator == "gt" {
			return a > b, nil
		}
		return a < b, nil
	default:
		return false, fmt.Errorf("unknown condition operator %q", c.Operator)
	}
}

// looseEqual compares across the numeric types JSON decoding produces.
func looseEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func contains(haystack, needle any) (bool, error) {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		if !ok {
			return false, fmt.Errorf("contains on a string requires a string value, got %T", needle)
		}
		return strings.Contains(h, n), nil
	case []any:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		n, ok := needle.(string)
		if !ok {
			return false, fmt.Errorf("contains on an object requires a string key, got %T", needle)
		}
		_, present := h[n]
		return present, nil
	default:
		return false, fmt.Errorf("contains does not apply to %T", haystack)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
