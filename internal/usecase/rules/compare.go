package rules

import (
	"encoding/json"
	"fmt"

	"civicmesh/internal/domain"
)

// compare applies op to actual vs required. The second return is a reason
// string, set when the comparison could not be carried out meaningfully
// (non-numeric ordering operand, unsupported operator, type mismatch).
func (e *Engine) compare(op domain.Operator, actual, required any) (bool, string) {
	switch op {
	case domain.OpGTE, domain.OpGT, domain.OpLTE, domain.OpLT:
		a, aok := toFloat(actual)
		r, rok := toFloat(required)
		if !aok || !rok {
			return false, "non-numeric operand for ordering comparison"
		}
		switch op {
		case domain.OpGTE:
			return a >= r, ""
		case domain.OpGT:
			return a > r, ""
		case domain.OpLTE:
			return a <= r, ""
		default:
			return a < r, ""
		}

	case domain.OpEQ:
		ok, reason := e.equal(actual, required)
		return ok, reason
	case domain.OpNEQ:
		ok, reason := e.equal(actual, required)
		if reason != "" {
			return false, reason
		}
		return !ok, ""

	default:
		return false, fmt.Sprintf("unsupported operator %q", op)
	}
}

// equal is strict-typed by default: both operands must be numeric, both
// strings, or both booleans. CoerceEqual falls back to comparing string
// renderings, replicating the legacy loosely-typed behavior.
func (e *Engine) equal(actual, required any) (bool, string) {
	if a, ok := toFloat(actual); ok {
		if r, rok := toFloat(required); rok {
			return a == r, ""
		}
	} else if as, ok := actual.(string); ok {
		if rs, rok := required.(string); rok {
			return as == rs, ""
		}
	} else if ab, ok := actual.(bool); ok {
		if rb, rok := required.(bool); rok {
			return ab == rb, ""
		}
	}

	if e.opts.CoerceEqual {
		return fmt.Sprint(actual) == fmt.Sprint(required), ""
	}
	return false, "type mismatch"
}

// toFloat widens any numeric value to float64. Strings are not numeric here;
// coercion from strings is exactly the loose behavior the engine avoids.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
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
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
