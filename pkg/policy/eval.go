package policy

import (
	"fmt"

	"github.com/capassure/capcore/pkg/caperrors"
)

// CheckedConstraint is the per-rule outcome the proof engine embeds in
// proof_data.checked_constraints[].
type CheckedConstraint struct {
	RuleID string `json:"rule_id"`
	Op     Op     `json:"op"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// EvaluateRule dispatches a single IR rule against record, a flat map of
// field name to value, returning whether the constraint held.
func EvaluateRule(rule Rule, record map[string]interface{}) (bool, error) {
	lhs, ok := record[rule.LHS]
	if !ok {
		return false, caperrors.MissingStatement(rule.LHS)
	}

	switch rule.Op {
	case OpEq:
		return compareEqual(lhs, rule.RHS), nil
	case OpLt:
		a, b, err := asFloats(lhs, rule.RHS)
		if err != nil {
			return false, err
		}
		return a < b, nil
	case OpGt:
		a, b, err := asFloats(lhs, rule.RHS)
		if err != nil {
			return false, err
		}
		return a > b, nil
	case OpRangeMin:
		a, b, err := asFloats(lhs, rule.RHS)
		if err != nil {
			return false, err
		}
		return a >= b, nil
	case OpRangeMax:
		a, b, err := asFloats(lhs, rule.RHS)
		if err != nil {
			return false, err
		}
		return a <= b, nil
	case OpThreshold:
		a, b, err := asFloats(lhs, rule.RHS)
		if err != nil {
			return false, err
		}
		return a >= b, nil
	case OpNonMembership:
		set, err := asSet(rule.RHS)
		if err != nil {
			return false, err
		}
		return !set[fmt.Sprint(lhs)], nil
	case OpNonIntersection:
		lhsSet, err := asSet(lhs)
		if err != nil {
			return false, err
		}
		rhsSet, err := asSet(rule.RHS)
		if err != nil {
			return false, err
		}
		for k := range lhsSet {
			if rhsSet[k] {
				return false, nil
			}
		}
		return true, nil
	default:
		return false, caperrors.Domain("policy: unknown op %q at evaluation time", rule.Op)
	}
}

// EvaluateAll runs every rule present in active against record, producing
// checked_constraints for the proof engine.
func EvaluateAll(rules []Rule, active map[string]bool, record map[string]interface{}) ([]CheckedConstraint, error) {
	out := make([]CheckedConstraint, 0, len(rules))
	for _, r := range rules {
		if active != nil && !active[r.RuleID] {
			continue
		}
		ok, err := EvaluateRule(r, record)
		status := "ok"
		detail := ""
		if err != nil {
			status = "fail"
			detail = err.Error()
		} else if !ok {
			status = "fail"
		}
		out = append(out, CheckedConstraint{RuleID: r.RuleID, Op: r.Op, Status: status, Detail: detail})
	}
	return out, nil
}

func compareEqual(a, b interface{}) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func asFloats(a, b interface{}) (float64, float64, error) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return 0, 0, caperrors.Domain("policy: non-numeric operand in comparison (%v, %v)", a, b)
	}
	return af, bf, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func asSet(v interface{}) (map[string]bool, error) {
	items, ok := v.([]interface{})
	if !ok {
		return nil, caperrors.Domain("policy: expected list operand, got %T", v)
	}
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[fmt.Sprint(item)] = true
	}
	return set, nil
}
