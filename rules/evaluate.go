package rules

import (
	"strings"
)

// =============================================================================
// EVALUATOR - Pure interpretation of a condition tree
// =============================================================================

// Evaluate reports whether event satisfies c. It never fails: a missing
// field, a type mismatch or an unknown operator evaluates to false.
//
// An empty AND is vacuously true and an empty OR is false.
func Evaluate(c Condition, event Value) bool {
	switch n := c.(type) {
	case *Group:
		if n == nil {
			return false
		}
		switch n.Op {
		case And:
			for _, operand := range n.Operands {
				if !Evaluate(operand, event) {
					return false
				}
			}
			return true
		case Or:
			for _, operand := range n.Operands {
				if Evaluate(operand, event) {
					return true
				}
			}
			return false
		}
		return false
	case *Leaf:
		if n == nil {
			return false
		}
		return Apply(n.Op, event.Path(n.Field), n.Value)
	}
	return false
}

// Apply compares a resolved field value against a condition value.
func Apply(op Operator, field, value Value) bool {
	switch op {
	case OpEq:
		return field.Equal(value)
	case OpNe:
		return !field.Equal(value)
	case OpGt, OpLt, OpGte, OpLte:
		a, ok1 := field.NumberValue()
		b, ok2 := value.NumberValue()
		if !ok1 || !ok2 {
			return false
		}
		c := a.Cmp(b)
		switch op {
		case OpGt:
			return c > 0
		case OpLt:
			return c < 0
		case OpGte:
			return c >= 0
		default:
			return c <= 0
		}
	case OpIn, OpNotIn:
		items, ok := value.ListValue()
		if !ok {
			return false
		}
		found := false
		for _, item := range items {
			if field.Equal(item) {
				found = true
				break
			}
		}
		return found == (op == OpIn)
	case OpExists:
		return field.Present()
	case OpNotExists:
		return !field.Present()
	case OpContains:
		s, ok1 := field.StringValue()
		sub, ok2 := value.StringValue()
		return ok1 && ok2 && strings.Contains(s, sub)
	}
	return false
}
