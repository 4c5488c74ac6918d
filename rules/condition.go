package rules

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/warp/referral-ledger/core"
)

// =============================================================================
// CONDITION TREE
// =============================================================================
//
// A condition is either a Group (AND/OR over operands) or a Leaf comparing
// one event field to a value. The tree is built fresh from stored JSON and
// owned by the rule; there is no sharing between rules.
//
// Two JSON schemas are accepted:
//
//	v2: {"operator": "AND", "operands": [...]}
//	    {"field": "referrer.status", "op": "=", "value": "PAID"}
//
//	v1: {"type": "AND", "children": [...]}
//	    {"type": "CONDITION", "field": "referrer.status", "operator": "=", "value": "PAID"}
//
// Encoding always produces v2.

type Logic string

const (
	And Logic = "AND"
	Or  Logic = "OR"
)

type Operator string

const (
	OpEq        Operator = "="
	OpNe        Operator = "!="
	OpGt        Operator = ">"
	OpLt        Operator = "<"
	OpGte       Operator = ">="
	OpLte       Operator = "<="
	OpIn        Operator = "in"
	OpNotIn     Operator = "not_in"
	OpExists    Operator = "exists"
	OpNotExists Operator = "not_exists"
	OpContains  Operator = "contains"
)

func (o Operator) Valid() bool {
	switch o {
	case OpEq, OpNe, OpGt, OpLt, OpGte, OpLte, OpIn, OpNotIn, OpExists, OpNotExists, OpContains:
		return true
	}
	return false
}

// maxDepth bounds nesting so a hostile document cannot exhaust the stack.
const maxDepth = 64

// Condition is implemented by *Group and *Leaf only.
type Condition interface {
	condition()
}

type Group struct {
	Op       Logic
	Operands []Condition
}

type Leaf struct {
	Field string
	Op    Operator
	Value Value
}

func (*Group) condition() {}
func (*Leaf) condition() {}

// AllOf and AnyOf build groups.
func AllOf(operands ...Condition) *Group { return &Group{Op: And, Operands: operands} }
func AnyOf(operands ...Condition) *Group { return &Group{Op: Or, Operands: operands} }

// Compare builds a leaf. value is converted with FromAny and must be
// representable.
func Compare(field string, op Operator, value any) *Leaf {
	v, err := FromAny(value)
	if err != nil {
		panic(fmt.Sprintf("rules.Compare: %v", err))
	}
	return &Leaf{Field: field, Op: op, Value: v}
}

// Exists builds an existence check that ignores value.
func Exists(field string) *Leaf { return &Leaf{Field: field, Op: OpExists} }

// =============================================================================
// ENCODING (v2)
// =============================================================================

type groupJSON struct {
	Operator Logic       `json:"operator"`
	Operands []Condition `json:"operands"`
}

type leafJSON struct {
	Field string   `json:"field"`
	Op    Operator `json:"op"`
	Value *Value   `json:"value,omitempty"`
}

func (g *Group) MarshalJSON() ([]byte, error) {
	operands := g.Operands
	if operands == nil {
		operands = []Condition{}
	}
	return json.Marshal(groupJSON{Operator: g.Op, Operands: operands})
}

func (l *Leaf) MarshalJSON() ([]byte, error) {
	out := leafJSON{Field: l.Field, Op: l.Op}
	if l.Value.Kind() != KindUndefined {
		v := l.Value
		out.Value = &v
	}
	return json.Marshal(out)
}

// =============================================================================
// PARSING
// =============================================================================

// ParseCondition parses and strictly validates a condition document. Use it
// for input that is about to be stored.
func ParseCondition(data []byte) (Condition, error) {
	m, err := decodeObject(data)
	if err != nil {
		return nil, &core.FieldError{Field: "conditions", Reason: err.Error(), Err: core.ErrInvalidCondition}
	}
	return FromMap(m)
}

// FromMap parses an already-decoded document strictly.
func FromMap(m map[string]any) (Condition, error) {
	return parseNode(m, "conditions", 0, true)
}

// parseStored parses a condition that was valid when it was stored. Unknown
// operators and empty groups are tolerated; they evaluate to false (or
// vacuous truth for an empty AND) instead of failing the whole evaluation.
func parseStored(data string) (Condition, error) {
	m, err := decodeObject([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidCondition, err)
	}
	return parseNode(m, "conditions", 0, false)
}

func decodeObject(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("condition must be an object")
	}
	return m, nil
}

func parseNode(m map[string]any, path string, depth int, strict bool) (Condition, error) {
	if depth > maxDepth {
		return nil, invalid(path, fmt.Sprintf("nesting deeper than %d", maxDepth))
	}

	if _, ok := m["operands"]; ok {
		op, _ := m["operator"].(string)
		return parseGroup(Logic(op), m["operands"], path, depth, strict)
	}

	if typ, ok := m["type"].(string); ok {
		switch typ {
		case string(And), string(Or):
			return parseGroup(Logic(typ), m["children"], path, depth, strict)
		case "CONDITION":
			op, _ := m["operator"].(string)
			return parseLeaf(m, Operator(op), path, strict, true)
		default:
			return nil, invalid(path, fmt.Sprintf("unknown node type %q", typ))
		}
	}

	if _, ok := m["field"]; ok {
		op, _ := m["op"].(string)
		return parseLeaf(m, Operator(op), path, strict, false)
	}

	return nil, invalid(path, "node is neither a group nor a leaf")
}

func parseGroup(op Logic, raw any, path string, depth int, strict bool) (Condition, error) {
	if strict && op != And && op != Or {
		return nil, invalid(path+".operator", fmt.Sprintf("unknown logical operator %q", op))
	}
	items, ok := raw.([]any)
	if raw != nil && !ok {
		return nil, invalid(path+".operands", "must be a list")
	}
	if strict && len(items) == 0 {
		return nil, invalid(path+".operands", "must not be empty")
	}

	g := &Group{Op: op, Operands: make([]Condition, 0, len(items))}
	for i, item := range items {
		child, ok := item.(map[string]any)
		if !ok {
			return nil, invalid(fmt.Sprintf("%s.operands[%d]", path, i), "must be an object")
		}
		c, err := parseNode(child, fmt.Sprintf("%s.operands[%d]", path, i), depth+1, strict)
		if err != nil {
			return nil, err
		}
		g.Operands = append(g.Operands, c)
	}
	return g, nil
}

func parseLeaf(m map[string]any, op Operator, path string, strict, v1 bool) (Condition, error) {
	field, _ := m["field"].(string)
	if field == "" {
		return nil, invalid(path+".field", "must be a non-empty string")
	}

	value := Undefined()
	if raw, ok := m["value"]; ok {
		v, err := FromAny(raw)
		if err != nil {
			return nil, invalid(path+".value", err.Error())
		}
		value = v
	}

	// v1 expressed absence as {"operator": "exists", "value": false}.
	if v1 && op == OpExists {
		if b, ok := value.BoolValue(); ok && !b {
			op = OpNotExists
		}
		value = Undefined()
	}

	if strict {
		if err := validateLeaf(op, value, path); err != nil {
			return nil, err
		}
	}
	return &Leaf{Field: field, Op: op, Value: value}, nil
}

func validateLeaf(op Operator, value Value, path string) error {
	if !op.Valid() {
		return invalid(path+".op", fmt.Sprintf("unknown operator %q", op))
	}
	switch op {
	case OpGt, OpLt, OpGte, OpLte:
		if value.Kind() != KindNumber {
			return invalid(path+".value", fmt.Sprintf("operator %s needs a number, got %s", op, value.Kind()))
		}
	case OpIn, OpNotIn:
		if value.Kind() != KindList {
			return invalid(path+".value", fmt.Sprintf("operator %s needs a list, got %s", op, value.Kind()))
		}
	case OpContains:
		if value.Kind() != KindString {
			return invalid(path+".value", fmt.Sprintf("operator %s needs a string, got %s", op, value.Kind()))
		}
	case OpEq, OpNe:
		if value.Kind() == KindUndefined {
			return invalid(path+".value", "required")
		}
	}
	return nil
}

// Validate strictly checks a tree built in code.
func Validate(c Condition) error {
	return validateNode(c, "conditions", 0)
}

func validateNode(c Condition, path string, depth int) error {
	if depth > maxDepth {
		return invalid(path, fmt.Sprintf("nesting deeper than %d", maxDepth))
	}
	switch n := c.(type) {
	case *Group:
		if n == nil {
			return invalid(path, "missing")
		}
		if n.Op != And && n.Op != Or {
			return invalid(path+".operator", fmt.Sprintf("unknown logical operator %q", n.Op))
		}
		if len(n.Operands) == 0 {
			return invalid(path+".operands", "must not be empty")
		}
		for i, child := range n.Operands {
			if err := validateNode(child, fmt.Sprintf("%s.operands[%d]", path, i), depth+1); err != nil {
				return err
			}
		}
		return nil
	case *Leaf:
		if n == nil {
			return invalid(path, "missing")
		}
		if n.Field == "" {
			return invalid(path+".field", "must be a non-empty string")
		}
		return validateLeaf(n.Op, n.Value, path)
	}
	return invalid(path, "missing")
}

func invalid(path, reason string) error {
	return &core.FieldError{Field: path, Reason: reason, Err: core.ErrInvalidCondition}
}
