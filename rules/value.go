package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// VALUE - Tagged variant for condition operands and event fields
// =============================================================================

type Kind uint8

const (
	KindUndefined Kind = iota // field missing from the event
	KindNull
	KindBool
	KindNumber
	KindString
	KindList
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindObject:
		return "object"
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Value is one JSON-shaped value. The zero Value is undefined. Numbers are
// held as decimals so 0.1 + 0.2 style drift never affects a comparison.
type Value struct {
	kind Kind
	b    bool
	n    decimal.Decimal
	s    string
	list []Value
	obj  map[string]Value
}

func Undefined() Value { return Value{} }
func Null() Value { return Value{kind: KindNull} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Number(d decimal.Decimal) Value { return Value{kind: KindNumber, n: d} }
func String(s string) Value { return Value{kind: KindString, s: s} }
func List(items ...Value) Value { return Value{kind: KindList, list: items} }
func Object(m map[string]Value) Value {
	return Value{kind: KindObject, obj: m}
}

func (v Value) Kind() Kind { return v.kind }

// Present reports whether v is neither undefined nor null.
func (v Value) Present() bool { return v.kind != KindUndefined && v.kind != KindNull }

func (v Value) BoolValue() (bool, bool) { return v.b, v.kind == KindBool }
func (v Value) NumberValue() (decimal.Decimal, bool) { return v.n, v.kind == KindNumber }
func (v Value) StringValue() (string, bool) { return v.s, v.kind == KindString }
func (v Value) ListValue() ([]Value, bool) { return v.list, v.kind == KindList }

// Get returns the member key of an object, or undefined.
func (v Value) Get(key string) Value {
	if v.kind != KindObject {
		return Undefined()
	}
	if m, ok := v.obj[key]; ok {
		return m
	}
	return Undefined()
}

// Path resolves a dot-separated path such as "referrer.status". Any missing
// or non-object step yields undefined.
func (v Value) Path(path string) Value {
	cur := v
	for _, key := range strings.Split(path, ".") {
		cur = cur.Get(key)
		if cur.kind == KindUndefined {
			return cur
		}
	}
	return cur
}

// Equal is strict, type-sensitive equality on scalars: "5" never equals 5,
// and numbers compare by value (1 == 1.0). Lists and objects are never
// equal to anything, matching identity semantics for composite values.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n.Equal(o.n)
	case KindString:
		return v.s == o.s
	}
	return false
}

// =============================================================================
// CONVERSION
// =============================================================================

// FromAny converts a decoded JSON/YAML value. Decode JSON with UseNumber to
// keep full precision.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", t, err)
		}
		return Number(d), nil
	case decimal.Decimal:
		return Number(t), nil
	case float64:
		return Number(decimal.NewFromFloat(t)), nil
	case float32:
		return Number(decimal.NewFromFloat32(t)), nil
	case int:
		return Number(decimal.NewFromInt(int64(t))), nil
	case int64:
		return Number(decimal.NewFromInt(t)), nil
	case uint64:
		return Number(decimal.NewFromUint64(t)), nil
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return List(items...), nil
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			m[k] = v
		}
		return Object(m), nil
	}
	return Value{}, fmt.Errorf("unsupported value type %T", x)
}

// Any converts v back to plain Go values, numbers as json.Number. Undefined
// becomes nil.
func (v Value) Any() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return json.Number(v.n.String())
	case KindString:
		return v.s
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Any()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for k, item := range v.obj {
			out[k] = item.Any()
		}
		return out
	}
	return nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var x any
	if err := dec.Decode(&x); err != nil {
		return err
	}
	parsed, err := FromAny(x)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ParseEvent decodes a JSON object into an event value.
func ParseEvent(data []byte) (Value, error) {
	var v Value
	if err := json.Unmarshal(data, &v); err != nil {
		return Value{}, fmt.Errorf("decode event: %w", err)
	}
	if v.kind != KindObject {
		return Value{}, fmt.Errorf("event must be a JSON object, got %s", v.kind)
	}
	return v, nil
}
