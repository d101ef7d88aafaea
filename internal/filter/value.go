package filter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/spf13/cast"

	"github.com/cozy-insight/composer/internal/catalog"
)

// Value is a filter operand with an explicit shape. Build one with Scalar,
// Pair or List.
type Value struct {
	shape ValueShape
	items []interface{}
}

// Scalar wraps a single operand
func Scalar(v interface{}) Value {
	return Value{shape: ShapeScalar, items: []interface{}{v}}
}

// Pair wraps an inclusive range
func Pair(low, high interface{}) Value {
	return Value{shape: ShapePair, items: []interface{}{low, high}}
}

// List wraps a set of alternatives
func List(values ...interface{}) Value {
	items := make([]interface{}, len(values))
	copy(items, values)
	return Value{shape: ShapeList, items: items}
}

// Shape returns the value's structure
func (v Value) Shape() ValueShape {
	return v.shape
}

// Items returns a copy of the operands
func (v Value) Items() []interface{} {
	out := make([]interface{}, len(v.items))
	copy(out, v.items)
	return out
}

// IsZero reports whether the value was never set
func (v Value) IsZero() bool {
	return v.shape == ShapeUnknown && len(v.items) == 0
}

// Equal compares shape and operands. Numbers compare by value, so 5, int64(5)
// and 5.0 are the same operand.
func (v Value) Equal(o Value) bool {
	if v.shape != o.shape || len(v.items) != len(o.items) {
		return false
	}
	for i := range v.items {
		if !sameOperand(v.items[i], o.items[i]) {
			return false
		}
	}
	return true
}

func sameOperand(a, b interface{}) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	ai, aInt, aok := number(a)
	bi, bInt, bok := number(b)
	if !aok || !bok {
		return false
	}
	if aInt && bInt {
		return ai == bi
	}
	return toFloat(a) == toFloat(b)
}

// number reports whether x is a Go or JSON number, returning its int64 value
// when it is integral and fits
func number(x interface{}) (int64, bool, bool) {
	switch n := x.(type) {
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		i, err := cast.ToInt64E(n)
		return i, err == nil, true
	case uint, uint64:
		u := reflect.ValueOf(n).Uint()
		if u > math.MaxInt64 {
			return 0, false, true
		}
		return int64(u), true, true
	case float32, float64:
		f := toFloat(n)
		if f == math.Trunc(f) && math.Abs(f) < 1<<63 {
			return int64(f), true, true
		}
		return 0, false, true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true, true
		}
		_, err := n.Float64()
		return 0, false, err == nil
	}
	return 0, false, false
}

func toFloat(x interface{}) float64 {
	if n, ok := x.(json.Number); ok {
		f, _ := n.Float64()
		return f
	}
	f, _ := cast.ToFloat64E(x)
	return f
}

// String renders the value for logs
func (v Value) String() string {
	switch v.shape {
	case ShapeScalar:
		if len(v.items) == 1 {
			return fmt.Sprintf("%v", v.items[0])
		}
	case ShapePair:
		if len(v.items) == 2 {
			return fmt.Sprintf("[%v, %v]", v.items[0], v.items[1])
		}
	}
	return fmt.Sprintf("%v", v.items)
}

type valueJSON struct {
	Shape ValueShape    `json:"shape"`
	Items []interface{} `json:"items"`
}

// MarshalJSON encodes the value as {"shape": ..., "items": [...]}
func (v Value) MarshalJSON() ([]byte, error) {
	items := v.items
	if items == nil {
		items = []interface{}{}
	}
	return json.Marshal(valueJSON{Shape: v.shape, Items: items})
}

// UnmarshalJSON decodes the form produced by MarshalJSON. Integral numbers
// decode as int64 without passing through float64, others as float64.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw valueJSON
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	for i, item := range raw.Items {
		n, ok := item.(json.Number)
		if !ok {
			continue
		}
		if iv, err := n.Int64(); err == nil {
			raw.Items[i] = iv
			continue
		}
		f, err := n.Float64()
		if err != nil {
			return fmt.Errorf("operand %d: %w", i, err)
		}
		raw.Items[i] = f
	}
	v.shape = raw.Shape
	v.items = raw.Items
	return nil
}

// ValueFor builds a Value of the shape op expects from a loosely typed operand,
// as sent by editing surfaces: arrays become pairs or lists, anything else a
// scalar. Shape problems are left for validation to report.
func ValueFor(op OperatorID, raw interface{}) Value {
	list, isList := asSlice(raw)
	switch ValueShapeFor(op) {
	case ShapePair:
		if isList && len(list) == 2 {
			return Pair(list[0], list[1])
		}
	case ShapeList:
		if isList {
			return List(list...)
		}
	case ShapeScalar:
		if !isList {
			return Scalar(raw)
		}
	}
	if isList {
		return List(list...)
	}
	return Scalar(raw)
}

func asSlice(raw interface{}) ([]interface{}, bool) {
	if raw == nil {
		return nil, false
	}
	rv := reflect.ValueOf(raw)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// conform checks that v has the structure op expects and that every operand
// fits the field's declared type
func conform(t catalog.DeclaredType, op OperatorID, v Value) error {
	want := ValueShapeFor(op)
	if v.shape != want {
		return fmt.Errorf("expected a %s value, got %s", want, v.shape)
	}

	switch want {
	case ShapeScalar:
		if len(v.items) != 1 {
			return fmt.Errorf("expected exactly one operand, got %d", len(v.items))
		}
	case ShapePair:
		if len(v.items) != 2 {
			return fmt.Errorf("expected two operands, got %d", len(v.items))
		}
	case ShapeList:
		if len(v.items) == 0 {
			return fmt.Errorf("expected at least one operand")
		}
	}

	for i, item := range v.items {
		if err := conformElement(t, item); err != nil {
			return fmt.Errorf("operand %d: %w", i, err)
		}
	}

	if want == ShapePair {
		return checkOrdered(t, v.items[0], v.items[1])
	}
	return nil
}

func conformElement(t catalog.DeclaredType, item interface{}) error {
	if item == nil {
		return fmt.Errorf("is empty")
	}
	if _, isList := asSlice(item); isList {
		return fmt.Errorf("must be a single value")
	}

	switch {
	case t.IsNumeric():
		if _, ok := item.(bool); ok {
			return fmt.Errorf("expected a number, got a boolean")
		}
		f, err := cast.ToFloat64E(item)
		if err != nil {
			return fmt.Errorf("expected a number: %v", err)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("expected a finite number, got %v", item)
		}
	case t == catalog.TypeTime:
		if _, err := toTime(item); err != nil {
			return err
		}
	case t == catalog.TypeBoolean:
		if _, err := cast.ToBoolE(item); err != nil {
			return fmt.Errorf("expected a boolean: %v", err)
		}
	default:
		if _, err := cast.ToStringE(item); err != nil {
			return fmt.Errorf("expected a text value: %v", err)
		}
	}
	return nil
}

func toTime(item interface{}) (time.Time, error) {
	if _, ok := item.(bool); ok {
		return time.Time{}, fmt.Errorf("expected a timestamp, got a boolean")
	}
	ts, err := cast.ToTimeE(item)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected a timestamp: %v", err)
	}
	return ts, nil
}

func checkOrdered(t catalog.DeclaredType, low, high interface{}) error {
	switch {
	case t.IsNumeric():
		lo, _ := cast.ToFloat64E(low)
		hi, _ := cast.ToFloat64E(high)
		if lo > hi {
			return fmt.Errorf("lower bound %v exceeds upper bound %v", low, high)
		}
	case t == catalog.TypeTime:
		lo, _ := toTime(low)
		hi, _ := toTime(high)
		if lo.After(hi) {
			return fmt.Errorf("range starts after it ends")
		}
	}
	return nil
}
