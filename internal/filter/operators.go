package filter

import (
	"encoding/json"
	"fmt"

	"github.com/cozy-insight/composer/internal/catalog"
)

// OperatorID names a filter comparison
type OperatorID string

const (
	OpEq      OperatorID = "eq"
	OpNe      OperatorID = "ne"
	OpGt      OperatorID = "gt"
	OpLt      OperatorID = "lt"
	OpGte     OperatorID = "gte"
	OpLte     OperatorID = "lte"
	OpLike    OperatorID = "like"
	OpIn      OperatorID = "in"
	OpBetween OperatorID = "between"
)

// ValueShape is the structure an operator's value must have
type ValueShape int

const (
	// ShapeUnknown is returned for operators the resolver does not know
	ShapeUnknown ValueShape = iota
	// ShapeScalar is a single value
	ShapeScalar
	// ShapePair is an inclusive [low, high] range
	ShapePair
	// ShapeList is one or more alternatives
	ShapeList
)

var shapeNames = map[ValueShape]string{
	ShapeUnknown: "unknown",
	ShapeScalar:  "scalar",
	ShapePair:    "pair",
	ShapeList:    "list",
}

// String returns the lower-case shape name
func (s ValueShape) String() string {
	if name, ok := shapeNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalJSON encodes the shape by name
func (s ValueShape) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a shape name
func (s *ValueShape) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for shape, name := range shapeNames {
		if name == raw {
			*s = shape
			return nil
		}
	}
	return fmt.Errorf("unknown value shape %q", raw)
}

var (
	equalityOps = []OperatorID{OpEq, OpNe}

	operatorTable = map[catalog.DeclaredType][]OperatorID{
		catalog.TypeText:    {OpEq, OpNe, OpLike, OpIn, OpBetween},
		catalog.TypeTime:    {OpEq, OpNe, OpGt, OpLt, OpGte, OpLte, OpBetween},
		catalog.TypeInteger: {OpEq, OpNe, OpGt, OpLt, OpGte, OpLte, OpBetween},
		catalog.TypeDecimal: {OpEq, OpNe, OpGt, OpLt, OpGte, OpLte, OpBetween},
		catalog.TypeBoolean: {OpEq, OpNe, OpBetween},
	}

	shapeTable = map[OperatorID]ValueShape{
		OpEq:      ShapeScalar,
		OpNe:      ShapeScalar,
		OpGt:      ShapeScalar,
		OpLt:      ShapeScalar,
		OpGte:     ShapeScalar,
		OpLte:     ShapeScalar,
		OpLike:    ShapeScalar,
		OpIn:      ShapeList,
		OpBetween: ShapePair,
	}
)

// OperatorsFor returns the legal operators for a declared type, in display
// order. Types without a table row get the equality operators.
func OperatorsFor(t catalog.DeclaredType) []OperatorID {
	ops, ok := operatorTable[t]
	if !ok {
		ops = equalityOps
	}
	out := make([]OperatorID, len(ops))
	copy(out, ops)
	return out
}

// Allows reports whether op is legal for the declared type
func Allows(t catalog.DeclaredType, op OperatorID) bool {
	for _, candidate := range OperatorsFor(t) {
		if candidate == op {
			return true
		}
	}
	return false
}

// ValueShapeFor returns the value structure op expects
func ValueShapeFor(op OperatorID) ValueShape {
	if shape, ok := shapeTable[op]; ok {
		return shape
	}
	return ShapeUnknown
}

// OperatorInfo describes an operator for editing surfaces choosing an input control
type OperatorInfo struct {
	ID    OperatorID `json:"id"`
	Shape ValueShape `json:"shape"`
}

// Describe returns the operators and shapes offered for a declared type
func Describe(t catalog.DeclaredType) []OperatorInfo {
	ops := OperatorsFor(t)
	out := make([]OperatorInfo, 0, len(ops))
	for _, op := range ops {
		out = append(out, OperatorInfo{ID: op, Shape: ValueShapeFor(op)})
	}
	return out
}
