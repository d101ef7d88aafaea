package catalog

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// DeclaredType is the normalized data type of a dataset field
type DeclaredType int

const (
	// TypeUnknown is any type the dataset reported that has no normalized form
	TypeUnknown DeclaredType = iota
	// TypeText covers character types (VARCHAR, TEXT, CHAR, ...)
	TypeText
	// TypeTime covers temporal types (DATE, DATETIME, TIMESTAMP, ...)
	TypeTime
	// TypeInteger covers whole-number types
	TypeInteger
	// TypeDecimal covers fractional numeric types
	TypeDecimal
	// TypeBoolean covers boolean types
	TypeBoolean
)

var declaredTypeNames = map[DeclaredType]string{
	TypeUnknown: "UNKNOWN",
	TypeText:    "TEXT",
	TypeTime:    "TIME",
	TypeInteger: "INTEGER",
	TypeDecimal: "DECIMAL",
	TypeBoolean: "BOOLEAN",
}

// String returns the canonical name of the type
func (t DeclaredType) String() string {
	if name, ok := declaredTypeNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsNumeric reports whether the type holds numbers
func (t DeclaredType) IsNumeric() bool {
	return t == TypeInteger || t == TypeDecimal
}

// MarshalJSON encodes the type by name
func (t DeclaredType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes a type name, accepting raw SQL type names as well
func (t *DeclaredType) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("declared type must be a string: %w", err)
	}
	*t = ParseDeclaredType(raw)
	return nil
}

// UnmarshalYAML decodes a type name from a YAML scalar
func (t *DeclaredType) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*t = ParseDeclaredType(raw)
	return nil
}

// ParseDeclaredType normalizes a dataset type name. Datasources report SQL
// type names, possibly with a length or precision suffix ("VARCHAR(255)").
func ParseDeclaredType(raw string) DeclaredType {
	name := strings.ToUpper(strings.TrimSpace(raw))
	if i := strings.IndexByte(name, '('); i >= 0 {
		name = strings.TrimSpace(name[:i])
	}
	name = strings.TrimSuffix(name, " UNSIGNED")

	switch name {
	case "TEXT", "STRING", "VARCHAR", "CHAR", "NVARCHAR", "NCHAR", "LONGTEXT", "MEDIUMTEXT",
		"TINYTEXT", "CHARACTER VARYING", "CHARACTER", "CLOB", "UUID", "ENUM", "JSON":
		return TypeText
	case "TIME", "DATE", "DATETIME", "TIMESTAMP", "TIMESTAMPTZ", "TIMESTAMP WITH TIME ZONE",
		"TIMESTAMP WITHOUT TIME ZONE", "YEAR":
		return TypeTime
	case "INTEGER", "INT", "BIGINT", "SMALLINT", "TINYINT", "MEDIUMINT", "INT2", "INT4", "INT8",
		"SERIAL", "BIGSERIAL", "LONG":
		return TypeInteger
	case "DECIMAL", "NUMERIC", "FLOAT", "DOUBLE", "DOUBLE PRECISION", "REAL", "FLOAT4", "FLOAT8",
		"NUMBER", "MONEY":
		return TypeDecimal
	case "BOOLEAN", "BOOL", "BIT":
		return TypeBoolean
	default:
		return TypeUnknown
	}
}

// Role classifies a field as a grouping dimension or an aggregatable measure
type Role int

const (
	// RoleDimension is a categorical field used for grouping
	RoleDimension Role = iota
	// RoleMeasure is a numeric field used for aggregation
	RoleMeasure
)

// String returns the canonical name of the role
func (r Role) String() string {
	if r == RoleMeasure {
		return "MEASURE"
	}
	return "DIMENSION"
}

// MarshalJSON encodes the role by name
func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON decodes a role name or the dataset's d/q group type
func (r *Role) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("role must be a string: %w", err)
	}
	role, err := ParseRole(raw)
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// UnmarshalYAML decodes a role from a YAML scalar
func (r *Role) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	role, err := ParseRole(raw)
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// ParseRole accepts DIMENSION/MEASURE (any case) and the dataset group types d/q
func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "d", "dimension":
		return RoleDimension, nil
	case "q", "m", "measure":
		return RoleMeasure, nil
	default:
		return RoleDimension, fmt.Errorf("unknown field role %q", raw)
	}
}

// FieldDescriptor describes one dataset field. Descriptors are values and are
// never mutated after the catalog is built.
type FieldDescriptor struct {
	Name         string       `json:"name" yaml:"name"`
	DeclaredType DeclaredType `json:"declaredType" yaml:"type"`
	Role         Role         `json:"role" yaml:"role"`
}

// String returns a short human readable form, e.g. "amount(DECIMAL/MEASURE)"
func (f FieldDescriptor) String() string {
	return fmt.Sprintf("%s(%s/%s)", f.Name, f.DeclaredType, f.Role)
}
