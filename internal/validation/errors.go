package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind identifies why a proposed filter or binding was rejected
type Kind string

const (
	// InvalidOperator means the operator is not offered for the field's declared type
	InvalidOperator Kind = "InvalidOperator"
	// InvalidValueShape means the value does not match the operator's shape or element type
	InvalidValueShape Kind = "InvalidValueShape"
	// MissingRequiredSlot means a required slot has no field
	MissingRequiredSlot Kind = "MissingRequiredSlot"
	// RoleMismatch means a field's role is not allowed in the slot
	RoleMismatch Kind = "RoleMismatch"
	// CardinalityViolation means a single-field slot holds more than one field
	CardinalityViolation Kind = "CardinalityViolation"
	// UnknownField means a referenced field is not in the current catalog
	UnknownField Kind = "UnknownField"
	// UnknownSlot means the slot is not declared for the chart type
	UnknownSlot Kind = "UnknownSlot"
	// UnknownChartType means no slot table is registered for the chart type
	UnknownChartType Kind = "UnknownChartType"
	// IndexOutOfRange means a filter index does not address an existing clause
	IndexOutOfRange Kind = "IndexOutOfRange"
	// InvalidOption means a per-field aggregate or sort setting is not recognised
	InvalidOption Kind = "InvalidOption"
)

// Error is a single rejected mutation. Slot, Field and Index locate the
// problem; Index is -1 when no filter clause is involved.
type Error struct {
	Kind    Kind   `json:"kind"`
	Slot    string `json:"slot,omitempty"`
	Field   string `json:"field,omitempty"`
	Index   int    `json:"index"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *Error) Error() string {
	var loc []string
	if e.Slot != "" {
		loc = append(loc, "slot "+e.Slot)
	}
	if e.Field != "" {
		loc = append(loc, "field "+e.Field)
	}
	if e.Index >= 0 {
		loc = append(loc, fmt.Sprintf("filter #%d", e.Index))
	}
	if len(loc) == 0 {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, strings.Join(loc, ", "), e.Message)
}

// Is matches another *Error of the same kind, so errors.Is(err, &Error{Kind: k}) works
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// At returns a copy of the error located at filter index i
func (e *Error) At(i int) *Error {
	c := *e
	c.Index = i
	return &c
}

func newError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Index: -1, Message: message}
}

// NewInvalidOperator reports an operator that the field's type does not offer
func NewInvalidOperator(field, operator, declaredType string) *Error {
	e := newError(InvalidOperator, fmt.Sprintf("operator %q is not available for %s fields", operator, declaredType))
	e.Field = field
	return e
}

// NewInvalidValueShape reports a value that does not fit the operator
func NewInvalidValueShape(field, operator, reason string) *Error {
	e := newError(InvalidValueShape, fmt.Sprintf("value for %q: %s", operator, reason))
	e.Field = field
	return e
}

// NewMissingRequiredSlot reports an empty required slot
func NewMissingRequiredSlot(slot string) *Error {
	e := newError(MissingRequiredSlot, "is required")
	e.Slot = slot
	return e
}

// NewRoleMismatch reports a field whose role the slot does not accept
func NewRoleMismatch(slot, field, role string) *Error {
	e := newError(RoleMismatch, fmt.Sprintf("does not accept %s fields", role))
	e.Slot = slot
	e.Field = field
	return e
}

// NewCardinalityViolation reports a single-field slot holding n fields
func NewCardinalityViolation(slot string, n int) *Error {
	e := newError(CardinalityViolation, fmt.Sprintf("accepts exactly one field, got %d", n))
	e.Slot = slot
	return e
}

// NewUnknownField reports a field missing from the catalog
func NewUnknownField(field string) *Error {
	e := newError(UnknownField, "is not in the dataset")
	e.Field = field
	return e
}

// NewUnknownSlot reports a slot the chart type does not declare
func NewUnknownSlot(slot, chartType string) *Error {
	e := newError(UnknownSlot, fmt.Sprintf("is not a slot of chart type %q", chartType))
	e.Slot = slot
	return e
}

// NewUnknownChartType reports a chart type without a slot table
func NewUnknownChartType(chartType string) *Error {
	return newError(UnknownChartType, fmt.Sprintf("chart type %q is not registered", chartType))
}

// NewIndexOutOfRange reports a filter index outside the set
func NewIndexOutOfRange(index, length int) *Error {
	e := newError(IndexOutOfRange, fmt.Sprintf("filter set has %d clauses", length))
	e.Index = index
	return e
}

// NewInvalidOption reports an unrecognised per-field setting
func NewInvalidOption(slot, field, option, value string) *Error {
	e := newError(InvalidOption, fmt.Sprintf("unsupported %s %q", option, value))
	e.Slot = slot
	e.Field = field
	return e
}

// IsKind reports whether err is, or wraps, a validation error of the given kind.
// Aggregated Errors match when any member does.
func IsKind(err error, kind Kind) bool {
	var agg *Errors
	if errors.As(err, &agg) {
		for _, e := range agg.Items {
			if e.Kind == kind {
				return true
			}
		}
		return false
	}
	var ve *Error
	return errors.As(err, &ve) && ve.Kind == kind
}

// Errors aggregates validation errors, e.g. every broken slot of a restored binding
type Errors struct {
	Items []*Error
}

// NewErrors creates an empty aggregate
func NewErrors() *Errors {
	return &Errors{}
}

// Add appends an error, ignoring nil
func (ve *Errors) Add(err *Error) {
	if err == nil {
		return
	}
	ve.Items = append(ve.Items, err)
}

// Merge appends the members of another aggregate or single error
func (ve *Errors) Merge(err error) {
	if err == nil {
		return
	}
	var agg *Errors
	if errors.As(err, &agg) {
		ve.Items = append(ve.Items, agg.Items...)
		return
	}
	var single *Error
	if errors.As(err, &single) {
		ve.Items = append(ve.Items, single)
	}
}

// HasErrors returns true if there are any validation errors
func (ve *Errors) HasErrors() bool {
	return ve != nil && len(ve.Items) > 0
}

// Count returns the total number of validation errors
func (ve *Errors) Count() int {
	if ve == nil {
		return 0
	}
	return len(ve.Items)
}

// First returns the first error, or nil
func (ve *Errors) First() *Error {
	if !ve.HasErrors() {
		return nil
	}
	return ve.Items[0]
}

// ErrOrNil returns the aggregate as an error only when it holds something
func (ve *Errors) ErrOrNil() error {
	if !ve.HasErrors() {
		return nil
	}
	return ve
}

// Fields groups messages by location (slot, field, or filter index)
func (ve *Errors) Fields() map[string][]string {
	out := make(map[string][]string)
	for _, e := range ve.Items {
		key := e.Slot
		switch {
		case key != "":
		case e.Index >= 0:
			key = fmt.Sprintf("filters[%d]", e.Index)
		case e.Field != "":
			key = e.Field
		default:
			key = "base"
		}
		out[key] = append(out[key], e.Error())
	}
	return out
}

// Error implements the error interface
func (ve *Errors) Error() string {
	if !ve.HasErrors() {
		return "validation failed"
	}
	if len(ve.Items) == 1 {
		return fmt.Sprintf("validation failed: %s", ve.Items[0].Error())
	}

	messages := make([]string, 0, len(ve.Items))
	for _, e := range ve.Items {
		messages = append(messages, "  - "+e.Error())
	}
	sort.Strings(messages)
	return fmt.Sprintf("validation failed:\n%s", strings.Join(messages, "\n"))
}

// MarshalJSON implements json.Marshaler for custom JSON serialization
func (ve *Errors) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Error  string              `json:"error"`
		Items  []*Error            `json:"errors"`
		Fields map[string][]string `json:"fields"`
	}{
		Error:  "validation_failed",
		Items:  ve.Items,
		Fields: ve.Fields(),
	})
}
