package filter

import (
	"github.com/cozy-insight/composer/internal/catalog"
	"github.com/cozy-insight/composer/internal/validation"
)

// Clause is one filter condition. Clauses in a Set are combined with AND.
type Clause struct {
	Field    catalog.FieldDescriptor `json:"field"`
	Operator OperatorID              `json:"operator"`
	Value    Value                   `json:"value"`
}

// Validate checks the operator against the field's declared type and the
// value against the operator's shape
func (c Clause) Validate() error {
	if !Allows(c.Field.DeclaredType, c.Operator) {
		return validation.NewInvalidOperator(c.Field.Name, string(c.Operator), c.Field.DeclaredType.String())
	}
	if err := conform(c.Field.DeclaredType, c.Operator, c.Value); err != nil {
		return validation.NewInvalidValueShape(c.Field.Name, string(c.Operator), err.Error())
	}
	return nil
}

// Equal compares two clauses
func (c Clause) Equal(o Clause) bool {
	return c.Field == o.Field && c.Operator == o.Operator && c.Value.Equal(o.Value)
}

// Patch is a partial clause update; nil members keep the current value
type Patch struct {
	Field    *catalog.FieldDescriptor
	Operator *OperatorID
	Value    *Value
}

// Set is an ordered list of filter clauses. Clauses added or updated through
// the Set are always valid; clauses loaded with FromClauses may reference
// fields that have since changed and are reported by Check.
type Set struct {
	clauses []Clause
}

// NewSet creates an empty filter set
func NewSet() *Set {
	return &Set{}
}

// FromClauses rebuilds a set from persisted clauses without validating them
func FromClauses(clauses []Clause) *Set {
	s := &Set{clauses: make([]Clause, len(clauses))}
	copy(s.clauses, clauses)
	return s
}

// Add validates and appends a clause
func (s *Set) Add(field catalog.FieldDescriptor, op OperatorID, value Value) (Clause, error) {
	c := Clause{Field: field, Operator: op, Value: value}
	if err := c.Validate(); err != nil {
		return Clause{}, err
	}
	s.clauses = append(s.clauses, c)
	return c, nil
}

// Remove deletes the clause at index i
func (s *Set) Remove(i int) error {
	if i < 0 || i >= len(s.clauses) {
		return validation.NewIndexOutOfRange(i, len(s.clauses))
	}
	s.clauses = append(s.clauses[:i], s.clauses[i+1:]...)
	return nil
}

// Update applies a patch to the clause at index i. The merged clause is
// validated as a whole; on failure the existing clause is left untouched.
func (s *Set) Update(i int, p Patch) (Clause, error) {
	if i < 0 || i >= len(s.clauses) {
		return Clause{}, validation.NewIndexOutOfRange(i, len(s.clauses))
	}

	next := s.clauses[i]
	if p.Field != nil {
		next.Field = *p.Field
	}
	if p.Operator != nil {
		next.Operator = *p.Operator
	}
	if p.Value != nil {
		next.Value = *p.Value
	}

	if err := next.Validate(); err != nil {
		if ve, ok := err.(*validation.Error); ok {
			return Clause{}, ve.At(i)
		}
		return Clause{}, err
	}
	s.clauses[i] = next
	return next, nil
}

// Len returns the number of clauses
func (s *Set) Len() int {
	return len(s.clauses)
}

// At returns the clause at index i
func (s *Set) At(i int) (Clause, bool) {
	if i < 0 || i >= len(s.clauses) {
		return Clause{}, false
	}
	return s.clauses[i], true
}

// Clauses returns a copy of the clauses in insertion order
func (s *Set) Clauses() []Clause {
	out := make([]Clause, len(s.clauses))
	copy(out, s.clauses)
	return out
}

// Clone returns an independent copy
func (s *Set) Clone() *Set {
	return FromClauses(s.clauses)
}

// Check re-validates every clause against the current catalog. A clause whose
// field is gone, or whose field changed type so that the operator or value no
// longer fits, is reported with its index. Nothing is dropped.
func (s *Set) Check(cat *catalog.Catalog) error {
	errs := validation.NewErrors()
	for i, c := range s.clauses {
		current, ok := cat.Lookup(c.Field.Name)
		if !ok {
			errs.Add(validation.NewUnknownField(c.Field.Name).At(i))
			continue
		}
		c.Field = current
		if err := c.Validate(); err != nil {
			if ve, ok := err.(*validation.Error); ok {
				errs.Add(ve.At(i))
			}
		}
	}
	return errs.ErrOrNil()
}
