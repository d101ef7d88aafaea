package binding

import (
	"sort"
	"strings"

	"github.com/cozy-insight/composer/internal/catalog"
	"github.com/cozy-insight/composer/internal/validation"
)

// Binding maps slot ids to the fields occupying them
type Binding map[string][]catalog.FieldDescriptor

// Clone returns a deep copy
func (b Binding) Clone() Binding {
	out := make(Binding, len(b))
	for slot, fields := range b {
		cp := make([]catalog.FieldDescriptor, len(fields))
		copy(cp, fields)
		out[slot] = cp
	}
	return out
}

// Fields returns the fields in a slot
func (b Binding) Fields(slot string) []catalog.FieldDescriptor {
	return b[slot]
}

// First returns the first field of a slot, if any
func (b Binding) First(slot string) (catalog.FieldDescriptor, bool) {
	fields := b[slot]
	if len(fields) == 0 {
		return catalog.FieldDescriptor{}, false
	}
	return fields[0], true
}

// Slots returns the populated slot ids, sorted
func (b Binding) Slots() []string {
	out := make([]string, 0, len(b))
	for slot, fields := range b {
		if len(fields) > 0 {
			out = append(out, slot)
		}
	}
	sort.Strings(out)
	return out
}

// Equal compares populated slots and their fields in order
func (b Binding) Equal(o Binding) bool {
	a, c := b.Slots(), o.Slots()
	if len(a) != len(c) {
		return false
	}
	for i, slot := range a {
		if c[i] != slot {
			return false
		}
		x, y := b[slot], o[slot]
		if len(x) != len(y) {
			return false
		}
		for j := range x {
			if x[j] != y[j] {
				return false
			}
		}
	}
	return true
}

// Validate checks a binding against a chart type's slot table and returns the
// first violation in slot-table order
func Validate(chartType string, specs []SlotSpec, b Binding) error {
	if first := Check(chartType, specs, b).First(); first != nil {
		return first
	}
	return nil
}

// Check returns every violation of the binding: slots the chart type does not
// declare, then each declared slot's occupancy and role problems in table order
func Check(chartType string, specs []SlotSpec, b Binding) *validation.Errors {
	errs := validation.NewErrors()

	for _, slot := range b.Slots() {
		if _, ok := findSpec(specs, slot); !ok {
			errs.Add(validation.NewUnknownSlot(slot, chartType))
		}
	}
	for _, spec := range specs {
		for _, err := range checkSlot(spec, b[spec.ID]) {
			errs.Add(err)
		}
	}
	return errs
}

// checkSlot validates one slot's occupancy and roles
func checkSlot(spec SlotSpec, fields []catalog.FieldDescriptor) []*validation.Error {
	var out []*validation.Error
	if len(fields) == 0 {
		if spec.Required {
			out = append(out, validation.NewMissingRequiredSlot(spec.ID))
		}
		return out
	}
	if spec.Cardinality == One && len(fields) != 1 {
		out = append(out, validation.NewCardinalityViolation(spec.ID, len(fields)))
	}
	for _, f := range fields {
		if !spec.Allowed.Has(f.Role) {
			out = append(out, validation.NewRoleMismatch(spec.ID, f.Name, f.Role.String()))
		}
	}
	return out
}

// structural drops MissingRequiredSlot, leaving the violations that a draft
// binding may not contain
func structural(errs []*validation.Error) []*validation.Error {
	var out []*validation.Error
	for _, e := range errs {
		if e.Kind != validation.MissingRequiredSlot {
			out = append(out, e)
		}
	}
	return out
}

// Aggregate is a per-measure aggregation function
type Aggregate string

const (
	AggNone  Aggregate = ""
	AggSum   Aggregate = "sum"
	AggAvg   Aggregate = "avg"
	AggCount Aggregate = "count"
	AggMax   Aggregate = "max"
	AggMin   Aggregate = "min"
)

// SortOrder is a per-field ordering
type SortOrder string

const (
	SortNone SortOrder = ""
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// FieldOptions are the per-field settings of a bound field
type FieldOptions struct {
	Aggregate Aggregate `json:"aggregate,omitempty"`
	Sort      SortOrder `json:"sort,omitempty"`
}

func (o FieldOptions) normalized() FieldOptions {
	return FieldOptions{
		Aggregate: Aggregate(strings.ToLower(string(o.Aggregate))),
		Sort:      SortOrder(strings.ToLower(string(o.Sort))),
	}
}

func (o FieldOptions) check(slot, field string) *validation.Error {
	switch o.Aggregate {
	case AggNone, AggSum, AggAvg, AggCount, AggMax, AggMin:
	default:
		return validation.NewInvalidOption(slot, field, "aggregate", string(o.Aggregate))
	}
	switch o.Sort {
	case SortNone, SortAsc, SortDesc:
	default:
		return validation.NewInvalidOption(slot, field, "sort", string(o.Sort))
	}
	return nil
}
