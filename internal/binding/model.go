package binding

import (
	"github.com/cozy-insight/composer/internal/catalog"
	"github.com/cozy-insight/composer/internal/validation"
)

// Model is the binding state of one chart instance. Every mutation is
// validate-then-commit: a rejected call leaves the model exactly as it was.
//
// Assign and SetChartType enforce roles, cardinality and slot existence
// strictly. Required slots that have not been filled yet are a draft state;
// Validate reports them.
type Model struct {
	specs     SpecSource
	chartType string
	slots     []SlotSpec
	binding   Binding
	options   map[string]map[string]FieldOptions
}

// NewModel creates an empty binding for a registered chart type
func NewModel(specs SpecSource, chartType string) (*Model, error) {
	slots, ok := specs.SlotSpecs(chartType)
	if !ok {
		return nil, validation.NewUnknownChartType(chartType)
	}
	return &Model{
		specs:     specs,
		chartType: chartType,
		slots:     slots,
		binding:   Binding{},
		options:   map[string]map[string]FieldOptions{},
	}, nil
}

// ChartType returns the current chart type
func (m *Model) ChartType() string {
	return m.chartType
}

// Slots returns the slot table of the current chart type
func (m *Model) Slots() []SlotSpec {
	out := make([]SlotSpec, len(m.slots))
	copy(out, m.slots)
	return out
}

// Binding returns a copy of the current binding
func (m *Model) Binding() Binding {
	return m.binding.Clone()
}

// Validate checks the whole binding, including required slots
func (m *Model) Validate() error {
	return Check(m.chartType, m.slots, m.binding).ErrOrNil()
}

// Assign replaces the fields of a slot wholesale
func (m *Model) Assign(slot string, fields []catalog.FieldDescriptor) error {
	spec, ok := findSpec(m.slots, slot)
	if !ok {
		return validation.NewUnknownSlot(slot, m.chartType)
	}
	if len(fields) == 0 {
		if spec.Required {
			return validation.NewMissingRequiredSlot(slot)
		}
		m.drop(slot)
		return nil
	}
	if errs := checkSlot(spec, fields); len(errs) > 0 {
		return errs[0]
	}

	cp := make([]catalog.FieldDescriptor, len(fields))
	copy(cp, fields)
	m.binding[slot] = cp
	m.pruneOptions(slot)
	return nil
}

// Clear empties a slot. Slots left over from a restored binding that the
// chart type no longer declares may also be cleared.
func (m *Model) Clear(slot string) error {
	if _, ok := findSpec(m.slots, slot); !ok {
		if _, present := m.binding[slot]; !present {
			return validation.NewUnknownSlot(slot, m.chartType)
		}
	}
	m.drop(slot)
	return nil
}

// SetChartType switches the chart type, keeping the slots both types share.
// The kept fields must satisfy the new slot table as they are; nothing is
// moved between slots or re-classified.
func (m *Model) SetChartType(chartType string) error {
	slots, ok := m.specs.SlotSpecs(chartType)
	if !ok {
		return validation.NewUnknownChartType(chartType)
	}

	next := Binding{}
	for slot, fields := range m.binding {
		if _, declared := findSpec(slots, slot); declared {
			next[slot] = fields
		}
	}
	if errs := structural(Check(chartType, slots, next).Items); len(errs) > 0 {
		return errs[0]
	}

	m.chartType = chartType
	m.slots = slots
	m.binding = next.Clone()
	for slot := range m.options {
		if _, kept := m.binding[slot]; !kept {
			delete(m.options, slot)
		}
	}
	return nil
}

// SetOptions sets the aggregate and sort of a bound field
func (m *Model) SetOptions(slot, field string, opts FieldOptions) error {
	if _, ok := findSpec(m.slots, slot); !ok {
		return validation.NewUnknownSlot(slot, m.chartType)
	}
	if !m.bound(slot, field) {
		e := validation.NewUnknownField(field)
		e.Slot = slot
		return e
	}
	opts = opts.normalized()
	if err := opts.check(slot, field); err != nil {
		return err
	}

	if opts == (FieldOptions{}) {
		delete(m.options[slot], field)
		return nil
	}
	if m.options[slot] == nil {
		m.options[slot] = map[string]FieldOptions{}
	}
	m.options[slot][field] = opts
	return nil
}

// Options returns the settings of a bound field
func (m *Model) Options(slot, field string) FieldOptions {
	return m.options[slot][field]
}

// AllOptions returns a copy of every non-default field setting
func (m *Model) AllOptions() map[string]map[string]FieldOptions {
	out := make(map[string]map[string]FieldOptions, len(m.options))
	for slot, fields := range m.options {
		if len(fields) == 0 {
			continue
		}
		cp := make(map[string]FieldOptions, len(fields))
		for name, o := range fields {
			cp[name] = o
		}
		out[slot] = cp
	}
	return out
}

func (m *Model) bound(slot, field string) bool {
	for _, f := range m.binding[slot] {
		if f.Name == field {
			return true
		}
	}
	return false
}

func (m *Model) drop(slot string) {
	delete(m.binding, slot)
	delete(m.options, slot)
}

// pruneOptions forgets settings for fields no longer in the slot
func (m *Model) pruneOptions(slot string) {
	for field := range m.options[slot] {
		if !m.bound(slot, field) {
			delete(m.options[slot], field)
		}
	}
}

// Restore rebuilds a model from persisted state against the current catalog.
// Bound fields are replaced by their current descriptors. Fields the catalog
// no longer contains stay in their slot and are reported as UnknownField
// alongside any role, cardinality or required-slot violations. The model is
// returned whenever the chart type is registered, even if it does not validate.
func Restore(specs SpecSource, chartType string, b Binding, options map[string]map[string]FieldOptions, cat *catalog.Catalog) (*Model, error) {
	m, err := NewModel(specs, chartType)
	if err != nil {
		return nil, err
	}

	errs := validation.NewErrors()
	for _, slot := range b.Slots() {
		fields := make([]catalog.FieldDescriptor, 0, len(b[slot]))
		for _, f := range b[slot] {
			if current, ok := cat.Lookup(f.Name); ok {
				fields = append(fields, current)
				continue
			}
			e := validation.NewUnknownField(f.Name)
			e.Slot = slot
			errs.Add(e)
			fields = append(fields, f)
		}
		m.binding[slot] = fields
	}

	for slot, fields := range options {
		for field, o := range fields {
			o = o.normalized()
			if !m.bound(slot, field) || o == (FieldOptions{}) {
				continue
			}
			if err := o.check(slot, field); err != nil {
				errs.Add(err)
				continue
			}
			if m.options[slot] == nil {
				m.options[slot] = map[string]FieldOptions{}
			}
			m.options[slot][field] = o
		}
	}

	errs.Items = append(errs.Items, Check(chartType, m.slots, m.binding).Items...)
	return m, errs.ErrOrNil()
}
