package render

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cozy-insight/composer/internal/binding"
	"github.com/cozy-insight/composer/internal/catalog"
	"github.com/cozy-insight/composer/internal/filter"
)

// ErrInvalidStyle is wrapped by every Style.Validate failure
var ErrInvalidStyle = errors.New("invalid style")

// Legend is where a chart legend is drawn
type Legend string

const (
	LegendAuto   Legend = ""
	LegendTop    Legend = "top"
	LegendBottom Legend = "bottom"
	LegendLeft   Legend = "left"
	LegendRight  Legend = "right"
	LegendHidden Legend = "hidden"
)

// Style holds the presentation options of a chart
type Style struct {
	Title     string   `json:"title,omitempty"`
	Legend    Legend   `json:"legend,omitempty"`
	ShowLabel bool     `json:"showLabel,omitempty"`
	Colors    []string `json:"colors,omitempty"`
}

// Validate rejects unknown legend positions and malformed colors
func (s Style) Validate() error {
	switch s.Legend {
	case LegendAuto, LegendTop, LegendBottom, LegendLeft, LegendRight, LegendHidden:
	default:
		return fmt.Errorf("render: %w: unknown legend position %q", ErrInvalidStyle, s.Legend)
	}
	for _, c := range s.Colors {
		if !isHexColor(c) {
			return fmt.Errorf("render: %w: color %q is not #rgb or #rrggbb", ErrInvalidStyle, c)
		}
	}
	return nil
}

func isHexColor(c string) bool {
	if !strings.HasPrefix(c, "#") || (len(c) != 4 && len(c) != 7) {
		return false
	}
	for _, r := range c[1:] {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

func (s Style) clone() Style {
	if s.Colors != nil {
		s.Colors = append([]string(nil), s.Colors...)
	}
	return s
}

// BoundField is a field placed in a slot together with its settings
type BoundField struct {
	Field     catalog.FieldDescriptor `json:"field"`
	Aggregate binding.Aggregate       `json:"aggregate,omitempty"`
	Sort      binding.SortOrder       `json:"sort,omitempty"`
}

// SlotConfig is one populated slot
type SlotConfig struct {
	Slot   string       `json:"slot"`
	Fields []BoundField `json:"fields"`
}

// RenderConfig is the normalized description of what to draw. A new value is
// built for every change; renderers must treat it as read-only.
type RenderConfig struct {
	ChartType string          `json:"chartType"`
	DatasetID string          `json:"datasetId"`
	Slots     []SlotConfig    `json:"slots"`
	Filters   []filter.Clause `json:"filters"`
	Style     Style           `json:"style"`
}

// NewRenderConfig normalizes a validated binding, the filters and the style.
// Slots appear in slot-table order; empty optional slots are omitted.
func NewRenderConfig(datasetID string, m *binding.Model, filters *filter.Set, style Style) (RenderConfig, error) {
	if err := m.Validate(); err != nil {
		return RenderConfig{}, err
	}
	if err := style.Validate(); err != nil {
		return RenderConfig{}, err
	}
	return Describe(datasetID, m, filters, style), nil
}

// Describe builds the config without validating it, so that incomplete
// drafts can be persisted
func Describe(datasetID string, m *binding.Model, filters *filter.Set, style Style) RenderConfig {
	b := m.Binding()
	cfg := RenderConfig{
		ChartType: m.ChartType(),
		DatasetID: datasetID,
		Slots:     []SlotConfig{},
		Filters:   filters.Clauses(),
		Style:     style.clone(),
	}
	for _, spec := range m.Slots() {
		fields := b.Fields(spec.ID)
		if len(fields) == 0 {
			continue
		}
		sc := SlotConfig{Slot: spec.ID, Fields: make([]BoundField, 0, len(fields))}
		for _, f := range fields {
			opts := m.Options(spec.ID, f.Name)
			sc.Fields = append(sc.Fields, BoundField{Field: f, Aggregate: opts.Aggregate, Sort: opts.Sort})
		}
		cfg.Slots = append(cfg.Slots, sc)
	}
	// slots left over from a restore that the chart type does not declare
	for _, slot := range b.Slots() {
		if cfg.Slot(slot) != nil {
			continue
		}
		sc := SlotConfig{Slot: slot}
		for _, f := range b.Fields(slot) {
			opts := m.Options(slot, f.Name)
			sc.Fields = append(sc.Fields, BoundField{Field: f, Aggregate: opts.Aggregate, Sort: opts.Sort})
		}
		cfg.Slots = append(cfg.Slots, sc)
	}
	return cfg
}

// Slot returns the fields bound to a slot
func (c RenderConfig) Slot(id string) []BoundField {
	for _, s := range c.Slots {
		if s.Slot == id {
			return s.Fields
		}
	}
	return nil
}

// FieldName returns the name of the first field in a slot, or ""
func (c RenderConfig) FieldName(slot string) string {
	if fields := c.Slot(slot); len(fields) > 0 {
		return fields[0].Field.Name
	}
	return ""
}

// FieldNames returns the names of every field in a slot
func (c RenderConfig) FieldNames(slot string) []string {
	fields := c.Slot(slot)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, f.Field.Name)
	}
	return out
}

// Binding rebuilds the slot binding the config was derived from
func (c RenderConfig) Binding() binding.Binding {
	b := binding.Binding{}
	for _, s := range c.Slots {
		for _, f := range s.Fields {
			b[s.Slot] = append(b[s.Slot], f.Field)
		}
	}
	return b
}

// Options rebuilds the per-field settings the config was derived from
func (c RenderConfig) Options() map[string]map[string]binding.FieldOptions {
	out := map[string]map[string]binding.FieldOptions{}
	for _, s := range c.Slots {
		for _, f := range s.Fields {
			opts := binding.FieldOptions{Aggregate: f.Aggregate, Sort: f.Sort}
			if opts == (binding.FieldOptions{}) {
				continue
			}
			if out[s.Slot] == nil {
				out[s.Slot] = map[string]binding.FieldOptions{}
			}
			out[s.Slot][f.Field.Name] = opts
		}
	}
	return out
}

// Columns lists the distinct bound field names in slot order
func (c RenderConfig) Columns() []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range c.Slots {
		for _, f := range s.Fields {
			if !seen[f.Field.Name] {
				seen[f.Field.Name] = true
				out = append(out, f.Field.Name)
			}
		}
	}
	return out
}
