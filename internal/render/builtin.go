package render

import (
	"sort"

	"github.com/spf13/cast"

	"github.com/cozy-insight/composer/internal/binding"
)

// chart is a built-in chart type: its slot table and, per slot, the spec key
// the renderer writes the bound field names under
type chart struct {
	name  string
	slots []binding.SlotSpec
	keys  map[string]string
}

func slot(id, label string, roles binding.RoleSet, required bool, card binding.Cardinality) binding.SlotSpec {
	return binding.SlotSpec{ID: id, Label: label, Allowed: roles, Required: required, Cardinality: card}
}

var builtinCharts = []chart{
	{
		name: "bar",
		slots: []binding.SlotSpec{
			slot("category", "Category", binding.Dimensions, true, binding.One),
			slot("value", "Value", binding.Measures, true, binding.One),
		},
		keys: map[string]string{"category": "yField", "value": "xField"},
	},
	{
		name: "column",
		slots: []binding.SlotSpec{
			slot("category", "Category", binding.Dimensions, true, binding.One),
			slot("value", "Value", binding.Measures, true, binding.One),
			slot("series", "Series", binding.Dimensions, false, binding.One),
		},
		keys: map[string]string{"category": "xField", "value": "yField", "series": "seriesField"},
	},
	{
		name: "line",
		slots: []binding.SlotSpec{
			slot("category", "X axis", binding.Dimensions, true, binding.One),
			slot("value", "Y axis", binding.Measures, true, binding.Many),
			slot("series", "Series", binding.Dimensions, false, binding.One),
		},
		keys: map[string]string{"category": "xField", "value": "yField", "series": "seriesField"},
	},
	{
		name: "area",
		slots: []binding.SlotSpec{
			slot("category", "X axis", binding.Dimensions, true, binding.One),
			slot("value", "Y axis", binding.Measures, true, binding.Many),
			slot("series", "Series", binding.Dimensions, false, binding.One),
		},
		keys: map[string]string{"category": "xField", "value": "yField", "series": "seriesField"},
	},
	{
		name: "pie",
		slots: []binding.SlotSpec{
			slot("color", "Sector", binding.Dimensions, true, binding.One),
			slot("angle", "Angle", binding.Measures, true, binding.One),
		},
		keys: map[string]string{"color": "colorField", "angle": "angleField"},
	},
	{
		name: "scatter",
		slots: []binding.SlotSpec{
			slot("x", "X axis", binding.Measures, true, binding.One),
			slot("y", "Y axis", binding.Measures, true, binding.One),
			slot("size", "Size", binding.Measures, false, binding.One),
			slot("series", "Series", binding.Dimensions, false, binding.One),
		},
		keys: map[string]string{"x": "xField", "y": "yField", "size": "sizeField", "series": "colorField"},
	},
	{
		name: "radar",
		slots: []binding.SlotSpec{
			slot("category", "Axis", binding.Dimensions, true, binding.One),
			slot("value", "Value", binding.Measures, true, binding.One),
			slot("series", "Series", binding.Dimensions, false, binding.One),
		},
		keys: map[string]string{"category": "xField", "value": "yField", "series": "seriesField"},
	},
	{
		name: "heatmap",
		slots: []binding.SlotSpec{
			slot("x", "Columns", binding.Dimensions, true, binding.One),
			slot("y", "Rows", binding.Dimensions, true, binding.One),
			slot("color", "Intensity", binding.Measures, true, binding.One),
		},
		keys: map[string]string{"x": "xField", "y": "yField", "color": "colorField"},
	},
	{
		name: "funnel",
		slots: []binding.SlotSpec{
			slot("stage", "Stage", binding.Dimensions, true, binding.One),
			slot("value", "Value", binding.Measures, true, binding.One),
		},
		keys: map[string]string{"stage": "xField", "value": "yField"},
	},
	{
		name: "gauge",
		slots: []binding.SlotSpec{
			slot("value", "Value", binding.Measures, true, binding.One),
			slot("target", "Target", binding.Measures, false, binding.One),
		},
		keys: map[string]string{"value": "valueField", "target": "targetField"},
	},
	{
		name: "wordcloud",
		slots: []binding.SlotSpec{
			slot("word", "Word", binding.Dimensions, true, binding.One),
			slot("weight", "Weight", binding.Measures, true, binding.One),
		},
		keys: map[string]string{"word": "wordField", "weight": "weightField"},
	},
	{
		name: "map",
		slots: []binding.SlotSpec{
			slot("longitude", "Longitude", binding.AnyRole, true, binding.One),
			slot("latitude", "Latitude", binding.AnyRole, true, binding.One),
			slot("value", "Value", binding.Measures, false, binding.One),
			slot("label", "Label", binding.Dimensions, false, binding.One),
		},
		keys: map[string]string{"longitude": "longitudeField", "latitude": "latitudeField", "value": "sizeField", "label": "labelField"},
	},
	{
		name: "table",
		slots: []binding.SlotSpec{
			slot("columns", "Columns", binding.AnyRole, true, binding.Many),
		},
		keys: map[string]string{"columns": "columns"},
	},
}

// RegisterBuiltins registers the standard chart types
func RegisterBuiltins(r *Registry) error {
	for _, c := range builtinCharts {
		if err := r.RegisterRenderer(c.name, specRenderer(c), c.slots); err != nil {
			return err
		}
	}
	return nil
}

// NewBuiltinRegistry returns a registry holding the standard chart types
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		panic(err)
	}
	return r
}

// specRenderer builds a declarative chart spec: the bound field names under
// the chart's spec keys, the style, and the rows reduced to bound columns
func specRenderer(c chart) Renderer {
	return func(cfg RenderConfig, rows []Row) DrawnWidget {
		spec := map[string]interface{}{"type": c.name}
		for _, s := range c.slots {
			names := cfg.FieldNames(s.ID)
			if len(names) == 0 {
				continue
			}
			if s.Cardinality == binding.One {
				spec[c.keys[s.ID]] = names[0]
			} else {
				spec[c.keys[s.ID]] = names
			}
		}
		if cfg.Style.Title != "" {
			spec["title"] = cfg.Style.Title
		}
		if cfg.Style.Legend != LegendAuto {
			spec["legend"] = cfg.Style.Legend
		}
		spec["label"] = cfg.Style.ShowLabel
		if len(cfg.Style.Colors) > 0 {
			spec["color"] = cfg.Style.Colors
		}
		spec["data"] = project(cfg, rows)
		return DrawnWidget{ChartType: cfg.ChartType, Spec: spec}
	}
}

// project keeps the bound columns of each row and applies the per-field sort
// settings in slot order
func project(cfg RenderConfig, rows []Row) []Row {
	cols := cfg.Columns()
	out := make([]Row, len(rows))
	for i, r := range rows {
		p := make(Row, len(cols))
		for _, c := range cols {
			if v, ok := r[c]; ok {
				p[c] = v
			}
		}
		out[i] = p
	}

	var keys []BoundField
	for _, s := range cfg.Slots {
		for _, f := range s.Fields {
			if f.Sort != binding.SortNone {
				keys = append(keys, f)
			}
		}
	}
	if len(keys) == 0 {
		return out
	}
	sort.SliceStable(out, func(i, j int) bool {
		for _, k := range keys {
			c := compareValues(out[i][k.Field.Name], out[j][k.Field.Name])
			if c == 0 {
				continue
			}
			if k.Sort == binding.SortDesc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	return out
}

// compareValues orders numbers numerically and everything else as text
func compareValues(a, b interface{}) int {
	fa, errA := cast.ToFloat64E(a)
	fb, errB := cast.ToFloat64E(b)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	sa, sb := cast.ToString(a), cast.ToString(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	}
	return 0
}
