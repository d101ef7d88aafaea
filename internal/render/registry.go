package render

import (
	"fmt"
	"strings"
	"sync"

	"github.com/cozy-insight/composer/internal/binding"
)

// Row is one record of a dataset query result, keyed by field name
type Row map[string]interface{}

// Renderer draws a chart from its config and the fetched rows. It is only
// called with at least one row.
type Renderer func(cfg RenderConfig, rows []Row) DrawnWidget

// Registration is one chart type: its slot table and its renderer
type Registration struct {
	ChartType string             `json:"chartType"`
	Slots     []binding.SlotSpec `json:"slots"`
	Renderer  Renderer           `json:"-"`
}

// Registry maps chart types to renderers and slot tables. It is filled at
// startup and shared read-only by every session, so lookups take a read lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Registration
	order   []string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Registration)}
}

// RegisterRenderer adds a chart type. The slot table is checked and copied;
// registering the same chart type twice is an error.
func (r *Registry) RegisterRenderer(chartType string, fn Renderer, slots []binding.SlotSpec) error {
	chartType = strings.TrimSpace(chartType)
	if chartType == "" {
		return fmt.Errorf("render: chart type is required")
	}
	if fn == nil {
		return fmt.Errorf("render: chart type %q: renderer is nil", chartType)
	}
	if err := binding.CheckSpecs(slots); err != nil {
		return fmt.Errorf("render: chart type %q: %w", chartType, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[chartType]; exists {
		return fmt.Errorf("render: chart type %q already registered", chartType)
	}
	cp := make([]binding.SlotSpec, len(slots))
	copy(cp, slots)
	r.entries[chartType] = Registration{ChartType: chartType, Slots: cp, Renderer: fn}
	r.order = append(r.order, chartType)
	return nil
}

// Unregister removes a chart type. Sessions still using it fall back to the
// unsupported placeholder on their next render.
func (r *Registry) Unregister(chartType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[chartType]; !ok {
		return false
	}
	delete(r.entries, chartType)
	for i, ct := range r.order {
		if ct == chartType {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Lookup returns the registration of a chart type
func (r *Registry) Lookup(chartType string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[chartType]
	return reg, ok
}

// SlotSpecs implements binding.SpecSource
func (r *Registry) SlotSpecs(chartType string) ([]binding.SlotSpec, bool) {
	reg, ok := r.Lookup(chartType)
	if !ok {
		return nil, false
	}
	out := make([]binding.SlotSpec, len(reg.Slots))
	copy(out, reg.Slots)
	return out, true
}

// ChartTypes returns the registered chart types in registration order
func (r *Registry) ChartTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Registrations returns every registration in registration order
func (r *Registry) Registrations() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, 0, len(r.order))
	for _, ct := range r.order {
		out = append(out, r.entries[ct])
	}
	return out
}
