package composition

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/cozy-insight/composer/internal/binding"
	"github.com/cozy-insight/composer/internal/catalog"
	"github.com/cozy-insight/composer/internal/filter"
	"github.com/cozy-insight/composer/internal/layout"
	"github.com/cozy-insight/composer/internal/permission"
	"github.com/cozy-insight/composer/internal/render"
	"github.com/cozy-insight/composer/internal/validation"
)

// ErrClosed is returned by every operation after Close
var ErrClosed = errors.New("composition: session closed")

// RowSource fetches the rows of a dataset under a filter set
type RowSource interface {
	FetchRows(ctx context.Context, datasetID string, filters []filter.Clause) ([]render.Row, error)
}

// Options configures a Controller
type Options struct {
	ChartType   string
	ChartID     string
	DashboardID string
	Grid        layout.Config
	Registry    *render.Registry
	Gate        permission.Gate
	Recorder    Recorder
	Observer    render.Observer
	Logger      *zap.Logger
}

// Controller owns the binding, filter set and layout of one editing session.
// Every mutation validates before it commits and returns the rejection
// reason; a rejected call leaves all state as it was.
//
// A Controller is not safe for concurrent use. Callers serialize access.
type Controller struct {
	catalog     *catalog.Catalog
	registry    *render.Registry
	model       *binding.Model
	filters     *filter.Set
	style       render.Style
	grid        *layout.Grid
	dispatcher  *render.Dispatcher
	gate        permission.Gate
	rec         Recorder
	log         *zap.Logger
	chartID     string
	dashboardID string
	closed      bool
}

// New creates a session over a dataset catalog
func New(cat *catalog.Catalog, opts Options) (*Controller, error) {
	if opts.Registry == nil {
		opts.Registry = render.NewBuiltinRegistry()
	}
	if opts.Grid == (layout.Config{}) {
		opts.Grid = layout.DefaultConfig()
	}
	if opts.Gate == nil {
		opts.Gate = permission.AllowAll()
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ChartType == "" {
		opts.ChartType = "bar"
	}

	model, err := binding.NewModel(opts.Registry, opts.ChartType)
	if err != nil {
		return nil, err
	}
	grid, err := layout.New(opts.Grid)
	if err != nil {
		return nil, err
	}

	log := opts.Logger.With(zap.String("dataset_id", cat.DatasetID()), zap.String("chart_id", opts.ChartID))
	dopts := []render.Option{render.WithLogger(log)}
	if opts.Observer != nil {
		dopts = append(dopts, render.WithObserver(opts.Observer))
	}

	return &Controller{
		catalog:     cat,
		registry:    opts.Registry,
		model:       model,
		filters:     filter.NewSet(),
		grid:        grid,
		dispatcher:  render.NewDispatcher(opts.Registry, dopts...),
		gate:        opts.Gate,
		rec:         opts.Recorder,
		log:         log,
		chartID:     opts.ChartID,
		dashboardID: opts.DashboardID,
	}, nil
}

// Catalog returns the dataset catalog
func (c *Controller) Catalog() *catalog.Catalog { return c.catalog }

// ChartID returns the chart the session edits
func (c *Controller) ChartID() string { return c.chartID }

// DashboardID returns the dashboard the session is saved under
func (c *Controller) DashboardID() string { return c.dashboardID }

// Describe returns the current configuration as it would be persisted,
// drafts included. Unlike RenderConfig it never fails.
func (c *Controller) Describe() render.RenderConfig {
	return render.Describe(c.catalog.DatasetID(), c.model, c.filters, c.style)
}

// ChartType returns the current chart type
func (c *Controller) ChartType() string { return c.model.ChartType() }

// Slots returns the slot table of the current chart type
func (c *Controller) Slots() []binding.SlotSpec { return c.model.Slots() }

// Binding returns a copy of the current binding
func (c *Controller) Binding() binding.Binding { return c.model.Binding() }

// Filters returns the filter clauses in order
func (c *Controller) Filters() []filter.Clause { return c.filters.Clauses() }

// Style returns the chart style
func (c *Controller) Style() render.Style { return c.style }

// Widgets returns the grid items top to bottom
func (c *Controller) Widgets() []layout.Item { return c.grid.Items() }

// Grid returns a copy of the layout
func (c *Controller) Grid() *layout.Grid { return c.grid.Clone() }

// Closed reports whether Close was called
func (c *Controller) Closed() bool { return c.closed }

// Validate reports everything that currently blocks rendering: binding
// problems and filter clauses whose field has gone or changed
func (c *Controller) Validate() error {
	errs := validation.NewErrors()
	errs.Merge(c.model.Validate())
	errs.Merge(c.filters.Check(c.catalog))
	return errs.ErrOrNil()
}

// SetChartType switches the chart type
func (c *Controller) SetChartType(chartType string) error {
	return c.mutate(OpSetChartType, func() error {
		return c.model.SetChartType(chartType)
	})
}

// AssignSlot replaces the fields of a slot with the named catalog fields
func (c *Controller) AssignSlot(slot string, fieldNames ...string) error {
	return c.mutate(OpAssignSlot, func() error {
		fields := make([]catalog.FieldDescriptor, 0, len(fieldNames))
		for _, name := range fieldNames {
			f, ok := c.catalog.Lookup(name)
			if !ok {
				e := validation.NewUnknownField(name)
				e.Slot = slot
				return e
			}
			fields = append(fields, f)
		}
		return c.model.Assign(slot, fields)
	})
}

// ClearSlot empties a slot
func (c *Controller) ClearSlot(slot string) error {
	return c.mutate(OpClearSlot, func() error {
		return c.model.Clear(slot)
	})
}

// SetFieldOptions sets the aggregate and sort of a bound field
func (c *Controller) SetFieldOptions(slot, field string, opts binding.FieldOptions) error {
	return c.mutate(OpSetFieldOptions, func() error {
		return c.model.SetOptions(slot, field, opts)
	})
}

// SetStyle replaces the chart style
func (c *Controller) SetStyle(style render.Style) error {
	return c.mutate(OpSetStyle, func() error {
		if err := style.Validate(); err != nil {
			return err
		}
		c.style = style
		return nil
	})
}

// AddFilter appends a clause on a catalog field
func (c *Controller) AddFilter(field string, op filter.OperatorID, value filter.Value) (filter.Clause, error) {
	var added filter.Clause
	err := c.mutate(OpAddFilter, func() error {
		f, ok := c.catalog.Lookup(field)
		if !ok {
			return validation.NewUnknownField(field)
		}
		var err error
		added, err = c.filters.Add(f, op, value)
		return err
	})
	return added, err
}

// FilterPatch is a partial clause update addressed by field name
type FilterPatch struct {
	Field    *string
	Operator *filter.OperatorID
	Value    *filter.Value
}

// UpdateFilter applies a patch to the clause at index
func (c *Controller) UpdateFilter(index int, p FilterPatch) (filter.Clause, error) {
	var updated filter.Clause
	err := c.mutate(OpUpdateFilter, func() error {
		patch := filter.Patch{Operator: p.Operator, Value: p.Value}
		if p.Field != nil {
			f, ok := c.catalog.Lookup(*p.Field)
			if !ok {
				return validation.NewUnknownField(*p.Field).At(index)
			}
			patch.Field = &f
		}
		var err error
		updated, err = c.filters.Update(index, patch)
		return err
	})
	return updated, err
}

// RemoveFilter deletes the clause at index
func (c *Controller) RemoveFilter(index int) error {
	return c.mutate(OpRemoveFilter, func() error {
		return c.filters.Remove(index)
	})
}

// PlaceWidget adds a widget to the grid and returns where it landed
func (c *Controller) PlaceWidget(item layout.Item) (layout.Item, error) {
	var placed layout.Item
	err := c.arrange(OpPlaceWidget, func() error {
		var err error
		placed, err = c.grid.Place(item)
		return err
	})
	return placed, err
}

// MoveWidget moves a widget
func (c *Controller) MoveWidget(id string, x, y int) (layout.Item, error) {
	var moved layout.Item
	err := c.arrange(OpMoveWidget, func() error {
		var err error
		moved, err = c.grid.Move(id, x, y)
		return err
	})
	return moved, err
}

// ResizeWidget resizes a widget
func (c *Controller) ResizeWidget(id string, w, h int) (layout.Item, error) {
	var resized layout.Item
	err := c.arrange(OpResizeWidget, func() error {
		var err error
		resized, err = c.grid.Resize(id, w, h)
		return err
	})
	return resized, err
}

// RemoveWidget deletes a widget
func (c *Controller) RemoveWidget(id string) error {
	return c.arrange(OpRemoveWidget, func() error {
		return c.grid.Remove(id)
	})
}

// RenderConfig derives the normalized render configuration. It fails while
// the binding is incomplete or a filter no longer fits the catalog.
func (c *Controller) RenderConfig() (render.RenderConfig, error) {
	if c.closed {
		return render.RenderConfig{}, ErrClosed
	}
	if err := c.Validate(); err != nil {
		return render.RenderConfig{}, err
	}
	return render.NewRenderConfig(c.catalog.DatasetID(), c.model, c.filters, c.style)
}

// BeginRender starts a render of the current configuration. fetch is false
// when no rows are needed because the chart type has no renderer; the
// dispatcher is then UNSUPPORTED already.
func (c *Controller) BeginRender() (req render.Request, fetch bool, err error) {
	cfg, err := c.RenderConfig()
	if err != nil {
		c.reject(OpRender, err)
		return render.Request{}, false, err
	}
	c.rec.RecordOperation(string(OpRender))

	req, err = c.dispatcher.Begin(cfg)
	if render.IsDispatchKind(err, render.UnsupportedChartType) {
		c.log.Info("no renderer for chart type", zap.String("chart_type", cfg.ChartType))
		return req, false, nil
	}
	return req, true, err
}

// DeliverRows hands the outcome of a fetch to the dispatcher. applied is
// false when the response belongs to a superseded request and was dropped.
func (c *Controller) DeliverRows(seq uint64, rows []render.Row, fetchErr error) (frame render.Frame, applied bool) {
	frame, err := c.dispatcher.Resolve(seq, rows, fetchErr)
	return frame, err == nil
}

// Refresh renders synchronously: begin, fetch through src, deliver
func (c *Controller) Refresh(ctx context.Context, src RowSource) (render.Frame, error) {
	req, fetch, err := c.BeginRender()
	if err != nil {
		return c.dispatcher.Frame(), err
	}
	if !fetch {
		return c.dispatcher.Frame(), nil
	}
	rows, fetchErr := src.FetchRows(ctx, req.Config.DatasetID, req.Config.Filters)
	frame, _ := c.DeliverRows(req.Seq, rows, fetchErr)
	return frame, nil
}

// Frame returns what the chart currently shows
func (c *Controller) Frame() render.Frame {
	return c.dispatcher.Frame()
}

// Close ends the session: cached permission answers are dropped and any
// response still in flight becomes stale
func (c *Controller) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.dispatcher.Reset()
	if inv, ok := c.gate.(interface{ Invalidate(context.Context) error }); ok {
		return inv.Invalidate(ctx)
	}
	return nil
}

// mutate runs a change to the render configuration; in-flight fetches for
// the previous configuration become stale once it commits
func (c *Controller) mutate(op Op, fn func() error) error {
	if err := c.arrange(op, fn); err != nil {
		return err
	}
	c.dispatcher.Supersede()
	return nil
}

// arrange runs a change and records its outcome
func (c *Controller) arrange(op Op, fn func() error) error {
	if c.closed {
		c.reject(op, ErrClosed)
		return ErrClosed
	}
	if err := fn(); err != nil {
		c.reject(op, err)
		return err
	}
	c.rec.RecordOperation(string(op))
	return nil
}

func (c *Controller) reject(op Op, err error) {
	kind := KindOf(err)
	c.log.Debug("operation rejected",
		zap.String("op", string(op)),
		zap.String("kind", kind),
		zap.Error(err),
	)
	c.rec.RecordRejection(string(op), kind)
}
