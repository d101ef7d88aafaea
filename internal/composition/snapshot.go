package composition

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cozy-insight/composer/internal/binding"
	"github.com/cozy-insight/composer/internal/catalog"
	"github.com/cozy-insight/composer/internal/filter"
	"github.com/cozy-insight/composer/internal/layout"
	"github.com/cozy-insight/composer/internal/render"
	"github.com/cozy-insight/composer/internal/validation"
)

// SnapshotVersion is the document version written by Snapshot
const SnapshotVersion = 1

// ErrRestoreRejected wraps the reason a snapshot could not be restored at
// all. Restore errors that do not wrap it are problems of a restored state.
var ErrRestoreRejected = errors.New("composition: snapshot rejected")

// Snapshot is the persisted form of a session: the render configuration,
// drafts included, and the grid
type Snapshot struct {
	Version     int                 `json:"version"`
	DashboardID string              `json:"dashboardId,omitempty"`
	ChartID     string              `json:"chartId,omitempty"`
	Config      render.RenderConfig `json:"config"`
	Layout      layout.State        `json:"layout"`
}

// Marshal encodes the snapshot as JSON
func (s Snapshot) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSnapshot parses a JSON snapshot
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("composition: decode snapshot: %w", err)
	}
	if s.Version > SnapshotVersion {
		return Snapshot{}, fmt.Errorf("composition: snapshot version %d is newer than %d", s.Version, SnapshotVersion)
	}
	return s, nil
}

// Snapshot captures the session state. Incomplete bindings are captured as
// they are.
func (c *Controller) Snapshot() (Snapshot, error) {
	if c.closed {
		return Snapshot{}, ErrClosed
	}
	c.rec.RecordOperation(string(OpSnapshot))
	return Snapshot{
		Version:     SnapshotVersion,
		DashboardID: c.dashboardID,
		ChartID:     c.chartID,
		Config:      render.Describe(c.catalog.DatasetID(), c.model, c.filters, c.style),
		Layout:      c.grid.State(),
	}, nil
}

// Restore replaces the session state with a snapshot and re-validates it
// against the current catalog. Fields removed from the dataset since the
// snapshot was taken stay where they were and are reported, so the returned
// error may list validation problems even though the state was restored.
//
// The snapshot is rejected, and the session left untouched, when its chart
// type is not registered, its layout is inconsistent, its style is invalid,
// or it belongs to another dataset.
func (c *Controller) Restore(s Snapshot) error {
	if c.closed {
		c.reject(OpRestore, ErrClosed)
		return ErrClosed
	}
	if s.Config.DatasetID != "" && s.Config.DatasetID != c.catalog.DatasetID() {
		return c.rejectRestore(fmt.Errorf("composition: snapshot is for dataset %s, session uses %s", s.Config.DatasetID, c.catalog.DatasetID()))
	}
	if s.Layout.Config == (layout.Config{}) {
		s.Layout.Config = c.grid.Config()
	}
	grid, err := layout.FromState(s.Layout)
	if err != nil {
		return c.rejectRestore(err)
	}
	if err := s.Config.Style.Validate(); err != nil {
		return c.rejectRestore(err)
	}
	model, verr := binding.Restore(c.registry, s.Config.ChartType, s.Config.Binding(), s.Config.Options(), c.catalog)
	if model == nil {
		return c.rejectRestore(verr)
	}
	filters := filter.FromClauses(currentClauses(s.Config.Filters, c.catalog))

	c.model = model
	c.filters = filters
	c.style = s.Config.Style
	c.grid = grid
	c.dispatcher.Reset()
	c.rec.RecordOperation(string(OpRestore))

	errs := validation.NewErrors()
	errs.Merge(verr)
	errs.Merge(filters.Check(c.catalog))
	return errs.ErrOrNil()
}

// FromSnapshot opens a session directly from a snapshot. The controller is
// returned whenever the snapshot could be restored, together with any
// validation problems against the current catalog.
func FromSnapshot(cat *catalog.Catalog, s Snapshot, opts Options) (*Controller, error) {
	opts.ChartType = s.Config.ChartType
	if opts.DashboardID == "" {
		opts.DashboardID = s.DashboardID
	}
	if opts.ChartID == "" {
		opts.ChartID = s.ChartID
	}
	c, err := New(cat, opts)
	if err != nil {
		return nil, err
	}
	if err := c.Restore(s); err != nil {
		if errors.Is(err, ErrRestoreRejected) {
			return nil, err
		}
		return c, err
	}
	return c, nil
}

func (c *Controller) rejectRestore(err error) error {
	c.reject(OpRestore, err)
	return fmt.Errorf("%w: %w", ErrRestoreRejected, err)
}

// currentClauses swaps persisted field descriptors for their current
// versions; clauses on removed fields keep the persisted descriptor
func currentClauses(clauses []filter.Clause, cat *catalog.Catalog) []filter.Clause {
	out := make([]filter.Clause, len(clauses))
	for i, cl := range clauses {
		if f, ok := cat.Lookup(cl.Field.Name); ok {
			cl.Field = f
		}
		out[i] = cl
	}
	return out
}
