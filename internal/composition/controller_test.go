package composition

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cozy-insight/composer/internal/binding"
	"github.com/cozy-insight/composer/internal/cache"
	"github.com/cozy-insight/composer/internal/catalog"
	"github.com/cozy-insight/composer/internal/filter"
	"github.com/cozy-insight/composer/internal/layout"
	"github.com/cozy-insight/composer/internal/permission"
	"github.com/cozy-insight/composer/internal/render"
	"github.com/cozy-insight/composer/internal/validation"
)

var salesFields = []catalog.FieldDescriptor{
	{Name: "region", DeclaredType: catalog.TypeText, Role: catalog.RoleDimension},
	{Name: "month", DeclaredType: catalog.TypeTime, Role: catalog.RoleDimension},
	{Name: "revenue", DeclaredType: catalog.TypeDecimal, Role: catalog.RoleMeasure},
	{Name: "units", DeclaredType: catalog.TypeInteger, Role: catalog.RoleMeasure},
}

func salesCatalog(t *testing.T, drop ...string) *catalog.Catalog {
	t.Helper()
	skip := map[string]bool{}
	for _, name := range drop {
		skip[name] = true
	}
	var fields []catalog.FieldDescriptor
	for _, f := range salesFields {
		if !skip[f.Name] {
			fields = append(fields, f)
		}
	}
	cat, err := catalog.NewCatalog("sales", fields)
	require.NoError(t, err)
	return cat
}

type countingRecorder struct {
	ops        map[string]int
	rejections map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{ops: map[string]int{}, rejections: map[string]int{}}
}

func (r *countingRecorder) RecordOperation(op string) { r.ops[op]++ }
func (r *countingRecorder) RecordRejection(op, kind string) {
	r.rejections[op+"/"+kind]++
}

type stubRows struct {
	rows  []render.Row
	err   error
	calls int
}

func (s *stubRows) FetchRows(_ context.Context, _ string, _ []filter.Clause) ([]render.Row, error) {
	s.calls++
	return s.rows, s.err
}

type countingChecker struct {
	calls int
}

func (c *countingChecker) HasPermission(context.Context, string, string, string) (bool, error) {
	c.calls++
	return true, nil
}

func newController(t *testing.T, opts Options) *Controller {
	t.Helper()
	c, err := New(salesCatalog(t), opts)
	require.NoError(t, err)
	return c
}

func firstField(c *Controller, slot string) string {
	f, _ := c.Binding().First(slot)
	return f.Name
}

func TestNew(t *testing.T) {
	c := newController(t, Options{})
	assert.Equal(t, "bar", c.ChartType())
	assert.Len(t, c.Slots(), 2)
	assert.Empty(t, c.Binding())
	assert.Empty(t, c.Filters())
	assert.Equal(t, layout.DefaultConfig(), c.Grid().Config())

	_, err := New(salesCatalog(t), Options{ChartType: "sankey"})
	assert.True(t, validation.IsKind(err, validation.UnknownChartType))

	_, err = New(salesCatalog(t), Options{Grid: layout.Config{Cols: -1}})
	assert.Error(t, err)
}

func TestController_BarRoleMismatch(t *testing.T) {
	rec := newCountingRecorder()
	c := newController(t, Options{Recorder: rec})

	err := c.AssignSlot("category", "revenue")
	var ve *validation.Error
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, validation.RoleMismatch, ve.Kind)
	assert.Equal(t, "category", ve.Slot)
	assert.Equal(t, "revenue", ve.Field)
	assert.Empty(t, c.Binding(), "rejected assignment leaves the binding unchanged")
	assert.Equal(t, 1, rec.rejections["AssignSlot/RoleMismatch"])

	require.NoError(t, c.AssignSlot("category", "region"))
	require.NoError(t, c.AssignSlot("value", "revenue"))
	assert.Equal(t, 2, rec.ops["AssignSlot"])

	err = c.AssignSlot("value", "profit")
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, validation.UnknownField, ve.Kind)
	assert.Equal(t, "value", ve.Slot)
	assert.Equal(t, "revenue", firstField(c, "value"))
}

func TestController_DraftBlocksRender(t *testing.T) {
	c := newController(t, Options{})
	require.NoError(t, c.AssignSlot("category", "region"))

	_, err := c.RenderConfig()
	assert.True(t, validation.IsKind(err, validation.MissingRequiredSlot))
	_, _, err = c.BeginRender()
	assert.Error(t, err)
	assert.Equal(t, render.StateEmpty, c.Frame().State)

	require.NoError(t, c.AssignSlot("value", "revenue"))
	cfg, err := c.RenderConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"region", "revenue"}, cfg.Columns())

	require.NoError(t, c.ClearSlot("value"))
	_, err = c.RenderConfig()
	assert.Error(t, err)
}

func TestController_Filters(t *testing.T) {
	c := newController(t, Options{})

	_, err := c.AddFilter("region", filter.OpGt, filter.Scalar("east"))
	assert.True(t, validation.IsKind(err, validation.InvalidOperator))
	_, err = c.AddFilter("profit", filter.OpEq, filter.Scalar(1))
	assert.True(t, validation.IsKind(err, validation.UnknownField))
	assert.Empty(t, c.Filters())

	added, err := c.AddFilter("units", filter.OpGte, filter.Scalar(10))
	require.NoError(t, err)
	assert.Equal(t, "units", added.Field.Name)

	field := "revenue"
	updated, err := c.UpdateFilter(0, FilterPatch{Field: &field})
	require.NoError(t, err)
	assert.Equal(t, "revenue", updated.Field.Name)
	assert.Equal(t, filter.OpGte, updated.Operator)

	missing := "profit"
	_, err = c.UpdateFilter(0, FilterPatch{Field: &missing})
	var ve *validation.Error
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, 0, ve.Index)

	_, err = c.UpdateFilter(3, FilterPatch{})
	assert.True(t, validation.IsKind(err, validation.IndexOutOfRange))

	require.NoError(t, c.RemoveFilter(0))
	assert.Empty(t, c.Filters())
	assert.True(t, validation.IsKind(c.RemoveFilter(0), validation.IndexOutOfRange))
}

func TestController_Style(t *testing.T) {
	c := newController(t, Options{})
	require.NoError(t, c.SetStyle(render.Style{Title: "Sales", Colors: []string{"#123456"}}))
	assert.ErrorIs(t, c.SetStyle(render.Style{Legend: "middle"}), render.ErrInvalidStyle)
	assert.Equal(t, "Sales", c.Style().Title)
}

func TestController_FieldOptionsAndChartType(t *testing.T) {
	c := newController(t, Options{})
	require.NoError(t, c.AssignSlot("category", "region"))
	require.NoError(t, c.AssignSlot("value", "revenue"))
	require.NoError(t, c.SetFieldOptions("value", "revenue", binding.FieldOptions{Aggregate: binding.AggSum}))
	assert.True(t, validation.IsKind(
		c.SetFieldOptions("value", "revenue", binding.FieldOptions{Aggregate: "median"}),
		validation.InvalidOption,
	))

	require.NoError(t, c.SetChartType("column"))
	cfg, err := c.RenderConfig()
	require.NoError(t, err)
	assert.Equal(t, "column", cfg.ChartType)
	assert.Equal(t, binding.AggSum, cfg.Slot("value")[0].Aggregate)

	assert.True(t, validation.IsKind(c.SetChartType("sankey"), validation.UnknownChartType))
	assert.Equal(t, "column", c.ChartType())
}

func TestController_Widgets(t *testing.T) {
	rec := newCountingRecorder()
	c := newController(t, Options{Recorder: rec})

	a, err := c.PlaceWidget(layout.Item{ID: "a", W: 6, H: 4, Y: layout.Append, Kind: layout.KindChart})
	require.NoError(t, err)
	b, err := c.PlaceWidget(layout.Item{ID: "b", W: 6, H: 4, Y: layout.Append, Kind: layout.KindText})
	require.NoError(t, err)
	assert.Equal(t, layout.Position{X: 0, Y: 0}, a.Position())
	assert.Equal(t, layout.Position{X: 6, Y: 0}, b.Position())

	_, err = c.PlaceWidget(layout.Item{ID: "a", W: 2, H: 2})
	assert.True(t, layout.IsKind(err, layout.DuplicateItem))

	_, err = c.ResizeWidget("a", 13, 4)
	assert.True(t, layout.IsKind(err, layout.BoundsViolation))

	moved, err := c.MoveWidget("b", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, moved.Y)
	assert.Len(t, c.Widgets(), 2)

	require.NoError(t, c.RemoveWidget("a"))
	assert.True(t, layout.IsKind(c.RemoveWidget("a"), layout.ItemNotFound))

	assert.Equal(t, 2, rec.ops["PlaceWidget"])
	assert.Equal(t, 1, rec.rejections["PlaceWidget/DuplicateItem"])
	assert.Equal(t, 1, rec.rejections["ResizeWidget/BoundsViolation"])
	assert.Equal(t, 1, rec.rejections["RemoveWidget/ItemNotFound"])
}

func TestController_Refresh(t *testing.T) {
	c := newController(t, Options{})
	require.NoError(t, c.AssignSlot("category", "region"))
	require.NoError(t, c.AssignSlot("value", "revenue"))

	tests := []struct {
		name string
		src  *stubRows
		want render.State
	}{
		{"rows", &stubRows{rows: []render.Row{{"region": "east", "revenue": 4.5}}}, render.StateReady},
		{"no rows", &stubRows{}, render.StateEmpty},
		{"fetch error", &stubRows{err: errors.New("timeout")}, render.StateEmpty},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := c.Refresh(context.Background(), tt.src)
			require.NoError(t, err)
			assert.Equal(t, tt.want, frame.State)
			assert.Equal(t, 1, tt.src.calls)
			assert.Equal(t, frame, c.Frame())
		})
	}
}

func TestController_UnsupportedSkipsFetch(t *testing.T) {
	reg := render.NewBuiltinRegistry()
	noop := func(render.RenderConfig, []render.Row) render.DrawnWidget { return render.DrawnWidget{} }
	require.NoError(t, reg.RegisterRenderer("kpi", noop, []binding.SlotSpec{
		{ID: "value", Allowed: binding.Measures, Required: true, Cardinality: binding.One},
	}))

	c, err := New(salesCatalog(t), Options{ChartType: "kpi", Registry: reg})
	require.NoError(t, err)
	require.NoError(t, c.AssignSlot("value", "units"))
	reg.Unregister("kpi")

	src := &stubRows{rows: []render.Row{{"units": 1}}}
	frame, err := c.Refresh(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, render.StateUnsupported, frame.State)
	assert.Zero(t, src.calls)
}

func TestController_StaleAfterMutation(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	c := newController(t, Options{Logger: zap.New(core)})
	require.NoError(t, c.AssignSlot("category", "region"))
	require.NoError(t, c.AssignSlot("value", "revenue"))

	req, fetch, err := c.BeginRender()
	require.NoError(t, err)
	require.True(t, fetch)
	assert.Equal(t, render.StateLoading, c.Frame().State)

	require.NoError(t, c.AssignSlot("value", "units"))

	frame, applied := c.DeliverRows(req.Seq, []render.Row{{"region": "east", "revenue": 1}}, nil)
	assert.False(t, applied)
	assert.Equal(t, render.StateEmpty, frame.State)
	assert.Equal(t, 1, logs.FilterMessage("discarding stale dataset response").Len())

	req, _, err = c.BeginRender()
	require.NoError(t, err)
	assert.Equal(t, []string{"region", "units"}, req.Config.Columns())
	frame, applied = c.DeliverRows(req.Seq, []render.Row{{"region": "east", "units": 3}}, nil)
	assert.True(t, applied)
	assert.Equal(t, render.StateReady, frame.State)

	// rejected edits do not supersede
	seq := req.Seq
	assert.Error(t, c.AssignSlot("category", "units"))
	req, _, _ = c.BeginRender()
	assert.Equal(t, seq+1, req.Seq)
}

func TestController_RejectionsAreLogged(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	c := newController(t, Options{Logger: zap.New(core)})

	assert.Error(t, c.ClearSlot("size"))
	entries := logs.FilterMessage("operation rejected").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "ClearSlot", fields["op"])
	assert.Equal(t, "UnknownSlot", fields["kind"])
	assert.Equal(t, "sales", fields["dataset_id"])
}

func populated(t *testing.T, c *Controller) {
	t.Helper()
	require.NoError(t, c.SetChartType("line"))
	require.NoError(t, c.AssignSlot("category", "month"))
	require.NoError(t, c.AssignSlot("value", "revenue", "units"))
	require.NoError(t, c.SetFieldOptions("value", "units", binding.FieldOptions{Aggregate: binding.AggAvg, Sort: binding.SortDesc}))
	_, err := c.AddFilter("region", filter.OpEq, filter.Scalar("east"))
	require.NoError(t, err)
	_, err = c.AddFilter("revenue", filter.OpBetween, filter.Pair(100, 2500.5))
	require.NoError(t, err)
	require.NoError(t, c.SetStyle(render.Style{Title: "Monthly", Legend: render.LegendTop}))
	_, err = c.PlaceWidget(layout.Item{ID: "chart", W: 8, H: 6, Y: layout.Append, Kind: layout.KindChart, Payload: layout.Payload{ChartID: "c1"}})
	require.NoError(t, err)
	_, err = c.PlaceWidget(layout.Item{ID: "note", W: 4, H: 2, Y: layout.Append, Kind: layout.KindText, Payload: layout.Payload{Content: "Q3"}})
	require.NoError(t, err)
}

func TestController_SnapshotRoundTrip(t *testing.T) {
	c := newController(t, Options{ChartID: "c1", DashboardID: "d1"})
	populated(t, c)

	snap, err := c.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, SnapshotVersion, snap.Version)
	assert.Equal(t, "d1", snap.DashboardID)

	t.Run("in memory", func(t *testing.T) {
		other := newController(t, Options{})
		require.NoError(t, other.Restore(snap))
		assert.Equal(t, "line", other.ChartType())
		assert.True(t, other.Binding().Equal(c.Binding()))
		require.Len(t, other.Filters(), 2)
		for i, clause := range c.Filters() {
			assert.True(t, other.Filters()[i].Equal(clause))
		}
		assert.True(t, other.Grid().Equal(c.Grid()))
		assert.Equal(t, c.Style(), other.Style())
	})

	t.Run("json", func(t *testing.T) {
		data, err := snap.Marshal()
		require.NoError(t, err)
		decoded, err := DecodeSnapshot(data)
		require.NoError(t, err)

		restored, err := FromSnapshot(salesCatalog(t), decoded, Options{})
		require.NoError(t, err)
		assert.Equal(t, "c1", restored.chartID)
		assert.True(t, restored.Binding().Equal(c.Binding()))
		require.Len(t, restored.Filters(), 2)
		for i, clause := range c.Filters() {
			assert.True(t, restored.Filters()[i].Equal(clause), "filter %d", i)
		}
		assert.Equal(t, []interface{}{int64(100), 2500.5}, restored.Filters()[1].Value.Items())
		assert.True(t, restored.Grid().Equal(c.Grid()))

		want, err := c.RenderConfig()
		require.NoError(t, err)
		got, err := restored.RenderConfig()
		require.NoError(t, err)
		assert.Equal(t, want.Options(), got.Options())

		again, err := restored.Snapshot()
		require.NoError(t, err)
		againData, err := again.Marshal()
		require.NoError(t, err)
		assert.JSONEq(t, string(data), string(againData))
	})

	t.Run("draft", func(t *testing.T) {
		draft := newController(t, Options{})
		require.NoError(t, draft.AssignSlot("category", "region"))
		s, err := draft.Snapshot()
		require.NoError(t, err)

		restored, err := FromSnapshot(salesCatalog(t), s, Options{})
		require.Error(t, err)
		assert.True(t, validation.IsKind(err, validation.MissingRequiredSlot))
		require.NotNil(t, restored)
		assert.Equal(t, "region", firstField(restored, "category"))
	})

	_, err = DecodeSnapshot([]byte(`{"version":99}`))
	assert.Error(t, err)
}

func TestController_RestoreAfterFieldRemoval(t *testing.T) {
	c := newController(t, Options{})
	populated(t, c)
	_, err := c.AddFilter("units", filter.OpGt, filter.Scalar(2))
	require.NoError(t, err)
	snap, err := c.Snapshot()
	require.NoError(t, err)

	restored, err := FromSnapshot(salesCatalog(t, "units"), snap, Options{})
	require.Error(t, err)
	require.NotNil(t, restored)
	assert.NotErrorIs(t, err, ErrRestoreRejected)

	var agg *validation.Errors
	require.True(t, errors.As(err, &agg))
	var slotErr, filterErr bool
	for _, e := range agg.Items {
		if e.Kind != validation.UnknownField || e.Field != "units" {
			continue
		}
		if e.Slot == "value" {
			slotErr = true
		}
		if e.Index == 2 {
			filterErr = true
		}
	}
	assert.True(t, slotErr, "bound field reported with its slot")
	assert.True(t, filterErr, "filter reported with its index")

	// nothing silently dropped
	assert.Len(t, restored.Binding().Fields("value"), 2)
	assert.Len(t, restored.Filters(), 3)
	_, err = restored.RenderConfig()
	assert.True(t, validation.IsKind(err, validation.UnknownField))
}

func TestController_RejectedRestoreKeepsState(t *testing.T) {
	c := newController(t, Options{})
	populated(t, c)
	before, err := c.Snapshot()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(s *Snapshot)
	}{
		{"overlapping layout", func(s *Snapshot) {
			s.Layout.Items = []layout.Item{
				{ID: "a", W: 4, H: 4, Kind: layout.KindText},
				{ID: "b", X: 2, Y: 2, W: 4, H: 4, Kind: layout.KindText},
			}
		}},
		{"unknown chart type", func(s *Snapshot) { s.Config.ChartType = "sankey" }},
		{"other dataset", func(s *Snapshot) { s.Config.DatasetID = "inventory" }},
		{"bad style", func(s *Snapshot) { s.Config.Style.Colors = []string{"red"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := before
			bad.Layout.Items = append([]layout.Item(nil), before.Layout.Items...)
			tt.mutate(&bad)
			assert.ErrorIs(t, c.Restore(bad), ErrRestoreRejected)

			after, err := c.Snapshot()
			require.NoError(t, err)
			assert.Equal(t, before, after)
		})
	}
}

func TestController_Affordances(t *testing.T) {
	gate := permission.Static{
		Default: true,
		Rules: map[string]bool{
			permission.Key(permission.ResourceChart, "c1", permission.ActionEdit):       false,
			permission.Key(permission.ResourceDashboard, "d1", permission.ActionManage): false,
		},
	}
	c := newController(t, Options{ChartID: "c1", DashboardID: "d1", Gate: gate})

	aff := c.Affordances(context.Background())
	assert.Len(t, aff, len(Ops()))
	assert.False(t, aff[OpAssignSlot])
	assert.False(t, aff[OpAddFilter])
	assert.False(t, aff[OpSnapshot])
	assert.True(t, aff[OpMoveWidget])
	assert.True(t, aff[OpRender])
	assert.False(t, c.Permits(context.Background(), Op("Explode")))

	require.NoError(t, c.Close(context.Background()))
	for op, ok := range c.Affordances(context.Background()) {
		assert.False(t, ok, op)
	}
}

func TestController_Close(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemory(cache.DefaultOptions(), 0)
	defer mem.Close()
	checker := &countingChecker{}
	gate := permission.NewCachedGate(checker, mem, "s1", time.Minute, nil)
	rec := newCountingRecorder()

	c := newController(t, Options{ChartID: "c1", Gate: gate, Recorder: rec})
	assert.True(t, c.Permits(ctx, OpAssignSlot))
	assert.True(t, c.Permits(ctx, OpAssignSlot))
	assert.Equal(t, 1, checker.calls)

	require.NoError(t, c.Close(ctx))
	require.NoError(t, c.Close(ctx))
	assert.True(t, c.Closed())

	_, err := mem.Get(ctx, "perm:s1:"+permission.Key(permission.ResourceChart, "c1", permission.ActionEdit))
	assert.ErrorIs(t, err, cache.ErrMiss)

	assert.ErrorIs(t, c.AssignSlot("category", "region"), ErrClosed)
	_, err = c.PlaceWidget(layout.Item{W: 1, H: 1})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.RenderConfig()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.Snapshot()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Restore(Snapshot{}), ErrClosed)
	assert.Equal(t, 1, rec.rejections["AssignSlot/SessionClosed"])
}

func TestKindOf(t *testing.T) {
	errs := validation.NewErrors()
	errs.Add(validation.NewMissingRequiredSlot("value"))

	assert.Equal(t, "RoleMismatch", KindOf(validation.NewRoleMismatch("a", "b", "measure")))
	assert.Equal(t, "MissingRequiredSlot", KindOf(errs))
	assert.Equal(t, "SessionClosed", KindOf(ErrClosed))
	assert.Equal(t, "InvalidStyle", KindOf(render.Style{Colors: []string{"red"}}.Validate()))
	assert.Equal(t, "Other", KindOf(errors.New("boom")))
}
