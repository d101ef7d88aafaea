package composition

import (
	"context"
	"errors"

	"github.com/cozy-insight/composer/internal/layout"
	"github.com/cozy-insight/composer/internal/permission"
	"github.com/cozy-insight/composer/internal/render"
	"github.com/cozy-insight/composer/internal/validation"
)

// Op names a controller operation
type Op string

const (
	OpSetChartType    Op = "SetChartType"
	OpAssignSlot      Op = "AssignSlot"
	OpClearSlot       Op = "ClearSlot"
	OpSetFieldOptions Op = "SetFieldOptions"
	OpSetStyle        Op = "SetStyle"
	OpAddFilter       Op = "AddFilter"
	OpUpdateFilter    Op = "UpdateFilter"
	OpRemoveFilter    Op = "RemoveFilter"
	OpPlaceWidget     Op = "PlaceWidget"
	OpMoveWidget      Op = "MoveWidget"
	OpResizeWidget    Op = "ResizeWidget"
	OpRemoveWidget    Op = "RemoveWidget"
	OpRender          Op = "Render"
	OpSnapshot        Op = "Snapshot"
	OpRestore         Op = "Restore"
)

type requirement struct {
	resource string
	action   string
}

// requirements maps each gated operation to the permission it needs. Chart
// edits are checked against the chart, layout edits and persistence against
// the dashboard.
var requirements = map[Op]requirement{
	OpSetChartType:    {permission.ResourceChart, permission.ActionEdit},
	OpAssignSlot:      {permission.ResourceChart, permission.ActionEdit},
	OpClearSlot:       {permission.ResourceChart, permission.ActionEdit},
	OpSetFieldOptions: {permission.ResourceChart, permission.ActionEdit},
	OpSetStyle:        {permission.ResourceChart, permission.ActionEdit},
	OpAddFilter:       {permission.ResourceChart, permission.ActionEdit},
	OpUpdateFilter:    {permission.ResourceChart, permission.ActionEdit},
	OpRemoveFilter:    {permission.ResourceChart, permission.ActionEdit},
	OpPlaceWidget:     {permission.ResourceDashboard, permission.ActionEdit},
	OpMoveWidget:      {permission.ResourceDashboard, permission.ActionEdit},
	OpResizeWidget:    {permission.ResourceDashboard, permission.ActionEdit},
	OpRemoveWidget:    {permission.ResourceDashboard, permission.ActionEdit},
	OpRender:          {permission.ResourceChart, permission.ActionView},
	OpSnapshot:        {permission.ResourceDashboard, permission.ActionManage},
	OpRestore:         {permission.ResourceDashboard, permission.ActionManage},
}

// Ops lists every gated operation
func Ops() []Op {
	return []Op{
		OpSetChartType, OpAssignSlot, OpClearSlot, OpSetFieldOptions, OpSetStyle,
		OpAddFilter, OpUpdateFilter, OpRemoveFilter,
		OpPlaceWidget, OpMoveWidget, OpResizeWidget, OpRemoveWidget,
		OpRender, OpSnapshot, OpRestore,
	}
}

// Permits asks the permission gate whether op may be offered. It never
// fails: a denied or failed check only hides the operation.
func (c *Controller) Permits(ctx context.Context, op Op) bool {
	req, ok := requirements[op]
	if !ok {
		return false
	}
	id := c.chartID
	if req.resource == permission.ResourceDashboard {
		id = c.dashboardID
	}
	return c.gate.Allowed(ctx, req.resource, id, req.action)
}

// Affordances reports, per operation, whether it should be exposed
func (c *Controller) Affordances(ctx context.Context) map[Op]bool {
	out := make(map[Op]bool, len(requirements))
	for _, op := range Ops() {
		out[op] = !c.closed && c.Permits(ctx, op)
	}
	return out
}

// Recorder counts operations and their rejections
type Recorder interface {
	RecordOperation(op string)
	RecordRejection(op, kind string)
}

type nopRecorder struct{}

func (nopRecorder) RecordOperation(string)         {}
func (nopRecorder) RecordRejection(string, string) {}

// KindOf returns the error kind of a rejected operation
func KindOf(err error) string {
	var ve *validation.Error
	if errors.As(err, &ve) {
		return string(ve.Kind)
	}
	var agg *validation.Errors
	if errors.As(err, &agg) && agg.HasErrors() {
		return string(agg.First().Kind)
	}
	var le *layout.Error
	if errors.As(err, &le) {
		return string(le.Kind)
	}
	if errors.Is(err, render.ErrInvalidStyle) {
		return "InvalidStyle"
	}
	if errors.Is(err, ErrClosed) {
		return "SessionClosed"
	}
	return "Other"
}
