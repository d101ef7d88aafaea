package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cozy-insight/composer/internal/binding"
	"github.com/cozy-insight/composer/internal/catalog"
	"github.com/cozy-insight/composer/internal/composition"
	"github.com/cozy-insight/composer/internal/filter"
	"github.com/cozy-insight/composer/internal/layout"
	"github.com/cozy-insight/composer/internal/render"
	"github.com/cozy-insight/composer/internal/validation"
	"github.com/cozy-insight/composer/internal/web/live"
	"github.com/cozy-insight/composer/internal/web/middleware"
)

// sessionView is what clients see of a session
type sessionView struct {
	ID          string                    `json:"id"`
	Subject     string                    `json:"subject,omitempty"`
	DatasetID   string                    `json:"datasetId"`
	ChartID     string                    `json:"chartId,omitempty"`
	DashboardID string                    `json:"dashboardId,omitempty"`
	Revision    uint64                    `json:"revision"`
	Config      render.RenderConfig       `json:"config"`
	Slots       []binding.SlotSpec        `json:"slots"`
	Fields      []catalog.FieldDescriptor `json:"fields"`
	Grid        layout.Config             `json:"grid"`
	Widgets     []layout.Item             `json:"widgets"`
	Frame       render.Frame              `json:"frame"`
	Affordances map[composition.Op]bool   `json:"affordances"`
	Problems    []*validation.Error       `json:"problems"`
}

// mutationResponse answers every change: the changed element, if any, and
// the session after the change
type mutationResponse struct {
	Result  interface{} `json:"result,omitempty"`
	Session sessionView `json:"session"`
}

type renderResponse struct {
	Frame   render.Frame `json:"frame"`
	Applied bool         `json:"applied"`
}

// describe must be called with the session lock held
func describe(ctx context.Context, s *Session, c *composition.Controller) sessionView {
	view := sessionView{
		ID:          s.ID,
		Subject:     s.Subject,
		DatasetID:   c.Catalog().DatasetID(),
		ChartID:     c.ChartID(),
		DashboardID: c.DashboardID(),
		Revision:    s.revision,
		Config:      c.Describe(),
		Slots:       c.Slots(),
		Fields:      c.Catalog().Fields(),
		Grid:        c.Grid().Config(),
		Widgets:     c.Widgets(),
		Frame:       c.Frame(),
		Affordances: c.Affordances(ctx),
		Problems:    []*validation.Error{},
	}
	var errs *validation.Errors
	if err := c.Validate(); errors.As(err, &errs) {
		view.Problems = errs.Items
	}
	return view
}

func (a *API) session(r *http.Request) (*Session, error) {
	return a.sessions.Get(chi.URLParam(r, "id"))
}

// change runs a gated mutation, answers with the session after it and
// pushes the new state to live clients
func (a *API) change(w http.ResponseWriter, r *http.Request, op composition.Op, status int, fn func(c *composition.Controller) (interface{}, error)) {
	s, err := a.session(r)
	if err != nil {
		renderError(w, err)
		return
	}

	var result interface{}
	err = s.Update(func(c *composition.Controller) error {
		if !c.Permits(r.Context(), op) {
			return &forbiddenError{op: op}
		}
		var err error
		result, err = fn(c)
		return err
	})
	if err != nil {
		renderError(w, err)
		return
	}

	var view sessionView
	_ = s.View(func(c *composition.Controller) error {
		view = describe(r.Context(), s, c)
		return nil
	})
	a.publish(s.ID, live.TypeState, view)
	writeJSON(w, status, mutationResponse{Result: result, Session: view})
}

type openRequest struct {
	DatasetID   string `json:"datasetId"`
	ChartType   string `json:"chartType"`
	ChartID     string `json:"chartId"`
	DashboardID string `json:"dashboardId"`
}

func (a *API) openSession(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := decode(r, &req, false); err != nil {
		renderError(w, err)
		return
	}
	if req.DatasetID == "" {
		renderError(w, badRequest("datasetId is required"))
		return
	}
	if a.opts.Catalogs == nil {
		renderError(w, fmt.Errorf("dataset source: %w", ErrNotConfigured))
		return
	}

	cat, err := catalog.Fetch(r.Context(), a.opts.Catalogs, req.DatasetID)
	if err != nil {
		renderError(w, &upstreamError{err: err})
		return
	}

	id := uuid.NewString()
	p, _ := middleware.GetPrincipal(r.Context())
	opts := composition.Options{
		ChartType:   req.ChartType,
		ChartID:     req.ChartID,
		DashboardID: req.DashboardID,
		Grid:        a.opts.Grid,
		Registry:    a.opts.Registry,
		Gate:        a.opts.Gates(id, p),
		Logger:      a.log.With(zap.String("session_id", id)),
	}
	if a.opts.Metrics != nil {
		opts.Recorder = a.opts.Metrics
		opts.Observer = a.opts.Metrics
	}
	ctrl, err := composition.New(cat, opts)
	if err != nil {
		renderError(w, err)
		return
	}

	s := a.sessions.Add(id, p.Subject, ctrl)
	var view sessionView
	_ = s.View(func(c *composition.Controller) error {
		view = describe(r.Context(), s, c)
		return nil
	})
	w.Header().Set("Location", "/api/v1/sessions/"+id)
	writeJSON(w, http.StatusCreated, view)
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	s, err := a.session(r)
	if err != nil {
		renderError(w, err)
		return
	}
	var view sessionView
	_ = s.View(func(c *composition.Controller) error {
		view = describe(r.Context(), s, c)
		return nil
	})
	writeJSON(w, http.StatusOK, view)
}

func (a *API) closeSession(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.Close(r.Context(), chi.URLParam(r, "id")); errors.Is(err, ErrSessionNotFound) {
		renderError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) setChartType(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChartType string `json:"chartType"`
	}
	if err := decode(r, &req, false); err != nil {
		renderError(w, err)
		return
	}
	a.change(w, r, composition.OpSetChartType, http.StatusOK, func(c *composition.Controller) (interface{}, error) {
		return nil, c.SetChartType(req.ChartType)
	})
}

func (a *API) assignSlot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Fields []string `json:"fields"`
	}
	if err := decode(r, &req, false); err != nil {
		renderError(w, err)
		return
	}
	slot := chi.URLParam(r, "slot")
	a.change(w, r, composition.OpAssignSlot, http.StatusOK, func(c *composition.Controller) (interface{}, error) {
		return nil, c.AssignSlot(slot, req.Fields...)
	})
}

func (a *API) clearSlot(w http.ResponseWriter, r *http.Request) {
	slot := chi.URLParam(r, "slot")
	a.change(w, r, composition.OpClearSlot, http.StatusOK, func(c *composition.Controller) (interface{}, error) {
		return nil, c.ClearSlot(slot)
	})
}

func (a *API) setFieldOptions(w http.ResponseWriter, r *http.Request) {
	var opts binding.FieldOptions
	if err := decode(r, &opts, false); err != nil {
		renderError(w, err)
		return
	}
	slot, field := chi.URLParam(r, "slot"), chi.URLParam(r, "field")
	a.change(w, r, composition.OpSetFieldOptions, http.StatusOK, func(c *composition.Controller) (interface{}, error) {
		return nil, c.SetFieldOptions(slot, field, opts)
	})
}

func (a *API) setStyle(w http.ResponseWriter, r *http.Request) {
	var style render.Style
	if err := decode(r, &style, false); err != nil {
		renderError(w, err)
		return
	}
	a.change(w, r, composition.OpSetStyle, http.StatusOK, func(c *composition.Controller) (interface{}, error) {
		return nil, c.SetStyle(style)
	})
}

type filterRequest struct {
	Field    string            `json:"field"`
	Operator filter.OperatorID `json:"operator"`
	Value    interface{}       `json:"value"`
}

func (a *API) addFilter(w http.ResponseWriter, r *http.Request) {
	var req filterRequest
	if err := decode(r, &req, false); err != nil {
		renderError(w, err)
		return
	}
	a.change(w, r, composition.OpAddFilter, http.StatusCreated, func(c *composition.Controller) (interface{}, error) {
		clause, err := c.AddFilter(req.Field, req.Operator, filter.ValueFor(req.Operator, req.Value))
		if err != nil {
			return nil, err
		}
		return clause, nil
	})
}

func pathIndex(r *http.Request) (int, error) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		return 0, badRequest("filter index must be an integer")
	}
	return index, nil
}

func (a *API) updateFilter(w http.ResponseWriter, r *http.Request) {
	index, err := pathIndex(r)
	if err != nil {
		renderError(w, err)
		return
	}
	var req struct {
		Field    *string            `json:"field"`
		Operator *filter.OperatorID `json:"operator"`
		Value    json.RawMessage    `json:"value"`
	}
	if err := decode(r, &req, false); err != nil {
		renderError(w, err)
		return
	}
	var raw interface{}
	if len(req.Value) > 0 {
		if err := json.Unmarshal(req.Value, &raw); err != nil {
			renderError(w, badRequest("invalid filter value: %v", err))
			return
		}
	}

	a.change(w, r, composition.OpUpdateFilter, http.StatusOK, func(c *composition.Controller) (interface{}, error) {
		patch := composition.FilterPatch{Field: req.Field, Operator: req.Operator}
		if len(req.Value) > 0 {
			// the operand is shaped for the operator the clause ends up with
			op := filter.OpEq
			if req.Operator != nil {
				op = *req.Operator
			} else if clauses := c.Filters(); index >= 0 && index < len(clauses) {
				op = clauses[index].Operator
			}
			value := filter.ValueFor(op, raw)
			patch.Value = &value
		}
		clause, err := c.UpdateFilter(index, patch)
		if err != nil {
			return nil, err
		}
		return clause, nil
	})
}

func (a *API) removeFilter(w http.ResponseWriter, r *http.Request) {
	index, err := pathIndex(r)
	if err != nil {
		renderError(w, err)
		return
	}
	a.change(w, r, composition.OpRemoveFilter, http.StatusOK, func(c *composition.Controller) (interface{}, error) {
		return nil, c.RemoveFilter(index)
	})
}

// widgetRequest places a widget; a missing y appends it at the first free spot
type widgetRequest struct {
	ID      string         `json:"id"`
	X       int            `json:"x"`
	Y       *int           `json:"y"`
	W       int            `json:"w"`
	H       int            `json:"h"`
	MinW    int            `json:"minW"`
	MinH    int            `json:"minH"`
	MaxW    int            `json:"maxW"`
	MaxH    int            `json:"maxH"`
	Static  bool           `json:"static"`
	Kind    layout.Kind    `json:"kind"`
	Payload layout.Payload `json:"payload"`
}

func (a *API) placeWidget(w http.ResponseWriter, r *http.Request) {
	var req widgetRequest
	if err := decode(r, &req, false); err != nil {
		renderError(w, err)
		return
	}
	item := layout.Item{
		ID: req.ID, X: req.X, Y: layout.Append, W: req.W, H: req.H,
		MinW: req.MinW, MinH: req.MinH, MaxW: req.MaxW, MaxH: req.MaxH,
		Static: req.Static, Kind: req.Kind, Payload: req.Payload,
	}
	if req.Y != nil {
		item.Y = *req.Y
	}
	a.change(w, r, composition.OpPlaceWidget, http.StatusCreated, func(c *composition.Controller) (interface{}, error) {
		placed, err := c.PlaceWidget(item)
		if err != nil {
			return nil, err
		}
		return placed, nil
	})
}

// updateWidget moves or resizes a widget. Position and size are separate
// operations, so a request may carry only one of them.
func (a *API) updateWidget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		X *int `json:"x"`
		Y *int `json:"y"`
		W *int `json:"w"`
		H *int `json:"h"`
	}
	if err := decode(r, &req, false); err != nil {
		renderError(w, err)
		return
	}
	move := req.X != nil || req.Y != nil
	resize := req.W != nil || req.H != nil
	switch {
	case move && resize:
		renderError(w, badRequest("move and resize a widget in separate requests"))
		return
	case !move && !resize:
		renderError(w, badRequest("one of x, y, w or h is required"))
		return
	}

	id := chi.URLParam(r, "wid")
	op := composition.OpMoveWidget
	if resize {
		op = composition.OpResizeWidget
	}
	a.change(w, r, op, http.StatusOK, func(c *composition.Controller) (interface{}, error) {
		current, _ := c.Grid().Item(id)
		var (
			item layout.Item
			err  error
		)
		if move {
			item, err = c.MoveWidget(id, orDefault(req.X, current.X), orDefault(req.Y, current.Y))
		} else {
			item, err = c.ResizeWidget(id, orDefault(req.W, current.W), orDefault(req.H, current.H))
		}
		if err != nil {
			return nil, err
		}
		return item, nil
	})
}

func orDefault(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func (a *API) removeWidget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "wid")
	a.change(w, r, composition.OpRemoveWidget, http.StatusOK, func(c *composition.Controller) (interface{}, error) {
		return nil, c.RemoveWidget(id)
	})
}

// render starts a render and fetches its rows outside the session lock, so
// edits made meanwhile supersede it. With ?async=true the request returns the
// LOADING frame at once and the result is only pushed to live clients.
func (a *API) render(w http.ResponseWriter, r *http.Request) {
	s, err := a.session(r)
	if err != nil {
		renderError(w, err)
		return
	}

	var (
		req     render.Request
		fetch   bool
		current render.Frame
	)
	err = s.View(func(c *composition.Controller) error {
		if !c.Permits(r.Context(), composition.OpRender) {
			return &forbiddenError{op: composition.OpRender}
		}
		var err error
		req, fetch, err = c.BeginRender()
		current = c.Frame()
		return err
	})
	if err != nil {
		renderError(w, err)
		return
	}
	a.publish(s.ID, live.TypeFrame, current)

	switch {
	case !fetch:
		writeJSON(w, http.StatusOK, renderResponse{Frame: current, Applied: true})
	case a.opts.Rows == nil:
		notConfigured := fmt.Errorf("row source: %w", ErrNotConfigured)
		var (
			frame   render.Frame
			applied bool
		)
		_ = s.View(func(c *composition.Controller) error {
			frame, applied = c.DeliverRows(req.Seq, nil, notConfigured)
			return nil
		})
		if applied {
			a.publish(s.ID, live.TypeFrame, frame)
		}
		renderError(w, notConfigured)
	case r.URL.Query().Get("async") == "true":
		go a.fetch(context.WithoutCancel(r.Context()), s, req)
		writeJSON(w, http.StatusAccepted, renderResponse{Frame: current, Applied: true})
	default:
		frame, applied := a.fetch(r.Context(), s, req)
		writeJSON(w, http.StatusOK, renderResponse{Frame: frame, Applied: applied})
	}
}

// fetch loads the rows of req and hands them to the session. applied is
// false when the session moved on while the rows were loading; frame is then
// what the session shows now.
func (a *API) fetch(ctx context.Context, s *Session, req render.Request) (frame render.Frame, applied bool) {
	rows, fetchErr := a.opts.Rows.FetchRows(ctx, req.Config.DatasetID, req.Config.Filters)
	if fetchErr != nil {
		a.log.Warn("row fetch failed",
			zap.String("session_id", s.ID),
			zap.Uint64("seq", req.Seq),
			zap.Error(fetchErr),
		)
	}
	_ = s.View(func(c *composition.Controller) error {
		frame, applied = c.DeliverRows(req.Seq, rows, fetchErr)
		if !applied {
			frame = c.Frame()
		}
		return nil
	})
	if applied {
		a.publish(s.ID, live.TypeFrame, frame)
	}
	return frame, applied
}

func (a *API) frame(w http.ResponseWriter, r *http.Request) {
	s, err := a.session(r)
	if err != nil {
		renderError(w, err)
		return
	}
	var frame render.Frame
	err = s.View(func(c *composition.Controller) error {
		if !c.Permits(r.Context(), composition.OpRender) {
			return &forbiddenError{op: composition.OpRender}
		}
		frame = c.Frame()
		return nil
	})
	if err != nil {
		renderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, frame)
}

type saveResponse struct {
	DashboardID string `json:"dashboardId"`
	Revision    uint64 `json:"revision"`
}

func (a *API) save(w http.ResponseWriter, r *http.Request) {
	if a.opts.Store == nil {
		renderError(w, fmt.Errorf("snapshot store: %w", ErrNotConfigured))
		return
	}
	s, err := a.session(r)
	if err != nil {
		renderError(w, err)
		return
	}

	var (
		snap     composition.Snapshot
		revision uint64
	)
	err = s.View(func(c *composition.Controller) error {
		if !c.Permits(r.Context(), composition.OpSnapshot) {
			return &forbiddenError{op: composition.OpSnapshot}
		}
		if c.DashboardID() == "" {
			return badRequest("session has no dashboard to save to")
		}
		var err error
		snap, err = c.Snapshot()
		revision = s.revision
		return err
	})
	if err != nil {
		renderError(w, err)
		return
	}

	if err := a.opts.Store.Save(r.Context(), snap); err != nil {
		renderError(w, err)
		return
	}
	a.sessions.MarkSaved(s.ID, revision)
	writeJSON(w, http.StatusOK, saveResponse{DashboardID: snap.DashboardID, Revision: revision})
}

// load restores a saved snapshot into the session. A snapshot that no
// longer fits the dataset is still restored; its problems are listed in the
// returned session.
func (a *API) load(w http.ResponseWriter, r *http.Request) {
	if a.opts.Store == nil {
		renderError(w, fmt.Errorf("snapshot store: %w", ErrNotConfigured))
		return
	}
	var req struct {
		DashboardID string `json:"dashboardId"`
	}
	if err := decode(r, &req, true); err != nil {
		renderError(w, err)
		return
	}
	s, err := a.session(r)
	if err != nil {
		renderError(w, err)
		return
	}

	var own string
	_ = s.View(func(c *composition.Controller) error {
		own = c.DashboardID()
		return nil
	})
	dashboardID := req.DashboardID
	if dashboardID == "" {
		dashboardID = own
	}
	if dashboardID == "" {
		renderError(w, badRequest("dashboardId is required"))
		return
	}

	snap, err := a.opts.Store.Load(r.Context(), dashboardID)
	if err != nil {
		renderError(w, err)
		return
	}

	restored := false
	a.change(w, r, composition.OpRestore, http.StatusOK, func(c *composition.Controller) (interface{}, error) {
		err := c.Restore(snap)
		if errors.Is(err, composition.ErrRestoreRejected) || errors.Is(err, composition.ErrClosed) {
			return nil, err
		}
		restored = true
		return nil, nil
	})
	// the session now matches what its own dashboard has stored
	if restored && dashboardID == own {
		a.sessions.MarkSaved(s.ID, s.Revision())
	}
}

func (a *API) stream(w http.ResponseWriter, r *http.Request) {
	if a.opts.Hub == nil {
		renderError(w, fmt.Errorf("live updates: %w", ErrNotConfigured))
		return
	}
	s, err := a.session(r)
	if err != nil {
		renderError(w, err)
		return
	}

	var initial *live.Message
	err = s.View(func(c *composition.Controller) error {
		if !c.Permits(r.Context(), composition.OpRender) {
			return &forbiddenError{op: composition.OpRender}
		}
		msg, err := live.NewMessage(live.TypeFrame, s.ID, c.Frame())
		initial = msg
		return err
	})
	if err != nil {
		renderError(w, err)
		return
	}
	if err := a.opts.Hub.Serve(w, r, s.ID, initial); err != nil {
		a.log.Debug("live upgrade failed", zap.String("session_id", s.ID), zap.Error(err))
	}
}
