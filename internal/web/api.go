// Package web exposes composition sessions over HTTP and WebSocket. It is a
// thin adapter: every decision is made by the session's controller.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/cozy-insight/composer/internal/catalog"
	"github.com/cozy-insight/composer/internal/composition"
	"github.com/cozy-insight/composer/internal/filter"
	"github.com/cozy-insight/composer/internal/layout"
	"github.com/cozy-insight/composer/internal/metrics"
	"github.com/cozy-insight/composer/internal/permission"
	"github.com/cozy-insight/composer/internal/render"
	"github.com/cozy-insight/composer/internal/web/live"
	"github.com/cozy-insight/composer/internal/web/middleware"
)

const maxBodyBytes = 1 << 20

// Store persists session snapshots
type Store interface {
	Save(ctx context.Context, snap composition.Snapshot) error
	Load(ctx context.Context, dashboardID string) (composition.Snapshot, error)
}

// GateFunc builds the permission gate of a new session for its caller
type GateFunc func(sessionID string, p middleware.Principal) permission.Gate

// Options configures the API
type Options struct {
	Registry *render.Registry
	Catalogs catalog.Source
	Rows     composition.RowSource
	Store    Store
	Gates    GateFunc
	Grid     layout.Config
	// Metrics and Hub are optional
	Metrics *metrics.Collector
	Hub     *live.Hub
	Auth    middleware.AuthConfig
	// Origins are the browser origins allowed by CORS; empty allows all
	Origins []string
	Logger  *zap.Logger
}

// API serves the session endpoints
type API struct {
	opts     Options
	sessions *Sessions
	log      *zap.Logger
}

// NewAPI creates the adapter
func NewAPI(opts Options) *API {
	if opts.Registry == nil {
		opts.Registry = render.NewBuiltinRegistry()
	}
	if opts.Grid == (layout.Config{}) {
		opts.Grid = layout.DefaultConfig()
	}
	if opts.Gates == nil {
		opts.Gates = func(string, middleware.Principal) permission.Gate { return permission.AllowAll() }
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	var observer SessionObserver
	if opts.Metrics != nil {
		observer = opts.Metrics
	}
	sessions := NewSessions(observer, opts.Logger)
	if opts.Hub != nil {
		sessions.OnClose(opts.Hub.CloseRoom)
	}
	return &API{opts: opts, sessions: sessions, log: opts.Logger}
}

// Sessions returns the session registry
func (a *API) Sessions() *Sessions {
	return a.sessions
}

// Routes builds the router
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()

	var recorder middleware.Recorder
	if a.opts.Metrics != nil {
		recorder = a.opts.Metrics
	}
	r.Use(
		middleware.RequestID(),
		middleware.Recovery(a.log),
		middleware.Logging(middleware.LoggingConfig{
			Logger:    a.log,
			Recorder:  recorder,
			SkipPaths: []string{"/healthz", "/metrics"},
		}),
		middleware.CORS(middleware.DefaultCORSConfig(a.opts.Origins...)),
	)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, &ErrorResponse{Error: "not_found", Message: "route not found", Code: "not_found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, &ErrorResponse{Error: "method_not_allowed", Message: "method not allowed", Code: "method_not_allowed"})
	})

	r.Get("/healthz", a.health)
	if a.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.opts.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(a.opts.Auth))

		r.Get("/chart-types", a.chartTypes)
		r.Get("/operators", a.operators)
		r.Post("/sessions", a.openSession)

		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", a.getSession)
			r.Delete("/", a.closeSession)

			r.Put("/chart-type", a.setChartType)
			r.Put("/slots/{slot}", a.assignSlot)
			r.Delete("/slots/{slot}", a.clearSlot)
			r.Put("/slots/{slot}/fields/{field}", a.setFieldOptions)
			r.Put("/style", a.setStyle)

			r.Post("/filters", a.addFilter)
			r.Patch("/filters/{index}", a.updateFilter)
			r.Delete("/filters/{index}", a.removeFilter)

			r.Post("/widgets", a.placeWidget)
			r.Patch("/widgets/{wid}", a.updateWidget)
			r.Delete("/widgets/{wid}", a.removeWidget)

			r.Post("/render", a.render)
			r.Get("/frame", a.frame)
			r.Post("/save", a.save)
			r.Post("/load", a.load)
			r.Get("/stream", a.stream)
		})
	})
	return r
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": a.sessions.Len(),
	})
}

func (a *API) chartTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"chartTypes": a.opts.Registry.Registrations(),
	})
}

func (a *API) operators(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("type")
	if raw == "" {
		renderError(w, badRequest("query parameter type is required"))
		return
	}
	t := catalog.ParseDeclaredType(raw)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"declaredType": t,
		"operators":    filter.Describe(t),
	})
}

// decode reads a JSON body. An empty body leaves v untouched when optional.
func decode(r *http.Request, v interface{}, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && optional {
			return nil
		}
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

// publish pushes a message to the live clients of a session
func (a *API) publish(sessionID, msgType string, payload interface{}) {
	if a.opts.Hub != nil {
		a.opts.Hub.Publish(sessionID, msgType, payload)
	}
}
