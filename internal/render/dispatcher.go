package render

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// State is the dispatcher's render state
type State int

const (
	StateEmpty State = iota
	StateLoading
	StateReady
	StateUnsupported
)

var stateNames = [...]string{"EMPTY", "LOADING", "READY", "UNSUPPORTED"}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for i, name := range stateNames {
		if strings.EqualFold(raw, name) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("render: unknown state %q", raw)
}

// DrawnWidget is what a session shows for a chart: either the renderer's
// output or a fixed placeholder
type DrawnWidget struct {
	ChartType   string      `json:"chartType"`
	State       State       `json:"state"`
	Spec        interface{} `json:"spec,omitempty"`
	Placeholder string      `json:"placeholder,omitempty"`
}

// Placeholder returns the fixed widget drawn for every state except READY
func Placeholder(state State, chartType string) DrawnWidget {
	w := DrawnWidget{ChartType: chartType, State: state}
	switch state {
	case StateLoading:
		w.Placeholder = "Loading data"
	case StateUnsupported:
		w.Placeholder = fmt.Sprintf("Chart type %q is not supported", chartType)
	default:
		w.State = StateEmpty
		w.Placeholder = "No data"
	}
	return w
}

// Frame is the dispatcher output for one request
type Frame struct {
	Seq    uint64      `json:"seq"`
	State  State       `json:"state"`
	Widget DrawnWidget `json:"widget"`
}

// Request is a pending fetch. Its Seq must be handed back to Resolve.
type Request struct {
	Seq    uint64
	Config RenderConfig
}

// Observer is notified of state transitions and discarded responses
type Observer interface {
	ObserveState(chartType string, state State)
	ObserveStale(chartType string)
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger
func WithLogger(log *zap.Logger) Option {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

// WithObserver sets the transition observer
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		d.observer = o
	}
}

// Dispatcher drives the render state of one chart. It is owned by a single
// session and not safe for concurrent use.
//
// Every Begin supersedes the previous request by bumping the sequence number;
// Resolve only applies rows whose sequence number is still current.
type Dispatcher struct {
	registry *Registry
	log      *zap.Logger
	observer Observer

	seq     uint64
	pending bool
	current RenderConfig
	frame   Frame
}

// NewDispatcher creates a dispatcher in the EMPTY state
func NewDispatcher(registry *Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{registry: registry, log: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	d.frame = Frame{State: StateEmpty, Widget: Placeholder(StateEmpty, "")}
	return d
}

// Begin starts a render of cfg. A chart type without a renderer goes straight
// to UNSUPPORTED and returns an UnsupportedChartType error; no fetch should
// be issued then. Otherwise the dispatcher is LOADING until Resolve is called
// with the returned sequence number.
func (d *Dispatcher) Begin(cfg RenderConfig) (Request, error) {
	d.seq++
	d.current = cfg
	req := Request{Seq: d.seq, Config: cfg}

	if _, ok := d.registry.Lookup(cfg.ChartType); !ok {
		d.pending = false
		d.settle(StateUnsupported, Placeholder(StateUnsupported, cfg.ChartType))
		return req, &DispatchError{Kind: UnsupportedChartType, ChartType: cfg.ChartType, Seq: d.seq}
	}

	d.pending = true
	d.settle(StateLoading, Placeholder(StateLoading, cfg.ChartType))
	return req, nil
}

// Resolve delivers the outcome of the fetch for request seq. Responses for
// superseded requests are discarded with StaleResponseDiscarded and leave the
// state untouched. A failed fetch counts as no data.
func (d *Dispatcher) Resolve(seq uint64, rows []Row, fetchErr error) (Frame, error) {
	if seq != d.seq || !d.pending {
		d.log.Debug("discarding stale dataset response",
			zap.Uint64("seq", seq),
			zap.Uint64("current", d.seq),
			zap.String("chart_type", d.current.ChartType),
		)
		if d.observer != nil {
			d.observer.ObserveStale(d.current.ChartType)
		}
		return d.frame, &DispatchError{Kind: StaleResponseDiscarded, ChartType: d.current.ChartType, Seq: seq}
	}
	d.pending = false
	ct := d.current.ChartType

	if fetchErr != nil {
		d.log.Warn("dataset fetch failed",
			zap.String("dataset_id", d.current.DatasetID),
			zap.String("chart_type", ct),
			zap.Error(fetchErr),
		)
		return d.settle(StateEmpty, Placeholder(StateEmpty, ct)), nil
	}

	reg, ok := d.registry.Lookup(ct)
	if !ok {
		return d.settle(StateUnsupported, Placeholder(StateUnsupported, ct)), nil
	}
	if len(rows) == 0 {
		return d.settle(StateEmpty, Placeholder(StateEmpty, ct)), nil
	}

	w := reg.Renderer(d.current, rows)
	w.State = StateReady
	if w.ChartType == "" {
		w.ChartType = ct
	}
	w.Placeholder = ""
	return d.settle(StateReady, w), nil
}

// Reset drops the current request, so any response still in flight is stale,
// and returns to EMPTY
func (d *Dispatcher) Reset() Frame {
	d.seq++
	d.pending = false
	d.current = RenderConfig{}
	return d.settle(StateEmpty, Placeholder(StateEmpty, ""))
}

// Supersede makes any response still in flight stale without starting a new
// request. The last drawn frame is kept; a pending load falls back to EMPTY.
func (d *Dispatcher) Supersede() {
	d.seq++
	if d.pending {
		d.pending = false
		d.settle(StateEmpty, Placeholder(StateEmpty, d.current.ChartType))
	}
}

// State returns the current state
func (d *Dispatcher) State() State {
	return d.frame.State
}

// Seq returns the sequence number of the latest request
func (d *Dispatcher) Seq() uint64 {
	return d.seq
}

// Pending reports whether a fetch is awaited
func (d *Dispatcher) Pending() bool {
	return d.pending
}

// Current returns the config of the latest request
func (d *Dispatcher) Current() RenderConfig {
	return d.current
}

// Frame returns the latest frame
func (d *Dispatcher) Frame() Frame {
	return d.frame
}

func (d *Dispatcher) settle(state State, w DrawnWidget) Frame {
	d.frame = Frame{Seq: d.seq, State: state, Widget: w}
	if d.observer != nil {
		d.observer.ObserveState(w.ChartType, state)
	}
	return d.frame
}
