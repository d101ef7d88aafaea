package render

import (
	"errors"
	"fmt"
)

// DispatchErrorKind classifies dispatcher outcomes that are not drawn
type DispatchErrorKind string

const (
	// UnsupportedChartType means no renderer is registered for the chart type
	UnsupportedChartType DispatchErrorKind = "UnsupportedChartType"
	// StaleResponseDiscarded means rows arrived for a superseded request
	StaleResponseDiscarded DispatchErrorKind = "StaleResponseDiscarded"
)

// DispatchError is informational: the dispatcher has already settled on a
// placeholder, and stale responses are only logged
type DispatchError struct {
	Kind      DispatchErrorKind
	ChartType string
	Seq       uint64
}

func (e *DispatchError) Error() string {
	switch e.Kind {
	case UnsupportedChartType:
		return fmt.Sprintf("%s: no renderer for chart type %q", e.Kind, e.ChartType)
	default:
		return fmt.Sprintf("%s: response for request %d", e.Kind, e.Seq)
	}
}

// Is matches another *DispatchError of the same kind
func (e *DispatchError) Is(target error) bool {
	t, ok := target.(*DispatchError)
	return ok && t.Kind == e.Kind
}

// IsDispatchKind reports whether err is, or wraps, a dispatch error of the given kind
func IsDispatchKind(err error, kind DispatchErrorKind) bool {
	var de *DispatchError
	return errors.As(err, &de) && de.Kind == kind
}
