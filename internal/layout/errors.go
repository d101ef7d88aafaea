package layout

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a rejected grid operation
type ErrorKind string

const (
	// BoundsViolation means the geometry is negative, outside the grid, or
	// outside the item's min/max bounds
	BoundsViolation ErrorKind = "BoundsViolation"
	// OverlapUnresolvable means pushing colliding items down would move a
	// static item or run past the grid's row limit
	OverlapUnresolvable ErrorKind = "OverlapUnresolvable"
	// ItemNotFound means no item has the given id
	ItemNotFound ErrorKind = "ItemNotFound"
	// DuplicateItem means an item with the same id is already placed
	DuplicateItem ErrorKind = "DuplicateItem"
)

// Error is a rejected grid operation. The grid is unchanged when one is returned.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	ItemID  string    `json:"itemId,omitempty"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	if e.ItemID == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s (item %s): %s", e.Kind, e.ItemID, e.Message)
}

// Is matches another *Error of the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newError(kind ErrorKind, id, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, ItemID: id, Message: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err is, or wraps, a layout error of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var le *Error
	return errors.As(err, &le) && le.Kind == kind
}
