package layout

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Append is the coordinate sentinel asking the grid to choose a position
const Append = -1

// Kind is the widget type held by a grid item
type Kind int

const (
	KindChart Kind = iota
	KindText
	KindImage
	KindIframe
)

var kindNames = map[Kind]string{
	KindChart:  "CHART",
	KindText:   "TEXT",
	KindImage:  "IMAGE",
	KindIframe: "IFRAME",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind accepts kind names case-insensitively
func ParseKind(raw string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(raw, name) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("layout: unknown widget kind %q", raw)
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseKind(raw)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Payload is the widget content. Charts reference their chart id, text widgets
// carry markup and image or iframe widgets a source URL.
type Payload struct {
	ChartID string `json:"chartId,omitempty"`
	Content string `json:"content,omitempty"`
	Source  string `json:"source,omitempty"`
}

// Item is one widget on the grid. Coordinates and sizes are in grid units;
// zero Min/Max values mean unbounded.
type Item struct {
	ID      string  `json:"id"`
	X       int     `json:"x"`
	Y       int     `json:"y"`
	W       int     `json:"w"`
	H       int     `json:"h"`
	MinW    int     `json:"minW,omitempty"`
	MinH    int     `json:"minH,omitempty"`
	MaxW    int     `json:"maxW,omitempty"`
	MaxH    int     `json:"maxH,omitempty"`
	Static  bool    `json:"static,omitempty"`
	Kind    Kind    `json:"kind"`
	Payload Payload `json:"payload"`
}

// Position is an item's top-left corner
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Position returns the item's top-left corner
func (it Item) Position() Position {
	return Position{X: it.X, Y: it.Y}
}

// Bottom is the first row below the item
func (it Item) Bottom() int {
	return it.Y + it.H
}

// Collides reports whether two distinct items share any cell
func (it Item) Collides(o Item) bool {
	if it.ID == o.ID {
		return false
	}
	return it.X < o.X+o.W && o.X < it.X+it.W && it.Y < o.Y+o.H && o.Y < it.Y+it.H
}

// checkSize validates w and h against the item's own bounds
func (it Item) checkSize(w, h int) error {
	if w <= 0 || h <= 0 {
		return newError(BoundsViolation, it.ID, "size %dx%d must be positive", w, h)
	}
	if it.MinW < 0 || it.MinH < 0 || it.MaxW < 0 || it.MaxH < 0 {
		return newError(BoundsViolation, it.ID, "size bounds must not be negative")
	}
	if it.MaxW > 0 && it.MinW > it.MaxW {
		return newError(BoundsViolation, it.ID, "minW %d exceeds maxW %d", it.MinW, it.MaxW)
	}
	if it.MaxH > 0 && it.MinH > it.MaxH {
		return newError(BoundsViolation, it.ID, "minH %d exceeds maxH %d", it.MinH, it.MaxH)
	}
	if w < it.MinW || (it.MaxW > 0 && w > it.MaxW) {
		return newError(BoundsViolation, it.ID, "width %d outside [%d, %s]", w, it.MinW, bound(it.MaxW))
	}
	if h < it.MinH || (it.MaxH > 0 && h > it.MaxH) {
		return newError(BoundsViolation, it.ID, "height %d outside [%d, %s]", h, it.MinH, bound(it.MaxH))
	}
	return nil
}

func bound(max int) string {
	if max == 0 {
		return "inf"
	}
	return fmt.Sprint(max)
}
