package layout

import (
	"encoding/json"
	"fmt"
)

// State is the persisted form of a grid
type State struct {
	Config Config `json:"config"`
	Items  []Item `json:"items"`
}

// State returns the serializable grid state
func (g *Grid) State() State {
	items := g.Items()
	if items == nil {
		items = []Item{}
	}
	return State{Config: g.cfg, Items: items}
}

// MarshalJSON encodes the grid as its State
func (g *Grid) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.State())
}

// FromState rebuilds a grid exactly as persisted. Positions are not
// recompacted; the state is rejected if any item is out of bounds, ids repeat,
// or items overlap on a grid that does not allow it.
func FromState(s State) (*Grid, error) {
	g, err := New(s.Config)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(s.Items))
	for _, it := range s.Items {
		if it.ID == "" {
			return nil, newError(BoundsViolation, "", "item without id")
		}
		if seen[it.ID] {
			return nil, newError(DuplicateItem, it.ID, "appears twice in state")
		}
		seen[it.ID] = true

		if err := it.checkSize(it.W, it.H); err != nil {
			return nil, err
		}
		if err := g.checkPosition(it, it.X, it.Y); err != nil {
			return nil, err
		}
		if !s.Config.AllowOverlap {
			if hit, ok := firstCollision(g.items, it); ok {
				return nil, newError(OverlapUnresolvable, it.ID, "overlaps item %s", hit.ID)
			}
		}
		g.items = append(g.items, it)
	}
	return g, nil
}

// Decode parses a JSON grid state
func Decode(data []byte) (*Grid, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("layout: decode state: %w", err)
	}
	return FromState(s)
}
