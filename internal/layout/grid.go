package layout

import (
	"sort"

	"github.com/google/uuid"
)

// Config describes the grid geometry
type Config struct {
	Cols         int  `json:"cols" mapstructure:"cols"`
	RowHeight    int  `json:"rowHeight" mapstructure:"row_height"`
	MaxRows      int  `json:"maxRows,omitempty" mapstructure:"max_rows"`
	AllowOverlap bool `json:"allowOverlap,omitempty" mapstructure:"allow_overlap"`
}

// DefaultConfig is a 12 column compacted dashboard grid
func DefaultConfig() Config {
	return Config{Cols: 12, RowHeight: 30}
}

// Validate checks the grid geometry
func (c Config) Validate() error {
	if c.Cols <= 0 {
		return newError(BoundsViolation, "", "cols must be positive, got %d", c.Cols)
	}
	if c.RowHeight <= 0 {
		return newError(BoundsViolation, "", "rowHeight must be positive, got %d", c.RowHeight)
	}
	if c.MaxRows < 0 {
		return newError(BoundsViolation, "", "maxRows must not be negative, got %d", c.MaxRows)
	}
	return nil
}

// Grid is the positional state of the widgets of one dashboard.
//
// Unless AllowOverlap is set, every successful operation leaves the grid free
// of overlaps and vertically compacted: items colliding with a placed, moved
// or resized item are pushed below it, then every non-static item is pulled
// up as far as it can go.
type Grid struct {
	cfg   Config
	items []Item
}

// New creates an empty grid
func New(cfg Config) (*Grid, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Grid{cfg: cfg}, nil
}

// Config returns the grid geometry
func (g *Grid) Config() Config {
	return g.cfg
}

// Len returns the number of items
func (g *Grid) Len() int {
	return len(g.items)
}

// Items returns a copy of the items ordered top to bottom, left to right
func (g *Grid) Items() []Item {
	out := make([]Item, len(g.items))
	copy(out, g.items)
	sortItems(out)
	return out
}

// Item returns the item with the given id
func (g *Grid) Item(id string) (Item, bool) {
	if i := g.index(id); i >= 0 {
		return g.items[i], true
	}
	return Item{}, false
}

// Bottom returns the first row below every item
func (g *Grid) Bottom() int {
	return bottom(g.items)
}

// Clone returns an independent copy
func (g *Grid) Clone() *Grid {
	items := make([]Item, len(g.items))
	copy(items, g.items)
	return &Grid{cfg: g.cfg, items: items}
}

// Place adds an item. An Append Y lets the grid pick the topmost free spot
// and X is ignored; otherwise the item is put at (X, Y) and colliding items
// are pushed down. An empty id is replaced by a generated one. The final position is returned.
func (g *Grid) Place(item Item) (Item, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if g.index(item.ID) >= 0 {
		return Item{}, newError(DuplicateItem, item.ID, "already placed")
	}
	if err := item.checkSize(item.W, item.H); err != nil {
		return Item{}, err
	}
	if item.W > g.cfg.Cols {
		return Item{}, newError(BoundsViolation, item.ID, "width %d exceeds %d columns", item.W, g.cfg.Cols)
	}

	if item.Y == Append {
		pos, ok := g.firstFit(item)
		if !ok {
			return Item{}, newError(OverlapUnresolvable, item.ID, "no free space within %d rows", g.cfg.MaxRows)
		}
		item.X, item.Y = pos.X, pos.Y
	}
	if err := g.checkPosition(item, item.X, item.Y); err != nil {
		return Item{}, err
	}

	next := append(g.snapshot(), item)
	if err := g.settle(next, item.ID); err != nil {
		return Item{}, err
	}
	placed, _ := g.Item(item.ID)
	return placed, nil
}

// Move puts an item at (x, y)
func (g *Grid) Move(id string, x, y int) (Item, error) {
	i := g.index(id)
	if i < 0 {
		return Item{}, newError(ItemNotFound, id, "no such item")
	}
	if err := g.checkPosition(g.items[i], x, y); err != nil {
		return Item{}, err
	}

	next := g.snapshot()
	next[i].X, next[i].Y = x, y
	if err := g.settle(next, id); err != nil {
		return Item{}, err
	}
	moved, _ := g.Item(id)
	return moved, nil
}

// Resize changes an item's size, keeping its top-left corner
func (g *Grid) Resize(id string, w, h int) (Item, error) {
	i := g.index(id)
	if i < 0 {
		return Item{}, newError(ItemNotFound, id, "no such item")
	}
	cur := g.items[i]
	if err := cur.checkSize(w, h); err != nil {
		return Item{}, err
	}
	cur.W, cur.H = w, h
	if err := g.checkPosition(cur, cur.X, cur.Y); err != nil {
		return Item{}, err
	}

	next := g.snapshot()
	next[i] = cur
	if err := g.settle(next, id); err != nil {
		return Item{}, err
	}
	resized, _ := g.Item(id)
	return resized, nil
}

// Remove deletes an item and compacts the rest
func (g *Grid) Remove(id string) error {
	i := g.index(id)
	if i < 0 {
		return newError(ItemNotFound, id, "no such item")
	}
	next := g.snapshot()
	next = append(next[:i], next[i+1:]...)
	if !g.cfg.AllowOverlap {
		compact(next)
	}
	g.items = next
	return nil
}

// UpdatePayload replaces an item's content without touching its geometry
func (g *Grid) UpdatePayload(id string, p Payload) error {
	i := g.index(id)
	if i < 0 {
		return newError(ItemNotFound, id, "no such item")
	}
	g.items[i].Payload = p
	return nil
}

// Equal compares geometry and items regardless of insertion order
func (g *Grid) Equal(o *Grid) bool {
	if g.cfg != o.cfg || len(g.items) != len(o.items) {
		return false
	}
	a, b := g.Items(), o.Items()
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// settle resolves collisions caused by the pusher and compacts. The result is
// committed only if it still fits within MaxRows.
func (g *Grid) settle(next []Item, pusher string) error {
	if !g.cfg.AllowOverlap {
		if err := push(next, pusher); err != nil {
			return err
		}
		compact(next)
		if g.cfg.MaxRows > 0 {
			for _, it := range next {
				if it.Bottom() > g.cfg.MaxRows {
					return newError(OverlapUnresolvable, it.ID, "pushed past row %d", g.cfg.MaxRows)
				}
			}
		}
	}
	g.items = next
	return nil
}

func (g *Grid) checkPosition(it Item, x, y int) error {
	if x < 0 || y < 0 {
		return newError(BoundsViolation, it.ID, "position (%d,%d) must not be negative", x, y)
	}
	if x+it.W > g.cfg.Cols {
		return newError(BoundsViolation, it.ID, "x %d + w %d exceeds %d columns", x, it.W, g.cfg.Cols)
	}
	if g.cfg.MaxRows > 0 && y+it.H > g.cfg.MaxRows {
		return newError(BoundsViolation, it.ID, "y %d + h %d exceeds %d rows", y, it.H, g.cfg.MaxRows)
	}
	return nil
}

// firstFit finds the topmost free spot for the item, scanning each row left
// to right
func (g *Grid) firstFit(item Item) (Position, bool) {
	limit := g.Bottom()
	for y := 0; y <= limit; y++ {
		if g.cfg.MaxRows > 0 && y+item.H > g.cfg.MaxRows {
			return Position{}, false
		}
		for x := 0; x+item.W <= g.cfg.Cols; x++ {
			probe := item
			probe.X, probe.Y = x, y
			if !collidesAny(g.items, probe) {
				return Position{X: x, Y: y}, true
			}
		}
	}
	return Position{}, false
}

func (g *Grid) index(id string) int {
	for i := range g.items {
		if g.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (g *Grid) snapshot() []Item {
	out := make([]Item, len(g.items), len(g.items)+1)
	copy(out, g.items)
	return out
}

func sortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		if a.X != b.X {
			return a.X < b.X
		}
		return a.ID < b.ID
	})
}

func bottom(items []Item) int {
	max := 0
	for _, it := range items {
		if b := it.Bottom(); b > max {
			max = b
		}
	}
	return max
}

func collidesAny(items []Item, probe Item) bool {
	for _, it := range items {
		if it.Collides(probe) {
			return true
		}
	}
	return false
}
