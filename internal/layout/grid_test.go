package layout

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGrid(t *testing.T, cfg Config) *Grid {
	t.Helper()
	g, err := New(cfg)
	require.NoError(t, err)
	return g
}

func place(t *testing.T, g *Grid, it Item) Item {
	t.Helper()
	placed, err := g.Place(it)
	require.NoError(t, err)
	return placed
}

func pos(t *testing.T, g *Grid, id string) Position {
	t.Helper()
	it, ok := g.Item(id)
	require.True(t, ok, "item %s", id)
	return it.Position()
}

// assertSettled checks that no two items overlap and every non-static item
// rests on the floor or on another item
func assertSettled(t *testing.T, g *Grid) {
	t.Helper()
	items := g.Items()
	for i := range items {
		for j := i + 1; j < len(items); j++ {
			assert.False(t, items[i].Collides(items[j]), "%s overlaps %s", items[i].ID, items[j].ID)
		}
		if items[i].Static || items[i].Y == 0 {
			continue
		}
		probe := items[i]
		probe.Y--
		assert.True(t, collidesAny(items, probe), "%s floats at y=%d", items[i].ID, items[i].Y)
	}
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.True(t, IsKind(Config{Cols: 0, RowHeight: 30}.Validate(), BoundsViolation))
	assert.True(t, IsKind(Config{Cols: 12, RowHeight: 0}.Validate(), BoundsViolation))
	assert.True(t, IsKind(Config{Cols: 12, RowHeight: 30, MaxRows: -1}.Validate(), BoundsViolation))
}

func TestPlace_AppendFillsRowsLeftToRight(t *testing.T) {
	g := newGrid(t, DefaultConfig())

	want := []Position{{0, 0}, {4, 0}, {8, 0}, {0, 4}}
	for i, w := range want {
		it := place(t, g, Item{ID: fmt.Sprintf("w%d", i), Y: Append, W: 4, H: 4, Kind: KindChart})
		assert.Equal(t, w, it.Position(), "item %d", i)
	}
	assertSettled(t, g)
}

func TestPlace_AppendSkipsStaticItems(t *testing.T) {
	g := newGrid(t, DefaultConfig())
	place(t, g, Item{ID: "banner", X: 0, Y: 3, W: 12, H: 1, Static: true, Kind: KindText})
	place(t, g, Item{ID: "a", Y: Append, W: 4, H: 2})

	b := place(t, g, Item{ID: "b", Y: Append, W: 12, H: 3})
	assert.Equal(t, Position{0, 4}, b.Position())
	assert.Equal(t, Position{0, 3}, pos(t, g, "banner"))
}

func TestPlace_RemovePlaceIsIdempotent(t *testing.T) {
	items := []Item{
		{ID: "a", X: 3, Y: 5, W: 2, H: 2},
		{ID: "b", Y: Append, W: 6, H: 3},
		{ID: "c", X: 10, Y: 0, W: 2, H: 9},
	}
	for _, it := range items {
		t.Run(it.ID, func(t *testing.T) {
			g := newGrid(t, DefaultConfig())
			first := place(t, g, it)
			require.NoError(t, g.Remove(it.ID))
			assert.Equal(t, 0, g.Len())
			second := place(t, g, it)
			assert.Equal(t, first.Position(), second.Position())
		})
	}
}

func TestPlace_CompactsExplicitPosition(t *testing.T) {
	g := newGrid(t, DefaultConfig())
	it := place(t, g, Item{ID: "a", X: 3, Y: 5, W: 2, H: 2})
	assert.Equal(t, Position{3, 0}, it.Position())
}

func TestPlace_PushesCollidingItemsDown(t *testing.T) {
	g := newGrid(t, DefaultConfig())
	place(t, g, Item{ID: "a", X: 0, Y: 0, W: 4, H: 2})
	place(t, g, Item{ID: "b", X: 0, Y: 2, W: 4, H: 2})

	c := place(t, g, Item{ID: "c", X: 0, Y: 0, W: 4, H: 3})
	assert.Equal(t, Position{0, 0}, c.Position())
	assert.Equal(t, Position{0, 3}, pos(t, g, "a"))
	assert.Equal(t, Position{0, 5}, pos(t, g, "b"))
	assertSettled(t, g)
}

func TestPlace_PushStopsBelowStatic(t *testing.T) {
	g := newGrid(t, DefaultConfig())
	place(t, g, Item{ID: "a", X: 0, Y: 0, W: 4, H: 2})
	place(t, g, Item{ID: "s", X: 0, Y: 2, W: 4, H: 1, Static: true})

	place(t, g, Item{ID: "c", X: 0, Y: 0, W: 4, H: 2})
	assert.Equal(t, Position{0, 2}, pos(t, g, "s"))
	assert.Equal(t, Position{0, 3}, pos(t, g, "a"))
	assertSettled(t, g)
}

func TestPlace_OntoStaticIsUnresolvable(t *testing.T) {
	g := newGrid(t, DefaultConfig())
	place(t, g, Item{ID: "s", X: 0, Y: 0, W: 4, H: 2, Static: true})

	_, err := g.Place(Item{ID: "a", X: 2, Y: 1, W: 4, H: 2})
	assert.True(t, IsKind(err, OverlapUnresolvable))
	assert.Equal(t, 1, g.Len())
}

func TestPlace_MaxRows(t *testing.T) {
	g := newGrid(t, Config{Cols: 12, RowHeight: 30, MaxRows: 4})
	place(t, g, Item{ID: "a", X: 0, Y: 0, W: 4, H: 2})
	place(t, g, Item{ID: "b", X: 0, Y: 2, W: 4, H: 2})

	_, err := g.Place(Item{ID: "c", X: 0, Y: 0, W: 4, H: 2})
	assert.True(t, IsKind(err, OverlapUnresolvable))
	assert.Equal(t, Position{0, 0}, pos(t, g, "a"))
	assert.Equal(t, Position{0, 2}, pos(t, g, "b"))

	_, err = g.Place(Item{ID: "tall", X: 4, Y: 0, W: 4, H: 5})
	assert.True(t, IsKind(err, BoundsViolation))

	_, err = g.Place(Item{ID: "wide", Y: Append, W: 12, H: 1})
	assert.True(t, IsKind(err, OverlapUnresolvable))
}

func TestPlace_MaxRowsCheckedAfterCompaction(t *testing.T) {
	g := newGrid(t, Config{Cols: 12, RowHeight: 30, MaxRows: 4})
	place(t, g, Item{ID: "a", X: 0, Y: 0, W: 4, H: 2})

	// a is pushed to row 3 first, then both rise and end at rows 0 and 2
	placed, err := g.Place(Item{ID: "c", X: 0, Y: 1, W: 4, H: 2})
	require.NoError(t, err)
	assert.Equal(t, Position{0, 0}, placed.Position())
	assert.Equal(t, Position{0, 2}, pos(t, g, "a"))
	assert.Equal(t, 4, g.Bottom())
	assertSettled(t, g)

	_, err = g.Move("a", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, g.Bottom())
}

func TestPlace_Rejects(t *testing.T) {
	tests := []struct {
		name string
		item Item
		kind ErrorKind
	}{
		{"zero width", Item{ID: "x", W: 0, H: 2}, BoundsViolation},
		{"negative height", Item{ID: "x", W: 2, H: -1}, BoundsViolation},
		{"negative x", Item{ID: "x", X: -2, Y: 0, W: 2, H: 2}, BoundsViolation},
		{"negative y", Item{ID: "x", X: 0, Y: -3, W: 2, H: 2}, BoundsViolation},
		{"past last column", Item{ID: "x", X: 10, W: 4, H: 2}, BoundsViolation},
		{"wider than grid", Item{ID: "x", Y: Append, W: 13, H: 2}, BoundsViolation},
		{"below minW", Item{ID: "x", W: 2, H: 2, MinW: 3}, BoundsViolation},
		{"above maxH", Item{ID: "x", W: 2, H: 5, MaxH: 4}, BoundsViolation},
		{"min above max", Item{ID: "x", W: 2, H: 2, MinW: 4, MaxW: 3}, BoundsViolation},
		{"duplicate", Item{ID: "taken", W: 2, H: 2}, DuplicateItem},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGrid(t, DefaultConfig())
			place(t, g, Item{ID: "taken", X: 6, Y: 0, W: 2, H: 2})
			_, err := g.Place(tt.item)
			assert.True(t, IsKind(err, tt.kind), "got %v", err)
			assert.Equal(t, 1, g.Len())
		})
	}
}

func TestPlace_GeneratesID(t *testing.T) {
	g := newGrid(t, DefaultConfig())
	it := place(t, g, Item{Y: Append, W: 2, H: 2})
	assert.NotEmpty(t, it.ID)
}

func TestMove(t *testing.T) {
	t.Run("onto another item swaps them", func(t *testing.T) {
		g := newGrid(t, DefaultConfig())
		place(t, g, Item{ID: "a", X: 0, Y: 0, W: 4, H: 2})
		place(t, g, Item{ID: "b", X: 0, Y: 2, W: 4, H: 2})

		moved, err := g.Move("b", 0, 0)
		require.NoError(t, err)
		assert.Equal(t, Position{0, 0}, moved.Position())
		assert.Equal(t, Position{0, 2}, pos(t, g, "a"))
	})

	t.Run("sideways lets items below rise", func(t *testing.T) {
		g := newGrid(t, DefaultConfig())
		place(t, g, Item{ID: "a", X: 0, Y: 0, W: 4, H: 2})
		place(t, g, Item{ID: "b", X: 0, Y: 2, W: 4, H: 2})

		_, err := g.Move("a", 8, 0)
		require.NoError(t, err)
		assert.Equal(t, Position{8, 0}, pos(t, g, "a"))
		assert.Equal(t, Position{0, 0}, pos(t, g, "b"))
	})

	t.Run("down onto the item below is undone by compaction", func(t *testing.T) {
		g := newGrid(t, DefaultConfig())
		place(t, g, Item{ID: "a", X: 0, Y: 0, W: 4, H: 2})
		place(t, g, Item{ID: "b", X: 0, Y: 2, W: 4, H: 2})

		moved, err := g.Move("a", 0, 2)
		require.NoError(t, err)
		assert.Equal(t, Position{0, 0}, moved.Position())
		assert.Equal(t, Position{0, 2}, pos(t, g, "b"))
	})

	t.Run("down past the item below swaps them", func(t *testing.T) {
		g := newGrid(t, DefaultConfig())
		place(t, g, Item{ID: "a", X: 0, Y: 0, W: 4, H: 2})
		place(t, g, Item{ID: "b", X: 0, Y: 2, W: 4, H: 2})

		moved, err := g.Move("a", 0, 4)
		require.NoError(t, err)
		assert.Equal(t, Position{0, 0}, pos(t, g, "b"))
		assert.Equal(t, Position{0, 2}, moved.Position())
	})

	t.Run("into a static item is rejected", func(t *testing.T) {
		g := newGrid(t, DefaultConfig())
		place(t, g, Item{ID: "a", X: 0, Y: 0, W: 4, H: 2})
		place(t, g, Item{ID: "s", X: 4, Y: 0, W: 4, H: 2, Static: true})

		_, err := g.Move("a", 3, 0)
		assert.True(t, IsKind(err, OverlapUnresolvable))
		assert.Equal(t, Position{0, 0}, pos(t, g, "a"))
	})

	t.Run("out of bounds", func(t *testing.T) {
		g := newGrid(t, DefaultConfig())
		place(t, g, Item{ID: "a", X: 0, Y: 0, W: 4, H: 2})
		_, err := g.Move("a", 9, 0)
		assert.True(t, IsKind(err, BoundsViolation))
		_, err = g.Move("missing", 0, 0)
		assert.True(t, IsKind(err, ItemNotFound))
	})
}

func TestResize(t *testing.T) {
	g := newGrid(t, DefaultConfig())
	place(t, g, Item{ID: "a", X: 0, Y: 0, W: 4, H: 2, MinH: 2, MaxW: 6})
	place(t, g, Item{ID: "b", X: 0, Y: 2, W: 4, H: 2})

	resized, err := g.Resize("a", 6, 4)
	require.NoError(t, err)
	assert.Equal(t, 6, resized.W)
	assert.Equal(t, Position{0, 4}, pos(t, g, "b"))
	assertSettled(t, g)

	_, err = g.Resize("a", 7, 4)
	assert.True(t, IsKind(err, BoundsViolation))
	_, err = g.Resize("a", 4, 1)
	assert.True(t, IsKind(err, BoundsViolation))
	_, err = g.Resize("nope", 1, 1)
	assert.True(t, IsKind(err, ItemNotFound))

	got, _ := g.Item("a")
	assert.Equal(t, 6, got.W)
	assert.Equal(t, 4, got.H)
}

func TestRemove_CompactsRemaining(t *testing.T) {
	g := newGrid(t, DefaultConfig())
	place(t, g, Item{ID: "a", X: 0, Y: 0, W: 4, H: 2})
	place(t, g, Item{ID: "b", X: 0, Y: 2, W: 4, H: 2})
	place(t, g, Item{ID: "c", X: 2, Y: 4, W: 4, H: 1})

	require.NoError(t, g.Remove("a"))
	assert.Equal(t, Position{0, 0}, pos(t, g, "b"))
	assert.Equal(t, Position{2, 2}, pos(t, g, "c"))
	assert.True(t, IsKind(g.Remove("a"), ItemNotFound))
}

func TestAllowOverlap(t *testing.T) {
	g := newGrid(t, Config{Cols: 24, RowHeight: 10, AllowOverlap: true})
	place(t, g, Item{ID: "a", X: 0, Y: 0, W: 4, H: 2})
	place(t, g, Item{ID: "b", X: 2, Y: 1, W: 4, H: 2})
	place(t, g, Item{ID: "c", X: 0, Y: 10, W: 4, H: 2})

	assert.Equal(t, Position{2, 1}, pos(t, g, "b"))
	assert.Equal(t, Position{0, 10}, pos(t, g, "c"))

	require.NoError(t, g.Remove("a"))
	assert.Equal(t, Position{2, 1}, pos(t, g, "b"))

	_, err := g.Resize("b", 30, 2)
	assert.True(t, IsKind(err, BoundsViolation))
}

func TestRandomOperationsKeepGridSettled(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	g := newGrid(t, DefaultConfig())

	for step := 0; step < 300; step++ {
		items := g.Items()
		switch op := rng.Intn(4); {
		case op == 0 || len(items) == 0:
			w := 1 + rng.Intn(6)
			y := Append
			if rng.Intn(2) == 0 {
				y = rng.Intn(15)
			}
			_, _ = g.Place(Item{X: rng.Intn(12 - w + 1), Y: y, W: w, H: 1 + rng.Intn(4)})
		case op == 1:
			it := items[rng.Intn(len(items))]
			_, _ = g.Move(it.ID, rng.Intn(12-it.W+1), rng.Intn(20))
		case op == 2:
			it := items[rng.Intn(len(items))]
			w := 1 + rng.Intn(12-it.X)
			_, _ = g.Resize(it.ID, w, 1+rng.Intn(5))
		default:
			it := items[rng.Intn(len(items))]
			require.NoError(t, g.Remove(it.ID))
		}
		assertSettled(t, g)
	}
}

func TestState_RoundTrip(t *testing.T) {
	g := newGrid(t, DefaultConfig())
	place(t, g, Item{ID: "chart", Y: Append, W: 6, H: 4, Kind: KindChart, Payload: Payload{ChartID: "c-1"}})
	place(t, g, Item{ID: "note", Y: Append, W: 6, H: 2, Kind: KindText, Payload: Payload{Content: "<b>Q3</b>"}})
	place(t, g, Item{ID: "logo", Y: Append, W: 2, H: 2, MinW: 2, Static: true, Kind: KindImage, Payload: Payload{Source: "https://example.com/logo.png"}})

	data, err := json.Marshal(g)
	require.NoError(t, err)

	restored, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, g.Equal(restored))

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "config")
	assert.Contains(t, raw, "items")
}

func TestFromState_Rejects(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		name  string
		state State
		kind  ErrorKind
	}{
		{"overlap", State{Config: cfg, Items: []Item{{ID: "a", W: 4, H: 2}, {ID: "b", X: 2, W: 4, H: 2}}}, OverlapUnresolvable},
		{"duplicate", State{Config: cfg, Items: []Item{{ID: "a", W: 1, H: 1}, {ID: "a", X: 5, W: 1, H: 1}}}, DuplicateItem},
		{"out of bounds", State{Config: cfg, Items: []Item{{ID: "a", X: 11, W: 2, H: 1}}}, BoundsViolation},
		{"bad config", State{Config: Config{}, Items: nil}, BoundsViolation},
		{"missing id", State{Config: cfg, Items: []Item{{W: 1, H: 1}}}, BoundsViolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromState(tt.state)
			assert.True(t, IsKind(err, tt.kind), "got %v", err)
		})
	}

	// overlap is kept on free-form canvases
	free := State{Config: Config{Cols: 12, RowHeight: 30, AllowOverlap: true}, Items: tests[0].state.Items}
	g, err := FromState(free)
	require.NoError(t, err)
	assert.Equal(t, 2, g.Len())
}

func TestDecode_InvalidJSON(t *testing.T) {
	_, err := Decode([]byte(`{"items": 3}`))
	assert.Error(t, err)
}

func TestKind_JSON(t *testing.T) {
	data, err := json.Marshal(KindIframe)
	require.NoError(t, err)
	assert.Equal(t, `"IFRAME"`, string(data))

	var k Kind
	require.NoError(t, json.Unmarshal([]byte(`"image"`), &k))
	assert.Equal(t, KindImage, k)
	assert.Error(t, json.Unmarshal([]byte(`"overlay"`), &k))
}
