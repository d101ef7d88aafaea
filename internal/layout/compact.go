package layout

import "sort"

// push keeps the pusher where it is and moves every item it overlaps, directly
// or through a chain of displaced items, down until it no longer collides.
// Static items never move; colliding with one is unresolvable.
func push(items []Item, pusherID string) error {
	pi := -1
	for i := range items {
		if items[i].ID == pusherID {
			pi = i
			break
		}
	}
	if pi < 0 {
		return newError(ItemNotFound, pusherID, "no such item")
	}
	pusher := items[pi]

	settled := []Item{pusher}
	for _, it := range items {
		if !it.Static || it.ID == pusherID {
			continue
		}
		if it.Collides(pusher) {
			return newError(OverlapUnresolvable, pusherID, "overlaps static item %s", it.ID)
		}
		settled = append(settled, it)
	}

	for _, i := range movable(items, pusherID) {
		it := items[i]
		for {
			hit, ok := firstCollision(settled, it)
			if !ok {
				break
			}
			it.Y = hit.Bottom()
		}
		items[i] = it
		settled = append(settled, it)
	}
	return nil
}

// compact pulls every non-static item upward, top items first, until it rests
// on the grid floor or on an item above it
func compact(items []Item) {
	var settled []Item
	for _, it := range items {
		if it.Static {
			settled = append(settled, it)
		}
	}

	for _, i := range movable(items, "") {
		it := items[i]
		for it.Y > 0 {
			probe := it
			probe.Y--
			if collidesAny(settled, probe) {
				break
			}
			it.Y--
		}
		for {
			hit, ok := firstCollision(settled, it)
			if !ok {
				break
			}
			it.Y = hit.Bottom()
		}
		items[i] = it
		settled = append(settled, it)
	}
}

// movable returns the indexes of non-static items other than skip, ordered
// top to bottom, left to right
func movable(items []Item, skip string) []int {
	var idx []int
	for i, it := range items {
		if !it.Static && it.ID != skip {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		x, y := items[idx[a]], items[idx[b]]
		if x.Y != y.Y {
			return x.Y < y.Y
		}
		if x.X != y.X {
			return x.X < y.X
		}
		return x.ID < y.ID
	})
	return idx
}

func firstCollision(settled []Item, it Item) (Item, bool) {
	for _, s := range settled {
		if s.Collides(it) {
			return s, true
		}
	}
	return Item{}, false
}
