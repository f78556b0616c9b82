package group

import (
	"cmp"
	"slices"

	"github.com/dokzlo13/roomd/internal/device"
)

// Item is one tile to place.
type Item struct {
	ID   string
	Type string
	Size device.Size
}

// Placement is a placed tile in grid cells.
type Placement struct {
	ID   string      `json:"id"`
	X    int         `json:"x"`
	Y    int         `json:"y"`
	Size device.Size `json:"size"`
}

// Layout is the packed arrangement of a group.
type Layout struct {
	Width       int         `json:"width"`
	Height      int         `json:"height"`
	Placements  []Placement `json:"placements"`
	Placeholder bool        `json:"placeholder,omitempty"`
}

// Pack arranges items left to right, top to bottom, wrapping at width.
// Items are ordered by area, height, type and id (larger first), so the
// result does not depend on the order items were added in. An empty input
// yields a placeholder layout.
func Pack(items []Item, width int) Layout {
	if width < 1 {
		width = 1
	}
	if len(items) == 0 {
		return Layout{Width: width, Placeholder: true}
	}

	sorted := slices.Clone(items)
	slices.SortFunc(sorted, func(a, b Item) int {
		if c := cmp.Compare(b.Size.Area(), a.Size.Area()); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Size.H, a.Size.H); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Type, b.Type); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	layout := Layout{Width: width, Placements: make([]Placement, 0, len(sorted))}
	x, y, rowH := 0, 0, 0
	for _, it := range sorted {
		size := it.Size
		size.W = min(max(size.W, 1), width)
		size.H = max(size.H, 1)

		if x > 0 && x+size.W > width {
			x = 0
			y += rowH
			rowH = 0
		}
		layout.Placements = append(layout.Placements, Placement{ID: it.ID, X: x, Y: y, Size: size})
		x += size.W
		rowH = max(rowH, size.H)
	}
	layout.Height = y + rowH

	return layout
}
