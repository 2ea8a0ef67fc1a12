// Package compositor arranges active streams into a display grid.
package compositor

import (
	"image"
	"math"

	"github.com/e7canasta/orion-multistream/internal/stream"
)

// Tile places one stream on the canvas.
type Tile struct {
	Stream stream.ID       `json:"stream_id"`
	Rect   image.Rectangle `json:"rect"`
}

// TileLayout is the derived grid for the current active set.
type TileLayout struct {
	Rows   int         `json:"rows"`
	Cols   int         `json:"cols"`
	Canvas image.Point `json:"canvas"`
	Tiles  []Tile      `json:"tiles"`
}

// GridSize returns the side of the square grid for n tiles, at least 1.
func GridSize(n int) int {
	if n <= 0 {
		return 1
	}
	return int(math.Ceil(math.Sqrt(float64(n))))
}

// Recompute lays active out row-major on a GridSize(len(active)) square
// grid over canvas. The order of active is the tile order. Recompute is
// pure: equal inputs give equal layouts.
func Recompute(active []stream.ID, canvas image.Point) TileLayout {
	side := GridSize(len(active))
	w, h := canvas.X/side, canvas.Y/side

	layout := TileLayout{
		Rows:   side,
		Cols:   side,
		Canvas: canvas,
		Tiles:  make([]Tile, 0, len(active)),
	}
	for i, id := range active {
		col, row := i%side, i/side
		layout.Tiles = append(layout.Tiles, Tile{
			Stream: id,
			Rect:   image.Rect(col*w, row*h, (col+1)*w, (row+1)*h),
		})
	}
	return layout
}

// Equal reports whether two layouts place the same streams identically.
func (l TileLayout) Equal(o TileLayout) bool {
	if l.Rows != o.Rows || l.Cols != o.Cols || l.Canvas != o.Canvas || len(l.Tiles) != len(o.Tiles) {
		return false
	}
	for i := range l.Tiles {
		if l.Tiles[i] != o.Tiles[i] {
			return false
		}
	}
	return true
}

// Lookup returns the rectangle of id.
func (l TileLayout) Lookup(id stream.ID) (image.Rectangle, bool) {
	for _, t := range l.Tiles {
		if t.Stream == id {
			return t.Rect, true
		}
	}
	return image.Rectangle{}, false
}

// Streams returns the tiled stream ids in tile order.
func (l TileLayout) Streams() []stream.ID {
	ids := make([]stream.ID, len(l.Tiles))
	for i, t := range l.Tiles {
		ids[i] = t.Stream
	}
	return ids
}
