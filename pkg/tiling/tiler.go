/*
Package tiling splits an image into a grid of overlapping tiles for tiled
inference and knows how to put the results back together.

Every dimension is cut independently. A dimension of extent N cut into n tiles
gets cores of floor(N/n) samples; the last tile takes whatever is left over, so
the cores concatenate to exactly [0, N). Each tile then grows by the overlap on
both sides. All tiles of a view share one padded extent (the largest core plus
twice the overlap) so that they can be stacked into one batch tensor; the
difference is simply extra context after the core. Where a padded box reaches
past the image edge the edge sample is repeated (border extension).

After inference only the core of each tile is kept, the padding is thrown away.
*/
package tiling

import (
	"errors"
	"fmt"
)

// ErrInvalidConfiguration is returned for tile counts or overlaps the image cannot honor
var ErrInvalidConfiguration = errors.New("invalid tiling configuration")

// AxisPlan is the tiling of one image dimension
type AxisPlan struct {
	// Count is the number of tiles along the dimension
	Count int

	// Overlap is the padding added on each side of every tile core
	Overlap int
}

// Tile is one box of a TiledView. All slices are indexed by image dimension.
type Tile struct {
	// Index is the position of the tile in TiledView.Tiles
	Index int

	// Grid is the position of the tile in the tile grid
	Grid []int

	// Start and Size describe the core region
	Start []int
	Size  []int

	// Origin is where the padded box starts; it may be negative
	Origin []int
}

// CoreOffset returns where the core begins inside the padded box along dimension d
func (t *Tile) CoreOffset(d int) int {
	return t.Start[d] - t.Origin[d]
}

// TiledView is the ordered set of tiles covering one interval
type TiledView struct {
	// Sizes is the extent of the full interval
	Sizes []int

	// Plans is the tiling applied to every dimension
	Plans []AxisPlan

	// Extent is the padded extent shared by every tile
	Extent []int

	// Tiles in row-major grid order, last dimension fastest
	Tiles []Tile
}

// Split1D cuts an extent into count cores. It returns the start and size of each
// core; the last core absorbs the remainder. The overlap must not exceed half a
// core unless count is 1: a lone tile has no neighbor and border extension
// supplies its whole halo.
func Split1D(extent, count, overlap int) (starts, sizes []int, err error) {
	if count < 1 {
		return nil, nil, fmt.Errorf("%w: tile count %d must be positive", ErrInvalidConfiguration, count)
	}
	if overlap < 0 {
		return nil, nil, fmt.Errorf("%w: negative overlap %d", ErrInvalidConfiguration, overlap)
	}
	if count > extent {
		return nil, nil, fmt.Errorf("%w: %d tiles requested for extent %d", ErrInvalidConfiguration, count, extent)
	}
	core := extent / count
	if count > 1 && 2*overlap > core {
		return nil, nil, fmt.Errorf("%w: overlap %d exceeds half of the tile size %d",
			ErrInvalidConfiguration, overlap, core)
	}

	starts = make([]int, count)
	sizes = make([]int, count)
	for i := 0; i < count; i++ {
		starts[i] = i * core
		sizes[i] = core
	}
	sizes[count-1] = extent - starts[count-1]
	return starts, sizes, nil
}

// NewTiledView builds the tile grid for an interval of the given sizes
func NewTiledView(sizes []int, plans []AxisPlan) (*TiledView, error) {
	if len(sizes) != len(plans) {
		return nil, fmt.Errorf("%w: %d dimensions but %d axis plans", ErrInvalidConfiguration, len(sizes), len(plans))
	}

	n := len(sizes)
	starts := make([][]int, n)
	cores := make([][]int, n)
	extent := make([]int, n)
	total := 1
	for d := 0; d < n; d++ {
		s, c, err := Split1D(sizes[d], plans[d].Count, plans[d].Overlap)
		if err != nil {
			return nil, fmt.Errorf("dimension %d: %w", d, err)
		}
		starts[d], cores[d] = s, c
		extent[d] = c[len(c)-1] + 2*plans[d].Overlap
		total *= plans[d].Count
	}

	view := &TiledView{
		Sizes:  append([]int(nil), sizes...),
		Plans:  append([]AxisPlan(nil), plans...),
		Extent: extent,
		Tiles:  make([]Tile, 0, total),
	}

	grid := make([]int, n)
	for i := 0; i < total; i++ {
		tile := Tile{
			Index:  i,
			Grid:   append([]int(nil), grid...),
			Start:  make([]int, n),
			Size:   make([]int, n),
			Origin: make([]int, n),
		}
		for d := 0; d < n; d++ {
			tile.Start[d] = starts[d][grid[d]]
			tile.Size[d] = cores[d][grid[d]]
			tile.Origin[d] = tile.Start[d] - plans[d].Overlap
		}
		view.Tiles = append(view.Tiles, tile)

		// advance the grid counter, last dimension fastest
		for d := n - 1; d >= 0; d-- {
			grid[d]++
			if grid[d] < plans[d].Count {
				break
			}
			grid[d] = 0
		}
	}
	return view, nil
}

// Len returns the number of tiles
func (v *TiledView) Len() int { return len(v.Tiles) }

// TileVolume returns the number of samples in one padded tile
func (v *TiledView) TileVolume() int {
	n := 1
	for _, e := range v.Extent {
		n *= e
	}
	return n
}

// Clamp maps an index outside [0, n) onto the nearest edge sample
func Clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// SourceIndex returns the image index read for position pos of the padded box
// of tile t along dimension d, with border extension
func (v *TiledView) SourceIndex(t *Tile, d, pos int) int {
	return Clamp(t.Origin[d]+pos, v.Sizes[d])
}

// Coverage counts how often each sample of the interval lies in a tile core.
// A valid view yields 1 everywhere.
func (v *TiledView) Coverage() []int {
	total := 1
	for _, s := range v.Sizes {
		total *= s
	}
	counts := make([]int, total)
	n := len(v.Sizes)
	pos := make([]int, n)
	for i := range v.Tiles {
		t := &v.Tiles[i]
		forEachIndex(t.Size, pos, func(p []int) {
			off := 0
			for d := 0; d < n; d++ {
				off = off*v.Sizes[d] + t.Start[d] + p[d]
			}
			counts[off]++
		})
	}
	return counts
}

// forEachIndex calls fn with every coordinate inside sizes in row-major order.
// The slice passed to fn is reused between calls.
func forEachIndex(sizes, pos []int, fn func([]int)) {
	for d := range pos {
		pos[d] = 0
		if sizes[d] == 0 {
			return
		}
	}
	for {
		fn(pos)
		d := len(sizes) - 1
		for ; d >= 0; d-- {
			pos[d]++
			if pos[d] < sizes[d] {
				break
			}
			pos[d] = 0
		}
		if d < 0 {
			return
		}
	}
}
