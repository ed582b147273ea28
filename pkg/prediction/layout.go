package prediction

import (
	"fmt"

	"deeprestore/internal/models"
	"deeprestore/pkg/axes"
	"deeprestore/pkg/engine"
	"deeprestore/pkg/tiling"
)

// layout relates image dimensions to input and output tensor slots for one run
type layout struct {
	name  string
	dims  []models.Dimension
	sizes []int

	in, out engine.Shape
	heads   int

	// dimSlot and dimOutSlot give the tensor slot of every image dimension, -1
	// when the dimension is walked one index at a time
	dimSlot    []int
	dimOutSlot []int

	// slotDim and outSlotDim are the inverse tables; slot 0 is always -1
	slotDim    []int
	outSlotDim []int

	channelDim     int
	channelOutSlot int
	reducedDim     int
}

func newLayout(im *models.Image, mapping axes.Mapping, in, out engine.Shape, opts Options) (*layout, error) {
	if err := im.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShapeMismatch, err)
	}
	if err := mapping.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShapeMismatch, err)
	}

	rank := in.Rank()
	if rank < 2 {
		return nil, fmt.Errorf("%w: network input %s has rank %d, need at least 2", ErrShapeMismatch, in, rank)
	}

	reduced := mapping
	reducedDim := -1
	switch out.Rank() {
	case rank:
	case rank - 1:
		if z := mapping.SlotOf(models.AxisZ); z < 1 || z >= rank {
			return nil, fmt.Errorf("%w: network output %s drops a dimension but Z is not bound to a tensor slot (%s)",
				ErrShapeMismatch, out, mapping)
		}
		reduced.ReduceRank()
		reducedDim = im.DimensionIndex(models.AxisZ)
	default:
		return nil, fmt.Errorf("%w: network input %s and output %s ranks are incompatible", ErrShapeMismatch, in, out)
	}

	for d, dim := range im.Dims {
		if !dim.Axis.Known() {
			continue
		}
		if mapping.DatasetIndex(dim.Axis) != d || mapping.Size(dim.Axis) != dim.Size {
			return nil, fmt.Errorf("%w: axis mapping does not describe image %s (axis %s)",
				ErrShapeMismatch, im.ShapeString(), dim.Axis)
		}
	}

	l := &layout{
		name:           im.Name,
		dims:           append([]models.Dimension(nil), im.Dims...),
		sizes:          im.Sizes(),
		in:             in,
		out:            out,
		heads:          opts.Heads,
		dimSlot:        bindDims(im, mapping, rank),
		dimOutSlot:     bindDims(im, reduced, out.Rank()),
		channelDim:     im.DimensionIndex(models.AxisChannel),
		channelOutSlot: -1,
		reducedDim:     reducedDim,
	}
	l.slotDim = invert(l.dimSlot, rank)
	l.outSlotDim = invert(l.dimOutSlot, out.Rank())

	if s := reduced.SlotOf(models.AxisChannel); s >= 1 && s < out.Rank() {
		l.channelOutSlot = s
	}

	if s := mapping.SlotOf(models.AxisChannel); s >= 1 && s < rank && in.Fixed(s) {
		if channels := im.Extent(models.AxisChannel); int(in[s]) != channels {
			return nil, fmt.Errorf("%w: network expects %d channels, image %s has %d",
				ErrShapeMismatch, in[s], im.ShapeString(), channels)
		}
	}

	if l.heads > 1 {
		if l.channelOutSlot < 0 {
			return nil, fmt.Errorf("%w: %d output heads need the channel axis bound to an output slot",
				ErrShapeMismatch, l.heads)
		}
		if out.Fixed(l.channelOutSlot) && int(out[l.channelOutSlot])%l.heads != 0 {
			return nil, fmt.Errorf("%w: %d output channels cannot be split into %d heads",
				ErrShapeMismatch, out[l.channelOutSlot], l.heads)
		}
	}
	return l, nil
}

// bindDims returns the slot in [1, rank) of every image dimension, -1 otherwise
func bindDims(im *models.Image, m axes.Mapping, rank int) []int {
	slots := make([]int, len(im.Dims))
	for d, dim := range im.Dims {
		slots[d] = -1
		if !dim.Axis.Known() {
			continue
		}
		if s := m.SlotOf(dim.Axis); s >= 1 && s < rank {
			slots[d] = s
		}
	}
	return slots
}

func invert(dimSlot []int, rank int) []int {
	slotDim := make([]int, rank)
	for k := range slotDim {
		slotDim[k] = -1
	}
	for d, s := range dimSlot {
		if s >= 0 {
			slotDim[s] = d
		}
	}
	return slotDim
}

// tile plans the tile grid. Spatial dimensions fed to the network are split
// with overlap; the channel and reduced dimensions stay whole; every other
// dimension gets one tile per index.
func (l *layout) tile(opts Options) (*tiling.TiledView, error) {
	n := len(l.sizes)
	overlaps := make([]int, n)
	tileable := make([]bool, n)
	for d := range l.sizes {
		if l.dimSlot[d] < 0 || d == l.channelDim || d == l.reducedDim {
			continue
		}
		tileable[d] = true
		overlaps[d] = opts.Overlap
	}

	counts := tiling.Plan(l.sizes, overlaps, tileable, opts.TileCountHint)
	plans := make([]tiling.AxisPlan, n)
	for d := range l.sizes {
		switch {
		case l.dimSlot[d] < 0:
			plans[d] = tiling.AxisPlan{Count: l.sizes[d]}
		case tileable[d]:
			count := counts[d]
			if c, ok := opts.TilesPerAxis[l.dims[d].Axis]; ok {
				count = c
			}
			plans[d] = tiling.AxisPlan{Count: count, Overlap: overlaps[d]}
		default:
			plans[d] = tiling.AxisPlan{Count: 1}
		}
	}
	return tiling.NewTiledView(l.sizes, plans)
}

// slotSize is the input tensor extent of slot k for tiles of view
func (l *layout) slotSize(view *tiling.TiledView, k int) int {
	if d := l.slotDim[k]; d >= 0 {
		return view.Extent[d]
	}
	return 1
}

// checkTensorShape compares the tile tensor with the sizes the network fixes
func (l *layout) checkTensorShape(view *tiling.TiledView) error {
	for k := 1; k < l.in.Rank(); k++ {
		if !l.in.Fixed(k) {
			continue
		}
		if got := l.slotSize(view, k); int64(got) != l.in[k] {
			return fmt.Errorf("%w: tensor slot %d holds %d samples per tile, network expects %d",
				ErrShapeMismatch, k, got, l.in[k])
		}
	}
	return nil
}

// batchLen is the number of tiles in the tensor built for a batch
func (l *layout) batchLen(tiles, capacity int) int {
	if l.in.Fixed(0) {
		return capacity
	}
	return tiles
}

// assemble copies the padded boxes of tiles into one input tensor, stacked
// along slot 0. Unused batch entries stay zero.
func (l *layout) assemble(im *models.Image, view *tiling.TiledView, tiles []tiling.Tile, capacity int) *engine.Tensor {
	rank := l.in.Rank()
	shape := make([]int, rank)
	shape[0] = l.batchLen(len(tiles), capacity)
	for k := 1; k < rank; k++ {
		shape[k] = l.slotSize(view, k)
	}
	t := engine.NewTensor(shape...)
	per := t.Len() / shape[0]

	strides := im.Strides()
	offsets := make([][]int, rank-1)
	for j := range tiles {
		tile := &tiles[j]
		base := 0
		for d := range l.sizes {
			if l.dimSlot[d] < 0 {
				base += strides[d] * tile.Start[d]
			}
		}
		for k := 1; k < rank; k++ {
			d := l.slotDim[k]
			if d < 0 {
				offsets[k-1] = []int{0}
				continue
			}
			offs := make([]int, shape[k])
			for p := range offs {
				offs[p] = strides[d] * view.SourceIndex(tile, d, p)
			}
			offsets[k-1] = offs
		}
		gather(t.Data[j*per:(j+1)*per], im.Data, base, offsets)
	}
	return t
}

// gather fills dst in row-major order; offsets[k] lists the source offset of
// every position along tensor slot k+1
func gather(dst, src []float32, base int, offsets [][]int) {
	if len(offsets) == 1 {
		for p, o := range offsets[0] {
			dst[p] = src[base+o]
		}
		return
	}
	inner := len(dst) / len(offsets[0])
	for p, o := range offsets[0] {
		gather(dst[p*inner:(p+1)*inner], src, base+o, offsets[1:])
	}
}
