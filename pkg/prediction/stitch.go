package prediction

import (
	"fmt"

	"deeprestore/internal/models"
	"deeprestore/pkg/engine"
	"deeprestore/pkg/tiling"
)

// stitcher writes the cores of output tiles into the full size result images
type stitcher struct {
	l    *layout
	view *tiling.TiledView

	perHead int
	outputs []*models.Image

	// dimOut is the output image dimension of every input dimension, -1 when dropped
	dimOut     []int
	channelOut int
}

func newStitcher(l *layout, view *tiling.TiledView) *stitcher {
	return &stitcher{l: l, view: view}
}

// allocate creates the output images once the channel count per head is known
func (s *stitcher) allocate(perHead int) {
	l := s.l
	s.perHead = perHead
	s.dimOut = make([]int, len(l.dims))

	var dims []models.Dimension
	for d, dim := range l.dims {
		if d == l.reducedDim {
			s.dimOut[d] = -1
			continue
		}
		if d == l.channelDim && l.channelOutSlot >= 0 {
			dim.Size = perHead
		}
		s.dimOut[d] = len(dims)
		dims = append(dims, dim)
	}
	if l.channelDim < 0 && l.channelOutSlot >= 0 && perHead > 1 {
		dims = append(dims, models.Dimension{Axis: models.AxisChannel, Size: perHead})
	}

	s.channelOut = -1
	for i, dim := range dims {
		if dim.Axis == models.AxisChannel {
			s.channelOut = i
		}
	}

	s.outputs = make([]*models.Image, l.heads)
	for h := range s.outputs {
		s.outputs[h] = models.NewImage(dims...)
		s.outputs[h].Name = l.name
	}
}

// checkShape validates an output tensor and allocates the results on first use
func (s *stitcher) checkShape(out *engine.Tensor, batch int) error {
	l := s.l
	if len(out.Shape) != l.out.Rank() {
		return fmt.Errorf("%w: output tensor %v has rank %d, network declared %s",
			ErrShapeMismatch, out.Shape, len(out.Shape), l.out)
	}
	if len(out.Data) != out.Len() {
		return fmt.Errorf("%w: output tensor %v carries %d values", ErrShapeMismatch, out.Shape, len(out.Data))
	}
	if out.Shape[0] != batch {
		return fmt.Errorf("%w: output tensor holds %d tiles, sent %d", ErrShapeMismatch, out.Shape[0], batch)
	}

	perHead := 1
	for k := 1; k < len(out.Shape); k++ {
		if k == l.channelOutSlot {
			c := out.Shape[k]
			if c%l.heads != 0 {
				return fmt.Errorf("%w: %d output channels cannot be split into %d heads", ErrShapeMismatch, c, l.heads)
			}
			perHead = c / l.heads
			continue
		}
		want := 1
		if d := l.outSlotDim[k]; d >= 0 {
			want = s.view.Extent[d]
		}
		if out.Shape[k] != want {
			return fmt.Errorf("%w: output slot %d has %d samples per tile, expected %d",
				ErrShapeMismatch, k, out.Shape[k], want)
		}
	}

	if s.outputs == nil {
		s.allocate(perHead)
	} else if perHead != s.perHead {
		return fmt.Errorf("%w: output channel count changed from %d to %d",
			ErrShapeMismatch, s.perHead*l.heads, perHead*l.heads)
	}
	return nil
}

// run describes the positions read along one output slot: lo is the first
// tensor position, dst the output image offset of each position from there
type run struct {
	lo  int
	dst []int
}

// write stores the cores of every tile of a batch. Entries beyond len(tiles)
// are padding and ignored.
func (s *stitcher) write(tiles []tiling.Tile, out *engine.Tensor, batch int) error {
	if err := s.checkShape(out, batch); err != nil {
		return err
	}
	l := s.l
	rank := len(out.Shape)
	per := out.Len() / out.Shape[0]
	strides := models.RowMajorStrides(out.Shape[1:]...)
	dstStrides := s.outputs[0].Strides()

	runs := make([]run, rank-1)
	for j := range tiles {
		tile := &tiles[j]
		tileData := out.Data[j*per : (j+1)*per]

		base := 0
		for d := range l.sizes {
			if l.dimOutSlot[d] < 0 && s.dimOut[d] >= 0 {
				base += dstStrides[s.dimOut[d]] * tile.Start[d]
			}
		}

		channelRun := -1
		for k := 1; k < rank; k++ {
			r := &runs[k-1]
			switch d := l.outSlotDim[k]; {
			case k == l.channelOutSlot:
				channelRun = k - 1
				r.dst = make([]int, s.perHead)
				for c := range r.dst {
					if s.channelOut >= 0 {
						r.dst[c] = c * dstStrides[s.channelOut]
					}
				}
			case d >= 0:
				r.lo = tile.CoreOffset(d)
				r.dst = make([]int, tile.Size[d])
				for i := range r.dst {
					r.dst[i] = (tile.Start[d] + i) * dstStrides[s.dimOut[d]]
				}
			default:
				r.lo = 0
				r.dst = []int{0}
			}
		}

		for h, img := range s.outputs {
			if channelRun >= 0 {
				runs[channelRun].lo = h * s.perHead
			}
			scatter(img.Data, tileData, 0, base, runs, strides)
		}
	}
	return nil
}

// scatter copies the box described by runs from a tile tensor into an image
func scatter(dst, src []float32, srcBase, dstBase int, runs []run, strides []int) {
	if len(runs) == 0 {
		dst[dstBase] = src[srcBase]
		return
	}
	r := runs[0]
	if len(runs) == 1 {
		for i, o := range r.dst {
			dst[dstBase+o] = src[srcBase+(r.lo+i)*strides[0]]
		}
		return
	}
	for i, o := range r.dst {
		scatter(dst, src, srcBase+(r.lo+i)*strides[0], dstBase+o, runs[1:], strides[1:])
	}
}

func (s *stitcher) images() []*models.Image {
	return s.outputs
}
