// Package prediction runs a network over an image too large to feed at once.
//
// The image is cut into overlapping tiles, the tiles are stacked into batches
// along the first tensor slot, every batch goes through the engine, and the core
// of every output tile is written back into full size output images. Dimensions
// the network does not consume (those bound to the batch slot, or not bound at
// all) are walked one index at a time, so every tile carries exactly one index
// along them.
package prediction

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"

	"deeprestore/internal/models"
	"deeprestore/pkg/axes"
	"deeprestore/pkg/engine"
	"deeprestore/pkg/progress"
)

var (
	// ErrShapeMismatch is returned when the image, the mapping and the network disagree on shapes
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrCancelled is returned when the context ends between batches
	ErrCancelled = errors.New("prediction cancelled")
)

// EngineError reports an engine failure together with the batch it happened on.
// Batch counts from 1.
type EngineError struct {
	Batch int
	Total int
	Err   error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("inference failed on batch %d of %d: %v", e.Batch, e.Total, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Options controls tiling and batching
type Options struct {
	// TileCountHint is the minimum number of tiles the spatial dimensions are cut into
	TileCountHint int

	// TilesPerAxis overrides the planned tile count of individual axes
	TilesPerAxis map[models.Axis]int

	// BatchSize is the maximum number of tiles per engine call
	BatchSize int

	// Overlap is the halo added on each side of a tile along spatial axes
	Overlap int

	// Heads splits the network output channels into this many output images
	Heads int
}

// DefaultOptions returns the settings used for plain restoration networks
func DefaultOptions() Options {
	return Options{
		TileCountHint: 8,
		BatchSize:     1,
		Overlap:       32,
		Heads:         1,
	}
}

func (o Options) normalized() Options {
	if o.TileCountHint < 1 {
		o.TileCountHint = 1
	}
	if o.BatchSize < 1 {
		o.BatchSize = 1
	}
	if o.Overlap < 0 {
		o.Overlap = 0
	}
	if o.Heads < 1 {
		o.Heads = 1
	}
	return o
}

// Predictor runs batched tiled prediction with one engine
type Predictor struct {
	engine  engine.Engine
	sink    progress.Sink
	options Options
}

// NewPredictor creates a predictor. A nil sink discards progress.
func NewPredictor(e engine.Engine, sink progress.Sink, opts Options) *Predictor {
	if sink == nil {
		sink = progress.Nop{}
	}
	return &Predictor{engine: e, sink: sink, options: opts.normalized()}
}

// Predict runs the network over im using the tensor slots bound in mapping and
// returns one output image per head. The mapping is read, never modified.
//
// Output is all or nothing: on any error no image is returned. The context is
// checked between batches; a batch that has started always completes.
func (p *Predictor) Predict(ctx context.Context, im *models.Image, mapping axes.Mapping) ([]*models.Image, error) {
	p.sink.BeginStep(progress.StepPrediction)

	outputs, err := p.run(ctx, im, mapping)
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			p.sink.LogMessage(err.Error())
		} else {
			p.sink.ReportError(err.Error())
		}
		p.sink.MarkStepFailed()
		return nil, err
	}

	p.sink.MarkStepDone()
	return outputs, nil
}

func (p *Predictor) run(ctx context.Context, im *models.Image, mapping axes.Mapping) ([]*models.Image, error) {
	l, err := newLayout(im, mapping, p.engine.InputShape(), p.engine.OutputShape(), p.options)
	if err != nil {
		return nil, err
	}

	view, err := l.tile(p.options)
	if err != nil {
		return nil, err
	}
	if err := l.checkTensorShape(view); err != nil {
		return nil, err
	}

	capacity := p.options.BatchSize
	if l.in.Fixed(0) && int(l.in[0]) < capacity {
		capacity = int(l.in[0])
	}
	total := (view.Len() + capacity - 1) / capacity

	tileBytes := uint64(view.TileVolume()) * 4
	p.sink.LogMessage(fmt.Sprintf("Tiling %s into %d tiles of %v (%s each), %d batches of up to %d",
		im.ShapeString(), view.Len(), view.Extent, humanize.Bytes(tileBytes), total, capacity))

	st := newStitcher(l, view)
	for b := 0; b < total; b++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w after %d of %d batches: %w", ErrCancelled, b, total, err)
		}

		first := b * capacity
		last := first + capacity
		if last > view.Len() {
			last = view.Len()
		}
		tiles := view.Tiles[first:last]

		in := l.assemble(im, view, tiles, capacity)
		out, err := p.engine.Infer(context.WithoutCancel(ctx), in)
		if err != nil {
			return nil, &EngineError{Batch: b + 1, Total: total, Err: err}
		}
		if err := st.write(tiles, out, in.Shape[0]); err != nil {
			return nil, &EngineError{Batch: b + 1, Total: total, Err: err}
		}

		p.sink.LogMessage(fmt.Sprintf("Processed batch %d/%d", b+1, total))
		progress.ReportBatch(p.sink, b+1, total)
	}

	return st.images(), nil
}
