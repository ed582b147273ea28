package fusion

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"deeprestore/internal/models"
	"deeprestore/pkg/axes"
	"deeprestore/pkg/engine"
	"deeprestore/pkg/prediction"
	"deeprestore/pkg/progress"
)

// Pass is one prediction run of a dual pass: a mapping derived from the base
// mapping by swapping two axes
type Pass struct {
	Name    string
	Swap    [2]models.Axis
	Mapping axes.Mapping
}

// NewPass copies base and swaps the slots of a and b in the copy
func NewPass(name string, base axes.Mapping, a, b models.Axis) Pass {
	m := base
	m.Permute(a, b)
	return Pass{Name: name, Swap: [2]models.Axis{a, b}, Mapping: m}
}

// DualResult holds the outputs of both passes and their fusion
type DualResult struct {
	// Passes holds the output heads of each pass
	Passes [2][]*models.Image

	// Fused holds the geometric mean of every head
	Fused []*models.Image

	// Agreement compares the passes, one entry per head
	Agreement []Agreement
}

// DualPass runs batched tiled prediction twice on the same volume and fuses
// the results. Both passes run at once when the engine serves more than one
// session, otherwise one after the other.
type DualPass struct {
	engine  engine.Engine
	sink    progress.Sink
	options prediction.Options
}

// NewDualPass creates a dual pass runner. A nil sink discards progress.
func NewDualPass(e engine.Engine, sink progress.Sink, opts prediction.Options) *DualPass {
	if sink == nil {
		sink = progress.Nop{}
	}
	return &DualPass{engine: e, sink: sink, options: opts}
}

// Run predicts im once per pass and fuses the outputs head by head
func (d *DualPass) Run(ctx context.Context, im *models.Image, passes [2]Pass) (*DualResult, error) {
	result := &DualResult{}

	predict := func(ctx context.Context, i int) error {
		p := passes[i]
		d.sink.LogMessage(fmt.Sprintf("Pass %s: %s swapped with %s (%s)", p.Name, p.Swap[0], p.Swap[1], p.Mapping))
		out, err := prediction.NewPredictor(d.engine, d.sink, d.options).Predict(ctx, im, p.Mapping)
		if err != nil {
			return fmt.Errorf("pass %s: %w", p.Name, err)
		}
		result.Passes[i] = out
		return nil
	}

	if engine.MaxSessions(d.engine) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		for i := range passes {
			i := i
			g.Go(func() error { return predict(gctx, i) })
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		for i := range passes {
			if err := predict(ctx, i); err != nil {
				return nil, err
			}
		}
	}

	d.sink.BeginStep(progress.StepFusion)
	fused, err := FuseHeads(result.Passes[0], result.Passes[1])
	if err != nil {
		d.sink.ReportError(err.Error())
		d.sink.MarkStepFailed()
		return nil, err
	}
	result.Fused = fused
	d.sink.MarkStepDone()

	for h := range result.Passes[0] {
		a, err := Compare(result.Passes[0][h], result.Passes[1][h])
		if err != nil {
			return nil, err
		}
		result.Agreement = append(result.Agreement, a)
		d.sink.LogMessage(fmt.Sprintf("Output %d pass agreement: %s", h, a))
	}
	return result, nil
}
