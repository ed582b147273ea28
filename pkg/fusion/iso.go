package fusion

import (
	"context"
	"fmt"

	"deeprestore/internal/models"
	"deeprestore/pkg/axes"
	"deeprestore/pkg/engine"
	"deeprestore/pkg/interpolation"
	"deeprestore/pkg/normalize"
	"deeprestore/pkg/prediction"
	"deeprestore/pkg/progress"
)

// IsoOptions configures isotropic reconstruction
type IsoOptions struct {
	// ScaleZ is the ratio of axial to lateral sampling distance
	ScaleZ float64

	Normalization normalize.Params
	Prediction    prediction.Options
}

// DefaultIsoOptions returns the settings the isotropic networks were trained for.
// Z is walked along the batch slot, so tiles need no overlap along it.
func DefaultIsoOptions() IsoOptions {
	return IsoOptions{
		ScaleZ:        10.2,
		Normalization: normalize.DefaultParams(),
		Prediction: prediction.Options{
			TileCountHint: 8,
			BatchSize:     4,
			Overlap:       0,
			Heads:         2,
		},
	}
}

// IsoResult is the outcome of an isotropic reconstruction
type IsoResult struct {
	// Prediction and Control are the fused network heads
	Prediction *models.Image
	Control    *models.Image

	// Agreement compares the two passes on the prediction head
	Agreement Agreement

	// Upsampled is the normalized, Z-upsampled input both passes ran on
	Upsampled *models.Image
}

// Iso restores an anisotropic volume with a network trained on lateral planes
type Iso struct {
	engine  engine.Engine
	sink    progress.Sink
	options IsoOptions
}

// NewIso creates an isotropic reconstruction. A nil sink discards progress.
func NewIso(e engine.Engine, sink progress.Sink, opts IsoOptions) *Iso {
	if sink == nil {
		sink = progress.Nop{}
	}
	return &Iso{engine: e, sink: sink, options: opts}
}

// BaseMapping binds Z to the batch slot and Y, X, Channel to slots 1 to 3 of a
// rank 4 network
func BaseMapping(im *models.Image) axes.Mapping {
	m := axes.NewMapping(im)
	m.SetSlots(models.AxisZ, models.AxisY, models.AxisX, models.AxisChannel)
	return m
}

// Passes returns the two pass mappings: Z swapped with X, and Z swapped with Y
func Passes(base axes.Mapping) [2]Pass {
	return [2]Pass{
		NewPass("XZ", base, models.AxisX, models.AxisZ),
		NewPass("YZ", base, models.AxisY, models.AxisZ),
	}
}

// Run normalizes every channel, upsamples Z, runs both passes and fuses them
func (iso *Iso) Run(ctx context.Context, im *models.Image) (*IsoResult, error) {
	for _, a := range []models.Axis{models.AxisZ, models.AxisY, models.AxisX} {
		if im.DimensionIndex(a) < 0 {
			return nil, iso.fail(fmt.Errorf("%w: isotropic reconstruction needs a %s axis, image is %s",
				prediction.ErrShapeMismatch, a, im.ShapeString()))
		}
	}
	if rank := iso.engine.InputShape().Rank(); rank != 4 {
		return nil, iso.fail(fmt.Errorf("%w: isotropic reconstruction needs a rank 4 network, got %s",
			prediction.ErrShapeMismatch, iso.engine.InputShape()))
	}
	if iso.options.ScaleZ <= 0 {
		return nil, iso.fail(fmt.Errorf("invalid Z scale %v", iso.options.ScaleZ))
	}

	iso.sink.BeginStep(progress.StepNormalize)
	normalized, err := normalize.NormalizePerChannel(im, iso.options.Normalization)
	if err != nil {
		iso.sink.ReportError(err.Error())
		iso.sink.MarkStepFailed()
		return nil, err
	}
	iso.sink.MarkStepDone()

	iso.sink.BeginStep(progress.StepUpsample)
	upsampled, err := interpolation.Upsample(normalized, models.AxisZ, iso.options.ScaleZ)
	if err != nil {
		iso.sink.ReportError(err.Error())
		iso.sink.MarkStepFailed()
		return nil, err
	}
	iso.sink.LogMessage(fmt.Sprintf("Upsampled %s to %s (scale %.2f)", im.ShapeString(), upsampled.ShapeString(), iso.options.ScaleZ))
	iso.sink.MarkStepDone()

	opts := iso.options.Prediction
	if opts.Heads < 2 {
		opts.Heads = 2
	}
	dual, err := NewDualPass(iso.engine, iso.sink, opts).Run(ctx, upsampled, Passes(BaseMapping(upsampled)))
	if err != nil {
		return nil, err
	}

	result := &IsoResult{
		Prediction: dual.Fused[0],
		Control:    dual.Fused[1],
		Agreement:  dual.Agreement[0],
		Upsampled:  upsampled,
	}
	if im.Name != "" {
		result.Prediction.Name = im.Name + " result"
		result.Control.Name = im.Name + " control"
	}
	iso.sink.LogMessage("All done!")
	return result, nil
}

func (iso *Iso) fail(err error) error {
	iso.sink.ReportError(err.Error())
	return err
}
