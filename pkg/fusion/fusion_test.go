package fusion

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"deeprestore/internal/models"
	"deeprestore/pkg/engine"
	"deeprestore/pkg/prediction"
	"deeprestore/pkg/progress"
)

func imageOf(values []float32, dims ...models.Dimension) *models.Image {
	im, err := models.NewImageFromData(values, dims...)
	if err != nil {
		panic(err)
	}
	return im
}

func TestGeometricMean(t *testing.T) {
	x := models.Dimension{Axis: models.AxisX, Size: 1}
	out, err := GeometricMean(imageOf([]float32{4}, x), imageOf([]float32{9}, x))
	require.NoError(t, err)
	require.Equal(t, []float32{6}, out.Data)

	same := imageOf([]float32{0, 0.25, 1, 2.5, 100}, models.Dimension{Axis: models.AxisX, Size: 5})
	out, err = GeometricMean(same, same)
	require.NoError(t, err)
	require.Equal(t, same.Data, out.Data)
	require.True(t, same.SameShape(out))
}

func TestGeometricMeanShapeMismatch(t *testing.T) {
	a := models.NewImage(models.Dimension{Axis: models.AxisX, Size: 4})
	b := models.NewImage(models.Dimension{Axis: models.AxisX, Size: 5})
	_, err := GeometricMean(a, b)
	require.ErrorIs(t, err, prediction.ErrShapeMismatch)

	c := models.NewImage(models.Dimension{Axis: models.AxisY, Size: 4})
	_, err = GeometricMean(a, c)
	require.ErrorIs(t, err, prediction.ErrShapeMismatch)

	_, err = FuseHeads([]*models.Image{a}, []*models.Image{a, a})
	require.ErrorIs(t, err, prediction.ErrShapeMismatch)
}

func TestCompare(t *testing.T) {
	x := models.Dimension{Axis: models.AxisX, Size: 4}
	a := imageOf([]float32{1, 2, 3, 4}, x)

	same, err := Compare(a, a)
	require.NoError(t, err)
	require.InDelta(t, 1, same.Correlation, 1e-12)
	require.Zero(t, same.RMSE)
	require.InDelta(t, 1, same.SSIM, 1e-12)
	require.True(t, math.IsInf(same.MutualInformation, 1))
	require.Zero(t, same.EntropyDiff)

	shifted, err := Compare(a, imageOf([]float32{3, 4, 5, 6}, x))
	require.NoError(t, err)
	require.InDelta(t, 1, shifted.Correlation, 1e-12)
	require.InDelta(t, 2, shifted.RMSE, 1e-12)
	require.InDelta(t, 2.5, shifted.MeanA, 1e-12)
	require.InDelta(t, 4.5, shifted.MeanB, 1e-12)
	require.Less(t, shifted.SSIM, 1.0)
	require.Zero(t, shifted.EntropyDiff)

	flat, err := Compare(a, imageOf([]float32{2, 2, 2, 2}, x))
	require.NoError(t, err)
	require.Zero(t, flat.MutualInformation)
	require.InDelta(t, 2, flat.EntropyDiff, 1e-12)
}

func TestEntropy(t *testing.T) {
	require.Zero(t, entropy([]float64{3, 3, 3}))
	require.InDelta(t, 1, entropy([]float64{0, 0, 1, 1}), 1e-12)
	require.InDelta(t, 2, entropy([]float64{0, 1, 2, 3}), 1e-12)
}

func volume() *models.Image {
	im := models.NewImage(
		models.Dimension{Axis: models.AxisZ, Size: 3},
		models.Dimension{Axis: models.AxisY, Size: 16},
		models.Dimension{Axis: models.AxisX, Size: 16},
	)
	for i := range im.Data {
		im.Data[i] = float32(i%97) + 1
	}
	return im
}

// duplicating returns a rank 4 engine copying its single input channel into two heads
func duplicating(sessions int, calls *int32) *engine.Pooled {
	e := &engine.Func{
		In:  engine.Shape{engine.Dynamic, engine.Dynamic, engine.Dynamic, 1},
		Out: engine.Shape{engine.Dynamic, engine.Dynamic, engine.Dynamic, 2},
		Fn: func(ctx context.Context, in *engine.Tensor) (*engine.Tensor, error) {
			atomic.AddInt32(calls, 1)
			shape := append([]int(nil), in.Shape...)
			shape[3] = 2
			out := engine.NewTensor(shape...)
			for i, v := range in.Data {
				out.Data[2*i] = v
				out.Data[2*i+1] = v
			}
			return out, nil
		},
	}
	return engine.NewPooled(e, sessions)
}

func TestPassesSwapPrivateCopies(t *testing.T) {
	im := volume()
	base := BaseMapping(im)
	passes := Passes(base)

	require.Equal(t, 0, base.SlotOf(models.AxisZ))
	require.Equal(t, 2, base.SlotOf(models.AxisX))

	require.Equal(t, 0, passes[0].Mapping.SlotOf(models.AxisX))
	require.Equal(t, 2, passes[0].Mapping.SlotOf(models.AxisZ))
	require.Equal(t, 1, passes[0].Mapping.SlotOf(models.AxisY))

	require.Equal(t, 0, passes[1].Mapping.SlotOf(models.AxisY))
	require.Equal(t, 1, passes[1].Mapping.SlotOf(models.AxisZ))
	require.Equal(t, 2, passes[1].Mapping.SlotOf(models.AxisX))
}

func TestDualPass(t *testing.T) {
	for _, sessions := range []int{1, 2} {
		var calls int32
		im := volume()
		opts := prediction.Options{TileCountHint: 4, BatchSize: 4, Heads: 2}
		result, err := NewDualPass(duplicating(sessions, &calls), nil, opts).Run(context.Background(), im, Passes(BaseMapping(im)))
		require.NoError(t, err)

		require.Len(t, result.Fused, 2)
		for h := 0; h < 2; h++ {
			require.Equal(t, im.Data, result.Passes[0][h].Data)
			require.Equal(t, im.Data, result.Passes[1][h].Data)
			require.Equal(t, im.Data, result.Fused[h].Data)
			require.InDelta(t, 1, result.Agreement[h].Correlation, 1e-9)
		}
		require.Positive(t, atomic.LoadInt32(&calls))
	}
}

func TestDualPassFailureAbortsBoth(t *testing.T) {
	im := volume()
	failing := &engine.Func{
		In:  engine.Shape{engine.Dynamic, engine.Dynamic, engine.Dynamic, 1},
		Out: engine.Shape{engine.Dynamic, engine.Dynamic, engine.Dynamic, 2},
		Fn: func(ctx context.Context, in *engine.Tensor) (*engine.Tensor, error) {
			return nil, errors.New("out of memory")
		},
	}
	rec := &progress.Recorder{}
	result, err := NewDualPass(engine.NewPooled(failing, 2), rec, prediction.Options{Heads: 2}).
		Run(context.Background(), im, Passes(BaseMapping(im)))
	require.Nil(t, result)

	var engineErr *prediction.EngineError
	require.ErrorAs(t, err, &engineErr)
	require.Equal(t, 1, engineErr.Batch)
	require.Zero(t, rec.Count(progress.KindDone))
}

func TestIso(t *testing.T) {
	var calls int32
	im := volume()
	opts := DefaultIsoOptions()
	opts.ScaleZ = 2
	opts.Normalization.Clip = true

	rec := &progress.Recorder{}
	result, err := NewIso(duplicating(2, &calls), rec, opts).Run(context.Background(), im)
	require.NoError(t, err)

	require.Equal(t, 5, result.Upsampled.Extent(models.AxisZ))
	require.True(t, result.Upsampled.SameShape(result.Prediction))
	require.True(t, result.Upsampled.SameShape(result.Control))
	require.Equal(t, result.Upsampled.Data, result.Prediction.Data)
	require.Equal(t, result.Upsampled.Data, result.Control.Data)
	require.InDelta(t, 1, result.Agreement.Correlation, 1e-9)

	for _, v := range result.Upsampled.Data {
		require.GreaterOrEqual(t, v, float32(0))
		require.LessOrEqual(t, v, float32(1))
	}
	require.Zero(t, rec.Count(progress.KindError))
	require.Contains(t, rec.Texts(progress.KindLog), "All done!")
}

func TestIsoRejectsUnsuitableInput(t *testing.T) {
	var calls int32

	flat := models.NewImage(models.Dimension{Axis: models.AxisY, Size: 8}, models.Dimension{Axis: models.AxisX, Size: 8})
	_, err := NewIso(duplicating(1, &calls), nil, DefaultIsoOptions()).Run(context.Background(), flat)
	require.ErrorIs(t, err, prediction.ErrShapeMismatch)

	rank5 := engine.NewIdentity(engine.Shape{-1, -1, -1, -1, -1})
	_, err = NewIso(rank5, nil, DefaultIsoOptions()).Run(context.Background(), volume())
	require.ErrorIs(t, err, prediction.ErrShapeMismatch)

	require.Zero(t, atomic.LoadInt32(&calls))
}
