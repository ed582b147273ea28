package prediction

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"deeprestore/internal/models"
	"deeprestore/pkg/axes"
	"deeprestore/pkg/engine"
	"deeprestore/pkg/progress"
	"deeprestore/pkg/tiling"
)

func rampImage(dims ...models.Dimension) *models.Image {
	im := models.NewImage(dims...)
	for i := range im.Data {
		im.Data[i] = float32(i)
	}
	return im
}

func defaultMapping(t *testing.T, im *models.Image, rank int) axes.Mapping {
	m := axes.NewMapping(im)
	require.NoError(t, m.SetDefaults(rank))
	return m
}

var dynamic5 = engine.Shape{engine.Dynamic, engine.Dynamic, engine.Dynamic, engine.Dynamic, engine.Dynamic}

func TestIdentityRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("64^3 round trip")
	}
	im := rampImage(
		models.Dimension{Axis: models.AxisZ, Size: 64},
		models.Dimension{Axis: models.AxisY, Size: 64},
		models.Dimension{Axis: models.AxisX, Size: 64},
	)
	rec := &progress.Recorder{}
	p := NewPredictor(engine.NewIdentity(dynamic5), rec, Options{
		TilesPerAxis: map[models.Axis]int{models.AxisX: 3, models.AxisY: 3, models.AxisZ: 3},
		BatchSize:    4,
		Overlap:      4,
	})

	out, err := p.Predict(context.Background(), im, defaultMapping(t, im, 5))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.True(t, im.SameShape(out[0]), "got %s", out[0].ShapeString())
	require.Equal(t, im.Data, out[0].Data)

	// 27 tiles in batches of 4
	require.Equal(t, 7, rec.Count(progress.KindBatch))
	require.Equal(t, 1, rec.Count(progress.KindDone))
	require.Zero(t, rec.Count(progress.KindError))
}

func TestRoundTripSmallVolumes(t *testing.T) {
	tests := []struct {
		name    string
		dims    []models.Dimension
		tiles   map[models.Axis]int
		overlap int
		batch   int
	}{
		{
			name:  "single tile",
			dims:  []models.Dimension{{Axis: models.AxisY, Size: 7}, {Axis: models.AxisX, Size: 9}},
			batch: 1,
		},
		{
			name:    "uneven tiles",
			dims:    []models.Dimension{{Axis: models.AxisZ, Size: 5}, {Axis: models.AxisY, Size: 17}, {Axis: models.AxisX, Size: 23}},
			tiles:   map[models.Axis]int{models.AxisY: 2, models.AxisX: 3},
			overlap: 3,
			batch:   2,
		},
		{
			name:    "time walked along the batch slot",
			dims:    []models.Dimension{{Axis: models.AxisTime, Size: 3}, {Axis: models.AxisY, Size: 12}, {Axis: models.AxisX, Size: 12}},
			tiles:   map[models.Axis]int{models.AxisX: 2},
			overlap: 2,
			batch:   5,
		},
		{
			name:  "channels last",
			dims:  []models.Dimension{{Axis: models.AxisY, Size: 10}, {Axis: models.AxisX, Size: 10}, {Axis: models.AxisChannel, Size: 2}},
			tiles: map[models.Axis]int{models.AxisY: 2, models.AxisX: 2},
			batch: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			im := rampImage(tt.dims...)
			p := NewPredictor(engine.NewIdentity(dynamic5), nil, Options{
				TilesPerAxis: tt.tiles,
				BatchSize:    tt.batch,
				Overlap:      tt.overlap,
			})
			out, err := p.Predict(context.Background(), im, defaultMapping(t, im, 5))
			require.NoError(t, err)
			require.Len(t, out, 1)
			require.True(t, im.SameShape(out[0]), "got %s", out[0].ShapeString())
			require.Equal(t, im.Data, out[0].Data)
		})
	}
}

func TestRoundTripLoopsUnboundAxes(t *testing.T) {
	// Z on the batch slot, Y/X/C fed to a rank 4 network
	im := rampImage(
		models.Dimension{Axis: models.AxisZ, Size: 5},
		models.Dimension{Axis: models.AxisY, Size: 8},
		models.Dimension{Axis: models.AxisX, Size: 8},
		models.Dimension{Axis: models.AxisChannel, Size: 2},
	)
	m := axes.NewMapping(im)
	m.SetSlots(models.AxisZ, models.AxisY, models.AxisX, models.AxisChannel)
	m.Permute(models.AxisX, models.AxisZ)

	shape := engine.Shape{engine.Dynamic, engine.Dynamic, engine.Dynamic, 2}
	p := NewPredictor(engine.NewIdentity(shape), nil, Options{BatchSize: 4})
	out, err := p.Predict(context.Background(), im, m)
	require.NoError(t, err)
	require.Equal(t, im.Data, out[0].Data)
}

func TestFixedBatchSlotPadsLastBatch(t *testing.T) {
	im := rampImage(models.Dimension{Axis: models.AxisY, Size: 12}, models.Dimension{Axis: models.AxisX, Size: 18})
	calls := 0
	e := &engine.Func{
		In:  engine.Shape{4, engine.Dynamic, engine.Dynamic, engine.Dynamic, 1},
		Out: engine.Shape{4, engine.Dynamic, engine.Dynamic, engine.Dynamic, 1},
		Fn: func(ctx context.Context, in *engine.Tensor) (*engine.Tensor, error) {
			calls++
			require.Equal(t, 4, in.Shape[0])
			return engine.NewIdentity(nil).Infer(ctx, in)
		},
	}
	p := NewPredictor(e, nil, Options{
		TilesPerAxis: map[models.Axis]int{models.AxisY: 2, models.AxisX: 3},
		BatchSize:    16,
		Overlap:      1,
	})
	out, err := p.Predict(context.Background(), im, defaultMapping(t, im, 5))
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.Equal(t, im.Data, out[0].Data)
}

func failingEngine(failOn int, calls *int) *engine.Func {
	return &engine.Func{
		In:  dynamic5,
		Out: dynamic5,
		Fn: func(ctx context.Context, in *engine.Tensor) (*engine.Tensor, error) {
			*calls++
			if *calls == failOn {
				return nil, errors.New("device lost")
			}
			return engine.NewIdentity(nil).Infer(ctx, in)
		},
	}
}

func TestEngineFailureDiscardsOutput(t *testing.T) {
	im := rampImage(models.Dimension{Axis: models.AxisY, Size: 20}, models.Dimension{Axis: models.AxisX, Size: 20})
	calls := 0
	rec := &progress.Recorder{}
	p := NewPredictor(failingEngine(2, &calls), rec, Options{
		TilesPerAxis: map[models.Axis]int{models.AxisX: 5},
		BatchSize:    1,
	})

	out, err := p.Predict(context.Background(), im, defaultMapping(t, im, 5))
	require.Nil(t, out)

	var engineErr *EngineError
	require.ErrorAs(t, err, &engineErr)
	require.Equal(t, 2, engineErr.Batch)
	require.Equal(t, 5, engineErr.Total)
	require.Contains(t, err.Error(), "device lost")
	require.Equal(t, 2, calls)

	require.Equal(t, 1, rec.Count(progress.KindError))
	require.Equal(t, 1, rec.Count(progress.KindFailed))
	require.Zero(t, rec.Count(progress.KindDone))
}

func TestCancellationBetweenBatches(t *testing.T) {
	im := rampImage(models.Dimension{Axis: models.AxisY, Size: 20}, models.Dimension{Axis: models.AxisX, Size: 20})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	e := &engine.Func{
		In: dynamic5, Out: dynamic5,
		Fn: func(inner context.Context, in *engine.Tensor) (*engine.Tensor, error) {
			calls++
			cancel()
			// the running batch is not interrupted
			require.NoError(t, inner.Err())
			return engine.NewIdentity(nil).Infer(inner, in)
		},
	}
	rec := &progress.Recorder{}
	p := NewPredictor(e, rec, Options{TilesPerAxis: map[models.Axis]int{models.AxisX: 4}, BatchSize: 1})

	out, err := p.Predict(ctx, im, defaultMapping(t, im, 5))
	require.Nil(t, out)
	require.ErrorIs(t, err, ErrCancelled)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)

	require.Zero(t, rec.Count(progress.KindError))
	logs := rec.Texts(progress.KindLog)
	require.True(t, strings.Contains(logs[len(logs)-1], "cancelled"), logs[len(logs)-1])
}

func TestDimensionReduction(t *testing.T) {
	im := rampImage(
		models.Dimension{Axis: models.AxisZ, Size: 4},
		models.Dimension{Axis: models.AxisY, Size: 16},
		models.Dimension{Axis: models.AxisX, Size: 16},
	)
	// sums over the Z slot
	e := &engine.Func{
		In:  dynamic5,
		Out: engine.Shape{engine.Dynamic, engine.Dynamic, engine.Dynamic, engine.Dynamic},
		Fn: func(ctx context.Context, in *engine.Tensor) (*engine.Tensor, error) {
			n, z, y, x, c := in.Shape[0], in.Shape[1], in.Shape[2], in.Shape[3], in.Shape[4]
			out := engine.NewTensor(n, y, x, c)
			plane := y * x * c
			for b := 0; b < n; b++ {
				for k := 0; k < z; k++ {
					src := in.Data[(b*z+k)*plane : (b*z+k+1)*plane]
					dst := out.Data[b*plane : (b+1)*plane]
					for i, v := range src {
						dst[i] += v
					}
				}
			}
			return out, nil
		},
	}
	p := NewPredictor(e, nil, Options{
		TilesPerAxis: map[models.Axis]int{models.AxisY: 2, models.AxisX: 2},
		Overlap:      2,
		BatchSize:    3,
	})

	out, err := p.Predict(context.Background(), im, defaultMapping(t, im, 5))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, []models.Dimension{{Axis: models.AxisY, Size: 16}, {Axis: models.AxisX, Size: 16}}, out[0].Dims)
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			var want float32
			for z := 0; z < 4; z++ {
				want += im.At(z, y, x)
			}
			require.Equal(t, want, out[0].At(y, x))
		}
	}
}

func TestOutputHeads(t *testing.T) {
	im := rampImage(models.Dimension{Axis: models.AxisY, Size: 8}, models.Dimension{Axis: models.AxisX, Size: 8})
	e := &engine.Func{
		In:  engine.Shape{engine.Dynamic, engine.Dynamic, engine.Dynamic, engine.Dynamic, 1},
		Out: engine.Shape{engine.Dynamic, engine.Dynamic, engine.Dynamic, engine.Dynamic, 4},
		Fn: func(ctx context.Context, in *engine.Tensor) (*engine.Tensor, error) {
			shape := append([]int(nil), in.Shape...)
			shape[4] = 4
			out := engine.NewTensor(shape...)
			for i, v := range in.Data {
				for c := 0; c < 4; c++ {
					out.Data[i*4+c] = v * float32(c+1)
				}
			}
			return out, nil
		},
	}
	p := NewPredictor(e, nil, Options{
		TilesPerAxis: map[models.Axis]int{models.AxisX: 2},
		Overlap:      1,
		BatchSize:    2,
		Heads:        2,
	})

	out, err := p.Predict(context.Background(), im, defaultMapping(t, im, 5))
	require.NoError(t, err)
	require.Len(t, out, 2)
	for h, img := range out {
		require.Equal(t, []models.Dimension{
			{Axis: models.AxisY, Size: 8},
			{Axis: models.AxisX, Size: 8},
			{Axis: models.AxisChannel, Size: 2},
		}, img.Dims)
		for y := 0; y < 8; y++ {
			for x := 0; x < 8; x++ {
				for c := 0; c < 2; c++ {
					require.Equal(t, im.At(y, x)*float32(h*2+c+1), img.At(y, x, c))
				}
			}
		}
	}
}

func TestValidationFailsBeforeInference(t *testing.T) {
	calls := 0
	counting := func(in, out engine.Shape) *engine.Func {
		return &engine.Func{In: in, Out: out, Fn: func(ctx context.Context, t *engine.Tensor) (*engine.Tensor, error) {
			calls++
			return t, nil
		}}
	}
	im := rampImage(models.Dimension{Axis: models.AxisY, Size: 16}, models.Dimension{Axis: models.AxisX, Size: 16})

	tests := []struct {
		name    string
		engine  engine.Engine
		mapping func() axes.Mapping
		opts    Options
		want    error
	}{
		{
			name:   "channel count",
			engine: counting(engine.Shape{-1, -1, -1, -1, 3}, dynamic5),
			want:   ErrShapeMismatch,
		},
		{
			name:   "output rank",
			engine: counting(dynamic5, engine.Shape{-1, -1, -1}),
			want:   ErrShapeMismatch,
		},
		{
			name:   "reduction without Z",
			engine: counting(dynamic5, engine.Shape{-1, -1, -1, -1}),
			mapping: func() axes.Mapping {
				m := axes.NewMapping(im)
				m.SetSlots(models.AxisTime, models.AxisY, models.AxisX, models.AxisChannel, models.AxisUnknown)
				return m
			},
			want: ErrShapeMismatch,
		},
		{
			name:   "fixed tile size",
			engine: counting(engine.Shape{-1, -1, 32, 32, -1}, dynamic5),
			want:   ErrShapeMismatch,
		},
		{
			name:   "heads without channel slot",
			engine: counting(engine.Shape{-1, -1, -1}, engine.Shape{-1, -1, -1}),
			mapping: func() axes.Mapping {
				m := axes.NewMapping(im)
				m.SetSlots(models.AxisUnknown, models.AxisY, models.AxisX)
				return m
			},
			opts: Options{Heads: 2},
			want: ErrShapeMismatch,
		},
		{
			name:   "overlap too large",
			engine: counting(dynamic5, dynamic5),
			opts:   Options{TilesPerAxis: map[models.Axis]int{models.AxisX: 4}, Overlap: 3},
			want:   tiling.ErrInvalidConfiguration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls = 0
			m := defaultMapping(t, im, 5)
			if tt.mapping != nil {
				m = tt.mapping()
			}
			rec := &progress.Recorder{}
			out, err := NewPredictor(tt.engine, rec, tt.opts).Predict(context.Background(), im, m)
			require.Nil(t, out)
			require.ErrorIs(t, err, tt.want)
			require.Zero(t, calls)
			require.Equal(t, 1, rec.Count(progress.KindError))
		})
	}
}

func TestMappingMustDescribeImage(t *testing.T) {
	im := rampImage(models.Dimension{Axis: models.AxisY, Size: 16}, models.Dimension{Axis: models.AxisX, Size: 16})
	other := rampImage(models.Dimension{Axis: models.AxisY, Size: 8}, models.Dimension{Axis: models.AxisX, Size: 16})

	_, err := NewPredictor(engine.NewIdentity(dynamic5), nil, Options{}).
		Predict(context.Background(), im, defaultMapping(t, other, 5))
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestShapeMismatchFromEngineOutput(t *testing.T) {
	im := rampImage(models.Dimension{Axis: models.AxisY, Size: 8}, models.Dimension{Axis: models.AxisX, Size: 8})
	e := &engine.Func{
		In: dynamic5, Out: dynamic5,
		Fn: func(ctx context.Context, in *engine.Tensor) (*engine.Tensor, error) {
			shape := append([]int(nil), in.Shape...)
			shape[3]++
			return engine.NewTensor(shape...), nil
		},
	}
	_, err := NewPredictor(e, nil, Options{}).Predict(context.Background(), im, defaultMapping(t, im, 5))
	var engineErr *EngineError
	require.ErrorAs(t, err, &engineErr)
	require.Equal(t, 1, engineErr.Batch)
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestMappingNotModified(t *testing.T) {
	im := rampImage(
		models.Dimension{Axis: models.AxisZ, Size: 2},
		models.Dimension{Axis: models.AxisY, Size: 4},
		models.Dimension{Axis: models.AxisX, Size: 4},
	)
	m := defaultMapping(t, im, 5)
	before := m.String()
	e := &engine.Func{
		In:  dynamic5,
		Out: engine.Shape{-1, -1, -1, -1},
		Fn: func(ctx context.Context, in *engine.Tensor) (*engine.Tensor, error) {
			return engine.NewTensor(in.Shape[0], in.Shape[2], in.Shape[3], in.Shape[4]), nil
		},
	}
	_, err := NewPredictor(e, nil, Options{}).Predict(context.Background(), im, m)
	require.NoError(t, err)
	require.Equal(t, before, m.String())
	require.Equal(t, 1, m.SlotOf(models.AxisZ))
}
