package normalize

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"deeprestore/internal/models"
)

const tolerance = 1e-5

// rampImage returns a 10x10 image holding the values 0..99
func rampImage() *models.Image {
	im := models.NewImage(
		models.Dimension{Axis: models.AxisY, Size: 10},
		models.Dimension{Axis: models.AxisX, Size: 10},
	)
	for i := range im.Data {
		im.Data[i] = float32(i)
	}
	return im
}

func TestComputePercentilesMonotonic(t *testing.T) {
	im := rampImage()
	for _, pair := range [][2]float64{{0, 100}, {3, 99.8}, {50, 50}, {10, 11}, {1, 99}} {
		ref, err := ComputePercentiles(im.Data, pair)
		require.NoError(t, err)
		require.LessOrEqual(t, ref[0], ref[1], "percentiles %v", pair)
	}

	ref, err := ComputePercentiles(im.Data, [2]float64{0, 100})
	require.NoError(t, err)
	require.Equal(t, [2]float32{0, 99}, ref)
}

func TestComputePercentilesRejectsBadInput(t *testing.T) {
	_, err := ComputePercentiles(nil, [2]float64{3, 99.8})
	require.Error(t, err)
	_, err = ComputePercentiles([]float32{1, 2}, [2]float64{-1, 50})
	require.Error(t, err)
	_, err = ComputePercentiles([]float32{1, 2}, [2]float64{1, 101})
	require.Error(t, err)
}

func TestNormalizeMapsPercentilesToDestination(t *testing.T) {
	im := rampImage()
	n := NewPercentileNormalizer(DefaultParams())
	out, err := n.Normalize(im)
	require.NoError(t, err)
	require.True(t, out.SameShape(im))

	ref := n.Reference()
	require.InDelta(t, 0.0, n.Value(ref[0]), tolerance)
	require.InDelta(t, 1.0, n.Value(ref[1]), tolerance)

	// every sample follows the same affine map
	scale := 1 / (ref[1] - ref[0])
	for i, v := range im.Data {
		require.InDelta(t, (v-ref[0])*scale, out.Data[i], tolerance)
	}
	// without clipping values beyond the references leave [0, 1]
	require.Less(t, out.Data[0], float32(0))
	require.Greater(t, out.Data[99], float32(1))
}

func TestNormalizeClip(t *testing.T) {
	im := rampImage()
	params := DefaultParams()
	params.Clip = true
	params.Destination = [2]float32{-1, 2}
	n := NewPercentileNormalizer(params)
	out, err := n.Normalize(im)
	require.NoError(t, err)

	ref := n.Reference()
	for i, v := range im.Data {
		switch {
		case v < ref[0]:
			require.Equal(t, float32(-1), out.Data[i])
		case v > ref[1]:
			require.Equal(t, float32(2), out.Data[i])
		default:
			require.GreaterOrEqual(t, out.Data[i], float32(-1)-tolerance)
			require.LessOrEqual(t, out.Data[i], float32(2)+tolerance)
		}
	}
}

func TestNormalizeDegenerateRange(t *testing.T) {
	im := rampImage()
	for i := range im.Data {
		im.Data[i] = 7
	}
	_, err := NewPercentileNormalizer(DefaultParams()).Normalize(im)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidRange))
}

func TestNormalizePerChannel(t *testing.T) {
	im := models.NewImage(
		models.Dimension{Axis: models.AxisY, Size: 4},
		models.Dimension{Axis: models.AxisX, Size: 5},
		models.Dimension{Axis: models.AxisChannel, Size: 2},
	)
	// channel 1 is channel 0 scaled by 1000
	for y := 0; y < 4; y++ {
		for x := 0; x < 5; x++ {
			v := float32(y*5 + x)
			im.Set(v, y, x, 0)
			im.Set(v*1000, y, x, 1)
		}
	}
	params := DefaultParams()
	params.Percentiles = [2]float64{0, 100}

	out, err := NormalizePerChannel(im, params)
	require.NoError(t, err)
	for y := 0; y < 4; y++ {
		for x := 0; x < 5; x++ {
			require.InDelta(t, out.At(y, x, 0), out.At(y, x, 1), tolerance)
		}
	}
	require.InDelta(t, 0, out.At(0, 0, 1), tolerance)
	require.InDelta(t, 1, out.At(3, 4, 1), tolerance)
}

func TestNormalizePerChannelOnlyChannels(t *testing.T) {
	im := models.NewImage(models.Dimension{Axis: models.AxisChannel, Size: 3})
	copy(im.Data, []float32{1, 2, 3})

	// every channel holds a single sample, so no channel has a range
	_, err := NormalizePerChannel(im, DefaultParams())
	require.ErrorIs(t, err, ErrInvalidRange)
	require.Contains(t, err.Error(), "channel 0")
}

func TestParamsValidate(t *testing.T) {
	require.NoError(t, DefaultParams().Validate())
	require.Error(t, Params{Percentiles: [2]float64{90, 10}}.Validate())
	require.Error(t, Params{Percentiles: [2]float64{-5, 10}}.Validate())
}
