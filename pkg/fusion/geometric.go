// Package fusion combines the results of several prediction passes over the same
// volume. The isotropic reconstruction runs a 2D network twice, once on the ZY
// planes and once on the ZX planes of a Z-upsampled volume, and takes the voxel
// wise geometric mean of both results.
package fusion

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"deeprestore/internal/models"
	"deeprestore/pkg/prediction"
)

// GeometricMean returns sqrt(a*b) per voxel. Both images must have identical
// dimensions. Voxels whose product is negative have no real mean and become NaN.
func GeometricMean(a, b *models.Image) (*models.Image, error) {
	if !a.SameShape(b) {
		return nil, fmt.Errorf("%w: cannot fuse %s with %s", prediction.ErrShapeMismatch, a.ShapeString(), b.ShapeString())
	}
	out := models.NewImage(a.Dims...)
	out.Name = a.Name
	for i := range out.Data {
		out.Data[i] = float32(math.Sqrt(float64(a.Data[i]) * float64(b.Data[i])))
	}
	return out, nil
}

// FuseHeads applies GeometricMean to every pair of corresponding output heads
func FuseHeads(a, b []*models.Image) ([]*models.Image, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("%w: passes produced %d and %d outputs", prediction.ErrShapeMismatch, len(a), len(b))
	}
	fused := make([]*models.Image, len(a))
	for h := range a {
		out, err := GeometricMean(a[h], b[h])
		if err != nil {
			return nil, fmt.Errorf("output %d: %w", h, err)
		}
		fused[h] = out
	}
	return fused, nil
}

// Agreement measures how close two passes are
type Agreement struct {
	Correlation float64
	RMSE        float64
	MeanA       float64
	MeanB       float64

	// SSIM is the global structural similarity, 1 for identical images
	SSIM float64

	// MutualInformation is the Gaussian approximation in nats
	MutualInformation float64

	// EntropyDiff is the absolute difference of the histogram entropies in bits
	EntropyDiff float64
}

func (a Agreement) String() string {
	return fmt.Sprintf("correlation %.4f, RMSE %.4f, SSIM %.4f, MI %.3f, entropy diff %.3f, means %.4f / %.4f",
		a.Correlation, a.RMSE, a.SSIM, a.MutualInformation, a.EntropyDiff, a.MeanA, a.MeanB)
}

// Compare computes similarity measures of two images of identical shape
func Compare(a, b *models.Image) (Agreement, error) {
	if !a.SameShape(b) {
		return Agreement{}, fmt.Errorf("%w: cannot compare %s with %s", prediction.ErrShapeMismatch, a.ShapeString(), b.ShapeString())
	}
	if len(a.Data) == 0 {
		return Agreement{}, fmt.Errorf("cannot compare empty images")
	}
	x := toFloat64(a.Data)
	y := toFloat64(b.Data)
	return Agreement{
		Correlation: stat.Correlation(x, y, nil),
		RMSE:        floats.Distance(x, y, 2) / math.Sqrt(float64(len(x))),
		MeanA:       stat.Mean(x, nil),
		MeanB:       stat.Mean(y, nil),

		SSIM:              ssim(x, y),
		MutualInformation: mutualInformation(x, y),
		EntropyDiff:       math.Abs(entropy(x) - entropy(y)),
	}, nil
}

func toFloat64(data []float32) []float64 {
	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = float64(v)
	}
	return out
}
