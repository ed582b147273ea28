// Package normalize rescales image intensities between two percentiles of the
// image's own value distribution.
package normalize

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"deeprestore/internal/models"
)

// ErrInvalidRange is returned when the two reference percentiles coincide and no
// scale factor exists
var ErrInvalidRange = errors.New("invalid normalization range")

// Params configures a PercentileNormalizer
type Params struct {
	// Percentiles are the low and high percentiles in [0, 100]
	Percentiles [2]float64 `yaml:"percentiles"`

	// Destination are the values the low and high percentile map to
	Destination [2]float32 `yaml:"destination"`

	// Clip maps inputs below the low reference to Destination[0] and inputs
	// above the high reference to Destination[1]
	Clip bool `yaml:"clip"`
}

// DefaultParams returns the 3.0 / 99.8 percentile mapping onto [0, 1] without clipping
func DefaultParams() Params {
	return Params{
		Percentiles: [2]float64{3.0, 99.8},
		Destination: [2]float32{0, 1},
	}
}

// Validate checks the percentile bounds
func (p Params) Validate() error {
	for _, v := range p.Percentiles {
		if v < 0 || v > 100 {
			return fmt.Errorf("percentile %g outside [0, 100]", v)
		}
	}
	if p.Percentiles[0] > p.Percentiles[1] {
		return fmt.Errorf("low percentile %g above high percentile %g", p.Percentiles[0], p.Percentiles[1])
	}
	return nil
}

// PercentileNormalizer maps samples linearly so that the low reference
// percentile lands on Destination[0] and the high one on Destination[1]
type PercentileNormalizer struct {
	params Params

	// reference values at the two percentiles, set by Prepare
	reference [2]float32
	min       float32
	max       float32
	factor    float32
	prepared  bool
}

// NewPercentileNormalizer returns a normalizer with the given parameters
func NewPercentileNormalizer(params Params) *PercentileNormalizer {
	return &PercentileNormalizer{params: params}
}

// ComputePercentiles returns the values at the low and high percentile of data.
// The sample is sorted and interpolated linearly, so the result is monotonic:
// the first value never exceeds the second.
func ComputePercentiles(data []float32, percentiles [2]float64) ([2]float32, error) {
	var out [2]float32
	if len(data) == 0 {
		return out, fmt.Errorf("cannot compute percentiles of an empty image")
	}
	sorted := make([]float64, len(data))
	for i, v := range data {
		sorted[i] = float64(v)
	}
	sort.Float64s(sorted)

	for i, p := range percentiles {
		if p < 0 || p > 100 {
			return out, fmt.Errorf("percentile %g outside [0, 100]", p)
		}
		out[i] = float32(stat.Quantile(p/100, stat.LinInterp, sorted, nil))
	}
	return out, nil
}

// Prepare computes the reference percentiles of the image and the scale factor
func (n *PercentileNormalizer) Prepare(im *models.Image) error {
	ref, err := ComputePercentiles(im.Data, n.params.Percentiles)
	if err != nil {
		return err
	}
	if ref[1] == ref[0] {
		return fmt.Errorf("%w: percentiles %g and %g both evaluate to %g",
			ErrInvalidRange, n.params.Percentiles[0], n.params.Percentiles[1], ref[0])
	}
	n.reference = ref
	n.min = n.params.Destination[0]
	n.max = n.params.Destination[1]
	n.factor = (n.max - n.min) / (ref[1] - ref[0])
	n.prepared = true
	return nil
}

// Reference returns the values found at the two percentiles by Prepare
func (n *PercentileNormalizer) Reference() [2]float32 {
	return n.reference
}

// Value normalizes one sample. Prepare must have succeeded.
func (n *PercentileNormalizer) Value(v float32) float32 {
	if n.params.Clip {
		if v < n.reference[0] {
			return n.min
		}
		if v > n.reference[1] {
			return n.max
		}
	}
	return (v-n.reference[0])*n.factor + n.min
}

// Normalize prepares the normalizer on the image and returns a rescaled copy of it
func (n *PercentileNormalizer) Normalize(im *models.Image) (*models.Image, error) {
	if err := n.Prepare(im); err != nil {
		return nil, err
	}
	out := models.NewImage(im.Dims...)
	out.Name = im.Name
	for i, v := range im.Data {
		out.Data[i] = n.Value(v)
	}
	return out, nil
}

// NormalizePerChannel normalizes every channel of the image on its own
// percentiles. Images without a channel dimension are normalized as a whole.
func NormalizePerChannel(im *models.Image, params Params) (*models.Image, error) {
	dim := im.DimensionIndex(models.AxisChannel)
	if dim < 0 {
		return NewPercentileNormalizer(params).Normalize(im)
	}

	out := models.NewImage(im.Dims...)
	out.Name = im.Name
	for c := 0; c < im.Dims[dim].Size; c++ {
		normalized, err := NewPercentileNormalizer(params).Normalize(im.HyperSlice(dim, c))
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", c, err)
		}
		out.SetHyperSlice(dim, c, normalized)
	}
	return out, nil
}
