// Package interpolation resamples images along one axis.
//
// Microscopy volumes are often sampled much more coarsely along Z than in the
// imaging plane. Upsampling Z to the lateral resolution is the first step of
// isotropic reconstruction: the network then only has to restore detail, not
// invent new slices.
package interpolation

import (
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"deeprestore/internal/models"
)

// Linear resamples with linear interpolation between neighboring samples
type Linear struct {
	// Workers bounds the goroutines used; 0 uses one per CPU
	Workers int
}

// Upsample resamples axis of im by scale with linear interpolation using all CPUs
func Upsample(im *models.Image, axis models.Axis, scale float64) (*models.Image, error) {
	return Linear{}.Upsample(im, axis, scale)
}

// ScaledExtent returns the extent of an axis of n samples after scaling. The
// last sample index is scaled and rounded down, so both ends stay on source
// samples.
func ScaledExtent(n int, scale float64) int {
	return int(math.Floor(float64(n-1)*scale)) + 1
}

// Upsample returns a new image whose axis has ScaledExtent samples. Output sample
// i is read at source position i/scale; positions past the last sample repeat it.
func (l Linear) Upsample(im *models.Image, axis models.Axis, scale float64) (*models.Image, error) {
	if scale <= 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return nil, fmt.Errorf("invalid scale factor %v", scale)
	}
	dim := im.DimensionIndex(axis)
	if dim < 0 {
		return nil, fmt.Errorf("image %s has no %s axis to upsample", im.ShapeString(), axis)
	}

	n := im.Dims[dim].Size
	m := ScaledExtent(n, scale)

	dims := append([]models.Dimension(nil), im.Dims...)
	dims[dim].Size = m
	out := models.NewImage(dims...)
	out.Name = im.Name

	outer, inner := 1, 1
	for i := 0; i < dim; i++ {
		outer *= im.Dims[i].Size
	}
	for i := dim + 1; i < len(im.Dims); i++ {
		inner *= im.Dims[i].Size
	}

	// source rows and weights are shared by every outer block
	lower := make([]int, m)
	upper := make([]int, m)
	weight := make([]float32, m)
	for i := 0; i < m; i++ {
		pos := float64(i) / scale
		i0 := int(math.Floor(pos))
		if i0 > n-1 {
			i0 = n - 1
		}
		i1 := i0 + 1
		if i1 > n-1 {
			i1 = n - 1
		}
		lower[i], upper[i] = i0, i1
		weight[i] = float32(pos - float64(i0))
	}

	workers := l.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	chunk := (outer + workers - 1) / workers

	var g errgroup.Group
	for start := 0; start < outer; start += chunk {
		start := start
		end := start + chunk
		if end > outer {
			end = outer
		}
		g.Go(func() error {
			for o := start; o < end; o++ {
				src := im.Data[o*n*inner : (o+1)*n*inner]
				dst := out.Data[o*m*inner : (o+1)*m*inner]
				for i := 0; i < m; i++ {
					a := src[lower[i]*inner : (lower[i]+1)*inner]
					b := src[upper[i]*inner : (upper[i]+1)*inner]
					w := weight[i]
					row := dst[i*inner : (i+1)*inner]
					for k := range row {
						row[k] = (1-w)*a[k] + w*b[k]
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
