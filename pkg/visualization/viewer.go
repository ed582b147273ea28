package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/tiff"

	"deeprestore/internal/models"
	"deeprestore/pkg/normalize"
)

// Viewer renders planes of a restored volume as 16 bit grayscale images
type Viewer struct {
	// im holds the volume; it needs X and Y dimensions, Z is optional
	im *models.Image

	// window maps sample values to black and white
	window [2]float32

	// index selects the position along dimensions that are not part of the plane
	index [models.NumAxes]int
}

// NewViewer creates a viewer for the volume. Samples in [0, 1] map to the full
// gray range until SetWindow or AutoWindow changes it.
func NewViewer(im *models.Image) (*Viewer, error) {
	for _, a := range []models.Axis{models.AxisX, models.AxisY} {
		if im.DimensionIndex(a) < 0 {
			return nil, fmt.Errorf("image %s has no %s axis", im.ShapeString(), a)
		}
	}
	return &Viewer{im: im, window: [2]float32{0, 1}}, nil
}

// SetWindow sets the sample values shown as black and white
func (v *Viewer) SetWindow(black, white float32) error {
	if !(white > black) {
		return fmt.Errorf("empty display window [%g, %g]", black, white)
	}
	v.window = [2]float32{black, white}
	return nil
}

// AutoWindow fits the window to the 0.1 and 99.9 percentiles of the volume
func (v *Viewer) AutoWindow() error {
	ref, err := normalize.ComputePercentiles(v.im.Data, [2]float64{0.1, 99.9})
	if err != nil {
		return err
	}
	return v.SetWindow(ref[0], ref[1])
}

// SetIndex fixes the position along an axis that is not part of the extracted plane,
// e.g. the channel or time point to show
func (v *Viewer) SetIndex(a models.Axis, index int) error {
	if index < 0 || index >= v.im.Extent(a) {
		return fmt.Errorf("index %d out of range for %s (extent %d)", index, a, v.im.Extent(a))
	}
	v.index[a] = index
	return nil
}

// planeAxes returns the row and column axes of the plane perpendicular to axis
func planeAxes(axis models.Axis) (rows, cols models.Axis, err error) {
	switch axis {
	case models.AxisX:
		// YZ plane
		return models.AxisY, models.AxisZ, nil
	case models.AxisY:
		// XZ plane
		return models.AxisZ, models.AxisX, nil
	case models.AxisZ:
		// XY plane
		return models.AxisY, models.AxisX, nil
	}
	return 0, 0, fmt.Errorf("invalid axis: %s (must be X, Y or Z)", axis)
}

// ExtractSlice extracts the plane at position along axis
func (v *Viewer) ExtractSlice(axis models.Axis, position int) (*image.Gray16, error) {
	rows, cols, err := planeAxes(axis)
	if err != nil {
		return nil, err
	}
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	if extent := v.im.Extent(axis); position >= extent {
		return nil, fmt.Errorf("position %d exceeds %s extent %d", position, axis, extent)
	}

	strides := v.im.Strides()
	base := 0
	for d, dim := range v.im.Dims {
		if dim.Axis == rows || dim.Axis == cols {
			continue
		}
		idx := 0
		if dim.Axis == axis {
			idx = position
		} else if dim.Axis.Known() {
			idx = v.index[dim.Axis]
		}
		base += idx * strides[d]
	}
	stride := func(a models.Axis) int {
		if d := v.im.DimensionIndex(a); d >= 0 {
			return strides[d]
		}
		return 0
	}
	rowStride, colStride := stride(rows), stride(cols)
	height, width := v.im.Extent(rows), v.im.Extent(cols)

	img := image.NewGray16(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetGray16(x, y, color.Gray16{Y: v.gray(v.im.Data[base+y*rowStride+x*colStride])})
		}
	}
	return img, nil
}

func (v *Viewer) gray(sample float32) uint16 {
	scaled := float64(sample-v.window[0]) / float64(v.window[1]-v.window[0])
	return uint16(math.Round(math.Max(0, math.Min(65535, scaled*65535))))
}

// ExtractRegion crops a box out of the volume. start and size are indexed by
// image dimension.
func (v *Viewer) ExtractRegion(start, size []int) (*models.Image, error) {
	n := v.im.NumDims()
	if len(start) != n || len(size) != n {
		return nil, fmt.Errorf("region needs %d coordinates", n)
	}
	dims := make([]models.Dimension, n)
	for d, dim := range v.im.Dims {
		if start[d] < 0 {
			return nil, fmt.Errorf("start coordinates must be non-negative")
		}
		if size[d] <= 0 {
			return nil, fmt.Errorf("size dimensions must be positive")
		}
		if start[d]+size[d] > dim.Size {
			return nil, fmt.Errorf("region extends beyond volume boundaries")
		}
		dims[d] = models.Dimension{Axis: dim.Axis, Size: size[d]}
	}

	region := models.NewImage(dims...)
	region.Name = v.im.Name
	src := make([]int, n)
	dst := make([]int, n)
	for i := range region.Data {
		rem := i
		for d := n - 1; d >= 0; d-- {
			dst[d] = rem % size[d]
			rem /= size[d]
			src[d] = start[d] + dst[d]
		}
		region.Data[i] = v.im.At(src...)
	}
	return region, nil
}

// SaveSlice writes an extracted slice. The format follows the file extension:
// PNG and TIFF keep 16 bits, JPEG is 8 bit.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png":
		return png.Encode(file, img)
	case ".tif", ".tiff":
		return tiff.Encode(file, img, &tiff.Options{Compression: tiff.Deflate})
	case ".jpg", ".jpeg":
		return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
	}
	return fmt.Errorf("unsupported slice format %q", filepath.Ext(filename))
}

// SaveSliceSequence extracts and saves every slice along axis. It returns the
// number of files written.
func (v *Viewer) SaveSliceSequence(axis models.Axis, outputDir, format string) (int, error) {
	if _, _, err := planeAxes(axis); err != nil {
		return 0, err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, err
	}
	if format == "" {
		format = "png"
	}

	count := v.im.Extent(axis)
	for pos := 0; pos < count; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return pos, err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.%s", strings.ToLower(axis.Label()), pos, format))
		if err := v.SaveSlice(img, filename); err != nil {
			return pos, err
		}
	}
	return count, nil
}
