package models

import (
	"fmt"
	"strings"
)

// Axis identifies the role of an image dimension
type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisZ
	AxisTime
	AxisChannel

	// AxisUnknown marks a dimension without a recognized role
	AxisUnknown
)

// NumAxes is the number of entries in an axis-keyed table, AxisUnknown included
const NumAxes = int(AxisUnknown) + 1

// KnownAxes lists the recognized axis vocabulary in vocabulary order.
// Unknown dimensions are assigned the unused entries of this list in order.
var KnownAxes = []Axis{AxisX, AxisY, AxisZ, AxisTime, AxisChannel}

var axisNames = [NumAxes]string{"X", "Y", "Z", "Time", "Channel", "Unknown"}

func (a Axis) String() string {
	if a < 0 || int(a) >= NumAxes {
		return fmt.Sprintf("Axis(%d)", int(a))
	}
	return axisNames[a]
}

// Label returns the one letter label used in logs and file headers
func (a Axis) Label() string {
	return a.String()[:1]
}

// Known reports whether the axis belongs to the recognized vocabulary
func (a Axis) Known() bool {
	return a >= AxisX && a <= AxisChannel
}

// ParseAxis accepts full names and one letter labels, case insensitive
func ParseAxis(s string) (Axis, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "x":
		return AxisX, nil
	case "y":
		return AxisY, nil
	case "z":
		return AxisZ, nil
	case "t", "time":
		return AxisTime, nil
	case "c", "channel":
		return AxisChannel, nil
	case "u", "unknown", "?", "":
		return AxisUnknown, nil
	}
	return AxisUnknown, fmt.Errorf("unknown axis name %q", s)
}

// MarshalYAML writes axes by name in config files and volume headers
func (a Axis) MarshalYAML() (interface{}, error) {
	return a.String(), nil
}

// UnmarshalYAML reads axes by name
func (a *Axis) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseAxis(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Dimension is one named extent of an Image
type Dimension struct {
	Axis Axis `yaml:"axis"`
	Size int  `yaml:"size"`
}

// Image is a dense N-dimensional array of samples with named dimensions.
// Data is stored row-major: the first dimension varies slowest, the last fastest.
type Image struct {
	// Name is a free-form label carried into logs and output files
	Name string

	// Dims holds the axis role and extent of every dimension
	Dims []Dimension

	// Data holds Len() samples
	Data []float32
}

// NewImage allocates a zero-filled image with the given dimensions
func NewImage(dims ...Dimension) *Image {
	im := &Image{Dims: append([]Dimension(nil), dims...)}
	im.Data = make([]float32, im.Len())
	return im
}

// NewImageFromData wraps existing samples without copying them
func NewImageFromData(data []float32, dims ...Dimension) (*Image, error) {
	im := &Image{Dims: append([]Dimension(nil), dims...), Data: data}
	if err := im.Validate(); err != nil {
		return nil, err
	}
	return im, nil
}

// NumDims returns the number of dimensions
func (im *Image) NumDims() int { return len(im.Dims) }

// Len returns the number of samples the dimensions describe. An image without
// dimensions holds a single sample.
func (im *Image) Len() int {
	n := 1
	for _, d := range im.Dims {
		n *= d.Size
	}
	return n
}

// Sizes returns the extents in dimension order
func (im *Image) Sizes() []int {
	sizes := make([]int, len(im.Dims))
	for i, d := range im.Dims {
		sizes[i] = d.Size
	}
	return sizes
}

// Strides returns the row-major offset of a unit step along each dimension
func (im *Image) Strides() []int {
	return RowMajorStrides(im.Sizes()...)
}

// RowMajorStrides computes strides for the given sizes, last dimension fastest
func RowMajorStrides(sizes ...int) []int {
	strides := make([]int, len(sizes))
	step := 1
	for i := len(sizes) - 1; i >= 0; i-- {
		strides[i] = step
		step *= sizes[i]
	}
	return strides
}

// DimensionIndex returns the position of the axis among the dimensions, or -1
func (im *Image) DimensionIndex(a Axis) int {
	for i, d := range im.Dims {
		if d.Axis == a {
			return i
		}
	}
	return -1
}

// Extent returns the size along the axis, 1 if the image has no such dimension
func (im *Image) Extent(a Axis) int {
	if i := im.DimensionIndex(a); i >= 0 {
		return im.Dims[i].Size
	}
	return 1
}

// Axes returns the axis of every dimension in order
func (im *Image) Axes() []Axis {
	axes := make([]Axis, len(im.Dims))
	for i, d := range im.Dims {
		axes[i] = d.Axis
	}
	return axes
}

// Offset converts a coordinate to an index into Data
func (im *Image) Offset(coord []int) int {
	off := 0
	step := 1
	for i := len(im.Dims) - 1; i >= 0; i-- {
		off += coord[i] * step
		step *= im.Dims[i].Size
	}
	return off
}

// At returns the sample at the coordinate
func (im *Image) At(coord ...int) float32 {
	return im.Data[im.Offset(coord)]
}

// Set stores a sample at the coordinate
func (im *Image) Set(v float32, coord ...int) {
	im.Data[im.Offset(coord)] = v
}

// Clone returns a deep copy
func (im *Image) Clone() *Image {
	out := &Image{
		Name: im.Name,
		Dims: append([]Dimension(nil), im.Dims...),
		Data: make([]float32, len(im.Data)),
	}
	copy(out.Data, im.Data)
	return out
}

// SameShape reports whether both images have identical dimensions in the same order
func (im *Image) SameShape(other *Image) bool {
	if len(im.Dims) != len(other.Dims) {
		return false
	}
	for i := range im.Dims {
		if im.Dims[i] != other.Dims[i] {
			return false
		}
	}
	return true
}

// ShapeString formats the dimensions as e.g. [X:64 Y:64 Z:32]
func (im *Image) ShapeString() string {
	parts := make([]string, len(im.Dims))
	for i, d := range im.Dims {
		parts[i] = fmt.Sprintf("%s:%d", d.Axis.Label(), d.Size)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Validate checks extents, data length and that no recognized axis appears twice
func (im *Image) Validate() error {
	if len(im.Dims) == 0 {
		return fmt.Errorf("image has no dimensions")
	}
	var seen [NumAxes]bool
	for i, d := range im.Dims {
		if d.Size < 1 {
			return fmt.Errorf("dimension %d (%s) has invalid size %d", i, d.Axis, d.Size)
		}
		if d.Axis.Known() {
			if seen[d.Axis] {
				return fmt.Errorf("axis %s appears more than once", d.Axis)
			}
			seen[d.Axis] = true
		}
	}
	if len(im.Data) != im.Len() {
		return fmt.Errorf("image data has %d samples, dimensions %s need %d",
			len(im.Data), im.ShapeString(), im.Len())
	}
	return nil
}

// HyperSlice copies the samples at index along dimension dim into a new image
// that lacks that dimension
func (im *Image) HyperSlice(dim, index int) *Image {
	dims := make([]Dimension, 0, len(im.Dims)-1)
	dims = append(dims, im.Dims[:dim]...)
	dims = append(dims, im.Dims[dim+1:]...)
	out := NewImage(dims...)
	out.Name = im.Name

	outer, inner := im.split(dim)
	size := im.Dims[dim].Size
	for o := 0; o < outer; o++ {
		src := (o*size + index) * inner
		copy(out.Data[o*inner:(o+1)*inner], im.Data[src:src+inner])
	}
	return out
}

// SetHyperSlice writes a slice produced by HyperSlice back at index along dim
func (im *Image) SetHyperSlice(dim, index int, slice *Image) {
	outer, inner := im.split(dim)
	size := im.Dims[dim].Size
	for o := 0; o < outer; o++ {
		dst := (o*size + index) * inner
		copy(im.Data[dst:dst+inner], slice.Data[o*inner:(o+1)*inner])
	}
}

// split returns the number of samples before and after dimension dim in row-major order
func (im *Image) split(dim int) (outer, inner int) {
	outer, inner = 1, 1
	for i := 0; i < dim; i++ {
		outer *= im.Dims[i].Size
	}
	for i := dim + 1; i < len(im.Dims); i++ {
		inner *= im.Dims[i].Size
	}
	return outer, inner
}
