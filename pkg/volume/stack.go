package volume

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	_ "golang.org/x/image/tiff"

	"deeprestore/internal/models"
)

var sliceExtensions = map[string]bool{
	".tif": true, ".tiff": true, ".png": true, ".jpg": true, ".jpeg": true,
}

// LoadStack reads every slice image of dir into one Z, Y, X volume. Slices are
// ordered by the number in their file names and must all have the same size.
func LoadStack(dir string) (*models.Image, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if sliceExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no slice images found in %s", dir)
	}

	sort.SliceStable(files, func(i, j int) bool {
		ni, nj := extractNumber(files[i]), extractNumber(files[j])
		if ni != nj {
			return ni < nj
		}
		return files[i] < files[j]
	})

	var im *models.Image
	var width, height int
	for z, name := range files {
		img, err := loadImage(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to load slice %s: %w", name, err)
		}
		b := img.Bounds()
		if im == nil {
			width, height = b.Dx(), b.Dy()
			im = models.NewImage(
				models.Dimension{Axis: models.AxisZ, Size: len(files)},
				models.Dimension{Axis: models.AxisY, Size: height},
				models.Dimension{Axis: models.AxisX, Size: width},
			)
			im.Name = filepath.Base(dir)
		} else if b.Dx() != width || b.Dy() != height {
			return nil, fmt.Errorf("slice %s is %dx%d, expected %dx%d", name, b.Dx(), b.Dy(), width, height)
		}
		copy(im.Data[z*width*height:(z+1)*width*height], grayValues(img))
	}
	return im, nil
}

// LoadSlice reads a single 2D image as a Y, X image
func LoadSlice(path string) (*models.Image, error) {
	img, err := loadImage(path)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	im := models.NewImage(
		models.Dimension{Axis: models.AxisY, Size: b.Dy()},
		models.Dimension{Axis: models.AxisX, Size: b.Dx()},
	)
	im.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	copy(im.Data, grayValues(img))
	return im, nil
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}

// grayValues returns the intensity of every pixel in row-major order. 8 and 16
// bit grayscale images keep their stored values; color images are converted to
// 16 bit luminance.
func grayValues(img image.Image) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]float32, w*h)
	switch src := img.(type) {
	case *image.Gray:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out[y*w+x] = float32(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	case *image.Gray16:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out[y*w+x] = float32(src.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	default:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				g := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
				out[y*w+x] = float32(g.Y)
			}
		}
	}
	return out
}

// extractNumber returns the digits of a file name as a number, 0 when there are none
func extractNumber(filename string) int {
	base := filepath.Base(filename)
	numStr := ""
	for _, c := range base {
		if c >= '0' && c <= '9' {
			numStr += string(c)
		}
	}
	if numStr != "" {
		num, err := strconv.Atoi(numStr)
		if err == nil {
			return num
		}
	}
	return 0
}
