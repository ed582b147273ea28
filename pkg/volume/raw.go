// Package volume reads and writes images on disk.
//
// Results are stored as raw volumes: a small YAML header describing the
// dimensions next to a file of little-endian float32 samples, optionally zstd
// compressed. Inputs can also be read from a directory of 2D slices (TIFF, PNG
// or JPEG), ordered by the number in their file names.
package volume

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"deeprestore/internal/models"
)

const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// Header describes a raw volume
type Header struct {
	Name        string             `yaml:"name,omitempty"`
	Dims        []models.Dimension `yaml:"dims"`
	DataType    string             `yaml:"dataType"`
	ByteOrder   string             `yaml:"byteOrder"`
	Compression string             `yaml:"compression"`

	// Data is the sample file, relative to the header
	Data string `yaml:"data"`
}

// SaveOptions controls how Save writes samples
type SaveOptions struct {
	Compress bool
}

// Save writes im as a header at path and a sample file beside it. The sample
// file shares the header's base name with a .raw or .raw.zst extension.
func Save(path string, im *models.Image, opts SaveOptions) error {
	if err := im.Validate(); err != nil {
		return fmt.Errorf("saving %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	header := Header{
		Name:        im.Name,
		Dims:        im.Dims,
		DataType:    "float32",
		ByteOrder:   "little",
		Compression: CompressionNone,
		Data:        base + ".raw",
	}
	if opts.Compress {
		header.Compression = CompressionZstd
		header.Data = base + ".raw.zst"
	}

	payload := encodeSamples(im.Data)
	if opts.Compress {
		encoder, err := zstd.NewWriter(nil)
		if err != nil {
			return fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		payload = encoder.EncodeAll(payload, make([]byte, 0, len(payload)/2))
		encoder.Close()
	}

	dataPath := filepath.Join(filepath.Dir(path), header.Data)
	if err := os.WriteFile(dataPath, payload, 0644); err != nil {
		return fmt.Errorf("writing samples: %w", err)
	}

	data, err := yaml.Marshal(&header)
	if err != nil {
		return fmt.Errorf("encoding header: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// ReadHeader parses a raw volume header
func ReadHeader(path string) (*Header, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var header Header
	if err := yaml.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("parsing header %s: %w", path, err)
	}
	if header.DataType != "" && header.DataType != "float32" {
		return nil, fmt.Errorf("header %s: unsupported data type %q", path, header.DataType)
	}
	if header.ByteOrder != "" && header.ByteOrder != "little" {
		return nil, fmt.Errorf("header %s: unsupported byte order %q", path, header.ByteOrder)
	}
	if header.Data == "" {
		return nil, fmt.Errorf("header %s names no sample file", path)
	}
	return &header, nil
}

// Load reads a raw volume written by Save
func Load(path string) (*models.Image, error) {
	header, err := ReadHeader(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(filepath.Dir(path), header.Data))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	switch header.Compression {
	case "", CompressionNone:
	case CompressionZstd:
		decoder, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		defer decoder.Close()
		r = decoder
	default:
		return nil, fmt.Errorf("header %s: unsupported compression %q", path, header.Compression)
	}

	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading samples of %s: %w", path, err)
	}
	samples, err := decodeSamples(payload)
	if err != nil {
		return nil, fmt.Errorf("reading samples of %s: %w", path, err)
	}

	im, err := models.NewImageFromData(samples, header.Dims...)
	if err != nil {
		return nil, fmt.Errorf("volume %s: %w", path, err)
	}
	im.Name = header.Name
	return im, nil
}

func encodeSamples(data []float32) []byte {
	var buf bytes.Buffer
	buf.Grow(len(data) * 4)
	var word [4]byte
	for _, v := range data {
		binary.LittleEndian.PutUint32(word[:], math.Float32bits(v))
		buf.Write(word[:])
	}
	return buf.Bytes()
}

func decodeSamples(payload []byte) ([]float32, error) {
	if len(payload)%4 != 0 {
		return nil, fmt.Errorf("%d bytes is not a whole number of float32 samples", len(payload))
	}
	out := make([]float32, len(payload)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
	}
	return out, nil
}
