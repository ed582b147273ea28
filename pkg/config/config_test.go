package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"deeprestore/internal/models"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
	require.NoError(t, cfg.Validate())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.Tiling.TilesPerAxis = map[string]int{"Z": 2, "x": 4}
	cfg.Engine.ModelPath = "models/denoise.onnx"
	cfg.Output.Compress = true
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "percentiles:")
	require.Contains(t, string(data), "perChannel:")
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
normalization:
  percentiles: [1, 99]
  clip: true
tiling:
  batchSize: 8
  tilesPerAxis:
    Y: 3
iso:
  scaleZ: 4
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, [2]float64{1, 99}, cfg.Normalization.Percentiles)
	require.Equal(t, [2]float32{0, 1}, cfg.Normalization.Destination)
	require.True(t, cfg.Normalization.Clip)

	opts := cfg.PredictionOptions()
	require.Equal(t, 8, opts.BatchSize)
	require.Equal(t, 32, opts.Overlap)
	require.Equal(t, map[models.Axis]int{models.AxisY: 3}, opts.TilesPerAxis)

	iso := cfg.IsoOptions()
	require.Equal(t, 4.0, iso.ScaleZ)
	require.Equal(t, 2, iso.Prediction.Heads)
	require.Equal(t, 4, iso.Prediction.BatchSize)
	require.Zero(t, iso.Prediction.Overlap)
	require.True(t, iso.Normalization.Clip)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"percentile", func(c *Config) { c.Normalization.Percentiles[1] = 101 }},
		{"overlap", func(c *Config) { c.Tiling.Overlap = -1 }},
		{"batch", func(c *Config) { c.Tiling.BatchSize = 0 }},
		{"fraction", func(c *Config) { c.Tiling.MemoryFraction = 2 }},
		{"axis name", func(c *Config) { c.Tiling.TilesPerAxis = map[string]int{"W": 2} }},
		{"axis count", func(c *Config) { c.Tiling.TilesPerAxis = map[string]int{"X": 0} }},
		{"sessions", func(c *Config) { c.Engine.ConcurrentSessions = 0 }},
		{"mapping axis name", func(c *Config) { c.Engine.Mapping = []string{"U", "W", "X"} }},
		{"mapping repeats axis", func(c *Config) { c.Engine.Mapping = []string{"U", "Y", "y"} }},
		{"scale", func(c *Config) { c.Iso.ScaleZ = 0.5 }},
		{"workers", func(c *Config) { c.Processing.Workers = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestMapping(t *testing.T) {
	cfg := DefaultConfig()
	mapping, err := cfg.Mapping()
	require.NoError(t, err)
	require.Nil(t, mapping)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  mapping: [U, y, X]\n"), 0644))
	cfg, err = LoadConfig(path)
	require.NoError(t, err)

	mapping, err = cfg.Mapping()
	require.NoError(t, err)
	require.Equal(t, []models.Axis{models.AxisUnknown, models.AxisY, models.AxisX}, mapping)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tiling: [\n"), 0644))
	_, err := LoadConfig(path)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("tiling:\n  batchSize: 0\n"), 0644))
	_, err = LoadConfig(path)
	require.Error(t, err)
}

func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, CreateDefaultConfigFile(path))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}
