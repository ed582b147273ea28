// Package config provides configuration loading and management for deeprestore.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"deeprestore/internal/models"
	"deeprestore/pkg/fusion"
	"deeprestore/pkg/normalize"
	"deeprestore/pkg/prediction"
	"deeprestore/pkg/progress"
	"deeprestore/pkg/tiling"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Intensity normalization applied before prediction
	Normalization struct {
		normalize.Params `yaml:",inline"`

		// PerChannel normalizes every channel with its own percentiles
		PerChannel bool `yaml:"perChannel"`
	} `yaml:"normalization"`

	// Tiling parameters
	Tiling struct {
		// TileCountHint is the minimum number of tiles; 0 derives it from system memory
		TileCountHint int `yaml:"tileCountHint"`

		// TilesPerAxis overrides the planned tile count per axis, keyed by axis name
		TilesPerAxis map[string]int `yaml:"tilesPerAxis,omitempty"`

		// Overlap is the halo added around each tile along spatial axes
		Overlap int `yaml:"overlap"`

		// BatchSize is the maximum number of tiles per engine call
		BatchSize int `yaml:"batchSize"`

		// MemoryFraction is the share of system memory one batch may use when
		// the tile count is derived from memory
		MemoryFraction float64 `yaml:"memoryFraction"`
	} `yaml:"tiling"`

	// Inference engine parameters
	Engine struct {
		ModelPath   string `yaml:"modelPath"`
		LibraryPath string `yaml:"libraryPath,omitempty"`
		InputName   string `yaml:"inputName,omitempty"`
		OutputName  string `yaml:"outputName,omitempty"`

		// ConcurrentSessions is how many engine calls may run at once
		ConcurrentSessions int `yaml:"concurrentSessions"`

		// Mapping names the image axis of every input slot, batch slot first,
		// e.g. [U, Y, X]. Empty uses the default for the network rank.
		Mapping []string `yaml:"mapping,omitempty"`
	} `yaml:"engine"`

	// Isotropic reconstruction parameters
	Iso struct {
		// ScaleZ is the ratio of axial to lateral sampling distance
		ScaleZ float64 `yaml:"scaleZ"`

		// Heads is the number of images the network emits per pass
		Heads int `yaml:"heads"`
	} `yaml:"iso"`

	// Processing parameters
	Processing struct {
		// Workers is how many restoration jobs run in parallel
		Workers int `yaml:"workers"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		Dir string `yaml:"dir"`

		// SaveSlices writes a PNG per Z slice next to each raw volume
		SaveSlices bool `yaml:"saveSlices"`

		// Compress stores raw volumes zstd compressed
		Compress bool `yaml:"compress"`
	} `yaml:"output"`

	// Logging parameters
	Logging struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file,omitempty"`
		MaxSizeMB  int    `yaml:"maxSizeMB"`
		MaxBackups int    `yaml:"maxBackups"`
		MaxAgeDays int    `yaml:"maxAgeDays"`
		JSON       bool   `yaml:"json"`
	} `yaml:"logging"`

	// Metrics parameters
	Metrics struct {
		// ListenAddr serves /metrics when non-empty
		ListenAddr string `yaml:"listenAddr,omitempty"`
	} `yaml:"metrics"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Normalization.Params = normalize.DefaultParams()

	defaults := prediction.DefaultOptions()
	cfg.Tiling.TileCountHint = defaults.TileCountHint
	cfg.Tiling.Overlap = defaults.Overlap
	cfg.Tiling.BatchSize = defaults.BatchSize
	cfg.Tiling.MemoryFraction = 0.25

	cfg.Engine.ConcurrentSessions = 1

	iso := fusion.DefaultIsoOptions()
	cfg.Iso.ScaleZ = iso.ScaleZ
	cfg.Iso.Heads = iso.Prediction.Heads

	cfg.Processing.Workers = runtime.NumCPU()

	cfg.Output.Dir = "output"

	cfg.Logging.Level = "info"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 3
	cfg.Logging.MaxAgeDays = 28

	return cfg
}

// Validate checks the values that cannot be corrected silently
func (c *Config) Validate() error {
	if err := c.Normalization.Params.Validate(); err != nil {
		return fmt.Errorf("normalization: %w", err)
	}
	if c.Tiling.TileCountHint < 0 {
		return fmt.Errorf("tiling: tileCountHint must not be negative")
	}
	if c.Tiling.Overlap < 0 {
		return fmt.Errorf("tiling: overlap must not be negative")
	}
	if c.Tiling.BatchSize < 1 {
		return fmt.Errorf("tiling: batchSize must be at least 1")
	}
	if c.Tiling.MemoryFraction < 0 || c.Tiling.MemoryFraction > 1 {
		return fmt.Errorf("tiling: memoryFraction must be in [0, 1]")
	}
	if _, err := c.TilesPerAxis(); err != nil {
		return fmt.Errorf("tiling: %w", err)
	}
	if c.Engine.ConcurrentSessions < 1 {
		return fmt.Errorf("engine: concurrentSessions must be at least 1")
	}
	if _, err := c.Mapping(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if c.Iso.ScaleZ < 1 {
		return fmt.Errorf("iso: scaleZ must be at least 1")
	}
	if c.Iso.Heads < 1 {
		return fmt.Errorf("iso: heads must be at least 1")
	}
	if c.Processing.Workers < 1 {
		return fmt.Errorf("processing: workers must be at least 1")
	}
	return nil
}

// TilesPerAxis parses the per axis tile counts
func (c *Config) TilesPerAxis() (map[models.Axis]int, error) {
	if len(c.Tiling.TilesPerAxis) == 0 {
		return nil, nil
	}
	out := make(map[models.Axis]int, len(c.Tiling.TilesPerAxis))
	for name, n := range c.Tiling.TilesPerAxis {
		a, err := models.ParseAxis(name)
		if err != nil {
			return nil, err
		}
		if n < 1 {
			return nil, fmt.Errorf("tile count %d for %s must be at least 1", n, a)
		}
		out[a] = n
	}
	return out, nil
}

// Mapping parses the axis names of engine.mapping. Every axis may appear once.
func (c *Config) Mapping() ([]models.Axis, error) {
	if len(c.Engine.Mapping) == 0 {
		return nil, nil
	}
	out := make([]models.Axis, len(c.Engine.Mapping))
	var seen [models.NumAxes]bool
	for i, name := range c.Engine.Mapping {
		a, err := models.ParseAxis(name)
		if err != nil {
			return nil, fmt.Errorf("mapping slot %d: %w", i, err)
		}
		if seen[a] {
			return nil, fmt.Errorf("mapping binds %s twice", a)
		}
		seen[a] = true
		out[i] = a
	}
	return out, nil
}

// PredictionOptions returns the tiling settings for plain restoration
func (c *Config) PredictionOptions() prediction.Options {
	tiles, _ := c.TilesPerAxis()
	return prediction.Options{
		TileCountHint: c.Tiling.TileCountHint,
		TilesPerAxis:  tiles,
		BatchSize:     c.Tiling.BatchSize,
		Overlap:       c.Tiling.Overlap,
		Heads:         1,
	}
}

// IsoOptions returns the settings for isotropic reconstruction. Tiling
// overrides apply, the overlap stays at the isotropic default.
func (c *Config) IsoOptions() fusion.IsoOptions {
	opts := fusion.DefaultIsoOptions()
	opts.ScaleZ = c.Iso.ScaleZ
	opts.Normalization = c.Normalization.Params
	opts.Prediction.Heads = c.Iso.Heads
	if c.Tiling.TileCountHint > 0 {
		opts.Prediction.TileCountHint = c.Tiling.TileCountHint
	}
	opts.Prediction.TilesPerAxis, _ = c.TilesPerAxis()
	return opts
}

// MemoryBudget returns the budget used to derive a tile count hint
func (c *Config) MemoryBudget() tiling.MemoryBudget {
	return tiling.MemoryBudget{Fraction: c.Tiling.MemoryFraction}
}

// LogOptions returns the logger settings
func (c *Config) LogOptions() progress.LogOptions {
	return progress.LogOptions{
		Level:      c.Logging.Level,
		File:       c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
		JSON:       c.Logging.JSON,
	}
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
