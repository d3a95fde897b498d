// Package config defines the harmonizer configuration surface: a YAML file
// describing the merger run set, the harmonic output location, and the size
// budget for each harmonic run. The repacking engine itself never reads
// flags, files, or the environment; it consumes a validated Config value.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a harmonizer session.
type Config struct {
	// MergerPath is the directory containing the merger run files.
	MergerPath string `yaml:"merger_path"`
	// HarmonicPath is the directory the harmonic runs and the consolidated
	// scaler table are written to. It must exist before the session starts.
	HarmonicPath string `yaml:"harmonic_path"`
	// HarmonicSizeGB is the size budget for each harmonic run, in GiB.
	HarmonicSizeGB float64 `yaml:"harmonic_size_gb"`
	// MinRun and MaxRun bound the run numbers to harmonize, inclusive.
	// Run numbers may be missing within the range.
	MinRun int `yaml:"min_run"`
	MaxRun int `yaml:"max_run"`
	// Overwrite allows the session to replace harmonic runs and the scaler
	// table already present in HarmonicPath. Off by default: a populated
	// destination directory is a fatal write conflict.
	Overwrite bool `yaml:"overwrite"`

	Log LogConfig `yaml:"log"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config with all default values. It is also the template
// written by the `new` subcommand.
func Default() *Config {
	return &Config{
		MergerPath:     "/path/to/some/merger/data/",
		HarmonicPath:   "/path/to/some/harmonic/data/",
		HarmonicSizeGB: 10,
		MinRun:         55,
		MaxRun:         69,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a Config from a YAML file, applying defaults for absent fields
// and environment overrides for the log settings.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if level := os.Getenv("HARMONIZER_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if format := os.Getenv("HARMONIZER_LOG_FORMAT"); format != "" {
		cfg.Log.Format = format
	}

	return cfg, nil
}

// Save writes the Config as YAML. Used for template generation.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration before any processing starts.
// Every failure here is fatal: the session never begins.
func (c *Config) Validate() error {
	info, err := os.Stat(c.MergerPath)
	if err != nil {
		return fmt.Errorf("merger path %s does not exist: %w", c.MergerPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("merger path %s is not a directory", c.MergerPath)
	}

	// The harmonic path is never created by the harmonizer.
	info, err = os.Stat(c.HarmonicPath)
	if err != nil {
		return fmt.Errorf("harmonic path %s does not exist, create it before running: %w", c.HarmonicPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("harmonic path %s is not a directory", c.HarmonicPath)
	}

	if c.HarmonicSizeGB <= 0 {
		return fmt.Errorf("harmonic_size_gb must be positive, got %v", c.HarmonicSizeGB)
	}
	if c.MinRun < 0 {
		return fmt.Errorf("min_run must be non-negative, got %d", c.MinRun)
	}
	if c.MinRun > c.MaxRun {
		return fmt.Errorf("min_run %d exceeds max_run %d", c.MinRun, c.MaxRun)
	}

	return nil
}

// BudgetBytes converts the configured harmonic run size to bytes.
func (c *Config) BudgetBytes() int64 {
	return int64(c.HarmonicSizeGB * float64(1<<30))
}
