// Package config loads the picopip configuration file. Everything in
// it can also be set per invocation with command line flags; the file
// only provides defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the persisted picopip configuration.
type Config struct {
	// IndexURL replaces the default package index.
	IndexURL string `yaml:"index_url" validate:"omitempty,url"`

	// ExtraIndexURLs are consulted after the primary index.
	ExtraIndexURLs []string `yaml:"extra_index_urls" validate:"dive,url"`

	// NoDefaultIndex disables the default package index.
	NoDefaultIndex bool `yaml:"no_default_index"`

	// NoMicroPythonIndex disables the micropython.org index.
	NoMicroPythonIndex bool `yaml:"no_micropython_index"`

	// DummyPackages are served by the proxy as empty placeholder
	// distributions instead of their upstream content.
	DummyPackages []string `yaml:"dummy_packages"`

	// ExcludeIndex maps a package name to index names that must never
	// serve it.
	ExcludeIndex map[string][]string `yaml:"exclude_index"`

	// SerialPort is the serial port to use when no target flag is
	// given, instead of auto-detection.
	SerialPort string `yaml:"serial_port"`

	// CacheDir overrides the workspace cache location.
	CacheDir string `yaml:"cache_dir"`

	// Python is the interpreter used to create workspaces.
	Python string `yaml:"python"`

	// MpyCross is the cross-compiler executable used with
	// --compile. Empty means "mpy-cross" from PATH.
	MpyCross string `yaml:"mpy_cross"`

	// Journal configures the session journal.
	Journal JournalConfig `yaml:"journal"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`

	// Tracing configures trace output.
	Tracing TracingConfig `yaml:"tracing"`
}

// JournalConfig configures the session journal database.
type JournalConfig struct {
	// Enabled turns session recording on.
	Enabled bool `yaml:"enabled"`

	// Path is the SQLite database location. Empty means the user
	// state directory.
	Path string `yaml:"path"`
}

// LoggingConfig mirrors the telemetry logging options.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`
	Output string `yaml:"output"`
}

// TracingConfig mirrors the telemetry tracing options.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter" validate:"omitempty,oneof=stdout none"`
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Python: "python3",
		Journal: JournalConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter:     "stdout",
			SamplingRate: 1.0,
		},
	}
}

// DefaultPath returns the conventional configuration file location.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate config directory: %w", err)
	}
	return filepath.Join(dir, "picopip", "config.yaml"), nil
}

// DefaultJournalPath returns the conventional journal database
// location.
func DefaultJournalPath() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate cache directory: %w", err)
	}
	return filepath.Join(dir, "picopip", "journal.db"), nil
}

var validate = validator.New()

// Load reads the configuration file at path, or the default location
// when path is empty. A missing file yields the built-in defaults; a
// present but invalid file is an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
