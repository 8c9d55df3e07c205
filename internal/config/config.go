package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mhmlab/mhm/internal/exclude"
	"github.com/mhmlab/mhm/internal/pathcodec"
	"github.com/mhmlab/mhm/internal/period"
)

// ConfigFileName is the name of the mhm configuration file
const ConfigFileName = "config.yaml"

// ConfigDirName is the name of the mhm configuration directory
const ConfigDirName = ".mhm"

// RulesFileName is the default rules file inside the configuration directory
const RulesFileName = "rules.yaml"

// Config holds all mhm configuration
type Config struct {
	Data     DataConfig     `yaml:"data"`
	Layout   LayoutConfig   `yaml:"layout"`
	Filter   FilterConfig   `yaml:"filter"`
	Merge    MergeConfig    `yaml:"merge"`
	Extract  ExtractConfig  `yaml:"extract"`
	Summary  SummaryConfig  `yaml:"summary"`
	Coverage CoverageConfig `yaml:"coverage"`
	Remote   RemoteConfig   `yaml:"remote"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Run      RunConfig      `yaml:"run"`

	// Dir is the .mhm directory the config was loaded from; empty for defaults.
	Dir string `yaml:"-"`
}

// DataConfig holds the data tree locations. Relative paths are resolved
// against the project root (the parent of .mhm).
type DataConfig struct {
	RawRoot      string `yaml:"raw_root"`
	MergedRoot   string `yaml:"merged_root"`
	SummariesDir string `yaml:"summaries_dir"`
	ReportsDir   string `yaml:"reports_dir"`
}

// LayoutConfig describes how raw paths encode stream and time.
type LayoutConfig struct {
	PrefixDepth int    `yaml:"prefix_depth"`
	TokenLayout string `yaml:"token_layout"`
	Extension   string `yaml:"extension"`
}

// FilterConfig holds site include/exclude lists.
type FilterConfig struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// MergeConfig holds merge settings.
type MergeConfig struct {
	Granularity string              `yaml:"granularity"`
	Workers     int                 `yaml:"workers"`
	Strict      bool                `yaml:"strict"`
	TimeColumns []string            `yaml:"time_columns"`
	KeyColumns  map[string][]string `yaml:"key_columns,omitempty"`
}

// ExtractConfig holds metadata extraction settings.
type ExtractConfig struct {
	TimeColumns   []string `yaml:"time_columns"`
	DeviceColumns []string `yaml:"device_columns"`
	Devices       bool     `yaml:"devices"`
	Timezone      string   `yaml:"timezone"`
}

// SummaryConfig holds summary settings.
type SummaryConfig struct {
	Resolution string `yaml:"resolution"`
	RulesFile  string `yaml:"rules_file"`
}

// CoverageConfig holds coverage report settings.
type CoverageConfig struct {
	MinDays int    `yaml:"min_days"`
	Prefix  string `yaml:"prefix"`
	Boolean bool   `yaml:"boolean"`
	AllDays bool   `yaml:"all_days"`
}

// RemoteConfig holds the object store to fetch raw files from.
type RemoteConfig struct {
	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint,omitempty"`
	Concurrency int    `yaml:"concurrency"`
}

// MetricsConfig holds metrics export settings.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// RunConfig holds whole-run settings.
type RunConfig struct {
	// Strict makes partial failures exit with status 3.
	Strict bool `yaml:"strict"`
}

// ErrConfigNotFound is returned when no config file can be found
var ErrConfigNotFound = errors.New("config file not found")

// ErrInvalidConfig is returned when config validation fails
var ErrInvalidConfig = errors.New("invalid configuration")

// Load reads config from .mhm/config.yaml, falling back to defaults.
// It searches for the config directory starting from workDir and walking up
// the directory tree. Environment overrides are applied last.
func Load(workDir string) (*Config, error) {
	configDir, err := FindConfigDir(workDir)
	if err != nil {
		cfg := DefaultConfig()
		if err := loadEnv(cfg, workDir); err != nil {
			return nil, err
		}
		return cfg, Validate(cfg)
	}

	return LoadFromPath(filepath.Join(configDir, ConfigFileName))
}

// LoadFromPath reads config from a specific path.
// Merges loaded config with defaults, applies the environment and validates
// the result.
func LoadFromPath(path string) (*Config, error) {
	merged := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		loaded := &Config{}
		if err := yaml.Unmarshal(data, loaded); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
		merged = Merge(loaded, DefaultConfig())
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	merged.Dir = filepath.Dir(path)

	if err := loadEnv(merged, merged.ProjectRoot()); err != nil {
		return nil, err
	}
	if err := Validate(merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// FindConfigDir locates the .mhm directory by walking up from startDir.
// Returns the path to the .mhm directory if found.
func FindConfigDir(startDir string) (string, error) {
	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}

	currentDir := absDir
	for {
		configDir := filepath.Join(currentDir, ConfigDirName)
		info, err := os.Stat(configDir)
		if err == nil && info.IsDir() {
			return configDir, nil
		}

		parentDir := filepath.Dir(currentDir)
		if parentDir == currentDir {
			return "", ErrConfigNotFound
		}
		currentDir = parentDir
	}
}

// EnsureConfigDir creates the .mhm directory if it doesn't exist.
// Returns the path to the .mhm directory.
func EnsureConfigDir(workDir string) (string, error) {
	absDir, err := filepath.Abs(workDir)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}

	configDir := filepath.Join(absDir, ConfigDirName)

	info, err := os.Stat(configDir)
	if err == nil {
		if info.IsDir() {
			return configDir, nil
		}
		return "", fmt.Errorf("%s exists but is not a directory", configDir)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}

	return configDir, nil
}

// Validate checks that config values are valid.
// Returns an error if validation fails.
func Validate(cfg *Config) error {
	if _, err := period.ParseGranularity(cfg.Merge.Granularity); err != nil {
		return fmt.Errorf("%w: merge.granularity: %v", ErrInvalidConfig, err)
	}
	if _, err := period.ParseGranularity(cfg.Summary.Resolution); err != nil {
		return fmt.Errorf("%w: summary.resolution: %v", ErrInvalidConfig, err)
	}

	if cfg.Merge.Workers <= 0 {
		return fmt.Errorf("%w: merge.workers must be positive, got %d",
			ErrInvalidConfig, cfg.Merge.Workers)
	}

	if cfg.Layout.PrefixDepth < 0 {
		return fmt.Errorf("%w: layout.prefix_depth must be non-negative, got %d",
			ErrInvalidConfig, cfg.Layout.PrefixDepth)
	}
	if err := cfg.Codec().Validate(); err != nil {
		return fmt.Errorf("%w: layout: %v", ErrInvalidConfig, err)
	}

	if _, err := cfg.Location(); err != nil {
		return fmt.Errorf("%w: extract.timezone: %v", ErrInvalidConfig, err)
	}

	if cfg.Coverage.MinDays < 0 {
		return fmt.Errorf("%w: coverage.min_days must be non-negative, got %d",
			ErrInvalidConfig, cfg.Coverage.MinDays)
	}

	if cfg.Remote.Concurrency <= 0 {
		return fmt.Errorf("%w: remote.concurrency must be positive, got %d",
			ErrInvalidConfig, cfg.Remote.Concurrency)
	}

	if cfg.Data.RawRoot == "" || cfg.Data.MergedRoot == "" {
		return fmt.Errorf("%w: data.raw_root and data.merged_root are required", ErrInvalidConfig)
	}

	return nil
}

// SaveDefault writes the default configuration to .mhm/config.yaml in workDir.
// Creates the .mhm directory if it doesn't exist.
func SaveDefault(workDir string) (string, error) {
	configDir, err := EnsureConfigDir(workDir)
	if err != nil {
		return "", err
	}

	configPath := filepath.Join(configDir, ConfigFileName)

	if _, err := os.Stat(configPath); err == nil {
		return "", fmt.Errorf("config file already exists: %s", configPath)
	}

	cfg := DefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshaling config: %w", err)
	}

	header := "# mhm pipeline configuration\n# Relative paths are resolved against the directory containing .mhm.\n\n"
	data = append([]byte(header), data...)

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}

	return configPath, nil
}

// ProjectRoot is the directory relative paths are resolved against: the
// parent of Dir, or the working directory when no config was found.
func (c *Config) ProjectRoot() string {
	if c.Dir != "" {
		return filepath.Dir(c.Dir)
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// Resolve returns path made absolute against the project root.
func (c *Config) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.ProjectRoot(), path)
}

// CacheDir is where the cache database lives: Dir, or .mhm under the
// project root.
func (c *Config) CacheDir() string {
	if c.Dir != "" {
		return c.Dir
	}
	return filepath.Join(c.ProjectRoot(), ConfigDirName)
}

// Codec returns the path codec described by the layout section.
func (c *Config) Codec() pathcodec.Codec {
	return pathcodec.New(c.Layout.PrefixDepth, c.Layout.TokenLayout, c.Layout.Extension)
}

// SiteFilter returns the include/exclude filter.
func (c *Config) SiteFilter() exclude.Filter {
	return exclude.New(c.Filter.Include, c.Filter.Exclude)
}

// Location returns the time zone timestamps are interpreted in.
func (c *Config) Location() (*time.Location, error) {
	if c.Extract.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Extract.Timezone)
}

// MergeGranularity returns the merge period granularity.
func (c *Config) MergeGranularity() period.Granularity {
	g, _ := period.ParseGranularity(c.Merge.Granularity)
	return g
}

// SummaryResolution returns the summary period granularity.
func (c *Config) SummaryResolution() period.Granularity {
	g, _ := period.ParseGranularity(c.Summary.Resolution)
	return g
}

// RulesPath returns the resolved rules file, defaulting to .mhm/rules.yaml.
func (c *Config) RulesPath() string {
	if c.Summary.RulesFile != "" {
		return c.Resolve(c.Summary.RulesFile)
	}
	return filepath.Join(c.CacheDir(), RulesFileName)
}
