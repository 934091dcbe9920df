// Package config provides unified configuration loading for anderson.
// It supports loading from YAML files and environment variables. The file
// holds defaults only; a single run is always described by CLI flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nvandessel/anderson/internal/lattice"
)

// Output formats for the series files.
const (
	FormatDat   = "dat"
	FormatArrow = "arrow"
	FormatNone  = "none"
)

// AndersonConfig contains all anderson configuration settings.
type AndersonConfig struct {
	// Simulation holds the default chain and integration parameters.
	Simulation SimulationConfig `json:"simulation" yaml:"simulation"`

	// Output controls where series are written.
	Output OutputConfig `json:"output" yaml:"output"`

	// Ensemble contains settings for multi-realization runs.
	Ensemble EnsembleConfig `json:"ensemble" yaml:"ensemble"`

	// Logging contains settings for operational and event logging.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// SimulationConfig holds defaults applied when a flag is not given.
type SimulationConfig struct {
	Size          int     `json:"size" yaml:"size"`
	DisorderWidth float64 `json:"disorder_width" yaml:"disorder_width"`
	Sigma         float64 `json:"sigma" yaml:"sigma"`
	TimeStep      float64 `json:"time_step" yaml:"time_step"`

	// MaxTime is the default horizon. Zero means N/5.
	MaxTime float64 `json:"max_time" yaml:"max_time"`
}

// OutputConfig configures series output.
type OutputConfig struct {
	// Dir receives .dat or .arrow files. Relative paths resolve against
	// the working directory.
	Dir string `json:"dir" yaml:"dir"`

	// Format is "dat" (default), "arrow", or "none".
	Format string `json:"format" yaml:"format"`

	// Store records every run in the SQLite run store.
	Store bool `json:"store" yaml:"store"`
}

// EnsembleConfig configures disorder averaging.
type EnsembleConfig struct {
	Realizations int `json:"realizations" yaml:"realizations"`

	// Workers bounds concurrent realizations; 0 uses every CPU.
	Workers int `json:"workers" yaml:"workers"`
}

// LoggingConfig configures anderson's logging behavior.
type LoggingConfig struct {
	// Level sets the log verbosity: "info" (default), "debug", or "trace".
	// "debug" enables event logging to ~/.anderson/events.jsonl.
	// "trace" additionally logs every sample.
	Level string `json:"level" yaml:"level"`
}

// Default returns an AndersonConfig with sensible defaults.
func Default() *AndersonConfig {
	return &AndersonConfig{
		Simulation: SimulationConfig{
			Size:          1000,
			DisorderWidth: 1.0,
			Sigma:         0,
			TimeStep:      lattice.DefaultTimeStep,
			MaxTime:       0,
		},
		Output: OutputConfig{
			Dir:    ".",
			Format: FormatDat,
			Store:  false,
		},
		Ensemble: EnsembleConfig{
			Realizations: 10,
			Workers:      0,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Dir returns ~/.anderson, where the config file, run store and event log
// live.
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".anderson"), nil
}

// Path returns the config file location.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load loads configuration from the default locations and environment variables.
// Order: defaults -> ~/.anderson/config.yaml -> environment variables
func Load() (*AndersonConfig, error) {
	config := Default()

	// Try to load from default config file
	if configPath, err := Path(); err == nil {
		if _, statErr := os.Stat(configPath); statErr == nil {
			fileConfig, loadErr := LoadFromFile(configPath)
			if loadErr != nil {
				return nil, fmt.Errorf("loading config file: %w", loadErr)
			}
			config = fileConfig
		}
	}

	// Apply environment variable overrides
	applyEnvOverrides(config)

	return config, nil
}

// LoadFromFile loads configuration from a specific YAML file.
func LoadFromFile(path string) (*AndersonConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	config.Output.Dir = expandEnvVars(config.Output.Dir)

	return config, nil
}

// Save writes the configuration to path, creating its directory.
func (c *AndersonConfig) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *AndersonConfig) Validate() error {
	if c.Simulation.Size <= 0 {
		return fmt.Errorf("simulation.size must be positive, got %d", c.Simulation.Size)
	}
	if c.Simulation.DisorderWidth < 0 {
		return fmt.Errorf("simulation.disorder_width must be non-negative, got %g", c.Simulation.DisorderWidth)
	}
	if c.Simulation.Sigma < 0 {
		return fmt.Errorf("simulation.sigma must be non-negative, got %g", c.Simulation.Sigma)
	}
	if c.Simulation.TimeStep <= 0 {
		return fmt.Errorf("simulation.time_step must be positive, got %g", c.Simulation.TimeStep)
	}
	if c.Simulation.MaxTime < 0 {
		return fmt.Errorf("simulation.max_time must be non-negative, got %g", c.Simulation.MaxTime)
	}

	validFormats := map[string]bool{FormatDat: true, FormatArrow: true, FormatNone: true}
	if !validFormats[c.Output.Format] {
		return fmt.Errorf("invalid output format: %s (valid: dat, arrow, none)", c.Output.Format)
	}

	if c.Ensemble.Realizations < 1 {
		return fmt.Errorf("ensemble.realizations must be at least 1, got %d", c.Ensemble.Realizations)
	}
	if c.Ensemble.Workers < 0 {
		return fmt.Errorf("ensemble.workers must be non-negative, got %d", c.Ensemble.Workers)
	}

	validLevels := map[string]bool{"info": true, "debug": true, "trace": true}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: info, debug, trace, or empty for default)", c.Logging.Level)
	}

	return nil
}

// SimulationDefaults turns the configured defaults into a lattice config.
// Seed is left unset so a fresh one is drawn per run.
func (c *AndersonConfig) SimulationDefaults() lattice.SimulationConfig {
	cfg := lattice.DefaultSimulationConfig(c.Simulation.Size)
	cfg.DisorderWidth = c.Simulation.DisorderWidth
	cfg.Sigma = c.Simulation.Sigma
	cfg.TimeStep = c.Simulation.TimeStep
	if c.Simulation.MaxTime > 0 {
		t := c.Simulation.MaxTime
		cfg.MaxTime = &t
	}
	return cfg
}

// Keys lists every dot-notation key accepted by Get and Set.
var Keys = []string{
	"simulation.size",
	"simulation.disorder_width",
	"simulation.sigma",
	"simulation.time_step",
	"simulation.max_time",
	"output.dir",
	"output.format",
	"output.store",
	"ensemble.realizations",
	"ensemble.workers",
	"logging.level",
}

// Get retrieves a configuration value by dot-notation key.
func (c *AndersonConfig) Get(key string) (any, bool) {
	switch key {
	case "simulation.size":
		return c.Simulation.Size, true
	case "simulation.disorder_width":
		return c.Simulation.DisorderWidth, true
	case "simulation.sigma":
		return c.Simulation.Sigma, true
	case "simulation.time_step":
		return c.Simulation.TimeStep, true
	case "simulation.max_time":
		return c.Simulation.MaxTime, true
	case "output.dir":
		return c.Output.Dir, true
	case "output.format":
		return c.Output.Format, true
	case "output.store":
		return c.Output.Store, true
	case "ensemble.realizations":
		return c.Ensemble.Realizations, true
	case "ensemble.workers":
		return c.Ensemble.Workers, true
	case "logging.level":
		return c.Logging.Level, true
	default:
		return nil, false
	}
}

// Set sets a configuration value by dot-notation key. The result is
// validated; on error c is left unchanged.
func (c *AndersonConfig) Set(key, value string) error {
	next := *c
	var err error
	switch key {
	case "simulation.size":
		next.Simulation.Size, err = strconv.Atoi(value)
	case "simulation.disorder_width":
		next.Simulation.DisorderWidth, err = strconv.ParseFloat(value, 64)
	case "simulation.sigma":
		next.Simulation.Sigma, err = strconv.ParseFloat(value, 64)
	case "simulation.time_step":
		next.Simulation.TimeStep, err = strconv.ParseFloat(value, 64)
	case "simulation.max_time":
		next.Simulation.MaxTime, err = strconv.ParseFloat(value, 64)
	case "output.dir":
		next.Output.Dir = value
	case "output.format":
		next.Output.Format = strings.ToLower(value)
	case "output.store":
		next.Output.Store = parseBool(value)
	case "ensemble.realizations":
		next.Ensemble.Realizations, err = strconv.Atoi(value)
	case "ensemble.workers":
		next.Ensemble.Workers, err = strconv.Atoi(value)
	case "logging.level":
		next.Logging.Level = strings.ToLower(value)
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	if err != nil {
		return fmt.Errorf("invalid value for %s: %s", key, value)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	*c = next
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(config *AndersonConfig) {
	if v := os.Getenv("ANDERSON_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Simulation.Size = n
		}
	}
	if v := os.Getenv("ANDERSON_DISORDER_WIDTH"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Simulation.DisorderWidth = f
		}
	}
	if v := os.Getenv("ANDERSON_SIGMA"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Simulation.Sigma = f
		}
	}
	if v := os.Getenv("ANDERSON_TIME_STEP"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Simulation.TimeStep = f
		}
	}
	if v := os.Getenv("ANDERSON_MAX_TIME"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Simulation.MaxTime = f
		}
	}

	if v := os.Getenv("ANDERSON_OUTPUT_DIR"); v != "" {
		config.Output.Dir = v
	}
	if v := os.Getenv("ANDERSON_OUTPUT_FORMAT"); v != "" {
		config.Output.Format = strings.ToLower(v)
	}
	if v := os.Getenv("ANDERSON_STORE"); v != "" {
		config.Output.Store = parseBool(v)
	}

	if v := os.Getenv("ANDERSON_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Ensemble.Workers = n
		}
	}

	if v := os.Getenv("ANDERSON_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
}

func parseBool(v string) bool {
	return v == "true" || v == "1"
}

// expandEnvVars expands ${VAR} patterns in a string with environment variable values.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}
