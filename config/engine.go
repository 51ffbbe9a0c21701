// Package config loads the engine configuration and watches the pipeline
// definition directory.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied to zero-valued fields.
const (
	DefaultWorkers     = 4
	DefaultJobsPerFlow = 1
	DefaultQueueSize   = 64
	DefaultTaskTimeout = 30 * time.Minute
	DefaultMetricsAddr = ":9090"
	DefaultLogLevel    = "info"
)

// EngineConfig is the configuration of a flowctl engine process.
type EngineConfig struct {
	LogLevel           string        `yaml:"log_level,omitempty"`
	Workers            int           `yaml:"workers,omitempty"`
	QueueSize          int           `yaml:"queue_size,omitempty"`
	// MaxJobsPerFlow bounds concurrently running jobs of one flow.
	MaxJobsPerFlow     int           `yaml:"max_jobs_per_flow,omitempty"`
	DefaultTaskTimeout time.Duration `yaml:"default_task_timeout,omitempty"`
	PluginDir          string        `yaml:"plugin_dir,omitempty"`
	FlowDir            string        `yaml:"flow_dir,omitempty"`
	// DBPath is the SQLite database file. Empty keeps records in memory.
	DBPath             string        `yaml:"db_path,omitempty"`
	DockerHost         string        `yaml:"docker_host,omitempty"`
	MetricsAddr        string        `yaml:"metrics_addr,omitempty"`
}

// Default returns a configuration with every default applied.
func Default() *EngineConfig {
	cfg := &EngineConfig{}
	cfg.applyDefaults()
	return cfg
}

// LoadEngineConfig reads the engine configuration at path. A missing file
// yields the defaults. Environment overrides are applied last:
//   - ENGINE_LOG_LEVEL, ENGINE_WORKERS, ENGINE_QUEUE_SIZE, ENGINE_MAX_JOBS_PER_FLOW
//   - ENGINE_PLUGIN_DIR, ENGINE_FLOW_DIR, ENGINE_DB_PATH
//   - ENGINE_DOCKER_HOST, ENGINE_METRICS_ADDR
func LoadEngineConfig(path string) (*EngineConfig, error) {
	cfg := &EngineConfig{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *EngineConfig) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", c.QueueSize)
	}
	if c.MaxJobsPerFlow < 1 {
		return fmt.Errorf("max_jobs_per_flow must be at least 1, got %d", c.MaxJobsPerFlow)
	}
	if c.DefaultTaskTimeout <= 0 {
		return fmt.Errorf("default_task_timeout must be positive, got %s", c.DefaultTaskTimeout)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// SlogLevel returns the configured log level. Invalid values fall back to
// info.
func (c *EngineConfig) SlogLevel() slog.Level {
	lvl, err := ParseLogLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// ParseLogLevel parses debug, info, warn or error.
func ParseLogLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q", s)
	}
	return lvl, nil
}

func (c *EngineConfig) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize == 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MaxJobsPerFlow == 0 {
		c.MaxJobsPerFlow = DefaultJobsPerFlow
	}
	if c.DefaultTaskTimeout == 0 {
		c.DefaultTaskTimeout = DefaultTaskTimeout
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = DefaultMetricsAddr
	}
}

func applyEnvOverrides(cfg *EngineConfig) error {
	strs := map[string]*string{
		"ENGINE_LOG_LEVEL":    &cfg.LogLevel,
		"ENGINE_PLUGIN_DIR":   &cfg.PluginDir,
		"ENGINE_FLOW_DIR":     &cfg.FlowDir,
		"ENGINE_DB_PATH":      &cfg.DBPath,
		"ENGINE_DOCKER_HOST":  &cfg.DockerHost,
		"ENGINE_METRICS_ADDR": &cfg.MetricsAddr,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	ints := map[string]*int{
		"ENGINE_WORKERS":           &cfg.Workers,
		"ENGINE_QUEUE_SIZE":        &cfg.QueueSize,
		"ENGINE_MAX_JOBS_PER_FLOW": &cfg.MaxJobsPerFlow,
	}
	for key, dst := range ints {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}
	return nil
}
