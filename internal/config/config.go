// SPDX-License-Identifier: MIT

// Package config loads and validates tubd configuration with the precedence
// ENV > file > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for all tubd environment variables.
const EnvPrefix = "TUBD"

// SensorConfig describes one DS18B20 probe attached to the reporting device.
type SensorConfig struct {
	Address           string  `yaml:"address" json:"address"`
	Name              string  `yaml:"name,omitempty" json:"name,omitempty"`
	Role              string  `yaml:"role,omitempty" json:"role,omitempty"` // "water" or "ambient"
	CalibrationOffset float64 `yaml:"calibration_offset,omitempty" json:"calibration_offset,omitempty"`
}

// WebhookConfig points at the smart-outlet webhook service.
type WebhookConfig struct {
	BaseURL string        `yaml:"base_url" envconfig:"WEBHOOK_BASE_URL"`
	Key     string        `yaml:"key" envconfig:"WEBHOOK_KEY"`
	Timeout time.Duration `yaml:"timeout" envconfig:"WEBHOOK_TIMEOUT"`
}

// HealthchecksConfig configures the optional schedule-bound liveness monitor.
// An empty APIKey disables the integration.
type HealthchecksConfig struct {
	APIURL   string `yaml:"api_url" envconfig:"HEALTHCHECKS_API_URL"`
	APIKey   string `yaml:"api_key" envconfig:"HEALTHCHECKS_API_KEY"`
	Grace    int    `yaml:"grace_seconds" envconfig:"HEALTHCHECKS_GRACE"`
	Channels string `yaml:"channels" envconfig:"HEALTHCHECKS_CHANNELS"`
}

// SchedulerConfig controls how crontab lines are emitted.
type SchedulerConfig struct {
	// Command is the executable prefix placed in the crontab command column,
	// e.g. "/usr/local/bin/tubctl run-job".
	Command string `yaml:"command" envconfig:"SCHEDULER_COMMAND"`
	// APIBaseURL is stored in job records so fired jobs can call back into
	// the daemon. Persisted without a trailing slash.
	APIBaseURL string `yaml:"api_base_url" envconfig:"API_BASE_URL"`
}

// Config is the complete tubd configuration.
type Config struct {
	DataDir  string `yaml:"data_dir" envconfig:"DATA_DIR"`
	Listen   string `yaml:"listen" envconfig:"LISTEN"`
	LogLevel string `yaml:"log_level" envconfig:"LOG_LEVEL"`
	// Timezone overrides the host-OS timezone used for crontab emission.
	// Empty means autodetect (TZ env, then /etc/timezone).
	Timezone string `yaml:"timezone" envconfig:"TIMEZONE"`

	Webhook      WebhookConfig      `yaml:"webhook"`
	Healthchecks HealthchecksConfig `yaml:"healthchecks"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`

	Sensors []SensorConfig `yaml:"sensors"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		DataDir:  "/var/lib/tubd",
		Listen:   ":8080",
		LogLevel: "info",
		Webhook: WebhookConfig{
			Timeout: 5 * time.Second,
		},
		Healthchecks: HealthchecksConfig{
			APIURL: "https://healthchecks.io/api/v3",
			Grace:  300,
		},
		Scheduler: SchedulerConfig{
			Command:    "/usr/local/bin/tubctl run-job",
			APIBaseURL: "http://127.0.0.1:8080",
		},
	}
}

// Load builds a Config with precedence ENV > file > defaults. filePath may be
// empty; a missing explicit file is an error, a missing auto-detected file is
// not.
func Load(filePath string) (Config, error) {
	cfg := Default()

	if filePath != "" {
		if err := mergeFile(&cfg, filePath); err != nil {
			return Config{}, err
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("process environment: %w", err)
	}

	cfg.Scheduler.APIBaseURL = strings.TrimRight(cfg.Scheduler.APIBaseURL, "/")
	cfg.Webhook.BaseURL = strings.TrimRight(cfg.Webhook.BaseURL, "/")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks invariants that would otherwise surface deep in a tick.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Webhook.Timeout <= 0 {
		return fmt.Errorf("webhook timeout must be positive, got %s", c.Webhook.Timeout)
	}
	if c.Scheduler.APIBaseURL != "" && strings.HasSuffix(c.Scheduler.APIBaseURL, "/") {
		return fmt.Errorf("api_base_url must not end with a slash")
	}
	for i, s := range c.Sensors {
		if s.Address == "" {
			return fmt.Errorf("sensor %d: address must not be empty", i)
		}
		switch s.Role {
		case "", "water", "ambient":
		default:
			return fmt.Errorf("sensor %s: unknown role %q", s.Address, s.Role)
		}
	}
	return nil
}

// StateDir returns the directory holding JSON singletons.
func (c Config) StateDir() string { return filepath.Join(c.DataDir, "state") }

// JobsDir returns the directory holding one JSON record per scheduled job.
func (c Config) JobsDir() string { return filepath.Join(c.DataDir, "scheduled-jobs") }

// LogsDir returns the directory holding append-only JSONL logs.
func (c Config) LogsDir() string { return filepath.Join(c.DataDir, "logs") }

// SensorByAddress returns the calibration entry for a probe, if configured.
func (c Config) SensorByAddress(addr string) (SensorConfig, bool) {
	for _, s := range c.Sensors {
		if s.Address == addr {
			return s, true
		}
	}
	return SensorConfig{}, false
}
