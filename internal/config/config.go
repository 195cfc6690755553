// Package config loads and validates the spokectl configuration file.
//
// # Description
//
// One YAML file describes everything the engine needs: the data
// directory, the managed instances (hub and spokes), the service
// dependency graph with health probes, and the pipeline, breaker, and
// timeout tuning. Every field can be overridden through the
// environment with the SPOKECTL_ prefix (SPOKECTL_DATA_DIR, etc.).
//
// Validation happens once at load; the rest of the engine trusts the
// returned Config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/meridian-sys/spokectl/internal/phase"
)

// Config is the root of the configuration file.
type Config struct {
	// DataDir holds the badger database, snapshots, metrics, and logs.
	DataDir string `mapstructure:"data_dir" validate:"required"`

	LogDir  string `mapstructure:"log_dir"`
	LogJSON bool   `mapstructure:"log_json"`

	Hub       HubConfig        `mapstructure:"hub"`
	Instances []InstanceConfig `mapstructure:"instances" validate:"required,min=1,dive"`
	Services  []ServiceConfig  `mapstructure:"services" validate:"dive"`
	Pipeline  PipelineConfig   `mapstructure:"pipeline"`
	Breaker   BreakerConfig    `mapstructure:"breaker"`
	Timeouts  TimeoutConfig    `mapstructure:"timeouts"`

	// PhaseCommands maps a phase name to the shell command that
	// implements it. Phases without a command are no-ops, except
	// SERVICES which is driven by the dependency graph. Commands run
	// with SPOKECTL_INSTANCE and SPOKECTL_MODE in the environment.
	PhaseCommands map[string]string `mapstructure:"phase_commands"`
}

// InstanceConfig describes one deployment target.
type InstanceConfig struct {
	// Code is the short instance identifier, e.g. "fra" or "hub".
	Code string `mapstructure:"code" validate:"required,lowercase,alphanum,max=16"`

	// Type is the topology role.
	Type string `mapstructure:"type" validate:"required,oneof=hub spoke"`

	// ConfigDir is the live configuration directory snapshotted at
	// each phase completion.
	ConfigDir string `mapstructure:"config_dir" validate:"required"`

	// Mode is passed through to phase functions, e.g. "production".
	Mode string `mapstructure:"mode"`
}

// ServiceConfig is one node of the dependency graph.
type ServiceConfig struct {
	Name      string      `mapstructure:"name" validate:"required"`
	DependsOn []string    `mapstructure:"depends_on"`
	Probe     ProbeConfig `mapstructure:"probe"`

	// StartCommand launches the service, run through the shell.
	StartCommand string `mapstructure:"start_command"`

	// StopCommand halts it during STOP rollbacks.
	StopCommand string `mapstructure:"stop_command"`
}

// ProbeConfig selects how a service's readiness is checked.
type ProbeConfig struct {
	Type    string `mapstructure:"type" validate:"omitempty,oneof=http tcp command none"`
	URL     string `mapstructure:"url" validate:"required_if=Type http,omitempty,url"`
	Address string `mapstructure:"address" validate:"required_if=Type tcp"`
	Command string `mapstructure:"command" validate:"required_if=Type command"`
}

// HubConfig points at the federation API.
type HubConfig struct {
	URL               string `mapstructure:"url" validate:"omitempty,url"`
	TimeoutSeconds    int    `mapstructure:"timeout_seconds" validate:"gte=0"`
	NotifyTransitions bool   `mapstructure:"notify_transitions"`
}

// PipelineConfig tunes the executor.
type PipelineConfig struct {
	// MaxAttempts bounds per-phase retries for recoverable failures.
	MaxAttempts int `mapstructure:"max_attempts" validate:"gte=1"`

	LockTimeoutSeconds    int `mapstructure:"lock_timeout_seconds" validate:"gte=0"`
	InitialBackoffSeconds int `mapstructure:"initial_backoff_seconds" validate:"gte=1"`

	// FailureThreshold aborts the whole run once this many failures
	// have accumulated across all phases.
	FailureThreshold int `mapstructure:"failure_threshold" validate:"gte=1"`
}

// BreakerConfig tunes the shared circuit breaker registry.
type BreakerConfig struct {
	FailureThreshold   int `mapstructure:"failure_threshold" validate:"gte=1"`
	WindowSeconds      int `mapstructure:"window_seconds" validate:"gte=1"`
	OpenTimeoutSeconds int `mapstructure:"open_timeout_seconds" validate:"gte=1"`
	MaxBackoffSeconds  int `mapstructure:"max_backoff_seconds" validate:"gte=1"`
}

// TimeoutConfig tunes dynamic startup timeouts.
type TimeoutConfig struct {
	MinSeconds   int     `mapstructure:"min_seconds" validate:"gte=1"`
	MaxSeconds   int     `mapstructure:"max_seconds" validate:"gte=1,gtefield=MinSeconds"`
	SafetyFactor float64 `mapstructure:"safety_factor" validate:"gt=0"`
	PollSeconds  int     `mapstructure:"poll_seconds" validate:"gte=1"`
}

// DefaultPath is where Load looks when no --config flag is given.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "spokectl.yaml"
	}
	return filepath.Join(home, ".spokectl", "config.yaml")
}

// Load reads, defaults, and validates the configuration at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SPOKECTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.DataDir = expandPath(cfg.DataDir)
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.DataDir, "logs")
	}
	cfg.LogDir = expandPath(cfg.LogDir)
	for i := range cfg.Instances {
		cfg.Instances[i].ConfigDir = expandPath(cfg.Instances[i].ConfigDir)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	if err := checkUniqueInstances(cfg.Instances); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	for name := range cfg.PhaseCommands {
		if _, err := phase.Parse(name); err != nil {
			return nil, fmt.Errorf("invalid config %s: phase_commands: %w", path, err)
		}
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", filepath.Join("~", ".spokectl", "data"))

	v.SetDefault("hub.timeout_seconds", 10)

	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.lock_timeout_seconds", 60)
	v.SetDefault("pipeline.initial_backoff_seconds", 2)
	v.SetDefault("pipeline.failure_threshold", 5)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.window_seconds", 600)
	v.SetDefault("breaker.open_timeout_seconds", 30)
	v.SetDefault("breaker.max_backoff_seconds", 900)

	v.SetDefault("timeouts.min_seconds", 10)
	v.SetDefault("timeouts.max_seconds", 300)
	v.SetDefault("timeouts.safety_factor", 1.5)
	v.SetDefault("timeouts.poll_seconds", 2)
}

func checkUniqueInstances(instances []InstanceConfig) error {
	seen := make(map[string]bool, len(instances))
	hubs := 0
	for _, inst := range instances {
		if seen[inst.Code] {
			return fmt.Errorf("duplicate instance code %q", inst.Code)
		}
		seen[inst.Code] = true
		if inst.Type == "hub" {
			hubs++
		}
	}
	if hubs > 1 {
		return fmt.Errorf("at most one hub instance allowed, found %d", hubs)
	}
	return nil
}

// Instance returns the declaration for a code.
func (c *Config) Instance(code string) (InstanceConfig, bool) {
	for _, inst := range c.Instances {
		if inst.Code == code {
			return inst, true
		}
	}
	return InstanceConfig{}, false
}

// DBPath is where the badger database lives.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "db")
}

// SnapshotRoot is where config snapshots live.
func (c *Config) SnapshotRoot() string {
	return filepath.Join(c.DataDir, "snapshots")
}

// MetricsPath is the JSONL metrics file.
func (c *Config) MetricsPath() string {
	return filepath.Join(c.DataDir, "metrics.jsonl")
}

// LockTimeout converts the configured lock wait to a duration.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Pipeline.LockTimeoutSeconds) * time.Second
}

// InitialBackoff is the first retry delay for recoverable failures.
func (c *Config) InitialBackoff() time.Duration {
	return time.Duration(c.Pipeline.InitialBackoffSeconds) * time.Second
}

// HubTimeout bounds every federation API call.
func (c *Config) HubTimeout() time.Duration {
	return time.Duration(c.Hub.TimeoutSeconds) * time.Second
}

func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
