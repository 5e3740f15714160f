package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/lucid-vigil/agentwatch/pkg/detection"
)

// Config is the top-level configuration struct for the application.
// Tags are used by Viper to map YAML keys to struct fields.
type Config struct {
	LogLevel  string         `mapstructure:"log_level"`
	LogFormat string         `mapstructure:"log_format"`
	APIPort   string         `mapstructure:"api_port"`
	Engine    EngineConfig   `mapstructure:"engine"`
	Ingest    IngestConfig   `mapstructure:"ingest"`
	Dispatch  DispatchConfig `mapstructure:"dispatch"`
	Actions   ActionsConfig  `mapstructure:"actions"`
	Tasks     []TaskConfig   `mapstructure:"tasks"`
}

// EngineConfig holds the detection engine knobs.
type EngineConfig struct {
	RulesFile             string                    `mapstructure:"rules_file"`
	SessionBufferCapacity int                       `mapstructure:"session_buffer_capacity"`
	GlobalMaxWindow       time.Duration             `mapstructure:"global_max_window"`
	MaxSessions           int                       `mapstructure:"max_sessions"`
	LevelThresholds       detection.LevelThresholds `mapstructure:"level_thresholds"`
}

// IngestConfig controls where events are read from.
type IngestConfig struct {
	Dir            string        `mapstructure:"dir"`
	Pattern        string        `mapstructure:"pattern"`
	FromStart      bool          `mapstructure:"from_start"`
	MaxTargetBytes int           `mapstructure:"max_target_bytes"`
	DedupWindow    time.Duration `mapstructure:"dedup_window"`
}

// DispatchConfig sizes the dispatcher worker pool.
type DispatchConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

// ActionsConfig holds the configuration for alert actions.
type ActionsConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	MinLevel string         `mapstructure:"min_level"`
	LogAlert LogAlertConfig `mapstructure:"log_alert"`
	NATS     NATSConfig     `mapstructure:"nats"`
}

// LogAlertConfig configures the log_alert action.
type LogAlertConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	PerSessionRate float64 `mapstructure:"per_session_rate"` // alerts per second
	Burst          int     `mapstructure:"burst"`
}

// NATSConfig configures the nats_publish action.
type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	ClientName    string        `mapstructure:"client_name"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// TaskConfig defines the configuration for a single scheduled task.
type TaskConfig struct {
	Name        string `mapstructure:"name"`
	Enabled     bool   `mapstructure:"enabled"`
	Interval    string `mapstructure:"interval"`
	MaxMemoryMB int    `mapstructure:"max_memory_mb"`
}

// LoadConfig reads config.yaml from the current directory or
// /etc/agentwatch/, then applies AGENTWATCH_ environment overrides.
func LoadConfig() (*Config, error) {
	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentwatch/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			fmt.Fprintln(os.Stderr, "Config file not found, using defaults and environment variables.")
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return unmarshal(v)
}

// LoadConfigFrom reads an explicit configuration file. Unlike LoadConfig a
// missing file is an error.
func LoadConfigFrom(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("api_port", "8080")

	defaults := detection.DefaultOptions()
	v.SetDefault("engine.rules_file", "")
	v.SetDefault("engine.session_buffer_capacity", defaults.BufferCapacity)
	v.SetDefault("engine.global_max_window", defaults.GlobalWindow)
	v.SetDefault("engine.max_sessions", defaults.MaxSessions)
	v.SetDefault("engine.level_thresholds.medium", defaults.Thresholds.Medium)
	v.SetDefault("engine.level_thresholds.high", defaults.Thresholds.High)
	v.SetDefault("engine.level_thresholds.critical", defaults.Thresholds.Critical)

	v.SetDefault("ingest.dir", "")
	v.SetDefault("ingest.pattern", "*.jsonl")
	v.SetDefault("ingest.from_start", false)
	v.SetDefault("ingest.max_target_bytes", 256*1024)
	v.SetDefault("ingest.dedup_window", 10*time.Minute)

	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.queue_size", 1000)

	v.SetDefault("actions.enabled", true)
	v.SetDefault("actions.min_level", string(detection.LevelHigh))
	v.SetDefault("actions.log_alert.enabled", true)
	v.SetDefault("actions.log_alert.per_session_rate", 1.0)
	v.SetDefault("actions.log_alert.burst", 5)
	v.SetDefault("actions.nats.enabled", false)
	v.SetDefault("actions.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("actions.nats.subject_prefix", "agentwatch.alerts")
	v.SetDefault("actions.nats.client_name", "agentwatch")
	v.SetDefault("actions.nats.timeout", 5*time.Second)

	v.SetDefault("tasks", []map[string]interface{}{
		{"name": "session_sweeper", "enabled": true, "interval": "1m"},
		{"name": "resource_monitor", "enabled": true, "interval": "30s", "max_memory_mb": 512},
	})

	v.SetEnvPrefix("AGENTWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs error

	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		errs = multierr.Append(errs, fmt.Errorf("log_format must be json or console, got %q", c.LogFormat))
	}

	if c.Engine.SessionBufferCapacity <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("engine.session_buffer_capacity must be positive"))
	}
	if c.Engine.GlobalMaxWindow <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("engine.global_max_window must be positive"))
	}
	if c.Engine.MaxSessions <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("engine.max_sessions must be positive"))
	}
	if err := c.Engine.LevelThresholds.Validate(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("engine.level_thresholds: %w", err))
	}

	if c.Dispatch.Workers <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("dispatch.workers must be positive"))
	}
	if c.Dispatch.QueueSize <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("dispatch.queue_size must be positive"))
	}

	if _, err := detection.ParseRiskLevel(c.Actions.MinLevel); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("actions.min_level: %w", err))
	}

	for _, task := range c.Tasks {
		if task.Name == "" {
			errs = multierr.Append(errs, fmt.Errorf("tasks: name is required"))
			continue
		}
		if !task.Enabled {
			continue
		}
		if d, err := time.ParseDuration(task.Interval); err != nil || d <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("tasks.%s.interval: invalid duration %q", task.Name, task.Interval))
		}
	}

	return errs
}

// EngineOptions converts the engine section to detection options.
func (c *Config) EngineOptions() detection.Options {
	return detection.Options{
		BufferCapacity: c.Engine.SessionBufferCapacity,
		GlobalWindow:   c.Engine.GlobalMaxWindow,
		MaxSessions:    c.Engine.MaxSessions,
		Thresholds:     c.Engine.LevelThresholds,
	}
}

// MinLevel returns the parsed actions.min_level.
func (c *Config) MinLevel() detection.RiskLevel {
	level, err := detection.ParseRiskLevel(c.Actions.MinLevel)
	if err != nil {
		return detection.LevelHigh
	}
	return level
}

// GetTaskConfig returns the configuration of the named task.
func (c *Config) GetTaskConfig(name string) (TaskConfig, bool) {
	for _, t := range c.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return TaskConfig{}, false
}
