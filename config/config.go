package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full application configuration, merged from the
// JSON config file over built-in defaults. Invalid configuration is
// fatal at startup; at runtime the last good config is retained.
type Config struct {
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Entropy  EntropyConfig  `mapstructure:"entropy"`
	Behavior BehaviorConfig `mapstructure:"behavior"`
	Response ResponseConfig `mapstructure:"response"`
	Backup   BackupConfig   `mapstructure:"backup"`
	Logging  LoggingConfig  `mapstructure:"logging"`

	// DataDir holds the event store and baseline databases
	DataDir string `mapstructure:"data_dir"`
}

// MonitorConfig controls the watcher and event intake.
type MonitorConfig struct {
	WatchDirectories    []string `mapstructure:"watch_directories"`
	ExcludeDirectories  []string `mapstructure:"exclude_directories"`
	FileExtensionFilter []string `mapstructure:"file_extension_filter"`
	Recursive           bool     `mapstructure:"recursive"`
}

// EntropyConfig controls entropy measurement.
type EntropyConfig struct {
	PrefixBytes    int     `mapstructure:"prefix_bytes"`
	DeltaThreshold float64 `mapstructure:"delta_threshold"`
	SampleTail     bool    `mapstructure:"sample_tail"`
}

// BehaviorConfig controls the analyzer's sliding window and detectors.
type BehaviorConfig struct {
	WindowSeconds     int `mapstructure:"window_seconds"`
	MassThreshold     int `mapstructure:"mass_threshold"`
	MassWindowSeconds int `mapstructure:"mass_window_seconds"`
}

// ResponseConfig controls the escalation engine.
type ResponseConfig struct {
	SafeMode         bool     `mapstructure:"safe_mode"`
	ProcessWhitelist []string `mapstructure:"process_whitelist"`
}

// BackupConfig controls the vault.
type BackupConfig struct {
	VaultPath      string `mapstructure:"vault_path"`
	RetentionHours int    `mapstructure:"retention_hours"`
	MinFreeMB      int    `mapstructure:"min_free_mb"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `mapstructure:"level"` // debug, info, warning, error
	Dir   string `mapstructure:"dir"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("monitor.watch_directories", []string{})
	v.SetDefault("monitor.exclude_directories", []string{})
	v.SetDefault("monitor.file_extension_filter", []string{})
	v.SetDefault("monitor.recursive", true)
	v.SetDefault("entropy.prefix_bytes", 1024)
	v.SetDefault("entropy.delta_threshold", 2.0)
	v.SetDefault("entropy.sample_tail", false)
	v.SetDefault("behavior.window_seconds", 60)
	v.SetDefault("behavior.mass_threshold", 20)
	v.SetDefault("behavior.mass_window_seconds", 10)
	v.SetDefault("response.safe_mode", false)
	v.SetDefault("response.process_whitelist", []string{})
	v.SetDefault("backup.vault_path", "backup_vault")
	v.SetDefault("backup.retention_hours", 48)
	v.SetDefault("backup.min_free_mb", 100)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.dir", "logs")
	v.SetDefault("data_dir", "data")
}

// Load reads the JSON config file at path (optional: empty path loads
// defaults only), merges it over the defaults and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Set updates a single dotted key in the config file at path and writes
// it back, validating the merged result first.
func Set(path, key, value string) error {
	v := viper.New()
	v.SetConfigType("json")
	setDefaults(v)
	v.SetConfigFile(path)

	// A missing file is fine: `config set` can create it
	_ = v.ReadInConfig()

	if !knownKey(key) {
		return fmt.Errorf("unrecognized configuration key %q", key)
	}
	v.Set(key, coerce(value))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}

// knownKey enumerates the recognized configuration schema.
func knownKey(key string) bool {
	known := []string{
		"monitor.watch_directories",
		"monitor.exclude_directories",
		"monitor.file_extension_filter",
		"monitor.recursive",
		"entropy.prefix_bytes",
		"entropy.delta_threshold",
		"entropy.sample_tail",
		"behavior.window_seconds",
		"behavior.mass_threshold",
		"behavior.mass_window_seconds",
		"response.safe_mode",
		"response.process_whitelist",
		"backup.vault_path",
		"backup.retention_hours",
		"backup.min_free_mb",
		"logging.level",
		"logging.dir",
		"data_dir",
	}
	for _, k := range known {
		if k == key {
			return true
		}
	}
	return false
}

// coerce turns CLI string values into their natural JSON types so that
// `config set behavior.window_seconds 90` round-trips as a number.
func coerce(value string) interface{} {
	switch strings.ToLower(value) {
	case "true":
		return true
	case "false":
		return false
	}
	var i int
	if _, err := fmt.Sscanf(value, "%d", &i); err == nil && fmt.Sprintf("%d", i) == value {
		return i
	}
	var f float64
	if _, err := fmt.Sscanf(value, "%g", &f); err == nil {
		return f
	}
	if strings.Contains(value, ",") {
		return strings.Split(value, ",")
	}
	return value
}

// Validate checks the merged configuration. Called at load time;
// failures are fatal at startup and rejected at runtime.
func (c *Config) Validate() error {
	if c.Entropy.PrefixBytes <= 0 {
		return fmt.Errorf("entropy.prefix_bytes must be positive, got %d", c.Entropy.PrefixBytes)
	}
	if c.Entropy.DeltaThreshold < 0 || c.Entropy.DeltaThreshold > 8 {
		return fmt.Errorf("entropy.delta_threshold must be within [0, 8], got %g", c.Entropy.DeltaThreshold)
	}
	if c.Behavior.WindowSeconds <= 0 {
		return fmt.Errorf("behavior.window_seconds must be positive, got %d", c.Behavior.WindowSeconds)
	}
	if c.Behavior.MassThreshold <= 0 {
		return fmt.Errorf("behavior.mass_threshold must be positive, got %d", c.Behavior.MassThreshold)
	}
	if c.Behavior.MassWindowSeconds <= 0 || c.Behavior.MassWindowSeconds > c.Behavior.WindowSeconds {
		return fmt.Errorf("behavior.mass_window_seconds must be within (0, window_seconds], got %d", c.Behavior.MassWindowSeconds)
	}
	if c.Backup.RetentionHours <= 0 {
		return fmt.Errorf("backup.retention_hours must be positive, got %d", c.Backup.RetentionHours)
	}
	if c.Backup.MinFreeMB < 0 {
		return fmt.Errorf("backup.min_free_mb must be non-negative, got %d", c.Backup.MinFreeMB)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warning", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug/info/warning/error, got %q", c.Logging.Level)
	}
	return nil
}

// Window returns the analyzer sliding window duration.
func (c *Config) Window() time.Duration {
	return time.Duration(c.Behavior.WindowSeconds) * time.Second
}

// MassWindow returns the burst sub-window duration.
func (c *Config) MassWindow() time.Duration {
	return time.Duration(c.Behavior.MassWindowSeconds) * time.Second
}

// Retention returns the vault purge age.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Backup.RetentionHours) * time.Hour
}

// IsWhitelisted reports whether a process name is on the whitelist;
// whitelisted processes have their scores forced to zero.
func (c *Config) IsWhitelisted(processName string) bool {
	for _, name := range c.Response.ProcessWhitelist {
		if strings.EqualFold(name, processName) {
			return true
		}
	}
	return false
}
