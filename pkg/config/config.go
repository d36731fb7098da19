package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete ShardStore configuration.
//
// This structure captures all configurable aspects of the store including:
//   - Logging configuration
//   - Server-wide settings (shutdown, metrics endpoint)
//   - Store backend selection and configuration (backend-specific)
//   - Partition sizing constraints
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (SHARDSTORE_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
//
// Store Configuration Pattern:
// Each store backend defines its own configuration shape. The Config struct
// contains backend-specific sections (e.g., store.filesystem) and only the
// section matching the selected type is used.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains server-wide settings
	Server ServerConfig `mapstructure:"server"`

	// Store specifies the store backend type and backend-specific configuration
	Store StoreConfig `mapstructure:"store"`

	// Partition supplies sizing constraints for plan creation and repartitioning
	Partition PartitionConfig `mapstructure:"partition"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// ServerConfig contains server-wide settings.
type ServerConfig struct {
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`

	// Metrics configures the Prometheus metrics endpoint
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig controls the optional Prometheus metrics endpoint.
type MetricsConfig struct {
	// Enabled turns metrics collection and the /metrics HTTP server on
	Enabled bool `mapstructure:"enabled"`

	// Port is the HTTP port the metrics server listens on
	Port int `mapstructure:"port" validate:"gte=0,lte=65535"`
}

// StoreConfig specifies store backend configuration.
//
// The Type field determines which backend is used.
// Only the corresponding backend-specific configuration section is used.
type StoreConfig struct {
	// Type specifies which store backend to use
	// Valid values: filesystem
	Type string `mapstructure:"type" validate:"required,oneof=filesystem"`

	// Filesystem contains filesystem-specific configuration
	// Only used when Type = "filesystem"
	Filesystem map[string]any `mapstructure:"filesystem"`

	// LockTimeout bounds how long mutating operations wait for the
	// cross-process metadata lock
	LockTimeout time.Duration `mapstructure:"lock_timeout" validate:"gt=0"`

	// LockPollInterval is the lock acquisition polling interval
	LockPollInterval time.Duration `mapstructure:"lock_poll_interval" validate:"gt=0"`

	// LockStaleAfter is the window after which an unrefreshed lock may be
	// stolen by another process
	LockStaleAfter time.Duration `mapstructure:"lock_stale_after" validate:"gt=0"`
}

// PartitionConfig supplies sizing constraints for the partition strategy.
type PartitionConfig struct {
	// ItemByteSize is the fixed on-disk width of a single item
	// Valid values: 1, 2, 4, 8
	ItemByteSize uint32 `mapstructure:"item_byte_size" validate:"required,oneof=1 2 4 8"`

	// MaxChunkBytes bounds the serialized size of one chunk
	MaxChunkBytes uint64 `mapstructure:"max_chunk_bytes"`

	// MaxShardBytes bounds the serialized payload size of one shard file
	MaxShardBytes uint64 `mapstructure:"max_shard_bytes"`

	// TargetShardCount, when non-zero, overrides MaxShardBytes and requests
	// exactly this many shards (used for operator-driven repartitioning)
	TargetShardCount uint64 `mapstructure:"target_shard_count"`

	// TargetChunksPerShard, when non-zero, overrides MaxChunkBytes
	TargetChunksPerShard uint64 `mapstructure:"target_chunks_per_shard"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (SHARDSTORE_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Configure viper
	setupViper(v, configPath)

	// Read configuration file if it exists
	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	// Unmarshal into config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply defaults for any missing values
	ApplyDefaults(&cfg)

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Set up environment variable support
	// Environment variables use SHARDSTORE_ prefix and underscores
	// Example: SHARDSTORE_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("SHARDSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Configure config file search
	if configPath != "" {
		// Use explicitly specified config file
		v.SetConfigFile(configPath)
	} else {
		// Use default location: $XDG_CONFIG_HOME/shardstore/config.{yaml,toml}
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml") // Primary format
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper, configPath string) error {
	if err := v.ReadInConfig(); err != nil {
		// Check if error is "config file not found"
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found is acceptable - use defaults
			return nil
		}
		// Other errors are problems
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	// Check XDG_CONFIG_HOME
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "shardstore")
	}

	// Fall back to ~/.config
	home, err := os.UserHomeDir()
	if err != nil {
		// If we can't get home dir, use current directory as last resort
		return "."
	}

	return filepath.Join(home, ".config", "shardstore")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	path := GetDefaultConfigPath()
	_, err := os.Stat(path)
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
