package config

import (
	"strings"
	"time"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Backend-specific defaults live in the corresponding option maps
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyStoreDefaults(&cfg.Store)
	applyPartitionDefaults(&cfg.Partition)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyServerDefaults sets server defaults.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	// Metrics.Enabled defaults to false
}

// applyStoreDefaults sets store backend defaults.
func applyStoreDefaults(cfg *StoreConfig) {
	if cfg.Type == "" {
		cfg.Type = "filesystem"
	}

	// Initialize maps if nil
	if cfg.Filesystem == nil {
		cfg.Filesystem = make(map[string]any)
	}

	// Apply defaults for all backend types (for config file generation)
	if _, ok := cfg.Filesystem["root"]; !ok {
		cfg.Filesystem["root"] = "/var/lib/shardstore"
	}

	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = 10 * time.Second
	}
	if cfg.LockPollInterval == 0 {
		cfg.LockPollInterval = 100 * time.Millisecond
	}
	if cfg.LockStaleAfter == 0 {
		cfg.LockStaleAfter = time.Minute
	}
}

// applyPartitionDefaults sets partition sizing defaults.
//
// The byte bounds match a store of a million 8-byte items split into 4 KiB
// chunks and 1 MiB shards. Target counts default to zero (byte bounds apply).
func applyPartitionDefaults(cfg *PartitionConfig) {
	if cfg.ItemByteSize == 0 {
		cfg.ItemByteSize = 8
	}
	if cfg.MaxChunkBytes == 0 {
		cfg.MaxChunkBytes = 4096
	}
	if cfg.MaxShardBytes == 0 {
		cfg.MaxShardBytes = 1048576
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Logging: LoggingConfig{},
		Server:  ServerConfig{},
		Store: StoreConfig{
			Filesystem: make(map[string]any),
		},
		Partition: PartitionConfig{},
	}

	ApplyDefaults(cfg)
	return cfg
}
