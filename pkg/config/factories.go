package config

import (
	"fmt"

	"github.com/marmos91/shardstore/internal/logger"
	"github.com/marmos91/shardstore/pkg/metrics"
	"github.com/marmos91/shardstore/pkg/store"
	"github.com/marmos91/shardstore/pkg/store/partition"
	"github.com/mitchellh/mapstructure"
)

// CreateManager creates a store manager based on configuration.
//
// This factory function uses the Type field to determine which backend to
// open, then decodes the backend-specific configuration from the
// corresponding map and passes it to the store's constructor.
//
// Supported types:
//   - "filesystem": Uses pkg/store over a local directory
//
// Parameters:
//   - cfg: The complete configuration
//   - storeMetrics: Metrics collector for store operations (nil = no metrics)
//
// Returns:
//   - *store.Manager: Opened store manager
//   - error: Configuration or initialization error
func CreateManager(cfg *Config, storeMetrics metrics.StoreMetrics) (*store.Manager, error) {
	switch cfg.Store.Type {
	case "filesystem":
		return createFilesystemManager(cfg, storeMetrics)
	default:
		return nil, fmt.Errorf("unknown store type: %q", cfg.Store.Type)
	}
}

// createFilesystemManager opens a store over a local directory.
func createFilesystemManager(cfg *Config, storeMetrics metrics.StoreMetrics) (*store.Manager, error) {
	// Define the configuration struct for the filesystem backend
	type FilesystemStoreConfig struct {
		Root string `mapstructure:"root"`
	}

	// Decode the options into the config struct
	var storeCfg FilesystemStoreConfig
	if err := mapstructure.Decode(cfg.Store.Filesystem, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode filesystem store config: %w", err)
	}

	// Validate required fields
	if storeCfg.Root == "" {
		return nil, fmt.Errorf("filesystem store: root is required")
	}

	mgr, err := store.Open(storeCfg.Root, store.Options{
		Constraints:  PartitionConstraints(cfg),
		LockTimeout:  cfg.Store.LockTimeout,
		PollInterval: cfg.Store.LockPollInterval,
		StaleAfter:   cfg.Store.LockStaleAfter,
		Metrics:      storeMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open filesystem store: %w", err)
	}

	logger.Info("Filesystem store opened: root=%s, item_byte_size=%d",
		storeCfg.Root, cfg.Partition.ItemByteSize)

	return mgr, nil
}

// PartitionConstraints converts the partition section into the sizing inputs
// consumed by the partition strategy.
func PartitionConstraints(cfg *Config) partition.Constraints {
	return partition.Constraints{
		ItemByteSize:         cfg.Partition.ItemByteSize,
		MaxChunkBytes:        cfg.Partition.MaxChunkBytes,
		MaxShardBytes:        cfg.Partition.MaxShardBytes,
		TargetShardCount:     cfg.Partition.TargetShardCount,
		TargetChunksPerShard: cfg.Partition.TargetChunksPerShard,
	}
}
