package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/shardstore/internal/logger"
	"github.com/marmos91/shardstore/pkg/config"
	"github.com/marmos91/shardstore/pkg/store"
)

const usage = `shardstore - sharded on-disk store for large ordered integer arrays

Usage:
  shardstore [flags] <command>

Commands:
  info         Print the store's partition plan and covered ranges
  verify       Re-validate every shard against the plan and its hash sidecar
  repartition  Rebuild all shards under the configured partition constraints
  init-config  Write a default configuration file

Flags:
`

func main() {
	configPath := flag.String("config", "", "Path to config file (default: "+config.GetDefaultConfigPath()+")")
	root := flag.String("root", "", "Storage root directory (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (DEBUG, INFO, WARN, ERROR; overrides config)")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	command := flag.Arg(0)

	if command == "init-config" {
		if err := runInitConfig(); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *root != "" {
		cfg.Store.Filesystem["root"] = *root
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	setupLogging(cfg)

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsResult := config.InitializeMetrics(cfg)
	if metricsResult.Server != nil {
		go func() {
			if err := metricsResult.Server.Start(ctx); err != nil {
				logger.Error("Metrics server error: %v", err)
			}
		}()
	}

	// Stop cleanly on Ctrl+C; the store itself is crash-safe either way.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received")
		cancel()
	}()

	mgr, err := config.CreateManager(cfg, metricsResult.StoreMetrics)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}

	switch command {
	case "info":
		err = runInfo(mgr)
	case "verify":
		err = runVerify(mgr)
	case "repartition":
		err = runRepartition(mgr, cfg)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", command, err)
	}
}

// setupLogging applies the logging section: level, format, and output target.
func setupLogging(cfg *config.Config) {
	logger.SetLevel(cfg.Logging.Level)
	logger.SetFormat(cfg.Logging.Format)

	switch cfg.Logging.Output {
	case "stdout", "":
		// Default output
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		f, err := os.OpenFile(cfg.Logging.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatalf("Failed to open log file %s: %v", cfg.Logging.Output, err)
		}
		logger.SetOutput(f)
	}
}

// storeInfo is the YAML shape printed by the info command.
type storeInfo struct {
	Root         string       `yaml:"root"`
	Generation   uint64       `yaml:"generation"`
	ItemByteSize uint32       `yaml:"item_byte_size"`
	Plan         planInfo     `yaml:"partition_plan"`
	Covered      []rangeInfo  `yaml:"covered_ranges"`
	CoveredItems string       `yaml:"covered_items"`
	CoveredBytes string       `yaml:"covered_bytes"`
}

type planInfo struct {
	ItemsPerChunk  uint64 `yaml:"items_per_chunk"`
	ChunksPerShard uint64 `yaml:"chunks_per_shard"`
	ItemsPerShard  uint64 `yaml:"items_per_shard"`
	TotalChunks    uint64 `yaml:"total_chunks"`
	TotalShards    uint64 `yaml:"total_shards"`
}

type rangeInfo struct {
	Start uint64 `yaml:"start"`
	End   uint64 `yaml:"end"`
}

func runInfo(mgr *store.Manager) error {
	meta, err := mgr.Metadata()
	if err != nil {
		return err
	}

	info := storeInfo{
		Root:         mgr.Root(),
		Generation:   meta.Generation,
		ItemByteSize: meta.ItemByteSize,
		Plan: planInfo{
			ItemsPerChunk:  meta.Plan.ItemsPerChunk,
			ChunksPerShard: meta.Plan.ChunksPerShard,
			ItemsPerShard:  meta.Plan.ItemsPerShard,
			TotalChunks:    meta.Plan.TotalChunks,
			TotalShards:    meta.Plan.TotalShards,
		},
		CoveredItems: humanize.Comma(int64(meta.CoveredRanges.Total())),
		CoveredBytes: humanize.IBytes(meta.CoveredRanges.Total() * uint64(meta.ItemByteSize)),
	}
	for _, r := range meta.CoveredRanges {
		info.Covered = append(info.Covered, rangeInfo{Start: r.Start, End: r.End})
	}

	out, err := yaml.Marshal(&info)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

func runVerify(mgr *store.Manager) error {
	ok, err := mgr.VerifyShardIntegrity()
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("FAILED: one or more shards are corrupt or inconsistent")
		os.Exit(1)
	}
	fmt.Println("OK: all shards passed integrity verification")
	return nil
}

func runRepartition(mgr *store.Manager, cfg *config.Config) error {
	before, err := mgr.Metadata()
	if err != nil {
		return err
	}
	logger.Info("Repartitioning %s items across %d shards",
		humanize.Comma(int64(before.CoveredRanges.Total())), before.Plan.TotalShards)

	if err := mgr.Repartition(config.PartitionConstraints(cfg)); err != nil {
		return err
	}

	after, err := mgr.Metadata()
	if err != nil {
		return err
	}
	fmt.Printf("Repartitioned: generation %d -> %d, %d -> %d shards\n",
		before.Generation, after.Generation, before.Plan.TotalShards, after.Plan.TotalShards)
	return nil
}

// defaultConfigTemplate mirrors config.GetDefaultConfig. Kept as literal YAML
// so the generated file carries the snake_case keys the loader expects.
const defaultConfigTemplate = `logging:
  level: "INFO"
  format: "text"
  output: "stdout"

server:
  shutdown_timeout: 30s
  metrics:
    enabled: false
    port: 9090

store:
  type: "filesystem"
  filesystem:
    root: "/var/lib/shardstore"
  lock_timeout: 10s
  lock_poll_interval: 100ms
  lock_stale_after: 1m

partition:
  item_byte_size: 8
  max_chunk_bytes: 4096
  max_shard_bytes: 1048576
`

func runInitConfig() error {
	path := config.GetDefaultConfigPath()
	if config.ConfigExists() {
		return fmt.Errorf("config already exists at %s", path)
	}
	if err := os.MkdirAll(config.GetConfigDir(), 0o755); err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(defaultConfigTemplate), 0o644); err != nil {
		return err
	}

	fmt.Printf("Default configuration written to %s\n", path)
	return nil
}
