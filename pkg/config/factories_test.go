package config

import (
	"path/filepath"
	"testing"
)

func TestCreateManager_Filesystem(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Store.Filesystem["root"] = filepath.Join(t.TempDir(), "store")

	mgr, err := CreateManager(cfg, nil)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	// The storage root must exist with empty metadata after opening.
	meta, err := mgr.Metadata()
	if err != nil {
		t.Fatalf("Failed to read metadata: %v", err)
	}
	if !meta.Plan.IsZero() {
		t.Errorf("Expected empty plan on a fresh store, got %+v", meta.Plan)
	}
}

func TestCreateManager_MissingRoot(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Store.Filesystem = map[string]any{}

	if _, err := CreateManager(cfg, nil); err == nil {
		t.Fatal("Expected error for missing root, got nil")
	}
}

func TestCreateManager_UnknownType(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Store.Type = "badger"

	if _, err := CreateManager(cfg, nil); err == nil {
		t.Fatal("Expected error for unknown store type, got nil")
	}
}

func TestCreateManager_RoundTrip(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Store.Filesystem["root"] = filepath.Join(t.TempDir(), "store")
	cfg.Partition.MaxChunkBytes = 80
	cfg.Partition.MaxShardBytes = 320

	mgr, err := CreateManager(cfg, nil)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	items := []uint64{2, 3, 5, 7, 11, 13, 17, 19, 23, 29}
	if err := mgr.Save(items, 0, false); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}

	got, err := mgr.Load(0, uint64(len(items)))
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	for i := range items {
		if got[i] != items[i] {
			t.Fatalf("Round trip mismatch at %d: got %d, want %d", i, got[i], items[i])
		}
	}
}

func TestPartitionConstraints(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Partition.TargetShardCount = 8

	c := PartitionConstraints(cfg)
	if c.ItemByteSize != cfg.Partition.ItemByteSize {
		t.Errorf("Expected item byte size %d, got %d", cfg.Partition.ItemByteSize, c.ItemByteSize)
	}
	if c.TargetShardCount != 8 {
		t.Errorf("Expected target shard count 8, got %d", c.TargetShardCount)
	}
}

func TestInitializeMetrics_Disabled(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Server.Metrics.Enabled = false

	result := InitializeMetrics(cfg)
	if result.Server != nil {
		t.Error("Expected nil metrics server when disabled")
	}
	if result.StoreMetrics == nil {
		t.Error("Expected no-op store metrics, got nil")
	}
}
