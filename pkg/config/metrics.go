package config

import (
	"github.com/marmos91/shardstore/pkg/metrics"
	promMetrics "github.com/marmos91/shardstore/pkg/metrics/prometheus"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// StoreMetrics is the metrics collector for store operations (never nil,
	// uses noop if disabled)
	StoreMetrics metrics.StoreMetrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server
//   - Creates Prometheus-backed metrics instances for all components
//
// If metrics are disabled:
//   - Returns nil server
//   - Returns no-op metrics implementations (zero overhead)
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Server.Metrics.Enabled {
		// Metrics disabled - return no-op implementations
		return &MetricsResult{
			Server:       nil,
			StoreMetrics: metrics.NewNoopStoreMetrics(),
		}
	}

	// Initialize global Prometheus registry
	metrics.InitRegistry()

	// Create metrics HTTP server
	server := metrics.NewServer(metrics.ServerConfig{
		Port: cfg.Server.Metrics.Port,
	})

	// Create Prometheus-backed metrics for store operations
	storeMetrics := promMetrics.NewStoreMetrics()

	return &MetricsResult{
		Server:       server,
		StoreMetrics: storeMetrics,
	}
}
