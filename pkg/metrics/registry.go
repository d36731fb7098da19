// Package metrics provides optional Prometheus metrics for store operations.
//
// Metrics are opt-in: if InitRegistry is never called, every constructor
// returns a no-op implementation with zero overhead, so the store can run
// with or without collection enabled.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// registry is the global Prometheus registry for all store metrics.
	// Write-once via registryOnce, read-many afterwards.
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global Prometheus registry. Safe to call more
// than once; subsequent calls are ignored. If never called, GetRegistry
// returns nil and constructors hand out no-op implementations.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
	})
}

// GetRegistry returns the global registry, or nil when metrics are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}
