// Package prometheus provides Prometheus-backed implementations of the
// metrics interfaces in pkg/metrics.
package prometheus

import (
	"time"

	"github.com/marmos91/shardstore/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// storeMetrics is the Prometheus implementation of metrics.StoreMetrics.
type storeMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	itemsProcessed    *prometheus.CounterVec
	lockWaitDuration  prometheus.Histogram
	integrityChecks   *prometheus.CounterVec
	bytesWritten      prometheus.Counter
}

// NewStoreMetrics creates a new Prometheus-backed StoreMetrics instance.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
func NewStoreMetrics() metrics.StoreMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopStoreMetrics()
	}

	reg := metrics.GetRegistry()

	return &storeMetrics{
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardstore_operations_total",
				Help: "Total number of store operations by operation and status",
			},
			[]string{"operation", "status"},
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "shardstore_operation_duration_milliseconds",
				Help: "Duration of store operations in milliseconds",
				Buckets: []float64{
					1,     // 1ms
					10,    // 10ms
					100,   // 100ms
					1000,  // 1s
					10000, // 10s
				},
			},
			[]string{"operation"},
		),
		itemsProcessed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardstore_items_processed_total",
				Help: "Total number of items saved to or loaded from the store",
			},
			[]string{"operation"},
		),
		lockWaitDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "shardstore_lock_wait_duration_milliseconds",
				Help: "Time spent waiting to acquire the metadata lock",
				Buckets: []float64{
					1,     // 1ms
					10,    // 10ms
					100,   // 100ms
					1000,  // 1s
					10000, // 10s
				},
			},
		),
		integrityChecks: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardstore_integrity_checks_total",
				Help: "Total number of shard integrity checks by result",
			},
			[]string{"result"},
		),
		bytesWritten: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "shardstore_shard_bytes_written_total",
				Help: "Total payload bytes written to shard files",
			},
		),
	}
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (m *storeMetrics) RecordSave(items int, duration time.Duration, err error) {
	m.operationsTotal.WithLabelValues("save", statusLabel(err)).Inc()
	m.operationDuration.WithLabelValues("save").Observe(duration.Seconds() * 1000)
	if err == nil {
		m.itemsProcessed.WithLabelValues("save").Add(float64(items))
	}
}

func (m *storeMetrics) RecordLoad(items int, duration time.Duration, err error) {
	m.operationsTotal.WithLabelValues("load", statusLabel(err)).Inc()
	m.operationDuration.WithLabelValues("load").Observe(duration.Seconds() * 1000)
	if err == nil {
		m.itemsProcessed.WithLabelValues("load").Add(float64(items))
	}
}

func (m *storeMetrics) RecordRepartition(duration time.Duration, err error) {
	m.operationsTotal.WithLabelValues("repartition", statusLabel(err)).Inc()
	m.operationDuration.WithLabelValues("repartition").Observe(duration.Seconds() * 1000)
}

func (m *storeMetrics) RecordLockWait(duration time.Duration) {
	m.lockWaitDuration.Observe(duration.Seconds() * 1000)
}

func (m *storeMetrics) RecordIntegrityCheck(ok bool) {
	result := "pass"
	if !ok {
		result = "fail"
	}
	m.integrityChecks.WithLabelValues(result).Inc()
}

func (m *storeMetrics) RecordBytesWritten(bytes int64) {
	m.bytesWritten.Add(float64(bytes))
}
