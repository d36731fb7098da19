package metrics

import "time"

// StoreMetrics provides observability for shard store operations.
//
// The interface is optional: passing nil (or the no-op implementation) to the
// store manager disables collection with zero overhead.
type StoreMetrics interface {
	// RecordSave records a completed save with its item count and duration.
	RecordSave(items int, duration time.Duration, err error)

	// RecordLoad records a completed load with its item count and duration.
	RecordLoad(items int, duration time.Duration, err error)

	// RecordRepartition records a completed repartition run.
	RecordRepartition(duration time.Duration, err error)

	// RecordLockWait records time spent waiting for the metadata lock.
	RecordLockWait(duration time.Duration)

	// RecordIntegrityCheck records the outcome of a shard integrity pass.
	RecordIntegrityCheck(ok bool)

	// RecordBytesWritten records payload bytes committed to shard files.
	RecordBytesWritten(bytes int64)
}

// noopStoreMetrics discards every observation.
type noopStoreMetrics struct{}

// NewNoopStoreMetrics returns a StoreMetrics that does nothing.
func NewNoopStoreMetrics() StoreMetrics {
	return noopStoreMetrics{}
}

func (noopStoreMetrics) RecordSave(int, time.Duration, error) {}
func (noopStoreMetrics) RecordLoad(int, time.Duration, error) {}
func (noopStoreMetrics) RecordRepartition(time.Duration, error) {}
func (noopStoreMetrics) RecordLockWait(time.Duration) {}
func (noopStoreMetrics) RecordIntegrityCheck(bool) {}
func (noopStoreMetrics) RecordBytesWritten(int64) {}
