package store

import "errors"

var (
	// ErrPartitionMismatch is returned by Save when the caller's item width
	// differs from the width recorded in the store's partition plan.
	ErrPartitionMismatch = errors.New("item width does not match the stored partition plan")

	// ErrRangeNotAvailable is returned by Load when the requested interval is
	// not fully contained in the store's covered ranges. Callers retry after
	// re-reading metadata; a concurrent writer may have landed the range since.
	ErrRangeNotAvailable = errors.New("requested range is not covered by the store")

	// ErrStoreModified is returned by Repartition when another process mutated
	// the store between the build-phase snapshot and the metadata swap. The
	// store is left untouched; the caller may retry against the new state.
	ErrStoreModified = errors.New("store modified concurrently")

	// ErrGapMisaligned is returned by Repartition when a gap between covered
	// ranges falls inside a shard of the new geometry. Shard files must cover
	// their chunk range exactly, so such a gap cannot be represented; the store
	// is left on its current plan. Saving the gap first, or choosing
	// constraints whose shard size divides the gap boundaries, resolves it.
	ErrGapMisaligned = errors.New("covered gap misaligned with new partition geometry")
)
