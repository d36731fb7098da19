package partition

import (
	"errors"
	"fmt"
)

// ErrInvalidConstraints is returned by CalculatePlan when the sizing inputs
// cannot produce a usable layout (zero item width, or a byte bound smaller
// than a single item).
var ErrInvalidConstraints = errors.New("invalid partition constraints")

// Constraints are the caller-supplied sizing inputs for CalculatePlan.
//
// The byte bounds are the normal sizing mechanism. The optional target counts
// take priority over the byte bounds when non-zero: TargetShardCount fixes the
// number of shards, TargetChunksPerShard fixes the chunk count per shard. This
// mirrors the count-over-bytes resolution the store has always used for
// operator-driven repartitioning.
type Constraints struct {
	// ItemByteSize is the fixed on-disk width of a single item. Must be one
	// of 1, 2, 4 or 8.
	ItemByteSize uint32

	// MaxChunkBytes bounds the serialized size of one chunk.
	MaxChunkBytes uint64

	// MaxShardBytes bounds the serialized payload size of one shard file.
	MaxShardBytes uint64

	// TargetShardCount, when non-zero, overrides MaxShardBytes and requests
	// exactly this many shards for the current item count.
	TargetShardCount uint64

	// TargetChunksPerShard, when non-zero, overrides MaxChunkBytes and
	// requests exactly this many chunks per shard.
	TargetChunksPerShard uint64
}

// CalculatePlan derives a partition layout for totalItems items under the
// given constraints. It is pure and deterministic: the same inputs always
// produce the same plan.
//
// With byte bounds only:
//
//	items_per_chunk  = max(1, max_chunk_bytes / item_byte_size)
//	chunks_per_shard = max(1, max_shard_bytes / (items_per_chunk * item_byte_size))
//	items_per_shard  = items_per_chunk * chunks_per_shard
//
// Totals are ceil-divisions of totalItems. Target counts, when set, resolve
// the corresponding dimension by ceil(total / count) instead.
func CalculatePlan(totalItems uint64, c Constraints) (Plan, error) {
	if err := c.validate(totalItems); err != nil {
		return Plan{}, err
	}

	itemSize := uint64(c.ItemByteSize)

	var itemsPerShard uint64
	if c.TargetShardCount > 0 {
		itemsPerShard = ceilDiv(totalItems, c.TargetShardCount)
	} else {
		// Resolved below once items_per_chunk is known.
		itemsPerShard = 0
	}

	var itemsPerChunk uint64
	switch {
	case c.TargetChunksPerShard > 0 && itemsPerShard > 0:
		itemsPerChunk = ceilDiv(itemsPerShard, c.TargetChunksPerShard)
	case c.TargetChunksPerShard > 0:
		// Chunk count target without a shard count target: size chunks off
		// the shard byte bound instead.
		itemsPerChunk = ceilDiv(maxUint64(1, c.MaxShardBytes/itemSize), c.TargetChunksPerShard)
	default:
		itemsPerChunk = maxUint64(1, c.MaxChunkBytes/itemSize)
	}

	var chunksPerShard uint64
	if itemsPerShard > 0 {
		chunksPerShard = ceilDiv(itemsPerShard, itemsPerChunk)
	} else {
		chunksPerShard = maxUint64(1, c.MaxShardBytes/(itemsPerChunk*itemSize))
	}

	plan := Plan{
		ItemsPerChunk:  itemsPerChunk,
		ChunksPerShard: chunksPerShard,
		ItemsPerShard:  itemsPerChunk * chunksPerShard,
	}
	return plan.WithTotals(totalItems), nil
}

func (c Constraints) validate(totalItems uint64) error {
	switch c.ItemByteSize {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("%w: item byte size must be 1, 2, 4 or 8, got %d",
			ErrInvalidConstraints, c.ItemByteSize)
	}

	if c.TargetShardCount > 0 || c.TargetChunksPerShard > 0 {
		if totalItems == 0 {
			return fmt.Errorf("%w: target counts require a non-zero item count",
				ErrInvalidConstraints)
		}
		if c.TargetShardCount > 0 && c.TargetChunksPerShard > 0 {
			return nil
		}
	}

	itemSize := uint64(c.ItemByteSize)
	if c.TargetChunksPerShard == 0 && c.MaxChunkBytes < itemSize {
		return fmt.Errorf("%w: max chunk bytes %d smaller than one item (%d bytes)",
			ErrInvalidConstraints, c.MaxChunkBytes, itemSize)
	}
	if c.TargetShardCount == 0 && c.MaxShardBytes < itemSize {
		return fmt.Errorf("%w: max shard bytes %d smaller than one item (%d bytes)",
			ErrInvalidConstraints, c.MaxShardBytes, itemSize)
	}
	return nil
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
