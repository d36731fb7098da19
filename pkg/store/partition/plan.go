// Package partition computes immutable chunk/shard sizing for a logical
// integer array. A Plan is a pure value derived from an item count and byte
// constraints; it performs no I/O and never mutates stored state.
package partition

// Plan describes how a logical array is split into shards and chunks.
//
// ItemsPerShard is always ItemsPerChunk * ChunksPerShard. TotalChunks and
// TotalShards are derived from the item count the plan was calculated (or
// re-derived) for; every other field is fixed for the lifetime of a store
// generation.
type Plan struct {
	// ItemsPerChunk is the number of items in every chunk except possibly
	// the globally-last one.
	ItemsPerChunk uint64 `json:"items_per_chunk" mapstructure:"items_per_chunk"`

	// ChunksPerShard is the number of chunks each shard holds.
	ChunksPerShard uint64 `json:"chunks_per_shard" mapstructure:"chunks_per_shard"`

	// ItemsPerShard is ItemsPerChunk * ChunksPerShard.
	ItemsPerShard uint64 `json:"items_per_shard" mapstructure:"items_per_shard"`

	// TotalChunks is ceil(totalItems / ItemsPerChunk).
	TotalChunks uint64 `json:"total_chunks" mapstructure:"total_chunks"`

	// TotalShards is ceil(totalItems / ItemsPerShard).
	TotalShards uint64 `json:"total_shards" mapstructure:"total_shards"`
}

// IsZero reports whether the plan has never been calculated.
func (p Plan) IsZero() bool {
	return p.ItemsPerChunk == 0
}

// WithTotals returns a copy of the plan with TotalChunks and TotalShards
// re-derived for a grown item count. Chunk and shard sizing is preserved, so
// existing shard files remain valid under the returned plan.
func (p Plan) WithTotals(totalItems uint64) Plan {
	out := p
	out.TotalChunks = ceilDiv(totalItems, p.ItemsPerChunk)
	out.TotalShards = ceilDiv(totalItems, p.ItemsPerShard)
	return out
}

// ChunkRange returns the half-open global chunk-index range [lo, hi) that
// shard shardIndex is expected to hold. The range of the last shard is capped
// by TotalChunks.
func (p Plan) ChunkRange(shardIndex uint64) (lo, hi uint64) {
	lo = shardIndex * p.ChunksPerShard
	hi = lo + p.ChunksPerShard
	if hi > p.TotalChunks {
		hi = p.TotalChunks
	}
	if lo > hi {
		lo = hi
	}
	return lo, hi
}

// ItemRange returns the half-open global item-index range [lo, hi) covered by
// chunk chunkIndex. The last chunk is not capped here; callers that need the
// actual item count of the globally-last chunk cap against their covered end.
func (p Plan) ItemRange(chunkIndex uint64) (lo, hi uint64) {
	lo = chunkIndex * p.ItemsPerChunk
	return lo, lo + p.ItemsPerChunk
}

// ShardForItem returns the shard index holding the given item index.
func (p Plan) ShardForItem(item uint64) uint64 {
	return item / p.ItemsPerShard
}

// ChunkForItem returns the global chunk index holding the given item index.
func (p Plan) ChunkForItem(item uint64) uint64 {
	return item / p.ItemsPerChunk
}

// ShardForChunk returns the shard index holding the given global chunk index.
func (p Plan) ShardForChunk(chunk uint64) uint64 {
	return chunk / p.ChunksPerShard
}

func ceilDiv(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}
