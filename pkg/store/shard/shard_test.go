package shard

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/shardstore/pkg/store/partition"
)

// testPlan: 10 items per chunk, 4 chunks per shard, 95 items total.
func testPlan() partition.Plan {
	return partition.Plan{
		ItemsPerChunk:  10,
		ChunksPerShard: 4,
		ItemsPerShard:  40,
		TotalChunks:    10,
		TotalShards:    3,
	}
}

func fullChunks(plan partition.Plan, shardIndex uint64) Chunks {
	lo, hi := plan.ChunkRange(shardIndex)
	chunks := make(Chunks)
	for idx := lo; idx < hi; idx++ {
		items := make([]uint64, plan.ItemsPerChunk)
		for i := range items {
			items[i] = idx*plan.ItemsPerChunk + uint64(i)
		}
		chunks[idx] = items
	}
	return chunks
}

func TestValidate(t *testing.T) {
	plan := testPlan()

	t.Run("full shard passes", func(t *testing.T) {
		require.NoError(t, Validate(fullChunks(plan, 0), plan, 0))
	})

	t.Run("missing chunk fails", func(t *testing.T) {
		chunks := fullChunks(plan, 0)
		delete(chunks, 2)
		assert.ErrorIs(t, Validate(chunks, plan, 0), ErrShardLayoutInvalid)
	})

	t.Run("chunk outside shard range fails", func(t *testing.T) {
		chunks := fullChunks(plan, 0)
		delete(chunks, 3)
		chunks[7] = make([]uint64, plan.ItemsPerChunk)
		assert.ErrorIs(t, Validate(chunks, plan, 0), ErrShardLayoutInvalid)
	})

	t.Run("short middle chunk fails", func(t *testing.T) {
		chunks := fullChunks(plan, 0)
		chunks[1] = chunks[1][:3]
		assert.ErrorIs(t, Validate(chunks, plan, 0), ErrShardLayoutInvalid)
	})

	t.Run("short globally-last chunk passes", func(t *testing.T) {
		chunks := fullChunks(plan, 2)
		chunks[9] = chunks[9][:5] // plan covers 95 items, last chunk is partial
		require.NoError(t, Validate(chunks, plan, 2))
	})

	t.Run("last shard truncated by total chunks", func(t *testing.T) {
		// Shard 2 expects chunks 8..9 only (TotalChunks=10).
		chunks := fullChunks(plan, 2)
		require.Len(t, chunks, 2)
		require.NoError(t, Validate(chunks, plan, 2))
	})

	t.Run("empty chunk map fails", func(t *testing.T) {
		assert.ErrorIs(t, Validate(Chunks{}, plan, 0), ErrShardLayoutInvalid)
	})

	t.Run("oversized last chunk fails", func(t *testing.T) {
		chunks := fullChunks(plan, 2)
		chunks[9] = append(chunks[9], 999)
		assert.ErrorIs(t, Validate(chunks, plan, 2), ErrShardLayoutInvalid)
	})
}

func TestWriteRead_RoundTrip(t *testing.T) {
	plan := testPlan()
	dir := t.TempDir()

	for _, width := range []uint32{1, 2, 4, 8} {
		f := New(PathFor(dir, 0, uint64(width)), 0)
		chunks := fullChunks(plan, 0)

		require.NoError(t, f.Write(chunks, plan, width, false))

		got, err := f.ReadChunks(plan, width)
		require.NoError(t, err)
		assert.Equal(t, chunks, got, "width %d", width)

		flat, err := f.Read(plan, width)
		require.NoError(t, err)
		require.Len(t, flat, 40)
		assert.Equal(t, uint64(0), flat[0])
		assert.Equal(t, uint64(39), flat[39])
	}
}

func TestWrite_RefusesExisting(t *testing.T) {
	plan := testPlan()
	f := New(PathFor(t.TempDir(), 0, 1), 0)
	chunks := fullChunks(plan, 0)

	require.NoError(t, f.Write(chunks, plan, 8, false))
	assert.ErrorIs(t, f.Write(chunks, plan, 8, false), ErrShardExists)
	require.NoError(t, f.Write(chunks, plan, 8, true))
}

func TestWrite_ItemOverflowsWidth(t *testing.T) {
	plan := testPlan()
	f := New(PathFor(t.TempDir(), 0, 1), 0)
	chunks := fullChunks(plan, 0)
	chunks[0][0] = 1 << 20 // does not fit in 2 bytes

	assert.ErrorIs(t, f.Write(chunks, plan, 2, false), ErrShardLayoutInvalid)
	assert.False(t, f.Exists(), "failed write must not leave a file behind")
}

func TestRead_CorruptFile(t *testing.T) {
	plan := testPlan()
	dir := t.TempDir()

	t.Run("garbage header", func(t *testing.T) {
		path := filepath.Join(dir, FileName(0, 1))
		require.NoError(t, os.WriteFile(path, []byte("not a shard"), 0o644))
		_, err := New(path, 0).Read(plan, 8)
		assert.ErrorIs(t, err, ErrShardCorrupt)
	})

	t.Run("wrong item width", func(t *testing.T) {
		f := New(filepath.Join(dir, FileName(1, 1)), 1)
		require.NoError(t, f.Write(fullChunks(plan, 1), plan, 8, false))
		_, err := f.Read(plan, 4)
		assert.ErrorIs(t, err, ErrShardCorrupt)
	})

	t.Run("truncated payload", func(t *testing.T) {
		f := New(filepath.Join(dir, FileName(2, 1)), 2)
		require.NoError(t, f.Write(fullChunks(plan, 2), plan, 8, false))

		data, err := os.ReadFile(f.Path)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(f.Path, data[:len(data)-7], 0o644))

		_, err = f.Read(plan, 8)
		assert.ErrorIs(t, err, ErrShardCorrupt)
	})

	t.Run("wrong shard index in header", func(t *testing.T) {
		f := New(filepath.Join(dir, FileName(3, 1)), 0)
		require.NoError(t, f.Write(fullChunks(plan, 0), plan, 8, false))

		misnamed := New(f.Path, 1)
		_, err := misnamed.ReadChunks(plan, 8)
		assert.ErrorIs(t, err, ErrShardCorrupt)
	})
}

func TestHashSidecar(t *testing.T) {
	plan := testPlan()
	f := New(PathFor(t.TempDir(), 0, 1), 0)
	require.NoError(t, f.Write(fullChunks(plan, 0), plan, 8, false))

	assert.True(t, f.VerifyHash())

	// Byte-level corruption without a sidecar update must be detected.
	data, err := os.ReadFile(f.Path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(f.Path, data, 0o644))
	assert.False(t, f.VerifyHash())
}

func TestDelete_Idempotent(t *testing.T) {
	plan := testPlan()
	f := New(PathFor(t.TempDir(), 0, 1), 0)
	require.NoError(t, f.Write(fullChunks(plan, 0), plan, 8, false))

	require.NoError(t, f.Delete())
	assert.False(t, f.Exists())
	require.NoError(t, f.Delete())
}

func TestFileName_Deterministic(t *testing.T) {
	assert.Equal(t, "shard-000007.gen-3.bin", FileName(7, 3))
}
