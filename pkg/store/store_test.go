package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/shardstore/pkg/store/hashfile"
	"github.com/marmos91/shardstore/pkg/store/partition"
	"github.com/marmos91/shardstore/pkg/store/shard"
)

// testConstraints yield items_per_chunk=10, chunks_per_shard=4,
// items_per_shard=40: small enough that a few hundred items span
// several shards.
func testConstraints() partition.Constraints {
	return partition.Constraints{
		ItemByteSize:  8,
		MaxChunkBytes: 80,
		MaxShardBytes: 320,
	}
}

func testStoreOptions() Options {
	return Options{
		Constraints:  testConstraints(),
		LockTimeout:  2 * time.Second,
		PollInterval: 10 * time.Millisecond,
		StaleAfter:   time.Minute,
	}
}

func openTestStore(t *testing.T) *Manager {
	t.Helper()
	m, err := Open(t.TempDir(), testStoreOptions())
	require.NoError(t, err)
	return m
}

// seq returns n consecutive integers starting at start.
func seq(start uint64, n int) []uint64 {
	out := make([]uint64, n)
	for i := range out {
		out[i] = start + uint64(i)
	}
	return out
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	m := openTestStore(t)

	items := seq(100, 100)
	require.NoError(t, m.Save(items, 0, false))

	got, err := m.Load(0, 100)
	require.NoError(t, err)
	assert.Equal(t, items, got)

	sub, err := m.Load(10, 50)
	require.NoError(t, err)
	assert.Equal(t, items[10:50], sub)
}

func TestSave_InitializesPlanFromConstraints(t *testing.T) {
	m := openTestStore(t)
	require.NoError(t, m.Save(seq(0, 100), 0, false))

	meta, err := m.Metadata()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), meta.Plan.ItemsPerChunk)
	assert.Equal(t, uint64(4), meta.Plan.ChunksPerShard)
	assert.Equal(t, uint64(10), meta.Plan.TotalChunks)
	assert.Equal(t, uint64(3), meta.Plan.TotalShards)
	assert.Equal(t, uint32(8), meta.ItemByteSize)
	assert.Equal(t, uint64(100), meta.CoveredRanges.MaxEnd())
}

func TestSave_AppendMergesPartialChunks(t *testing.T) {
	m := openTestStore(t)

	// The first save ends mid-chunk; the append must extend that chunk
	// in place rather than clobber its existing prefix.
	require.NoError(t, m.Save(seq(0, 45), 0, false))
	require.NoError(t, m.Save(seq(45, 78), 45, false))

	got, err := m.Load(0, 123)
	require.NoError(t, err)
	assert.Equal(t, seq(0, 123), got)

	meta, err := m.Metadata()
	require.NoError(t, err)
	assert.Equal(t, uint64(13), meta.Plan.TotalChunks)
	assert.Equal(t, uint64(4), meta.Plan.TotalShards)
}

func TestSave_OverwriteSemantics(t *testing.T) {
	m := openTestStore(t)
	require.NoError(t, m.Save(seq(0, 40), 0, false))

	patch := make([]uint64, 20)
	for i := range patch {
		patch[i] = 999
	}

	err := m.Save(patch, 10, false)
	assert.ErrorIs(t, err, shard.ErrShardExists)

	require.NoError(t, m.Save(patch, 10, true))

	got, err := m.Load(0, 40)
	require.NoError(t, err)
	assert.Equal(t, seq(0, 10), got[:10])
	assert.Equal(t, patch, got[10:30])
	assert.Equal(t, seq(30, 10), got[30:])
}

func TestSave_PartitionMismatch(t *testing.T) {
	root := t.TempDir()

	m, err := Open(root, testStoreOptions())
	require.NoError(t, err)
	require.NoError(t, m.Save(seq(0, 40), 0, false))

	narrow := testStoreOptions()
	narrow.Constraints.ItemByteSize = 4
	other, err := Open(root, narrow)
	require.NoError(t, err)

	err = other.Save(seq(40, 10), 40, false)
	assert.ErrorIs(t, err, ErrPartitionMismatch)
}

func TestSave_EmptyInputIsNoop(t *testing.T) {
	m := openTestStore(t)
	require.NoError(t, m.Save(nil, 0, false))

	meta, err := m.Metadata()
	require.NoError(t, err)
	assert.True(t, meta.Plan.IsZero())
}

func TestSave_MidChunkGapRejected(t *testing.T) {
	m := openTestStore(t)
	require.NoError(t, m.Save(seq(0, 40), 0, false))

	// Indices 40..45 would be missing inside chunk 4; short chunks are
	// prefixes, so this hole cannot be represented.
	err := m.Save(seq(45, 10), 45, false)
	assert.ErrorIs(t, err, shard.ErrShardLayoutInvalid)
}

func TestLoad_GapYieldsRangeNotAvailable(t *testing.T) {
	m := openTestStore(t)
	require.NoError(t, m.Save(seq(0, 40), 0, false))
	require.NoError(t, m.Save(seq(80, 40), 80, false))

	_, err := m.Load(0, 120)
	assert.ErrorIs(t, err, ErrRangeNotAvailable)

	_, err = m.Load(30, 50)
	assert.ErrorIs(t, err, ErrRangeNotAvailable)

	got, err := m.Load(80, 100)
	require.NoError(t, err)
	assert.Equal(t, seq(80, 20), got)
}

func TestLoad_EmptyStore(t *testing.T) {
	m := openTestStore(t)

	_, err := m.Load(0, 10)
	assert.ErrorIs(t, err, ErrRangeNotAvailable)

	got, err := m.Load(5, 5)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRepartition_PreservesContent(t *testing.T) {
	m := openTestStore(t)
	items := seq(1000, 200)
	require.NoError(t, m.Save(items, 0, false))

	require.NoError(t, m.Repartition(partition.Constraints{
		ItemByteSize:  8,
		MaxChunkBytes: 160,
		MaxShardBytes: 640,
	}))

	got, err := m.Load(0, 200)
	require.NoError(t, err)
	assert.Equal(t, items, got)

	meta, err := m.Metadata()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), meta.Generation)
	assert.Equal(t, uint64(20), meta.Plan.ItemsPerChunk)
	assert.Equal(t, uint64(3), meta.Plan.TotalShards)

	// The old generation's files must be gone.
	old, err := filepath.Glob(filepath.Join(m.Root(), "shard-*.gen-0.bin"))
	require.NoError(t, err)
	assert.Empty(t, old)
}

func TestRepartition_EmptyStoreIsNoop(t *testing.T) {
	m := openTestStore(t)
	require.NoError(t, m.Repartition(testConstraints()))

	meta, err := m.Metadata()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), meta.Generation)
	assert.True(t, meta.Plan.IsZero())
}

func TestRepartition_MisalignedGapRefused(t *testing.T) {
	m := openTestStore(t)
	require.NoError(t, m.Save(seq(0, 40), 0, false))
	require.NoError(t, m.Save(seq(80, 40), 80, false))

	// Under 20-item chunks and 80-item shards the gap [40, 80) falls inside
	// shard 0, which the exact-cover shard layout cannot represent.
	err := m.Repartition(partition.Constraints{
		ItemByteSize:  8,
		MaxChunkBytes: 160,
		MaxShardBytes: 640,
	})
	assert.ErrorIs(t, err, ErrGapMisaligned)

	// The refusal must leave the store on its old plan with content intact.
	meta, err := m.Metadata()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), meta.Generation)
	assert.Equal(t, uint64(10), meta.Plan.ItemsPerChunk)

	got, err := m.Load(80, 120)
	require.NoError(t, err)
	assert.Equal(t, seq(80, 40), got)

	// No files of the abandoned generation may remain.
	leftovers, err := filepath.Glob(filepath.Join(m.Root(), "shard-*.gen-1.bin*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestRepartition_SurvivesDisjointRanges(t *testing.T) {
	m := openTestStore(t)
	require.NoError(t, m.Save(seq(0, 40), 0, false))
	require.NoError(t, m.Save(seq(80, 40), 80, false))

	// Shard-aligned gaps survive a repartition onto the same geometry.
	require.NoError(t, m.Repartition(testConstraints()))

	got, err := m.Load(80, 120)
	require.NoError(t, err)
	assert.Equal(t, seq(80, 40), got)

	_, err = m.Load(40, 80)
	assert.ErrorIs(t, err, ErrRangeNotAvailable)
}

func TestVerifyShardIntegrity(t *testing.T) {
	m := openTestStore(t)

	ok, err := m.VerifyShardIntegrity()
	require.NoError(t, err)
	assert.True(t, ok, "empty store is trivially consistent")

	require.NoError(t, m.Save(seq(0, 100), 0, false))
	ok, err = m.VerifyShardIntegrity()
	require.NoError(t, err)
	assert.True(t, ok)

	// Flip a byte in a shard without touching its sidecar.
	path := shard.PathFor(m.Root(), 0, 0)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	ok, err = m.VerifyShardIntegrity()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyShardIntegrity_MissingShard(t *testing.T) {
	m := openTestStore(t)
	require.NoError(t, m.Save(seq(0, 100), 0, false))

	require.NoError(t, os.Remove(shard.PathFor(m.Root(), 1, 0)))

	ok, err := m.VerifyShardIntegrity()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpen_SweepsOrphans(t *testing.T) {
	m := openTestStore(t)
	require.NoError(t, m.Save(seq(0, 100), 0, false))
	require.NoError(t, m.Repartition(testConstraints()))

	root := m.Root()

	// A crashed deletion pass left an old-generation shard behind.
	oldShard := shard.PathFor(root, 9, 0)
	require.NoError(t, os.WriteFile(oldShard, []byte("junk"), 0o644))

	// A crashed atomic write left a stale temp file; a second temp is fresh
	// and may belong to a live writer.
	staleTemp := filepath.Join(root, ".tmp-metadata.json-123")
	freshTemp := filepath.Join(root, ".tmp-metadata.json-456")
	require.NoError(t, os.WriteFile(staleTemp, []byte("junk"), 0o644))
	require.NoError(t, os.WriteFile(freshTemp, []byte("junk"), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(staleTemp, old, old))

	_, err := Open(root, testStoreOptions())
	require.NoError(t, err)

	assert.NoFileExists(t, oldShard)
	assert.NoFileExists(t, staleTemp)
	assert.FileExists(t, freshTemp)

	got, err := m.Load(0, 100)
	require.NoError(t, err)
	assert.Equal(t, seq(0, 100), got)
}

func TestOpen_SweepsOrphanedSidecars(t *testing.T) {
	m := openTestStore(t)
	require.NoError(t, m.Save(seq(0, 100), 0, false))
	root := m.Root()

	// A crash between a shard's removal and its sidecar's removal leaves a
	// sidecar with no target.
	orphan := shard.PathFor(root, 9, 3) + hashfile.SidecarSuffix
	require.NoError(t, os.WriteFile(orphan, []byte("junk"), 0o644))

	kept := shard.PathFor(root, 0, 0) + hashfile.SidecarSuffix
	require.FileExists(t, kept)

	_, err := Open(root, testStoreOptions())
	require.NoError(t, err)

	assert.NoFileExists(t, orphan)
	assert.FileExists(t, kept)
}

func TestTwoManagersShareOneRoot(t *testing.T) {
	root := t.TempDir()

	first, err := Open(root, testStoreOptions())
	require.NoError(t, err)
	second, err := Open(root, testStoreOptions())
	require.NoError(t, err)

	require.NoError(t, first.Save(seq(0, 40), 0, false))
	require.NoError(t, second.Save(seq(40, 40), 40, false))

	got, err := first.Load(0, 80)
	require.NoError(t, err)
	assert.Equal(t, seq(0, 80), got)

	got, err = second.Load(0, 80)
	require.NoError(t, err)
	assert.Equal(t, seq(0, 80), got)
}
