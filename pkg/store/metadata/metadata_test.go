package metadata

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/shardstore/pkg/store/lockfile"
	"github.com/marmos91/shardstore/pkg/store/partition"
)

func testOptions() Options {
	return Options{
		LockTimeout:  2 * time.Second,
		PollInterval: 10 * time.Millisecond,
		StaleAfter:   time.Minute,
	}
}

func sampleMetadata() *Metadata {
	return &Metadata{
		FormatVersion: FormatVersion,
		Generation:    1,
		ItemByteSize:  8,
		Plan: partition.Plan{
			ItemsPerChunk:  512,
			ChunksPerShard: 256,
			ItemsPerShard:  131072,
			TotalChunks:    1954,
			TotalShards:    8,
		},
		CoveredRanges: Ranges{{0, 1_000_000}},
	}
}

func TestWriteRead_RoundTrip(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "metadata.json"), testOptions())

	want := sampleMetadata()
	require.NoError(t, f.Write(want, false))

	got, err := f.Read(false)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// The lock must be free after both operations.
	assert.False(t, f.Lock().IsHeld())
}

func TestRead_EmptyRootYieldsEmptyMetadata(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "metadata.json"), testOptions())

	got, err := f.Read(true)
	require.NoError(t, err)
	assert.Equal(t, Empty(), got)
	assert.True(t, got.Plan.IsZero())
}

func TestRead_CorruptionDetected(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "metadata.json"), testOptions())
	require.NoError(t, f.Write(sampleMetadata(), false))

	// Flip a byte without updating the hash sidecar.
	data, err := os.ReadFile(f.Path)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xFF
	require.NoError(t, os.WriteFile(f.Path, data, 0o644))

	_, err = f.Read(true)
	assert.ErrorIs(t, err, ErrMetadataCorrupt)
}

func TestRead_MissingSidecarIsCorrupt(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "metadata.json"), testOptions())
	require.NoError(t, f.Write(sampleMetadata(), false))
	require.NoError(t, os.Remove(f.Path+".xxh64"))

	_, err := f.Read(true)
	assert.ErrorIs(t, err, ErrMetadataCorrupt)
}

func TestWrite_RefusesExistingWithoutOverwrite(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "metadata.json"), testOptions())
	require.NoError(t, f.Write(sampleMetadata(), false))

	err := f.Write(sampleMetadata(), false)
	assert.ErrorIs(t, err, ErrMetadataExists)

	require.NoError(t, f.Write(sampleMetadata(), true))
}

func TestWrite_ReleasesLockOnFailure(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "metadata.json"), testOptions())
	require.NoError(t, f.Write(sampleMetadata(), false))

	// Failure path: refuse overwrite. The lock must still be released.
	require.Error(t, f.Write(sampleMetadata(), false))
	assert.False(t, f.Lock().IsHeld())

	// And the file must still be lockable by others.
	other := lockfile.New(f.Path+".lock", time.Minute)
	require.NoError(t, other.Acquire(time.Second, 10*time.Millisecond))
	require.NoError(t, other.Release(false))
}

func TestWriteHeld_RequiresLock(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "metadata.json"), testOptions())
	err := f.WriteHeld(sampleMetadata(), true)
	assert.ErrorIs(t, err, lockfile.ErrNotHolding)
}

func TestWrite_CoalescesRangesOnWrite(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "metadata.json"), testOptions())

	m := sampleMetadata()
	m.CoveredRanges = Ranges{{10, 20}, {0, 10}, {20, 25}}
	require.NoError(t, f.Write(m, false))

	got, err := f.Read(true)
	require.NoError(t, err)
	assert.Equal(t, Ranges{{0, 25}}, got.CoveredRanges)
}

func TestRead_LockedReadWaitsForWriter(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "metadata.json"), testOptions())
	require.NoError(t, f.Write(sampleMetadata(), false))

	require.NoError(t, f.Acquire())

	reader := New(f.Path, Options{
		LockTimeout:  50 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		StaleAfter:   time.Minute,
	})
	_, err := reader.Read(false)
	assert.ErrorIs(t, err, lockfile.ErrLockTimeout)

	// A snapshot read ignores the lock entirely.
	snap, err := reader.Read(true)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Generation)

	require.NoError(t, f.Release())
}
