// Package store orchestrates partition plans, shard files, and the locked
// metadata file into a crash-safe on-disk store for large ordered integer
// arrays shared across processes.
//
// A Manager owns no long-lived locks: every mutating operation acquires the
// metadata lock on entry and releases it on exit, so any number of processes
// can share one storage root. Reads work from a lock-free metadata snapshot.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/marmos91/shardstore/internal/logger"
	"github.com/marmos91/shardstore/pkg/metrics"
	"github.com/marmos91/shardstore/pkg/store/hashfile"
	"github.com/marmos91/shardstore/pkg/store/internal/fsatomic"
	"github.com/marmos91/shardstore/pkg/store/lockfile"
	"github.com/marmos91/shardstore/pkg/store/metadata"
	"github.com/marmos91/shardstore/pkg/store/partition"
	"github.com/marmos91/shardstore/pkg/store/shard"
)

// MetadataFileName is the bookkeeping file kept at the root of every store.
const MetadataFileName = "metadata.json"

// Options configure a Manager.
type Options struct {
	// Constraints supply partition sizing for plan creation. ItemByteSize is
	// also checked against the stored plan on every Save.
	Constraints partition.Constraints

	// LockTimeout bounds how long mutating operations wait for the metadata
	// lock. Default: 10s.
	LockTimeout time.Duration

	// PollInterval is the lock acquisition polling interval. Default: 100ms.
	PollInterval time.Duration

	// StaleAfter is the lock staleness window. Long operations heartbeat at a
	// third of this interval. Default: lockfile.DefaultStaleAfter.
	StaleAfter time.Duration

	// Metrics receives operation observations. Default: no-op.
	Metrics metrics.StoreMetrics
}

func (o *Options) applyDefaults() {
	if o.StaleAfter <= 0 {
		o.StaleAfter = lockfile.DefaultStaleAfter
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewNoopStoreMetrics()
	}
}

func (o *Options) heartbeatInterval() time.Duration {
	return o.StaleAfter / 3
}

// Manager exposes save, load, repartition, and integrity verification over a
// single storage root.
type Manager struct {
	root    string
	meta    *metadata.File
	opts    Options
	metrics metrics.StoreMetrics
}

// Open prepares a storage root for use: the directory is created if missing,
// empty metadata is written on first use, and leftovers from interrupted
// operations (temp files, shard files from dead generations) are swept.
func Open(root string, opts Options) (*Manager, error) {
	opts.applyDefaults()

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("open store %s: %w", root, err)
	}

	meta := metadata.New(filepath.Join(root, MetadataFileName), metadata.Options{
		LockTimeout:  opts.LockTimeout,
		PollInterval: opts.PollInterval,
		StaleAfter:   opts.StaleAfter,
	})

	m := &Manager{root: root, meta: meta, opts: opts, metrics: opts.Metrics}

	if !meta.Exists() {
		err := meta.Write(metadata.Empty(), false)
		if err != nil && !errors.Is(err, metadata.ErrMetadataExists) {
			return nil, fmt.Errorf("initialize store %s: %w", root, err)
		}
	}

	m.sweepOrphans()
	return m, nil
}

// Root returns the storage root directory.
func (m *Manager) Root() string { return m.root }

// Metadata returns a lock-free snapshot of the store's bookkeeping.
func (m *Manager) Metadata() (*metadata.Metadata, error) {
	return m.meta.Read(true)
}

// Save writes items at startIndex, slicing them into chunk-aligned pieces
// across the shards the range [startIndex, startIndex+len(items)) touches.
//
// Shards only partially overlapped by the write are read first and merged,
// with new values winning on overlap. With overwrite false, a write that
// intersects an already covered range is refused. The metadata lock is held
// across the whole read-modify-write sequence.
//
// On first save into an empty store the partition plan is calculated from the
// configured constraints; afterwards Save fails with ErrPartitionMismatch if
// the configured item width differs from the stored plan's.
func (m *Manager) Save(items []uint64, startIndex uint64, overwrite bool) (err error) {
	start := time.Now()
	defer func() { m.metrics.RecordSave(len(items), time.Since(start), err) }()

	if len(items) == 0 {
		return nil
	}
	end := startIndex + uint64(len(items))

	lockStart := time.Now()
	if err = m.meta.Acquire(); err != nil {
		return err
	}
	m.metrics.RecordLockWait(time.Since(lockStart))
	defer m.meta.Release()
	stop := m.meta.Lock().Heartbeat(m.opts.heartbeatInterval())
	defer stop()

	meta, err := m.meta.Read(true)
	if err != nil {
		return err
	}

	if meta.Plan.IsZero() {
		plan, perr := partition.CalculatePlan(end, m.opts.Constraints)
		if perr != nil {
			return perr
		}
		meta.Plan = plan
		meta.ItemByteSize = m.opts.Constraints.ItemByteSize
	} else {
		if w := m.opts.Constraints.ItemByteSize; w != 0 && w != meta.ItemByteSize {
			return fmt.Errorf("%w: configured width %d, store uses %d",
				ErrPartitionMismatch, w, meta.ItemByteSize)
		}
		if !overwrite && meta.CoveredRanges.Intersects(startIndex, end) {
			return fmt.Errorf("%w: range [%d, %d) already covered",
				shard.ErrShardExists, startIndex, end)
		}
		if end > meta.CoveredRanges.MaxEnd() {
			meta.Plan = meta.Plan.WithTotals(end)
		}
	}

	plan := meta.Plan
	var bytesWritten int64
	for s := plan.ShardForItem(startIndex); s <= plan.ShardForItem(end - 1); s++ {
		cLo, cHi := plan.ChunkRange(s)
		shardLo := cLo * plan.ItemsPerChunk
		shardHi := cHi * plan.ItemsPerChunk
		writeLo := max(shardLo, startIndex)
		writeHi := min(shardHi, end)

		sf := shard.New(shard.PathFor(m.root, s, meta.Generation), s)

		var existing shard.Chunks
		if sf.Exists() {
			existing, err = sf.ReadChunks(plan, meta.ItemByteSize)
			if err != nil {
				return err
			}
		}

		chunks, cerr := mergeWrite(existing, items, startIndex, writeLo, writeHi, plan)
		if cerr != nil {
			return cerr
		}
		if err = sf.Write(chunks, plan, meta.ItemByteSize, true); err != nil {
			return err
		}
		bytesWritten += int64(writeHi-writeLo) * int64(meta.ItemByteSize)
	}
	m.metrics.RecordBytesWritten(bytesWritten)

	meta.CoveredRanges = meta.CoveredRanges.Add(metadata.Range{Start: startIndex, End: end})
	if err = m.meta.WriteHeld(meta, true); err != nil {
		return err
	}

	logger.Debug("Saved %d items at index %d across shards of generation %d",
		len(items), startIndex, meta.Generation)
	return nil
}

// mergeWrite slices items covering the global range [writeLo, writeHi) into
// per-chunk runs and overlays them onto a shard's existing chunks. New values
// win on overlap; a write that would leave an unrepresentable hole inside a
// chunk is rejected, since short chunks are always prefixes.
func mergeWrite(existing shard.Chunks, items []uint64, base, writeLo, writeHi uint64, plan partition.Plan) (shard.Chunks, error) {
	chunks := make(shard.Chunks, len(existing)+1)
	for idx, run := range existing {
		chunks[idx] = run
	}

	for idx := plan.ChunkForItem(writeLo); idx <= plan.ChunkForItem(writeHi - 1); idx++ {
		chunkLo, chunkHi := plan.ItemRange(idx)
		from := max(chunkLo, writeLo)
		to := min(chunkHi, writeHi)
		run := items[from-base : to-base]
		offset := from - chunkLo

		old := chunks[idx]
		if offset > uint64(len(old)) {
			return nil, fmt.Errorf("%w: write at index %d leaves a hole in chunk %d",
				shard.ErrShardLayoutInvalid, from, idx)
		}
		if offset == 0 && uint64(len(run)) >= uint64(len(old)) {
			chunks[idx] = run
			continue
		}
		merged := make([]uint64, max(uint64(len(old)), offset+uint64(len(run))))
		copy(merged, old)
		copy(merged[offset:], run)
		chunks[idx] = merged
	}
	return chunks, nil
}

// Load returns the items in [minIndex, maxIndex), concatenated in index order
// across the shards the range intersects. It works from a lock-free metadata
// snapshot; on ErrRangeNotAvailable the caller retries rather than blocks.
func (m *Manager) Load(minIndex, maxIndex uint64) (items []uint64, err error) {
	start := time.Now()
	defer func() { m.metrics.RecordLoad(len(items), time.Since(start), err) }()

	if maxIndex <= minIndex {
		return nil, nil
	}

	meta, err := m.meta.Read(true)
	if err != nil {
		return nil, err
	}
	if !meta.CoveredRanges.Contains(minIndex, maxIndex) {
		return nil, fmt.Errorf("%w: [%d, %d)", ErrRangeNotAvailable, minIndex, maxIndex)
	}

	return m.loadSnapshot(meta, minIndex, maxIndex)
}

// loadSnapshot reads [lo, hi) using a fixed metadata snapshot. A shard that
// turns out shorter than the snapshot claims is reported as
// ErrRangeNotAvailable: the snapshot went stale under a concurrent writer.
func (m *Manager) loadSnapshot(meta *metadata.Metadata, lo, hi uint64) ([]uint64, error) {
	plan := meta.Plan
	out := make([]uint64, 0, hi-lo)

	for s := plan.ShardForItem(lo); s <= plan.ShardForItem(hi - 1); s++ {
		cLo, _ := plan.ChunkRange(s)
		base := cLo * plan.ItemsPerChunk

		sf := shard.New(shard.PathFor(m.root, s, meta.Generation), s)
		items, err := sf.Read(plan, meta.ItemByteSize)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: shard %d missing", ErrRangeNotAvailable, s)
			}
			return nil, err
		}

		from := max(base, lo)
		to := min(base+uint64(len(items)), hi)
		if from >= to {
			return nil, fmt.Errorf("%w: shard %d shorter than expected", ErrRangeNotAvailable, s)
		}
		out = append(out, items[from-base:to-base]...)
	}

	if uint64(len(out)) != hi-lo {
		return nil, fmt.Errorf("%w: loaded %d of %d items", ErrRangeNotAvailable, len(out), hi-lo)
	}
	return out, nil
}

// Repartition rebuilds the store under a plan computed from new constraints.
//
// The expensive build phase runs without the lock: all covered data is loaded
// from the current generation and rewritten into shard files of the next
// generation, then verified. Only then is the lock taken, the snapshot checked
// against current metadata (ErrStoreModified on mismatch), and the plan
// pointer swapped. Old-generation files are deleted last; a crash at any point
// leaves either the old store intact or harmless orphans.
//
// Gaps between covered ranges survive only when they align with the new
// geometry's shard boundaries; otherwise Repartition refuses with
// ErrGapMisaligned and the store stays on its current plan.
func (m *Manager) Repartition(c partition.Constraints) (err error) {
	start := time.Now()
	defer func() { m.metrics.RecordRepartition(time.Since(start), err) }()

	snap, err := m.meta.Read(true)
	if err != nil {
		return err
	}
	if snap.Plan.IsZero() || len(snap.CoveredRanges) == 0 {
		return nil
	}
	if c.ItemByteSize == 0 {
		c.ItemByteSize = snap.ItemByteSize
	}

	newPlan, err := partition.CalculatePlan(snap.CoveredRanges.MaxEnd(), c)
	if err != nil {
		return err
	}
	newGen := snap.Generation + 1

	written, err := m.buildGeneration(snap, newPlan, c.ItemByteSize, newGen)
	if err == nil {
		err = verifyShards(written, newPlan, c.ItemByteSize)
	}
	if err != nil {
		deleteShards(written)
		if errors.Is(err, shard.ErrShardLayoutInvalid) {
			// A gap between covered ranges landed inside a shard of the new
			// geometry, which the exact-cover shard layout cannot hold.
			return fmt.Errorf("%w: %w", ErrGapMisaligned, err)
		}
		return err
	}

	lockStart := time.Now()
	if err = m.meta.Acquire(); err != nil {
		deleteShards(written)
		return err
	}
	m.metrics.RecordLockWait(time.Since(lockStart))
	stop := m.meta.Lock().Heartbeat(m.opts.heartbeatInterval())

	current, err := m.meta.Read(true)
	if err == nil && (current.Generation != snap.Generation ||
		!slices.Equal(current.CoveredRanges, snap.CoveredRanges)) {
		err = fmt.Errorf("%w: generation %d advanced during repartition",
			ErrStoreModified, snap.Generation)
	}
	if err == nil {
		err = m.meta.WriteHeld(&metadata.Metadata{
			FormatVersion: metadata.FormatVersion,
			Generation:    newGen,
			ItemByteSize:  c.ItemByteSize,
			Plan:          newPlan,
			CoveredRanges: snap.CoveredRanges,
		}, true)
	}
	stop()
	m.meta.Release()

	if err != nil {
		deleteShards(written)
		return err
	}

	// The swap is committed; old-generation files are now garbage. Failures
	// here leave orphans that the next Open sweeps.
	for _, s := range referencedShards(snap) {
		old := shard.New(shard.PathFor(m.root, s, snap.Generation), s)
		if derr := old.Delete(); derr != nil {
			logger.Warn("Failed to delete old shard %d of generation %d: %v",
				s, snap.Generation, derr)
		}
	}

	logger.Info("Repartitioned store at %s: generation %d -> %d, %d -> %d shards",
		m.root, snap.Generation, newGen, snap.Plan.TotalShards, newPlan.TotalShards)
	return nil
}

// buildGeneration rewrites all covered data into shard files of the given
// generation under the new plan. Returns every file written, including on
// error, so the caller can clean up.
func (m *Manager) buildGeneration(snap *metadata.Metadata, plan partition.Plan, width uint32, gen uint64) ([]*shard.File, error) {
	// Chunks straddling a covered-range boundary receive runs from both
	// sides, so accumulate per shard across all ranges before writing.
	perShard := make(map[uint64]shard.Chunks)
	for _, r := range snap.CoveredRanges {
		items, err := m.loadSnapshot(snap, r.Start, r.End)
		if err != nil {
			return nil, err
		}
		for s := plan.ShardForItem(r.Start); s <= plan.ShardForItem(r.End - 1); s++ {
			cLo, cHi := plan.ChunkRange(s)
			writeLo := max(cLo*plan.ItemsPerChunk, r.Start)
			writeHi := min(cHi*plan.ItemsPerChunk, r.End)

			chunks, err := mergeWrite(perShard[s], items, r.Start, writeLo, writeHi, plan)
			if err != nil {
				return nil, err
			}
			perShard[s] = chunks
		}
	}

	written := make([]*shard.File, 0, len(perShard))
	for s, chunks := range perShard {
		sf := shard.New(shard.PathFor(m.root, s, gen), s)
		written = append(written, sf)
		// Clobber leftovers from a previously crashed build of this generation.
		if err := sf.Write(chunks, plan, width, true); err != nil {
			return written, err
		}
	}
	return written, nil
}

// VerifyShardIntegrity re-reads and re-validates every shard referenced by
// current metadata, including its hash sidecar. It returns true only if every
// shard passes. This is an explicit on-demand check, not run on every read.
func (m *Manager) VerifyShardIntegrity() (bool, error) {
	meta, err := m.meta.Read(true)
	if err != nil {
		return false, err
	}
	if meta.Plan.IsZero() || len(meta.CoveredRanges) == 0 {
		m.metrics.RecordIntegrityCheck(true)
		return true, nil
	}

	ok := true
	for _, s := range referencedShards(meta) {
		sf := shard.New(shard.PathFor(m.root, s, meta.Generation), s)
		if !sf.Exists() || !sf.VerifyHash() {
			logger.Warn("Shard %d failed its hash check", s)
			ok = false
			continue
		}
		chunks, rerr := sf.ReadChunks(meta.Plan, meta.ItemByteSize)
		if rerr != nil {
			if !errors.Is(rerr, shard.ErrShardCorrupt) {
				return false, rerr
			}
			logger.Warn("Shard %d is corrupt: %v", s, rerr)
			ok = false
			continue
		}
		if verr := shard.Validate(chunks, meta.Plan, s); verr != nil {
			logger.Warn("Shard %d failed layout validation: %v", s, verr)
			ok = false
		}
	}

	m.metrics.RecordIntegrityCheck(ok)
	return ok, nil
}

// referencedShards returns the shard indices whose item ranges intersect the
// covered ranges, in ascending order.
func referencedShards(meta *metadata.Metadata) []uint64 {
	var out []uint64
	for s := uint64(0); s < meta.Plan.TotalShards; s++ {
		cLo, cHi := meta.Plan.ChunkRange(s)
		lo := cLo * meta.Plan.ItemsPerChunk
		hi := cHi * meta.Plan.ItemsPerChunk
		if meta.CoveredRanges.Intersects(lo, hi) {
			out = append(out, s)
		}
	}
	return out
}

func verifyShards(files []*shard.File, plan partition.Plan, width uint32) error {
	for _, sf := range files {
		if !sf.VerifyHash() {
			return fmt.Errorf("%w: %s: hash mismatch after build", shard.ErrShardCorrupt, sf.Path)
		}
		chunks, err := sf.ReadChunks(plan, width)
		if err != nil {
			return err
		}
		if err := shard.Validate(chunks, plan, sf.Index); err != nil {
			return err
		}
	}
	return nil
}

func deleteShards(files []*shard.File) {
	for _, sf := range files {
		if err := sf.Delete(); err != nil {
			logger.Warn("Failed to delete shard file %s: %v", sf.Path, err)
		}
	}
}

// sweepOrphans removes leftovers of interrupted operations: temp files from
// aborted atomic writes and shard files from generations other than the
// current one. Files newer than the staleness window are left alone, since
// they may belong to a live writer or an in-flight repartition build.
func (m *Manager) sweepOrphans() {
	meta, err := m.meta.Read(true)
	if err != nil {
		logger.Warn("Skipping orphan sweep at %s: %v", m.root, err)
		return
	}

	entries, err := os.ReadDir(m.root)
	if err != nil {
		logger.Warn("Skipping orphan sweep at %s: %v", m.root, err)
		return
	}

	cutoff := time.Now().Add(-m.opts.StaleAfter)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		if fsatomic.IsTemp(name) {
			if olderThan(entry, cutoff) {
				m.removeOrphan(filepath.Join(m.root, name))
			}
			continue
		}

		// A crash between a target's removal and its sidecar's removal leaves
		// a sidecar with no target; sidecars never outlive their target
		// otherwise, so an absent target marks the sidecar as garbage.
		if strings.HasSuffix(name, hashfile.SidecarSuffix) {
			target := strings.TrimSuffix(name, hashfile.SidecarSuffix)
			if _, serr := os.Stat(filepath.Join(m.root, target)); os.IsNotExist(serr) {
				m.removeOrphan(filepath.Join(m.root, name))
			}
			continue
		}

		idx, gen, isShard := shard.ParseFileName(name)
		if !isShard || gen == meta.Generation {
			continue
		}
		// Older generations are always garbage. Newer ones may be a live
		// repartition build, so only stale ones go.
		if gen < meta.Generation || olderThan(entry, cutoff) {
			sf := shard.New(filepath.Join(m.root, name), idx)
			if derr := sf.Delete(); derr != nil {
				logger.Warn("Failed to remove orphan shard %s: %v", name, derr)
			} else {
				logger.Debug("Removed orphan shard %s (current generation %d)", name, meta.Generation)
			}
		}
	}
}

func (m *Manager) removeOrphan(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("Failed to remove orphan file %s: %v", path, err)
		return
	}
	logger.Debug("Removed orphan file %s", path)
}

func olderThan(entry os.DirEntry, cutoff time.Time) bool {
	info, err := entry.Info()
	if err != nil {
		return false
	}
	return info.ModTime().Before(cutoff)
}
