// Package metadata guards the store's authoritative bookkeeping file: the
// active partition plan, the covered item ranges, and the shard generation.
// It composes the lock file (cross-process exclusion for writers) with the
// hash sidecar (corruption detection for readers).
package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/marmos91/shardstore/pkg/store/hashfile"
	"github.com/marmos91/shardstore/pkg/store/internal/fsatomic"
	"github.com/marmos91/shardstore/pkg/store/lockfile"
	"github.com/marmos91/shardstore/pkg/store/partition"
)

// FormatVersion is the current metadata schema version.
const FormatVersion uint32 = 1

var (
	// ErrMetadataCorrupt is returned when the metadata file fails its hash
	// check or does not parse. Never silently tolerated: the caller must
	// explicitly decide to rebuild or abort.
	ErrMetadataCorrupt = errors.New("metadata file corrupt")

	// ErrMetadataExists is returned by Write when the file exists and
	// overwrite is false.
	ErrMetadataExists = errors.New("metadata file already exists")
)

// Metadata is the store's authoritative bookkeeping record.
type Metadata struct {
	FormatVersion uint32         `json:"format_version"`
	Generation    uint64         `json:"generation"`
	ItemByteSize  uint32         `json:"item_byte_size"`
	Plan          partition.Plan `json:"partition_plan"`
	CoveredRanges Ranges         `json:"covered_ranges"`
}

// Empty returns the metadata written on first use of an empty storage root.
func Empty() *Metadata {
	return &Metadata{FormatVersion: FormatVersion}
}

// Options configure lock behavior for a metadata file.
type Options struct {
	// LockTimeout bounds how long Write and locked Reads wait for the lock.
	LockTimeout time.Duration

	// PollInterval is the lock acquisition polling interval.
	PollInterval time.Duration

	// StaleAfter is the lock staleness window.
	StaleAfter time.Duration
}

func (o *Options) applyDefaults() {
	if o.LockTimeout <= 0 {
		o.LockTimeout = 10 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = lockfile.DefaultStaleAfter
	}
}

// File is the metadata file plus its lock and hash sidecars.
type File struct {
	Path string

	lock *lockfile.Lock
	hash *hashfile.File
	opts Options
}

// New returns a metadata File at path. The lock sidecar lives at path+".lock"
// and the hash sidecar at path+hashfile.SidecarSuffix.
func New(path string, opts Options) *File {
	opts.applyDefaults()
	return &File{
		Path: path,
		lock: lockfile.New(path+".lock", opts.StaleAfter),
		hash: hashfile.New(path),
		opts: opts,
	}
}

// Lock exposes the underlying lock for callers that need to hold it across a
// read-modify-write sequence (see Acquire/Release on this type).
func (f *File) Lock() *lockfile.Lock { return f.lock }

// Acquire takes the metadata lock with the configured timeout.
func (f *File) Acquire() error {
	return f.lock.Acquire(f.opts.LockTimeout, f.opts.PollInterval)
}

// Release drops the metadata lock.
func (f *File) Release() error {
	return f.lock.Release(false)
}

// Exists reports whether the metadata file is present.
func (f *File) Exists() bool {
	_, err := os.Stat(f.Path)
	return err == nil
}

// Read parses the metadata file after verifying its content hash.
//
// With ignoreLock set the read skips lock acquisition and accepts a
// point-in-time snapshot; this is the mode used both for lock-free reads and
// by callers already holding the lock. Without it, the lock is held for the
// duration of the read.
//
// A missing file on an empty root yields Empty() rather than an error.
func (f *File) Read(ignoreLock bool) (*Metadata, error) {
	if !ignoreLock {
		if err := f.Acquire(); err != nil {
			return nil, err
		}
		defer f.lock.Release(false)
	}

	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return Empty(), nil
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	if !f.hash.Verify() {
		return nil, fmt.Errorf("%w: %s: content hash mismatch", ErrMetadataCorrupt, f.Path)
	}

	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMetadataCorrupt, f.Path, err)
	}
	if m.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("%w: %s: unsupported format version %d",
			ErrMetadataCorrupt, f.Path, m.FormatVersion)
	}

	m.CoveredRanges = m.CoveredRanges.coalesce()
	return &m, nil
}

// Write serializes the metadata under the lock: acquire, write the file via
// temp-then-rename, update the hash sidecar, release. The lock is released on
// every exit path. With overwrite false, an existing file is refused; this
// protects store initialization from racing creators.
func (f *File) Write(m *Metadata, overwrite bool) error {
	if err := f.Acquire(); err != nil {
		return err
	}
	defer f.lock.Release(false)

	return f.WriteHeld(m, overwrite)
}

// WriteHeld is Write for callers that already hold the metadata lock across a
// larger read-modify-write sequence.
func (f *File) WriteHeld(m *Metadata, overwrite bool) error {
	if !f.lock.IsHeld() {
		return fmt.Errorf("write metadata: %w", lockfile.ErrNotHolding)
	}
	if !overwrite && f.Exists() {
		return fmt.Errorf("%w: %s", ErrMetadataExists, f.Path)
	}

	m.CoveredRanges = m.CoveredRanges.coalesce()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	data = append(data, '\n')

	// Target first, then its hash, both under the same lock: the stale-hash
	// window between the two writes is invisible to readers because readers
	// of a mid-write store retry rather than trust a partial view.
	if err := fsatomic.WriteFile(f.Path, data, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := f.hash.Update(); err != nil {
		return fmt.Errorf("write metadata hash: %w", err)
	}
	return nil
}
