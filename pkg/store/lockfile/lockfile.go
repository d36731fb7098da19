// Package lockfile implements cross-process advisory mutual exclusion backed
// by a sidecar file. This is a protocol, not a language primitive: holders may
// be separate processes, so exclusion relies on exclusive file creation and a
// timestamp-based staleness window rather than an in-process mutex.
//
// A lock with no refresh inside the staleness window is considered abandoned
// and may be stolen. This guarantees forward progress if a holder crashes
// outright, at the cost of requiring live long-running holders to heartbeat.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/shardstore/pkg/store/internal/fsatomic"
)

var (
	// ErrLockTimeout is returned by Acquire when no acquisition succeeded
	// within the caller's timeout. Recoverable: callers choose whether to
	// retry with backoff.
	ErrLockTimeout = errors.New("timed out acquiring lock")

	// ErrNotHolding is returned by Release when this instance does not hold
	// the lock and force-removal was not requested.
	ErrNotHolding = errors.New("lock not held by this instance")

	// ErrLockLost is returned by Refresh or Release when the on-disk lock no
	// longer names this holder, meaning a concurrent process treated the
	// lock as stale and stole it.
	ErrLockLost = errors.New("lock preempted by another holder")
)

// DefaultStaleAfter is the staleness window applied when none is configured.
const DefaultStaleAfter = 60 * time.Second

// holderInfo is the JSON payload written into the lock file.
type holderInfo struct {
	HolderID   string `json:"holder_id"`
	PID        int    `json:"pid"`
	Hostname   string `json:"hostname"`
	AcquiredAt int64  `json:"acquired_at_unix_nano"`
}

// Lock is a single named lock file. Each Lock instance has its own holder
// identity; IsHeld reflects only this instance's acquisition state, never
// global truth about the file on disk.
type Lock struct {
	path       string
	holderID   string
	staleAfter time.Duration

	mu   sync.Mutex
	held bool
}

// New returns a lock backed by the file at path. staleAfter <= 0 selects
// DefaultStaleAfter.
func New(path string, staleAfter time.Duration) *Lock {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Lock{
		path:       path,
		holderID:   uuid.NewString(),
		staleAfter: staleAfter,
	}
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// HolderID returns this instance's holder identity.
func (l *Lock) HolderID() string { return l.holderID }

// IsHeld reports whether this instance believes it holds the lock.
func (l *Lock) IsHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Acquire polls for an absent or stale lock file until timeout elapses.
// Exclusive-create semantics decide races: when two holders contend for a
// freed lock, exactly one O_EXCL create wins.
func (l *Lock) Acquire(timeout, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	for {
		ok, err := l.tryCreate()
		if err != nil {
			return err
		}
		if ok {
			l.mu.Lock()
			l.held = true
			l.mu.Unlock()
			return nil
		}

		// Another holder owns the file. Steal it only if its timestamp has
		// aged past the staleness window; the next loop iteration races the
		// O_EXCL create fairly.
		if info, err := l.readInfo(); err == nil && l.isStale(info) {
			l.stealStale()
			continue
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s after %s", ErrLockTimeout, l.path, timeout)
		}
		time.Sleep(pollInterval)
	}
}

// Release removes the lock file if this instance holds it.
//
// With ignoreLock set, the file is force-removed regardless of ownership;
// this is for recovery tooling only and must not appear on normal paths.
func (l *Lock) Release(ignoreLock bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ignoreLock {
		l.held = false
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("force-remove lock: %w", err)
		}
		return nil
	}

	if !l.held {
		return fmt.Errorf("%w: %s", ErrNotHolding, l.path)
	}
	l.held = false

	info, err := l.readInfo()
	if err != nil || info.HolderID != l.holderID {
		// The file vanished or names someone else: a stale-timeout steal
		// happened while we thought we were holding.
		return fmt.Errorf("%w: %s", ErrLockLost, l.path)
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}

// Refresh rewrites the lock timestamp while holding, resetting the staleness
// clock. Long-running holders must call this before the staleness window
// elapses or risk being preempted.
func (l *Lock) Refresh() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return fmt.Errorf("%w: %s", ErrNotHolding, l.path)
	}

	info, err := l.readInfo()
	if err != nil || info.HolderID != l.holderID {
		l.held = false
		return fmt.Errorf("%w: %s", ErrLockLost, l.path)
	}

	info.AcquiredAt = time.Now().UnixNano()
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode lock info: %w", err)
	}
	if err := fsatomic.WriteFile(l.path, data, 0o644); err != nil {
		return fmt.Errorf("refresh lock: %w", err)
	}
	return nil
}

// Heartbeat refreshes the lock at the given interval until the returned stop
// function is called. Refresh failures stop the heartbeat; the next explicit
// Refresh or Release reports the loss.
func (l *Lock) Heartbeat(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := l.Refresh(); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }
}

// stealStale removes an observed stale lock by first renaming it to a name
// private to this holder. Of several contenders that saw the same stale file,
// only one rename succeeds, so a laggard can never remove a fresh lock that a
// faster stealer created in the meantime. If the claimed file turns out not
// to be stale after all, it is put back. The claim name carries the temp
// prefix so a claim orphaned by a crash is swept with other temp files.
func (l *Lock) stealStale() {
	dir, base := filepath.Split(l.path)
	claimed := filepath.Join(dir, fsatomic.TempPrefix+base+".stale-"+l.holderID)
	if err := os.Rename(l.path, claimed); err != nil {
		return
	}
	if info, err := readInfoAt(claimed); err == nil && !l.isStale(info) {
		os.Rename(claimed, l.path)
		return
	}
	os.Remove(claimed)
}

// tryCreate attempts the exclusive create. Returns false when another live
// holder already owns the file.
func (l *Lock) tryCreate() (bool, error) {
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("create lock: %w", err)
	}

	info := holderInfo{
		HolderID:   l.holderID,
		PID:        os.Getpid(),
		Hostname:   hostname(),
		AcquiredAt: time.Now().UnixNano(),
	}
	data, err := json.Marshal(info)
	if err == nil {
		_, err = f.Write(data)
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(l.path)
		return false, fmt.Errorf("write lock info: %w", err)
	}
	return true, nil
}

func (l *Lock) readInfo() (holderInfo, error) {
	return readInfoAt(l.path)
}

func readInfoAt(path string) (holderInfo, error) {
	var info holderInfo
	data, err := os.ReadFile(path)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(data, &info); err != nil {
		// An unparsable lock file counts as stale: report a zero timestamp.
		return holderInfo{}, nil
	}
	return info, nil
}

func (l *Lock) isStale(info holderInfo) bool {
	age := time.Since(time.Unix(0, info.AcquiredAt))
	return age > l.staleAfter
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
