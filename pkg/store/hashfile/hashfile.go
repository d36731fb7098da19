// Package hashfile maintains a content-hash sidecar for a target file, used
// to detect on-disk corruption. The hash is xxhash64: this is an integrity
// check against bit rot and torn writes, not a security boundary.
package hashfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/marmos91/shardstore/pkg/store/internal/fsatomic"
)

// SidecarSuffix is appended to the target path to form the sidecar path.
const SidecarSuffix = ".xxh64"

// DefaultBlockSize is the streaming read size used when computing hashes.
// Targets of any size are hashed in fixed-size blocks so memory stays bounded.
const DefaultBlockSize = 64 * 1024

// ErrSidecarExists is returned by Write when a sidecar is already present and
// overwrite was not requested.
var ErrSidecarExists = errors.New("hash sidecar already exists")

// File pairs a target file with its hash sidecar.
type File struct {
	// Target is the file whose content the sidecar describes.
	Target string

	// Sidecar is the path of the hash file. Defaults to Target + SidecarSuffix.
	Sidecar string

	// BlockSize is the streaming read size for Compute. Defaults to
	// DefaultBlockSize when zero.
	BlockSize int
}

// New returns a File for the given target with default sidecar path and
// block size.
func New(target string) *File {
	return &File{
		Target:    target,
		Sidecar:   target + SidecarSuffix,
		BlockSize: DefaultBlockSize,
	}
}

// Compute streams the target and returns its hash as a fixed-width hex string.
func (f *File) Compute() (string, error) {
	file, err := os.Open(f.Target)
	if err != nil {
		return "", fmt.Errorf("open hash target: %w", err)
	}
	defer file.Close()

	blockSize := f.BlockSize
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}

	h := xxhash.New()
	buf := make([]byte, blockSize)
	if _, err := io.CopyBuffer(h, file, buf); err != nil {
		return "", fmt.Errorf("hash %s: %w", f.Target, err)
	}

	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// Verify recomputes the target's hash and compares it to the stored sidecar.
// It returns false when the sidecar is missing, the target is missing, or the
// hashes differ. A normal mismatch is not an error: callers decide whether to
// rebuild or abort.
func (f *File) Verify() bool {
	stored, err := os.ReadFile(f.Sidecar)
	if err != nil {
		return false
	}
	computed, err := f.Compute()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(stored)) == computed
}

// Write persists the given hash to the sidecar atomically. It fails with
// ErrSidecarExists when a sidecar is present and overwrite is false.
func (f *File) Write(hash string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(f.Sidecar); err == nil {
			return fmt.Errorf("%w: %s", ErrSidecarExists, f.Sidecar)
		}
	}
	if err := fsatomic.WriteFile(f.Sidecar, []byte(hash+"\n"), 0o644); err != nil {
		return fmt.Errorf("write hash sidecar: %w", err)
	}
	return nil
}

// Update recomputes the target's hash and overwrites the sidecar. Target
// writes and the matching Update must happen under the same lock so readers
// never observe a sidecar describing stale content.
func (f *File) Update() error {
	hash, err := f.Compute()
	if err != nil {
		return err
	}
	return f.Write(hash, true)
}

// Delete removes the sidecar. Removing an absent sidecar is not an error.
func (f *File) Delete() error {
	if err := os.Remove(f.Sidecar); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete hash sidecar: %w", err)
	}
	return nil
}
