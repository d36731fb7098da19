// Package fsatomic implements write-temp-then-rename commits. A crash at any
// point leaves either the old file or the new file, never a partial write;
// abandoned temp files carry a recognizable prefix so readers can skip them
// and maintenance can sweep them.
package fsatomic

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TempPrefix marks in-flight temp files in a storage directory.
const TempPrefix = ".tmp-"

// IsTemp reports whether the file name belongs to an in-flight or abandoned
// atomic write.
func IsTemp(name string) bool {
	return strings.HasPrefix(filepath.Base(name), TempPrefix)
}

// WriteFile atomically replaces path with data. The temp file is created in
// the same directory so the final rename never crosses a filesystem boundary.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	p, err := Create(path, perm)
	if err != nil {
		return err
	}
	if _, err := p.Write(data); err != nil {
		p.Abort()
		return err
	}
	return p.Commit()
}

// PendingFile is an open temp file that becomes path on Commit.
type PendingFile struct {
	f      *os.File
	target string
	done   bool
}

// Create opens a temp file next to path for a streaming atomic write.
func Create(path string, perm os.FileMode) (*PendingFile, error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	f, err := os.CreateTemp(dir, TempPrefix+base+"-*")
	if err != nil {
		return nil, fmt.Errorf("create temp for %s: %w", path, err)
	}
	if err := f.Chmod(perm); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("chmod temp for %s: %w", path, err)
	}
	return &PendingFile{f: f, target: path}, nil
}

// Write appends to the pending file.
func (p *PendingFile) Write(b []byte) (int, error) {
	return p.f.Write(b)
}

// Commit flushes the pending file to stable storage and renames it over the
// target. After Commit the PendingFile must not be used again.
func (p *PendingFile) Commit() error {
	if p.done {
		return nil
	}
	p.done = true

	if err := p.f.Sync(); err != nil {
		p.f.Close()
		os.Remove(p.f.Name())
		return fmt.Errorf("sync temp for %s: %w", p.target, err)
	}
	if err := p.f.Close(); err != nil {
		os.Remove(p.f.Name())
		return fmt.Errorf("close temp for %s: %w", p.target, err)
	}
	if err := os.Rename(p.f.Name(), p.target); err != nil {
		os.Remove(p.f.Name())
		return fmt.Errorf("rename temp over %s: %w", p.target, err)
	}
	return nil
}

// Abort discards the pending write. Safe to call after Commit.
func (p *PendingFile) Abort() {
	if p.done {
		return
	}
	p.done = true
	p.f.Close()
	os.Remove(p.f.Name())
}
