// Package shard persists one shard's chunks as a binary file: an XDR-encoded
// header, then each chunk as an XDR frame header followed by fixed-width
// big-endian items. Writes are validated against the active partition plan
// before anything touches disk, and commit via temp-then-rename.
package shard

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	xdr "github.com/rasky/go-xdr/xdr2"

	"github.com/marmos91/shardstore/pkg/store/hashfile"
	"github.com/marmos91/shardstore/pkg/store/internal/fsatomic"
	"github.com/marmos91/shardstore/pkg/store/partition"
)

const (
	shardMagic    uint32 = 0x53485244 // "SHRD"
	formatVersion uint32 = 1
)

var (
	// ErrShardExists is returned by Write when the target file exists and
	// overwrite is false.
	ErrShardExists = errors.New("shard file already exists")

	// ErrShardLayoutInvalid is returned when a chunk map does not match the
	// shard's expected chunk-index range under the active plan.
	ErrShardLayoutInvalid = errors.New("shard layout invalid")

	// ErrShardCorrupt is returned by Read when the stored layout does not
	// parse or does not match the expected item width.
	ErrShardCorrupt = errors.New("shard file corrupt")
)

// Chunks maps global chunk indices to their item runs.
type Chunks map[uint64][]uint64

// SortedIndices returns the chunk indices in ascending order.
func (c Chunks) SortedIndices() []uint64 {
	out := make([]uint64, 0, len(c))
	for idx := range c {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// fileHeader opens every shard file.
type fileHeader struct {
	Magic      uint32
	Version    uint32
	ShardIndex uint64
	ItemWidth  uint32
	ChunkCount uint32
}

// chunkFrame precedes each chunk's item payload.
type chunkFrame struct {
	Index     uint64
	ItemCount uint32
}

// File is the on-disk representation of a single shard.
type File struct {
	Path  string
	Index uint64

	hash *hashfile.File
}

// New returns a File for the shard at path with the given shard index.
func New(path string, index uint64) *File {
	return &File{Path: path, Index: index, hash: hashfile.New(path)}
}

// FileName returns the deterministic shard file name for an index within a
// store generation.
func FileName(index, generation uint64) string {
	return fmt.Sprintf("shard-%06d.gen-%d.bin", index, generation)
}

// PathFor returns the full path of a shard file under a storage root.
func PathFor(root string, index, generation uint64) string {
	return filepath.Join(root, FileName(index, generation))
}

// ParseFileName extracts the shard index and generation from a shard file
// name. Sidecar and temp files do not parse.
func ParseFileName(name string) (index, generation uint64, ok bool) {
	if !strings.HasPrefix(name, "shard-") || !strings.HasSuffix(name, ".bin") {
		return 0, 0, false
	}
	n, err := fmt.Sscanf(name, "shard-%d.gen-%d.bin", &index, &generation)
	return index, generation, err == nil && n == 2
}

// Exists reports whether the shard file is present on disk.
func (f *File) Exists() bool {
	_, err := os.Stat(f.Path)
	return err == nil
}

// Validate checks a chunk map against the plan's expectations for this shard:
// every key lies in the shard's chunk-index range, the key set exactly covers
// that range with no gaps, and every chunk holds exactly ItemsPerChunk items
// except the globally-last chunk, which may be shorter.
func Validate(chunks Chunks, plan partition.Plan, shardIndex uint64) error {
	lo, hi := plan.ChunkRange(shardIndex)
	if hi <= lo {
		return fmt.Errorf("%w: shard %d has no chunks under the active plan",
			ErrShardLayoutInvalid, shardIndex)
	}
	if uint64(len(chunks)) != hi-lo {
		return fmt.Errorf("%w: shard %d holds %d chunks, expected %d",
			ErrShardLayoutInvalid, shardIndex, len(chunks), hi-lo)
	}

	lastChunk := plan.TotalChunks - 1
	for idx := lo; idx < hi; idx++ {
		items, ok := chunks[idx]
		if !ok {
			return fmt.Errorf("%w: shard %d is missing chunk %d",
				ErrShardLayoutInvalid, shardIndex, idx)
		}
		n := uint64(len(items))
		if n == 0 {
			return fmt.Errorf("%w: chunk %d is empty", ErrShardLayoutInvalid, idx)
		}
		if n != plan.ItemsPerChunk {
			if idx != lastChunk || n > plan.ItemsPerChunk {
				return fmt.Errorf("%w: chunk %d holds %d items, expected %d",
					ErrShardLayoutInvalid, idx, n, plan.ItemsPerChunk)
			}
		}
	}
	return nil
}

// Write validates the chunk map and serializes it in ascending chunk order.
// It fails with ErrShardExists when the target exists and overwrite is false.
// The shard's hash sidecar is rewritten after a successful commit.
func (f *File) Write(chunks Chunks, plan partition.Plan, itemWidth uint32, overwrite bool) error {
	if err := Validate(chunks, plan, f.Index); err != nil {
		return err
	}
	if !overwrite && f.Exists() {
		return fmt.Errorf("%w: %s", ErrShardExists, f.Path)
	}

	pending, err := fsatomic.Create(f.Path, 0o644)
	if err != nil {
		return fmt.Errorf("write shard %d: %w", f.Index, err)
	}

	w := bufio.NewWriter(pending)
	if err := f.encode(w, chunks, itemWidth); err != nil {
		pending.Abort()
		return err
	}
	if err := w.Flush(); err != nil {
		pending.Abort()
		return fmt.Errorf("write shard %d: %w", f.Index, err)
	}
	if err := pending.Commit(); err != nil {
		return fmt.Errorf("commit shard %d: %w", f.Index, err)
	}

	if err := f.hash.Update(); err != nil {
		return fmt.Errorf("update shard %d hash sidecar: %w", f.Index, err)
	}
	return nil
}

func (f *File) encode(w io.Writer, chunks Chunks, itemWidth uint32) error {
	header := fileHeader{
		Magic:      shardMagic,
		Version:    formatVersion,
		ShardIndex: f.Index,
		ItemWidth:  itemWidth,
		ChunkCount: uint32(len(chunks)),
	}
	if _, err := xdr.Marshal(w, &header); err != nil {
		return fmt.Errorf("encode shard %d header: %w", f.Index, err)
	}

	for _, idx := range chunks.SortedIndices() {
		items := chunks[idx]
		frame := chunkFrame{Index: idx, ItemCount: uint32(len(items))}
		if _, err := xdr.Marshal(w, &frame); err != nil {
			return fmt.Errorf("encode chunk %d frame: %w", idx, err)
		}
		if err := writeItems(w, items, itemWidth); err != nil {
			return fmt.Errorf("encode chunk %d: %w", idx, err)
		}
	}
	return nil
}

// ReadChunks deserializes the shard file back into its chunk map.
func (f *File) ReadChunks(plan partition.Plan, itemWidth uint32) (Chunks, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("open shard %d: %w", f.Index, err)
	}
	defer file.Close()

	r := bufio.NewReader(file)

	var header fileHeader
	if _, err := xdr.Unmarshal(r, &header); err != nil {
		return nil, fmt.Errorf("%w: %s: unreadable header", ErrShardCorrupt, f.Path)
	}
	switch {
	case header.Magic != shardMagic:
		return nil, fmt.Errorf("%w: %s: bad magic %#x", ErrShardCorrupt, f.Path, header.Magic)
	case header.Version != formatVersion:
		return nil, fmt.Errorf("%w: %s: unsupported version %d", ErrShardCorrupt, f.Path, header.Version)
	case header.ShardIndex != f.Index:
		return nil, fmt.Errorf("%w: %s: header names shard %d, expected %d",
			ErrShardCorrupt, f.Path, header.ShardIndex, f.Index)
	case header.ItemWidth != itemWidth:
		return nil, fmt.Errorf("%w: %s: item width %d, expected %d",
			ErrShardCorrupt, f.Path, header.ItemWidth, itemWidth)
	}

	chunks := make(Chunks, header.ChunkCount)
	prev := uint64(0)
	for i := uint32(0); i < header.ChunkCount; i++ {
		var frame chunkFrame
		if _, err := xdr.Unmarshal(r, &frame); err != nil {
			return nil, fmt.Errorf("%w: %s: truncated chunk frame", ErrShardCorrupt, f.Path)
		}
		if i > 0 && frame.Index <= prev {
			return nil, fmt.Errorf("%w: %s: chunk indices not ascending", ErrShardCorrupt, f.Path)
		}
		if frame.ItemCount == 0 || uint64(frame.ItemCount) > plan.ItemsPerChunk {
			return nil, fmt.Errorf("%w: %s: chunk %d holds %d items",
				ErrShardCorrupt, f.Path, frame.Index, frame.ItemCount)
		}
		items, err := readItems(r, int(frame.ItemCount), itemWidth)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: chunk %d payload truncated",
				ErrShardCorrupt, f.Path, frame.Index)
		}
		chunks[frame.Index] = items
		prev = frame.Index
	}

	return chunks, nil
}

// Read deserializes the file into one contiguous item sequence, concatenating
// chunks in ascending index order.
func (f *File) Read(plan partition.Plan, itemWidth uint32) ([]uint64, error) {
	chunks, err := f.ReadChunks(plan, itemWidth)
	if err != nil {
		return nil, err
	}

	var out []uint64
	for _, idx := range chunks.SortedIndices() {
		out = append(out, chunks[idx]...)
	}
	return out, nil
}

// Delete removes the shard file and its hash sidecar, idempotently.
func (f *File) Delete() error {
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete shard %d: %w", f.Index, err)
	}
	return f.hash.Delete()
}

// VerifyHash recomputes the shard's content hash against its sidecar.
func (f *File) VerifyHash() bool {
	return f.hash.Verify()
}

func writeItems(w io.Writer, items []uint64, width uint32) error {
	buf := make([]byte, width)
	for _, v := range items {
		if width < 8 && v>>(width*8) != 0 {
			return fmt.Errorf("%w: item %d overflows %d-byte width",
				ErrShardLayoutInvalid, v, width)
		}
		switch width {
		case 1:
			buf[0] = byte(v)
		case 2:
			binary.BigEndian.PutUint16(buf, uint16(v))
		case 4:
			binary.BigEndian.PutUint32(buf, uint32(v))
		case 8:
			binary.BigEndian.PutUint64(buf, v)
		default:
			return fmt.Errorf("unsupported item width %d", width)
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

func readItems(r io.Reader, count int, width uint32) ([]uint64, error) {
	items := make([]uint64, count)
	buf := make([]byte, width)
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		switch width {
		case 1:
			items[i] = uint64(buf[0])
		case 2:
			items[i] = uint64(binary.BigEndian.Uint16(buf))
		case 4:
			items[i] = uint64(binary.BigEndian.Uint32(buf))
		case 8:
			items[i] = binary.BigEndian.Uint64(buf)
		default:
			return nil, fmt.Errorf("unsupported item width %d", width)
		}
	}
	return items, nil
}
