package manifest

import (
	"fmt"
	"sort"
	"time"

	"github.com/kk-code-lab/medialake/internal/storage/chunk"
)

// Build assembles and validates a manifest from chunk references. The
// references must tile the file exactly; any gap, overlap, or size
// mismatch is an error, since a bad manifest silently corrupts every
// later reconstruction.
func Build(path, versionID string, size int64, contentHash chunk.Address, algorithm string, file FileMeta, media MediaInfo, refs []ChunkRef) (*Manifest, error) {
	m := &Manifest{
		VersionID:     versionID,
		Path:          path,
		Size:          size,
		ContentHash:   contentHash,
		HashAlgorithm: algorithm,
		CreatedUnix:   time.Now().Unix(),
		File:          file,
		Media:         media,
		Chunks:        refs,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks the exact-tiling invariant.
func (m *Manifest) Validate() error {
	if m.Size < 0 {
		return fmt.Errorf("manifest: negative size %d", m.Size)
	}
	if m.Size == 0 {
		if len(m.Chunks) != 0 {
			return fmt.Errorf("manifest: empty file with %d chunks", len(m.Chunks))
		}
		return nil
	}
	if len(m.Chunks) == 0 {
		return fmt.Errorf("manifest: %d bytes with no chunks", m.Size)
	}
	next := int64(0)
	for i, ref := range m.Chunks {
		if ref.Length == 0 {
			return fmt.Errorf("manifest: chunk %d has zero length", i)
		}
		if ref.Offset != next {
			return fmt.Errorf("manifest: chunk %d starts at %d, want %d", i, ref.Offset, next)
		}
		next = ref.End()
	}
	if next != m.Size {
		return fmt.Errorf("manifest: chunks end at %d, file size is %d", next, m.Size)
	}
	return nil
}

// ResolveOffset returns the index of the chunk containing the given
// file offset. The manifest must be valid.
func (m *Manifest) ResolveOffset(off int64) (int, error) {
	if off < 0 || off >= m.Size {
		return 0, fmt.Errorf("manifest: offset %d out of range [0, %d)", off, m.Size)
	}
	i := sort.Search(len(m.Chunks), func(i int) bool {
		return m.Chunks[i].End() > off
	})
	if i == len(m.Chunks) {
		return 0, fmt.Errorf("manifest: offset %d not covered", off)
	}
	return i, nil
}
