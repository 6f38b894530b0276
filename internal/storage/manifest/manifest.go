// Package manifest describes how a stored file version maps onto
// content-addressed chunks, and serializes that description.
package manifest

import (
	"github.com/kk-code-lab/medialake/internal/storage/chunk"
)

// Flags annotate a chunk reference.
type Flags uint32

const (
	// FlagKeyframeAligned marks a chunk whose start coincides with a
	// video keyframe boundary.
	FlagKeyframeAligned Flags = 1 << 0

	// FlagMetadataRegion marks a chunk drawn from container metadata
	// (moov, ftyp, headers) rather than sample payload.
	FlagMetadataRegion Flags = 1 << 1

	// FlagCompressed marks a chunk stored under a compression codec.
	FlagCompressed Flags = 1 << 2

	// FlagEncrypted is reserved for an encryption-at-rest layer; nothing
	// in this core sets it.
	FlagEncrypted Flags = 1 << 3
)

// ChunkRef maps one contiguous byte range of the file onto a stored
// chunk.
type ChunkRef struct {
	Address chunk.Address
	Offset  int64
	Length  uint32
	Flags   Flags
}

// End returns the file offset one past this chunk's range.
func (r ChunkRef) End() int64 {
	return r.Offset + int64(r.Length)
}

// FileMeta carries the source file's filesystem attributes.
type FileMeta struct {
	Mode        uint32
	ModTimeUnix int64
}

// MediaInfo carries the container-level facts extracted at ingest.
type MediaInfo struct {
	Container bool
	IntraOnly bool
	Keyframes uint32
}

// Manifest is the complete chunk map of one file version. Chunks tile
// the file exactly: sorted by offset, first at zero, no gaps, no
// overlaps, last ending at Size.
type Manifest struct {
	VersionID     string
	Path          string
	Size          int64
	ContentHash   chunk.Address
	HashAlgorithm string
	CreatedUnix   int64
	File          FileMeta
	Media         MediaInfo
	Chunks        []ChunkRef
}
