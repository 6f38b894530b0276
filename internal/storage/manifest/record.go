package manifest

import (
	"github.com/fxamacker/cbor/v2"
)

// cborEnc is configured with Core Deterministic Encoding so the same
// snapshot always serializes to identical bytes, which keeps snapshot
// files diffable and content-addressable.
var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("manifest: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("manifest: CBOR decoder initialization failed: " + err.Error())
	}
}

// Record is one file version inside a snapshot.
type Record struct {
	Path         string `cbor:"1,keyasint"`
	VersionID    string `cbor:"2,keyasint"`
	Size         int64  `cbor:"3,keyasint"`
	ContentHash  []byte `cbor:"4,keyasint"`
	ManifestPath string `cbor:"5,keyasint"`
	CreatedUnix  int64  `cbor:"6,keyasint"`
}

// SnapshotStats aggregates the repository state a snapshot captured.
type SnapshotStats struct {
	Files       int   `cbor:"1,keyasint"`
	Chunks      int64 `cbor:"2,keyasint"`
	TotalBytes  int64 `cbor:"3,keyasint"`
	StoredBytes int64 `cbor:"4,keyasint"`
}

// Snapshot is a point-in-time capture of the repository's live file
// versions, serialized as deterministic CBOR. Parent chains snapshots
// into a history; Signature is reserved for an external signing layer.
type Snapshot struct {
	Version     uint          `cbor:"1,keyasint"`
	ID          string        `cbor:"2,keyasint"`
	RepoID      string        `cbor:"3,keyasint"`
	Parent      string        `cbor:"4,keyasint,omitempty"`
	CreatedUnix int64         `cbor:"5,keyasint"`
	Message     string        `cbor:"6,keyasint,omitempty"`
	Records     []Record      `cbor:"7,keyasint"`
	Stats       SnapshotStats `cbor:"8,keyasint"`
	Signature   []byte        `cbor:"9,keyasint,omitempty"`
}

// SnapshotVersion is the current snapshot format version.
const SnapshotVersion = 1

// EncodeSnapshot serializes a snapshot.
func EncodeSnapshot(s *Snapshot) ([]byte, error) {
	return cborEnc.Marshal(s)
}

// DecodeSnapshot deserializes a snapshot.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cborDec.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
