package fs

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kk-code-lab/medialake/internal/storage/chunk"
)

// Layout defines the on-disk directory layout of a repository.
type Layout struct {
	Root          string
	ChunksDir     string
	ManifestsDir  string
	SnapshotsDir  string
	QuarantineDir string
	// ReplicaDir is an optional secondary chunk tree used for recovery
	// when a primary copy fails verification. Empty when unset.
	ReplicaDir string
}

// NewLayout builds the default layout under the given root.
func NewLayout(root string) Layout {
	return Layout{
		Root:          root,
		ChunksDir:     filepath.Join(root, "chunks"),
		ManifestsDir:  filepath.Join(root, "manifests"),
		SnapshotsDir:  filepath.Join(root, "snapshots"),
		QuarantineDir: filepath.Join(root, "quarantine"),
	}
}

// MetaPath returns the path of the metadata database.
func (l Layout) MetaPath() string {
	return filepath.Join(l.Root, "meta.db")
}

// ChunkPath returns the sharded path of a chunk file: two levels of
// 2-hex-character shards bound directory sizes on petabyte stores.
func (l Layout) ChunkPath(addr chunk.Address) string {
	return shardedPath(l.ChunksDir, addr)
}

// ReplicaPath returns the replica-tree path for a chunk, or "" when no
// replica tree is configured.
func (l Layout) ReplicaPath(addr chunk.Address) string {
	if l.ReplicaDir == "" {
		return ""
	}
	return shardedPath(l.ReplicaDir, addr)
}

func shardedPath(dir string, addr chunk.Address) string {
	hex := addr.String()
	return filepath.Join(dir, hex[:2], hex[2:4], hex)
}

// QuarantinePath returns a timestamped quarantine destination for a
// corrupt chunk copy.
func (l Layout) QuarantinePath(addr chunk.Address, now time.Time) string {
	name := fmt.Sprintf("%s.%d", addr.String(), now.UnixNano())
	return filepath.Join(l.QuarantineDir, name)
}

// ManifestPath returns the path of a manifest entry file.
func (l Layout) ManifestPath(versionID string) string {
	return filepath.Join(l.ManifestsDir, versionID)
}

// SnapshotPath returns the path of a snapshot record.
func (l Layout) SnapshotPath(id string) string {
	return filepath.Join(l.SnapshotsDir, id)
}

// EnsureDirs creates the top-level directories.
func (l Layout) EnsureDirs() error {
	for _, dir := range []string{l.ChunksDir, l.ManifestsDir, l.SnapshotsDir, l.QuarantineDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
