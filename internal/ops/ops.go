// Package ops implements offline maintenance passes over a repository:
// status, integrity checks, scrubbing, snapshots, garbage collection.
package ops

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kk-code-lab/medialake/internal/meta"
	"github.com/kk-code-lab/medialake/internal/storage/cas"
	"github.com/kk-code-lab/medialake/internal/storage/fs"
	"github.com/kk-code-lab/medialake/internal/storage/manifest"
)

// Report is the JSON-serializable outcome of a maintenance pass.
type Report struct {
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	Mode             string    `json:"mode"`
	Manifests        int       `json:"manifests"`
	Chunks           int64     `json:"chunks"`
	Errors           int       `json:"errors"`
	ErrorSample      []string  `json:"error_sample,omitempty"`
	TotalBytes       int64     `json:"total_bytes,omitempty"`
	StoredBytes      int64     `json:"stored_bytes,omitempty"`
	ZeroReferenced   int64     `json:"zero_referenced,omitempty"`
	Corrupt          int       `json:"corrupt,omitempty"`
	Deleted          int       `json:"deleted,omitempty"`
	Reclaimed        int64     `json:"reclaimed_bytes,omitempty"`
	InvalidManifests int       `json:"invalid_manifests,omitempty"`
	MissingChunks    int       `json:"missing_chunks,omitempty"`
	SnapshotID       string    `json:"snapshot_id,omitempty"`
	Resumed          bool      `json:"resumed,omitempty"`
}

func (r *Report) addError(err error) {
	r.Errors++
	if len(r.ErrorSample) < 5 {
		r.ErrorSample = append(r.ErrorSample, err.Error())
	}
}

// Status collects basic counts about repository state.
func Status(ctx context.Context, store *meta.Store) (*Report, error) {
	report := &Report{Mode: "status", StartedAt: time.Now().UTC()}
	stats, err := store.CollectStats(ctx)
	if err != nil {
		return nil, err
	}
	report.Chunks = stats.Chunks
	report.Manifests = int(stats.Manifests)
	report.TotalBytes = stats.TotalBytes
	report.StoredBytes = stats.StoredBytes
	report.ZeroReferenced = stats.ZeroReferenced
	report.FinishedAt = time.Now().UTC()
	return report, nil
}

// Scrub re-reads and re-hashes every stored chunk. Chunks failing
// verification are quarantined and counted; scrubbing continues past
// them.
func Scrub(ctx context.Context, store *cas.Store) (*Report, error) {
	report := &Report{Mode: "scrub", StartedAt: time.Now().UTC()}
	addrs, err := store.Meta().ListChunkAddresses(ctx)
	if err != nil {
		return nil, err
	}
	for _, addr := range addrs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Chunks++
		if err := store.Verify(ctx, addr); err != nil {
			var ce *cas.CorruptionError
			if errors.As(err, &ce) {
				report.Corrupt++
				report.addError(err)
				continue
			}
			return report, err
		}
	}
	report.FinishedAt = time.Now().UTC()
	return report, nil
}

// Fsck validates every live manifest: it must decode, tile its file
// exactly, and reference only chunks the metadata store knows.
func Fsck(ctx context.Context, store *meta.Store) (*Report, error) {
	report := &Report{Mode: "fsck", StartedAt: time.Now().UTC()}
	paths, err := store.ListManifestPaths(ctx)
	if err != nil {
		return nil, err
	}
	report.Manifests = len(paths)
	codec := &manifest.BinaryCodec{}

	for _, path := range paths {
		file, err := os.Open(path)
		if err != nil {
			report.InvalidManifests++
			report.addError(err)
			continue
		}
		man, err := codec.Decode(file)
		_ = file.Close()
		if err != nil {
			report.InvalidManifests++
			report.addError(err)
			continue
		}
		if err := man.Validate(); err != nil {
			report.InvalidManifests++
			report.addError(err)
			continue
		}
		for _, addr := range man.Addresses() {
			ok, err := store.HasChunk(ctx, addr)
			if err != nil {
				return report, err
			}
			if !ok {
				report.MissingChunks++
				report.addError(fmt.Errorf("manifest %s references unknown chunk %s", man.VersionID, addr.Short()))
			}
		}
	}
	report.FinishedAt = time.Now().UTC()
	return report, nil
}

// GC runs a garbage collection pass and folds its outcome into a
// report.
func GC(ctx context.Context, store *cas.Store, params cas.GCParams) (*Report, error) {
	report := &Report{Mode: "gc", StartedAt: time.Now().UTC()}
	gcReport, err := store.GarbageCollect(ctx, params)
	if gcReport != nil {
		report.Chunks = int64(gcReport.Scanned)
		report.Deleted = gcReport.Deleted
		report.Reclaimed = gcReport.FreedBytes
		report.Resumed = gcReport.Resumed
	}
	if err != nil {
		return report, err
	}
	report.FinishedAt = time.Now().UTC()
	return report, nil
}

// Snapshot captures the set of live file versions as a deterministic
// CBOR snapshot file and returns its ID.
func Snapshot(ctx context.Context, store *meta.Store, layout fs.Layout, message string) (*Report, error) {
	report := &Report{Mode: "snapshot", StartedAt: time.Now().UTC()}
	paths, err := store.ListManifestPaths(ctx)
	if err != nil {
		return nil, err
	}
	repoID, err := repoIdentity(ctx, store)
	if err != nil {
		return nil, err
	}
	parent, err := store.RepoValue(ctx, snapshotHeadKey)
	if err != nil && !errors.Is(err, meta.ErrNotFound) {
		return nil, err
	}
	codec := &manifest.BinaryCodec{}
	snap := &manifest.Snapshot{
		Version:     manifest.SnapshotVersion,
		ID:          newSnapshotID(),
		RepoID:      repoID,
		Parent:      parent,
		CreatedUnix: time.Now().Unix(),
		Message:     message,
	}
	for _, path := range paths {
		file, err := os.Open(path)
		if err != nil {
			report.addError(err)
			continue
		}
		man, err := codec.Decode(file)
		_ = file.Close()
		if err != nil {
			report.addError(err)
			continue
		}
		snap.Records = append(snap.Records, manifest.Record{
			Path:         man.Path,
			VersionID:    man.VersionID,
			Size:         man.Size,
			ContentHash:  man.ContentHash[:],
			ManifestPath: path,
			CreatedUnix:  man.CreatedUnix,
		})
	}
	report.Manifests = len(snap.Records)

	stats, err := store.CollectStats(ctx)
	if err != nil {
		return nil, err
	}
	snap.Stats = manifest.SnapshotStats{
		Files:       len(snap.Records),
		Chunks:      stats.Chunks,
		TotalBytes:  stats.TotalBytes,
		StoredBytes: stats.StoredBytes,
	}

	data, err := manifest.EncodeSnapshot(snap)
	if err != nil {
		return nil, err
	}
	out := layout.SnapshotPath(snap.ID)
	if err := os.MkdirAll(layout.SnapshotsDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return nil, err
	}
	if err := store.SetRepoValue(ctx, snapshotHeadKey, snap.ID); err != nil {
		return nil, err
	}
	report.SnapshotID = snap.ID
	report.FinishedAt = time.Now().UTC()
	return report, nil
}

const (
	repoIDKey       = "repo_id"
	snapshotHeadKey = "snapshot_head"
)

// repoIdentity returns the repository's stable identifier, minting one
// on first use.
func repoIdentity(ctx context.Context, store *meta.Store) (string, error) {
	id, err := store.RepoValue(ctx, repoIDKey)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, meta.ErrNotFound) {
		return "", err
	}
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	id = hex.EncodeToString(buf[:])
	if err := store.SetRepoValue(ctx, repoIDKey, id); err != nil {
		return "", err
	}
	return id, nil
}

func newSnapshotID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("ops: rand failure: %v", err))
	}
	return time.Now().UTC().Format("20060102-150405") + "-" + hex.EncodeToString(buf[:4])
}
