package cas

import (
	"context"
	"os"
	"time"

	"github.com/kk-code-lab/medialake/internal/meta"
	"github.com/kk-code-lab/medialake/internal/storage/chunk"
)

// GCParams configures a garbage collection pass.
type GCParams struct {
	// GracePeriod is how long a chunk must sit at refcount zero
	// before it becomes collectible. It protects in-flight ingests
	// that have written chunks but not yet taken references.
	GracePeriod time.Duration

	// BatchSize is the number of candidate addresses examined per
	// metadata query and checkpoint interval.
	BatchSize int
}

// DefaultGCParams are conservative defaults for background collection.
func DefaultGCParams() GCParams {
	return GCParams{
		GracePeriod: 24 * time.Hour,
		BatchSize:   256,
	}
}

// GCReport summarizes a completed or interrupted collection pass.
type GCReport struct {
	Scanned    int           `json:"scanned"`
	Deleted    int           `json:"deleted"`
	Skipped    int           `json:"skipped"`
	FreedBytes int64         `json:"freed_bytes"`
	Resumed    bool          `json:"resumed"`
	Completed  bool          `json:"completed"`
	Elapsed    time.Duration `json:"elapsed"`
}

// GarbageCollect removes chunks that have been unreferenced for at
// least the grace period. The pass scans candidates in address order,
// re-checks each chunk's eligibility inside the deleting transaction,
// and checkpoints after every batch so an interrupted pass resumes
// where it stopped instead of restarting.
func (s *Store) GarbageCollect(ctx context.Context, p GCParams) (*GCReport, error) {
	if p.BatchSize <= 0 {
		p.BatchSize = DefaultGCParams().BatchSize
	}
	start := time.Now()
	report := &GCReport{}

	cutoff := start.Add(-p.GracePeriod)
	after := ""
	if cp, err := s.meta.LoadGCCheckpoint(ctx); err == nil {
		// Resume the interrupted pass with its original cutoff so the
		// candidate set stays consistent across the restart.
		cutoff = cp.Cutoff
		after = cp.LastAddress
		report.Resumed = true
		s.log.Info().Str("after", cp.LastAddress).Msg("resuming garbage collection")
	} else if err != meta.ErrNotFound {
		return nil, err
	}

	startedAt := start
	for {
		if err := ctx.Err(); err != nil {
			report.Elapsed = time.Since(start)
			return report, err
		}
		batch, err := s.meta.ZeroReferenced(ctx, cutoff, after, p.BatchSize)
		if err != nil {
			return report, err
		}
		if len(batch) == 0 {
			break
		}
		for _, addr := range batch {
			if err := ctx.Err(); err != nil {
				report.Elapsed = time.Since(start)
				return report, err
			}
			report.Scanned++
			deleted, freed, err := s.collectOne(ctx, addr, cutoff)
			if err != nil {
				return report, err
			}
			if deleted {
				report.Deleted++
				report.FreedBytes += freed
			} else {
				report.Skipped++
			}
			after = addr.String()
		}
		if err := s.meta.SaveGCCheckpoint(ctx, meta.GCCheckpoint{
			LastAddress: after,
			Cutoff:      cutoff,
			StartedAt:   startedAt,
		}); err != nil {
			return report, err
		}
	}

	if err := s.meta.ClearGCCheckpoint(ctx); err != nil {
		return report, err
	}
	report.Completed = true
	report.Elapsed = time.Since(start)
	s.log.Info().
		Int("scanned", report.Scanned).
		Int("deleted", report.Deleted).
		Int64("freed_bytes", report.FreedBytes).
		Dur("elapsed", report.Elapsed).
		Msg("garbage collection complete")
	return report, nil
}

// collectOne deletes a single dead chunk. The metadata row is removed
// first, under a transactional re-check of eligibility, so a chunk
// that was re-referenced between the scan and the delete survives
// untouched. File removal follows the row delete; a crash between the
// two leaves an orphan file, which a later scrub reports, never a
// dangling row.
func (s *Store) collectOne(ctx context.Context, addr chunk.Address, cutoff time.Time) (bool, int64, error) {
	mu := s.lockFor(addr)
	mu.Lock()
	defer mu.Unlock()

	deleted, freed, err := s.meta.DeleteChunkIfDead(ctx, addr, cutoff)
	if err != nil || !deleted {
		return false, 0, err
	}
	if err := os.Remove(s.layout.ChunkPath(addr)); err != nil && !os.IsNotExist(err) {
		return true, freed, err
	}
	if s.replicate {
		if err := os.Remove(s.layout.ReplicaPath(addr)); err != nil && !os.IsNotExist(err) {
			return true, freed, err
		}
	}
	s.log.Debug().Str("address", addr.Short()).Msg("chunk collected")
	return true, freed, nil
}
