// Package app assembles a repository from its parts: layout, metadata
// store, chunk store, and per-profile ingest engines.
package app

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/kk-code-lab/medialake/internal/config"
	"github.com/kk-code-lab/medialake/internal/meta"
	"github.com/kk-code-lab/medialake/internal/ops"
	"github.com/kk-code-lab/medialake/internal/storage/cas"
	"github.com/kk-code-lab/medialake/internal/storage/chunk"
	"github.com/kk-code-lab/medialake/internal/storage/engine"
	"github.com/kk-code-lab/medialake/internal/storage/fs"
	"github.com/kk-code-lab/medialake/internal/storage/manifest"
)

const hashAlgorithmKey = "hash_algorithm"

// Repo is an opened repository.
type Repo struct {
	Layout fs.Layout
	Meta   *meta.Store
	Store  *cas.Store

	cfg     *config.Config
	hasher  chunk.Hasher
	log     zerolog.Logger
	engines map[string]*engine.Engine
}

// Open opens (or initializes) the repository at root. The content
// hash algorithm is pinned on first open; reopening with a different
// configured algorithm is an error, since addresses from different
// algorithms must never mix in one repository.
func Open(root string, cfg *config.Config, log zerolog.Logger) (*Repo, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	layout := fs.NewLayout(root)
	if err := layout.EnsureDirs(); err != nil {
		return nil, err
	}
	ms, err := meta.Open(layout.MetaPath())
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	pinned, err := ms.RepoValue(ctx, hashAlgorithmKey)
	switch {
	case err == meta.ErrNotFound:
		if err := ms.SetRepoValue(ctx, hashAlgorithmKey, cfg.HashAlgorithm); err != nil {
			_ = ms.Close()
			return nil, err
		}
	case err != nil:
		_ = ms.Close()
		return nil, err
	case pinned != cfg.HashAlgorithm:
		_ = ms.Close()
		return nil, fmt.Errorf("app: repository uses hash algorithm %q, config says %q", pinned, cfg.HashAlgorithm)
	}

	hasher, err := cfg.Hasher()
	if err != nil {
		_ = ms.Close()
		return nil, err
	}
	store, err := cas.New(cas.Options{
		Layout:    layout,
		Meta:      ms,
		Hasher:    hasher,
		Codec:     cfg.Compression,
		Replicate: cfg.Replicate,
		Logger:    log,
	})
	if err != nil {
		_ = ms.Close()
		return nil, err
	}
	return &Repo{
		Layout:  layout,
		Meta:    ms,
		Store:   store,
		cfg:     cfg,
		hasher:  hasher,
		log:     log,
		engines: make(map[string]*engine.Engine),
	}, nil
}

// Close releases the repository.
func (r *Repo) Close() error {
	return r.Meta.Close()
}

// engineFor returns the ingest engine for a source path, keyed by its
// chunking profile.
func (r *Repo) engineFor(sourcePath string) (*engine.Engine, error) {
	profile := r.cfg.ProfileConfigFor(sourcePath)
	params := profile.ChunkParams()
	key := fmt.Sprintf("%d/%d/%d/%d/%t", params.MinSize, params.AvgSize, params.MaxSize, params.Normalization, profile.Fixed)
	if e, ok := r.engines[key]; ok {
		return e, nil
	}
	e, err := engine.New(engine.Options{
		Layout:           r.Layout,
		Meta:             r.Meta,
		Store:            r.Store,
		Hasher:           r.hasher,
		ChunkParams:      params,
		AlignParams:      r.cfg.AlignParams(params),
		DisableAlignment: r.cfg.Align.Disabled,
		FixedChunking:    profile.Fixed,
		Workers:          r.cfg.Workers,
		Logger:           r.log,
	})
	if err != nil {
		return nil, err
	}
	r.engines[key] = e
	return e, nil
}

// AddFile ingests a file under a logical path, picking the chunking
// profile from the source file's extension.
func (r *Repo) AddFile(ctx context.Context, logicalPath, sourcePath string) (*manifest.Manifest, *engine.PutResult, error) {
	e, err := r.engineFor(sourcePath)
	if err != nil {
		return nil, nil, err
	}
	return e.AddFile(ctx, logicalPath, sourcePath)
}

// Get streams the current version of a logical path.
func (r *Repo) Get(ctx context.Context, logicalPath string) (io.ReadCloser, *manifest.Manifest, error) {
	e, err := r.engineFor(logicalPath)
	if err != nil {
		return nil, nil, err
	}
	return e.Get(ctx, logicalPath)
}

// GetRange streams a byte range of the current version.
func (r *Repo) GetRange(ctx context.Context, logicalPath string, start, length int64) (io.ReadCloser, *manifest.Manifest, error) {
	e, err := r.engineFor(logicalPath)
	if err != nil {
		return nil, nil, err
	}
	return e.GetRange(ctx, logicalPath, start, length)
}

// ExportFastStart writes the current version with its moov relocated
// for progressive playback.
func (r *Repo) ExportFastStart(ctx context.Context, logicalPath string, w io.Writer) error {
	e, err := r.engineFor(logicalPath)
	if err != nil {
		return err
	}
	return e.ExportFastStart(ctx, logicalPath, w)
}

// Release drops the current version of a logical path.
func (r *Repo) Release(ctx context.Context, logicalPath string) error {
	e, err := r.engineFor(logicalPath)
	if err != nil {
		return err
	}
	return e.ReleaseEntry(ctx, logicalPath)
}

// GC runs a garbage collection pass with the configured parameters.
func (r *Repo) GC(ctx context.Context) (*ops.Report, error) {
	params, err := r.cfg.GCParams()
	if err != nil {
		return nil, err
	}
	return ops.GC(ctx, r.Store, params)
}
