// Package engine owns the ingest and reconstruction paths: it turns
// files into aligned, deduplicated chunks and manifests, and streams
// them back out bit-for-bit.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kk-code-lab/medialake/internal/meta"
	"github.com/kk-code-lab/medialake/internal/storage/align"
	"github.com/kk-code-lab/medialake/internal/storage/cas"
	"github.com/kk-code-lab/medialake/internal/storage/chunk"
	"github.com/kk-code-lab/medialake/internal/storage/fs"
	"github.com/kk-code-lab/medialake/internal/storage/isobmff"
	"github.com/kk-code-lab/medialake/internal/storage/manifest"
)

// Options configures the engine.
type Options struct {
	Layout fs.Layout
	Meta   *meta.Store
	Store  *cas.Store
	Hasher chunk.Hasher

	// ChunkParams drive content-defined chunking. AlignParams control
	// snapping payload boundaries to keyframes; zero value means
	// derive from ChunkParams.
	ChunkParams chunk.Params
	AlignParams align.Params

	// DisableAlignment skips container structure extraction entirely,
	// chunking every file as an opaque byte stream.
	DisableAlignment bool

	// FixedChunking cuts every file at ChunkParams.AvgSize exactly
	// instead of content-defined boundaries. Implies opaque-stream
	// ingestion.
	FixedChunking bool

	ManifestCodec manifest.Codec

	// Workers bounds concurrent chunk stores per file.
	Workers int

	Logger zerolog.Logger
}

// Engine is the ingest and reconstruction pipeline.
type Engine struct {
	layout      fs.Layout
	meta        *meta.Store
	store       *cas.Store
	hasher      chunk.Hasher
	chunkParams chunk.Params
	alignParams align.Params
	noAlign     bool
	fixed       bool
	codec       manifest.Codec
	workers     int
	log         zerolog.Logger
}

// New creates an engine instance.
func New(opts Options) (*Engine, error) {
	if opts.Layout.Root == "" {
		return nil, errors.New("engine: layout root required")
	}
	if opts.Meta == nil || opts.Store == nil {
		return nil, errors.New("engine: meta store and chunk store required")
	}
	if opts.Hasher == nil {
		opts.Hasher = chunk.DefaultHasher()
	}
	opts.ChunkParams = opts.ChunkParams.WithDefaults()
	if err := opts.ChunkParams.Validate(); err != nil {
		return nil, err
	}
	if opts.AlignParams == (align.Params{}) {
		opts.AlignParams = align.DefaultParams(opts.ChunkParams)
	}
	if opts.ManifestCodec == nil {
		opts.ManifestCodec = &manifest.BinaryCodec{}
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Engine{
		layout:      opts.Layout,
		meta:        opts.Meta,
		store:       opts.Store,
		hasher:      opts.Hasher,
		chunkParams: opts.ChunkParams,
		alignParams: opts.AlignParams,
		noAlign:     opts.DisableAlignment || opts.FixedChunking,
		fixed:       opts.FixedChunking,
		codec:       opts.ManifestCodec,
		workers:     opts.Workers,
		log:         opts.Logger,
	}, nil
}

// PutResult captures metadata for a successful ingest.
type PutResult struct {
	VersionID   string
	Size        int64
	Chunks      int
	NewChunks   int
	NewBytes    int64
	Container   bool
	Aligned     int
	CommittedAt time.Time
}

// AddFile ingests the file at sourcePath under the given logical path
// and returns its manifest. Container files are chunked in two passes
// with keyframe-aligned boundaries; everything else streams through
// content-defined chunking directly.
func (e *Engine) AddFile(ctx context.Context, logicalPath, sourcePath string) (*manifest.Manifest, *PutResult, error) {
	f, err := os.Open(sourcePath)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	size := info.Size()
	versionID := newID()

	structure := isobmff.Passthrough(size)
	if !e.noAlign && size > 0 {
		s, err := isobmff.Extract(f, size)
		if err != nil {
			// Degradation, not failure: the file is chunked as an
			// opaque stream.
			e.log.Debug().Str("path", logicalPath).Err(err).Msg("container extraction degraded")
		}
		structure = s
	}

	ing := &ingest{
		engine:  e,
		hash:    e.hasher.New(),
		workers: e.workers,
	}
	var ingestErr error
	if structure.Container {
		ingestErr = ing.containerFile(ctx, f, size, structure)
	} else {
		ingestErr = ing.streamFile(ctx, f)
	}
	if ingestErr != nil {
		ing.rollback(e, logicalPath)
		return nil, nil, ingestErr
	}

	ing.markCompressed()
	var contentHash chunk.Address
	copy(contentHash[:], ing.hash.Sum(nil))
	fileMeta := manifest.FileMeta{
		Mode:        uint32(info.Mode().Perm()),
		ModTimeUnix: info.ModTime().Unix(),
	}
	media := manifest.MediaInfo{
		Container: structure.Container,
		IntraOnly: structure.IntraOnly,
		Keyframes: uint32(len(structure.Keyframes)),
	}
	man, err := manifest.Build(logicalPath, versionID, size, contentHash, e.hasher.Algorithm(), fileMeta, media, ing.refs)
	if err != nil {
		ing.rollback(e, logicalPath)
		return nil, nil, err
	}

	manifestPath := e.layout.ManifestPath(versionID)
	if err := e.writeManifestFile(manifestPath, man); err != nil {
		ing.rollback(e, logicalPath)
		return nil, nil, err
	}
	if err := e.meta.RecordManifest(ctx, logicalPath, versionID, size, contentHash.String(), manifestPath); err != nil {
		ing.rollback(e, logicalPath)
		return nil, nil, err
	}

	result := &PutResult{
		VersionID:   versionID,
		Size:        size,
		Chunks:      len(ing.refs),
		NewChunks:   ing.newChunks,
		NewBytes:    ing.newBytes,
		Container:   structure.Container,
		Aligned:     ing.aligned,
		CommittedAt: time.Now().UTC(),
	}
	e.log.Info().
		Str("path", logicalPath).
		Str("version", versionID).
		Int64("size", size).
		Int("chunks", result.Chunks).
		Int("new_chunks", result.NewChunks).
		Bool("container", result.Container).
		Msg("file ingested")
	return man, result, nil
}

// AddFiles ingests several files, keyed by logical path. Files chunk in
// parallel; chunking within each file stays sequential. Cancellation
// takes effect between files, never mid-file.
func (e *Engine) AddFiles(ctx context.Context, files map[string]string) (map[string]*PutResult, error) {
	results := make(map[string]*PutResult, len(files))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for logical, source := range files {
		logical, source := logical, source
		if err := gctx.Err(); err != nil {
			break
		}
		g.Go(func() error {
			_, res, err := e.AddFile(gctx, logical, source)
			if err != nil {
				return fmt.Errorf("engine: ingest %s: %w", logical, err)
			}
			mu.Lock()
			results[logical] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// ReleaseEntry drops the current version of a logical path: every
// chunk reference the manifest holds is released, and the version is
// marked superseded. Chunk data stays on disk until garbage
// collection.
func (e *Engine) ReleaseEntry(ctx context.Context, logicalPath string) error {
	man, _, err := e.loadCurrent(ctx, logicalPath)
	if err != nil {
		return err
	}
	// One release per reference occurrence: a chunk appearing twice in
	// the file took two references at ingest.
	for _, ref := range man.Chunks {
		if err := e.store.ReleaseRef(ctx, ref.Address); err != nil {
			return err
		}
	}
	return e.meta.SupersedeManifest(ctx, logicalPath)
}

// Get streams the current version of a logical path.
func (e *Engine) Get(ctx context.Context, logicalPath string) (io.ReadCloser, *manifest.Manifest, error) {
	man, _, err := e.loadCurrent(ctx, logicalPath)
	if err != nil {
		return nil, nil, err
	}
	return newChunkReader(ctx, e.store, man, 0, man.Size), man, nil
}

// GetRange streams length bytes starting at start from the current
// version of a logical path.
func (e *Engine) GetRange(ctx context.Context, logicalPath string, start, length int64) (io.ReadCloser, *manifest.Manifest, error) {
	man, _, err := e.loadCurrent(ctx, logicalPath)
	if err != nil {
		return nil, nil, err
	}
	if start < 0 || length <= 0 || start+length > man.Size {
		return nil, nil, fmt.Errorf("engine: range [%d, %d) outside file of %d bytes", start, start+length, man.Size)
	}
	return newChunkReader(ctx, e.store, man, start, length), man, nil
}

// GetVersion streams a specific version by its ID.
func (e *Engine) GetVersion(ctx context.Context, versionID string) (io.ReadCloser, *manifest.Manifest, error) {
	man, err := e.loadManifest(e.layout.ManifestPath(versionID))
	if err != nil {
		return nil, nil, err
	}
	return newChunkReader(ctx, e.store, man, 0, man.Size), man, nil
}

func (e *Engine) loadCurrent(ctx context.Context, logicalPath string) (*manifest.Manifest, string, error) {
	versionID, manifestPath, err := e.meta.CurrentManifest(ctx, logicalPath)
	if err != nil {
		return nil, "", err
	}
	man, err := e.loadManifest(manifestPath)
	if err != nil {
		return nil, "", err
	}
	return man, versionID, nil
}

func (e *Engine) loadManifest(path string) (*manifest.Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return e.codec.Decode(f)
}

func (e *Engine) writeManifestFile(path string, man *manifest.Manifest) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := e.codec.Encode(f, man); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ingest accumulates per-file state across the chunking and storing
// passes.
type ingest struct {
	engine  *Engine
	hash    hash.Hash
	workers int

	refs      []manifest.ChunkRef
	aligned   int
	newChunks int
	newBytes  int64

	mu         sync.Mutex
	stored     []chunk.Address
	compressed map[chunk.Address]bool
}

// markCompressed flags every reference whose chunk the store kept under
// a compression codec. Runs after the store pass has settled.
func (ing *ingest) markCompressed() {
	if len(ing.compressed) == 0 {
		return
	}
	for i := range ing.refs {
		if ing.compressed[ing.refs[i].Address] {
			ing.refs[i].Flags |= manifest.FlagCompressed
		}
	}
}

// streamFile chunks an opaque byte stream in one pass, storing chunks
// as the splitter emits them.
func (ing *ingest) streamFile(ctx context.Context, r io.Reader) error {
	e := ing.engine
	var splitter chunk.Splitter
	if e.fixed {
		splitter = chunk.NewFixedSplitter(e.chunkParams.AvgSize, e.hasher)
	} else {
		splitter = chunk.NewCDCSplitter(e.chunkParams, e.hasher)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ing.workers)
	err := splitter.Split(io.TeeReader(r, ing.hash), func(c chunk.Chunk) error {
		if err := gctx.Err(); err != nil {
			return err
		}
		ing.refs = append(ing.refs, manifest.ChunkRef{
			Address: c.Hash,
			Offset:  c.Offset,
			Length:  uint32(len(c.Data)),
		})
		g.Go(func() error { return ing.storeOne(gctx, c) })
		return nil
	})
	if werr := g.Wait(); err == nil {
		err = werr
	}
	return err
}

// containerFile chunks a structured container in two passes: first
// content-defined cuts per payload region, snapped to keyframes, then
// a sequential read that hashes and stores every chunk. Metadata
// regions become their own chunks so structure deduplicates separately
// from payload.
func (ing *ingest) containerFile(ctx context.Context, f *os.File, size int64, structure *isobmff.Structure) error {
	e := ing.engine

	type planned struct {
		span  chunk.Span
		flags manifest.Flags
	}
	var plan []planned

	regions := mergeRegions(structure)
	for _, reg := range regions {
		if reg.metadata {
			// Verbatim, split only when a region exceeds the chunk
			// size ceiling (a large moov, for instance).
			for off := reg.span.Offset; off < reg.span.End(); {
				n := reg.span.End() - off
				if n > int64(e.chunkParams.MaxSize) {
					n = int64(e.chunkParams.MaxSize)
				}
				plan = append(plan, planned{
					span:  chunk.Span{Offset: off, Len: n},
					flags: manifest.FlagMetadataRegion,
				})
				off += n
			}
			continue
		}

		section := io.NewSectionReader(f, reg.span.Offset, reg.span.Len)
		chunker, err := chunk.NewChunker(section, e.chunkParams)
		if err != nil {
			return err
		}
		cuts, total, err := chunker.Cuts()
		if err != nil {
			return err
		}
		kfs := relativeKeyframes(structure.KeyframesWithin(reg.span), reg.span.Offset)
		boundaries := align.Align(cuts, total, kfs, structure.IntraOnly, e.alignParams)

		prev := int64(0)
		prevKF := false
		emit := func(end int64, kf bool) {
			flags := manifest.Flags(0)
			if prevKF {
				flags |= manifest.FlagKeyframeAligned
				ing.aligned++
			}
			plan = append(plan, planned{
				span:  chunk.Span{Offset: reg.span.Offset + prev, Len: end - prev},
				flags: flags,
			})
			prev = end
			prevKF = kf
		}
		for _, b := range boundaries {
			emit(b.Offset, b.Keyframe)
		}
		if prev < total {
			emit(total, false)
		}
	}

	// Sequential read pass: the full-content hash must see bytes in
	// order, so reads stay ordered while stores fan out.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ing.workers)
	offset := int64(0)
	for i, p := range plan {
		if err := gctx.Err(); err != nil {
			break
		}
		data := make([]byte, p.span.Len)
		if _, err := f.ReadAt(data, p.span.Offset); err != nil {
			if werr := g.Wait(); werr != nil {
				return werr
			}
			return err
		}
		ing.hash.Write(data)
		c := chunk.Chunk{
			Index:  i,
			Offset: offset,
			Hash:   ing.engine.hasher.Sum(data),
			Data:   data,
		}
		ing.refs = append(ing.refs, manifest.ChunkRef{
			Address: c.Hash,
			Offset:  offset,
			Length:  uint32(len(data)),
			Flags:   p.flags,
		})
		offset += p.span.Len
		g.Go(func() error { return ing.storeOne(gctx, c) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if offset != size {
		return fmt.Errorf("engine: region plan covers %d of %d bytes", offset, size)
	}
	return nil
}

func (ing *ingest) storeOne(ctx context.Context, c chunk.Chunk) error {
	res, err := ing.engine.store.PutChunk(ctx, c)
	if err != nil {
		return err
	}
	ing.mu.Lock()
	ing.stored = append(ing.stored, res.Address)
	if res.Codec != cas.CodecNone {
		if ing.compressed == nil {
			ing.compressed = make(map[chunk.Address]bool)
		}
		ing.compressed[res.Address] = true
	}
	if !res.Duplicate {
		ing.newChunks++
		ing.newBytes += res.StoredSize
	}
	ing.mu.Unlock()
	return nil
}

// rollback releases the references a failed ingest took. Best effort:
// anything missed stays refcounted until its owner releases it, and a
// crashed rollback is what the GC grace period exists for.
func (ing *ingest) rollback(e *Engine, logicalPath string) {
	for _, addr := range ing.stored {
		if err := e.store.ReleaseRef(context.Background(), addr); err != nil {
			e.log.Warn().Str("path", logicalPath).Str("address", addr.Short()).Err(err).Msg("rollback release failed")
		}
	}
}

// region is one contiguous stretch of the file with a uniform role.
type region struct {
	span     chunk.Span
	metadata bool
}

// mergeRegions interleaves metadata and payload regions into file
// order. Both lists are already sorted and disjoint.
func mergeRegions(s *isobmff.Structure) []region {
	out := make([]region, 0, len(s.MetadataRegions)+len(s.PayloadRegions))
	i, j := 0, 0
	for i < len(s.MetadataRegions) || j < len(s.PayloadRegions) {
		switch {
		case j >= len(s.PayloadRegions):
			out = append(out, region{span: s.MetadataRegions[i], metadata: true})
			i++
		case i >= len(s.MetadataRegions):
			out = append(out, region{span: s.PayloadRegions[j]})
			j++
		case s.MetadataRegions[i].Offset < s.PayloadRegions[j].Offset:
			out = append(out, region{span: s.MetadataRegions[i], metadata: true})
			i++
		default:
			out = append(out, region{span: s.PayloadRegions[j]})
			j++
		}
	}
	return out
}

func relativeKeyframes(kfs []isobmff.Keyframe, base int64) []isobmff.Keyframe {
	if len(kfs) == 0 {
		return nil
	}
	out := make([]isobmff.Keyframe, len(kfs))
	for i, kf := range kfs {
		kf.Offset -= base
		out[i] = kf
	}
	return out
}

func newID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("engine: rand failure: %v", err))
	}
	return hex.EncodeToString(buf[:])
}
