// Package cas implements the content-addressed chunk store: sharded
// chunk files on disk, refcounts in the metadata database, mandatory
// verification on read, and garbage collection of unreferenced chunks.
package cas

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kk-code-lab/medialake/internal/meta"
	"github.com/kk-code-lab/medialake/internal/storage/chunk"
	"github.com/kk-code-lab/medialake/internal/storage/fs"
)

const lockStripes = 64

// RemoteFetcher retrieves a chunk from a remote replica when the local
// copies are damaged. Implementations return the raw chunk bytes,
// which the store verifies before use.
type RemoteFetcher interface {
	FetchChunk(ctx context.Context, addr chunk.Address) ([]byte, error)
}

// Options configures a Store.
type Options struct {
	Layout fs.Layout
	Meta   *meta.Store
	Hasher chunk.Hasher

	// Codec selects the compression applied to new chunks. Defaults
	// to CodecZstd.
	Codec string

	// Replicate mirrors every written chunk into the replica
	// directory, giving recovery a local second copy.
	Replicate bool

	// Remote, if set, is the last recovery resort before quarantine.
	Remote RemoteFetcher

	Logger zerolog.Logger
}

// Store is the content-addressed chunk store.
type Store struct {
	layout    fs.Layout
	meta      *meta.Store
	hasher    chunk.Hasher
	codec     string
	replicate bool
	remote    RemoteFetcher
	log       zerolog.Logger

	// Per-address stripe locks serialize writers of the same chunk
	// file. Different addresses proceed in parallel.
	locks [lockStripes]sync.Mutex
}

// New opens a Store over an existing layout and metadata store.
func New(opts Options) (*Store, error) {
	if opts.Meta == nil {
		return nil, fmt.Errorf("cas: metadata store required")
	}
	if opts.Hasher == nil {
		opts.Hasher = chunk.DefaultHasher()
	}
	if opts.Codec == "" {
		opts.Codec = CodecZstd
	}
	if _, err := codecByte(opts.Codec); err != nil {
		return nil, err
	}
	if err := opts.Layout.EnsureDirs(); err != nil {
		return nil, err
	}
	return &Store{
		layout:    opts.Layout,
		meta:      opts.Meta,
		hasher:    opts.Hasher,
		codec:     opts.Codec,
		replicate: opts.Replicate,
		remote:    opts.Remote,
		log:       opts.Logger,
	}, nil
}

func (s *Store) lockFor(addr chunk.Address) *sync.Mutex {
	return &s.locks[addr[0]%lockStripes]
}

// PutResult reports the outcome of storing one chunk.
type PutResult struct {
	Address    chunk.Address
	Size       int64
	StoredSize int64
	Codec      string
	Duplicate  bool
}

// Put stores raw chunk bytes under their content address. Storing
// bytes that are already present increments the refcount instead of
// rewriting the file; new content starts at refcount 1. Put never
// mutates an existing chunk file.
func (s *Store) Put(ctx context.Context, data []byte) (*PutResult, error) {
	addr := s.hasher.Sum(data)
	return s.putAddressed(ctx, addr, data)
}

// PutChunk stores a chunk under its precomputed address. The address
// is re-verified before any new content is written, so a mis-addressed
// chunk from the sync layer is rejected instead of persisted.
func (s *Store) PutChunk(ctx context.Context, c chunk.Chunk) (*PutResult, error) {
	return s.putAddressed(ctx, c.Hash, c.Data)
}

func (s *Store) putAddressed(ctx context.Context, addr chunk.Address, data []byte) (*PutResult, error) {
	mu := s.lockFor(addr)
	mu.Lock()
	defer mu.Unlock()

	info, err := s.meta.Chunk(ctx, addr)
	if err == nil {
		// Same address must mean same content. A size mismatch is a
		// hash collision or metadata corruption, either of which is
		// fatal.
		if info.Size != int64(len(data)) {
			return nil, &InvariantViolation{
				Op:      "put",
				Address: addr,
				Detail:  fmt.Sprintf("existing size %d, incoming size %d", info.Size, len(data)),
			}
		}
		if _, err := s.meta.AddRef(ctx, addr); err != nil {
			return nil, err
		}
		return &PutResult{
			Address:    addr,
			Size:       info.Size,
			StoredSize: info.StoredSize,
			Codec:      info.Codec,
			Duplicate:  true,
		}, nil
	}
	if err != meta.ErrNotFound {
		return nil, err
	}

	// New content must actually hash to the claimed address. Accepting a
	// mis-addressed write would poison the address: the true content
	// would dedup against the bad bytes and every read would quarantine.
	if got := s.hasher.Sum(data); got != addr {
		return nil, &InvariantViolation{
			Op:      "put",
			Address: addr,
			Detail:  "content hashes to " + got.Short(),
		}
	}

	payload, codec, err := compress(s.codec, data)
	if err != nil {
		return nil, err
	}
	buf, err := encodeChunkFile(addr, codec, len(data), payload)
	if err != nil {
		return nil, err
	}
	path := s.layout.ChunkPath(addr)
	if err := writeFileAtomic(path, buf); err != nil {
		return nil, err
	}
	if s.replicate {
		if err := writeFileAtomic(s.layout.ReplicaPath(addr), buf); err != nil {
			return nil, err
		}
	}
	if err := s.meta.InsertChunk(ctx, addr, int64(len(data)), int64(len(buf)), codec); err != nil {
		// Roll the file back so an aborted put leaves no orphan.
		_ = os.Remove(path)
		return nil, err
	}
	s.log.Debug().
		Str("address", addr.Short()).
		Int("size", len(data)).
		Int("stored", len(buf)).
		Str("codec", codec).
		Msg("chunk stored")
	return &PutResult{
		Address:    addr,
		Size:       int64(len(data)),
		StoredSize: int64(len(buf)),
		Codec:      codec,
		Duplicate:  false,
	}, nil
}

// Get returns the verified raw bytes of a chunk. Every read hashes the
// reconstructed payload against the requested address; a mismatch
// triggers recovery from the replica copy, then the remote fetcher,
// and finally quarantine with a CorruptionError.
func (s *Store) Get(ctx context.Context, addr chunk.Address) ([]byte, error) {
	if ok, err := s.meta.HasChunk(ctx, addr); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, addr.Short())
	}

	path := s.layout.ChunkPath(addr)
	data, err := s.readVerified(path, addr)
	if err == nil {
		return data, nil
	}
	if os.IsNotExist(err) {
		return s.recover(ctx, addr, path)
	}
	s.log.Warn().Str("address", addr.Short()).Err(err).Msg("chunk failed verification")
	return s.recover(ctx, addr, path)
}

// readVerified reads one chunk file, unframes it, decompresses, and
// checks the payload hash against the expected address.
func (s *Store) readVerified(path string, addr chunk.Address) ([]byte, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fileAddr, codec, rawLen, payload, err := decodeChunkFile(buf)
	if err != nil {
		return nil, err
	}
	if fileAddr != addr {
		return nil, fmt.Errorf("cas: chunk file %s carries address %s", path, fileAddr.Short())
	}
	data, err := decompress(codec, payload, rawLen)
	if err != nil {
		return nil, err
	}
	if got := s.hasher.Sum(data); got != addr {
		return nil, fmt.Errorf("cas: chunk %s content hash mismatch", addr.Short())
	}
	return data, nil
}

// recover attempts to restore a damaged or missing primary chunk file,
// trying the replica copy first and the remote fetcher second. On
// success the primary is rewritten from the intact copy. On failure
// the damaged primary is quarantined.
func (s *Store) recover(ctx context.Context, addr chunk.Address, primary string) ([]byte, error) {
	mu := s.lockFor(addr)
	mu.Lock()
	defer mu.Unlock()

	if data, err := s.readVerified(s.layout.ReplicaPath(addr), addr); err == nil {
		s.log.Warn().Str("address", addr.Short()).Msg("restoring chunk from replica")
		if err := s.rewrite(primary, addr, data); err != nil {
			return nil, err
		}
		return data, nil
	}

	if s.remote != nil {
		data, err := s.remote.FetchChunk(ctx, addr)
		if err == nil && s.hasher.Sum(data) == addr {
			s.log.Warn().Str("address", addr.Short()).Msg("restoring chunk from remote")
			if err := s.rewrite(primary, addr, data); err != nil {
				return nil, err
			}
			return data, nil
		}
		if err != nil {
			s.log.Error().Str("address", addr.Short()).Err(err).Msg("remote fetch failed")
		}
	}

	s.quarantine(addr, primary)
	return nil, &CorruptionError{Address: addr}
}

func (s *Store) rewrite(path string, addr chunk.Address, data []byte) error {
	payload, codec, err := compress(s.codec, data)
	if err != nil {
		return err
	}
	buf, err := encodeChunkFile(addr, codec, len(data), payload)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, buf)
}

// quarantine moves a damaged chunk file aside rather than deleting it,
// preserving the evidence for offline inspection.
func (s *Store) quarantine(addr chunk.Address, path string) {
	dst := s.layout.QuarantinePath(addr, time.Now())
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		s.log.Error().Str("address", addr.Short()).Err(err).Msg("quarantine dir")
		return
	}
	if err := os.Rename(path, dst); err != nil && !os.IsNotExist(err) {
		s.log.Error().Str("address", addr.Short()).Err(err).Msg("quarantine move failed")
		return
	}
	s.log.Error().Str("address", addr.Short()).Str("quarantine", dst).Msg("chunk quarantined")
}

// Exists reports whether a chunk is present without reading its file.
func (s *Store) Exists(ctx context.Context, addr chunk.Address) (bool, error) {
	return s.meta.HasChunk(ctx, addr)
}

// ExistsBatch reports presence for a set of addresses.
func (s *Store) ExistsBatch(ctx context.Context, addrs []chunk.Address) (map[chunk.Address]bool, error) {
	out := make(map[chunk.Address]bool, len(addrs))
	for _, a := range addrs {
		ok, err := s.meta.HasChunk(ctx, a)
		if err != nil {
			return nil, err
		}
		out[a] = ok
	}
	return out, nil
}

// AddRef takes an additional reference on a stored chunk.
func (s *Store) AddRef(ctx context.Context, addr chunk.Address) error {
	_, err := s.meta.AddRef(ctx, addr)
	if err == meta.ErrNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, addr.Short())
	}
	return err
}

// ReleaseRef drops one reference. The chunk file stays on disk until
// garbage collection; a zero refcount only marks eligibility.
func (s *Store) ReleaseRef(ctx context.Context, addr chunk.Address) error {
	_, err := s.meta.ReleaseRef(ctx, addr)
	switch {
	case err == nil:
		return nil
	case err == meta.ErrNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, addr.Short())
	case errors.Is(err, meta.ErrRefcountUnderflow):
		// Underflow is an engine bug, not an operational condition.
		return &InvariantViolation{Op: "release", Address: addr, Detail: err.Error()}
	}
	return err
}

// Verify re-reads and re-hashes one chunk, reporting corruption
// without attempting recovery. Used by scrub passes.
func (s *Store) Verify(ctx context.Context, addr chunk.Address) error {
	if ok, err := s.meta.HasChunk(ctx, addr); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, addr.Short())
	}
	path := s.layout.ChunkPath(addr)
	if _, err := s.readVerified(path, addr); err != nil {
		s.quarantine(addr, path)
		return &CorruptionError{Address: addr}
	}
	return nil
}

// Meta exposes the underlying metadata store for status reporting.
func (s *Store) Meta() *meta.Store {
	return s.meta
}

// Layout exposes the on-disk layout.
func (s *Store) Layout() fs.Layout {
	return s.layout
}

// writeFileAtomic writes data through a temp file in the target
// directory and renames it into place, fsyncing the file before the
// rename. A crash leaves either the old state or the new, never a
// partial file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	tmpName = ""
	return nil
}
