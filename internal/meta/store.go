// Package meta wraps the SQLite metadata database: the chunk reference
// index, manifest index, repository settings, and GC checkpoints.
package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kk-code-lab/medialake/internal/storage/chunk"
)

// ErrNotFound is returned for lookups of unknown addresses or keys.
var ErrNotFound = errors.New("meta: not found")

// ErrRefcountUnderflow is returned when a release would take a chunk's
// reference count below zero. Callers must treat it as fatal for the
// enclosing operation.
var ErrRefcountUnderflow = errors.New("meta: refcount underflow")

// Store wraps the SQLite metadata database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the metadata database at the given path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("meta: db path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &Store{db: db}
	if err := store.applyPragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Flush forces a WAL checkpoint to durably persist changes.
func (s *Store) Flush() error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func (s *Store) applyPragmas(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous=FULL"); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		return err
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
)`); err != nil {
		return err
	}

	var version int
	if err = tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return err
	}
	if version < 1 {
		if err = applyV1(ctx, tx); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, "INSERT INTO schema_migrations(version, applied_at) VALUES(1, ?)", time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func applyV1(ctx context.Context, tx *sql.Tx) error {
	ddl := []string{
		// The refcount CHECK backs the refcount >= 0 invariant at the
		// lowest level; release goes through a guarded transaction so
		// underflow surfaces as ErrRefcountUnderflow, not a SQL error.
		`CREATE TABLE IF NOT EXISTS chunks (
			address TEXT PRIMARY KEY,
			size INTEGER NOT NULL,
			stored_size INTEGER NOT NULL,
			codec TEXT NOT NULL,
			tier TEXT NOT NULL DEFAULT 'hot',
			refcount INTEGER NOT NULL CHECK (refcount >= 0),
			created_at TEXT NOT NULL,
			zero_since TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_zero
			ON chunks(address) WHERE refcount = 0`,
		`CREATE TABLE IF NOT EXISTS manifests (
			path TEXT NOT NULL,
			version_id TEXT NOT NULL,
			size INTEGER NOT NULL,
			content_hash TEXT NOT NULL,
			manifest_path TEXT NOT NULL,
			created_at TEXT NOT NULL,
			superseded INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (path, version_id)
		)`,
		`CREATE TABLE IF NOT EXISTS repo (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS gc_checkpoint (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			last_address TEXT NOT NULL,
			cutoff TEXT NOT NULL,
			started_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range ddl {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// ChunkInfo is the metadata row for a stored chunk.
type ChunkInfo struct {
	Address    chunk.Address
	Size       int64
	StoredSize int64
	Codec      string
	Tier       string
	Refcount   int64
	ZeroSince  string
}

// InsertChunk records a newly stored chunk with refcount 1.
func (s *Store) InsertChunk(ctx context.Context, addr chunk.Address, size, storedSize int64, codec string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chunks(address, size, stored_size, codec, refcount, created_at)
		 VALUES(?, ?, ?, ?, 1, ?)`,
		addr.String(), size, storedSize, codec, now())
	return err
}

// Chunk returns the metadata row for an address.
func (s *Store) Chunk(ctx context.Context, addr chunk.Address) (*ChunkInfo, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT size, stored_size, codec, tier, refcount, COALESCE(zero_since, '')
		 FROM chunks WHERE address = ?`, addr.String())
	info := &ChunkInfo{Address: addr}
	err := row.Scan(&info.Size, &info.StoredSize, &info.Codec, &info.Tier, &info.Refcount, &info.ZeroSince)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return info, nil
}

// HasChunk reports whether a chunk row exists.
func (s *Store) HasChunk(ctx context.Context, addr chunk.Address) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM chunks WHERE address = ?`, addr.String()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AddRef atomically increments a chunk's reference count. The update is
// a single per-row statement, so concurrent writers on different
// addresses never contend on anything coarser than the row.
func (s *Store) AddRef(ctx context.Context, addr chunk.Address) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET refcount = refcount + 1, zero_since = NULL WHERE address = ?`,
		addr.String())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrNotFound
	}
	var rc int64
	if err := s.db.QueryRowContext(ctx, `SELECT refcount FROM chunks WHERE address = ?`, addr.String()).Scan(&rc); err != nil {
		return 0, err
	}
	return rc, nil
}

// ReleaseRef atomically decrements a chunk's reference count, stamping
// zero_since when it reaches zero. Decrementing a zero refcount returns
// ErrRefcountUnderflow.
func (s *Store) ReleaseRef(ctx context.Context, addr chunk.Address) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var rc int64
	err = tx.QueryRowContext(ctx, `SELECT refcount FROM chunks WHERE address = ?`, addr.String()).Scan(&rc)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if rc == 0 {
		return 0, fmt.Errorf("%w: address %s", ErrRefcountUnderflow, addr)
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE chunks SET refcount = refcount - 1,
		        zero_since = CASE WHEN refcount = 1 THEN ? ELSE zero_since END
		 WHERE address = ?`, now(), addr.String()); err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return rc - 1, nil
}

// SetTier updates the storage tier label of a chunk.
func (s *Store) SetTier(ctx context.Context, addr chunk.Address, tier string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE chunks SET tier = ? WHERE address = ?`, tier, addr.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ZeroReferenced returns up to limit addresses with refcount zero whose
// zero_since is at or before cutoff, in address order starting after
// the given address. Address ordering makes GC scans resumable.
func (s *Store) ZeroReferenced(ctx context.Context, cutoff time.Time, after string, limit int) ([]chunk.Address, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT address FROM chunks
		 WHERE refcount = 0 AND zero_since IS NOT NULL AND zero_since <= ? AND address > ?
		 ORDER BY address LIMIT ?`,
		cutoff.UTC().Format(time.RFC3339Nano), after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []chunk.Address
	for rows.Next() {
		var hex string
		if err := rows.Scan(&hex); err != nil {
			return nil, err
		}
		addr, err := chunk.ParseAddress(hex)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}

// DeleteChunkIfDead deletes a chunk row only if it is still
// zero-referenced and past the grace cutoff, returning the freed stored
// size. The predicate re-check inside the delete makes GC safe against
// concurrent re-referencing.
func (s *Store) DeleteChunkIfDead(ctx context.Context, addr chunk.Address, cutoff time.Time) (bool, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var storedSize int64
	err = tx.QueryRowContext(ctx,
		`SELECT stored_size FROM chunks
		 WHERE address = ? AND refcount = 0 AND zero_since IS NOT NULL AND zero_since <= ?`,
		addr.String(), cutoff.UTC().Format(time.RFC3339Nano)).Scan(&storedSize)
	if err == sql.ErrNoRows {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM chunks WHERE address = ?`, addr.String()); err != nil {
		return false, 0, err
	}
	if err = tx.Commit(); err != nil {
		return false, 0, err
	}
	return true, storedSize, nil
}

// ListChunkAddresses returns every stored address in address order,
// for scrub passes.
func (s *Store) ListChunkAddresses(ctx context.Context) ([]chunk.Address, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT address FROM chunks ORDER BY address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []chunk.Address
	for rows.Next() {
		var hex string
		if err := rows.Scan(&hex); err != nil {
			return nil, err
		}
		addr, err := chunk.ParseAddress(hex)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}

// GCCheckpoint is the persisted resume point of an interrupted GC pass.
type GCCheckpoint struct {
	LastAddress string
	Cutoff      time.Time
	StartedAt   time.Time
}

// SaveGCCheckpoint upserts the GC resume point.
func (s *Store) SaveGCCheckpoint(ctx context.Context, cp GCCheckpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gc_checkpoint(id, last_address, cutoff, started_at, updated_at)
		 VALUES(1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET last_address = excluded.last_address, updated_at = excluded.updated_at`,
		cp.LastAddress,
		cp.Cutoff.UTC().Format(time.RFC3339Nano),
		cp.StartedAt.UTC().Format(time.RFC3339Nano),
		now())
	return err
}

// LoadGCCheckpoint returns the saved resume point, or ErrNotFound.
func (s *Store) LoadGCCheckpoint(ctx context.Context) (*GCCheckpoint, error) {
	var cp GCCheckpoint
	var cutoff, started string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_address, cutoff, started_at FROM gc_checkpoint WHERE id = 1`).
		Scan(&cp.LastAddress, &cutoff, &started)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if cp.Cutoff, err = time.Parse(time.RFC3339Nano, cutoff); err != nil {
		return nil, err
	}
	if cp.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return nil, err
	}
	return &cp, nil
}

// ClearGCCheckpoint removes the resume point after a completed pass.
func (s *Store) ClearGCCheckpoint(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM gc_checkpoint WHERE id = 1`)
	return err
}

// RecordManifest indexes a manifest entry file for a logical path and
// marks earlier versions of the path superseded.
func (s *Store) RecordManifest(ctx context.Context, path, versionID string, size int64, contentHash, manifestPath string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err = tx.ExecContext(ctx,
		`UPDATE manifests SET superseded = 1 WHERE path = ?`, path); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO manifests(path, version_id, size, content_hash, manifest_path, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		path, versionID, size, contentHash, manifestPath, now()); err != nil {
		return err
	}
	return tx.Commit()
}

// SupersedeManifest marks every version of a logical path superseded,
// leaving no live version. Returns ErrNotFound if the path had none.
func (s *Store) SupersedeManifest(ctx context.Context, path string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE manifests SET superseded = 1 WHERE path = ? AND superseded = 0`, path)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CurrentManifest returns the live manifest file path for a logical
// path, or ErrNotFound.
func (s *Store) CurrentManifest(ctx context.Context, path string) (versionID, manifestPath string, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT version_id, manifest_path FROM manifests
		 WHERE path = ? AND superseded = 0
		 ORDER BY created_at DESC LIMIT 1`, path).Scan(&versionID, &manifestPath)
	if err == sql.ErrNoRows {
		return "", "", ErrNotFound
	}
	return versionID, manifestPath, err
}

// ListManifestPaths returns the manifest file paths of every
// non-superseded entry.
func (s *Store) ListManifestPaths(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT manifest_path FROM manifests WHERE superseded = 0 ORDER BY path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetRepoValue stores a repository-level setting such as the content
// hash algorithm.
func (s *Store) SetRepoValue(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO repo(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// RepoValue returns a repository-level setting, or ErrNotFound.
func (s *Store) RepoValue(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM repo WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}

// Stats summarizes chunk and manifest counts.
type Stats struct {
	Chunks         int64
	ZeroReferenced int64
	Manifests      int64
	TotalBytes     int64
	StoredBytes    int64
}

// CollectStats gathers aggregate counts for status reporting.
func (s *Store) CollectStats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN refcount = 0 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(size), 0), COALESCE(SUM(stored_size), 0) FROM chunks`).
		Scan(&st.Chunks, &st.ZeroReferenced, &st.TotalBytes, &st.StoredBytes)
	if err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM manifests WHERE superseded = 0`).Scan(&st.Manifests); err != nil {
		return nil, err
	}
	return st, nil
}
