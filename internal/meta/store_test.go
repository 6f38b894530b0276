package meta

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/kk-code-lab/medialake/internal/storage/chunk"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testAddr(b byte) chunk.Address {
	var a chunk.Address
	for i := range a {
		a[i] = b
	}
	return a
}

func TestChunkLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	addr := testAddr(1)

	if ok, err := s.HasChunk(ctx, addr); err != nil || ok {
		t.Fatalf("HasChunk before insert = %v, %v", ok, err)
	}
	if err := s.InsertChunk(ctx, addr, 4096, 1024, "zstd"); err != nil {
		t.Fatalf("InsertChunk: %v", err)
	}
	info, err := s.Chunk(ctx, addr)
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if info.Size != 4096 || info.StoredSize != 1024 || info.Codec != "zstd" || info.Refcount != 1 {
		t.Fatalf("unexpected chunk info: %+v", info)
	}
	if info.Tier != "hot" {
		t.Fatalf("default tier = %q, want hot", info.Tier)
	}

	rc, err := s.AddRef(ctx, addr)
	if err != nil || rc != 2 {
		t.Fatalf("AddRef = %d, %v; want 2", rc, err)
	}
	if rc, err = s.ReleaseRef(ctx, addr); err != nil || rc != 1 {
		t.Fatalf("ReleaseRef = %d, %v; want 1", rc, err)
	}
	if rc, err = s.ReleaseRef(ctx, addr); err != nil || rc != 0 {
		t.Fatalf("ReleaseRef = %d, %v; want 0", rc, err)
	}

	info, err = s.Chunk(ctx, addr)
	if err != nil {
		t.Fatalf("Chunk after release: %v", err)
	}
	if info.Refcount != 0 || info.ZeroSince == "" {
		t.Fatalf("expected refcount 0 with zero_since set, got %+v", info)
	}
}

func TestReleaseRefUnderflow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	addr := testAddr(2)

	if _, err := s.ReleaseRef(ctx, addr); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ReleaseRef on missing chunk = %v, want ErrNotFound", err)
	}
	if err := s.InsertChunk(ctx, addr, 100, 100, "none"); err != nil {
		t.Fatalf("InsertChunk: %v", err)
	}
	if _, err := s.ReleaseRef(ctx, addr); err != nil {
		t.Fatalf("ReleaseRef: %v", err)
	}
	if _, err := s.ReleaseRef(ctx, addr); !errors.Is(err, ErrRefcountUnderflow) {
		t.Fatalf("ReleaseRef below zero = %v, want ErrRefcountUnderflow", err)
	}
}

func TestAddRefClearsZeroSince(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	addr := testAddr(3)

	if err := s.InsertChunk(ctx, addr, 100, 100, "none"); err != nil {
		t.Fatalf("InsertChunk: %v", err)
	}
	if _, err := s.ReleaseRef(ctx, addr); err != nil {
		t.Fatalf("ReleaseRef: %v", err)
	}
	if _, err := s.AddRef(ctx, addr); err != nil {
		t.Fatalf("AddRef: %v", err)
	}
	info, err := s.Chunk(ctx, addr)
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if info.Refcount != 1 || info.ZeroSince != "" {
		t.Fatalf("expected live chunk with cleared zero_since, got %+v", info)
	}
}

func TestZeroReferencedAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	dead := []chunk.Address{testAddr(0x10), testAddr(0x20), testAddr(0x30)}
	for _, a := range dead {
		if err := s.InsertChunk(ctx, a, 100, 50, "lz4"); err != nil {
			t.Fatalf("InsertChunk: %v", err)
		}
		if _, err := s.ReleaseRef(ctx, a); err != nil {
			t.Fatalf("ReleaseRef: %v", err)
		}
	}
	live := testAddr(0x40)
	if err := s.InsertChunk(ctx, live, 100, 50, "lz4"); err != nil {
		t.Fatalf("InsertChunk live: %v", err)
	}

	cutoff := time.Now().Add(time.Minute)
	got, err := s.ZeroReferenced(ctx, cutoff, "", 10)
	if err != nil {
		t.Fatalf("ZeroReferenced: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ZeroReferenced returned %d addresses, want 3", len(got))
	}
	for i, a := range got {
		if a != dead[i] {
			t.Fatalf("address %d = %s, want %s (address order)", i, a, dead[i])
		}
	}

	// Resume after the first address.
	got, err = s.ZeroReferenced(ctx, cutoff, dead[0].String(), 10)
	if err != nil {
		t.Fatalf("ZeroReferenced after: %v", err)
	}
	if len(got) != 2 || got[0] != dead[1] {
		t.Fatalf("resumed scan = %v", got)
	}

	// A cutoff in the past matches nothing.
	got, err = s.ZeroReferenced(ctx, time.Now().Add(-time.Hour), "", 10)
	if err != nil || len(got) != 0 {
		t.Fatalf("past cutoff scan = %v, %v", got, err)
	}

	deleted, freed, err := s.DeleteChunkIfDead(ctx, dead[0], cutoff)
	if err != nil || !deleted || freed != 50 {
		t.Fatalf("DeleteChunkIfDead = %v, %d, %v", deleted, freed, err)
	}
	if ok, _ := s.HasChunk(ctx, dead[0]); ok {
		t.Fatal("chunk row still present after delete")
	}

	// A live chunk must never be deleted.
	deleted, _, err = s.DeleteChunkIfDead(ctx, live, cutoff)
	if err != nil || deleted {
		t.Fatalf("DeleteChunkIfDead on live chunk = %v, %v", deleted, err)
	}

	// A re-referenced chunk must survive a delete attempt.
	if _, err := s.AddRef(ctx, dead[1]); err != nil {
		t.Fatalf("AddRef: %v", err)
	}
	deleted, _, err = s.DeleteChunkIfDead(ctx, dead[1], cutoff)
	if err != nil || deleted {
		t.Fatalf("DeleteChunkIfDead on re-referenced chunk = %v, %v", deleted, err)
	}
}

func TestGCCheckpointRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.LoadGCCheckpoint(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadGCCheckpoint on empty store = %v, want ErrNotFound", err)
	}
	cp := GCCheckpoint{
		LastAddress: testAddr(5).String(),
		Cutoff:      time.Now().UTC().Truncate(time.Millisecond),
		StartedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := s.SaveGCCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveGCCheckpoint: %v", err)
	}
	cp.LastAddress = testAddr(6).String()
	if err := s.SaveGCCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveGCCheckpoint upsert: %v", err)
	}
	got, err := s.LoadGCCheckpoint(ctx)
	if err != nil {
		t.Fatalf("LoadGCCheckpoint: %v", err)
	}
	if got.LastAddress != cp.LastAddress || !got.Cutoff.Equal(cp.Cutoff) {
		t.Fatalf("checkpoint = %+v, want %+v", got, cp)
	}
	if err := s.ClearGCCheckpoint(ctx); err != nil {
		t.Fatalf("ClearGCCheckpoint: %v", err)
	}
	if _, err := s.LoadGCCheckpoint(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadGCCheckpoint after clear = %v, want ErrNotFound", err)
	}
}

func TestManifestIndex(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, _, err := s.CurrentManifest(ctx, "clips/a.mp4"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("CurrentManifest on empty index = %v, want ErrNotFound", err)
	}
	if err := s.RecordManifest(ctx, "clips/a.mp4", "v1", 1000, "abc", "manifests/v1.mf"); err != nil {
		t.Fatalf("RecordManifest v1: %v", err)
	}
	if err := s.RecordManifest(ctx, "clips/a.mp4", "v2", 1100, "def", "manifests/v2.mf"); err != nil {
		t.Fatalf("RecordManifest v2: %v", err)
	}
	if err := s.RecordManifest(ctx, "clips/b.mp4", "v1", 2000, "ghi", "manifests/v3.mf"); err != nil {
		t.Fatalf("RecordManifest b: %v", err)
	}

	version, path, err := s.CurrentManifest(ctx, "clips/a.mp4")
	if err != nil {
		t.Fatalf("CurrentManifest: %v", err)
	}
	if version != "v2" || path != "manifests/v2.mf" {
		t.Fatalf("CurrentManifest = %q, %q; want v2", version, path)
	}

	paths, err := s.ListManifestPaths(ctx)
	if err != nil {
		t.Fatalf("ListManifestPaths: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("ListManifestPaths returned %v, want the two live versions", paths)
	}

	if err := s.SupersedeManifest(ctx, "clips/a.mp4"); err != nil {
		t.Fatalf("SupersedeManifest: %v", err)
	}
	if _, _, err := s.CurrentManifest(ctx, "clips/a.mp4"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("CurrentManifest after supersede = %v, want ErrNotFound", err)
	}
	if err := s.SupersedeManifest(ctx, "clips/a.mp4"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SupersedeManifest with no live version = %v, want ErrNotFound", err)
	}
}

func TestRepoValues(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.RepoValue(ctx, "hash_algorithm"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("RepoValue missing key = %v, want ErrNotFound", err)
	}
	if err := s.SetRepoValue(ctx, "hash_algorithm", "blake3"); err != nil {
		t.Fatalf("SetRepoValue: %v", err)
	}
	if err := s.SetRepoValue(ctx, "hash_algorithm", "sha256"); err != nil {
		t.Fatalf("SetRepoValue update: %v", err)
	}
	v, err := s.RepoValue(ctx, "hash_algorithm")
	if err != nil || v != "sha256" {
		t.Fatalf("RepoValue = %q, %v", v, err)
	}
}

func TestCollectStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := byte(1); i <= 3; i++ {
		if err := s.InsertChunk(ctx, testAddr(i), 1000, 400, "zstd"); err != nil {
			t.Fatalf("InsertChunk: %v", err)
		}
	}
	if _, err := s.ReleaseRef(ctx, testAddr(3)); err != nil {
		t.Fatalf("ReleaseRef: %v", err)
	}
	if err := s.RecordManifest(ctx, "a", "v1", 3000, "h", "manifests/a.mf"); err != nil {
		t.Fatalf("RecordManifest: %v", err)
	}

	st, err := s.CollectStats(ctx)
	if err != nil {
		t.Fatalf("CollectStats: %v", err)
	}
	if st.Chunks != 3 || st.ZeroReferenced != 1 || st.Manifests != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if st.TotalBytes != 3000 || st.StoredBytes != 1200 {
		t.Fatalf("byte totals = %+v", st)
	}
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meta.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	if err := s.InsertChunk(ctx, testAddr(9), 512, 512, "none"); err != nil {
		t.Fatalf("InsertChunk: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if ok, err := s.HasChunk(ctx, testAddr(9)); err != nil || !ok {
		t.Fatalf("HasChunk after reopen = %v, %v", ok, err)
	}
}
