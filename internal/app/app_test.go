package app

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/kk-code-lab/medialake/internal/config"
	"github.com/kk-code-lab/medialake/internal/storage/chunk"
)

func TestOpenPinsHashAlgorithm(t *testing.T) {
	root := t.TempDir()

	repo, err := Open(root, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen with the same algorithm succeeds.
	repo, err = Open(root, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = repo.Close()

	// A different algorithm must be refused.
	cfg := config.Default()
	cfg.HashAlgorithm = chunk.AlgSHA256
	if _, err := Open(root, cfg, zerolog.Nop()); err == nil {
		t.Fatal("Open accepted a changed hash algorithm")
	}
}

func TestRepoRoundTrip(t *testing.T) {
	repo, err := Open(t.TempDir(), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer repo.Close()
	ctx := context.Background()

	content := make([]byte, 300_000)
	rand.New(rand.NewSource(1)).Read(content)
	src := filepath.Join(t.TempDir(), "take1.bin")
	if err := os.WriteFile(src, content, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	if _, _, err := repo.AddFile(ctx, "takes/take1.bin", src); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	rc, man, err := repo.Get(ctx, "takes/take1.bin")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("round trip returned different bytes")
	}
	if man.HashAlgorithm != chunk.AlgBLAKE3 {
		t.Fatalf("manifest algorithm = %q", man.HashAlgorithm)
	}

	rc, _, err = repo.GetRange(ctx, "takes/take1.bin", 1000, 5000)
	if err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	got, err = io.ReadAll(rc)
	_ = rc.Close()
	if err != nil || !bytes.Equal(got, content[1000:6000]) {
		t.Fatalf("range read mismatch: %v", err)
	}
}

func TestProfileSelectionByExtension(t *testing.T) {
	repo, err := Open(t.TempDir(), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer repo.Close()

	videoEngine, err := repo.engineFor("shoot.mp4")
	if err != nil {
		t.Fatalf("engineFor mp4: %v", err)
	}
	defaultEngine, err := repo.engineFor("notes.txt")
	if err != nil {
		t.Fatalf("engineFor txt: %v", err)
	}
	if videoEngine == defaultEngine {
		t.Fatal("video and default profiles share one engine")
	}
	again, err := repo.engineFor("other.mov")
	if err != nil {
		t.Fatalf("engineFor mov: %v", err)
	}
	if again != videoEngine {
		t.Fatal("same profile did not reuse its engine")
	}
}

func TestProfilesDifferingOnlyInNormalization(t *testing.T) {
	cfg := config.Default()
	base := cfg.Profiles["default"]
	tight := base
	tight.Normalization = 3
	cfg.Profiles["tight"] = tight
	cfg.ProfileByExt[".log"] = "tight"

	repo, err := Open(t.TempDir(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer repo.Close()

	defaultEngine, err := repo.engineFor("notes.txt")
	if err != nil {
		t.Fatalf("engineFor txt: %v", err)
	}
	tightEngine, err := repo.engineFor("audit.log")
	if err != nil {
		t.Fatalf("engineFor log: %v", err)
	}
	if defaultEngine == tightEngine {
		t.Fatal("profiles differing in normalization share one engine")
	}
}

func TestFixedProfileSelection(t *testing.T) {
	cfg := config.Default()
	base := cfg.Profiles["default"]
	fixed := base
	fixed.Fixed = true
	cfg.Profiles["pages"] = fixed
	cfg.ProfileByExt[".ldb"] = "pages"

	repo, err := Open(t.TempDir(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer repo.Close()
	ctx := context.Background()

	content := make([]byte, 200_000)
	rand.New(rand.NewSource(3)).Read(content)
	src := filepath.Join(t.TempDir(), "state.ldb")
	if err := os.WriteFile(src, content, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	if _, _, err := repo.AddFile(ctx, "state.ldb", src); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	rc, man, err := repo.Get(ctx, "state.ldb")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil || !bytes.Equal(got, content) {
		t.Fatalf("round trip mismatch: %v", err)
	}
	// Fixed cutting at avg size: every chunk but the last is exactly
	// the profile's average.
	for i, ref := range man.Chunks[:len(man.Chunks)-1] {
		if ref.Length != uint32(base.AvgSize) {
			t.Fatalf("chunk %d length = %d, want %d", i, ref.Length, base.AvgSize)
		}
	}

	fixedEngine, err := repo.engineFor("state.ldb")
	if err != nil {
		t.Fatalf("engineFor ldb: %v", err)
	}
	defaultEngine, err := repo.engineFor("notes.txt")
	if err != nil {
		t.Fatalf("engineFor txt: %v", err)
	}
	if fixedEngine == defaultEngine {
		t.Fatal("fixed profile shares the default profile's engine")
	}
}

func TestReleaseAndGC(t *testing.T) {
	repo, err := Open(t.TempDir(), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer repo.Close()
	ctx := context.Background()

	content := make([]byte, 100_000)
	rand.New(rand.NewSource(2)).Read(content)
	src := filepath.Join(t.TempDir(), "x")
	if err := os.WriteFile(src, content, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	if _, _, err := repo.AddFile(ctx, "x", src); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := repo.Release(ctx, "x"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	// Configured grace period keeps the chunks alive for now.
	report, err := repo.GC(ctx)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if report.Deleted != 0 {
		t.Fatalf("GC deleted %d chunks inside the grace period", report.Deleted)
	}
}
