package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kk-code-lab/medialake/internal/storage/chunk"
)

func TestDefaultValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.HashAlgorithm != chunk.AlgBLAKE3 {
		t.Fatalf("default hash algorithm = %q", cfg.HashAlgorithm)
	}
}

func TestProfileFor(t *testing.T) {
	cfg := Default()
	cases := []struct {
		path    string
		wantAvg int
	}{
		{"clips/shoot.MP4", 4 << 20},
		{"clips/shoot.mov", 4 << 20},
		{"notes.txt", 64 << 10},
		{"archive", 64 << 10},
	}
	for _, tc := range cases {
		if got := cfg.ProfileFor(tc.path); got.AvgSize != tc.wantAvg {
			t.Errorf("ProfileFor(%q).AvgSize = %d, want %d", tc.path, got.AvgSize, tc.wantAvg)
		}
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "medialake.yaml")
	doc := `
hash_algorithm: sha256
compression: lz4
workers: 8
align:
  accept_score: 0.5
gc:
  grace_period: 1h
  batch_size: 64
profiles:
  ledger:
    min_size: 1024
    avg_size: 4096
    max_size: 16384
    normalization: 2
    fixed: true
profile_by_ext:
  ".mxf": video
  ".ldb": ledger
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HashAlgorithm != "sha256" || cfg.Compression != "lz4" || cfg.Workers != 8 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	// Defaults survive where the file is silent.
	if _, ok := cfg.Profiles["video"]; !ok {
		t.Fatal("default profiles lost on load")
	}
	if got := cfg.ProfileFor("a.mxf"); got.AvgSize != 4<<20 {
		t.Fatalf("mapped extension did not pick video profile: %+v", got)
	}
	ledger := cfg.ProfileConfigFor("state.ldb")
	if !ledger.Fixed || ledger.AvgSize != 4096 {
		t.Fatalf("fixed profile not applied: %+v", ledger)
	}
	if cfg.ProfileConfigFor("notes.txt").Fixed {
		t.Fatal("default profile reported fixed")
	}
	gc, err := cfg.GCParams()
	if err != nil {
		t.Fatalf("GCParams: %v", err)
	}
	if gc.GracePeriod != time.Hour || gc.BatchSize != 64 {
		t.Fatalf("gc params = %+v", gc)
	}
	ap := cfg.AlignParams(cfg.ProfileFor("a.mxf"))
	if ap.AcceptScore != 0.5 {
		t.Fatalf("accept score = %g, want 0.5", ap.AcceptScore)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown hash", func(c *Config) { c.HashAlgorithm = "md5" }},
		{"unknown compression", func(c *Config) { c.Compression = "brotli" }},
		{"zero workers", func(c *Config) { c.Workers = 0 }},
		{"missing default profile", func(c *Config) { delete(c.Profiles, "default") }},
		{"non power-of-two avg", func(c *Config) {
			c.Profiles["default"] = ProfileConfig{MinSize: 1 << 10, AvgSize: 3000, MaxSize: 16 << 10, Normalization: 2}
		}},
		{"ext without dot", func(c *Config) { c.ProfileByExt["mp4"] = "video" }},
		{"ext to unknown profile", func(c *Config) { c.ProfileByExt[".avi"] = "film" }},
		{"accept score out of range", func(c *Config) { c.Align.AcceptScore = 1.5 }},
		{"bad grace period", func(c *Config) { c.GC.GracePeriod = "soon" }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate accepted bad config", tc.name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load accepted missing file")
	}
}
