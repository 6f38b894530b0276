// Package config handles repository configuration loading and
// validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kk-code-lab/medialake/internal/storage/align"
	"github.com/kk-code-lab/medialake/internal/storage/cas"
	"github.com/kk-code-lab/medialake/internal/storage/chunk"
)

// ProfileConfig holds chunking parameters for one class of file.
// Fixed profiles cut at AvgSize exactly instead of content-defined
// boundaries; useful for file classes where shift resistance buys
// nothing.
type ProfileConfig struct {
	MinSize       int  `yaml:"min_size"`
	AvgSize       int  `yaml:"avg_size"`
	MaxSize       int  `yaml:"max_size"`
	Normalization int  `yaml:"normalization"`
	Fixed         bool `yaml:"fixed"`
}

// AlignConfig tunes keyframe boundary alignment.
type AlignConfig struct {
	Disabled       bool    `yaml:"disabled"`        // chunk every file as opaque bytes
	AcceptScore    float64 `yaml:"accept_score"`    // minimum score to snap a cut (default 0.3)
	KeyframeWeight float64 `yaml:"keyframe_weight"` // base keyframe attraction (default 1.0)
}

// GCConfig tunes garbage collection.
type GCConfig struct {
	GracePeriod string `yaml:"grace_period"` // duration string, e.g. "24h"
	BatchSize   int    `yaml:"batch_size"`
}

// Config is the repository configuration.
type Config struct {
	HashAlgorithm string `yaml:"hash_algorithm"` // blake3 | sha256 | sha3-256
	Compression   string `yaml:"compression"`    // none | zstd | lz4
	Replicate     bool   `yaml:"replicate"`      // keep a local second copy of every chunk
	Workers       int    `yaml:"workers"`        // concurrent chunk stores per file

	// Profiles are keyed by name; ProfileByExt maps a lowercased file
	// extension (".mp4") to a profile name. Unmapped extensions use
	// the "default" profile.
	Profiles     map[string]ProfileConfig `yaml:"profiles"`
	ProfileByExt map[string]string        `yaml:"profile_by_ext"`

	Align AlignConfig `yaml:"align"`
	GC    GCConfig    `yaml:"gc"`
}

// Default returns the built-in configuration: BLAKE3 addresses, zstd
// compression, a small-chunk default profile and a large-chunk video
// profile bound to the common container extensions.
func Default() *Config {
	return &Config{
		HashAlgorithm: chunk.AlgBLAKE3,
		Compression:   cas.CodecZstd,
		Workers:       4,
		Profiles: map[string]ProfileConfig{
			"default": {
				MinSize:       16 << 10,
				AvgSize:       64 << 10,
				MaxSize:       256 << 10,
				Normalization: 2,
			},
			"video": {
				MinSize:       1 << 20,
				AvgSize:       4 << 20,
				MaxSize:       16 << 20,
				Normalization: 2,
			},
		},
		ProfileByExt: map[string]string{
			".mp4": "video",
			".mov": "video",
			".m4v": "video",
			".m4a": "video",
		},
		Align: AlignConfig{
			AcceptScore:    align.DefaultAcceptScore,
			KeyframeWeight: 1.0,
		},
		GC: GCConfig{
			GracePeriod: "24h",
			BatchSize:   256,
		},
	}
}

// Load reads a YAML configuration file over the defaults. Absent
// fields keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if _, err := chunk.ForAlgorithm(c.HashAlgorithm); err != nil {
		return err
	}
	switch c.Compression {
	case cas.CodecNone, cas.CodecZstd, cas.CodecLZ4:
	default:
		return fmt.Errorf("config: unknown compression %q", c.Compression)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config: workers must be positive, got %d", c.Workers)
	}
	if _, ok := c.Profiles["default"]; !ok {
		return fmt.Errorf("config: missing required profile %q", "default")
	}
	for name, p := range c.Profiles {
		if err := p.ChunkParams().Validate(); err != nil {
			return fmt.Errorf("config: profile %q: %w", name, err)
		}
	}
	for ext, name := range c.ProfileByExt {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("config: extension %q must start with a dot", ext)
		}
		if _, ok := c.Profiles[name]; !ok {
			return fmt.Errorf("config: extension %q maps to unknown profile %q", ext, name)
		}
	}
	if c.Align.AcceptScore < 0 || c.Align.AcceptScore >= 1 {
		return fmt.Errorf("config: align accept_score %g outside [0, 1)", c.Align.AcceptScore)
	}
	if _, err := c.GCParams(); err != nil {
		return err
	}
	return nil
}

// ChunkParams converts a profile to chunker parameters.
func (p ProfileConfig) ChunkParams() chunk.Params {
	return chunk.Params{
		MinSize:       p.MinSize,
		AvgSize:       p.AvgSize,
		MaxSize:       p.MaxSize,
		Normalization: p.Normalization,
	}
}

// ProfileConfigFor returns the profile for a file path, chosen by
// extension.
func (c *Config) ProfileConfigFor(path string) ProfileConfig {
	ext := strings.ToLower(filepath.Ext(path))
	if name, ok := c.ProfileByExt[ext]; ok {
		if p, ok := c.Profiles[name]; ok {
			return p
		}
	}
	return c.Profiles["default"]
}

// ProfileFor returns the chunking parameters for a file path, chosen
// by extension.
func (c *Config) ProfileFor(path string) chunk.Params {
	return c.ProfileConfigFor(path).ChunkParams()
}

// AlignParams derives alignment parameters for the given chunking
// profile.
func (c *Config) AlignParams(cp chunk.Params) align.Params {
	p := align.DefaultParams(cp)
	if c.Align.AcceptScore > 0 {
		p.AcceptScore = c.Align.AcceptScore
	}
	if c.Align.KeyframeWeight > 0 {
		p.KeyframeWeight = c.Align.KeyframeWeight
	}
	return p
}

// GCParams parses the GC section.
func (c *Config) GCParams() (cas.GCParams, error) {
	p := cas.DefaultGCParams()
	if c.GC.GracePeriod != "" {
		d, err := time.ParseDuration(c.GC.GracePeriod)
		if err != nil {
			return p, fmt.Errorf("config: gc grace_period: %w", err)
		}
		if d < 0 {
			return p, fmt.Errorf("config: gc grace_period must not be negative")
		}
		p.GracePeriod = d
	}
	if c.GC.BatchSize > 0 {
		p.BatchSize = c.GC.BatchSize
	}
	return p, nil
}

// Hasher returns the configured content hasher.
func (c *Config) Hasher() (chunk.Hasher, error) {
	return chunk.ForAlgorithm(c.HashAlgorithm)
}
