package manifest

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/kk-code-lab/medialake/internal/storage/chunk"
)

func addrOf(b byte) chunk.Address {
	var a chunk.Address
	for i := range a {
		a[i] = b
	}
	return a
}

func tiling(sizes ...uint32) []ChunkRef {
	refs := make([]ChunkRef, len(sizes))
	off := int64(0)
	for i, sz := range sizes {
		refs[i] = ChunkRef{Address: addrOf(byte(i + 1)), Offset: off, Length: sz}
		off += int64(sz)
	}
	return refs
}

func testManifest(t *testing.T, sizes ...uint32) *Manifest {
	t.Helper()
	total := int64(0)
	for _, sz := range sizes {
		total += int64(sz)
	}
	m, err := Build("clips/a.mp4", "v1", total, addrOf(0xaa), chunk.AlgBLAKE3,
		FileMeta{Mode: 0o644, ModTimeUnix: 1700000000},
		MediaInfo{Container: true, Keyframes: 12}, tiling(sizes...))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return m
}

func TestCodecRoundTrip(t *testing.T) {
	m := testManifest(t, 4096, 1024, 65536)
	m.Chunks[0].Flags = FlagMetadataRegion
	m.Chunks[2].Flags = FlagKeyframeAligned
	m.Media.IntraOnly = true

	var buf bytes.Buffer
	codec := &BinaryCodec{}
	if err := codec.Encode(&buf, m); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := codec.Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.VersionID != m.VersionID || got.Path != m.Path || got.Size != m.Size {
		t.Fatalf("header fields differ: %+v", got)
	}
	if got.ContentHash != m.ContentHash || got.HashAlgorithm != m.HashAlgorithm {
		t.Fatalf("hash fields differ: %+v", got)
	}
	if got.Media != m.Media {
		t.Fatalf("media = %+v, want %+v", got.Media, m.Media)
	}
	if len(got.Chunks) != len(m.Chunks) {
		t.Fatalf("chunk count = %d, want %d", len(got.Chunks), len(m.Chunks))
	}
	for i := range got.Chunks {
		if got.Chunks[i] != m.Chunks[i] {
			t.Fatalf("chunk %d = %+v, want %+v", i, got.Chunks[i], m.Chunks[i])
		}
	}
}

func TestCodecDetectsCorruption(t *testing.T) {
	m := testManifest(t, 4096, 1024)
	var buf bytes.Buffer
	codec := &BinaryCodec{}
	if err := codec.Encode(&buf, m); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	data := buf.Bytes()
	for _, pos := range []int{8, len(data) / 2, len(data) - 1} {
		flipped := append([]byte(nil), data...)
		flipped[pos] ^= 0x01
		if _, err := codec.Decode(bytes.NewReader(flipped)); err == nil {
			t.Fatalf("Decode accepted manifest with flipped byte at %d", pos)
		}
	}
}

func TestCodecRejectsBadHeader(t *testing.T) {
	if _, err := (&BinaryCodec{}).Decode(bytes.NewReader([]byte("short"))); err == nil {
		t.Fatal("Decode accepted truncated input")
	}
}

func TestValidateRejectsBadTilings(t *testing.T) {
	cases := []struct {
		name  string
		size  int64
		refs  []ChunkRef
		valid bool
	}{
		{"exact", 3000, []ChunkRef{
			{Address: addrOf(1), Offset: 0, Length: 1000},
			{Address: addrOf(2), Offset: 1000, Length: 2000},
		}, true},
		{"empty file", 0, nil, true},
		{"gap", 3000, []ChunkRef{
			{Address: addrOf(1), Offset: 0, Length: 1000},
			{Address: addrOf(2), Offset: 1500, Length: 1500},
		}, false},
		{"overlap", 3000, []ChunkRef{
			{Address: addrOf(1), Offset: 0, Length: 2000},
			{Address: addrOf(2), Offset: 1000, Length: 2000},
		}, false},
		{"short", 3000, []ChunkRef{
			{Address: addrOf(1), Offset: 0, Length: 1000},
		}, false},
		{"first not at zero", 3000, []ChunkRef{
			{Address: addrOf(1), Offset: 100, Length: 2900},
		}, false},
		{"zero length chunk", 1000, []ChunkRef{
			{Address: addrOf(1), Offset: 0, Length: 1000},
			{Address: addrOf(2), Offset: 1000, Length: 0},
		}, false},
		{"nonempty with no chunks", 100, nil, false},
	}
	for _, tc := range cases {
		m := &Manifest{Size: tc.size, Chunks: tc.refs}
		err := m.Validate()
		if tc.valid && err != nil {
			t.Errorf("%s: Validate = %v, want nil", tc.name, err)
		}
		if !tc.valid && err == nil {
			t.Errorf("%s: Validate accepted invalid tiling", tc.name)
		}
	}
}

func TestResolveOffset(t *testing.T) {
	m := testManifest(t, 1000, 2000, 500)
	cases := []struct {
		off  int64
		want int
	}{
		{0, 0}, {999, 0}, {1000, 1}, {2999, 1}, {3000, 2}, {3499, 2},
	}
	for _, tc := range cases {
		got, err := m.ResolveOffset(tc.off)
		if err != nil {
			t.Fatalf("ResolveOffset(%d): %v", tc.off, err)
		}
		if got != tc.want {
			t.Errorf("ResolveOffset(%d) = %d, want %d", tc.off, got, tc.want)
		}
	}
	for _, off := range []int64{-1, 3500, 1 << 40} {
		if _, err := m.ResolveOffset(off); err == nil {
			t.Errorf("ResolveOffset(%d) accepted out-of-range offset", off)
		}
	}
}

func TestAddressesDeduplicates(t *testing.T) {
	refs := []ChunkRef{
		{Address: addrOf(1), Offset: 0, Length: 100},
		{Address: addrOf(2), Offset: 100, Length: 100},
		{Address: addrOf(1), Offset: 200, Length: 100},
	}
	m := &Manifest{Size: 300, Chunks: refs}
	got := m.Addresses()
	if len(got) != 2 || got[0] != addrOf(1) || got[1] != addrOf(2) {
		t.Fatalf("Addresses = %v", got)
	}
}

type memFetcher map[chunk.Address][]byte

func (f memFetcher) Get(_ context.Context, addr chunk.Address) ([]byte, error) {
	data, ok := f[addr]
	if !ok {
		return nil, fmt.Errorf("missing chunk %s", addr.Short())
	}
	return data, nil
}

func TestReconstruct(t *testing.T) {
	content := []byte(strings.Repeat("abcdefgh", 512))
	hasher := chunk.DefaultHasher()

	parts := [][]byte{content[:1024], content[1024:3000], content[3000:]}
	fetcher := memFetcher{}
	var refs []ChunkRef
	off := int64(0)
	for _, p := range parts {
		addr := hasher.Sum(p)
		fetcher[addr] = p
		refs = append(refs, ChunkRef{Address: addr, Offset: off, Length: uint32(len(p))})
		off += int64(len(p))
	}
	m, err := Build("a", "v1", int64(len(content)), hasher.Sum(content), hasher.Algorithm(), FileMeta{}, MediaInfo{}, refs)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var out bytes.Buffer
	if err := Reconstruct(context.Background(), m, fetcher, &out); err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	if !bytes.Equal(out.Bytes(), content) {
		t.Fatal("reconstructed bytes differ from original")
	}

	// A wrong recorded content hash must fail the final check.
	m.ContentHash = addrOf(0x55)
	if err := Reconstruct(context.Background(), m, fetcher, &bytes.Buffer{}); err == nil {
		t.Fatal("Reconstruct accepted mismatched content hash")
	}
}

func TestReconstructLengthMismatch(t *testing.T) {
	hasher := chunk.DefaultHasher()
	data := []byte("hello world")
	addr := hasher.Sum(data)
	fetcher := memFetcher{addr: data}

	m := &Manifest{
		Size:          20,
		ContentHash:   hasher.Sum(data),
		HashAlgorithm: hasher.Algorithm(),
		Chunks:        []ChunkRef{{Address: addr, Offset: 0, Length: 20}},
	}
	if err := Reconstruct(context.Background(), m, fetcher, &bytes.Buffer{}); err == nil {
		t.Fatal("Reconstruct accepted chunk shorter than its manifest length")
	}
}

func TestSnapshotRoundTripDeterministic(t *testing.T) {
	s := &Snapshot{
		Version:     SnapshotVersion,
		ID:          "snap-0001",
		RepoID:      "0badc0de0badc0de",
		Parent:      "snap-0000",
		CreatedUnix: 1700000000,
		Message:     "nightly",
		Stats:       SnapshotStats{Files: 2, Chunks: 19, TotalBytes: (1 << 20) + 42, StoredBytes: 700_000},
		Records: []Record{
			{Path: "clips/a.mp4", VersionID: "v3", Size: 1 << 20, ContentHash: bytes.Repeat([]byte{1}, 32), ManifestPath: "manifests/v3.mf", CreatedUnix: 1699990000},
			{Path: "clips/b.mov", VersionID: "v1", Size: 42, ContentHash: bytes.Repeat([]byte{2}, 32), ManifestPath: "manifests/v1.mf", CreatedUnix: 1699991111},
		},
	}
	first, err := EncodeSnapshot(s)
	if err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}
	second, err := EncodeSnapshot(s)
	if err != nil {
		t.Fatalf("EncodeSnapshot again: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("deterministic encoding produced different bytes")
	}
	got, err := DecodeSnapshot(first)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if got.ID != s.ID || got.Message != s.Message || len(got.Records) != 2 {
		t.Fatalf("snapshot = %+v", got)
	}
	if got.Version != SnapshotVersion || got.RepoID != s.RepoID || got.Parent != s.Parent {
		t.Fatalf("snapshot identity = %+v", got)
	}
	if got.Stats != s.Stats {
		t.Fatalf("stats = %+v", got.Stats)
	}
	if got.Records[0].Path != "clips/a.mp4" || got.Records[1].VersionID != "v1" {
		t.Fatalf("records = %+v", got.Records)
	}
}
