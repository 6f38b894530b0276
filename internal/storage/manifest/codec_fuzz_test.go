package manifest

import (
	"bytes"
	"math/rand"
	"reflect"
	"testing"

	"github.com/kk-code-lab/medialake/internal/storage/chunk"
)

func FuzzBinaryCodecDecode(f *testing.F) {
	f.Add([]byte("seed"))
	f.Fuzz(func(t *testing.T, data []byte) {
		codec := &BinaryCodec{}
		_, _ = codec.Decode(bytes.NewReader(data))

		m := randomManifest(data)
		var buf bytes.Buffer
		if err := codec.Encode(&buf, m); err != nil {
			return
		}
		got, err := codec.Decode(bytes.NewReader(buf.Bytes()))
		if err != nil {
			t.Fatalf("decode after encode failed: %v", err)
		}
		if !reflect.DeepEqual(m, got) {
			t.Fatalf("round-trip mismatch")
		}
	})
}

func randomManifest(seed []byte) *Manifest {
	r := rand.New(rand.NewSource(seedToInt64(seed)))
	chunkCount := r.Intn(6)
	chunks := make([]ChunkRef, 0, chunkCount)
	var total uint64
	for i := 0; i < chunkCount; i++ {
		var addr chunk.Address
		_, _ = r.Read(addr[:])
		length := uint32(r.Intn(1<<16) + 1)
		chunks = append(chunks, ChunkRef{
			Address: addr,
			Offset:  int64(total),
			Length:  length,
			Flags:   Flags(r.Intn(16)),
		})
		total += uint64(length)
	}
	var contentHash chunk.Address
	_, _ = r.Read(contentHash[:])
	return &Manifest{
		VersionID:     randString(r, 16),
		Path:          randString(r, 24),
		Size:          int64(total),
		ContentHash:   contentHash,
		HashAlgorithm: chunk.AlgBLAKE3,
		CreatedUnix:   r.Int63(),
		File: FileMeta{
			Mode:        uint32(r.Intn(1 << 12)),
			ModTimeUnix: r.Int63(),
		},
		Media: MediaInfo{
			Container: r.Intn(2) == 1,
			IntraOnly: r.Intn(2) == 1,
			Keyframes: uint32(r.Intn(1 << 16)),
		},
		Chunks: chunks,
	}
}

func seedToInt64(seed []byte) int64 {
	if len(seed) == 0 {
		return 0
	}
	var v int64
	for i := 0; i < len(seed) && i < 8; i++ {
		v |= int64(seed[i]) << (8 * i)
	}
	return v
}

func randString(r *rand.Rand, max int) string {
	if max <= 0 {
		return ""
	}
	n := r.Intn(max + 1)
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789-_"
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = alphabet[r.Intn(len(alphabet))]
	}
	return string(buf)
}
