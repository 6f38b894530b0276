package chunk

import (
	"bytes"
	"testing"
)

func TestHasherAlgorithms(t *testing.T) {
	data := []byte("the same input for every algorithm")
	names := []string{AlgBLAKE3, AlgSHA256, AlgSHA3256}
	seen := make(map[Address]string)
	for _, name := range names {
		hasher, err := ForAlgorithm(name)
		if err != nil {
			t.Fatalf("ForAlgorithm(%s): %v", name, err)
		}
		if hasher.Algorithm() != name {
			t.Fatalf("Algorithm() = %q, want %q", hasher.Algorithm(), name)
		}
		sum := hasher.Sum(data)
		if prev, ok := seen[sum]; ok {
			t.Fatalf("%s and %s produced the same address", name, prev)
		}
		seen[sum] = name

		// Streaming digest must agree with one-shot Sum.
		h := hasher.New()
		h.Write(data[:10])
		h.Write(data[10:])
		var streamed Address
		copy(streamed[:], h.Sum(nil))
		if streamed != sum {
			t.Fatalf("%s: streaming digest differs from Sum", name)
		}
	}
}

func TestHasherDeterminism(t *testing.T) {
	hasher := DefaultHasher()
	data := bytes.Repeat([]byte{0xab}, 1<<16)
	if hasher.Sum(data) != hasher.Sum(data) {
		t.Fatalf("Sum is not deterministic")
	}
}

func TestForAlgorithmUnknown(t *testing.T) {
	if _, err := ForAlgorithm("md5"); err == nil {
		t.Fatalf("expected error for unsupported algorithm")
	}
}

func TestAddressRoundTrip(t *testing.T) {
	addr := DefaultHasher().Sum([]byte("hello"))
	parsed, err := ParseAddress(addr.String())
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	if parsed != addr {
		t.Fatalf("round trip mismatch")
	}
	if _, err := ParseAddress("xyz"); err == nil {
		t.Fatalf("expected error for bad address")
	}
	if addr.IsZero() {
		t.Fatalf("hash of data must not be zero address")
	}
}
