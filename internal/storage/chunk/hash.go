package chunk

import (
	"crypto/sha256"
	"fmt"
	"hash"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// Hasher computes content addresses. The algorithm is fixed at
// repository creation; mixing algorithms within one address space would
// break deduplication and reference counting, so callers hold exactly
// one Hasher per repository.
type Hasher interface {
	// Sum computes the address of a single chunk.
	Sum(data []byte) Address
	// New returns a streaming hash for whole-file digests.
	New() hash.Hash
	// Algorithm returns the stable configuration name.
	Algorithm() string
}

// Supported algorithm names.
const (
	AlgBLAKE3  = "blake3"
	AlgSHA256  = "sha256"
	AlgSHA3256 = "sha3-256"
)

// DefaultHasher returns the default BLAKE3 hasher.
func DefaultHasher() Hasher { return blake3Hasher{} }

// ForAlgorithm returns the hasher for a configured algorithm name.
func ForAlgorithm(name string) (Hasher, error) {
	switch name {
	case AlgBLAKE3:
		return blake3Hasher{}, nil
	case AlgSHA256:
		return sha256Hasher{}, nil
	case AlgSHA3256:
		return sha3Hasher{}, nil
	default:
		return nil, fmt.Errorf("chunk: unknown hash algorithm %q", name)
	}
}

type blake3Hasher struct{}

func (blake3Hasher) Sum(data []byte) Address { return blake3.Sum256(data) }
func (blake3Hasher) New() hash.Hash          { return blake3.New() }
func (blake3Hasher) Algorithm() string       { return AlgBLAKE3 }

type sha256Hasher struct{}

func (sha256Hasher) Sum(data []byte) Address { return sha256.Sum256(data) }
func (sha256Hasher) New() hash.Hash          { return sha256.New() }
func (sha256Hasher) Algorithm() string       { return AlgSHA256 }

type sha3Hasher struct{}

func (sha3Hasher) Sum(data []byte) Address { return sha3.Sum256(data) }
func (sha3Hasher) New() hash.Hash          { return sha3.New256() }
func (sha3Hasher) Algorithm() string       { return AlgSHA3256 }
