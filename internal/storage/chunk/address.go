package chunk

import (
	"encoding/hex"
	"fmt"
)

// Address is a 256-bit content address. It is opaque everywhere outside
// the hasher: callers compare, shard, and print addresses without
// knowing which algorithm produced them.
type Address [32]byte

// String returns the full lowercase hex form.
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// Short returns the first 8 hex characters, for logs.
func (a Address) Short() string {
	return hex.EncodeToString(a[:4])
}

// IsZero reports whether the address is all zero bytes.
func (a Address) IsZero() bool {
	return a == Address{}
}

// ParseAddress decodes a 64-character hex string.
func ParseAddress(s string) (Address, error) {
	var a Address
	if len(s) != 64 {
		return a, fmt.Errorf("chunk: address must be 64 hex chars, got %d", len(s))
	}
	if _, err := hex.Decode(a[:], []byte(s)); err != nil {
		return a, fmt.Errorf("chunk: invalid address %q: %w", s, err)
	}
	return a, nil
}
