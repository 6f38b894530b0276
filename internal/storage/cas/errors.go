package cas

import (
	"errors"
	"fmt"

	"github.com/kk-code-lab/medialake/internal/storage/chunk"
)

// ErrNotFound is returned when a requested chunk has no stored copy.
var ErrNotFound = errors.New("cas: chunk not found")

// CorruptionError reports a chunk whose stored bytes no longer match
// its address and for which no intact copy could be recovered. The
// damaged file has already been moved to quarantine when this is
// returned.
type CorruptionError struct {
	Address chunk.Address
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("cas: chunk %s failed verification, quarantined", e.Address.Short())
}

// InvariantViolation reports an internal consistency failure, such as
// a refcount underflow or a hash collision between distinct payloads.
type InvariantViolation struct {
	Op      string
	Address chunk.Address
	Detail  string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("cas: %s on %s: %s", e.Op, e.Address.Short(), e.Detail)
}
