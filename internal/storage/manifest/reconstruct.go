package manifest

import (
	"context"
	"fmt"
	"io"

	"github.com/kk-code-lab/medialake/internal/storage/chunk"
)

// Fetcher retrieves verified chunk bytes by address.
type Fetcher interface {
	Get(ctx context.Context, addr chunk.Address) ([]byte, error)
}

// Reconstruct streams the file described by a manifest to w, fetching
// chunks in order. The assembled stream is re-hashed with the
// manifest's algorithm and checked against the recorded content hash,
// so a reconstruction that completes without error is bit-for-bit the
// ingested file.
func Reconstruct(ctx context.Context, m *Manifest, f Fetcher, w io.Writer) error {
	if err := m.Validate(); err != nil {
		return err
	}
	hasher, err := chunk.ForAlgorithm(m.HashAlgorithm)
	if err != nil {
		return err
	}
	h := hasher.New()
	for i, ref := range m.Chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := f.Get(ctx, ref.Address)
		if err != nil {
			return fmt.Errorf("manifest: chunk %d (%s): %w", i, ref.Address.Short(), err)
		}
		if len(data) != int(ref.Length) {
			return fmt.Errorf("manifest: chunk %d returned %d bytes, manifest says %d", i, len(data), ref.Length)
		}
		h.Write(data)
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	var got chunk.Address
	copy(got[:], h.Sum(nil))
	if got != m.ContentHash {
		return fmt.Errorf("manifest: reconstructed content hash %s does not match recorded %s",
			got.Short(), m.ContentHash.Short())
	}
	return nil
}
