package engine

import (
	"context"
	"io"

	"github.com/kk-code-lab/medialake/internal/storage/cas"
	"github.com/kk-code-lab/medialake/internal/storage/manifest"
)

// chunkReader streams a byte range of a manifest, fetching verified
// chunks from the store on demand. Sequential reads of adjacent
// offsets reuse the buffered chunk.
type chunkReader struct {
	ctx   context.Context
	store *cas.Store
	man   *manifest.Manifest

	pos       int64
	remaining int64
	buf       []byte
	bufOff    int
}

func newChunkReader(ctx context.Context, store *cas.Store, man *manifest.Manifest, start, length int64) *chunkReader {
	if ctx == nil {
		ctx = context.Background()
	}
	return &chunkReader{
		ctx:       ctx,
		store:     store,
		man:       man,
		pos:       start,
		remaining: length,
	}
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	n := 0
	for n < len(p) && r.remaining > 0 {
		if r.bufOff >= len(r.buf) {
			if err := r.loadChunk(); err != nil {
				return n, err
			}
		}
		want := len(p) - n
		if int64(want) > r.remaining {
			want = int(r.remaining)
		}
		avail := r.buf[r.bufOff:]
		if len(avail) > want {
			avail = avail[:want]
		}
		copied := copy(p[n:], avail)
		n += copied
		r.bufOff += copied
		r.pos += int64(copied)
		r.remaining -= int64(copied)
	}
	return n, nil
}

func (r *chunkReader) Close() error {
	r.buf = nil
	r.remaining = 0
	return nil
}

// loadChunk fetches the chunk containing the current position and
// positions the buffer cursor at it.
func (r *chunkReader) loadChunk() error {
	idx, err := r.man.ResolveOffset(r.pos)
	if err != nil {
		return err
	}
	ref := r.man.Chunks[idx]
	data, err := r.store.Get(r.ctx, ref.Address)
	if err != nil {
		return err
	}
	if int64(len(data)) != int64(ref.Length) {
		return io.ErrUnexpectedEOF
	}
	r.buf = data
	r.bufOff = int(r.pos - ref.Offset)
	return nil
}
