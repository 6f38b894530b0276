package cas

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression codec names as stored in chunk metadata.
const (
	CodecNone = "none"
	CodecZstd = "zstd"
	CodecLZ4  = "lz4"
)

// Stateless EncodeAll/DecodeAll on shared instances is safe for
// concurrent use; klauspost/compress pools its workers internally.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(err)
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic(err)
	}
}

// compress applies the configured codec to raw chunk bytes. When the
// compressed form is not smaller than the input, the raw bytes are
// stored as-is and the effective codec is CodecNone. Media payload
// chunks are usually already entropy-coded, so this fallback is the
// common case for them.
func compress(codec string, raw []byte) (payload []byte, effective string, err error) {
	switch codec {
	case CodecNone:
		return raw, CodecNone, nil
	case CodecZstd:
		payload = zstdEncoder.EncodeAll(raw, nil)
	case CodecLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, cerr := lz4.CompressBlock(raw, buf, nil)
		if cerr != nil {
			return nil, "", cerr
		}
		if n == 0 {
			// Incompressible input.
			return raw, CodecNone, nil
		}
		payload = buf[:n]
	default:
		return nil, "", fmt.Errorf("cas: unknown codec %q", codec)
	}
	if len(payload) >= len(raw) {
		return raw, CodecNone, nil
	}
	return payload, codec, nil
}

// decompress reverses compress for the given codec. rawLen comes from
// the chunk file header and bounds the output.
func decompress(codec string, payload []byte, rawLen int) ([]byte, error) {
	switch codec {
	case CodecNone:
		return payload, nil
	case CodecZstd:
		out, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, rawLen))
		if err != nil {
			return nil, err
		}
		if len(out) != rawLen {
			return nil, fmt.Errorf("cas: zstd payload decoded to %d bytes, header says %d", len(out), rawLen)
		}
		return out, nil
	case CodecLZ4:
		out := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, err
		}
		if n != rawLen {
			return nil, fmt.Errorf("cas: lz4 payload decoded to %d bytes, header says %d", n, rawLen)
		}
		return out, nil
	}
	return nil, fmt.Errorf("cas: unknown codec %q", codec)
}
