package cas

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kk-code-lab/medialake/internal/storage/chunk"
)

// Chunk file layout, all integers little-endian:
//
//	magic   [4]byte  "MLCK"
//	version uint32   1
//	codec   byte     0=none 1=zstd 2=lz4
//	_       [3]byte  reserved, zero
//	address [32]byte content address of the raw payload
//	rawLen  uint32   uncompressed payload length
//	payload []byte   possibly compressed chunk bytes
var chunkMagic = [4]byte{'M', 'L', 'C', 'K'}

const (
	chunkFormatVersion = 1
	chunkHeaderLen     = 4 + 4 + 4 + 32 + 4

	codecNone byte = 0
	codecZstd byte = 1
	codecLZ4  byte = 2
)

var errBadChunkFile = errors.New("cas: malformed chunk file")

func codecByte(name string) (byte, error) {
	switch name {
	case CodecNone:
		return codecNone, nil
	case CodecZstd:
		return codecZstd, nil
	case CodecLZ4:
		return codecLZ4, nil
	}
	return 0, fmt.Errorf("cas: unknown codec %q", name)
}

func codecName(b byte) (string, error) {
	switch b {
	case codecNone:
		return CodecNone, nil
	case codecZstd:
		return CodecZstd, nil
	case codecLZ4:
		return CodecLZ4, nil
	}
	return "", fmt.Errorf("cas: unknown codec byte %d", b)
}

// encodeChunkFile frames a stored payload with the chunk file header.
func encodeChunkFile(addr chunk.Address, codec string, rawLen int, payload []byte) ([]byte, error) {
	cb, err := codecByte(codec)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, chunkHeaderLen+len(payload))
	copy(buf[0:4], chunkMagic[:])
	binary.LittleEndian.PutUint32(buf[4:8], chunkFormatVersion)
	buf[8] = cb
	copy(buf[12:44], addr[:])
	binary.LittleEndian.PutUint32(buf[44:48], uint32(rawLen))
	copy(buf[chunkHeaderLen:], payload)
	return buf, nil
}

// decodeChunkFile splits a chunk file into its header fields and
// payload. It validates framing only; content verification is the
// caller's job.
func decodeChunkFile(buf []byte) (addr chunk.Address, codec string, rawLen int, payload []byte, err error) {
	if len(buf) < chunkHeaderLen {
		return addr, "", 0, nil, errBadChunkFile
	}
	if [4]byte(buf[0:4]) != chunkMagic {
		return addr, "", 0, nil, errBadChunkFile
	}
	if v := binary.LittleEndian.Uint32(buf[4:8]); v != chunkFormatVersion {
		return addr, "", 0, nil, fmt.Errorf("cas: unsupported chunk file version %d", v)
	}
	codec, err = codecName(buf[8])
	if err != nil {
		return addr, "", 0, nil, err
	}
	copy(addr[:], buf[12:44])
	rawLen = int(binary.LittleEndian.Uint32(buf[44:48]))
	return addr, codec, rawLen, buf[chunkHeaderLen:], nil
}
