package manifest

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/zeebo/blake3"

	"github.com/kk-code-lab/medialake/internal/storage/chunk"
)

const (
	magic       = 0x464d4c4d // "MLMF"
	versionV1   = 1
	headerLen   = 4 + 4
	checksumLen = 32

	// maxChunkCount bounds decode allocation for hostile input.
	maxChunkCount = 1 << 24
)

// Codec serializes and deserializes manifests.
type Codec interface {
	Encode(w io.Writer, m *Manifest) error
	Decode(r io.Reader) (*Manifest, error)
}

// BinaryCodec implements a compact binary manifest format with a
// trailing checksum over everything past the header.
type BinaryCodec struct{}

// Encode writes a manifest with a header and checksum.
func (c *BinaryCodec) Encode(w io.Writer, m *Manifest) error {
	if m == nil {
		return errors.New("manifest: nil manifest")
	}
	buf := make([]byte, 0, 128+len(m.Chunks)*48)
	buf = appendU32(buf, magic)
	buf = appendU32(buf, versionV1)
	buf = appendString(buf, m.VersionID)
	buf = appendString(buf, m.Path)
	buf = appendU64(buf, uint64(m.Size))
	buf = append(buf, m.ContentHash[:]...)
	buf = appendString(buf, m.HashAlgorithm)
	buf = appendU64(buf, uint64(m.CreatedUnix))
	buf = appendU32(buf, m.File.Mode)
	buf = appendU64(buf, uint64(m.File.ModTimeUnix))
	var mediaFlags byte
	if m.Media.Container {
		mediaFlags |= 1
	}
	if m.Media.IntraOnly {
		mediaFlags |= 2
	}
	buf = append(buf, mediaFlags)
	buf = appendU32(buf, m.Media.Keyframes)
	buf = appendU32(buf, uint32(len(m.Chunks)))
	for _, ref := range m.Chunks {
		buf = append(buf, ref.Address[:]...)
		buf = appendU64(buf, uint64(ref.Offset))
		buf = appendU32(buf, ref.Length)
		buf = appendU32(buf, uint32(ref.Flags))
	}
	checksum := blake3.Sum256(buf[headerLen:])
	if _, err := w.Write(buf); err != nil {
		return err
	}
	_, err := w.Write(checksum[:])
	return err
}

// Decode reads a manifest, validates header and checksum, and returns
// the manifest.
func (c *BinaryCodec) Decode(r io.Reader) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(data) < headerLen+checksumLen {
		return nil, errors.New("manifest: truncated")
	}
	body := data[:len(data)-checksumLen]
	checksum := data[len(data)-checksumLen:]
	sum := blake3.Sum256(body[headerLen:])
	if !equalBytes(sum[:], checksum) {
		return nil, errors.New("manifest: checksum mismatch")
	}
	if binary.LittleEndian.Uint32(body[0:4]) != magic {
		return nil, errors.New("manifest: bad magic")
	}
	if binary.LittleEndian.Uint32(body[4:8]) != versionV1 {
		return nil, errors.New("manifest: unsupported version")
	}
	offset := headerLen
	m := &Manifest{}
	var n int
	if m.VersionID, n, err = readString(body[offset:]); err != nil {
		return nil, err
	}
	offset += n
	if m.Path, n, err = readString(body[offset:]); err != nil {
		return nil, err
	}
	offset += n
	if offset+8+32 > len(body) {
		return nil, errors.New("manifest: truncated body")
	}
	m.Size = int64(binary.LittleEndian.Uint64(body[offset:]))
	offset += 8
	copy(m.ContentHash[:], body[offset:offset+32])
	offset += 32
	if m.HashAlgorithm, n, err = readString(body[offset:]); err != nil {
		return nil, err
	}
	offset += n
	if offset+8+4+8+1+4+4 > len(body) {
		return nil, errors.New("manifest: truncated body")
	}
	m.CreatedUnix = int64(binary.LittleEndian.Uint64(body[offset:]))
	offset += 8
	m.File.Mode = binary.LittleEndian.Uint32(body[offset:])
	offset += 4
	m.File.ModTimeUnix = int64(binary.LittleEndian.Uint64(body[offset:]))
	offset += 8
	mediaFlags := body[offset]
	offset++
	m.Media.Container = mediaFlags&1 != 0
	m.Media.IntraOnly = mediaFlags&2 != 0
	m.Media.Keyframes = binary.LittleEndian.Uint32(body[offset:])
	offset += 4
	chunkCount := int(binary.LittleEndian.Uint32(body[offset:]))
	offset += 4
	if chunkCount > maxChunkCount {
		return nil, errors.New("manifest: chunk count out of range")
	}
	m.Chunks = make([]ChunkRef, 0, chunkCount)
	for i := 0; i < chunkCount; i++ {
		if offset+32+8+4+4 > len(body) {
			return nil, errors.New("manifest: truncated chunk")
		}
		var ref ChunkRef
		copy(ref.Address[:], body[offset:offset+32])
		offset += 32
		ref.Offset = int64(binary.LittleEndian.Uint64(body[offset:]))
		offset += 8
		ref.Length = binary.LittleEndian.Uint32(body[offset:])
		offset += 4
		ref.Flags = Flags(binary.LittleEndian.Uint32(body[offset:]))
		offset += 4
		m.Chunks = append(m.Chunks, ref)
	}
	if offset != len(body) {
		return nil, errors.New("manifest: trailing bytes")
	}
	return m, nil
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendString(buf []byte, v string) []byte {
	if len(v) > int(^uint32(0)) {
		panic("manifest: string too large")
	}
	buf = appendU32(buf, uint32(len(v)))
	return append(buf, v...)
}

func readString(data []byte) (string, int, error) {
	if len(data) < 4 {
		return "", 0, errors.New("manifest: truncated string length")
	}
	n := int(binary.LittleEndian.Uint32(data[:4]))
	if n < 0 || len(data) < 4+n {
		return "", 0, errors.New("manifest: truncated string")
	}
	return string(data[4 : 4+n]), 4 + n, nil
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Addresses returns the distinct chunk addresses referenced by a
// manifest, in first-appearance order.
func (m *Manifest) Addresses() []chunk.Address {
	seen := make(map[chunk.Address]struct{}, len(m.Chunks))
	out := make([]chunk.Address, 0, len(m.Chunks))
	for _, ref := range m.Chunks {
		if _, ok := seen[ref.Address]; ok {
			continue
		}
		seen[ref.Address] = struct{}{}
		out = append(out, ref.Address)
	}
	return out
}
