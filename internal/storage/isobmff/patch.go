package isobmff

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// PatchOffsets rewrites the chunk-offset tables (stco/co64) inside a
// metadata region by delta. Used when a metadata region is relocated
// relative to the media payload (e.g. moved to the file start for
// streaming) so that sample offsets stay correct.
func PatchOffsets(meta []byte, delta int64) error {
	if delta == 0 {
		return nil
	}
	tree, err := Parse(bytes.NewReader(meta), int64(len(meta)))
	if err != nil {
		return err
	}
	for _, box := range tree.Boxes {
		switch box.Type {
		case typ("stco"):
			if err := patchStco(meta, box, delta); err != nil {
				return err
			}
		case typ("co64"):
			if err := patchCo64(meta, box, delta); err != nil {
				return err
			}
		}
	}
	return nil
}

func patchStco(meta []byte, box Box, delta int64) error {
	body, length := box.Body()
	if length < 8 || body+length > int64(len(meta)) {
		return fmt.Errorf("isobmff: stco at %d truncated", box.Offset)
	}
	n := binary.BigEndian.Uint32(meta[body+4 : body+8])
	if int64(8+4*n) > length {
		return fmt.Errorf("isobmff: stco at %d entry count %d truncated", box.Offset, n)
	}
	for j := int64(0); j < int64(n); j++ {
		at := body + 8 + 4*j
		old := int64(binary.BigEndian.Uint32(meta[at:]))
		patched := old + delta
		if patched < 0 || patched > int64(^uint32(0)) {
			return fmt.Errorf("isobmff: stco entry %d out of 32-bit range after shift by %d", j, delta)
		}
		binary.BigEndian.PutUint32(meta[at:], uint32(patched))
	}
	return nil
}

func patchCo64(meta []byte, box Box, delta int64) error {
	body, length := box.Body()
	if length < 8 || body+length > int64(len(meta)) {
		return fmt.Errorf("isobmff: co64 at %d truncated", box.Offset)
	}
	n := binary.BigEndian.Uint32(meta[body+4 : body+8])
	if int64(8+8*n) > length {
		return fmt.Errorf("isobmff: co64 at %d entry count %d truncated", box.Offset, n)
	}
	for j := int64(0); j < int64(n); j++ {
		at := body + 8 + 8*j
		old := int64(binary.BigEndian.Uint64(meta[at:]))
		patched := old + delta
		if patched < 0 {
			return fmt.Errorf("isobmff: co64 entry %d negative after shift by %d", j, delta)
		}
		binary.BigEndian.PutUint64(meta[at:], uint64(patched))
	}
	return nil
}
