// Package isobmff parses the box structure of ISO base media files
// (MP4/MOV) far enough to separate metadata from media payload and to
// locate keyframe byte offsets. It never decodes media samples.
package isobmff

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Parse limits against adversarial inputs.
const (
	maxBoxes    = 1 << 16
	maxDepth    = 32
	maxTableLen = 1 << 26 // largest sample-table box read into memory
)

var errBoxLimit = errors.New("isobmff: box count limit exceeded")

// BoxType is the 4-byte ASCII box type tag.
type BoxType [4]byte

func (t BoxType) String() string { return string(t[:]) }

func typ(s string) BoxType {
	var t BoxType
	copy(t[:], s)
	return t
}

// Box is one node in the parsed box arena. Children are referenced by
// index range into Tree.Boxes rather than owned pointers, which keeps
// parsing allocation-light and depth-safe.
type Box struct {
	Type       BoxType
	Offset     int64 // file offset of the box header
	Size       int64 // total size including header
	HeaderLen  int64 // 8, or 16 with a largesize field
	Parent     int   // arena index of the parent, -1 for top level
	FirstChild int   // arena index of the first child, 0 if none
	ChildCount int
}

// Body returns the span of the box payload (after the header).
func (b Box) Body() (offset, length int64) {
	return b.Offset + b.HeaderLen, b.Size - b.HeaderLen
}

// Tree is the arena of parsed boxes in breadth-first order. Top-level
// boxes occupy the first TopLevel entries.
type Tree struct {
	Boxes    []Box
	TopLevel int
}

// containerTypes are the box types whose payload is a box sequence.
var containerTypes = map[BoxType]bool{
	typ("moov"): true,
	typ("trak"): true,
	typ("edts"): true,
	typ("mdia"): true,
	typ("minf"): true,
	typ("dinf"): true,
	typ("stbl"): true,
	typ("mvex"): true,
	typ("moof"): true,
	typ("traf"): true,
	typ("udta"): true,
}

// topLevelTypes gate recognition of a file as ISOBMFF: the first box
// must be one of these.
var topLevelTypes = map[BoxType]bool{
	typ("ftyp"): true,
	typ("styp"): true,
	typ("moov"): true,
	typ("moof"): true,
	typ("mdat"): true,
	typ("free"): true,
	typ("skip"): true,
	typ("wide"): true,
	typ("sidx"): true,
	typ("meta"): true,
	typ("uuid"): true,
}

// Parse reads the box hierarchy of r, recursing into known container
// types and skipping unknown leaves by size. Boxes are laid out in the
// arena breadth-first so each parent's children are contiguous.
func Parse(r io.ReaderAt, size int64) (*Tree, error) {
	tree := &Tree{}
	n, err := parseRange(tree, r, 0, size, -1, 0)
	if err != nil {
		return nil, err
	}
	tree.TopLevel = n
	// Breadth-first worklist over container boxes. Children appended by
	// a later iteration stay contiguous because only one parent is
	// expanded at a time.
	for i := 0; i < len(tree.Boxes); i++ {
		box := tree.Boxes[i]
		if !containerTypes[box.Type] {
			continue
		}
		depth := boxDepth(tree, i)
		if depth >= maxDepth {
			return nil, fmt.Errorf("isobmff: box nesting exceeds depth %d", maxDepth)
		}
		body, bodyLen := box.Body()
		first := len(tree.Boxes)
		count, err := parseRange(tree, r, body, body+bodyLen, i, depth+1)
		if err != nil {
			return nil, err
		}
		tree.Boxes[i].FirstChild = first
		tree.Boxes[i].ChildCount = count
	}
	return tree, nil
}

// parseRange parses a flat box sequence covering [start, end) exactly.
func parseRange(tree *Tree, r io.ReaderAt, start, end int64, parent, depth int) (int, error) {
	count := 0
	off := start
	for off < end {
		if end-off < 8 {
			return 0, fmt.Errorf("isobmff: %d trailing bytes at offset %d", end-off, off)
		}
		var hdr [8]byte
		if _, err := r.ReadAt(hdr[:], off); err != nil {
			return 0, fmt.Errorf("isobmff: read header at %d: %w", off, err)
		}
		size := int64(binary.BigEndian.Uint32(hdr[0:4]))
		var boxType BoxType
		copy(boxType[:], hdr[4:8])
		headerLen := int64(8)
		switch size {
		case 0:
			// Box extends to the end of the enclosing space.
			size = end - off
		case 1:
			var ext [8]byte
			if _, err := r.ReadAt(ext[:], off+8); err != nil {
				return 0, fmt.Errorf("isobmff: read largesize at %d: %w", off, err)
			}
			large := binary.BigEndian.Uint64(ext[:])
			if large > uint64(end-off) {
				return 0, fmt.Errorf("isobmff: box %s largesize %d exceeds space at %d", boxType, large, off)
			}
			size = int64(large)
			headerLen = 16
		}
		if size < headerLen || off+size > end {
			return 0, fmt.Errorf("isobmff: box %s size %d invalid at offset %d", boxType, size, off)
		}
		if len(tree.Boxes) >= maxBoxes {
			return 0, errBoxLimit
		}
		tree.Boxes = append(tree.Boxes, Box{
			Type:      boxType,
			Offset:    off,
			Size:      size,
			HeaderLen: headerLen,
			Parent:    parent,
		})
		count++
		off += size
	}
	return count, nil
}

func boxDepth(tree *Tree, i int) int {
	depth := 0
	for p := tree.Boxes[i].Parent; p >= 0; p = tree.Boxes[p].Parent {
		depth++
	}
	return depth
}

// Children returns the child boxes of the box at arena index i.
func (t *Tree) Children(i int) []Box {
	box := t.Boxes[i]
	if box.ChildCount == 0 {
		return nil
	}
	return t.Boxes[box.FirstChild : box.FirstChild+box.ChildCount]
}

// FindChild returns the arena index of the first child of i with the
// given type, or -1.
func (t *Tree) FindChild(i int, bt BoxType) int {
	box := t.Boxes[i]
	for c := box.FirstChild; c < box.FirstChild+box.ChildCount; c++ {
		if t.Boxes[c].Type == bt {
			return c
		}
	}
	return -1
}

// readBody reads a box payload into memory, bounded by maxTableLen.
func readBody(r io.ReaderAt, box Box) ([]byte, error) {
	off, length := box.Body()
	if length < 0 || length > maxTableLen {
		return nil, fmt.Errorf("isobmff: box %s body length %d out of bounds", box.Type, length)
	}
	buf := make([]byte, length)
	if _, err := r.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("isobmff: read %s body: %w", box.Type, err)
	}
	return buf, nil
}
