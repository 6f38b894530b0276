package isobmff

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const maxSampleCount = 1 << 22

// extractKeyframes walks moov to the first video track's sample table
// and resolves sync samples to file byte offsets. A missing stss box
// means every sample is a sync sample (intra-only codec).
func extractKeyframes(tree *Tree, r io.ReaderAt) ([]Keyframe, bool, error) {
	moov := -1
	for i := 0; i < tree.TopLevel; i++ {
		if tree.Boxes[i].Type == typ("moov") {
			moov = i
			break
		}
	}
	if moov < 0 {
		return nil, false, nil
	}
	stbl := findVideoSampleTable(tree, r, moov)
	if stbl < 0 {
		return nil, false, nil
	}

	table, err := readSampleTable(tree, r, stbl)
	if err != nil {
		return nil, false, err
	}
	offsets, err := table.sampleOffsets()
	if err != nil {
		return nil, false, err
	}

	intraOnly := table.sync == nil
	var kfs []Keyframe
	if intraOnly {
		kfs = make([]Keyframe, 0, len(offsets))
		for i, off := range offsets {
			kfs = append(kfs, Keyframe{Offset: off, Size: table.sampleSize(i), Frame: i + 1})
		}
		return kfs, true, nil
	}
	for _, frame := range table.sync {
		if frame < 1 || int(frame) > len(offsets) {
			return nil, false, fmt.Errorf("isobmff: stss sample %d out of range (track has %d samples)", frame, len(offsets))
		}
		i := int(frame) - 1
		kfs = append(kfs, Keyframe{Offset: offsets[i], Size: table.sampleSize(i), Frame: int(frame)})
	}
	return kfs, false, nil
}

// findVideoSampleTable locates moov/trak/mdia/minf/stbl for the first
// track whose hdlr type is "vide".
func findVideoSampleTable(tree *Tree, r io.ReaderAt, moov int) int {
	box := tree.Boxes[moov]
	for c := box.FirstChild; c < box.FirstChild+box.ChildCount; c++ {
		if tree.Boxes[c].Type != typ("trak") {
			continue
		}
		mdia := tree.FindChild(c, typ("mdia"))
		if mdia < 0 {
			continue
		}
		hdlr := tree.FindChild(mdia, typ("hdlr"))
		if hdlr < 0 || !isVideoHandler(tree.Boxes[hdlr], r) {
			continue
		}
		minf := tree.FindChild(mdia, typ("minf"))
		if minf < 0 {
			continue
		}
		if stbl := tree.FindChild(minf, typ("stbl")); stbl >= 0 {
			return stbl
		}
	}
	return -1
}

// hdlr payload: version/flags (4), pre_defined (4), handler_type (4).
func isVideoHandler(box Box, r io.ReaderAt) bool {
	off, length := box.Body()
	if length < 12 {
		return false
	}
	var buf [12]byte
	if _, err := r.ReadAt(buf[:], off); err != nil {
		return false
	}
	return string(buf[8:12]) == "vide"
}

// sampleTable is the decoded subset of stbl needed for keyframes.
type sampleTable struct {
	count        int
	uniformSize  int64
	sizes        []uint32 // per-sample, nil when uniformSize is set
	sync         []uint32 // 1-based sync sample numbers, nil = all sync
	toChunk      []stscEntry
	chunkOffsets []int64
}

type stscEntry struct {
	firstChunk      uint32
	samplesPerChunk uint32
}

func readSampleTable(tree *Tree, r io.ReaderAt, stbl int) (*sampleTable, error) {
	table := &sampleTable{}

	stsz := tree.FindChild(stbl, typ("stsz"))
	if stsz < 0 {
		return nil, errors.New("isobmff: stbl missing stsz")
	}
	if err := table.parseStsz(tree, r, stsz); err != nil {
		return nil, err
	}

	stsc := tree.FindChild(stbl, typ("stsc"))
	if stsc < 0 {
		return nil, errors.New("isobmff: stbl missing stsc")
	}
	if err := table.parseStsc(tree, r, stsc); err != nil {
		return nil, err
	}

	if stco := tree.FindChild(stbl, typ("stco")); stco >= 0 {
		if err := table.parseChunkOffsets(tree, r, stco, 4); err != nil {
			return nil, err
		}
	} else if co64 := tree.FindChild(stbl, typ("co64")); co64 >= 0 {
		if err := table.parseChunkOffsets(tree, r, co64, 8); err != nil {
			return nil, err
		}
	} else {
		return nil, errors.New("isobmff: stbl missing stco/co64")
	}

	if stss := tree.FindChild(stbl, typ("stss")); stss >= 0 {
		if err := table.parseStss(tree, r, stss); err != nil {
			return nil, err
		}
	}
	return table, nil
}

// stsz payload: version/flags (4), sample_size (4), sample_count (4),
// then sample_count u32 entries when sample_size is zero.
func (t *sampleTable) parseStsz(tree *Tree, r io.ReaderAt, i int) error {
	body, err := readBody(r, tree.Boxes[i])
	if err != nil {
		return err
	}
	if len(body) < 12 {
		return errors.New("isobmff: stsz truncated")
	}
	uniform := binary.BigEndian.Uint32(body[4:8])
	count := binary.BigEndian.Uint32(body[8:12])
	if count > maxSampleCount {
		return fmt.Errorf("isobmff: stsz sample count %d exceeds limit", count)
	}
	t.count = int(count)
	if uniform != 0 {
		t.uniformSize = int64(uniform)
		return nil
	}
	if len(body) < 12+4*t.count {
		return errors.New("isobmff: stsz entries truncated")
	}
	t.sizes = make([]uint32, t.count)
	for j := 0; j < t.count; j++ {
		t.sizes[j] = binary.BigEndian.Uint32(body[12+4*j:])
	}
	return nil
}

// stsc payload: version/flags (4), entry_count (4), then entries of
// {first_chunk, samples_per_chunk, sample_description_index}.
func (t *sampleTable) parseStsc(tree *Tree, r io.ReaderAt, i int) error {
	body, err := readBody(r, tree.Boxes[i])
	if err != nil {
		return err
	}
	if len(body) < 8 {
		return errors.New("isobmff: stsc truncated")
	}
	n := binary.BigEndian.Uint32(body[4:8])
	if n > maxSampleCount {
		return fmt.Errorf("isobmff: stsc entry count %d exceeds limit", n)
	}
	if len(body) < 8+12*int(n) {
		return errors.New("isobmff: stsc entries truncated")
	}
	t.toChunk = make([]stscEntry, n)
	for j := 0; j < int(n); j++ {
		base := 8 + 12*j
		t.toChunk[j] = stscEntry{
			firstChunk:      binary.BigEndian.Uint32(body[base:]),
			samplesPerChunk: binary.BigEndian.Uint32(body[base+4:]),
		}
	}
	return nil
}

// stco/co64 payload: version/flags (4), entry_count (4), then offsets.
func (t *sampleTable) parseChunkOffsets(tree *Tree, r io.ReaderAt, i, width int) error {
	body, err := readBody(r, tree.Boxes[i])
	if err != nil {
		return err
	}
	if len(body) < 8 {
		return errors.New("isobmff: chunk offset box truncated")
	}
	n := binary.BigEndian.Uint32(body[4:8])
	if n > maxSampleCount {
		return fmt.Errorf("isobmff: chunk offset count %d exceeds limit", n)
	}
	if len(body) < 8+width*int(n) {
		return errors.New("isobmff: chunk offsets truncated")
	}
	t.chunkOffsets = make([]int64, n)
	for j := 0; j < int(n); j++ {
		if width == 4 {
			t.chunkOffsets[j] = int64(binary.BigEndian.Uint32(body[8+4*j:]))
		} else {
			t.chunkOffsets[j] = int64(binary.BigEndian.Uint64(body[8+8*j:]))
		}
	}
	return nil
}

// stss payload: version/flags (4), entry_count (4), then 1-based sample
// numbers of sync samples.
func (t *sampleTable) parseStss(tree *Tree, r io.ReaderAt, i int) error {
	body, err := readBody(r, tree.Boxes[i])
	if err != nil {
		return err
	}
	if len(body) < 8 {
		return errors.New("isobmff: stss truncated")
	}
	n := binary.BigEndian.Uint32(body[4:8])
	if n > maxSampleCount {
		return fmt.Errorf("isobmff: stss entry count %d exceeds limit", n)
	}
	if len(body) < 8+4*int(n) {
		return errors.New("isobmff: stss entries truncated")
	}
	t.sync = make([]uint32, n)
	for j := 0; j < int(n); j++ {
		t.sync[j] = binary.BigEndian.Uint32(body[8+4*j:])
	}
	return nil
}

func (t *sampleTable) sampleSize(i int) int64 {
	if t.sizes == nil {
		return t.uniformSize
	}
	return int64(t.sizes[i])
}

// sampleOffsets resolves every sample to its file byte offset: the
// container chunk's base offset plus the sizes of the preceding samples
// within the same chunk.
func (t *sampleTable) sampleOffsets() ([]int64, error) {
	if len(t.toChunk) == 0 || len(t.chunkOffsets) == 0 {
		return nil, errors.New("isobmff: empty sample-to-chunk mapping")
	}
	offsets := make([]int64, 0, t.count)
	sample := 0
	for ci := 0; ci < len(t.chunkOffsets) && sample < t.count; ci++ {
		perChunk := t.samplesInChunk(uint32(ci + 1))
		pos := t.chunkOffsets[ci]
		for j := uint32(0); j < perChunk && sample < t.count; j++ {
			offsets = append(offsets, pos)
			pos += t.sampleSize(sample)
			sample++
		}
	}
	if sample != t.count {
		return nil, fmt.Errorf("isobmff: sample-to-chunk mapping covers %d of %d samples", sample, t.count)
	}
	return offsets, nil
}

// samplesInChunk finds the stsc run covering the 1-based chunk number.
func (t *sampleTable) samplesInChunk(chunkNum uint32) uint32 {
	per := t.toChunk[0].samplesPerChunk
	for _, e := range t.toChunk {
		if e.firstChunk > chunkNum {
			break
		}
		per = e.samplesPerChunk
	}
	return per
}
