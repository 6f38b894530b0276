package isobmff

import (
	"bytes"
	"fmt"
)

// FastStart returns a copy of an ISOBMFF file with the moov box moved
// ahead of the mdat box, patching the sample chunk-offset tables for
// the shift. Progressive playback needs moov before the media data.
// Input that is already fast-start (or has no moov/mdat pair) is
// returned unchanged.
func FastStart(data []byte) ([]byte, error) {
	tree, err := Parse(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	if tree.TopLevel == 0 || !topLevelTypes[tree.Boxes[0].Type] {
		return nil, ErrNotContainer
	}

	var moov, mdat *Box
	for i := 0; i < tree.TopLevel; i++ {
		box := tree.Boxes[i]
		switch box.Type {
		case typ("moov"):
			b := box
			moov = &b
		case typ("mdat"):
			if mdat == nil {
				b := box
				mdat = &b
			}
		}
	}
	if moov == nil || mdat == nil || moov.Offset < mdat.Offset {
		return data, nil
	}

	// moov moves from behind mdat to just before it; everything in
	// [mdat, moov) shifts forward by the moov size, so the chunk
	// offsets into mdat shift by the same amount.
	moovEnd := moov.Offset + moov.Size
	if moovEnd > int64(len(data)) {
		return nil, fmt.Errorf("isobmff: moov extends past end of file")
	}
	patched := make([]byte, 0, len(data))
	patched = append(patched, data[:mdat.Offset]...)
	patched = append(patched, data[moov.Offset:moovEnd]...)
	patched = append(patched, data[mdat.Offset:moov.Offset]...)
	patched = append(patched, data[moovEnd:]...)

	moovCopy := patched[mdat.Offset : mdat.Offset+moov.Size]
	if err := PatchOffsets(moovCopy, moov.Size); err != nil {
		return nil, err
	}
	return patched, nil
}
