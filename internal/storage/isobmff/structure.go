package isobmff

import (
	"errors"
	"fmt"
	"io"

	"github.com/kk-code-lab/medialake/internal/storage/chunk"
)

// ErrNotContainer marks input that does not look like an ISOBMFF file.
// Callers treat it (and any other extraction error) as a signal to fall
// back to whole-file chunking, never as a failure.
var ErrNotContainer = errors.New("isobmff: not an ISO base media file")

// Keyframe is one sync sample located in the file.
type Keyframe struct {
	Offset int64 // byte offset of the sample in the file
	Size   int64 // sample size in bytes
	Frame  int   // 1-based sample number within the track
}

// Structure describes which byte ranges of a container file are
// structural metadata versus media payload, plus the keyframe layout of
// the first video track.
type Structure struct {
	// MetadataRegions and PayloadRegions tile the file exactly when
	// Container is true. Metadata regions are stored verbatim as their
	// own chunks; payload regions are the chunking target.
	MetadataRegions []chunk.Span
	PayloadRegions  []chunk.Span
	Keyframes       []Keyframe
	// IntraOnly is set when the video track has no sync-sample table,
	// meaning every sample is independently decodable.
	IntraOnly bool
	Container bool
}

// Passthrough returns the degraded structure for non-container input:
// one payload region covering the whole file, no keyframes.
func Passthrough(size int64) *Structure {
	s := &Structure{}
	if size > 0 {
		s.PayloadRegions = []chunk.Span{{Offset: 0, Len: size}}
	}
	return s
}

// Extract parses container structure from r. On any parse problem it
// returns the passthrough structure together with the error; the
// returned structure is always usable.
func Extract(r io.ReaderAt, size int64) (*Structure, error) {
	if size < 8 {
		return Passthrough(size), ErrNotContainer
	}
	tree, err := Parse(r, size)
	if err != nil {
		return Passthrough(size), err
	}
	if tree.TopLevel == 0 || !topLevelTypes[tree.Boxes[0].Type] {
		return Passthrough(size), ErrNotContainer
	}

	s := &Structure{Container: true}
	for i := 0; i < tree.TopLevel; i++ {
		box := tree.Boxes[i]
		if box.Type == typ("mdat") {
			// The mdat header stays with metadata so reconstruction can
			// re-emit it verbatim; only the sample payload is chunked.
			s.addMetadata(chunk.Span{Offset: box.Offset, Len: box.HeaderLen})
			body, bodyLen := box.Body()
			if bodyLen > 0 {
				s.PayloadRegions = append(s.PayloadRegions, chunk.Span{Offset: body, Len: bodyLen})
			}
			continue
		}
		// Every non-payload top-level box is metadata, known or not:
		// structure must round-trip byte-exact.
		s.addMetadata(chunk.Span{Offset: box.Offset, Len: box.Size})
	}

	kfs, intraOnly, err := extractKeyframes(tree, r)
	if err != nil {
		// Keyframe extraction failing does not invalidate the region
		// map; alignment just has nothing to align to.
		return s, fmt.Errorf("isobmff: keyframe extraction: %w", err)
	}
	s.Keyframes = kfs
	s.IntraOnly = intraOnly
	return s, nil
}

// addMetadata appends a metadata span, merging with the previous span
// when adjacent.
func (s *Structure) addMetadata(span chunk.Span) {
	if n := len(s.MetadataRegions); n > 0 && s.MetadataRegions[n-1].End() == span.Offset {
		s.MetadataRegions[n-1].Len += span.Len
		return
	}
	s.MetadataRegions = append(s.MetadataRegions, span)
}

// KeyframesWithin returns the keyframes whose offsets fall inside the
// given span, in offset order.
func (s *Structure) KeyframesWithin(span chunk.Span) []Keyframe {
	var out []Keyframe
	for _, kf := range s.Keyframes {
		if span.Contains(kf.Offset) {
			out = append(out, kf)
		}
	}
	return out
}
