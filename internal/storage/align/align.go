// Package align post-processes content-defined chunk boundaries so they
// land on video keyframes where that is cheap, making chunk boundaries
// coincide with natural random-access points.
package align

import (
	"math"
	"sort"

	"github.com/kk-code-lab/medialake/internal/storage/chunk"
	"github.com/kk-code-lab/medialake/internal/storage/isobmff"
)

// DefaultAcceptScore is the default acceptance threshold for the
// weighted preference score. It is a tunable heuristic, not a
// correctness contract; callers may override it via Params.
const DefaultAcceptScore = 0.3

// Params bounds how far boundaries may move.
type Params struct {
	// MaxShift is the largest distance a boundary may move toward a
	// keyframe.
	MaxShift int64
	// AbsoluteMin is the hard lower bound on a chunk size after
	// shifting; smaller than the chunker's MinSize so near-keyframe
	// boundaries are not rejected outright.
	AbsoluteMin int64
	// MinSize/AvgSize/MaxSize mirror the chunking profile.
	MinSize int64
	AvgSize int64
	MaxSize int64
	// KeyframeWeight scales the preference score; lowered automatically
	// under variable keyframe spacing.
	KeyframeWeight float64
	// AcceptScore is the score threshold; zero means DefaultAcceptScore.
	AcceptScore float64
}

// DefaultParams derives alignment bounds from a chunking profile.
func DefaultParams(cp chunk.Params) Params {
	cp = cp.WithDefaults()
	return Params{
		MaxShift:       int64(cp.AvgSize) / 2,
		AbsoluteMin:    int64(cp.MinSize) / 2,
		MinSize:        int64(cp.MinSize),
		AvgSize:        int64(cp.AvgSize),
		MaxSize:        int64(cp.MaxSize),
		KeyframeWeight: 1.0,
		AcceptScore:    DefaultAcceptScore,
	}
}

func (p Params) acceptScore() float64 {
	if p.AcceptScore == 0 {
		return DefaultAcceptScore
	}
	return p.AcceptScore
}

// Boundary is one post-alignment chunk boundary.
type Boundary struct {
	Offset   int64
	Keyframe bool
}

// Align adjusts the interior boundaries of a stream of length total so
// they prefer keyframe offsets. Boundaries and keyframe offsets are in
// the same coordinate space. The result is sorted, strictly inside
// (0, total), and respects AbsoluteMin/MaxSize around every shift.
func Align(cuts []int64, total int64, kfs []isobmff.Keyframe, intraOnly bool, p Params) []Boundary {
	if total <= 0 {
		return nil
	}
	offsets := keyframeOffsets(kfs, total)

	var out []Boundary
	if intraOnly && len(offsets) > 0 {
		out = alignIntraOnly(offsets, total, p)
	} else {
		weight := p.KeyframeWeight
		if len(offsets) > 2 {
			weight *= spacingScale(offsets)
		}
		out = alignCuts(cuts, total, offsets, weight, p)
	}
	out = splitOversized(out, total, p)
	out = mergeSmall(out, total, p)
	return out
}

func keyframeOffsets(kfs []isobmff.Keyframe, total int64) []int64 {
	offsets := make([]int64, 0, len(kfs))
	for _, kf := range kfs {
		if kf.Offset > 0 && kf.Offset < total {
			offsets = append(offsets, kf.Offset)
		}
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	// Deduplicate; callers may hand in per-track lists that overlap.
	dedup := offsets[:0]
	for i, off := range offsets {
		if i == 0 || off != offsets[i-1] {
			dedup = append(dedup, off)
		}
	}
	return dedup
}

// alignCuts applies the acceptance rule to each chunker boundary.
func alignCuts(cuts []int64, total int64, offsets []int64, weight float64, p Params) []Boundary {
	out := make([]Boundary, 0, len(cuts))
	prev := int64(0)
	for i, c := range cuts {
		if c <= prev || c >= total {
			continue
		}
		next := total
		if i+1 < len(cuts) {
			next = cuts[i+1]
		}
		b := Boundary{Offset: c}
		if k, ok := nearestOffset(offsets, c); ok {
			d := k - c
			if d < 0 {
				d = -d
			}
			switch {
			case d == 0:
				b.Keyframe = true
			case p.MaxShift > 0 && d <= p.MaxShift && k > prev && k < next:
				score := (1 - float64(d)/float64(p.MaxShift)) * weight
				if score > p.acceptScore() && sizeOK(k-prev, p) && sizeOK(next-k, p) {
					b = Boundary{Offset: k, Keyframe: true}
				}
			}
		}
		if b.Offset > prev {
			out = append(out, b)
			prev = b.Offset
		}
	}
	return out
}

// alignIntraOnly ignores the chunker boundaries entirely: every frame
// is a keyframe, so chunks are built by grouping consecutive frames to
// the average-size target.
func alignIntraOnly(offsets []int64, total int64, p Params) []Boundary {
	var out []Boundary
	prev := int64(0)
	for _, off := range offsets {
		if off-prev >= p.AvgSize {
			out = append(out, Boundary{Offset: off, Keyframe: true})
			prev = off
		}
	}
	return out
}

func sizeOK(size int64, p Params) bool {
	return size >= p.AbsoluteMin && size <= p.MaxSize
}

// nearestOffset finds the keyframe offset closest to c.
func nearestOffset(offsets []int64, c int64) (int64, bool) {
	if len(offsets) == 0 {
		return 0, false
	}
	i := sort.Search(len(offsets), func(i int) bool { return offsets[i] >= c })
	if i == 0 {
		return offsets[0], true
	}
	if i == len(offsets) {
		return offsets[len(offsets)-1], true
	}
	if offsets[i]-c < c-offsets[i-1] {
		return offsets[i], true
	}
	return offsets[i-1], true
}

// spacingScale lowers the keyframe weight proportionally to keyframe
// spacing variability, so variable-frame-rate content with erratic GOPs
// aligns less aggressively. Uses the coefficient of variation, which is
// scale-free across frame rates.
func spacingScale(offsets []int64) float64 {
	n := len(offsets) - 1
	var mean float64
	for i := 1; i < len(offsets); i++ {
		mean += float64(offsets[i] - offsets[i-1])
	}
	mean /= float64(n)
	if mean <= 0 {
		return 1
	}
	var variance float64
	for i := 1; i < len(offsets); i++ {
		d := float64(offsets[i]-offsets[i-1]) - mean
		variance += d * d
	}
	variance /= float64(n)
	cv := math.Sqrt(variance) / mean
	scale := 1 / (1 + cv)
	if scale < 0.25 {
		scale = 0.25
	}
	return scale
}

// splitOversized inserts evenly spaced boundaries into any chunk larger
// than MaxSize. Long-GOP content can leave keyframe gaps wider than the
// maximum chunk size; the inserted boundaries are not keyframe-aligned.
func splitOversized(bs []Boundary, total int64, p Params) []Boundary {
	if p.MaxSize <= 0 {
		return bs
	}
	var out []Boundary
	prev := int64(0)
	emit := func(end int64, keyframe bool) {
		gap := end - prev
		if gap > p.MaxSize {
			pieces := (gap + p.MaxSize - 1) / p.MaxSize
			for j := int64(1); j < pieces; j++ {
				out = append(out, Boundary{Offset: prev + gap*j/pieces})
			}
		}
		if end < total {
			out = append(out, Boundary{Offset: end, Keyframe: keyframe})
		}
		prev = end
	}
	for _, b := range bs {
		emit(b.Offset, b.Keyframe)
	}
	emit(total, false)
	return out
}

// mergeSmall removes boundaries that leave a chunk below MinSize,
// preferring the merge that yields the smaller combined chunk, and
// never merging past MaxSize.
func mergeSmall(bs []Boundary, total int64, p Params) []Boundary {
	for {
		edges := make([]int64, 0, len(bs)+2)
		edges = append(edges, 0)
		for _, b := range bs {
			edges = append(edges, b.Offset)
		}
		edges = append(edges, total)

		remove := -1 // index into bs of the boundary to drop
		for i := 1; i < len(edges); i++ {
			size := edges[i] - edges[i-1]
			if size >= p.MinSize || size == total {
				continue
			}
			withPrev, withNext := int64(math.MaxInt64), int64(math.MaxInt64)
			if i-1 >= 1 {
				withPrev = edges[i] - edges[i-2]
			}
			if i < len(edges)-1 {
				withNext = edges[i+1] - edges[i-1]
			}
			if withPrev <= withNext && withPrev <= p.MaxSize {
				remove = i - 2
				break
			}
			if withNext <= p.MaxSize {
				remove = i - 1
				break
			}
		}
		if remove < 0 {
			return bs
		}
		bs = append(bs[:remove:remove], bs[remove+1:]...)
	}
}
