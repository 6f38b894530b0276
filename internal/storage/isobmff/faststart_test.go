package isobmff

import (
	"bytes"
	"testing"
)

func TestFastStartMovesMoovBeforeMdat(t *testing.T) {
	fx := buildFixture(t, fixtureOpts{
		sampleSizes: []uint32{100, 200, 300, 400},
		syncSamples: []uint32{1, 3},
		chunkSplit:  2,
	})

	patched, err := FastStart(fx.data)
	if err != nil {
		t.Fatalf("FastStart: %v", err)
	}
	if len(patched) != len(fx.data) {
		t.Fatalf("patched length %d, want %d", len(patched), len(fx.data))
	}

	tree, err := Parse(bytes.NewReader(patched), int64(len(patched)))
	if err != nil {
		t.Fatalf("Parse patched: %v", err)
	}
	moovAt, mdatAt := int64(-1), int64(-1)
	for i := 0; i < tree.TopLevel; i++ {
		switch tree.Boxes[i].Type {
		case typ("moov"):
			moovAt = tree.Boxes[i].Offset
		case typ("mdat"):
			mdatAt = tree.Boxes[i].Offset
		}
	}
	if moovAt < 0 || mdatAt < 0 || moovAt > mdatAt {
		t.Fatalf("moov at %d, mdat at %d; want moov first", moovAt, mdatAt)
	}

	// The chunk-offset tables must still locate the samples. Extract
	// keyframe offsets from both layouts and check the shift matches
	// the relocated moov.
	orig, err := Extract(bytes.NewReader(fx.data), int64(len(fx.data)))
	if err != nil {
		t.Fatalf("Extract original: %v", err)
	}
	got, err := Extract(bytes.NewReader(patched), int64(len(patched)))
	if err != nil {
		t.Fatalf("Extract patched: %v", err)
	}
	if len(got.Keyframes) != len(orig.Keyframes) {
		t.Fatalf("keyframes = %d, want %d", len(got.Keyframes), len(orig.Keyframes))
	}
	moovSize := int64(len(fx.data)) - fx.moovOffset
	for i := range got.Keyframes {
		want := orig.Keyframes[i].Offset + moovSize
		if got.Keyframes[i].Offset != want {
			t.Fatalf("keyframe %d at %d, want %d", i, got.Keyframes[i].Offset, want)
		}
		if data := patched[got.Keyframes[i].Offset]; data != fx.data[orig.Keyframes[i].Offset] {
			t.Fatalf("keyframe %d bytes moved incorrectly", i)
		}
	}
}

func TestFastStartAlreadyOrdered(t *testing.T) {
	fx := buildFixture(t, fixtureOpts{
		sampleSizes: []uint32{100, 200},
		syncSamples: []uint32{1},
	})
	once, err := FastStart(fx.data)
	if err != nil {
		t.Fatalf("FastStart: %v", err)
	}
	twice, err := FastStart(once)
	if err != nil {
		t.Fatalf("FastStart twice: %v", err)
	}
	if !bytes.Equal(once, twice) {
		t.Fatal("FastStart is not idempotent")
	}
}

func TestFastStartRejectsNonContainer(t *testing.T) {
	if _, err := FastStart([]byte("this is not an iso base media file at all")); err == nil {
		t.Fatal("FastStart accepted non-container input")
	}
}
