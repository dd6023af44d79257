package audio

import (
	"io"
	"math"
	"testing"

	"neuravox/core"
)

// synthSource returns a readFrame func producing samples drawn from a
// sequence of (amplitude, duration_s) segments, then io.EOF.
func synthSource(sampleRate int, segments [][2]float64) func([]float32) (int, error) {
	var all []float32
	for _, seg := range segments {
		amp, durS := seg[0], seg[1]
		n := int(durS * float64(sampleRate))
		for i := 0; i < n; i++ {
			all = append(all, float32(amp))
		}
	}
	pos := 0
	return func(out []float32) (int, error) {
		n := copy(out, all[pos:])
		pos += n
		if pos >= len(all) {
			return n, io.EOF
		}
		return n, nil
	}
}

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestSegmentContinuousSpeechYieldsOneChunk(t *testing.T) {
	src := synthSource(16000, [][2]float64{{0.2, 60}})
	ranges, err := segmentFrames(src, 16000, SegmentParams{SilenceThreshold: 0.01, MinSilenceDuration: 25, MinChunkDuration: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(ranges) != 1 {
		t.Fatalf("expected 1 chunk, got %d: %+v", len(ranges), ranges)
	}
	if !almostEqual(ranges[0].StartS, 0, 0.05) || !almostEqual(ranges[0].EndS, 60, 0.05) {
		t.Fatalf("expected [0,60), got [%v,%v)", ranges[0].StartS, ranges[0].EndS)
	}
}

func TestSegmentOneCleanSplitAtSilenceMidpoint(t *testing.T) {
	src := synthSource(16000, [][2]float64{{0.3, 30}, {0.0005, 30}, {0.3, 30}})
	ranges, err := segmentFrames(src, 16000, SegmentParams{SilenceThreshold: 0.01, MinSilenceDuration: 25, MinChunkDuration: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(ranges) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %+v", len(ranges), ranges)
	}
	if !almostEqual(ranges[0].EndS, 45, 0.05) {
		t.Fatalf("expected boundary at 45, got %v", ranges[0].EndS)
	}
	for _, r := range ranges {
		if r.DurationS() < 5 {
			t.Fatalf("chunk shorter than min_chunk_duration: %+v", r)
		}
	}
}

func TestSegmentTooShortSilenceIsNotASplit(t *testing.T) {
	src := synthSource(16000, [][2]float64{{0.3, 20}, {0.0005, 10}, {0.3, 20}})
	ranges, err := segmentFrames(src, 16000, SegmentParams{SilenceThreshold: 0.01, MinSilenceDuration: 25, MinChunkDuration: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(ranges) != 1 {
		t.Fatalf("expected 1 chunk, got %d: %+v", len(ranges), ranges)
	}
	if !almostEqual(ranges[0].StartS, 0, 0.05) || !almostEqual(ranges[0].EndS, 50, 0.05) {
		t.Fatalf("expected [0,50), got [%v,%v)", ranges[0].StartS, ranges[0].EndS)
	}
}

func TestSegmentTrailingShortFragmentMergesIntoPredecessor(t *testing.T) {
	// Two silence regions (each just over the minimum) bracket a short
	// 3 s trailing speech fragment; the resulting final chunk is under
	// min_chunk_duration and must fold into its predecessor.
	src := synthSource(16000, [][2]float64{
		{0.3, 10}, {0.0005, 1.2}, {0.3, 10}, {0.0005, 1.2}, {0.3, 3},
	})
	ranges, err := segmentFrames(src, 16000, SegmentParams{SilenceThreshold: 0.01, MinSilenceDuration: 1, MinChunkDuration: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(ranges) != 2 {
		t.Fatalf("expected 2 chunks after tail merge, got %d: %+v", len(ranges), ranges)
	}
	for i, r := range ranges {
		if r.ChunkIndex != i {
			t.Fatalf("chunk indices not reindexed: %+v", ranges)
		}
	}
	last := ranges[len(ranges)-1]
	if last.DurationS() < 5 {
		t.Fatalf("trailing chunk still shorter than min_chunk_duration: %+v", last)
	}
}

func TestMergeShortChunksFirstChunkMergesIntoSuccessor(t *testing.T) {
	ranges := []core.ChunkRange{
		{ChunkIndex: 0, StartS: 0, EndS: 2},
		{ChunkIndex: 1, StartS: 2, EndS: 40},
	}
	out := mergeShortChunks(ranges, 5)
	if len(out) != 1 {
		t.Fatalf("expected merge into 1 chunk, got %+v", out)
	}
	if out[0].StartS != 0 || out[0].EndS != 40 {
		t.Fatalf("unexpected merged range: %+v", out[0])
	}
}

func TestMergeShortChunksLastChunkMergesIntoPredecessor(t *testing.T) {
	ranges := []core.ChunkRange{
		{ChunkIndex: 0, StartS: 0, EndS: 11},
		{ChunkIndex: 1, StartS: 11, EndS: 23},
		{ChunkIndex: 2, StartS: 23, EndS: 27},
	}
	out := mergeShortChunks(ranges, 5)
	if len(out) != 2 {
		t.Fatalf("expected 2 chunks after merge, got %+v", out)
	}
	if out[1].StartS != 11 || out[1].EndS != 27 {
		t.Fatalf("unexpected merged trailing range: %+v", out[1])
	}
}

func TestMergeShortChunksSingleChunkIsUntouched(t *testing.T) {
	ranges := []core.ChunkRange{{ChunkIndex: 0, StartS: 0, EndS: 3}}
	out := mergeShortChunks(ranges, 5)
	if len(out) != 1 || out[0].StartS != 0 || out[0].EndS != 3 {
		t.Fatalf("expected untouched single chunk, got %+v", out)
	}
}
