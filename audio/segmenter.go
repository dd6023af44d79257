package audio

import (
	"io"
	"math"

	"neuravox/core"
)

// frameSeconds is the fixed analysis frame length the RMS energy state
// machine operates on.
const frameSeconds = 0.025

// SegmentParams are the C2 silence-segmentation parameters (spec.md §4.2).
type SegmentParams struct {
	SilenceThreshold   float64
	MinSilenceDuration float64
	MinChunkDuration   float64
}

// silenceState is the per-frame state machine: SPEECH, or IN_SILENCE with a
// run length in frames.
type silenceState struct {
	inSilence       bool
	runFrames       int
	silenceStartIdx int
}

// Segment streams dec to completion and returns the recording's ChunkRanges,
// applying the short-chunk merge pass. Memory use is bounded by the number
// of chunks produced, not the recording's length: dec is never buffered
// whole, unlike the librosa-based original this replaces.
func Segment(dec *Decoder, params SegmentParams) ([]core.ChunkRange, error) {
	return segmentFrames(dec.ReadFrame, dec.Info.SampleRate, params)
}

// segmentFrames drives the RMS/silence-run state machine over whatever
// readFrame supplies, independent of how frames are produced. Segment uses
// a Decoder's ffmpeg pipe; tests drive it with synthetic samples.
func segmentFrames(readFrame func([]float32) (int, error), sampleRate int, params SegmentParams) ([]core.ChunkRange, error) {
	frameSize := int(float64(sampleRate) * frameSeconds)
	if frameSize < 1 {
		frameSize = 1
	}
	frame := make([]float32, frameSize)

	var boundaries []float64
	var st silenceState
	frameIdx := 0
	var totalSamples int64

	for {
		n, err := readFrame(frame)
		totalSamples += int64(n)
		if n > 0 {
			silent := rms(frame[:n]) < params.SilenceThreshold
			if silent {
				if !st.inSilence {
					st.inSilence = true
					st.runFrames = 1
					st.silenceStartIdx = frameIdx
				} else {
					st.runFrames++
				}
			} else {
				if st.inSilence {
					runDuration := float64(st.runFrames) * frameSeconds
					if runDuration >= params.MinSilenceDuration {
						silenceStart := float64(st.silenceStartIdx) * frameSeconds
						boundaries = append(boundaries, silenceStart+runDuration/2)
					}
					st.inSilence = false
					st.runFrames = 0
				}
			}
			frameIdx++
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	totalDurationS := float64(totalSamples) / float64(sampleRate)
	ranges := boundariesToRanges(boundaries, totalDurationS)
	ranges = mergeShortChunks(ranges, params.MinChunkDuration)
	return ranges, nil
}

func rms(samples []float32) float64 {
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func boundariesToRanges(boundaries []float64, totalDurationS float64) []core.ChunkRange {
	starts := append([]float64{0}, boundaries...)
	ends := append(append([]float64{}, boundaries...), totalDurationS)
	ranges := make([]core.ChunkRange, len(starts))
	for i := range starts {
		ranges[i] = core.ChunkRange{ChunkIndex: i, StartS: core.Round6(starts[i]), EndS: core.Round6(ends[i])}
	}
	return ranges
}

// mergeShortChunks merges any chunk shorter than minChunkDuration into its
// predecessor, or the first chunk into its successor, repeating until
// stable or only one chunk remains.
func mergeShortChunks(ranges []core.ChunkRange, minChunkDuration float64) []core.ChunkRange {
	for {
		if len(ranges) <= 1 {
			break
		}
		mergeIdx := -1
		for i, r := range ranges {
			if r.DurationS() < minChunkDuration {
				mergeIdx = i
				break
			}
		}
		if mergeIdx == -1 {
			break
		}
		ranges = mergeAt(ranges, mergeIdx)
	}
	return reindex(ranges)
}

func mergeAt(ranges []core.ChunkRange, i int) []core.ChunkRange {
	if i == 0 {
		merged := core.ChunkRange{StartS: core.Round6(ranges[0].StartS), EndS: core.Round6(ranges[1].EndS)}
		out := append([]core.ChunkRange{merged}, ranges[2:]...)
		return out
	}
	merged := core.ChunkRange{StartS: core.Round6(ranges[i-1].StartS), EndS: core.Round6(ranges[i].EndS)}
	out := append([]core.ChunkRange{}, ranges[:i-1]...)
	out = append(out, merged)
	out = append(out, ranges[i+1:]...)
	return out
}

func reindex(ranges []core.ChunkRange) []core.ChunkRange {
	for i := range ranges {
		ranges[i].ChunkIndex = i
	}
	return ranges
}
