package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"neuravox/core"
)

// writeTestWAV writes a mono 16-bit PCM WAV file of durationS seconds at
// sampleRate, a 440Hz tone, so ffmpeg/ffprobe can decode and measure it
// without depending on any other fixture.
func writeTestWAV(t *testing.T, path string, sampleRate int, durationS float64) {
	t.Helper()
	numSamples := int(float64(sampleRate) * durationS)
	data := make([]byte, numSamples*2)
	for i := 0; i < numSamples; i++ {
		v := int16(1000 * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
		binary.LittleEndian.PutUint16(data[2*i:], uint16(v))
	}

	var buf bytes.Buffer
	byteRate := uint32(sampleRate * 2)
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(data)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, byteRate)
	binary.Write(&buf, binary.LittleEndian, uint16(2))  // block align
	binary.Write(&buf, binary.LittleEndian, uint16(16)) // bits per sample
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func requireFFmpeg(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not available")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not available")
	}
}

// TestWriteChunkEncodesRequestedSpanNotFromStart guards against feeding
// ffmpeg's -t a value meant for -to (or vice versa): for a chunk whose
// StartS is well past the beginning of the source, the encoded output must
// cover exactly [StartS, EndS), not [StartS, DurationS) of the original
// timeline.
func TestWriteChunkEncodesRequestedSpanNotFromStart(t *testing.T) {
	requireFFmpeg(t)

	dir := t.TempDir()
	src := filepath.Join(dir, "source.wav")
	writeTestWAV(t, src, 16000, 90)

	rng := core.ChunkRange{ChunkIndex: 1, StartS: 45, EndS: 75}
	outPath := filepath.Join(dir, "chunk_0001.flac")
	artifact, err := WriteChunk(src, rng, 16000, outPath)
	if err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if artifact.Path != outPath {
		t.Fatalf("unexpected artifact path: %s", artifact.Path)
	}
	if _, err := os.Stat(outPath); err != nil {
		t.Fatalf("expected output file to exist: %v", err)
	}

	gotDuration, err := probeDuration(outPath)
	if err != nil {
		t.Fatalf("probe output duration: %v", err)
	}
	if !almostEqual(gotDuration, rng.DurationS(), 0.25) {
		t.Fatalf("expected ~%.3fs of audio for span [%v,%v), got %.3fs", rng.DurationS(), rng.StartS, rng.EndS, gotDuration)
	}
}

// TestWriteChunkFirstChunkStillCoversFullSpan keeps the StartS==0 case
// exercised too, since that is the one case the -to/duration confusion
// happened to compute correctly by coincidence.
func TestWriteChunkFirstChunkStillCoversFullSpan(t *testing.T) {
	requireFFmpeg(t)

	dir := t.TempDir()
	src := filepath.Join(dir, "source.wav")
	writeTestWAV(t, src, 16000, 40)

	rng := core.ChunkRange{ChunkIndex: 0, StartS: 0, EndS: 20}
	outPath := filepath.Join(dir, "chunk_0000.flac")
	if _, err := WriteChunk(src, rng, 16000, outPath); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}

	gotDuration, err := probeDuration(outPath)
	if err != nil {
		t.Fatalf("probe output duration: %v", err)
	}
	if !almostEqual(gotDuration, rng.DurationS(), 0.25) {
		t.Fatalf("expected ~%.3fs of audio for span [%v,%v), got %.3fs", rng.DurationS(), rng.StartS, rng.EndS, gotDuration)
	}
}
