package audio

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"neuravox/core"
)

// WriteChunk encodes the [range.StartS, range.EndS) span of srcPath to
// outPath as FLAC (compression level 8), via a temp file + atomic rename so
// a crash mid-encode never leaves a partial chunk file on disk.
func WriteChunk(srcPath string, rng core.ChunkRange, sampleRate int, outPath string) (core.ChunkArtifact, error) {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return core.ChunkArtifact{}, core.NewIOError("create chunk output dir", err)
	}
	tmp := outPath + ".tmp"
	args := []string{
		"-y", "-v", "error",
		"-ss", strconv.FormatFloat(rng.StartS, 'f', 3, 64),
		"-i", srcPath,
		"-t", strconv.FormatFloat(rng.DurationS(), 'f', 3, 64),
		"-ac", "1",
		"-ar", strconv.Itoa(sampleRate),
		"-compression_level", "8",
		"-f", "flac",
		tmp,
	}
	if err := runFFmpeg(args); err != nil {
		_ = os.Remove(tmp)
		return core.ChunkArtifact{}, err
	}
	if err := os.Rename(tmp, outPath); err != nil {
		return core.ChunkArtifact{}, core.NewIOError("rename chunk output", err)
	}
	return core.ChunkArtifact{
		ChunkIndex: rng.ChunkIndex,
		Path:       outPath,
		Codec:      "flac",
		SampleRate: sampleRate,
		Channels:   1,
	}, nil
}

// WriteFullFile re-encodes the entire decoded recording at srcPath to a
// single full-file.flac alongside the per-chunk files, mirroring the
// original pipeline's hand-off artifact. Callers skip this when
// segmentation produced exactly one chunk, since that chunk already
// covers the whole recording.
func WriteFullFile(srcPath string, sampleRate int, outDir string) (string, error) {
	outPath := filepath.Join(outDir, "full-file.flac")
	tmp := outPath + ".tmp"
	args := []string{
		"-y", "-v", "error",
		"-i", srcPath,
		"-ac", "1",
		"-ar", strconv.Itoa(sampleRate),
		"-compression_level", "8",
		"-f", "flac",
		tmp,
	}
	if err := runFFmpeg(args); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, outPath); err != nil {
		return "", core.NewIOError("rename full-file output", err)
	}
	return outPath, nil
}

// ChunkFileName returns the conventional on-disk name for a chunk's
// encoded artifact.
func ChunkFileName(chunkIndex int, format string) string {
	return fmt.Sprintf("chunk_%04d.%s", chunkIndex, format)
}
