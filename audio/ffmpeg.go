// Package audio implements the decoder adapter, streaming silence
// segmenter, and chunk writer by shelling out to ffmpeg/ffprobe.
package audio

import (
	"bytes"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"neuravox/core"
)

// StreamInfo is the subset of ffprobe output the decoder adapter needs.
type StreamInfo struct {
	DurationS  float64
	SampleRate int
	Channels   int
}

// ProbeStream reads duration, sample rate, and channel count for path.
func ProbeStream(path string) (StreamInfo, error) {
	durS, err := probeDuration(path)
	if err != nil {
		return StreamInfo{}, core.NewDecodeError("probe duration: "+path, err)
	}
	sr, ch, err := probeAudioStream(path)
	if err != nil {
		return StreamInfo{}, core.NewDecodeError("probe stream: "+path, err)
	}
	return StreamInfo{DurationS: durS, SampleRate: sr, Channels: ch}, nil
}

func probeDuration(path string) (float64, error) {
	cmd := exec.Command("ffprobe", "-v", "error", "-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1", path)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(out.String()), 64)
}

func probeAudioStream(path string) (sampleRate, channels int, err error) {
	cmd := exec.Command("ffprobe", "-v", "error", "-select_streams", "a:0",
		"-show_entries", "stream=sample_rate,channels",
		"-of", "default=noprint_wrappers=1", path)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = os.Stderr
	if err = cmd.Run(); err != nil {
		return 0, 0, err
	}
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "sample_rate":
			sampleRate, _ = strconv.Atoi(kv[1])
		case "channels":
			channels, _ = strconv.Atoi(kv[1])
		}
	}
	return sampleRate, channels, nil
}

// runFFmpeg runs ffmpeg with args, writing its stderr to the process's own
// for diagnostics, and returning an *core.Error on non-zero exit.
func runFFmpeg(args []string) error {
	cmd := exec.Command("ffmpeg", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return core.NewEncodeError("ffmpeg "+strings.Join(args, " "), err)
	}
	return nil
}

// openFFmpegPCMStream launches ffmpeg to decode path into a mono f32le PCM
// stream at sampleRate, returning the running command and its stdout pipe.
// The caller must read the pipe to EOF and then Wait the command. normalize
// applies ffmpeg's loudnorm filter; processing.normalize=false skips it.
func openFFmpegPCMStream(path string, sampleRate int, normalize bool) (*exec.Cmd, io.ReadCloser, error) {
	args := []string{"-v", "error", "-i", path, "-ac", "1", "-ar", strconv.Itoa(sampleRate)}
	if normalize {
		args = append(args, "-af", "loudnorm")
	}
	args = append(args, "-f", "f32le", "-acodec", "pcm_f32le", "-")
	cmd := exec.Command("ffmpeg", args...)
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, core.NewDecodeError("open ffmpeg stdout pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, core.NewDecodeError("start ffmpeg decode: "+path, err)
	}
	return cmd, stdout, nil
}
