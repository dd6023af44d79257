package transcription

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"neuravox/core"
)

// localInferenceScript is a persistent request/response loop: each input
// line is an audio chunk path, each output line is its JSON segment list.
// Keeping the process alive across chunks is what lets the model load
// exactly once per backend instance, mirroring the teacher's
// LocalWhisperASR exec-a-script pattern but as a long-lived worker instead
// of one process per chunk.
const localInferenceScript = `#!/usr/bin/env python3
import sys, json, os

def main():
    device = "cpu"
    try:
        import torch
        if torch.cuda.is_available():
            device = "cuda"
    except Exception:
        pass
    model_size = os.getenv("NEURAVOX_LOCAL_MODEL", "base")
    try:
        import whisper
        model = whisper.load_model(model_size, device=device)
    except Exception as e:
        print(json.dumps({"error": "model_load_failed: %s" % e}), flush=True)
        sys.exit(1)

    for line in sys.stdin:
        path = line.strip()
        if not path:
            continue
        try:
            result = model.transcribe(path, task="transcribe", fp16=(device == "cuda"))
            segments = [
                {"start": s["start"], "end": s["end"], "text": s["text"].strip()}
                for s in result.get("segments", [])
            ]
            if not segments and result.get("text"):
                segments = [{"start": 0, "end": 0, "text": result["text"].strip()}]
            print(json.dumps({"segments": segments}), flush=True)
        except Exception as e:
            print(json.dumps({"error": str(e)}), flush=True)

if __name__ == "__main__":
    main()
`

// LocalNeural shells out once to a persistent local inference process and
// reuses it for every chunk, serializing access since the scheduler may
// call Transcribe from multiple goroutines concurrently.
type LocalNeural struct {
	mu         sync.Mutex
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	scanner    *bufio.Scanner
	scriptPath string
	modelSize  string
}

// NewLocalNeural writes the inference script to a temp file and starts it,
// loading the model once.
func NewLocalNeural(modelSize string) (*LocalNeural, error) {
	scriptPath := filepath.Join(os.TempDir(), "neuravox_local_infer.py")
	if err := os.WriteFile(scriptPath, []byte(localInferenceScript), 0o755); err != nil {
		return nil, core.NewBackendFatal(core.ReasonRuntimeMissing, "write local inference script", err)
	}

	cmd := exec.Command("python3", scriptPath)
	cmd.Env = append(os.Environ(), "NEURAVOX_LOCAL_MODEL="+modelSize)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, core.NewBackendFatal(core.ReasonRuntimeMissing, "open inference stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, core.NewBackendFatal(core.ReasonRuntimeMissing, "open inference stdout", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, core.NewBackendFatal(core.ReasonRuntimeMissing, "start local inference process", err)
	}

	return &LocalNeural{
		cmd:        cmd,
		stdin:      stdin,
		scanner:    bufio.NewScanner(stdout),
		scriptPath: scriptPath,
		modelSize:  modelSize,
	}, nil
}

func (l *LocalNeural) ID() string { return "local-neural" }

func (l *LocalNeural) RequiresCredential() (string, bool) { return "", false }

func (l *LocalNeural) SupportsTimestamps() bool { return true }

func (l *LocalNeural) ModelID() string { return l.modelSize }

type localInferenceResult struct {
	Error    string `json:"error"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

func (l *LocalNeural) Transcribe(ctx context.Context, chunkPath string, rng core.ChunkRange, opts TranscribeOptions) (core.ChunkTranscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := fmt.Fprintln(l.stdin, chunkPath); err != nil {
		return core.ChunkTranscription{}, core.NewBackendFatal(core.ReasonRuntimeMissing, "write to local inference process", err)
	}
	if !l.scanner.Scan() {
		return core.ChunkTranscription{}, core.NewBackendFatal(core.ReasonRuntimeMissing, "local inference process closed unexpectedly", l.scanner.Err())
	}

	var parsed localInferenceResult
	if err := json.Unmarshal(l.scanner.Bytes(), &parsed); err != nil {
		return core.ChunkTranscription{}, core.NewBackendFatal(core.ReasonBadRequest, "unparseable local inference output", err)
	}
	if parsed.Error != "" {
		if strings.Contains(parsed.Error, "model_load_failed") {
			return core.ChunkTranscription{}, core.NewBackendFatal(core.ReasonModelLoadFailed, parsed.Error, nil)
		}
		if strings.Contains(strings.ToLower(parsed.Error), "out of memory") || strings.Contains(strings.ToLower(parsed.Error), "cuda oom") {
			return core.ChunkTranscription{}, core.NewBackendFatal(core.ReasonInferenceOOM, parsed.Error, nil)
		}
		return core.ChunkTranscription{}, core.NewBackendFatal(core.ReasonBadRequest, parsed.Error, nil)
	}

	result := core.ChunkTranscription{ChunkIndex: rng.ChunkIndex, BackendID: l.ID(), BackendModelID: l.modelSize}
	var texts []string
	for _, seg := range parsed.Segments {
		result.Segments = append(result.Segments, core.Segment{Start: seg.Start, End: seg.End, Text: seg.Text})
		texts = append(texts, seg.Text)
	}
	result.Text = strings.TrimSpace(strings.Join(texts, " "))
	return result, nil
}

// Close terminates the backing inference process and removes the script.
func (l *LocalNeural) Close() error {
	_ = l.stdin.Close()
	err := l.cmd.Wait()
	_ = os.Remove(l.scriptPath)
	return err
}
