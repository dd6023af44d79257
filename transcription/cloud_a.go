package transcription

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"neuravox/core"
)

// CloudA wraps github.com/sashabaranov/go-openai's Whisper-compatible
// transcription endpoint, mirroring the teacher's WhisperASR.
type CloudA struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewCloudA builds a CloudA backend from an API key. model defaults to
// "whisper-1" when empty.
func NewCloudA(apiKey, model string, timeout time.Duration) *CloudA {
	if model == "" {
		model = "whisper-1"
	}
	return &CloudA{client: openai.NewClient(apiKey), model: model, timeout: timeout}
}

func (c *CloudA) ID() string { return "cloud-a" }

func (c *CloudA) RequiresCredential() (string, bool) { return "OPENAI_API_KEY", true }

func (c *CloudA) SupportsTimestamps() bool { return true }

func (c *CloudA) ModelID() string { return c.model }

func (c *CloudA) Transcribe(ctx context.Context, chunkPath string, rng core.ChunkRange, opts TranscribeOptions) (core.ChunkTranscription, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := openai.AudioRequest{
		Model:    c.model,
		FilePath: chunkPath,
	}
	if opts.IncludeTimestamps {
		req.Format = openai.AudioResponseFormatVerboseJSON
	}

	resp, err := c.client.CreateTranscription(ctx, req)
	if err != nil {
		return core.ChunkTranscription{}, classifyCloudError(err)
	}

	result := core.ChunkTranscription{
		ChunkIndex:     rng.ChunkIndex,
		Text:           strings.TrimSpace(resp.Text),
		BackendID:      c.ID(),
		BackendModelID: c.model,
	}
	for _, seg := range resp.Segments {
		result.Segments = append(result.Segments, core.Segment{
			Start: float64(seg.Start),
			End:   float64(seg.End),
			Text:  strings.TrimSpace(seg.Text),
		})
	}
	return result, nil
}

// classifyCloudError maps a go-openai error into the BackendTransient /
// BackendFatal taxonomy spec.md §4.5 defines for the cloud backends.
func classifyCloudError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 401, 403:
			return core.NewBackendFatal(core.ReasonInvalidCredential, apiErr.Message, err)
		case 400, 413:
			reason := core.ReasonBadRequest
			if apiErr.HTTPStatusCode == 413 {
				reason = core.ReasonFileTooLarge
			}
			return core.NewBackendFatal(reason, apiErr.Message, err)
		case 429:
			return core.NewBackendTransient(core.ReasonRateLimited, apiErr.Message, err)
		case 500, 502, 503, 504:
			return core.NewBackendTransient(core.ReasonServiceUnavailable, apiErr.Message, err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return core.NewBackendTransient(core.ReasonTimeout, err.Error(), err)
		}
		return core.NewBackendTransient(core.ReasonNetwork, err.Error(), err)
	}
	return core.NewBackendTransient(core.ReasonNetwork, err.Error(), err)
}
