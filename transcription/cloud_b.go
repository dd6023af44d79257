package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"neuravox/core"
)

// CloudB is a second HTTPS transcription provider, built directly on
// net/http: no second ecosystem HTTP client is wired anywhere the rest of
// this module's dependency surface comes from, and the teacher's own HTTP
// code (server and client alike) is all plain net/http.
type CloudB struct {
	client   *http.Client
	endpoint string
	apiKey   string
	model    string
}

// NewCloudB builds a CloudB backend posting chunk audio to endpoint with a
// bearer token.
func NewCloudB(endpoint, apiKey, model string, timeout time.Duration) *CloudB {
	return &CloudB{
		client:   &http.Client{Timeout: timeout},
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
	}
}

func (c *CloudB) ID() string { return "cloud-b" }

func (c *CloudB) RequiresCredential() (string, bool) { return "GOOGLE_API_KEY", true }

func (c *CloudB) SupportsTimestamps() bool { return true }

func (c *CloudB) ModelID() string { return c.model }

type cloudBResponse struct {
	Text     string `json:"text"`
	Segments []struct {
		Start float64 `json:"start_s"`
		End   float64 `json:"end_s"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

func (c *CloudB) Transcribe(ctx context.Context, chunkPath string, rng core.ChunkRange, opts TranscribeOptions) (core.ChunkTranscription, error) {
	body, contentType, err := buildMultipartBody(chunkPath, c.model, opts.IncludeTimestamps)
	if err != nil {
		return core.ChunkTranscription{}, core.NewIOError("build cloud-b request body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return core.ChunkTranscription{}, core.NewBackendFatal(core.ReasonBadRequest, "build request", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return core.ChunkTranscription{}, classifyHTTPTransportError(err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return core.ChunkTranscription{}, classifyHTTPStatus(resp.StatusCode, string(respBody))
	}

	var parsed cloudBResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return core.ChunkTranscription{}, core.NewBackendFatal(core.ReasonBadRequest, "unparseable cloud-b response", err)
	}

	result := core.ChunkTranscription{
		ChunkIndex:     rng.ChunkIndex,
		Text:           strings.TrimSpace(parsed.Text),
		BackendID:      c.ID(),
		BackendModelID: c.model,
	}
	for _, seg := range parsed.Segments {
		result.Segments = append(result.Segments, core.Segment{Start: seg.Start, End: seg.End, Text: strings.TrimSpace(seg.Text)})
	}
	return result, nil
}

func buildMultipartBody(chunkPath, model string, includeTimestamps bool) (io.Reader, string, error) {
	f, err := os.Open(chunkPath)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("audio", filepath.Base(chunkPath))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", err
	}
	_ = w.WriteField("model", model)
	_ = w.WriteField("timestamps", fmt.Sprintf("%v", includeTimestamps))
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func classifyHTTPStatus(status int, body string) error {
	switch status {
	case 401, 403:
		return core.NewBackendFatal(core.ReasonInvalidCredential, body, nil)
	case 400:
		return core.NewBackendFatal(core.ReasonBadRequest, body, nil)
	case 413:
		return core.NewBackendFatal(core.ReasonFileTooLarge, body, nil)
	case 429:
		return core.NewBackendTransient(core.ReasonRateLimited, body, nil)
	case 500, 502, 503, 504:
		return core.NewBackendTransient(core.ReasonServiceUnavailable, body, nil)
	default:
		return core.NewBackendFatal(core.ReasonBadRequest, fmt.Sprintf("unexpected status %d: %s", status, body), nil)
	}
}

func classifyHTTPTransportError(err error) error {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return core.NewBackendTransient(core.ReasonTimeout, err.Error(), err)
	}
	return core.NewBackendTransient(core.ReasonNetwork, err.Error(), err)
}
