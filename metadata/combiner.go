package metadata

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"neuravox/core"
)

// Combine produces the single combined transcript document described by
// spec.md §4.7: a preamble naming the recording and backend, then one
// section per chunk in chunk_index order, separated by a rule line.
// Timestamps come from rng, not from backend-reported times.
func Combine(m core.ProcessingMetadata, transcriptions []core.ChunkTranscription, backendID, backendModelID string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n", m.FileID)
	fmt.Fprintf(&b, "- source: %s\n", m.OriginalFile)
	fmt.Fprintf(&b, "- duration: %s\n", formatHMS(m.AudioInfo.DurationS))
	fmt.Fprintf(&b, "- backend: %s / %s\n", backendID, backendModelID)
	b.WriteString("\n")

	total := len(m.Chunks)
	byIndex := make(map[int]core.ChunkTranscription, len(transcriptions))
	for _, t := range transcriptions {
		byIndex[t.ChunkIndex] = t
	}

	for i, chunk := range m.Chunks {
		if i > 0 {
			b.WriteString("---\n\n")
		}
		fmt.Fprintf(&b, "## Chunk %d of %d  [%s – %s]\n",
			chunk.ChunkIndex+1, total, formatSeconds(chunk.StartS), formatSeconds(chunk.EndS))

		t, ok := byIndex[chunk.ChunkIndex]
		switch {
		case !ok || t.Failed:
			reason := "unknown"
			if ok {
				reason = t.FailureReason
			}
			fmt.Fprintf(&b, "[FAILED: %s]\n\n", reason)
		default:
			fmt.Fprintf(&b, "%s\n\n", strings.TrimRight(t.Text, " \t\r\n"))
		}
	}

	return b.String()
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

// formatHMS renders seconds as h:mm:ss, matching the teacher's formatTime
// helper extended with an hours field for recordings over an hour.
func formatHMS(sec float64) string {
	sec = math.Max(sec, 0)
	total := int(sec)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}
