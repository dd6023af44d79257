// Package transcription implements the C5 backend capability interface and
// its three concrete providers, plus the C6 bounded chunk scheduler.
package transcription

import (
	"context"

	"neuravox/core"
)

// TranscribeOptions carries the per-call knobs the scheduler forwards to a
// backend: whether to request timestamps. The per-attempt timeout is set
// when a backend is constructed, not here.
type TranscribeOptions struct {
	IncludeTimestamps bool
}

// Backend is the capability interface every transcription provider
// implements. A small set of concrete variants, tagged by ID, replaces the
// base-class hierarchy the original expresses this as.
type Backend interface {
	ID() string
	RequiresCredential() (name string, required bool)
	SupportsTimestamps() bool
	Transcribe(ctx context.Context, chunkPath string, rng core.ChunkRange, opts TranscribeOptions) (core.ChunkTranscription, error)
}

// ModelID exposes the concrete model identifier used for a request, for
// backends that record it in ChunkTranscription.BackendModelID.
type ModelID interface {
	ModelID() string
}
