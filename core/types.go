// Package core holds the data model shared by every stage of the pipeline:
// the value types from the processing and transcription phases, the state
// machine's row shapes, and the small error taxonomy components switch on.
package core

import (
	"math"
	"time"
)

// Round6 rounds v to 6 decimal places, the precision spec.md §4.2 requires
// for timestamps and durations persisted to metadata.
func Round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// Stage is one step of the per-recording state machine.
type Stage string

const (
	StageIngest      Stage = "ingest"
	StageSegment     Stage = "segment"
	StageEncode      Stage = "encode"
	StageTranscribe  Stage = "transcribe"
	StageCombine     Stage = "combine"
)

// StageOrder is the fixed sequence stages advance through for a recording.
var StageOrder = []Stage{StageIngest, StageSegment, StageEncode, StageTranscribe, StageCombine}

// StageStatus is the status of a single StageRecord.
type StageStatus string

const (
	StatusPending   StageStatus = "pending"
	StatusRunning   StageStatus = "running"
	StatusCompleted StageStatus = "completed"
	StatusFailed    StageStatus = "failed"
)

// OverallStatus is the status of a FileRecord, derived from its stages.
type OverallStatus string

const (
	OverallPending    OverallStatus = "pending"
	OverallProcessing OverallStatus = "processing"
	OverallCompleted  OverallStatus = "completed"
	OverallFailed     OverallStatus = "failed"
)

// ResultStatus is the terminal classification of a PipelineResult.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultPartial   ResultStatus = "partial"
	ResultFailed    ResultStatus = "failed"
)

// SourceRecording identifies an input audio file by a stable file_id
// derived from its path plus a cheap content hash (core/id.go).
type SourceRecording struct {
	FileID       string  `json:"file_id"`
	OriginalPath string  `json:"original_path"`
	Format       string  `json:"format"`
	ByteSize     int64   `json:"byte_size"`
	DurationS    float64 `json:"duration_s"`
	SampleRate   int     `json:"sample_rate"`
	Channels     int     `json:"channels"`
}

// ChunkRange is a half-open time interval [StartS, EndS) over a recording.
type ChunkRange struct {
	ChunkIndex int     `json:"chunk_index"`
	StartS     float64 `json:"start_s"`
	EndS       float64 `json:"end_s"`
}

// DurationS returns EndS-StartS.
func (c ChunkRange) DurationS() float64 { return c.EndS - c.StartS }

// ChunkArtifact is the encoded audio for one ChunkRange.
type ChunkArtifact struct {
	ChunkIndex int    `json:"chunk_index"`
	Path       string `json:"file_path"`
	Codec      string `json:"codec"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// ChunkEntry pairs a ChunkRange with its ChunkArtifact, the unit stored in
// ProcessingMetadata.Chunks.
type ChunkEntry struct {
	ChunkIndex  int     `json:"chunk_index"`
	TotalChunks int     `json:"total_chunks"`
	StartS      float64 `json:"start_s"`
	EndS        float64 `json:"end_s"`
	DurationS   float64 `json:"duration_s"`
	FilePath    string  `json:"file_path"`
	SourceFile  string  `json:"source_file"`
}

// ProcessingParams is the set of segmentation/encode parameters actually
// used to process a recording (as opposed to the config defaults, which
// may have been overridden).
type ProcessingParams struct {
	SilenceThreshold    float64 `json:"silence_threshold"`
	MinSilenceDuration  float64 `json:"min_silence_duration"`
	MinChunkDuration    float64 `json:"min_chunk_duration"`
	SampleRate          int     `json:"sample_rate"`
	OutputFormat        string  `json:"output_format"`
}

// AudioInfo is the decoded-audio summary recorded in ProcessingMetadata.
type AudioInfo struct {
	DurationS  float64 `json:"duration_s"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
}

// ProcessingMetadata is the per-recording record produced by segmentation +
// encoding, persisted as processing_metadata.json.
type ProcessingMetadata struct {
	FileID           string            `json:"file_id"`
	OriginalFile     string            `json:"original_file"`
	ProcessedAt      time.Time         `json:"processed_at"`
	ProcessingTimeS  float64           `json:"processing_time_s"`
	AudioInfo        AudioInfo         `json:"audio_info"`
	ProcessingParams ProcessingParams  `json:"processing_params"`
	Chunks           []ChunkEntry      `json:"chunks"`
}

// Word is a single word-level timestamp, when a backend supplies one.
type Word struct {
	Start float64 `json:"start_s"`
	End   float64 `json:"end_s"`
	Text  string  `json:"text"`
}

// Segment is a backend-reported segment-level timestamp.
type Segment struct {
	Start float64 `json:"start_s"`
	End   float64 `json:"end_s"`
	Text  string  `json:"text"`
}

// ChunkTranscription is the per-chunk transcription result produced by C5
// and aggregated by C7.
type ChunkTranscription struct {
	ChunkIndex     int       `json:"chunk_index"`
	Text           string    `json:"text"`
	Segments       []Segment `json:"segments,omitempty"`
	Words          []Word    `json:"words,omitempty"`
	BackendID      string    `json:"backend_id"`
	BackendModelID string    `json:"backend_model_id"`
	ElapsedS       float64   `json:"elapsed_s"`
	Failed         bool      `json:"failed,omitempty"`
	FailureReason  string    `json:"failure_reason,omitempty"`
}

// ChunkStatusEntry is one row of transcription_metadata.json's chunks list.
type ChunkStatusEntry struct {
	ChunkIndex int     `json:"chunk_index"`
	Status     string  `json:"status"` // "ok" | "failed"
	ElapsedS   float64 `json:"elapsed_s"`
	Error      string  `json:"error,omitempty"`
}

// TranscriptionMetadata is the per-recording summary of the transcription
// pass, persisted as transcription_metadata.json.
type TranscriptionMetadata struct {
	FileID         string             `json:"file_id"`
	BackendID      string             `json:"backend_id"`
	BackendModelID string             `json:"backend_model_id"`
	StartedAt      time.Time          `json:"started_at"`
	CompletedAt    time.Time          `json:"completed_at"`
	Chunks         []ChunkStatusEntry `json:"chunks"`
	TotalWords     int                `json:"total_words"`
	Failures       int                `json:"failures"`
}

// StageRecord is one row of the state store's stages table.
type StageRecord struct {
	FileID      string      `json:"file_id"`
	Stage       Stage       `json:"stage"`
	Status      StageStatus `json:"status"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt time.Time   `json:"completed_at"`
	Error       string      `json:"error,omitempty"`
	DetailJSON  string      `json:"detail_json,omitempty"`
}

// FileRecord is one row of the state store's files table.
type FileRecord struct {
	FileID        string        `json:"file_id"`
	OriginalPath  string        `json:"original_path"`
	OverallStatus OverallStatus `json:"overall_status"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Stages        []StageRecord `json:"stages,omitempty"`
}

// Hit is a single search result from the optional transcript search index
// (C11).
type Hit struct {
	ChunkIndex int     `json:"chunk_index"`
	Score      float64 `json:"score"`
	StartS     float64 `json:"start_s"`
	EndS       float64 `json:"end_s"`
	Text       string  `json:"text"`
}

// PipelineResult is the structured, human-readable outcome of one
// recording's run through the orchestrator.
type PipelineResult struct {
	FileID       string       `json:"file_id"`
	Status       ResultStatus `json:"status"`
	FailedStage  Stage        `json:"failed_stage,omitempty"`
	Message      string       `json:"message"`
	TranscriptPath string     `json:"transcript_path,omitempty"`
}
