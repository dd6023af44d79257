// Package metadata implements the C4 JSON metadata store and the C7
// transcript combiner.
package metadata

import (
	"fmt"
	"os"
	"path/filepath"

	"neuravox/core"
)

// Layout is the on-disk directory convention for a workspace.
type Layout struct {
	Root string
}

func (l Layout) ProcessedDir(fileID string) string    { return filepath.Join(l.Root, "processed", fileID) }
func (l Layout) TranscribedDir(fileID string) string  { return filepath.Join(l.Root, "transcribed", fileID) }
func (l Layout) ProcessingMetadataPath(fileID string) string {
	return filepath.Join(l.ProcessedDir(fileID), "processing_metadata.json")
}
func (l Layout) ManifestPath(fileID string) string {
	return filepath.Join(l.ProcessedDir(fileID), "manifest.json")
}
func (l Layout) TranscriptionMetadataPath(fileID string) string {
	return filepath.Join(l.TranscribedDir(fileID), "transcription_metadata.json")
}
func (l Layout) CombinedTranscriptPath(fileID string) string {
	return filepath.Join(l.TranscribedDir(fileID), fileID+"_transcript.md")
}
func (l Layout) ChunkPath(fileID string, chunkIndex int, format string) string {
	return filepath.Join(l.ProcessedDir(fileID), chunkFileName(chunkIndex, format))
}
func (l Layout) ChunkTranscriptPath(fileID string, chunkIndex int) string {
	return filepath.Join(l.TranscribedDir(fileID), fmt.Sprintf("chunk_%04d.txt", chunkIndex))
}
func (l Layout) FullFilePath(fileID string) string {
	return filepath.Join(l.ProcessedDir(fileID), "full-file.flac")
}

func chunkFileName(chunkIndex int, format string) string {
	return fmt.Sprintf("chunk_%04d.%s", chunkIndex, format)
}

// Manifest is the small hand-off file written before transcription starts,
// right after processing_metadata.json, listing each chunk's path and span.
// The orchestrator's resume path reads processing_metadata.json and does not
// read the manifest.
type Manifest struct {
	FileID string           `json:"file_id"`
	Chunks []ManifestChunk  `json:"chunks"`
}

// ManifestChunk is one chunk's entry in the manifest.
type ManifestChunk struct {
	ChunkIndex int     `json:"chunk_index"`
	FilePath   string  `json:"file_path"`
	StartS     float64 `json:"start_s"`
	EndS       float64 `json:"end_s"`
}

// SaveProcessingMetadata writes processing_metadata.json.
func SaveProcessingMetadata(l Layout, m core.ProcessingMetadata) error {
	return core.SaveJSON(l.ProcessingMetadataPath(m.FileID), m)
}

// LoadProcessingMetadata reads processing_metadata.json.
func LoadProcessingMetadata(l Layout, fileID string) (core.ProcessingMetadata, error) {
	var m core.ProcessingMetadata
	err := core.LoadJSON(l.ProcessingMetadataPath(fileID), &m)
	return m, err
}

// SaveManifest writes manifest.json, derived from already-built
// ProcessingMetadata chunk entries.
func SaveManifest(l Layout, fileID string, chunks []core.ChunkEntry) error {
	m := Manifest{FileID: fileID}
	for _, c := range chunks {
		m.Chunks = append(m.Chunks, ManifestChunk{ChunkIndex: c.ChunkIndex, FilePath: c.FilePath, StartS: c.StartS, EndS: c.EndS})
	}
	return core.SaveJSON(l.ManifestPath(fileID), m)
}

// LoadManifest reads manifest.json.
func LoadManifest(l Layout, fileID string) (Manifest, error) {
	var m Manifest
	err := core.LoadJSON(l.ManifestPath(fileID), &m)
	return m, err
}

// SaveTranscriptionMetadata writes transcription_metadata.json.
func SaveTranscriptionMetadata(l Layout, m core.TranscriptionMetadata) error {
	return core.SaveJSON(l.TranscriptionMetadataPath(m.FileID), m)
}

// LoadTranscriptionMetadata reads transcription_metadata.json.
func LoadTranscriptionMetadata(l Layout, fileID string) (core.TranscriptionMetadata, error) {
	var m core.TranscriptionMetadata
	err := core.LoadJSON(l.TranscriptionMetadataPath(fileID), &m)
	return m, err
}

// SaveChunkTranscript writes one chunk's plain-text transcript alongside
// the combined document, so a chunk's text is inspectable without parsing
// transcription_metadata.json.
func SaveChunkTranscript(l Layout, fileID string, t core.ChunkTranscription) error {
	if err := os.MkdirAll(l.TranscribedDir(fileID), 0o755); err != nil {
		return core.NewIOError("create transcribed dir", err)
	}
	text := t.Text
	if t.Failed {
		text = "[FAILED: " + t.FailureReason + "]"
	}
	if err := os.WriteFile(l.ChunkTranscriptPath(fileID, t.ChunkIndex), []byte(text), 0o644); err != nil {
		return core.NewIOError("write chunk transcript", err)
	}
	return nil
}

// SaveCombinedTranscript writes the C7 combined document to its
// conventional path.
func SaveCombinedTranscript(l Layout, fileID, doc string) error {
	if err := os.MkdirAll(l.TranscribedDir(fileID), 0o755); err != nil {
		return core.NewIOError("create transcribed dir", err)
	}
	if err := os.WriteFile(l.CombinedTranscriptPath(fileID), []byte(doc), 0o644); err != nil {
		return core.NewIOError("write combined transcript", err)
	}
	return nil
}
