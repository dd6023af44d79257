package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"neuravox/config"
	"neuravox/core"
	"neuravox/metadata"
	"neuravox/search"
	"neuravox/state"
	"neuravox/transcription"
)

// fakeBackend lets tests script per-chunk outcomes and count calls, without
// touching ffmpeg or a real network backend.
type fakeBackend struct {
	mu    sync.Mutex
	id    string
	fail  map[int]error
	calls map[int]int
}

func newFakeBackend(id string) *fakeBackend {
	return &fakeBackend{id: id, fail: map[int]error{}, calls: map[int]int{}}
}

func (f *fakeBackend) ID() string                        { return f.id }
func (f *fakeBackend) RequiresCredential() (string, bool) { return "", false }
func (f *fakeBackend) SupportsTimestamps() bool           { return false }

func (f *fakeBackend) callCount(chunkIndex int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[chunkIndex]
}

func (f *fakeBackend) Transcribe(ctx context.Context, chunkPath string, rng core.ChunkRange, opts transcription.TranscribeOptions) (core.ChunkTranscription, error) {
	f.mu.Lock()
	f.calls[rng.ChunkIndex]++
	f.mu.Unlock()

	if err, ok := f.fail[rng.ChunkIndex]; ok {
		return core.ChunkTranscription{}, err
	}
	return core.ChunkTranscription{
		ChunkIndex: rng.ChunkIndex,
		Text:       "chunk " + chunkPath,
		BackendID:  f.id,
	}, nil
}

// fixture lays out a workspace with a fake recording already past encode:
// a ProcessingMetadata, manifest, and two on-disk chunk files, so tests can
// drive runFromStage from StageTranscribe onward without real ffmpeg.
type fixture struct {
	orch     *Orchestrator
	store    *state.Store
	layout   metadata.Layout
	fileID   string
	procMeta core.ProcessingMetadata
	backend  *fakeBackend
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	layout := metadata.Layout{Root: root}
	fileID := "rec-1"

	if err := os.MkdirAll(layout.ProcessedDir(fileID), 0o755); err != nil {
		t.Fatal(err)
	}
	chunks := []core.ChunkEntry{
		{ChunkIndex: 0, TotalChunks: 2, StartS: 0, EndS: 5, DurationS: 5, FilePath: layout.ChunkPath(fileID, 0, "flac"), SourceFile: "input.mp3"},
		{ChunkIndex: 1, TotalChunks: 2, StartS: 5, EndS: 10, DurationS: 5, FilePath: layout.ChunkPath(fileID, 1, "flac"), SourceFile: "input.mp3"},
	}
	for _, c := range chunks {
		if err := os.WriteFile(c.FilePath, []byte("fake-audio"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	procMeta := core.ProcessingMetadata{
		FileID:       fileID,
		OriginalFile: "input.mp3",
		AudioInfo:    core.AudioInfo{DurationS: 10, SampleRate: 16000, Channels: 1},
		Chunks:       chunks,
	}
	if err := metadata.SaveProcessingMetadata(layout, procMeta); err != nil {
		t.Fatal(err)
	}
	if err := metadata.SaveManifest(layout, fileID, chunks); err != nil {
		t.Fatal(err)
	}

	store, err := state.Open(filepath.Join(root, "neuravox.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()
	if err := store.Begin(ctx, fileID, "input.mp3"); err != nil {
		t.Fatal(err)
	}
	// Simulate having already passed ingest/segment/encode, the state the
	// fixture's on-disk ProcessingMetadata/chunks represent.
	for _, s := range []core.Stage{core.StageIngest, core.StageSegment, core.StageEncode} {
		if err := store.StageStart(ctx, fileID, s); err != nil {
			t.Fatal(err)
		}
		if err := store.StageComplete(ctx, fileID, s, ""); err != nil {
			t.Fatal(err)
		}
	}

	backend := newFakeBackend("fake")
	cfg := config.Defaults()
	cfg.Workspace = root
	cfg.Transcription.DefaultBackend = "fake"
	cfg.Transcription.MaxConcurrent = 2

	orch := NewOrchestrator(cfg, store, map[string]transcription.Backend{"fake": backend}, search.NoneIndex{})
	return &fixture{orch: orch, store: store, layout: layout, fileID: fileID, procMeta: procMeta, backend: backend}
}

func TestRunFromStageTranscribeCompletesAndWritesCombinedTranscript(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	result := fx.orch.runFromStage(ctx, fx.fileID, "input.mp3", fx.backend, core.StageTranscribe)
	if result.Status != core.ResultCompleted {
		t.Fatalf("expected completed, got %s (%s)", result.Status, result.Message)
	}

	doc, err := os.ReadFile(fx.layout.CombinedTranscriptPath(fx.fileID))
	if err != nil {
		t.Fatalf("read combined transcript: %v", err)
	}
	if !strings.Contains(string(doc), "chunk "+fx.layout.ChunkPath(fx.fileID, 0, "flac")) {
		t.Fatalf("combined transcript missing chunk 0 text: %s", doc)
	}

	rec, err := fx.store.Status(ctx, fx.fileID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.OverallStatus != core.OverallCompleted {
		t.Fatalf("expected overall completed, got %s", rec.OverallStatus)
	}
}

func TestRunFromStagePartialFailureMarksChunkAndResumesOnlyIt(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.backend.fail[1] = core.NewBackendFatal(core.ReasonBadRequest, "simulated failure", nil)

	result := fx.orch.runFromStage(ctx, fx.fileID, "input.mp3", fx.backend, core.StageTranscribe)
	if result.Status != core.ResultPartial {
		t.Fatalf("expected partial, got %s (%s)", result.Status, result.Message)
	}

	doc, err := os.ReadFile(fx.layout.CombinedTranscriptPath(fx.fileID))
	if err != nil {
		t.Fatalf("read combined transcript: %v", err)
	}
	if !strings.Contains(string(doc), "[FAILED: ") {
		t.Fatalf("combined transcript should mark the failed chunk: %s", doc)
	}

	if calls := fx.backend.callCount(0); calls != 1 {
		t.Fatalf("expected chunk 0 transcribed once before resume, got %d", calls)
	}
	if calls := fx.backend.callCount(1); calls != 1 {
		t.Fatalf("expected chunk 1 transcribed once before resume, got %d", calls)
	}

	rec, err := fx.store.Status(ctx, fx.fileID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.OverallStatus != core.OverallFailed {
		t.Fatalf("a partial result should leave the recording resumable (overall failed), got %s", rec.OverallStatus)
	}
	resumeStage, resumeBackendID := resumePlan(rec)
	if resumeStage != core.StageTranscribe {
		t.Fatalf("resume should restart at transcribe, got %s", resumeStage)
	}
	if resumeBackendID != "fake" {
		t.Fatalf("resume should recover the backend id used, got %q", resumeBackendID)
	}

	// Fix the backend and resume: only the previously failed chunk should
	// be retranscribed.
	delete(fx.backend.fail, 1)
	result = fx.orch.runFromStage(ctx, fx.fileID, "input.mp3", fx.backend, resumeStage)
	if result.Status != core.ResultCompleted {
		t.Fatalf("expected completed after resume, got %s (%s)", result.Status, result.Message)
	}
	if calls := fx.backend.callCount(0); calls != 1 {
		t.Fatalf("chunk 0 should not be retranscribed on resume, got %d calls", calls)
	}
	if calls := fx.backend.callCount(1); calls != 2 {
		t.Fatalf("chunk 1 should be retranscribed exactly once on resume, got %d calls", calls)
	}

	rec, err = fx.store.Status(ctx, fx.fileID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.OverallStatus != core.OverallCompleted {
		t.Fatalf("expected overall completed after a clean resume, got %s", rec.OverallStatus)
	}
}

func TestResumePlanChoosesEarliestIncompleteStage(t *testing.T) {
	cases := []struct {
		name      string
		stages    []core.StageRecord
		wantStage core.Stage
	}{
		{
			name:      "nothing recorded yet restarts from ingest",
			stages:    nil,
			wantStage: core.StageIngest,
		},
		{
			name: "segment failed restarts from ingest",
			stages: []core.StageRecord{
				{Stage: core.StageIngest, Status: core.StatusCompleted},
				{Stage: core.StageSegment, Status: core.StatusFailed},
			},
			wantStage: core.StageIngest,
		},
		{
			name: "encode/segment/ingest done, transcribe missing resumes at transcribe",
			stages: []core.StageRecord{
				{Stage: core.StageIngest, Status: core.StatusCompleted},
				{Stage: core.StageSegment, Status: core.StatusCompleted},
				{Stage: core.StageEncode, Status: core.StatusCompleted},
			},
			wantStage: core.StageTranscribe,
		},
		{
			name: "only combine missing resumes at combine",
			stages: []core.StageRecord{
				{Stage: core.StageIngest, Status: core.StatusCompleted},
				{Stage: core.StageSegment, Status: core.StatusCompleted},
				{Stage: core.StageEncode, Status: core.StatusCompleted},
				{Stage: core.StageTranscribe, Status: core.StatusCompleted, DetailJSON: "cloud-a"},
			},
			wantStage: core.StageCombine,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stage, _ := resumePlan(core.FileRecord{Stages: tc.stages})
			if stage != tc.wantStage {
				t.Fatalf("expected stage %s, got %s", tc.wantStage, stage)
			}
		})
	}
}

func TestResumePlanRecoversBackendIDFromTranscribeDetail(t *testing.T) {
	_, backendID := resumePlan(core.FileRecord{Stages: []core.StageRecord{
		{Stage: core.StageIngest, Status: core.StatusCompleted},
		{Stage: core.StageSegment, Status: core.StatusCompleted},
		{Stage: core.StageEncode, Status: core.StatusCompleted},
		{Stage: core.StageTranscribe, Status: core.StatusCompleted, DetailJSON: "cloud-b"},
	}})
	if backendID != "cloud-b" {
		t.Fatalf("expected recovered backend id cloud-b, got %q", backendID)
	}
}

func TestStageAtOrBefore(t *testing.T) {
	if !stageAtOrBefore(core.StageIngest, core.StageTranscribe) {
		t.Fatal("ingest should be at-or-before transcribe")
	}
	if stageAtOrBefore(core.StageCombine, core.StageTranscribe) {
		t.Fatal("combine should not be at-or-before transcribe")
	}
	if !stageAtOrBefore(core.StageCombine, core.StageCombine) {
		t.Fatal("a stage should be at-or-before itself")
	}
}

func TestStageOfClassifiesErrorKind(t *testing.T) {
	cases := []struct {
		err  error
		want core.Stage
	}{
		{core.NewDecodeError("bad header", nil), core.StageIngest},
		{core.NewUnsupportedFormatError(".xyz"), core.StageIngest},
		{core.NewEmptyAudioError("x.mp3"), core.StageIngest},
		{core.NewEncodeError("ffmpeg exit 1", nil), core.StageEncode},
		{core.NewIOError("disk full", nil), core.StageSegment},
	}
	for _, tc := range cases {
		if got := stageOf(tc.err); got != tc.want {
			t.Errorf("stageOf(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestMergeTranscriptionsPrefersFreshOverPrevious(t *testing.T) {
	previous := []core.ChunkTranscription{
		{ChunkIndex: 0, Text: "stale", Failed: true, FailureReason: "old error"},
		{ChunkIndex: 1, Text: "kept from before"},
	}
	fresh := []core.ChunkTranscription{
		{ChunkIndex: 0, Text: "retried successfully"},
	}
	merged := mergeTranscriptions(previous, fresh)
	if len(merged) != 2 {
		t.Fatalf("expected 2 merged entries, got %d", len(merged))
	}
	if merged[0].Text != "retried successfully" || merged[0].Failed {
		t.Fatalf("chunk 0 should reflect the fresh retry, got %+v", merged[0])
	}
	if merged[1].Text != "kept from before" {
		t.Fatalf("chunk 1 should be preserved from previous, got %+v", merged[1])
	}
}

func TestValidateRejectsMissingFile(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.orch.validate(filepath.Join(t.TempDir(), "missing.mp3"), "fake"); err == nil {
		t.Fatal("expected a validation error for a nonexistent file")
	}
}

func TestValidateRejectsUnsupportedExtension(t *testing.T) {
	fx := newFixture(t)
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.orch.validate(path, "fake"); err == nil {
		t.Fatal("expected a validation error for an unsupported extension")
	}
}

func TestValidateRejectsMissingCredential(t *testing.T) {
	fx := newFixture(t)
	fx.orch.backends["cloud-a"] = transcription.NewCloudA("", "", time.Second)
	path := filepath.Join(t.TempDir(), "input.mp3")
	if err := os.WriteFile(path, []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.orch.validate(path, "cloud-a"); err == nil {
		t.Fatal("expected a validation error for a backend with no configured credential")
	}
}
