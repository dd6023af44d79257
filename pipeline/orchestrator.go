// Package pipeline implements the C9 orchestrator: it drives one recording
// through ingest, segment, encode, transcribe, and combine, owns the C8
// state store across the sequence, and exposes process_one/process_batch/
// resume/status the way the teacher's processVideoHandler sequences its
// own preprocess/transcribe/summarize/store steps.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"neuravox/audio"
	"neuravox/config"
	"neuravox/core"
	"neuravox/metadata"
	"neuravox/search"
	"neuravox/state"
	"neuravox/transcription"
)

var validExtensions = map[string]bool{
	".mp3": true, ".wav": true, ".flac": true, ".m4a": true,
	".ogg": true, ".opus": true, ".wma": true, ".aac": true, ".mp4": true,
}

// Orchestrator is the C9 component. It holds no per-recording state of its
// own; everything durable lives in store, everything on-disk lives under
// layout.
type Orchestrator struct {
	cfg      *config.Config
	store    *state.Store
	layout   metadata.Layout
	backends map[string]transcription.Backend
	index    search.Index
	log      *log.Logger
}

// NewOrchestrator builds an Orchestrator. backends must contain every
// backend id the caller intends to select; index may be search.NoneIndex{}.
func NewOrchestrator(cfg *config.Config, store *state.Store, backends map[string]transcription.Backend, index search.Index) *Orchestrator {
	if index == nil {
		index = search.NoneIndex{}
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		layout:   metadata.Layout{Root: cfg.Workspace},
		backends: backends,
		index:    index,
		log:      log.New(os.Stderr, "[pipeline] ", log.LstdFlags),
	}
}

// ProcessOne validates path, registers it with the state store, and drives
// it through every stage. Returns a ValidationError (without touching
// state) if validation fails.
func (o *Orchestrator) ProcessOne(ctx context.Context, path, backendID string) (core.PipelineResult, error) {
	backend, err := o.validate(path, backendID)
	if err != nil {
		return core.PipelineResult{Status: core.ResultFailed, Message: err.Error()}, err
	}

	fileID, err := core.DeriveFileID(path)
	if err != nil {
		return core.PipelineResult{Status: core.ResultFailed, Message: err.Error()}, err
	}
	if err := o.store.Begin(ctx, fileID, path); err != nil {
		return core.PipelineResult{Status: core.ResultFailed, Message: err.Error()}, err
	}

	return o.runFromStage(ctx, fileID, path, backend, core.StageIngest), nil
}

// ProcessBatch runs every path one at a time, FIFO, never in parallel, so
// the transcription backend is never oversubscribed by more than one
// recording's scheduler at once.
func (o *Orchestrator) ProcessBatch(ctx context.Context, paths []string, backendID string) []core.PipelineResult {
	results := make([]core.PipelineResult, 0, len(paths))
	for _, p := range paths {
		r, err := o.ProcessOne(ctx, p, backendID)
		if err != nil {
			o.log.Printf("process_one %s: %v", p, err)
		}
		results = append(results, r)
	}
	return results
}

// Resume reads list_resumable() from the state store and retries each
// recording from its last successful checkpoint.
func (o *Orchestrator) Resume(ctx context.Context) ([]core.PipelineResult, error) {
	ids, err := o.store.ListResumable(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]core.PipelineResult, 0, len(ids))
	for _, fileID := range ids {
		rec, err := o.store.Status(ctx, fileID)
		if err != nil {
			o.log.Printf("resume %s: load status: %v", fileID, err)
			continue
		}
		fromStage, backendID := resumePlan(rec)
		backend := o.backends[backendID]
		if backend == nil {
			backend = o.backends[o.cfg.Transcription.DefaultBackend]
		}
		results = append(results, o.runFromStage(ctx, fileID, rec.OriginalPath, backend, fromStage))
	}
	return results, nil
}

// Status returns the FileRecord for fileID, including its stage list.
func (o *Orchestrator) Status(ctx context.Context, fileID string) (core.FileRecord, error) {
	return o.store.Status(ctx, fileID)
}

// resumePlan inspects a FileRecord's stages and decides where to restart:
// segment/encode failure restarts from ingest, transcribe failure resumes
// at transcribe (reusing existing chunks), combine failure resumes at
// combine (reusing existing transcriptions).
func resumePlan(rec core.FileRecord) (core.Stage, string) {
	status := map[core.Stage]core.StageStatus{}
	var backendID string
	for _, s := range rec.Stages {
		status[s.Stage] = s.Status
		if s.Stage == core.StageTranscribe && s.DetailJSON != "" {
			backendID = s.DetailJSON
		}
	}
	switch {
	case status[core.StageIngest] != core.StatusCompleted,
		status[core.StageSegment] != core.StatusCompleted,
		status[core.StageEncode] != core.StatusCompleted:
		return core.StageIngest, backendID
	case status[core.StageTranscribe] != core.StatusCompleted:
		return core.StageTranscribe, backendID
	default:
		return core.StageCombine, backendID
	}
}

// validate performs every pre-mutation check spec.md §4.9 requires: file
// exists and is regular, extension is recognized, the resolved backend's
// credential is present if required, and the configuration itself is
// valid. No state is touched if any check fails.
func (o *Orchestrator) validate(path, backendID string) (transcription.Backend, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, core.NewValidationError("cannot stat input file: " + err.Error())
	}
	if !info.Mode().IsRegular() {
		return nil, core.NewValidationError("not a regular file: " + path)
	}
	ext := strings.ToLower(filepath.Ext(path))
	if !validExtensions[ext] {
		return nil, core.NewValidationError("unsupported extension: " + ext)
	}

	if backendID == "" {
		backendID = o.cfg.Transcription.DefaultBackend
	}
	backend, ok := o.backends[backendID]
	if !ok {
		return nil, core.NewValidationError("unknown backend: " + backendID)
	}
	if err := transcription.RequireCredential(o.cfg, backend); err != nil {
		return nil, core.NewValidationError(err.Error())
	}

	report := config.Validate(o.cfg)
	if !report.Valid {
		return nil, core.NewValidationError(fmt.Sprintf("invalid configuration: %d error(s)", report.Summary.TotalErrors))
	}
	return backend, nil
}

// runFromStage drives fileID through every stage from fromStage onward,
// loading whatever state earlier (already-completed) stages left on disk.
func (o *Orchestrator) runFromStage(ctx context.Context, fileID, path string, backend transcription.Backend, fromStage core.Stage) core.PipelineResult {
	var procMeta core.ProcessingMetadata

	if stageAtOrBefore(fromStage, core.StageIngest) {
		pm, err := o.runIngestSegmentEncode(ctx, fileID, path)
		if err != nil {
			return o.fail(fileID, stageOf(err), err)
		}
		procMeta = pm
	} else {
		pm, err := metadata.LoadProcessingMetadata(o.layout, fileID)
		if err != nil {
			return o.fail(fileID, core.StageTranscribe, err)
		}
		procMeta = pm
	}

	var transcriptions []core.ChunkTranscription
	if stageAtOrBefore(fromStage, core.StageTranscribe) {
		ts, err := o.runTranscribe(ctx, fileID, backend, procMeta)
		if err != nil {
			return o.fail(fileID, core.StageTranscribe, err)
		}
		transcriptions = ts
	} else {
		ts, err := o.loadTranscriptions(fileID, procMeta)
		if err != nil {
			return o.fail(fileID, core.StageCombine, err)
		}
		transcriptions = ts
	}

	backendID, backendModelID := "", ""
	if backend != nil {
		backendID = backend.ID()
		if m, ok := backend.(transcription.ModelID); ok {
			backendModelID = m.ModelID()
		}
	}
	transcriptPath, err := o.runCombine(fileID, procMeta, transcriptions, backendID, backendModelID)
	if err != nil {
		return o.fail(fileID, core.StageCombine, err)
	}

	failures := 0
	for _, t := range transcriptions {
		if t.Failed {
			failures++
		}
	}

	// A partial result still produces its combined transcript, but the
	// recording's overall status stays "failed" rather than "completed" so
	// Resume() surfaces it again and retries only the chunks that failed.
	if failures > 0 {
		if err := o.store.MarkFailed(ctx, fileID); err != nil {
			o.log.Printf("%s: mark failed: %v", fileID, err)
		}
	} else if err := o.store.MarkCompleted(ctx, fileID); err != nil {
		o.log.Printf("%s: mark completed: %v", fileID, err)
	}

	result := core.PipelineResult{FileID: fileID, TranscriptPath: transcriptPath, Status: core.ResultCompleted}
	if failures > 0 {
		result.Status = core.ResultPartial
		result.Message = fmt.Sprintf("%d of %d chunks failed transcription", failures, len(transcriptions))
	} else {
		result.Message = "completed"
	}
	return result
}

// fail builds the failed PipelineResult for a stage function's error.
// The stage-specific run* helpers already call store.StageFail themselves
// (they know exactly which sub-step failed); fail only labels the result.
func (o *Orchestrator) fail(fileID string, stage core.Stage, err error) core.PipelineResult {
	return core.PipelineResult{FileID: fileID, Status: core.ResultFailed, FailedStage: stage, Message: err.Error()}
}

func stageAtOrBefore(fromStage, s core.Stage) bool {
	order := map[core.Stage]int{}
	for i, st := range core.StageOrder {
		order[st] = i
	}
	return order[fromStage] <= order[s]
}

func stageOf(err error) core.Stage {
	var e *core.Error
	if core.As(err, &e) {
		switch e.Kind {
		case core.KindDecode, core.KindUnsupportedFormat, core.KindEmptyAudio:
			return core.StageIngest
		case core.KindEncode:
			return core.StageEncode
		}
	}
	return core.StageSegment
}

// runIngestSegmentEncode runs ingest, segment, and encode as one restart
// unit: a failure at segment or encode means the decoder's state cannot be
// trusted, so the whole chain restarts from ingest (spec.md §4.9's resume
// contract), never resuming mid-decode.
func (o *Orchestrator) runIngestSegmentEncode(ctx context.Context, fileID, path string) (core.ProcessingMetadata, error) {
	start := time.Now()
	params := o.cfg.Processing

	if err := o.store.StageStart(ctx, fileID, core.StageIngest); err != nil {
		return core.ProcessingMetadata{}, err
	}
	info, err := audio.ProbeStream(path)
	if err != nil {
		_ = o.store.StageFail(ctx, fileID, core.StageIngest, err.Error())
		return core.ProcessingMetadata{}, err
	}
	if info.DurationS <= 0 {
		err := core.NewEmptyAudioError(path)
		_ = o.store.StageFail(ctx, fileID, core.StageIngest, err.Error())
		return core.ProcessingMetadata{}, err
	}
	if err := o.store.StageComplete(ctx, fileID, core.StageIngest, ""); err != nil {
		return core.ProcessingMetadata{}, err
	}

	if err := o.store.StageStart(ctx, fileID, core.StageSegment); err != nil {
		return core.ProcessingMetadata{}, err
	}
	dec, err := audio.OpenDecoder(path, params.SampleRate, params.Normalize)
	if err != nil {
		_ = o.store.StageFail(ctx, fileID, core.StageSegment, err.Error())
		return core.ProcessingMetadata{}, err
	}
	ranges, err := audio.Segment(dec, audio.SegmentParams{
		SilenceThreshold:   params.SilenceThreshold,
		MinSilenceDuration: params.MinSilenceDuration,
		MinChunkDuration:   params.MinChunkDuration,
	})
	closeErr := dec.Close()
	if err != nil {
		_ = o.store.StageFail(ctx, fileID, core.StageSegment, err.Error())
		return core.ProcessingMetadata{}, err
	}
	if closeErr != nil {
		_ = o.store.StageFail(ctx, fileID, core.StageSegment, closeErr.Error())
		return core.ProcessingMetadata{}, closeErr
	}
	if err := o.store.StageComplete(ctx, fileID, core.StageSegment, fmt.Sprintf("%d chunks", len(ranges))); err != nil {
		return core.ProcessingMetadata{}, err
	}

	if err := o.store.StageStart(ctx, fileID, core.StageEncode); err != nil {
		return core.ProcessingMetadata{}, err
	}
	entries := make([]core.ChunkEntry, 0, len(ranges))
	for _, rng := range ranges {
		outPath := o.layout.ChunkPath(fileID, rng.ChunkIndex, params.OutputFormat)
		artifact, err := audio.WriteChunk(path, rng, params.SampleRate, outPath)
		if err != nil {
			_ = o.store.StageFail(ctx, fileID, core.StageEncode, err.Error())
			return core.ProcessingMetadata{}, err
		}
		if err := o.store.ChunkUpsert(ctx, fileID, rng.ChunkIndex, state.ChunkAudioArtifact, artifact.Path, rng.StartS, rng.EndS, false, 0, ""); err != nil {
			_ = o.store.StageFail(ctx, fileID, core.StageEncode, err.Error())
			return core.ProcessingMetadata{}, err
		}
		entries = append(entries, core.ChunkEntry{
			ChunkIndex:  rng.ChunkIndex,
			TotalChunks: len(ranges),
			StartS:      rng.StartS,
			EndS:        rng.EndS,
			DurationS:   core.Round6(rng.DurationS()),
			FilePath:    artifact.Path,
			SourceFile:  path,
		})
	}
	if len(ranges) > 1 {
		if _, err := audio.WriteFullFile(path, params.SampleRate, o.layout.ProcessedDir(fileID)); err != nil {
			_ = o.store.StageFail(ctx, fileID, core.StageEncode, err.Error())
			return core.ProcessingMetadata{}, err
		}
	}

	procMeta := core.ProcessingMetadata{
		FileID:          fileID,
		OriginalFile:    path,
		ProcessedAt:     time.Now().UTC(),
		ProcessingTimeS: time.Since(start).Seconds(),
		AudioInfo:       core.AudioInfo{DurationS: info.DurationS, SampleRate: params.SampleRate, Channels: 1},
		ProcessingParams: core.ProcessingParams{
			SilenceThreshold:   params.SilenceThreshold,
			MinSilenceDuration: params.MinSilenceDuration,
			MinChunkDuration:   params.MinChunkDuration,
			SampleRate:         params.SampleRate,
			OutputFormat:       params.OutputFormat,
		},
		Chunks: entries,
	}
	if err := metadata.SaveProcessingMetadata(o.layout, procMeta); err != nil {
		_ = o.store.StageFail(ctx, fileID, core.StageEncode, err.Error())
		return core.ProcessingMetadata{}, err
	}
	if err := metadata.SaveManifest(o.layout, fileID, entries); err != nil {
		_ = o.store.StageFail(ctx, fileID, core.StageEncode, err.Error())
		return core.ProcessingMetadata{}, err
	}
	if err := o.store.StageComplete(ctx, fileID, core.StageEncode, ""); err != nil {
		return core.ProcessingMetadata{}, err
	}
	return procMeta, nil
}

// runTranscribe transcribes every chunk not already recorded as
// successfully transcribed in the state store, via the C6 scheduler.
func (o *Orchestrator) runTranscribe(ctx context.Context, fileID string, backend transcription.Backend, procMeta core.ProcessingMetadata) ([]core.ChunkTranscription, error) {
	startedAt := time.Now().UTC()
	if err := o.store.StageStart(ctx, fileID, core.StageTranscribe); err != nil {
		return nil, err
	}

	done, err := o.store.TranscribedChunkIndexes(ctx, fileID)
	if err != nil {
		_ = o.store.StageFail(ctx, fileID, core.StageTranscribe, err.Error())
		return nil, err
	}
	doneSet := map[int]bool{}
	for _, i := range done {
		doneSet[i] = true
	}

	pending := make([]core.ChunkEntry, 0, len(procMeta.Chunks))
	for _, c := range procMeta.Chunks {
		if !doneSet[c.ChunkIndex] {
			pending = append(pending, c)
		}
	}

	rangeByIndex := map[int]core.ChunkEntry{}
	for _, c := range procMeta.Chunks {
		rangeByIndex[c.ChunkIndex] = c
	}

	sched := transcription.NewScheduler(backend, o.cfg.Transcription.MaxConcurrent, transcription.TranscribeOptions{
		IncludeTimestamps: o.cfg.Transcription.IncludeTimestamps,
	})
	sched.OnChunkDone = func(t core.ChunkTranscription) {
		rng := rangeByIndex[t.ChunkIndex]
		transcriptPath := ""
		if !t.Failed {
			transcriptPath = o.layout.ChunkTranscriptPath(fileID, t.ChunkIndex)
		}
		if err := o.store.ChunkUpsert(ctx, fileID, t.ChunkIndex, state.ChunkTranscriptArtifact, transcriptPath, rng.StartS, rng.EndS, !t.Failed, t.ElapsedS, t.FailureReason); err != nil {
			o.log.Printf("%s: chunk upsert: %v", fileID, err)
		}
		if err := metadata.SaveChunkTranscript(o.layout, fileID, t); err != nil {
			o.log.Printf("%s: save chunk transcript: %v", fileID, err)
		}
	}

	jobs := make([]transcription.Job, len(pending))
	for i, c := range pending {
		jobs[i] = transcription.Job{Range: core.ChunkRange{ChunkIndex: c.ChunkIndex, StartS: c.StartS, EndS: c.EndS}, Path: c.FilePath}
	}
	newResults, err := sched.Run(ctx, jobs)
	if err != nil {
		_ = o.store.StageFail(ctx, fileID, core.StageTranscribe, err.Error())
		return nil, err
	}

	all, err := o.loadTranscriptions(fileID, procMeta)
	if err != nil {
		all = nil
	}
	merged := mergeTranscriptions(all, newResults)

	failures := 0
	totalWords := 0
	statusEntries := make([]core.ChunkStatusEntry, 0, len(merged))
	for _, t := range merged {
		if t.Failed {
			failures++
		} else {
			totalWords += len(strings.Fields(t.Text))
		}
		status := "ok"
		if t.Failed {
			status = "failed"
		}
		statusEntries = append(statusEntries, core.ChunkStatusEntry{ChunkIndex: t.ChunkIndex, Status: status, ElapsedS: t.ElapsedS, Error: t.FailureReason})
	}
	tm := core.TranscriptionMetadata{
		FileID:         fileID,
		BackendID:      backend.ID(),
		StartedAt:      startedAt,
		CompletedAt:    time.Now().UTC(),
		Chunks:         statusEntries,
		TotalWords:     totalWords,
		Failures:       failures,
	}
	if m, ok := backend.(transcription.ModelID); ok {
		tm.BackendModelID = m.ModelID()
	}
	if err := metadata.SaveTranscriptionMetadata(o.layout, tm); err != nil {
		_ = o.store.StageFail(ctx, fileID, core.StageTranscribe, err.Error())
		return nil, err
	}

	// A chunk-level BackendFatal failure does not abort the run (spec's
	// "partial progress is preserved"): the transcribe stage itself is
	// marked failed, keeping the recording resumable, while the merged
	// results — failures included — still flow on to combine.
	if failures > 0 {
		msg := fmt.Sprintf("%d of %d chunks failed", failures, len(merged))
		if err := o.store.StageFailWithDetail(ctx, fileID, core.StageTranscribe, msg, backend.ID()); err != nil {
			return nil, err
		}
	} else if err := o.store.StageComplete(ctx, fileID, core.StageTranscribe, backend.ID()); err != nil {
		return nil, err
	}
	return merged, nil
}

// runCombine builds the C7 combined transcript, writes it, and indexes its
// chunks into the optional C11 search index.
func (o *Orchestrator) runCombine(fileID string, procMeta core.ProcessingMetadata, transcriptions []core.ChunkTranscription, backendID, backendModelID string) (string, error) {
	ctx := context.Background()
	if err := o.store.StageStart(ctx, fileID, core.StageCombine); err != nil {
		return "", err
	}
	doc := metadata.Combine(procMeta, transcriptions, backendID, backendModelID)
	if err := metadata.SaveCombinedTranscript(o.layout, fileID, doc); err != nil {
		_ = o.store.StageFail(ctx, fileID, core.StageCombine, err.Error())
		return "", err
	}

	if o.cfg.Transcription.SearchIndex.Backend != "none" {
		docs := make([]search.ChunkDoc, 0, len(transcriptions))
		byIndex := map[int]core.ChunkTranscription{}
		for _, t := range transcriptions {
			byIndex[t.ChunkIndex] = t
		}
		for _, c := range procMeta.Chunks {
			t, ok := byIndex[c.ChunkIndex]
			if !ok || t.Failed {
				continue
			}
			docs = append(docs, search.ChunkDoc{ChunkIndex: c.ChunkIndex, StartS: c.StartS, EndS: c.EndS, Text: t.Text})
		}
		if err := o.index.Upsert(ctx, fileID, docs); err != nil {
			o.log.Printf("%s: search index upsert: %v", fileID, err)
		}
	}

	path := o.layout.CombinedTranscriptPath(fileID)
	if err := o.store.StageComplete(ctx, fileID, core.StageCombine, ""); err != nil {
		return path, err
	}
	return path, nil
}

// loadTranscriptions reconstructs []core.ChunkTranscription for a recording
// whose transcribe stage already completed, by reading
// transcription_metadata.json for status/error and each chunk's on-disk
// text file for its content.
func (o *Orchestrator) loadTranscriptions(fileID string, procMeta core.ProcessingMetadata) ([]core.ChunkTranscription, error) {
	tm, err := metadata.LoadTranscriptionMetadata(o.layout, fileID)
	if err != nil {
		return nil, err
	}
	out := make([]core.ChunkTranscription, 0, len(tm.Chunks))
	for _, c := range tm.Chunks {
		t := core.ChunkTranscription{
			ChunkIndex:     c.ChunkIndex,
			BackendID:      tm.BackendID,
			BackendModelID: tm.BackendModelID,
			ElapsedS:       c.ElapsedS,
			Failed:         c.Status == "failed",
			FailureReason:  c.Error,
		}
		if !t.Failed {
			b, err := os.ReadFile(o.layout.ChunkTranscriptPath(fileID, c.ChunkIndex))
			if err == nil {
				t.Text = string(b)
			}
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

// mergeTranscriptions combines a recording's previously-recorded chunk
// transcriptions with freshly produced ones, letting fresh results replace
// stale ones for the same chunk index.
func mergeTranscriptions(previous, fresh []core.ChunkTranscription) []core.ChunkTranscription {
	byIndex := map[int]core.ChunkTranscription{}
	for _, t := range previous {
		byIndex[t.ChunkIndex] = t
	}
	for _, t := range fresh {
		byIndex[t.ChunkIndex] = t
	}
	out := make([]core.ChunkTranscription, 0, len(byIndex))
	for _, t := range byIndex {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out
}
