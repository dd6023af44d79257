// Package state implements the C8 durable pipeline state store: a SQLite
// database with files/stages/chunks tables, following the teacher's
// ensureTable DDL pattern (storage/store.go) adapted from Postgres to an
// embedded, single-user, crash-consistent store.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"neuravox/core"
)

// Store is the C8 state store. All writes serialize through the
// underlying *sql.DB; ChunkArtifacts on disk are read-only once written
// and are never mutated here, only referenced.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, core.NewIOError("open state store: "+path, err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers

	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS files (
			file_id TEXT PRIMARY KEY,
			original_path TEXT NOT NULL,
			overall_status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS stages (
			file_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			error TEXT,
			detail_json TEXT,
			PRIMARY KEY (file_id, stage),
			FOREIGN KEY (file_id) REFERENCES files(file_id)
		);`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			file_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			audio_path TEXT,
			transcript_path TEXT,
			start_s REAL,
			end_s REAL,
			transcribed BOOLEAN NOT NULL DEFAULT 0,
			elapsed_s REAL,
			error TEXT,
			UNIQUE (file_id, chunk_index),
			FOREIGN KEY (file_id) REFERENCES files(file_id)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return core.NewIOError("ensure state schema", err)
		}
	}
	return nil
}

// Begin registers a new file, or returns the existing row untouched if one
// is already present (process_one is safe to call twice for the same
// recording).
func (s *Store) Begin(ctx context.Context, fileID, originalPath string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (file_id, original_path, overall_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(file_id) DO NOTHING`,
		fileID, originalPath, core.OverallPending, now, now)
	if err != nil {
		return core.NewIOError("begin file record", err)
	}
	return nil
}

// StageStart marks stage as running, enforcing the exactly-once-running
// invariant: a stage already running is rejected with an error to prevent
// a crashed-and-restarted worker from double-running a stage concurrently
// with its own previous (stuck) attempt. A stage already completed is left
// as it is and no error is returned.
func (s *Store) StageStart(ctx context.Context, fileID string, stage core.Stage) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO stages (file_id, stage, status, started_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(file_id, stage) DO UPDATE SET status = ?, started_at = ?
		WHERE stages.status IN ('pending', 'failed')`,
		fileID, stage, core.StatusRunning, now, core.StatusRunning, now)
	if err != nil {
		return core.NewIOError("start stage", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.NewIOError("start stage rows affected", err)
	}
	if n == 0 {
		if existing, getErr := s.stageStatus(ctx, fileID, stage); getErr == nil && existing == core.StatusRunning {
			return core.NewValidationError(fmt.Sprintf("stage %s already running for %s", stage, fileID))
		}
	}
	return s.touchFile(ctx, fileID, core.OverallProcessing)
}

func (s *Store) stageStatus(ctx context.Context, fileID string, stage core.Stage) (core.StageStatus, error) {
	var status core.StageStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM stages WHERE file_id = ? AND stage = ?`, fileID, stage).Scan(&status)
	return status, err
}

// StageComplete marks stage completed, optionally storing a small JSON
// detail blob (e.g. chunk count) alongside it.
func (s *Store) StageComplete(ctx context.Context, fileID string, stage core.Stage, detailJSON string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE stages SET status = ?, completed_at = ?, detail_json = ?, error = NULL
		WHERE file_id = ? AND stage = ?`,
		core.StatusCompleted, now, detailJSON, fileID, stage)
	if err != nil {
		return core.NewIOError("complete stage", err)
	}
	return s.touchFile(ctx, fileID, core.OverallProcessing)
}

// StageFail marks stage failed and records errMsg.
func (s *Store) StageFail(ctx context.Context, fileID string, stage core.Stage, errMsg string) error {
	return s.stageFail(ctx, fileID, stage, errMsg, "")
}

// StageFailWithDetail is StageFail but also stashes a detail blob, used
// when resume() needs to recover context (e.g. which backend was in use)
// from a stage that didn't complete cleanly.
func (s *Store) StageFailWithDetail(ctx context.Context, fileID string, stage core.Stage, errMsg, detailJSON string) error {
	return s.stageFail(ctx, fileID, stage, errMsg, detailJSON)
}

func (s *Store) stageFail(ctx context.Context, fileID string, stage core.Stage, errMsg, detailJSON string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE stages SET status = ?, completed_at = ?, error = ?, detail_json = ?
		WHERE file_id = ? AND stage = ?`,
		core.StatusFailed, now, errMsg, detailJSON, fileID, stage)
	if err != nil {
		return core.NewIOError("fail stage", err)
	}
	return s.touchFile(ctx, fileID, core.OverallFailed)
}

func (s *Store) touchFile(ctx context.Context, fileID string, overall core.OverallStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE files SET overall_status = ?, updated_at = ? WHERE file_id = ?`,
		overall, time.Now().UTC(), fileID)
	if err != nil {
		return core.NewIOError("touch file record", err)
	}
	return nil
}

// MarkCompleted sets the file's overall status once every stage succeeds.
func (s *Store) MarkCompleted(ctx context.Context, fileID string) error {
	return s.touchFile(ctx, fileID, core.OverallCompleted)
}

// MarkFailed sets the file's overall status to failed without touching any
// stage row, used when every stage ran but the result is only partial (some
// chunks never transcribed), so ListResumable keeps surfacing it.
func (s *Store) MarkFailed(ctx context.Context, fileID string) error {
	return s.touchFile(ctx, fileID, core.OverallFailed)
}

// ChunkArtifactKind selects which of a chunk's two on-disk artifact
// columns (audio_path at encode time, transcript_path at transcribe time)
// ChunkUpsert's artifactPath argument lands in.
type ChunkArtifactKind int

const (
	ChunkAudioArtifact ChunkArtifactKind = iota
	ChunkTranscriptArtifact
)

// ChunkUpsert upserts one chunk's row, keyed by (file_id, chunk_index): the
// operation spec.md §6 names chunk_upsert(file_id, chunk_index,
// artifact_path, start_s, end_s, transcribed?). The encode stage calls it
// once per chunk with kind=ChunkAudioArtifact and transcribed=false to
// register the freshly written audio file; the transcribe stage calls it
// again once per chunk, after that chunk's retries are over, with
// kind=ChunkTranscriptArtifact, the transcript path (empty on failure), and
// transcribed set to whether the chunk succeeded — a failed chunk keeps
// transcribed false so resume() retranscribes it. elapsedS/errMsg are additive columns beyond the named
// schema, kept so FailedChunkIndexes can report per-chunk failure detail
// without a second read of transcription_metadata.json.
func (s *Store) ChunkUpsert(ctx context.Context, fileID string, chunkIndex int, kind ChunkArtifactKind, artifactPath string, startS, endS float64, transcribed bool, elapsedS float64, errMsg string) error {
	var err error
	switch kind {
	case ChunkAudioArtifact:
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO chunks (file_id, chunk_index, audio_path, start_s, end_s, transcribed)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(file_id, chunk_index) DO UPDATE SET audio_path = ?, start_s = ?, end_s = ?`,
			fileID, chunkIndex, artifactPath, startS, endS, transcribed,
			artifactPath, startS, endS)
	case ChunkTranscriptArtifact:
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO chunks (file_id, chunk_index, transcript_path, start_s, end_s, transcribed, elapsed_s, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(file_id, chunk_index) DO UPDATE SET transcript_path = ?, start_s = ?, end_s = ?, transcribed = ?, elapsed_s = ?, error = ?`,
			fileID, chunkIndex, artifactPath, startS, endS, transcribed, elapsedS, errMsg,
			artifactPath, startS, endS, transcribed, elapsedS, errMsg)
	default:
		return core.NewValidationError("unknown chunk artifact kind")
	}
	if err != nil {
		return core.NewIOError("upsert chunk", err)
	}
	return nil
}

// FailedChunkIndexes returns the chunk indexes previously recorded with a
// transcription error for fileID, so callers can report retry detail.
func (s *Store) FailedChunkIndexes(ctx context.Context, fileID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chunk_index FROM chunks WHERE file_id = ? AND transcribed = 0 AND error IS NOT NULL AND error != '' ORDER BY chunk_index`, fileID)
	if err != nil {
		return nil, core.NewIOError("query failed chunks", err)
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, core.NewIOError("scan failed chunk index", err)
		}
		out = append(out, idx)
	}
	return out, rows.Err()
}

// TranscribedChunkIndexes returns the chunk indexes previously recorded as
// successfully transcribed for fileID, so resume()/retranscribe only
// considers the chunks still missing.
func (s *Store) TranscribedChunkIndexes(ctx context.Context, fileID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chunk_index FROM chunks WHERE file_id = ? AND transcribed = 1 ORDER BY chunk_index`, fileID)
	if err != nil {
		return nil, core.NewIOError("query transcribed chunks", err)
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, core.NewIOError("scan transcribed chunk index", err)
		}
		out = append(out, idx)
	}
	return out, rows.Err()
}

// Status returns the FileRecord for fileID, including its stages, or
// sql.ErrNoRows if unknown.
func (s *Store) Status(ctx context.Context, fileID string) (core.FileRecord, error) {
	var rec core.FileRecord
	err := s.db.QueryRowContext(ctx, `SELECT file_id, original_path, overall_status, created_at, updated_at FROM files WHERE file_id = ?`, fileID).
		Scan(&rec.FileID, &rec.OriginalPath, &rec.OverallStatus, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return rec, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT stage, status, started_at, completed_at, error, detail_json FROM stages WHERE file_id = ? ORDER BY stage`, fileID)
	if err != nil {
		return rec, core.NewIOError("query stages", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st core.StageRecord
		st.FileID = fileID
		var startedAt, completedAt sql.NullTime
		var errMsg, detail sql.NullString
		if err := rows.Scan(&st.Stage, &st.Status, &startedAt, &completedAt, &errMsg, &detail); err != nil {
			return rec, core.NewIOError("scan stage row", err)
		}
		st.StartedAt = startedAt.Time
		st.CompletedAt = completedAt.Time
		st.Error = errMsg.String
		st.DetailJSON = detail.String
		rec.Stages = append(rec.Stages, st)
	}
	return rec, rows.Err()
}

// ListResumable returns the file_ids of every recording whose overall
// status is "processing" or "failed" — candidates for resume().
func (s *Store) ListResumable(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT file_id FROM files WHERE overall_status IN (?, ?)`,
		core.OverallProcessing, core.OverallFailed)
	if err != nil {
		return nil, core.NewIOError("query resumable files", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, core.NewIOError("scan resumable file id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Summary counts files by overall status, mirroring the original
// pipeline's get_pipeline_summary/list_files_by_stage progress reporting.
type Summary struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
}

// Summarize returns the current Summary across all known files.
func (s *Store) Summarize(ctx context.Context) (Summary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT overall_status, COUNT(*) FROM files GROUP BY overall_status`)
	if err != nil {
		return Summary{}, core.NewIOError("summarize files", err)
	}
	defer rows.Close()
	var sum Summary
	for rows.Next() {
		var status core.OverallStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Summary{}, core.NewIOError("scan summary row", err)
		}
		switch status {
		case core.OverallPending:
			sum.Pending = count
		case core.OverallProcessing:
			sum.Processing = count
		case core.OverallCompleted:
			sum.Completed = count
		case core.OverallFailed:
			sum.Failed = count
		}
	}
	return sum, rows.Err()
}
