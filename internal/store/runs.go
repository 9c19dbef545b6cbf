package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Run statuses.
const (
	RunRunning     = "running"
	RunSucceeded   = "succeeded"
	RunFailed      = "failed"
	RunInterrupted = "interrupted"
)

// Run is one export (and optional upload) attempt.
type Run struct {
	ID              string
	Status          string
	DBPath          string
	ConversationIDs []int64
	SkipUpload      bool

	Conversations      int
	Messages           int
	Attachments        int
	MissingAttachments int
	ArchivePath        string
	Fingerprint        string
	ArchiveSize        int64

	JobState   string
	JobID      string
	ResultsURL string

	ErrorClass   string
	ErrorMessage string

	StartedAt  time.Time
	FinishedAt time.Time // zero while running
}

// RunOutcome is what FinishRun records.
type RunOutcome struct {
	Status             string
	Conversations      int
	Messages           int
	Attachments        int
	MissingAttachments int
	ArchivePath        string
	Fingerprint        string
	ArchiveSize        int64
	JobID              string
	ResultsURL         string
	ErrorClass         string
	ErrorMessage       string
	FinishedAt         time.Time
}

// InsertRun records a started run. Inserting an id twice is a no-op.
func (db *DB) InsertRun(r *Run) error {
	status := r.Status
	if status == "" {
		status = RunRunning
	}
	_, err := db.Exec(`
		INSERT INTO runs (id, status, db_path, conversation_ids, skip_upload, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		r.ID, status, r.DBPath, joinIDs(r.ConversationIDs), r.SkipUpload, r.StartedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.ID, err)
	}
	return nil
}

// UpdateRunState records the latest upload job state of a run.
func (db *DB) UpdateRunState(runID, jobState, jobID, resultsURL string, at time.Time) error {
	res, err := db.Exec(`
		UPDATE runs SET
			job_state = ?,
			job_id = CASE WHEN ? = '' THEN job_id ELSE ? END,
			results_url = CASE WHEN ? = '' THEN results_url ELSE ? END,
			job_updated_at = ?
		WHERE id = ?`,
		jobState, jobID, jobID, resultsURL, resultsURL, at.UnixMilli(), runID)
	if err != nil {
		return fmt.Errorf("update run %s: %w", runID, err)
	}
	return expectOne(res, runID)
}

// FinishRun stores the terminal outcome of a run.
func (db *DB) FinishRun(runID string, o RunOutcome) error {
	res, err := db.Exec(`
		UPDATE runs SET
			status = ?,
			conversations = ?,
			messages = ?,
			attachments = ?,
			missing_attachments = ?,
			archive_path = ?,
			fingerprint = ?,
			archive_size = ?,
			job_id = CASE WHEN ? = '' THEN job_id ELSE ? END,
			results_url = CASE WHEN ? = '' THEN results_url ELSE ? END,
			error_class = ?,
			error_message = ?,
			finished_at = ?
		WHERE id = ?`,
		o.Status, o.Conversations, o.Messages, o.Attachments, o.MissingAttachments,
		o.ArchivePath, o.Fingerprint, o.ArchiveSize,
		o.JobID, o.JobID, o.ResultsURL, o.ResultsURL,
		o.ErrorClass, o.ErrorMessage, o.FinishedAt.UnixMilli(), runID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	return expectOne(res, runID)
}

// MarkInterrupted closes runs left in running state by a crashed process.
func (db *DB) MarkInterrupted(at time.Time) (int64, error) {
	res, err := db.Exec(`
		UPDATE runs SET status = ?, error_message = 'process exited before the run finished', finished_at = ?
		WHERE status = ?`, RunInterrupted, at.UnixMilli(), RunRunning)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted runs: %w", err)
	}
	return res.RowsAffected()
}

const runColumns = `id, status, db_path, conversation_ids, skip_upload,
	conversations, messages, attachments, missing_attachments,
	archive_path, fingerprint, archive_size,
	job_state, job_id, results_url, error_class, error_message,
	started_at, finished_at`

// GetRun returns one run.
func (db *DB) GetRun(id string) (*Run, bool, error) {
	row := db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (db *DB) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var (
		r                 Run
		ids               string
		started, finished int64
	)
	if err := s.Scan(&r.ID, &r.Status, &r.DBPath, &ids, &r.SkipUpload,
		&r.Conversations, &r.Messages, &r.Attachments, &r.MissingAttachments,
		&r.ArchivePath, &r.Fingerprint, &r.ArchiveSize,
		&r.JobState, &r.JobID, &r.ResultsURL, &r.ErrorClass, &r.ErrorMessage,
		&started, &finished); err != nil {
		return nil, err
	}
	r.ConversationIDs = splitIDs(ids)
	r.StartedAt = time.UnixMilli(started)
	if finished > 0 {
		r.FinishedAt = time.UnixMilli(finished)
	}
	return &r, nil
}

func expectOne(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", runID, sql.ErrNoRows)
	}
	return nil
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func splitIDs(s string) []int64 {
	if s == "" {
		return nil
	}
	var ids []int64
	for _, p := range strings.Split(s, ",") {
		if id, err := strconv.ParseInt(p, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
