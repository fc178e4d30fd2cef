// Package store is the single source of truth for job and result state.
// It holds no execution logic; the jobs package drives every mutation.
// All writes are transactional so that a crash mid-write leaves either
// the old or the new state, and conditional updates guard the status
// transitions that must happen at most once.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id          TEXT PRIMARY KEY,
	status          TEXT NOT NULL,
	total_items     INTEGER NOT NULL,
	processed_items INTEGER NOT NULL DEFAULT 0,
	error_message   TEXT,
	created_at      TIMESTAMP NOT NULL,
	started_at      TIMESTAMP,
	completed_at    TIMESTAMP
);

CREATE TABLE IF NOT EXISTS job_results (
	result_id     INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id        TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
	item          TEXT NOT NULL,
	success       INTEGER NOT NULL,
	error_message TEXT,
	details       TEXT,
	created_at    TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_completed_at ON jobs(completed_at);
CREATE INDEX IF NOT EXISTS idx_job_results_job_id ON job_results(job_id);
`

// Store handles all database operations for jobs and their results
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// New creates a Store and ensures the schema exists
func New(db *sqlx.DB, logger *slog.Logger) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger,
	}, nil
}

// CreateJob inserts a new QUEUED job row. Returns ErrJobExists when the
// id is already taken.
func (s *Store) CreateJob(ctx context.Context, jobID string, totalItems int, createdAt time.Time) error {
	query := `
		INSERT OR IGNORE INTO jobs (job_id, status, total_items, processed_items, created_at)
		VALUES (?, ?, ?, 0, ?)
	`

	result, err := s.db.ExecContext(ctx, query, jobID, JobStatusQueued, totalItems, createdAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrJobExists
	}

	s.logger.Info("Job created",
		slog.String("job_id", jobID),
		slog.Int("total_items", totalItems),
	)

	return nil
}

// GetJob returns a full snapshot of a job including its results in
// insertion order
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	query := `
		SELECT job_id, status, total_items, processed_items, error_message,
		       created_at, started_at, completed_at
		FROM jobs
		WHERE job_id = ?
	`

	err := s.db.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	resultsQuery := `
		SELECT result_id, job_id, item, success, error_message, details, created_at
		FROM job_results
		WHERE job_id = ?
		ORDER BY result_id
	`

	if err := s.db.SelectContext(ctx, &job.Results, resultsQuery, jobID); err != nil {
		return nil, fmt.Errorf("failed to load job results: %w", err)
	}

	return &job, nil
}

// ListJobs returns summaries for all jobs, newest first
func (s *Store) ListJobs(ctx context.Context) ([]JobSummary, error) {
	query := `
		SELECT job_id, status, total_items, processed_items, error_message,
		       created_at, started_at, completed_at
		FROM jobs
		ORDER BY created_at DESC, job_id DESC
	`

	summaries := []JobSummary{}
	if err := s.db.SelectContext(ctx, &summaries, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return summaries, nil
}

// StatusUpdate carries the optional fields of an UpdateStatus call.
// Nil fields are left untouched.
type StatusUpdate struct {
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage *string
}

// UpdateStatus sets a job's status and any provided optional fields.
// It applies whatever transition the caller asks for; guarding the
// transition is the caller's job (see ClaimJob, FinishJob, CancelJob
// for the guarded variants).
func (s *Store) UpdateStatus(ctx context.Context, jobID, status string, update StatusUpdate) error {
	query := `
		UPDATE jobs
		SET status = ?,
		    started_at = COALESCE(?, started_at),
		    completed_at = COALESCE(?, completed_at),
		    error_message = COALESCE(?, error_message)
		WHERE job_id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		status,
		nullableTime(update.StartedAt),
		nullableTime(update.CompletedAt),
		update.ErrorMessage,
		jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrJobNotFound
	}

	return nil
}

// ClaimJob atomically transitions a job from QUEUED to PROCESSING.
// The conditional update is what makes a job startable at most once:
// of N concurrent claims exactly one sees status = QUEUED.
func (s *Store) ClaimJob(ctx context.Context, jobID string, startedAt time.Time) error {
	query := `
		UPDATE jobs
		SET status = ?, started_at = ?
		WHERE job_id = ? AND status = ?
	`

	result, err := s.db.ExecContext(ctx, query, JobStatusProcessing, startedAt.UTC(), jobID, JobStatusQueued)
	if err != nil {
		return fmt.Errorf("failed to claim job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if exists, existsErr := s.jobExists(ctx, jobID); existsErr != nil {
			return existsErr
		} else if !exists {
			return ErrJobNotFound
		}
		return ErrJobNotQueued
	}

	s.logger.Info("Job claimed",
		slog.String("job_id", jobID),
	)

	return nil
}

// FinishJob transitions a PROCESSING job to the given terminal status.
// A job cancelled while its items were still running is left alone:
// the update is conditioned on PROCESSING so a terminal status is
// never overwritten.
func (s *Store) FinishJob(ctx context.Context, jobID, status string, completedAt time.Time, errorMessage string) error {
	if !IsTerminal(status) {
		return fmt.Errorf("finish status %q is not terminal", status)
	}

	query := `
		UPDATE jobs
		SET status = ?, completed_at = ?, error_message = ?
		WHERE job_id = ? AND status = ?
	`

	var errMsg any
	if errorMessage != "" {
		errMsg = errorMessage
	}

	result, err := s.db.ExecContext(ctx, query, status, completedAt.UTC(), errMsg, jobID, JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if exists, existsErr := s.jobExists(ctx, jobID); existsErr != nil {
			return existsErr
		} else if !exists {
			return ErrJobNotFound
		}
		return ErrJobNotProcessing
	}

	s.logger.Info("Job finished",
		slog.String("job_id", jobID),
		slog.String("status", status),
	)

	return nil
}

// CancelJob transitions a QUEUED or PROCESSING job to CANCELLED. The
// completion timestamp is set so the retention sweep applies to
// cancelled jobs too.
func (s *Store) CancelJob(ctx context.Context, jobID string, completedAt time.Time) error {
	query := `
		UPDATE jobs
		SET status = ?, completed_at = ?
		WHERE job_id = ? AND status IN (?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		JobStatusCancelled, completedAt.UTC(), jobID, JobStatusQueued, JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if exists, existsErr := s.jobExists(ctx, jobID); existsErr != nil {
			return existsErr
		} else if !exists {
			return ErrJobNotFound
		}
		return ErrJobFinished
	}

	s.logger.Info("Job cancelled",
		slog.String("job_id", jobID),
	)

	return nil
}

// AddResult appends an item result and recomputes processed_items in
// the same transaction, so no reader ever sees the count out of step
// with the results table.
func (s *Store) AddResult(ctx context.Context, jobID string, res *ItemResult) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.GetContext(ctx, &exists, `SELECT COUNT(*) FROM jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("failed to check job: %w", err)
	}
	if exists == 0 {
		return ErrJobNotFound
	}

	createdAt := res.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	insertQuery := `
		INSERT INTO job_results (job_id, item, success, error_message, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	var errMsg any
	if res.ErrorMessage.Valid {
		errMsg = res.ErrorMessage.String
	}

	if _, err := tx.ExecContext(ctx, insertQuery, jobID, res.Item, res.Success, errMsg, res.Details, createdAt.UTC()); err != nil {
		return fmt.Errorf("failed to insert result: %w", err)
	}

	countQuery := `
		UPDATE jobs
		SET processed_items = (SELECT COUNT(*) FROM job_results WHERE job_id = ?)
		WHERE job_id = ?
	`

	if _, err := tx.ExecContext(ctx, countQuery, jobID, jobID); err != nil {
		return fmt.Errorf("failed to update processed count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit result: %w", err)
	}

	return nil
}

// DeleteJob removes a job and, via the cascade, its results
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrJobNotFound
	}

	s.logger.Info("Job deleted",
		slog.String("job_id", jobID),
	)

	return nil
}

// CleanupOlderThan deletes terminal jobs completed before cutoff and
// returns how many were removed
func (s *Store) CleanupOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM jobs
		WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?
	`

	result, err := s.db.ExecContext(ctx, query,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up jobs: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

func (s *Store) jobExists(ctx context.Context, jobID string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to check job existence: %w", err)
	}
	return count > 0, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
