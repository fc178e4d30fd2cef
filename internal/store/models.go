package store

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Job status constants
const (
	JobStatusQueued     = "QUEUED"
	JobStatusProcessing = "PROCESSING"
	JobStatusCompleted  = "COMPLETED"
	JobStatusFailed     = "FAILED"
	JobStatusCancelled  = "CANCELLED"
)

// IsTerminal reports whether a status permits no further transitions
func IsTerminal(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job is one tracked batch operation over a list of work items
type Job struct {
	JobID          string         `db:"job_id"`
	Status         string         `db:"status"`
	TotalItems     int            `db:"total_items"`
	ProcessedItems int            `db:"processed_items"`
	ErrorMessage   sql.NullString `db:"error_message"`
	CreatedAt      time.Time      `db:"created_at"`
	StartedAt      sql.NullTime   `db:"started_at"`
	CompletedAt    sql.NullTime   `db:"completed_at"`

	// Results are loaded in insertion order alongside the row
	Results []ItemResult `db:"-"`
}

// Progress returns the processed fraction, 0 when the job has no items
func (j *Job) Progress() float64 {
	if j.TotalItems == 0 {
		return 0
	}
	return float64(j.ProcessedItems) / float64(j.TotalItems)
}

// JobSummary is the listing shape: counts and timestamps, no results
type JobSummary struct {
	JobID          string         `db:"job_id"`
	Status         string         `db:"status"`
	TotalItems     int            `db:"total_items"`
	ProcessedItems int            `db:"processed_items"`
	ErrorMessage   sql.NullString `db:"error_message"`
	CreatedAt      time.Time      `db:"created_at"`
	StartedAt      sql.NullTime   `db:"started_at"`
	CompletedAt    sql.NullTime   `db:"completed_at"`
}

// Progress returns the processed fraction, 0 when the job has no items
func (s *JobSummary) Progress() float64 {
	if s.TotalItems == 0 {
		return 0
	}
	return float64(s.ProcessedItems) / float64(s.TotalItems)
}

// ItemResult is the recorded outcome of one work item
type ItemResult struct {
	ResultID     int64          `db:"result_id"`
	JobID        string         `db:"job_id"`
	Item         string         `db:"item"`
	Success      bool           `db:"success"`
	ErrorMessage sql.NullString `db:"error_message"`
	Details      Details        `db:"details"`
	CreatedAt    time.Time      `db:"created_at"`
}

// Details is an open string-keyed map giving structured context for a
// result. Stored as a JSON text column.
type Details map[string]string

// Value implements driver.Valuer
func (d Details) Value() (driver.Value, error) {
	if len(d) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal details: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner
func (d *Details) Scan(src any) error {
	if src == nil {
		*d = nil
		return nil
	}

	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported details column type %T", src)
	}

	if len(data) == 0 {
		*d = nil
		return nil
	}

	if err := json.Unmarshal(data, d); err != nil {
		return fmt.Errorf("failed to unmarshal details: %w", err)
	}
	return nil
}
