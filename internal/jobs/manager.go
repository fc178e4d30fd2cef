// Package jobs turns a list of work items plus a per-item processing
// function into a tracked, concurrently executed job. All job state
// lives in the store; the manager owns the worker pool, the completion
// bookkeeping, and the retention sweep.
package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mleenorris/ComicMaintainer-sub000/internal/events"
	"github.com/mleenorris/ComicMaintainer-sub000/internal/store"
)

// ProcessFunc does the actual work for one item. The returned details
// are recorded with the result; a returned error (or a panic) marks the
// item failed without aborting the rest of the batch.
type ProcessFunc func(ctx context.Context, item string) (store.Details, error)

// Config holds manager configuration
type Config struct {
	Store           *store.Store
	Events          *events.Broadcaster
	Logger          *slog.Logger
	Concurrency     int
	QueueDepth      int
	CleanupInterval time.Duration
	RetentionWindow time.Duration
}

// Manager creates, executes, and tracks jobs
type Manager struct {
	store  *store.Store
	events *events.Broadcaster
	logger *slog.Logger
	pool   *Pool

	cleanupInterval time.Duration
	retention       time.Duration

	stopCleanup chan struct{}
	wg          sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewManager creates a manager, spawns its worker pool, and starts the
// retention sweep
func NewManager(cfg *Config) *Manager {
	m := &Manager{
		store:           cfg.Store,
		events:          cfg.Events,
		logger:          cfg.Logger,
		pool:            NewPool(cfg.Concurrency, cfg.QueueDepth, cfg.Logger),
		cleanupInterval: cfg.CleanupInterval,
		retention:       cfg.RetentionWindow,
		stopCleanup:     make(chan struct{}),
	}

	m.wg.Add(1)
	go m.cleanupLoop()

	return m
}

// CreateJob generates an id and creates a QUEUED job sized to the item
// list. A store failure is returned, never swallowed: the caller must
// not end up holding an id that does not exist.
func (m *Manager) CreateJob(ctx context.Context, items []string) (string, error) {
	if len(items) == 0 {
		return "", ErrNoItems
	}

	jobID := uuid.New().String()
	if err := m.store.CreateJob(ctx, jobID, len(items), time.Now()); err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}

	m.publishJobUpdate(ctx, jobID)
	return jobID, nil
}

// StartJob transitions a QUEUED job to PROCESSING and schedules its
// items on the worker pool, returning immediately. Each failure mode
// has its own named reason: a caller must be able to tell "already
// running, don't retry" apart from "doesn't exist" apart from a
// malformed id.
func (m *Manager) StartJob(ctx context.Context, jobID string, process ProcessFunc, items []string) error {
	if _, err := uuid.Parse(jobID); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	m.mu.Unlock()

	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	switch {
	case job.Status == store.JobStatusProcessing:
		return fmt.Errorf("%w: %s", ErrJobAlreadyRunning, jobID)
	case store.IsTerminal(job.Status):
		return fmt.Errorf("%w: %s is %s", store.ErrJobFinished, jobID, job.Status)
	case len(items) != job.TotalItems:
		// Starting with a different list than the job was created for
		// would push processed_items past total_items
		return fmt.Errorf("%w: got %d items, job has %d", ErrItemCountMismatch, len(items), job.TotalItems)
	}

	if err := m.store.ClaimJob(ctx, jobID, time.Now()); err != nil {
		if err == store.ErrJobNotQueued {
			// Lost the race to a concurrent starter
			return fmt.Errorf("%w: %s", ErrJobAlreadyRunning, jobID)
		}
		return err
	}

	m.logger.Info("Job started",
		slog.String("job_id", jobID),
		slog.Int("total_items", len(items)),
	)
	m.publishJobUpdate(ctx, jobID)

	m.wg.Add(1)
	go m.runJob(jobID, process, items)

	return nil
}

// runJob schedules every item, waits for the batch, and records the
// terminal status. Execution deliberately uses a background context:
// the job outlives the request that started it.
func (m *Manager) runJob(jobID string, process ProcessFunc, items []string) {
	defer m.wg.Done()

	ctx := context.Background()

	var itemWG sync.WaitGroup
	var mu sync.Mutex
	var storeErr error
	var submitErr error

	for _, item := range items {
		item := item
		itemWG.Add(1)

		err := m.pool.Submit(func() {
			defer itemWG.Done()
			if err := m.processItem(ctx, jobID, item, process); err != nil {
				mu.Lock()
				if storeErr == nil {
					storeErr = err
				}
				mu.Unlock()
			}
		})
		if err != nil {
			itemWG.Done()
			submitErr = err
			break
		}
	}

	itemWG.Wait()

	completedAt := time.Now()
	var finishErr error
	switch {
	case submitErr != nil:
		finishErr = m.finishJob(ctx, jobID, store.JobStatusFailed, completedAt,
			fmt.Sprintf("failed to schedule all items: %s", submitErr))
	case storeErr != nil:
		// A result that could not be persisted makes the batch FAILED:
		// a COMPLETED job with silently missing results is worse than
		// an honest failure
		finishErr = m.finishJob(ctx, jobID, store.JobStatusFailed, completedAt,
			fmt.Sprintf("failed to record item results: %s", storeErr))
	default:
		finishErr = m.finishJob(ctx, jobID, store.JobStatusCompleted, completedAt, "")
	}

	if finishErr != nil {
		if finishErr == store.ErrJobNotProcessing {
			// Cancelled while items were still running; the recorded
			// status stays CANCELLED and the late results stand
			m.logger.Info("Job no longer processing, leaving status as is",
				slog.String("job_id", jobID),
			)
		} else {
			m.logger.Error("Failed to record job completion",
				slog.String("job_id", jobID),
				slog.Any("error", finishErr),
			)
		}
		return
	}

	m.logger.Info("Job finished",
		slog.String("job_id", jobID),
	)
	m.publishJobUpdate(ctx, jobID)
}

const (
	finishRetryAttempts = 5
	finishRetryDelay    = 200 * time.Millisecond
)

// finishJob records a terminal status, retrying storage failures with a
// growing delay. A job stuck in PROCESSING can never be started again
// and is never purged by the retention sweep, so a transient store
// outage must not be allowed to wedge it there.
func (m *Manager) finishJob(ctx context.Context, jobID, status string, completedAt time.Time, errorMessage string) error {
	var err error
	for attempt := 1; attempt <= finishRetryAttempts; attempt++ {
		err = m.store.FinishJob(ctx, jobID, status, completedAt, errorMessage)
		if err == nil || err == store.ErrJobNotProcessing || err == store.ErrJobNotFound {
			return err
		}

		m.logger.Warn("Failed to record job completion, retrying",
			slog.String("job_id", jobID),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		time.Sleep(finishRetryDelay * time.Duration(attempt))
	}
	return err
}

// processItem runs the processing function for one item and records
// the outcome. An item failure is contained here: it becomes a failed
// result and the batch continues. A failure to persist the result is
// not contained: it is returned so the batch finishes FAILED.
func (m *Manager) processItem(ctx context.Context, jobID, item string, process ProcessFunc) error {
	details, err := runProcess(ctx, item, process)

	result := &store.ItemResult{
		Item:    item,
		Success: err == nil,
		Details: details,
	}
	if err != nil {
		result.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
		m.logger.Warn("Item processing failed",
			slog.String("job_id", jobID),
			slog.String("item", item),
			slog.String("error", err.Error()),
		)
	}

	if storeErr := m.store.AddResult(ctx, jobID, result); storeErr != nil {
		m.logger.Error("Failed to record item result",
			slog.String("job_id", jobID),
			slog.String("item", item),
			slog.Any("error", storeErr),
		)
		return fmt.Errorf("failed to record result for %s: %w", item, storeErr)
	}

	m.events.Publish(events.TypeFileProcessed, map[string]any{
		"job_id":  jobID,
		"item":    item,
		"success": err == nil,
	})
	m.publishJobUpdate(ctx, jobID)
	return nil
}

// runProcess invokes the processing function with panic recovery so a
// panicking item is recorded as failed instead of killing the worker
func runProcess(ctx context.Context, item string, process ProcessFunc) (details store.Details, err error) {
	defer func() {
		if r := recover(); r != nil {
			details = nil
			err = fmt.Errorf("item processing panicked: %v", r)
		}
	}()

	return process(ctx, item)
}

// GetJob returns a full job snapshot
func (m *Manager) GetJob(ctx context.Context, jobID string) (*store.Job, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}
	return m.store.GetJob(ctx, jobID)
}

// ListJobs returns summaries for all jobs
func (m *Manager) ListJobs(ctx context.Context) ([]store.JobSummary, error) {
	return m.store.ListJobs(ctx)
}

// CancelJob marks a non-terminal job CANCELLED. Items already on the
// pool are not interrupted; they finish and their results are still
// recorded.
func (m *Manager) CancelJob(ctx context.Context, jobID string) error {
	if _, err := uuid.Parse(jobID); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}

	if err := m.store.CancelJob(ctx, jobID, time.Now()); err != nil {
		return err
	}

	m.logger.Info("Job cancelled",
		slog.String("job_id", jobID),
	)
	m.publishJobUpdate(ctx, jobID)
	return nil
}

// DeleteJob removes a job and its results
func (m *Manager) DeleteJob(ctx context.Context, jobID string) error {
	if _, err := uuid.Parse(jobID); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}
	return m.store.DeleteJob(ctx, jobID)
}

// Shutdown stops the retention sweep, refuses new submissions, and
// blocks until every scheduled item has completed so no result is lost
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.logger.Info("Job manager shutting down")
	close(m.stopCleanup)
	m.pool.Shutdown()
	m.wg.Wait()
	m.logger.Info("Job manager stopped")
}

// cleanupLoop periodically purges terminal jobs older than the
// retention window
func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCleanup:
			return

		case <-ticker.C:
			cutoff := time.Now().Add(-m.retention)
			count, err := m.store.CleanupOlderThan(context.Background(), cutoff)
			if err != nil {
				m.logger.Error("Job cleanup failed",
					slog.Any("error", err),
				)
				continue
			}
			if count > 0 {
				m.logger.Info("Purged old jobs",
					slog.Int64("count", count),
					slog.Time("cutoff", cutoff),
				)
			}
		}
	}
}

// publishJobUpdate broadcasts the current snapshot of a job
func (m *Manager) publishJobUpdate(ctx context.Context, jobID string) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		m.logger.Error("Failed to load job for event",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return
	}

	data := map[string]any{
		"job_id":          job.JobID,
		"status":          job.Status,
		"total_items":     job.TotalItems,
		"processed_items": job.ProcessedItems,
		"progress":        job.Progress(),
	}
	if job.ErrorMessage.Valid {
		data["error"] = job.ErrorMessage.String
	}

	m.events.Publish(events.TypeJobUpdated, data)
}
