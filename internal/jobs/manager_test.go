package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mleenorris/ComicMaintainer-sub000/internal/events"
	"github.com/mleenorris/ComicMaintainer-sub000/internal/store"
	"github.com/mleenorris/ComicMaintainer-sub000/shared/sqlite"
)

func newTestManager(t *testing.T) (*Manager, *store.Store, *events.Broadcaster) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	client, err := sqlite.NewClient(&sqlite.Config{
		Path: filepath.Join(t.TempDir(), "jobs.db"),
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	jobStore, err := store.New(client.GetDB(), logger)
	require.NoError(t, err)

	broadcaster := events.NewBroadcaster(100, logger)

	m := NewManager(&Config{
		Store:           jobStore,
		Events:          broadcaster,
		Logger:          logger,
		Concurrency:     4,
		QueueDepth:      64,
		CleanupInterval: time.Hour,
		RetentionWindow: 24 * time.Hour,
	})
	t.Cleanup(m.Shutdown)

	return m, jobStore, broadcaster
}

// waitForStatus polls until the job reaches the wanted status
func waitForStatus(t *testing.T, s *store.Store, jobID, status string) *store.Job {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := s.GetJob(context.Background(), jobID)
		require.NoError(t, err)
		if job.Status == status {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s", jobID, status)
	return nil
}

func waitForProcessed(t *testing.T, s *store.Store, jobID string, count int) *store.Job {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := s.GetJob(context.Background(), jobID)
		require.NoError(t, err)
		if job.ProcessedItems >= count {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never processed %d items", jobID, count)
	return nil
}

func TestCreateJob(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	jobID, err := m.CreateJob(ctx, []string{"a.cbz", "b.cbz"})
	require.NoError(t, err)

	_, err = uuid.Parse(jobID)
	require.NoError(t, err)

	job, err := s.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusQueued, job.Status)
	assert.Equal(t, 2, job.TotalItems)
}

func TestCreateJob_NoItems(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.CreateJob(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoItems)
}

func TestStartJob_CompletesWithPartialFailures(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	items := []string{"item-1", "item-2", "item-3", "item-4", "item-5"}
	process := func(ctx context.Context, item string) (store.Details, error) {
		if item == "item-2" || item == "item-4" {
			return nil, fmt.Errorf("unreadable archive %s", item)
		}
		return store.Details{"file": item}, nil
	}

	jobID, err := m.CreateJob(ctx, items)
	require.NoError(t, err)
	require.NoError(t, m.StartJob(ctx, jobID, process, items))

	// A batch with item failures still completes
	job := waitForStatus(t, s, jobID, store.JobStatusCompleted)
	assert.Equal(t, 5, job.ProcessedItems)
	assert.Len(t, job.Results, 5)

	var failed int
	for _, r := range job.Results {
		if !r.Success {
			failed++
			assert.Contains(t, r.ErrorMessage.String, "unreadable archive")
		} else {
			assert.NotEmpty(t, r.Details["file"])
		}
	}
	assert.Equal(t, 2, failed)
}

func TestStartJob_InvalidID(t *testing.T) {
	m, _, _ := newTestManager(t)

	err := m.StartJob(context.Background(), "not-a-uuid", nopProcess, []string{"a"})
	assert.ErrorIs(t, err, ErrInvalidJobID)
}

func TestStartJob_NotFound(t *testing.T) {
	m, _, _ := newTestManager(t)

	err := m.StartJob(context.Background(), uuid.New().String(), nopProcess, []string{"a"})
	assert.ErrorIs(t, err, store.ErrJobNotFound)
}

func TestStartJob_AlreadyFinished(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	jobID, err := m.CreateJob(ctx, []string{"a"})
	require.NoError(t, err)
	require.NoError(t, m.StartJob(ctx, jobID, nopProcess, []string{"a"}))
	waitForStatus(t, s, jobID, store.JobStatusCompleted)

	err = m.StartJob(ctx, jobID, nopProcess, []string{"a"})
	assert.ErrorIs(t, err, store.ErrJobFinished)
}

func TestStartJob_ConcurrentStartsWinOnce(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	items := []string{"a", "b", "c"}
	gate := make(chan struct{})
	var executions atomic.Int32
	process := func(ctx context.Context, item string) (store.Details, error) {
		<-gate
		executions.Add(1)
		return nil, nil
	}

	jobID, err := m.CreateJob(ctx, items)
	require.NoError(t, err)

	const starters = 6
	errCh := make(chan error, starters)
	var wg sync.WaitGroup
	for i := 0; i < starters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- m.StartJob(ctx, jobID, process, items)
		}()
	}
	wg.Wait()
	close(errCh)

	var wins, losses int
	for err := range errCh {
		if err == nil {
			wins++
		} else {
			require.ErrorIs(t, err, ErrJobAlreadyRunning)
			losses++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, starters-1, losses)

	close(gate)
	waitForStatus(t, s, jobID, store.JobStatusCompleted)

	// Exactly one execution pass over the items
	assert.Equal(t, int32(len(items)), executions.Load())
}

func TestStartJob_ItemCountMismatch(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	jobID, err := m.CreateJob(ctx, []string{"a", "b"})
	require.NoError(t, err)

	err = m.StartJob(ctx, jobID, nopProcess, []string{"a", "b", "c"})
	assert.ErrorIs(t, err, ErrItemCountMismatch)

	// The job is untouched and still startable with the right list
	require.NoError(t, m.StartJob(ctx, jobID, nopProcess, []string{"a", "b"}))
}

func TestStartJob_ResultWriteFailureEndsFailed(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	client, err := sqlite.NewClient(&sqlite.Config{
		Path: filepath.Join(t.TempDir(), "jobs.db"),
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	jobStore, err := store.New(client.GetDB(), logger)
	require.NoError(t, err)

	m := NewManager(&Config{
		Store:           jobStore,
		Events:          events.NewBroadcaster(10, logger),
		Logger:          logger,
		Concurrency:     2,
		QueueDepth:      8,
		CleanupInterval: time.Hour,
		RetentionWindow: 24 * time.Hour,
	})
	t.Cleanup(m.Shutdown)

	ctx := context.Background()
	items := []string{"a", "b"}

	jobID, err := m.CreateJob(ctx, items)
	require.NoError(t, err)

	// Reject every result write while leaving the jobs table healthy
	_, err = client.GetDB().Exec(`
		CREATE TRIGGER reject_results BEFORE INSERT ON job_results
		BEGIN SELECT RAISE(ABORT, 'simulated storage failure'); END
	`)
	require.NoError(t, err)

	require.NoError(t, m.StartJob(ctx, jobID, nopProcess, items))

	// Unpersistable results must not leave the job wedged in
	// PROCESSING, nor let it pass as COMPLETED with results missing
	job := waitForStatus(t, jobStore, jobID, store.JobStatusFailed)
	require.True(t, job.ErrorMessage.Valid)
	assert.Contains(t, job.ErrorMessage.String, "failed to record item results")
	assert.Empty(t, job.Results)
	assert.True(t, job.CompletedAt.Valid)
}

func TestCancelJob_MidExecution(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	items := []string{"a", "b"}
	gate := make(chan struct{})
	process := func(ctx context.Context, item string) (store.Details, error) {
		<-gate
		return nil, nil
	}

	jobID, err := m.CreateJob(ctx, items)
	require.NoError(t, err)
	require.NoError(t, m.StartJob(ctx, jobID, process, items))
	waitForStatus(t, s, jobID, store.JobStatusProcessing)

	// Cancellation takes effect immediately
	require.NoError(t, m.CancelJob(ctx, jobID))
	job, err := s.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusCancelled, job.Status)

	// In-flight items are not interrupted: they finish and their
	// results are still recorded under the cancelled job
	close(gate)
	job = waitForProcessed(t, s, jobID, len(items))
	assert.Equal(t, store.JobStatusCancelled, job.Status)
	assert.Len(t, job.Results, len(items))
}

func TestCancelJob_Terminal(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	jobID, err := m.CreateJob(ctx, []string{"a"})
	require.NoError(t, err)
	require.NoError(t, m.StartJob(ctx, jobID, nopProcess, []string{"a"}))
	waitForStatus(t, s, jobID, store.JobStatusCompleted)

	err = m.CancelJob(ctx, jobID)
	assert.ErrorIs(t, err, store.ErrJobFinished)
}

func TestStartJob_PanickingItemIsContained(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	items := []string{"fine", "boom", "also-fine"}
	process := func(ctx context.Context, item string) (store.Details, error) {
		if item == "boom" {
			panic("corrupted page index")
		}
		return nil, nil
	}

	jobID, err := m.CreateJob(ctx, items)
	require.NoError(t, err)
	require.NoError(t, m.StartJob(ctx, jobID, process, items))

	job := waitForStatus(t, s, jobID, store.JobStatusCompleted)
	require.Len(t, job.Results, 3)

	var panicked *store.ItemResult
	for i := range job.Results {
		if job.Results[i].Item == "boom" {
			panicked = &job.Results[i]
		}
	}
	require.NotNil(t, panicked)
	assert.False(t, panicked.Success)
	assert.Contains(t, panicked.ErrorMessage.String, "corrupted page index")
}

func TestDeleteJob(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	jobID, err := m.CreateJob(ctx, []string{"a"})
	require.NoError(t, err)

	require.NoError(t, m.DeleteJob(ctx, jobID))
	_, err = s.GetJob(ctx, jobID)
	assert.ErrorIs(t, err, store.ErrJobNotFound)

	assert.ErrorIs(t, m.DeleteJob(ctx, "nope"), ErrInvalidJobID)
	assert.ErrorIs(t, m.DeleteJob(ctx, uuid.New().String()), store.ErrJobNotFound)
}

func TestListJobs(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateJob(ctx, []string{"a"})
	require.NoError(t, err)
	_, err = m.CreateJob(ctx, []string{"b", "c"})
	require.NoError(t, err)

	summaries, err := m.ListJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, summaries, 2)
}

func TestManager_PublishesJobEvents(t *testing.T) {
	m, s, broadcaster := newTestManager(t)
	ctx := context.Background()

	jobID, err := m.CreateJob(ctx, []string{"a", "b"})
	require.NoError(t, err)
	require.NoError(t, m.StartJob(ctx, jobID, nopProcess, []string{"a", "b"}))
	waitForStatus(t, s, jobID, store.JobStatusCompleted)

	// A late subscriber gets the terminal snapshot for this job
	sub := broadcaster.Subscribe()
	defer broadcaster.Unsubscribe(sub)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-sub.Events():
			if e.Type == events.TypeJobUpdated && e.Data["job_id"] == jobID {
				if e.Data["status"] == store.JobStatusCompleted {
					assert.Equal(t, 2, e.Data["total_items"])
					assert.Equal(t, 2, e.Data["processed_items"])
					assert.Equal(t, 1.0, e.Data["progress"])
					return
				}
			}
		case <-deadline:
			t.Fatal("no job_updated snapshot for completed job")
		}
	}
}

func TestShutdown_DrainsScheduledItems(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	items := []string{"a", "b", "c", "d"}
	process := func(ctx context.Context, item string) (store.Details, error) {
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	}

	jobID, err := m.CreateJob(ctx, items)
	require.NoError(t, err)
	require.NoError(t, m.StartJob(ctx, jobID, process, items))
	waitForStatus(t, s, jobID, store.JobStatusProcessing)

	m.Shutdown()

	// Every scheduled item finished before Shutdown returned
	job, err := s.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, len(items), job.ProcessedItems)

	// New work is refused after shutdown
	jobID2 := uuid.New().String()
	require.NoError(t, s.CreateJob(ctx, jobID2, 1, time.Now()))
	err = m.StartJob(ctx, jobID2, nopProcess, []string{"x"})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestCleanupLoop_PurgesOldTerminalJobs(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	client, err := sqlite.NewClient(&sqlite.Config{
		Path: filepath.Join(t.TempDir(), "jobs.db"),
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	jobStore, err := store.New(client.GetDB(), logger)
	require.NoError(t, err)

	ctx := context.Background()

	// A job finished two hours ago, well past a one hour retention
	oldJob := uuid.New().String()
	require.NoError(t, jobStore.CreateJob(ctx, oldJob, 1, time.Now().Add(-3*time.Hour)))
	require.NoError(t, jobStore.ClaimJob(ctx, oldJob, time.Now().Add(-2*time.Hour)))
	require.NoError(t, jobStore.FinishJob(ctx, oldJob, store.JobStatusCompleted, time.Now().Add(-2*time.Hour), ""))

	fresh := uuid.New().String()
	require.NoError(t, jobStore.CreateJob(ctx, fresh, 1, time.Now()))

	m := NewManager(&Config{
		Store:           jobStore,
		Events:          events.NewBroadcaster(10, logger),
		Logger:          logger,
		Concurrency:     1,
		QueueDepth:      4,
		CleanupInterval: 20 * time.Millisecond,
		RetentionWindow: time.Hour,
	})
	t.Cleanup(m.Shutdown)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, err := jobStore.GetJob(ctx, oldJob)
		if errors.Is(err, store.ErrJobNotFound) {
			// The queued job is untouched
			_, err = jobStore.GetJob(ctx, fresh)
			require.NoError(t, err)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("cleanup sweep never purged the old job")
}

func nopProcess(ctx context.Context, item string) (store.Details, error) {
	return nil, nil
}
