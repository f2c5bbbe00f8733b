package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/tenderops/classipipe/internal/core/domain"
	"github.com/tenderops/classipipe/internal/infra/coord"
	"github.com/tenderops/classipipe/internal/infra/storage"
	"github.com/tenderops/classipipe/internal/pipeline/metrics"
)

// Config holds migration coordinator configuration.
type Config struct {
	// BatchSize is the source read window size.
	BatchSize int
	// MaxReadRetries bounds retries of a failed source window read.
	MaxReadRetries int
	// LockTTL is the TTL of the migration lock; refreshed each window.
	LockTTL time.Duration
	// PausePoll is how often a paused job rechecks its state.
	PausePoll time.Duration
}

// ErrLockHeld is returned when another process already runs the migration.
var ErrLockHeld = errors.New("migration lock held by another process")

// Coordinator runs resumable migration jobs from the source dataset into the
// record store. At most one job is active at a time and one process runs it.
type Coordinator struct {
	cfg     Config
	jobs    storage.JobRepository
	records storage.RecordRepository
	source  storage.SourceReader
	coord   coord.Store
	log     *slog.Logger
}

// New creates a migration coordinator.
func New(
	cfg Config,
	jobs storage.JobRepository,
	records storage.RecordRepository,
	source storage.SourceReader,
	cs coord.Store,
	log *slog.Logger,
) *Coordinator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.MaxReadRetries <= 0 {
		cfg.MaxReadRetries = 3
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if cfg.PausePoll <= 0 {
		cfg.PausePoll = time.Second
	}
	return &Coordinator{
		cfg:     cfg,
		jobs:    jobs,
		records: records,
		source:  source,
		coord:   cs,
		log:     log.With("component", "migrate"),
	}
}

// Start creates a new migration job. Fails with storage.ErrJobAlreadyRunning
// while another job is still active.
func (c *Coordinator) Start(ctx context.Context) (*domain.MigrationJob, error) {
	total, err := c.source.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count source: %w", err)
	}

	job := &domain.MigrationJob{
		JobID:            uuid.NewString(),
		State:            domain.JobStateRunning,
		SourceCollection: c.source.Collection(),
		TotalRecords:     total,
		CreatedAt:        time.Now(),
	}

	if err := c.jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	c.log.Info("migration job created",
		"job_id", job.JobID,
		"collection", job.SourceCollection,
		"total", total,
	)
	return job, nil
}

// Pause requests the job to stop after the current window.
func (c *Coordinator) Pause(ctx context.Context, jobID string) error {
	return c.jobs.SetState(ctx, jobID, domain.JobStatePaused)
}

// Resume moves a paused or failed job back to running. The run loop picks it
// up from the durable cursor.
func (c *Coordinator) Resume(ctx context.Context, jobID string) error {
	return c.jobs.SetState(ctx, jobID, domain.JobStateRunning)
}

// Job returns the job by id.
func (c *Coordinator) Job(ctx context.Context, jobID string) (*domain.MigrationJob, error) {
	return c.jobs.Get(ctx, jobID)
}

// RunActive runs the currently active job, if any. Called on process start so
// an interrupted migration resumes without operator action.
func (c *Coordinator) RunActive(ctx context.Context) error {
	job, err := c.jobs.GetActive(ctx)
	if errors.Is(err, storage.ErrJobNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return c.Run(ctx, job.JobID)
}

// Run drives the job until it completes, fails, or the context ends. The
// migration lock guarantees a single writer; windows are idempotent so a crash
// between the write and the cursor update only replays duplicates that the
// unique source key silently drops.
func (c *Coordinator) Run(ctx context.Context, jobID string) error {
	lockName := "migration:" + jobID
	ok, err := c.coord.AcquireLock(ctx, lockName, c.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrLockHeld
	}
	defer func() {
		if err := c.coord.ReleaseLock(context.Background(), lockName); err != nil {
			c.log.Warn("failed to release migration lock", "job_id", jobID, "error", err)
		}
	}()

	c.log.Info("migration run started", "job_id", jobID)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, err := c.jobs.Get(ctx, jobID)
		if err != nil {
			return err
		}

		switch job.State {
		case domain.JobStateRunning:
		case domain.JobStatePaused:
			if err := sleepCtx(ctx, c.cfg.PausePoll); err != nil {
				return err
			}
			if err := c.coord.RefreshLock(ctx, lockName, c.cfg.LockTTL); err != nil {
				c.log.Warn("failed to refresh migration lock", "job_id", jobID, "error", err)
			}
			continue
		default:
			c.log.Info("migration run finished", "job_id", jobID, "state", job.State)
			return nil
		}

		done, err := c.migrateWindow(ctx, job)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error("migration window failed, marking job failed",
				"job_id", jobID,
				"cursor", job.Cursor,
				"error", err,
			)
			if stateErr := c.jobs.SetState(ctx, jobID, domain.JobStateFailed); stateErr != nil {
				c.log.Error("failed to mark job failed", "job_id", jobID, "error", stateErr)
			}
			return err
		}
		if done {
			if err := c.jobs.SetState(ctx, jobID, domain.JobStateCompleted); err != nil {
				return err
			}
			c.log.Info("migration completed",
				"job_id", jobID,
				"migrated", job.MigratedRecords,
			)
			return nil
		}

		if err := c.coord.RefreshLock(ctx, lockName, c.cfg.LockTTL); err != nil {
			c.log.Warn("failed to refresh migration lock", "job_id", jobID, "error", err)
		}
	}
}

// migrateWindow reads one window after the cursor, writes it, and advances the
// cursor. Returns done=true when the source is exhausted.
func (c *Coordinator) migrateWindow(ctx context.Context, job *domain.MigrationJob) (bool, error) {
	items, err := c.readWindow(ctx, job.Cursor)
	if err != nil {
		return false, err
	}
	if len(items) == 0 {
		return true, nil
	}

	records := make([]*domain.Record, len(items))
	for i, item := range items {
		records[i] = &domain.Record{
			ID:               uuid.NewString(),
			SourceCollection: job.SourceCollection,
			SourceID:         item.SourceID,
			Title:            item.Title,
			Status:           domain.StatusPending,
		}
	}

	inserted, err := c.records.UpsertBatch(ctx, records)
	if err != nil {
		return false, fmt.Errorf("write window: %w", err)
	}

	metrics.RecordsMigrated.WithLabelValues(job.SourceCollection).Add(float64(inserted))
	metrics.RecordsSkipped.WithLabelValues(job.SourceCollection).Add(float64(len(items) - inserted))
	if job.TotalRecords > 0 {
		remaining := job.TotalRecords - job.MigratedRecords - int64(len(items))
		if remaining < 0 {
			remaining = 0
		}
		metrics.MigrationCursorLag.WithLabelValues(job.SourceCollection).Set(float64(remaining))
	}

	job.MigratedRecords += int64(len(items))
	job.Cursor = items[len(items)-1].SourceID

	if err := c.jobs.UpdateProgress(ctx, job.JobID, job.Cursor, job.MigratedRecords); err != nil {
		return false, fmt.Errorf("persist progress: %w", err)
	}

	c.log.Debug("window migrated",
		"job_id", job.JobID,
		"cursor", job.Cursor,
		"read", len(items),
		"inserted", inserted,
	)
	return false, nil
}

// readWindow reads one source window with exponential backoff on transient
// source errors. The job fails only after the retry budget is exhausted.
func (c *Coordinator) readWindow(ctx context.Context, cursor string) ([]domain.SourceItem, error) {
	var items []domain.SourceItem

	backoff := retry.WithMaxRetries(
		uint64(c.cfg.MaxReadRetries),
		retry.NewExponential(500*time.Millisecond),
	)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		window, err := c.source.ReadWindow(ctx, cursor, c.cfg.BatchSize)
		if err != nil {
			c.log.Warn("source read failed, retrying", "cursor", cursor, "error", err)
			return retry.RetryableError(err)
		}
		items = window
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read window after %d retries: %w", c.cfg.MaxReadRetries, err)
	}
	return items, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
