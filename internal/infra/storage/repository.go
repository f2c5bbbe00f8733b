package storage

import (
	"context"
	"errors"

	"github.com/tenderops/classipipe/internal/core/domain"
)

var (
	// ErrRecordNotFound is returned when a record doesn't exist
	ErrRecordNotFound = errors.New("record not found")

	// ErrJobNotFound is returned when a migration job doesn't exist
	ErrJobNotFound = errors.New("migration job not found")

	// ErrJobAlreadyRunning is returned when a migration job is started while
	// another job is still active
	ErrJobAlreadyRunning = errors.New("migration job already running")
)

// RecordRepository handles record storage operations
type RecordRepository interface {
	// UpsertBatch inserts records, silently skipping rows whose
	// (source_collection, source_id) already exists. Returns the number of
	// rows actually inserted.
	UpsertBatch(ctx context.Context, records []*domain.Record) (int, error)

	// CandidateIDs returns ids of records in the given status, oldest first.
	CandidateIDs(ctx context.Context, status domain.Status, limit int) ([]string, error)

	// MarkProcessing moves the given records from `from` to processing,
	// stamping batch and worker, and returns the ids actually moved. Records
	// that changed status since candidate selection are skipped.
	MarkProcessing(ctx context.Context, ids []string, from domain.Status, batchID, workerID string) ([]string, error)

	// ApplyResults writes per-record batch outcomes: status, groups, final
	// code/name and error message. Only records still in processing under
	// batchID are touched, so a release arriving after the lease expired and
	// the record was reclaimed is a no-op.
	ApplyResults(ctx context.Context, batchID string, updates []domain.StatusUpdate) error

	// GetBatch retrieves the records with the given ids.
	GetBatch(ctx context.Context, ids []string) ([]*domain.Record, error)

	// ProcessingIDs returns ids of all records currently in processing.
	ProcessingIDs(ctx context.Context) ([]string, error)

	// Requeue reverts batchID's processing records back to a claimable status:
	// records carrying coarse groups go to classified, the rest to pending.
	// Records no longer owned by batchID are left alone.
	Requeue(ctx context.Context, batchID string, ids []string) error

	// ResetFailed moves failed records back to pending, clearing any prior
	// classification output and error message. Returns the number reset.
	ResetFailed(ctx context.Context) (int, error)

	// Get retrieves a record by id.
	Get(ctx context.Context, id string) (*domain.Record, error)

	// CountByStatus returns record counts grouped by status.
	CountByStatus(ctx context.Context) (map[domain.Status]int64, error)

	// CollectionCounts returns record counts grouped by source collection.
	CollectionCounts(ctx context.Context) (map[string]int64, error)

	// ActiveWorkers reports, per worker, how many records it currently holds
	// in processing and when it last touched one.
	ActiveWorkers(ctx context.Context) ([]domain.WorkerActivity, error)

	// Count returns the total number of records.
	Count(ctx context.Context) (int64, error)
}

// JobRepository handles migration job storage operations
type JobRepository interface {
	// Create persists a new job. Fails with ErrJobAlreadyRunning when another
	// job is still active (running or paused).
	Create(ctx context.Context, job *domain.MigrationJob) error

	// Get retrieves a job by id.
	Get(ctx context.Context, jobID string) (*domain.MigrationJob, error)

	// GetActive retrieves the currently active job, or ErrJobNotFound.
	GetActive(ctx context.Context) (*domain.MigrationJob, error)

	// UpdateProgress durably records the cursor and migrated count after a
	// window has been written.
	UpdateProgress(ctx context.Context, jobID string, cursor string, migrated int64) error

	// SetState transitions the job state, validating against JobTransitions.
	SetState(ctx context.Context, jobID string, state domain.JobState) error
}

// SourceReader reads from the read-only source dataset. Implementations never
// mutate the source.
type SourceReader interface {
	// Collection returns the name of the source collection being read.
	Collection() string

	// Count returns the total number of items in the source.
	Count(ctx context.Context) (int64, error)

	// ReadWindow returns up to limit items with ids strictly after afterID,
	// in ascending id order. An empty afterID reads from the beginning.
	ReadWindow(ctx context.Context, afterID string, limit int) ([]domain.SourceItem, error)
}
