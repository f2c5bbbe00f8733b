package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tenderops/classipipe/internal/core/domain"
	"github.com/tenderops/classipipe/internal/infra/storage"
)

// JobRepo implements storage.JobRepository using PostgreSQL.
type JobRepo struct {
	db *DB
}

// NewJobRepo creates a new PostgreSQL migration job repository.
func NewJobRepo(db *DB) *JobRepo {
	return &JobRepo{db: db}
}

const jobColumns = `job_id, state, source_collection, total_records,
	migrated_records, cursor, created_at, updated_at, completed_at`

// Create persists a new job. The insert and the active-job check run as one
// statement so two concurrent starts can never both succeed.
func (r *JobRepo) Create(ctx context.Context, job *domain.MigrationJob) error {
	query := `
		INSERT INTO migration_jobs
			(job_id, state, source_collection, total_records, migrated_records, cursor)
		SELECT $1, $2, $3, $4, $5, $6
		WHERE NOT EXISTS (
			SELECT 1 FROM migration_jobs WHERE state IN ($7, $8)
		)
	`

	res, err := r.db.ExecContext(ctx, query,
		job.JobID,
		string(job.State),
		job.SourceCollection,
		job.TotalRecords,
		job.MigratedRecords,
		job.Cursor,
		string(domain.JobStateRunning),
		string(domain.JobStatePaused),
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrJobAlreadyRunning
	}
	return nil
}

// Get retrieves a job by id.
func (r *JobRepo) Get(ctx context.Context, jobID string) (*domain.MigrationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM migration_jobs WHERE job_id = $1`

	var job domain.MigrationJob
	err := r.db.GetContext(ctx, &job, query, jobID)
	if err == sql.ErrNoRows {
		return nil, storage.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// GetActive retrieves the currently active job.
func (r *JobRepo) GetActive(ctx context.Context) (*domain.MigrationJob, error) {
	query := `
		SELECT ` + jobColumns + ` FROM migration_jobs
		WHERE state IN ($1, $2)
		ORDER BY created_at DESC
		LIMIT 1
	`

	var job domain.MigrationJob
	err := r.db.GetContext(ctx, &job, query,
		string(domain.JobStateRunning),
		string(domain.JobStatePaused),
	)
	if err == sql.ErrNoRows {
		return nil, storage.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active job: %w", err)
	}
	return &job, nil
}

// UpdateProgress durably records the cursor and migrated count.
func (r *JobRepo) UpdateProgress(
	ctx context.Context,
	jobID string,
	cursor string,
	migrated int64,
) error {
	query := `
		UPDATE migration_jobs
		SET cursor = $1, migrated_records = $2, updated_at = now()
		WHERE job_id = $3
	`

	_, err := r.db.ExecContext(ctx, query, cursor, migrated, jobID)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

// SetState transitions the job state. The current state participates in the
// update predicate so a concurrent transition cannot be overwritten.
func (r *JobRepo) SetState(ctx context.Context, jobID string, state domain.JobState) error {
	job, err := r.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if !domain.CanTransitionJob(job.State, state) {
		return fmt.Errorf("job %s: %w: %s to %s", jobID, domain.ErrInvalidTransition, job.State, state)
	}

	query := `
		UPDATE migration_jobs
		SET state = $1,
			updated_at = now(),
			completed_at = CASE WHEN $1 = $2 THEN now() ELSE completed_at END
		WHERE job_id = $3 AND state = $4
	`

	res, err := r.db.ExecContext(ctx, query,
		string(state),
		string(domain.JobStateCompleted),
		jobID,
		string(job.State),
	)
	if err != nil {
		return fmt.Errorf("failed to set job state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s: state changed concurrently", jobID)
	}
	return nil
}
