package domain

import "time"

// JobState is the lifecycle state of a migration job.
type JobState string

const (
	JobStateRunning   JobState = "running"
	JobStatePaused    JobState = "paused"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// JobTransitions defines allowed migration job state changes. Completed is
// terminal; failed jobs may be resumed because the cursor stays durable.
var JobTransitions = map[JobState][]JobState{
	JobStateRunning: {JobStatePaused, JobStateCompleted, JobStateFailed},
	JobStatePaused:  {JobStateRunning},
	JobStateFailed:  {JobStateRunning},
}

// CanTransitionJob checks if a job state change is valid.
func CanTransitionJob(from, to JobState) bool {
	validTargets, ok := JobTransitions[from]
	if !ok {
		return false
	}
	for _, target := range validTargets {
		if target == to {
			return true
		}
	}
	return false
}

// Active reports whether the job still owns the migration (at most one active
// job exists at a time).
func (s JobState) Active() bool {
	return s == JobStateRunning || s == JobStatePaused
}

// MigrationJob is one run of the migration coordinator. Cursor holds the last
// source id whose window was durably written; resume continues strictly after it.
type MigrationJob struct {
	JobID            string     `db:"job_id"`
	State            JobState   `db:"state"`
	SourceCollection string     `db:"source_collection"`
	TotalRecords     int64      `db:"total_records"`
	MigratedRecords  int64      `db:"migrated_records"`
	Cursor           string     `db:"cursor"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        *time.Time `db:"updated_at"`
	CompletedAt      *time.Time `db:"completed_at"`
}
