package domain

import (
	"context"
	"time"
)

// DispatchJob is the process-wide scheduler handle. Exactly one row exists;
// the store only ever updates it.
type DispatchJob struct {
	JobID       *string    `json:"job_id,omitempty"`
	LastRunDate *time.Time `json:"last_run_date,omitempty"`
}

// JobRepository manages the dispatch job singleton. The surface is
// update-only: insert and delete are not expressible here and the schema
// pins the row cardinality to one.
type JobRepository interface {
	// Get returns the singleton row.
	Get(ctx context.Context) (*DispatchJob, error)

	// SetLastRun stamps the start of a dispatcher run.
	SetLastRun(ctx context.Context, t time.Time) error

	// SetJobID stores the scheduler handle (nil clears it) and resets
	// last_run_date.
	SetJobID(ctx context.Context, jobID *string) error

	// AcquireRunLock takes the advisory lock serializing dispatcher runs.
	// When acquired is true the caller must invoke release.
	AcquireRunLock(ctx context.Context) (release func(), acquired bool, err error)
}
