package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/heraldmail/herald/internal/domain"
)

// dispatchRunLockKey is the advisory lock key serializing dispatcher runs.
const dispatchRunLockKey = 828272

// JobRepository implements domain.JobRepository on PostgreSQL. The
// dispatch_job table holds exactly one row (seeded at schema creation, id
// pinned by a CHECK); this repository only ever updates it.
type JobRepository struct {
	db *sql.DB
}

// NewJobRepository creates a new JobRepository
func NewJobRepository(db *sql.DB) domain.JobRepository {
	return &JobRepository{db: db}
}

// Get returns the singleton row.
func (r *JobRepository) Get(ctx context.Context) (*domain.DispatchJob, error) {
	var job domain.DispatchJob
	var jobID sql.NullString
	var lastRun sql.NullTime

	err := r.db.QueryRowContext(ctx,
		`SELECT job_id, last_run_date FROM dispatch_job WHERE id = 1`,
	).Scan(&jobID, &lastRun)
	if err != nil {
		return nil, fmt.Errorf("failed to get dispatch job: %w", err)
	}

	if jobID.Valid {
		job.JobID = &jobID.String
	}
	if lastRun.Valid {
		job.LastRunDate = &lastRun.Time
	}

	return &job, nil
}

// SetLastRun stamps the start of a dispatcher run.
func (r *JobRepository) SetLastRun(ctx context.Context, t time.Time) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE dispatch_job SET last_run_date = $1 WHERE id = 1`, t,
	); err != nil {
		return fmt.Errorf("failed to set last run date: %w", err)
	}
	return nil
}

// SetJobID stores the scheduler handle (nil clears it) and resets
// last_run_date.
func (r *JobRepository) SetJobID(ctx context.Context, jobID *string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE dispatch_job SET job_id = $1, last_run_date = NULL WHERE id = 1`, jobID,
	); err != nil {
		return fmt.Errorf("failed to set job id: %w", err)
	}
	return nil
}

// AcquireRunLock takes a session advisory lock on a dedicated connection.
// A run that cannot get the lock is already in flight elsewhere; the
// row-level guards keep overlap correct regardless, the lock just avoids
// wasted work.
func (r *JobRepository) AcquireRunLock(ctx context.Context) (func(), bool, error) {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx,
		`SELECT pg_try_advisory_lock($1)`, dispatchRunLockKey,
	).Scan(&acquired); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("failed to acquire run lock: %w", err)
	}

	if !acquired {
		conn.Close()
		return nil, false, nil
	}

	release := func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, dispatchRunLockKey)
		conn.Close()
	}
	return release, true, nil
}
