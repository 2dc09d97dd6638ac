package db

import (
	"context"
	"time"

	"storegate/internal/types"
)

// JobLockRepo hands out time-bounded maintenance locks from the job_locks
// table so only one sweeper instance runs a task per window.
type JobLockRepo struct {
	db    DBTX
	clock types.Clock
}

// NewJobLockRepo creates a JobLockRepo. A nil clock uses the wall clock.
func NewJobLockRepo(db DBTX, clock types.Clock) *JobLockRepo {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &JobLockRepo{db: db, clock: clock}
}

// Acquire inserts the lock row, or takes over a row whose lease has lapsed.
// It reports false when another worker still holds the lease.
//
// Both timestamps are bound as values; Go duration strings are not valid
// Postgres intervals.
func (r *JobLockRepo) Acquire(ctx context.Context, lockID, workerID string, ttl time.Duration) (bool, error) {
	now := r.clock.Now()
	tag, err := r.db.Exec(ctx,
		`INSERT INTO job_locks (id, worker_id, locked_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		   SET worker_id = EXCLUDED.worker_id,
		       locked_at = EXCLUDED.locked_at,
		       expires_at = EXCLUDED.expires_at
		   WHERE job_locks.expires_at < $3`,
		lockID, workerID, now, now.Add(ttl),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to acquire job lock", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Release drops the lease early. Only the holder can release it.
func (r *JobLockRepo) Release(ctx context.Context, lockID, workerID string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM job_locks WHERE id = $1 AND worker_id = $2`,
		lockID, workerID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release job lock", err)
	}
	return nil
}

// JobHistoryRepo records sweeper runs in job_history.
type JobHistoryRepo struct {
	db DBTX
}

// NewJobHistoryRepo creates a JobHistoryRepo.
func NewJobHistoryRepo(db DBTX) *JobHistoryRepo {
	return &JobHistoryRepo{db: db}
}

// Start opens a 'running' entry and returns its id.
func (r *JobHistoryRepo) Start(ctx context.Context, task string, startedAt time.Time) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO job_history (job_type, started_at, status)
		 VALUES ($1, $2, 'running')
		 RETURNING id`,
		task, startedAt,
	).Scan(&id)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to start job history entry", err)
	}
	return id, nil
}

// Finish closes the entry. A non-nil jobErr is stored in the error column and
// marks the run failed.
func (r *JobHistoryRepo) Finish(ctx context.Context, id int64, items int64, jobErr error) error {
	status := "success"
	var errMsg *string
	if jobErr != nil {
		status = "failed"
		msg := jobErr.Error()
		errMsg = &msg
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE job_history
		 SET finished_at = NOW(), status = $2, items_count = $3, error = $4
		 WHERE id = $1`,
		id, status, items, errMsg,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish job history entry", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "job history entry not found", nil)
	}
	return nil
}
