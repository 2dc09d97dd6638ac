package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"storegate/internal/types"
)

const (
	defaultLockWindow         = 5 * time.Minute
	defaultOperationRetention = 30 * 24 * time.Hour
	defaultDeliveryRetention  = 90 * 24 * time.Hour
)

// Expirer flips subscriptions whose end date has passed to expired.
type Expirer interface {
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
}

// OperationPruner drops usage idempotency records older than cutoff.
type OperationPruner interface {
	PruneOperations(ctx context.Context, cutoff time.Time) (int64, error)
}

// DeliveryPruner drops quota warning delivery records older than cutoff.
type DeliveryPruner interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// JobLocker hands out one lease per task window.
type JobLocker interface {
	Acquire(ctx context.Context, lockID, workerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, lockID, workerID string) error
}

// JobHistorian records each run for operators.
type JobHistorian interface {
	Start(ctx context.Context, task string, startedAt time.Time) (int64, error)
	Finish(ctx context.Context, id int64, items int64, jobErr error) error
}

// Retention bounds how long ledgers are kept.
type Retention struct {
	Operations time.Duration
	Deliveries time.Duration
}

// Result summarizes one Handle call.
type Result struct {
	Task    TaskType `json:"task"`
	LockID  string   `json:"lock_id"`
	Items   int64    `json:"items"`
	Skipped bool     `json:"skipped"`
}

// Multiplexer routes a MaintenancePayload to the task it names.
//
// A nil Operations or Deliveries pruner turns that task into a no-op; the
// Redis usage backend expires its own idempotency keys. Locks and History
// are optional as well, for single-instance local runs.
type Multiplexer struct {
	Expirer    Expirer
	Operations OperationPruner
	Deliveries DeliveryPruner

	Locks   JobLocker
	History JobHistorian

	Retention  Retention
	LockWindow time.Duration
	WorkerID   string
	Clock      types.Clock
	Logger     *slog.Logger
}

// Handle runs one task under a window-scoped lock:
//  1. Resolve the reference time.
//  2. Acquire "task:window". A held lock skips the run.
//  3. Record the start in job history.
//  4. Dispatch.
//  5. Record completion. A failed run releases its lock so a retry inside
//     the same window can proceed.
func (m *Multiplexer) Handle(ctx context.Context, payload MaintenancePayload) (Result, error) {
	logger := m.logger()
	res := Result{Task: payload.Task}

	if !payload.Task.valid() {
		return res, types.NewAppError(types.ErrCodeValidationFailed,
			fmt.Sprintf("unknown maintenance task %q", payload.Task), nil)
	}

	now := m.now()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}
	window := m.window()
	res.LockID = fmt.Sprintf("%s:%s", payload.Task, now.Truncate(window).Format(time.RFC3339))

	if m.Locks != nil {
		acquired, err := m.Locks.Acquire(ctx, res.LockID, m.WorkerID, window)
		if err != nil {
			return res, fmt.Errorf("acquiring job lock %s: %w", res.LockID, err)
		}
		if !acquired {
			logger.InfoContext(ctx, "job lock held by another worker, skipping",
				slog.String("lock_id", res.LockID))
			res.Skipped = true
			return res, nil
		}
	}

	var jobID int64
	if m.History != nil {
		id, err := m.History.Start(ctx, string(payload.Task), now)
		if err != nil {
			// History is for operators; the task still runs.
			logger.ErrorContext(ctx, "failed to start job history",
				slog.String("task", string(payload.Task)),
				slog.String("error", err.Error()))
		} else {
			jobID = id
		}
	}

	items, execErr := m.dispatch(ctx, payload.Task, now)
	res.Items = items

	if jobID != 0 {
		if err := m.History.Finish(ctx, jobID, items, execErr); err != nil {
			logger.ErrorContext(ctx, "failed to finish job history",
				slog.Int64("job_id", jobID),
				slog.String("error", err.Error()))
		}
	}

	if execErr != nil {
		if m.Locks != nil {
			if err := m.Locks.Release(ctx, res.LockID, m.WorkerID); err != nil {
				logger.WarnContext(ctx, "failed to release job lock",
					slog.String("lock_id", res.LockID),
					slog.String("error", err.Error()))
			}
		}
		logger.ErrorContext(ctx, "maintenance task failed",
			slog.String("task", string(payload.Task)),
			slog.Int64("items_before_error", items),
			slog.String("error", execErr.Error()))
		return res, fmt.Errorf("task %s failed: %w", payload.Task, execErr)
	}

	logger.InfoContext(ctx, "maintenance task complete",
		slog.String("task", string(payload.Task)),
		slog.Int64("items", items),
		slog.Time("reference_time", now))
	return res, nil
}

func (m *Multiplexer) dispatch(ctx context.Context, task TaskType, now time.Time) (int64, error) {
	switch task {
	case TaskExpireSubscriptions:
		if m.Expirer == nil {
			return 0, nil
		}
		return m.Expirer.ExpireDue(ctx, now)

	case TaskPruneUsageOperations:
		if m.Operations == nil {
			return 0, nil
		}
		return m.Operations.PruneOperations(ctx, now.Add(-retentionOr(m.Retention.Operations, defaultOperationRetention)))

	case TaskPruneQuotaDeliveries:
		if m.Deliveries == nil {
			return 0, nil
		}
		return m.Deliveries.DeleteBefore(ctx, now.Add(-retentionOr(m.Retention.Deliveries, defaultDeliveryRetention)))
	}
	return 0, fmt.Errorf("no handler for task %s", task)
}

func (m *Multiplexer) now() time.Time {
	if m.Clock == nil {
		return time.Now().UTC()
	}
	return m.Clock.Now()
}

func (m *Multiplexer) window() time.Duration {
	if m.LockWindow <= 0 {
		return defaultLockWindow
	}
	return m.LockWindow
}

func (m *Multiplexer) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}

func retentionOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func (t TaskType) valid() bool {
	return slices.Contains(Tasks, t)
}
