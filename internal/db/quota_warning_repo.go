package db

import (
	"context"
	"time"

	"storegate/internal/types"
)

// QuotaWarningRepo stores the delivery log of quota warning events in
// quota_warning_deliveries. The queue consumer uses it to stay idempotent
// under at-least-once delivery.
type QuotaWarningRepo struct {
	db DBTX
}

// NewQuotaWarningRepo creates a QuotaWarningRepo.
func NewQuotaWarningRepo(db DBTX) *QuotaWarningRepo {
	return &QuotaWarningRepo{db: db}
}

// Ensure inserts a pending row for the event if none exists and returns the
// stored row with its attempt counter bumped. A row that is already
// delivered is returned unchanged.
func (r *QuotaWarningRepo) Ensure(ctx context.Context, e types.QuotaWarningEvent, at time.Time) (*types.QuotaWarningDelivery, error) {
	var (
		d      types.QuotaWarningDelivery
		reason *string
	)
	err := r.db.QueryRow(ctx,
		`INSERT INTO quota_warning_deliveries
		   (event_id, store_id, feature, status, attempt_count, last_attempt_at, created_at)
		 VALUES ($1, $2, $3, 'pending', 1, $4, $4)
		 ON CONFLICT (event_id) DO UPDATE
		   SET attempt_count = quota_warning_deliveries.attempt_count
		         + CASE WHEN quota_warning_deliveries.status = 'delivered' THEN 0 ELSE 1 END,
		       last_attempt_at = CASE WHEN quota_warning_deliveries.status = 'delivered'
		         THEN quota_warning_deliveries.last_attempt_at ELSE EXCLUDED.last_attempt_at END
		 RETURNING event_id, store_id, feature, status, attempt_count,
		           last_attempt_at, delivered_at, failure_reason, created_at`,
		e.EventID, e.StoreID, e.Feature, at,
	).Scan(
		&d.EventID, &d.StoreID, &d.Feature, &d.Status, &d.AttemptCount,
		&d.LastAttemptAt, &d.DeliveredAt, &reason, &d.CreatedAt,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to record quota warning delivery", err)
	}
	if reason != nil {
		d.FailureReason = *reason
	}
	return &d, nil
}

// MarkDelivered flags the event as delivered and clears any failure reason.
func (r *QuotaWarningRepo) MarkDelivered(ctx context.Context, eventID string, at time.Time) error {
	return r.setStatus(ctx, eventID, types.DeliveryDelivered, at, nil)
}

// MarkFailed records a failed attempt. The queue redelivers the message.
func (r *QuotaWarningRepo) MarkFailed(ctx context.Context, eventID, reason string) error {
	return r.setStatus(ctx, eventID, types.DeliveryFailed, time.Time{}, nilIfEmpty(reason))
}

func (r *QuotaWarningRepo) setStatus(ctx context.Context, eventID string, status types.DeliveryStatus, deliveredAt time.Time, reason *string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE quota_warning_deliveries
		 SET status = $2, delivered_at = $3, failure_reason = $4
		 WHERE event_id = $1`,
		eventID, status, nilIfZeroTime(deliveredAt), reason,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update quota warning delivery", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "quota warning delivery not found", nil)
	}
	return nil
}

// DeleteBefore prunes delivery rows created before cutoff.
func (r *QuotaWarningRepo) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM quota_warning_deliveries WHERE created_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to prune quota warning deliveries", err)
	}
	return tag.RowsAffected(), nil
}
