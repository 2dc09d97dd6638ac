package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"storegate/internal/types"
)

const subscriptionColumns = `id, store_id, plan_id, status, billing_cycle, starts_at, ends_at,
	trial_ends_at, cancelled_at, amount, metadata, created_at, updated_at`

// SubscriptionRepo persists store subscriptions.
//
// Key invariants:
//   - At most one active subscription per store, enforced by the partial
//     unique index subscriptions_one_active_per_store.
//   - Current ignores cancelled and inactive rows so that a store whose last
//     subscription was cancelled has no subscription at all.
type SubscriptionRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionRepo creates a SubscriptionRepo backed by the given
// database connection (pool or transaction).
func NewSubscriptionRepo(db DBTX, logger *slog.Logger) *SubscriptionRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepo{db: db, logger: logger}
}

func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var s types.Subscription
	err := row.Scan(
		&s.ID,
		&s.StoreID,
		&s.PlanID,
		&s.Status,
		&s.BillingCycle,
		&s.StartsAt,
		&s.EndsAt,
		&s.TrialEndsAt,
		&s.CancelledAt,
		&s.Amount,
		&s.Metadata,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Current returns the store's most recent active or expired subscription, or
// (nil, nil).
func (r *SubscriptionRepo) Current(ctx context.Context, storeID string) (*types.Subscription, error) {
	s, err := scanSubscription(r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE store_id = $1 AND status IN ('active', 'expired')
		 ORDER BY ends_at DESC
		 LIMIT 1`,
		storeID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load subscription", err)
	}
	return s, nil
}

// Create inserts a subscription.
func (r *SubscriptionRepo) Create(ctx context.Context, sub *types.Subscription) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, COALESCE($12, NOW()), COALESCE($13, NOW()))`,
		sub.ID,
		sub.StoreID,
		sub.PlanID,
		sub.Status,
		sub.BillingCycle,
		sub.StartsAt,
		sub.EndsAt,
		sub.TrialEndsAt,
		sub.CancelledAt,
		sub.Amount,
		sub.Metadata,
		nilIfZeroTime(sub.CreatedAt),
		nilIfZeroTime(sub.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppErrorWithDetails(types.ErrCodeConflictActiveSub,
				"store already has an active subscription", err,
				map[string]any{"store_id": sub.StoreID})
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create subscription", err)
	}
	return nil
}

// Cancel marks the subscription cancelled.
func (r *SubscriptionRepo) Cancel(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = 'cancelled', cancelled_at = $2, updated_at = $2
		 WHERE id = $1`,
		id,
		at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to cancel subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return nil
}

// ExpireDue flips every active subscription whose ends_at is before now to
// expired and returns how many rows changed.
func (r *SubscriptionRepo) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = 'expired', updated_at = $1
		 WHERE status = 'active' AND ends_at < $1`,
		now,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to expire subscriptions", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		r.logger.Info("expired due subscriptions", slog.Int64("count", n), slog.Time("as_of", now))
	}
	return tag.RowsAffected(), nil
}

// CountByPlan counts subscriptions of any status that reference planID.
func (r *SubscriptionRepo) CountByPlan(ctx context.Context, planID string) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE plan_id = $1`,
		planID,
	).Scan(&n)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count plan subscriptions", err)
	}
	return n, nil
}
