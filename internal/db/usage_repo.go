package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"storegate/internal/types"
	"storegate/internal/usage"
)

const usageColumns = `subscription_id, store_id, feature_type, current_usage, annual_quota,
	subscription_year_start, subscription_year_end, soft_cap_triggered, soft_cap_triggered_at`

// UsageRepo is the PostgreSQL usage.Store. Rows live in subscription_usage,
// unique per (subscription_id, feature_type). Idempotency keys are recorded in
// usage_operations inside the same transaction as the counter update, so a
// rolled-back increment leaves its key unused.
type UsageRepo struct {
	db TxDB
}

var _ usage.Store = (*UsageRepo)(nil)

// NewUsageRepo creates a UsageRepo. db must be able to open transactions.
func NewUsageRepo(db TxDB) *UsageRepo {
	return &UsageRepo{db: db}
}

func scanUsage(row pgx.Row) (*types.SubscriptionUsage, error) {
	var u types.SubscriptionUsage
	err := row.Scan(
		&u.SubscriptionID,
		&u.StoreID,
		&u.Feature,
		&u.CurrentUsage,
		&u.AnnualQuota,
		&u.YearStart,
		&u.YearEnd,
		&u.SoftCapTriggered,
		&u.SoftCapTriggeredAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func dbErr(msg string, err error) error {
	if _, ok := types.AsAppError(err); ok {
		return err
	}
	return types.NewAppError(types.ErrCodeInternalDB, msg, err)
}

// Get returns the stored row as-is, or (nil, nil).
func (r *UsageRepo) Get(ctx context.Context, subscriptionID, feature string) (*types.SubscriptionUsage, error) {
	u, err := scanUsage(r.db.QueryRow(ctx,
		`SELECT `+usageColumns+` FROM subscription_usage
		 WHERE subscription_id = $1 AND feature_type = $2`,
		subscriptionID, feature,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr("failed to read usage", err)
	}
	return u, nil
}

// Increment records the idempotency key, locks the row (creating it from the
// seed when absent), applies the op and writes the result, all in one
// transaction.
func (r *UsageRepo) Increment(ctx context.Context, op usage.IncrementOp) (*types.SubscriptionUsage, error) {
	var out *types.SubscriptionUsage
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO usage_operations (store_id, idempotency_key, subscription_id, feature_type, amount, applied_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (store_id, idempotency_key) DO NOTHING`,
			op.Seed.StoreID, op.IdempotencyKey, op.Seed.SubscriptionID, op.Seed.Feature, op.Amount, op.Now,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return usage.DuplicateOperation(op.IdempotencyKey)
		}

		row, err := lockRow(ctx, tx, op.Seed)
		if err != nil {
			return err
		}
		next, err := usage.Apply(row, op)
		if err != nil {
			return err
		}
		if err := writeRow(ctx, tx, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, dbErr("failed to increment usage", err)
	}
	return out, nil
}

// Rollover advances a stale row. It returns (nil, nil) when no row exists.
func (r *UsageRepo) Rollover(ctx context.Context, seed types.SubscriptionUsage, now time.Time) (*types.SubscriptionUsage, error) {
	var out *types.SubscriptionUsage
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		row, err := scanUsage(tx.QueryRow(ctx,
			`SELECT `+usageColumns+` FROM subscription_usage
			 WHERE subscription_id = $1 AND feature_type = $2
			 FOR UPDATE`,
			seed.SubscriptionID, seed.Feature,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		next, moved := usage.Rolled(row, seed, now)
		if moved {
			if err := writeRow(ctx, tx, next); err != nil {
				return err
			}
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, dbErr("failed to roll over usage", err)
	}
	return out, nil
}

// MarkSoftCap flips soft_cap_triggered with a single conditional update; only
// the statement that changes the row reports true.
func (r *UsageRepo) MarkSoftCap(ctx context.Context, subscriptionID, feature string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscription_usage
		 SET soft_cap_triggered = TRUE, soft_cap_triggered_at = $3, updated_at = $3
		 WHERE subscription_id = $1 AND feature_type = $2
		   AND NOT soft_cap_triggered
		   AND subscription_year_end > $3`,
		subscriptionID, feature, at,
	)
	if err != nil {
		return false, dbErr("failed to mark soft cap", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Set overwrites current_usage, creating the row from seed if needed.
func (r *UsageRepo) Set(ctx context.Context, seed types.SubscriptionUsage, value int64, now time.Time) (*types.SubscriptionUsage, error) {
	var out *types.SubscriptionUsage
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		row, err := lockRow(ctx, tx, seed)
		if err != nil {
			return err
		}
		next, _ := usage.Rolled(row, seed, now)
		next.CurrentUsage = value
		if err := writeRow(ctx, tx, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, dbErr("failed to set usage", err)
	}
	return out, nil
}

// PruneOperations deletes idempotency records applied before cutoff.
func (r *UsageRepo) PruneOperations(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM usage_operations WHERE applied_at < $1`, cutoff)
	if err != nil {
		return 0, dbErr("failed to prune usage operations", err)
	}
	return tag.RowsAffected(), nil
}

// lockRow inserts the seed if the row is missing and returns the row locked
// FOR UPDATE.
func lockRow(ctx context.Context, tx pgx.Tx, seed types.SubscriptionUsage) (*types.SubscriptionUsage, error) {
	_, err := tx.Exec(ctx,
		`INSERT INTO subscription_usage (`+usageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (subscription_id, feature_type) DO NOTHING`,
		seed.SubscriptionID, seed.StoreID, seed.Feature, seed.CurrentUsage, seed.AnnualQuota,
		seed.YearStart, seed.YearEnd, seed.SoftCapTriggered, seed.SoftCapTriggeredAt,
	)
	if err != nil {
		return nil, err
	}
	return scanUsage(tx.QueryRow(ctx,
		`SELECT `+usageColumns+` FROM subscription_usage
		 WHERE subscription_id = $1 AND feature_type = $2
		 FOR UPDATE`,
		seed.SubscriptionID, seed.Feature,
	))
}

func writeRow(ctx context.Context, tx pgx.Tx, u *types.SubscriptionUsage) error {
	_, err := tx.Exec(ctx,
		`UPDATE subscription_usage
		 SET current_usage = $3,
		     annual_quota = $4,
		     subscription_year_start = $5,
		     subscription_year_end = $6,
		     soft_cap_triggered = $7,
		     soft_cap_triggered_at = $8,
		     updated_at = NOW()
		 WHERE subscription_id = $1 AND feature_type = $2`,
		u.SubscriptionID, u.Feature, u.CurrentUsage, u.AnnualQuota,
		u.YearStart, u.YearEnd, u.SoftCapTriggered, u.SoftCapTriggeredAt,
	)
	return err
}
