// Package usage tracks per-store, per-feature counters over subscription-year
// windows. Counters live in a Store; the Tracker resolves subscriptions,
// computes windows and caps, and delegates the atomic read-modify-write to the
// Store.
package usage

import (
	"context"
	"fmt"
	"time"

	"storegate/internal/types"
)

// IncrementOp is a single atomic increment. Stores must apply the whole op or
// nothing: idempotency check, lazy rollover, cap check, and the write.
type IncrementOp struct {
	// Seed is the row to create when none exists. Its window, quota, and
	// identity fields are authoritative for a new row and its AnnualQuota is
	// applied when a stale window is rolled over.
	Seed types.SubscriptionUsage
	// Amount is added to current_usage. Always > 0.
	Amount int64
	// Cap, when non-nil, is a hard ceiling: the op fails with
	// PLAN_LIMIT_EXCEEDED if current_usage+Amount would exceed it.
	Cap *int64
	// IdempotencyKey is recorded with the increment; a key already recorded
	// for the store fails the op with DUPLICATE_OPERATION.
	IdempotencyKey string
	Now            time.Time
}

// Store persists usage rows. A row is identified by (SubscriptionID, Feature).
type Store interface {
	// Get returns the stored row as-is (no rollover), or (nil, nil).
	Get(ctx context.Context, subscriptionID, feature string) (*types.SubscriptionUsage, error)
	// Increment applies op atomically and returns the updated row.
	Increment(ctx context.Context, op IncrementOp) (*types.SubscriptionUsage, error)
	// Rollover advances the row identified by seed if its window ended at or
	// before now, and returns the current row (nil when absent).
	Rollover(ctx context.Context, seed types.SubscriptionUsage, now time.Time) (*types.SubscriptionUsage, error)
	// MarkSoftCap sets soft_cap_triggered on a row whose window contains at.
	// It reports true only for the call that flipped the flag.
	MarkSoftCap(ctx context.Context, subscriptionID, feature string, at time.Time) (bool, error)
	// Set overwrites current_usage, creating the row from seed if needed.
	Set(ctx context.Context, seed types.SubscriptionUsage, value int64, now time.Time) (*types.SubscriptionUsage, error)
}

// DuplicateOperation is the error stores return for a replayed key.
func DuplicateOperation(key string) error {
	return types.NewAppErrorWithDetails(types.ErrCodeDuplicateOperation,
		"Operation with this idempotency key was already applied", nil,
		map[string]any{"idempotency_key": key})
}

// LimitExceeded is the error stores return when an increment would pass cap.
func LimitExceeded(feature string, current, limit int64) error {
	return types.NewAppErrorWithDetails(types.ErrCodePlanLimitExceeded,
		fmt.Sprintf("You have reached the %s limit for your plan", feature), nil,
		map[string]any{
			"current_usage": current,
			"plan_limit":    limit,
			"feature":       feature,
		})
}

// Apply runs the in-memory part of an increment on row, which is either the
// stored row or nil. It returns the row to persist. Stores call it while
// holding whatever lock or transaction makes the op atomic.
func Apply(row *types.SubscriptionUsage, op IncrementOp) (*types.SubscriptionUsage, error) {
	next := op.Seed
	if row != nil {
		next = *row
		if next.Rollover(op.Now) {
			next.AnnualQuota = op.Seed.AnnualQuota
		}
	}
	if op.Cap != nil && next.CurrentUsage+op.Amount > *op.Cap {
		return nil, LimitExceeded(next.Feature, next.CurrentUsage, *op.Cap)
	}
	next.CurrentUsage += op.Amount
	return &next, nil
}

// Rolled returns a copy of row advanced to now, refreshing the quota from seed
// when the window moved.
func Rolled(row *types.SubscriptionUsage, seed types.SubscriptionUsage, now time.Time) (*types.SubscriptionUsage, bool) {
	next := *row
	if !next.Rollover(now) {
		return &next, false
	}
	next.AnnualQuota = seed.AnnualQuota
	return &next, true
}
