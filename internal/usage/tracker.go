package usage

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"storegate/internal/metrics"
	"storegate/internal/types"
)

// SubscriptionSource resolves a store's current subscription with its plan
// hydrated. billing.SubscriptionService satisfies it.
type SubscriptionSource interface {
	Current(ctx context.Context, storeID string) (*types.Subscription, error)
}

// IncrementRequest records amount units of feature for a store.
type IncrementRequest struct {
	StoreID        string
	Feature        string
	Amount         int64
	IdempotencyKey string
}

// Tracker is the authoritative counter API. Every read and write lazily rolls
// a stale window forward before using it.
type Tracker struct {
	store        Store
	subs         SubscriptionSource
	quotaFeature string
	clock        types.Clock
	metrics      metrics.Recorder
	logger       *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(c types.Clock) Option { return func(t *Tracker) { t.clock = c } }

// WithMetrics sets the increment recorder.
func WithMetrics(m metrics.Recorder) Option { return func(t *Tracker) { t.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(t *Tracker) { t.logger = l } }

// NewTracker builds a Tracker. quotaFeature names the feature whose plan limit
// is an annual soft quota rather than a hard cap.
func NewTracker(store Store, subs SubscriptionSource, quotaFeature string, opts ...Option) *Tracker {
	t := &Tracker{
		store:        store,
		subs:         subs,
		quotaFeature: quotaFeature,
		clock:        types.RealClock{},
		metrics:      metrics.Nop{},
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// WindowFor returns the subscription-year window [start, end) that contains
// now, stepping one year at a time from startsAt. When now precedes startsAt
// the first window is returned.
func WindowFor(startsAt, now time.Time) (start, end time.Time) {
	start = startsAt
	end = start.AddDate(1, 0, 0)
	for !now.Before(end) {
		start = end
		end = start.AddDate(1, 0, 0)
	}
	return start, end
}

// seed builds the row a feature starts from in the current window.
func (t *Tracker) seed(sub *types.Subscription, feature string, now time.Time) types.SubscriptionUsage {
	start, end := WindowFor(sub.StartsAt, now)
	u := types.SubscriptionUsage{
		SubscriptionID: sub.ID,
		StoreID:        sub.StoreID,
		Feature:        feature,
		YearStart:      start,
		YearEnd:        end,
	}
	if feature == t.quotaFeature {
		if limit, ok := sub.Plan.Limit(feature); ok && limit > 0 {
			u.AnnualQuota = &limit
		}
	}
	return u
}

// capFor returns the hard ceiling for feature, or nil. The quota feature is
// never hard-capped.
func (t *Tracker) capFor(sub *types.Subscription, feature string) *int64 {
	if feature == t.quotaFeature {
		return nil
	}
	limit, ok := sub.Plan.Limit(feature)
	if !ok {
		return nil
	}
	return &limit
}

func (t *Tracker) subscription(ctx context.Context, storeID string) (*types.Subscription, error) {
	sub, err := t.subs.Current(ctx, storeID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, types.NewAppError(types.ErrCodeNoActiveSubscription, "Store has no active subscription", nil)
	}
	if sub.Plan == nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "subscription has no plan", nil)
	}
	return sub, nil
}

// UsageFor returns the row for the subscription's current window. A stale row
// is rolled over and persisted; a missing row is returned as an unsaved seed
// with zero usage.
func (t *Tracker) UsageFor(ctx context.Context, sub *types.Subscription, feature string) (*types.SubscriptionUsage, error) {
	now := t.clock.Now()
	seed := t.seed(sub, feature, now)

	row, err := t.store.Get(ctx, sub.ID, feature)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return &seed, nil
	}
	if row.WindowStale(now) {
		rolledRow, err := t.store.Rollover(ctx, seed, now)
		if err != nil {
			return nil, err
		}
		if rolledRow == nil {
			return &seed, nil
		}
		t.logger.InfoContext(ctx, "usage window rolled over",
			slog.String("store_id", sub.StoreID),
			slog.String("feature", feature),
			slog.Time("year_start", rolledRow.YearStart),
		)
		return rolledRow, nil
	}
	return row, nil
}

// Usage returns the store's row for feature in the current window.
func (t *Tracker) Usage(ctx context.Context, storeID, feature string) (*types.SubscriptionUsage, error) {
	sub, err := t.subscription(ctx, storeID)
	if err != nil {
		return nil, err
	}
	return t.UsageFor(ctx, sub, feature)
}

// CurrentUsage returns the counter for feature in the current window.
func (t *Tracker) CurrentUsage(ctx context.Context, storeID, feature string) (int64, error) {
	u, err := t.Usage(ctx, storeID, feature)
	if err != nil {
		return 0, err
	}
	return u.CurrentUsage, nil
}

// Increment adds req.Amount to the store's counter exactly once per
// idempotency key. Features with a plan limit (other than the quota feature)
// are capped atomically: the increment fails with PLAN_LIMIT_EXCEEDED instead
// of overshooting.
func (t *Tracker) Increment(ctx context.Context, req IncrementRequest) (*types.SubscriptionUsage, error) {
	if err := validateIncrement(req); err != nil {
		return nil, err
	}
	sub, err := t.subscription(ctx, req.StoreID)
	if err != nil {
		return nil, err
	}
	now := t.clock.Now()
	if !sub.IsActive(now) {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeSubscriptionNotActive,
			"Usage cannot be recorded on an inactive subscription", nil,
			map[string]any{"status": string(sub.Status)})
	}
	if !sub.Plan.HasFeature(req.Feature) {
		return nil, types.NewAppErrorWithDetails(types.ErrCodePlanFeatureRequired,
			"Feature is not included in the current plan", nil,
			map[string]any{"feature": req.Feature, "current_plan": sub.Plan.Name})
	}

	u, err := t.store.Increment(ctx, IncrementOp{
		Seed:           t.seed(sub, req.Feature, now),
		Amount:         req.Amount,
		Cap:            t.capFor(sub, req.Feature),
		IdempotencyKey: req.IdempotencyKey,
		Now:            now,
	})
	t.metrics.UsageIncrement(req.Feature, incrementOutcome(err))
	if err != nil {
		return nil, err
	}
	return u, nil
}

func incrementOutcome(err error) string {
	if err == nil {
		return "ok"
	}
	if appErr, ok := types.AsAppError(err); ok {
		return string(appErr.Code)
	}
	return "error"
}

func validateIncrement(req IncrementRequest) error {
	switch {
	case strings.TrimSpace(req.StoreID) == "":
		return types.NewAppError(types.ErrCodeNoStoreContext, "store is required", nil)
	case strings.TrimSpace(req.Feature) == "":
		return types.NewAppError(types.ErrCodeValidationInvalidFeature, "feature is required", nil)
	case req.Amount <= 0:
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidAmount,
			"amount must be positive", nil, map[string]any{"amount": req.Amount})
	case strings.TrimSpace(req.IdempotencyKey) == "":
		return types.NewAppError(types.ErrCodeValidationIdempotencyKey, "idempotency key is required", nil)
	}
	return nil
}

// MarkSoftCap sets the soft-cap flag on the current window of feature and
// reports whether this call flipped it.
func (t *Tracker) MarkSoftCap(ctx context.Context, sub *types.Subscription, feature string) (bool, error) {
	if _, err := t.UsageFor(ctx, sub, feature); err != nil {
		return false, err
	}
	return t.store.MarkSoftCap(ctx, sub.ID, feature, t.clock.Now())
}

// Adjust overwrites the counter. It is the administrative correction path and
// the only way a counter decreases inside a window.
func (t *Tracker) Adjust(ctx context.Context, storeID, feature string, value int64) (*types.SubscriptionUsage, error) {
	if value < 0 {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidAmount,
			"usage cannot be negative", nil, map[string]any{"value": value})
	}
	sub, err := t.subscription(ctx, storeID)
	if err != nil {
		return nil, err
	}
	now := t.clock.Now()
	u, err := t.store.Set(ctx, t.seed(sub, feature, now), value, now)
	if err != nil {
		return nil, err
	}
	t.logger.WarnContext(ctx, "usage adjusted",
		slog.String("store_id", storeID),
		slog.String("feature", feature),
		slog.Int64("value", value),
	)
	return u, nil
}

// QuotaStatus summarizes the store's annual quota position.
func (t *Tracker) QuotaStatus(ctx context.Context, storeID string) (types.QuotaStatus, error) {
	sub, err := t.subs.Current(ctx, storeID)
	if err != nil {
		return types.QuotaStatus{}, err
	}
	if sub == nil || sub.Plan == nil {
		return types.QuotaStatus{Status: types.QuotaNoSubscription}, nil
	}
	u, err := t.UsageFor(ctx, sub, t.quotaFeature)
	if err != nil {
		return types.QuotaStatus{}, err
	}
	return types.NewQuotaStatus(u), nil
}
