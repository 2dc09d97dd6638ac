package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"storegate/internal/types"
)

// SubscriptionRepository persists subscriptions. db.SubscriptionRepo is the
// production implementation; MemorySubscriptionRepo backs tests and local runs.
type SubscriptionRepository interface {
	// Current returns the store's most recent subscription whose status is
	// active or expired, or (nil, nil) if there is none.
	Current(ctx context.Context, storeID string) (*types.Subscription, error)
	// Create inserts sub. It returns conflict_active_subscription when the
	// store already has an active subscription.
	Create(ctx context.Context, sub *types.Subscription) error
	// Cancel marks the subscription cancelled at the given time.
	Cancel(ctx context.Context, id string, at time.Time) error
	// ExpireDue flips active subscriptions with ends_at < now to expired.
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
	// CountByPlan counts subscriptions of any status referencing planID.
	CountByPlan(ctx context.Context, planID string) (int64, error)
}

// PlanDeleter removes a plan definition.
type PlanDeleter interface {
	DeletePlan(ctx context.Context, id string) error
}

// SubscribeParams describes a new subscription.
type SubscribeParams struct {
	StoreID      string             `json:"store_id" validate:"required"`
	PlanID       string             `json:"plan_id" validate:"required"`
	BillingCycle types.BillingCycle `json:"billing_cycle" validate:"required,oneof=monthly annual"`
	TrialDays    int                `json:"trial_days" validate:"gte=0,lte=90"`
}

// SubscriptionService is the subscription state component: lookups with the
// plan hydrated, plus lifecycle transitions.
type SubscriptionService struct {
	repo    SubscriptionRepository
	catalog PlanCatalog
	clock   types.Clock
	logger  *slog.Logger
}

// NewSubscriptionService wires a service. A nil clock uses RealClock.
func NewSubscriptionService(repo SubscriptionRepository, catalog PlanCatalog, clock types.Clock, logger *slog.Logger) *SubscriptionService {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionService{repo: repo, catalog: catalog, clock: clock, logger: logger}
}

// Current returns the store's subscription with Plan hydrated, or (nil, nil).
func (s *SubscriptionService) Current(ctx context.Context, storeID string) (*types.Subscription, error) {
	sub, err := s.repo.Current(ctx, storeID)
	if err != nil || sub == nil {
		return nil, err
	}
	if sub.Plan == nil {
		plan, err := s.catalog.Get(ctx, sub.PlanID)
		if err != nil {
			return nil, fmt.Errorf("loading plan %s for subscription %s: %w", sub.PlanID, sub.ID, err)
		}
		sub.Plan = plan
	}
	return sub, nil
}

// Subscribe starts a subscription now. The period is one month or one year
// depending on the billing cycle; the amount is taken from the plan.
func (s *SubscriptionService) Subscribe(ctx context.Context, p SubscribeParams) (*types.Subscription, error) {
	plan, err := s.catalog.Get(ctx, p.PlanID)
	if err != nil {
		return nil, err
	}
	if !plan.IsActive {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPlan,
			"plan is not available for new subscriptions", nil, map[string]any{"plan_id": p.PlanID})
	}

	now := s.clock.Now()
	sub := &types.Subscription{
		ID:           uuid.NewString(),
		StoreID:      p.StoreID,
		PlanID:       plan.ID,
		Status:       types.SubscriptionActive,
		BillingCycle: p.BillingCycle,
		StartsAt:     now,
		CreatedAt:    now,
		UpdatedAt:    now,
		Plan:         plan,
	}
	switch p.BillingCycle {
	case types.BillingAnnual:
		sub.EndsAt = now.AddDate(1, 0, 0)
		sub.Amount = plan.AnnualPrice
	default:
		sub.EndsAt = now.AddDate(0, 1, 0)
		sub.Amount = plan.Price
	}
	if p.TrialDays > 0 {
		trialEnd := now.AddDate(0, 0, p.TrialDays)
		sub.TrialEndsAt = &trialEnd
	}

	if err := s.repo.Create(ctx, sub); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "subscription created",
		slog.String("store_id", sub.StoreID),
		slog.String("plan", plan.Slug),
		slog.String("billing_cycle", string(sub.BillingCycle)),
	)
	return sub, nil
}

// Cancel cancels the store's active subscription.
func (s *SubscriptionService) Cancel(ctx context.Context, storeID string) (*types.Subscription, error) {
	sub, err := s.repo.Current(ctx, storeID)
	if err != nil {
		return nil, err
	}
	if sub == nil || sub.Status != types.SubscriptionActive {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "store has no active subscription", nil)
	}
	now := s.clock.Now()
	if err := s.repo.Cancel(ctx, sub.ID, now); err != nil {
		return nil, err
	}
	sub.Status = types.SubscriptionCancelled
	sub.CancelledAt = &now
	s.logger.InfoContext(ctx, "subscription cancelled",
		slog.String("store_id", storeID),
		slog.String("subscription_id", sub.ID),
	)
	return sub, nil
}

// ExpireDue flips overdue active subscriptions to expired. The gate already
// treats them as expired lazily; this keeps reporting queries honest.
func (s *SubscriptionService) ExpireDue(ctx context.Context) (int64, error) {
	n, err := s.repo.ExpireDue(ctx, s.clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "expired overdue subscriptions", slog.Int64("count", n))
	}
	return n, nil
}

// DeletePlan removes a plan unless any subscription still references it.
func (s *SubscriptionService) DeletePlan(ctx context.Context, plans PlanDeleter, planID string) error {
	n, err := s.repo.CountByPlan(ctx, planID)
	if err != nil {
		return err
	}
	if n > 0 {
		return types.NewAppErrorWithDetails(types.ErrCodePlanInUse,
			"plan is referenced by existing subscriptions", nil,
			map[string]any{"plan_id": planID, "subscriptions": n})
	}
	return plans.DeletePlan(ctx, planID)
}
