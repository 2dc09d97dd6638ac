package billing

import (
	"context"
	"sync"
	"time"

	"storegate/internal/types"
)

// MemorySubscriptionRepo is an in-process SubscriptionRepository.
type MemorySubscriptionRepo struct {
	mu   sync.RWMutex
	subs map[string]*types.Subscription // by ID
}

// NewMemorySubscriptionRepo returns an empty repository.
func NewMemorySubscriptionRepo() *MemorySubscriptionRepo {
	return &MemorySubscriptionRepo{subs: make(map[string]*types.Subscription)}
}

// Current implements SubscriptionRepository.
func (r *MemorySubscriptionRepo) Current(_ context.Context, storeID string) (*types.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *types.Subscription
	for _, s := range r.subs {
		if s.StoreID != storeID {
			continue
		}
		if s.Status != types.SubscriptionActive && s.Status != types.SubscriptionExpired {
			continue
		}
		if best == nil || s.EndsAt.After(best.EndsAt) {
			best = s
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

// Create implements SubscriptionRepository.
func (r *MemorySubscriptionRepo) Create(_ context.Context, sub *types.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub.Status == types.SubscriptionActive {
		for _, s := range r.subs {
			if s.StoreID == sub.StoreID && s.Status == types.SubscriptionActive {
				return types.NewAppError(types.ErrCodeConflictActiveSub, "store already has an active subscription", nil)
			}
		}
	}
	cp := *sub
	cp.Plan = nil
	r.subs[sub.ID] = &cp
	return nil
}

// Cancel implements SubscriptionRepository.
func (r *MemorySubscriptionRepo) Cancel(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.subs[id]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	s.Status = types.SubscriptionCancelled
	s.CancelledAt = &at
	s.UpdatedAt = at
	return nil
}

// ExpireDue implements SubscriptionRepository.
func (r *MemorySubscriptionRepo) ExpireDue(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, s := range r.subs {
		if s.Status == types.SubscriptionActive && s.HasExpired(now) {
			s.Status = types.SubscriptionExpired
			s.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// CountByPlan implements SubscriptionRepository.
func (r *MemorySubscriptionRepo) CountByPlan(_ context.Context, planID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for _, s := range r.subs {
		if s.PlanID == planID {
			n++
		}
	}
	return n, nil
}
