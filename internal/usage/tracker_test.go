package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storegate/internal/types"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type stubSubscriptions struct {
	sub *types.Subscription
	err error
}

func (s *stubSubscriptions) Current(context.Context, string) (*types.Subscription, error) {
	if s.err != nil || s.sub == nil {
		return nil, s.err
	}
	cp := *s.sub
	return &cp, nil
}

func basicPlan() *types.Plan {
	return &types.Plan{
		ID:       "basic",
		Name:     "Basic",
		Features: []string{"orders", "transactions"},
		Limits:   map[string]int64{"products": 50, "transactions": 12000},
	}
}

func newTestTracker(t *testing.T) (*Tracker, *stubSubscriptions, *fakeClock) {
	t.Helper()
	subs := &stubSubscriptions{sub: &types.Subscription{
		ID:       "sub-1",
		StoreID:  "store-a",
		PlanID:   "basic",
		Status:   types.SubscriptionActive,
		StartsAt: windowStart,
		EndsAt:   windowStart.AddDate(3, 0, 0),
		Plan:     basicPlan(),
	}}
	clock := &fakeClock{t: insideNow}
	return NewTracker(NewMemoryStore(), subs, "transactions", WithClock(clock)), subs, clock
}

func TestWindowFor(t *testing.T) {
	starts := time.Date(2024, 2, 10, 8, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		now       time.Time
		wantStart time.Time
	}{
		{"first year", starts.AddDate(0, 5, 0), starts},
		{"exactly at anniversary", starts.AddDate(1, 0, 0), starts.AddDate(1, 0, 0)},
		{"third year", starts.AddDate(2, 3, 0), starts.AddDate(2, 0, 0)},
		{"before start", starts.Add(-time.Hour), starts},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := WindowFor(starts, tt.now)
			assert.True(t, start.Equal(tt.wantStart), "start = %s", start)
			assert.True(t, end.Equal(start.AddDate(1, 0, 0)))
		})
	}
}

func TestTracker_UsageForMissingRowIsZeroSeed(t *testing.T) {
	tr, subs, _ := newTestTracker(t)

	u, err := tr.UsageFor(context.Background(), subs.sub, "transactions")
	require.NoError(t, err)
	assert.Zero(t, u.CurrentUsage)
	assert.True(t, u.YearStart.Equal(windowStart))
	require.NotNil(t, u.AnnualQuota)
	assert.Equal(t, int64(12000), *u.AnnualQuota)

	other, err := tr.UsageFor(context.Background(), subs.sub, "products")
	require.NoError(t, err)
	assert.Nil(t, other.AnnualQuota, "only the quota feature carries an annual quota")
}

func TestTracker_IncrementToLimit(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.Adjust(ctx, "store-a", "products", 49)
	require.NoError(t, err)

	u, err := tr.Increment(ctx, IncrementRequest{StoreID: "store-a", Feature: "products", Amount: 1, IdempotencyKey: "p-50"})
	require.NoError(t, err)
	assert.Equal(t, int64(50), u.CurrentUsage)

	cur, err := tr.CurrentUsage(ctx, "store-a", "products")
	require.NoError(t, err)
	assert.Equal(t, int64(50), cur)

	_, err = tr.Increment(ctx, IncrementRequest{StoreID: "store-a", Feature: "products", Amount: 1, IdempotencyKey: "p-51"})
	assert.True(t, types.IsCode(err, types.ErrCodePlanLimitExceeded), "got %v", err)
}

func TestTracker_QuotaFeatureIsNotCapped(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.Adjust(ctx, "store-a", "transactions", 12000)
	require.NoError(t, err)
	u, err := tr.Increment(ctx, IncrementRequest{StoreID: "store-a", Feature: "transactions", Amount: 5, IdempotencyKey: "sale-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(12005), u.CurrentUsage)
	assert.True(t, u.QuotaExceeded())

	qs, err := tr.QuotaStatus(ctx, "store-a")
	require.NoError(t, err)
	assert.Equal(t, types.QuotaExceeded, qs.Status)
	assert.Equal(t, int64(12000), qs.AnnualQuota)
}

func TestTracker_IncrementIdempotent(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()
	req := IncrementRequest{StoreID: "store-a", Feature: "orders", Amount: 1, IdempotencyKey: "order-9"}

	_, err := tr.Increment(ctx, req)
	require.NoError(t, err)
	_, err = tr.Increment(ctx, req)
	assert.True(t, types.IsCode(err, types.ErrCodeDuplicateOperation))

	cur, err := tr.CurrentUsage(ctx, "store-a", "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cur)
}

func TestTracker_ConcurrentIncrementAtLimitMinusOne(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()
	_, err := tr.Adjust(ctx, "store-a", "products", 49)
	require.NoError(t, err)

	const n = 40
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = tr.Increment(ctx, IncrementRequest{StoreID: "store-a", Feature: "products", Amount: 1, IdempotencyKey: fmt.Sprintf("p-%d", i)})
		}(i)
	}
	wg.Wait()

	success, denied := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			success++
		case types.IsCode(err, types.ErrCodePlanLimitExceeded):
			denied++
		}
	}
	assert.Equal(t, 1, success)
	assert.Equal(t, n-1, denied)
}

func TestTracker_IncrementValidation(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	tests := []struct {
		name string
		req  IncrementRequest
		code types.ErrorCode
	}{
		{"no store", IncrementRequest{Feature: "orders", Amount: 1, IdempotencyKey: "k"}, types.ErrCodeNoStoreContext},
		{"no feature", IncrementRequest{StoreID: "store-a", Amount: 1, IdempotencyKey: "k"}, types.ErrCodeValidationInvalidFeature},
		{"zero amount", IncrementRequest{StoreID: "store-a", Feature: "orders", IdempotencyKey: "k"}, types.ErrCodeValidationInvalidAmount},
		{"negative amount", IncrementRequest{StoreID: "store-a", Feature: "orders", Amount: -3, IdempotencyKey: "k"}, types.ErrCodeValidationInvalidAmount},
		{"no key", IncrementRequest{StoreID: "store-a", Feature: "orders", Amount: 1}, types.ErrCodeValidationIdempotencyKey},
		{"feature not on plan", IncrementRequest{StoreID: "store-a", Feature: "recipes", Amount: 1, IdempotencyKey: "k"}, types.ErrCodePlanFeatureRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tr.Increment(context.Background(), tt.req)
			assert.True(t, types.IsCode(err, tt.code), "got %v", err)
		})
	}
}

func TestTracker_NoSubscription(t *testing.T) {
	tr, subs, _ := newTestTracker(t)
	subs.sub = nil

	_, err := tr.Usage(context.Background(), "store-a", "orders")
	assert.True(t, types.IsCode(err, types.ErrCodeNoActiveSubscription))

	qs, err := tr.QuotaStatus(context.Background(), "store-a")
	require.NoError(t, err)
	assert.Equal(t, types.QuotaNoSubscription, qs.Status)
}

func TestTracker_IncrementOnExpiredSubscription(t *testing.T) {
	tr, subs, clock := newTestTracker(t)
	clock.set(subs.sub.EndsAt.Add(time.Second))

	_, err := tr.Increment(context.Background(), IncrementRequest{StoreID: "store-a", Feature: "orders", Amount: 1, IdempotencyKey: "late"})
	assert.True(t, types.IsCode(err, types.ErrCodeSubscriptionNotActive))
}

func TestTracker_SubscriptionLookupError(t *testing.T) {
	tr, subs, _ := newTestTracker(t)
	boom := errors.New("db down")
	subs.err = boom

	_, err := tr.CurrentUsage(context.Background(), "store-a", "orders")
	assert.ErrorIs(t, err, boom)
}

func TestTracker_LazyRolloverOnRead(t *testing.T) {
	tr, subs, clock := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.Adjust(ctx, "store-a", "transactions", 13000)
	require.NoError(t, err)
	flipped, err := tr.MarkSoftCap(ctx, subs.sub, "transactions")
	require.NoError(t, err)
	require.True(t, flipped)

	clock.set(windowEnd.Add(24 * time.Hour))
	u, err := tr.Usage(ctx, "store-a", "transactions")
	require.NoError(t, err)
	assert.Zero(t, u.CurrentUsage)
	assert.True(t, u.YearStart.Equal(windowEnd))
	assert.True(t, u.YearEnd.Equal(windowEnd.AddDate(1, 0, 0)))
	assert.False(t, u.SoftCapTriggered)

	// The flag can trigger again in the new window.
	_, err = tr.Adjust(ctx, "store-a", "transactions", 12001)
	require.NoError(t, err)
	flipped, err = tr.MarkSoftCap(ctx, subs.sub, "transactions")
	require.NoError(t, err)
	assert.True(t, flipped)
}

func TestTracker_RolloverSkipsIdleYears(t *testing.T) {
	tr, _, clock := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.Adjust(ctx, "store-a", "orders", 77)
	require.NoError(t, err)

	clock.set(windowStart.AddDate(2, 1, 0))
	u, err := tr.Usage(ctx, "store-a", "orders")
	require.NoError(t, err)
	assert.Zero(t, u.CurrentUsage)
	assert.True(t, u.YearStart.Equal(windowStart.AddDate(2, 0, 0)))
}

func TestTracker_AdjustRejectsNegative(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	_, err := tr.Adjust(context.Background(), "store-a", "orders", -1)
	assert.True(t, types.IsCode(err, types.ErrCodeValidationInvalidAmount))
}
