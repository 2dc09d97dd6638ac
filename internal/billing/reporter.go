package billing

import (
	"context"
	"slices"
	"time"

	"storegate/internal/types"
)

// FeatureUsage is one counted feature in a UsageSnapshot. Limit is nil for
// features the plan does not cap.
type FeatureUsage struct {
	Feature          string  `json:"feature"`
	CurrentUsage     int64   `json:"current_usage"`
	Limit            *int64  `json:"limit,omitempty"`
	Percentage       float64 `json:"percentage"`
	SoftCapTriggered bool    `json:"soft_cap_triggered"`
}

// UsageSnapshot is the store's consumption against its plan for the current
// subscription-year window.
type UsageSnapshot struct {
	StoreID     string            `json:"store_id"`
	Plan        string            `json:"plan"`
	WindowStart time.Time         `json:"window_start"`
	WindowEnd   time.Time         `json:"window_end"`
	Features    []FeatureUsage    `json:"features"`
	Quota       types.QuotaStatus `json:"quota_status"`
}

// UsageReporter builds UsageSnapshots. It reads through the same tracker the
// gate uses, so stale windows are rolled over before they are reported.
type UsageReporter struct {
	subs         SubscriptionLookup
	usage        UsageTracker
	quotaFeature string
}

// NewUsageReporter creates a reporter.
func NewUsageReporter(subs SubscriptionLookup, usage UsageTracker, quotaFeature string) *UsageReporter {
	return &UsageReporter{subs: subs, usage: usage, quotaFeature: quotaFeature}
}

// Snapshot reports every feature the plan limits, plus the quota feature.
// A store without a subscription gets NO_ACTIVE_SUBSCRIPTION.
func (r *UsageReporter) Snapshot(ctx context.Context, storeID string) (*UsageSnapshot, error) {
	sub, err := r.subs.Current(ctx, storeID)
	if err != nil {
		return nil, err
	}
	if sub == nil || sub.Plan == nil {
		return nil, types.NewAppError(types.ErrCodeNoActiveSubscription, "No active subscription", nil)
	}

	features := make([]string, 0, len(sub.Plan.Limits)+1)
	for f := range sub.Plan.Limits {
		features = append(features, f)
	}
	if r.quotaFeature != "" && !slices.Contains(features, r.quotaFeature) {
		features = append(features, r.quotaFeature)
	}
	slices.Sort(features)

	snap := &UsageSnapshot{StoreID: storeID, Plan: sub.Plan.Name, Features: make([]FeatureUsage, 0, len(features))}
	for _, f := range features {
		u, err := r.usage.UsageFor(ctx, sub, f)
		if err != nil {
			return nil, err
		}
		fu := FeatureUsage{Feature: f, CurrentUsage: u.CurrentUsage, SoftCapTriggered: u.SoftCapTriggered}
		if limit, ok := sub.Plan.Limit(f); ok {
			fu.Limit = &limit
			if limit > 0 {
				fu.Percentage = float64(u.CurrentUsage) * 100 / float64(limit)
			}
		}
		if f == r.quotaFeature {
			snap.Quota = types.NewQuotaStatus(u)
		}
		if snap.WindowStart.IsZero() {
			snap.WindowStart, snap.WindowEnd = u.YearStart, u.YearEnd
		}
		snap.Features = append(snap.Features, fu)
	}
	return snap, nil
}
