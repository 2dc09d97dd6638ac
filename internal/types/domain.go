package types

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Plan is a subscription tier. Plans referenced by a subscription are treated
// as immutable; edits apply only to new or renewed subscriptions.
type Plan struct {
	ID          string          `json:"id" db:"id" validate:"required"`
	Name        string          `json:"name" db:"name" validate:"required,max=100"`
	Slug        string          `json:"slug" db:"slug" validate:"required,max=50"`
	Description string          `json:"description,omitempty" db:"description"`
	Price       decimal.Decimal `json:"price" db:"price"`
	AnnualPrice decimal.Decimal `json:"annual_price" db:"annual_price"`

	// Features lists the feature keys granted by the plan.
	Features []string `json:"features" db:"features" validate:"dive,required"`
	// Limits caps countable features. A feature absent from Limits is unlimited.
	Limits map[string]int64 `json:"limits" db:"limits" validate:"dive,keys,required,endkeys,gte=0"`

	IsActive  bool `json:"is_active" db:"is_active"`
	SortOrder int  `json:"sort_order" db:"sort_order" validate:"gte=0"`
}

// HasFeature reports whether the plan grants feature. A plan that declares a
// limit for a feature grants it implicitly.
func (p *Plan) HasFeature(feature string) bool {
	if p == nil {
		return false
	}
	if slices.Contains(p.Features, feature) {
		return true
	}
	_, limited := p.Limits[feature]
	return limited
}

// Limit returns the cap for feature. ok is false when the feature is unlimited.
func (p *Plan) Limit(feature string) (limit int64, ok bool) {
	if p == nil {
		return 0, false
	}
	limit, ok = p.Limits[feature]
	return limit, ok
}

// Subscription binds a store to a plan for a billing period.
type Subscription struct {
	ID           string             `json:"id" db:"id"`
	StoreID      string             `json:"store_id" db:"store_id"`
	PlanID       string             `json:"plan_id" db:"plan_id"`
	Status       SubscriptionStatus `json:"status" db:"status"`
	BillingCycle BillingCycle       `json:"billing_cycle" db:"billing_cycle"`
	StartsAt     time.Time          `json:"starts_at" db:"starts_at"`
	EndsAt       time.Time          `json:"ends_at" db:"ends_at"`
	TrialEndsAt  *time.Time         `json:"trial_ends_at,omitempty" db:"trial_ends_at"`
	CancelledAt  *time.Time         `json:"cancelled_at,omitempty" db:"cancelled_at"`
	Amount       decimal.Decimal    `json:"amount" db:"amount"`
	Metadata     map[string]any     `json:"metadata,omitempty" db:"metadata"`
	CreatedAt    time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at" db:"updated_at"`

	// Hydrated (not a column).
	Plan *Plan `json:"plan,omitempty" db:"-"`
}

// HasExpired reports whether now is strictly after EndsAt.
func (s *Subscription) HasExpired(now time.Time) bool {
	return now.After(s.EndsAt)
}

// OnTrial reports whether the subscription is inside its trial period.
func (s *Subscription) OnTrial(now time.Time) bool {
	return s.TrialEndsAt != nil && now.Before(*s.TrialEndsAt)
}

// IsActive reports whether the subscription is marked active and not expired.
func (s *Subscription) IsActive(now time.Time) bool {
	return s.Status == SubscriptionActive && !s.HasExpired(now)
}

// SubscriptionUsage is the per-feature counter for one subscription-year window.
// current_usage never decreases inside a window except by administrative
// correction.
type SubscriptionUsage struct {
	SubscriptionID     string     `json:"subscription_id" db:"subscription_id"`
	StoreID            string     `json:"store_id" db:"store_id"`
	Feature            string     `json:"feature_type" db:"feature_type"`
	CurrentUsage       int64      `json:"current_usage" db:"current_usage"`
	AnnualQuota        *int64     `json:"annual_quota,omitempty" db:"annual_quota"`
	YearStart          time.Time  `json:"subscription_year_start" db:"subscription_year_start"`
	YearEnd            time.Time  `json:"subscription_year_end" db:"subscription_year_end"`
	SoftCapTriggered   bool       `json:"soft_cap_triggered" db:"soft_cap_triggered"`
	SoftCapTriggeredAt *time.Time `json:"soft_cap_triggered_at,omitempty" db:"soft_cap_triggered_at"`
}

// Percentage returns usage as a percentage of the annual quota, or 0 when the
// quota is unset.
func (u *SubscriptionUsage) Percentage() float64 {
	if u == nil || u.AnnualQuota == nil || *u.AnnualQuota == 0 {
		return 0
	}
	return float64(u.CurrentUsage) * 100 / float64(*u.AnnualQuota)
}

// QuotaExceeded reports whether usage has gone past the annual quota.
func (u *SubscriptionUsage) QuotaExceeded() bool {
	return u != nil && u.AnnualQuota != nil && u.CurrentUsage > *u.AnnualQuota
}

// WindowStale reports whether the usage window has ended as of now.
func (u *SubscriptionUsage) WindowStale(now time.Time) bool {
	return !now.Before(u.YearEnd)
}

// Rollover advances a stale window one year at a time until it contains now,
// resetting the counter and the soft-cap flag. It returns false if the window
// was already current.
func (u *SubscriptionUsage) Rollover(now time.Time) bool {
	if !u.WindowStale(now) {
		return false
	}
	for u.WindowStale(now) {
		u.YearStart = u.YearEnd
		u.YearEnd = u.YearEnd.AddDate(1, 0, 0)
	}
	u.CurrentUsage = 0
	u.SoftCapTriggered = false
	u.SoftCapTriggeredAt = nil
	return true
}

// QuotaStatus is the client-facing snapshot of annual quota consumption.
type QuotaStatus struct {
	Status           QuotaState `json:"status"`
	CurrentUsage     int64      `json:"current_usage,omitempty"`
	AnnualQuota      int64      `json:"annual_quota,omitempty"`
	Percentage       float64    `json:"percentage,omitempty"`
	SoftCapTriggered bool       `json:"soft_cap_triggered,omitempty"`
}

// NewQuotaStatus builds a QuotaStatus from a usage row. A nil row or a row
// without a quota reports unlimited.
func NewQuotaStatus(u *SubscriptionUsage) QuotaStatus {
	if u == nil || u.AnnualQuota == nil || *u.AnnualQuota == 0 {
		return QuotaStatus{Status: QuotaUnlimited}
	}
	state := QuotaWithin
	if u.QuotaExceeded() {
		state = QuotaExceeded
	}
	return QuotaStatus{
		Status:           state,
		CurrentUsage:     u.CurrentUsage,
		AnnualQuota:      *u.AnnualQuota,
		Percentage:       u.Percentage(),
		SoftCapTriggered: u.SoftCapTriggered,
	}
}

// Map renders the status as the details payload used in denial responses.
func (q QuotaStatus) Map() map[string]any {
	m := map[string]any{"status": string(q.Status)}
	if q.Status == QuotaWithin || q.Status == QuotaExceeded {
		m["current_usage"] = q.CurrentUsage
		m["annual_quota"] = q.AnnualQuota
		m["percentage"] = q.Percentage
		m["soft_cap_triggered"] = q.SoftCapTriggered
	}
	return m
}

// SecurityViolation is an append-only audit record written by the tenant
// isolation guard.
type SecurityViolation struct {
	ID          string         `json:"id" db:"id"`
	Type        ViolationType  `json:"violation_type" db:"violation_type"`
	Severity    Severity       `json:"severity" db:"severity"`
	UserID      string         `json:"user_id" db:"user_id"`
	UserEmail   string         `json:"user_email" db:"user_email"`
	UserStoreID string         `json:"user_store_id" db:"user_store_id"`
	RouteName   string         `json:"route_name" db:"route_name"`
	Method      string         `json:"method" db:"method"`
	URL         string         `json:"url" db:"url"`
	IP          string         `json:"ip" db:"ip"`
	UserAgent   string         `json:"user_agent" db:"user_agent"`
	OccurredAt  time.Time      `json:"timestamp" db:"occurred_at"`
	Extra       map[string]any `json:"extra,omitempty" db:"extra"`
}

// QuotaWarningEvent is published when a store first exceeds its annual quota
// inside a window.
type QuotaWarningEvent struct {
	EventID      string    `json:"event_id"`
	StoreID      string    `json:"store_id"`
	Feature      string    `json:"feature"`
	CurrentUsage int64     `json:"current_usage"`
	AnnualQuota  int64     `json:"annual_quota"`
	Percentage   float64   `json:"percentage"`
	PlanName     string    `json:"plan_name"`
	TriggeredAt  time.Time `json:"triggered_at"`
	RequestID    string    `json:"request_id,omitempty"`
}

// DeliveryStatus is the state of a quota warning delivery record.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// QuotaWarningDelivery tracks the consumer side of one QuotaWarningEvent.
// EventID is unique, so a redelivered queue message maps to the same row.
type QuotaWarningDelivery struct {
	EventID       string         `json:"event_id" db:"event_id"`
	StoreID       string         `json:"store_id" db:"store_id"`
	Feature       string         `json:"feature" db:"feature"`
	Status        DeliveryStatus `json:"status" db:"status"`
	AttemptCount  int            `json:"attempt_count" db:"attempt_count"`
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	DeliveredAt   *time.Time     `json:"delivered_at,omitempty" db:"delivered_at"`
	FailureReason string         `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
}
