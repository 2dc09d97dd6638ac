// Package billing owns plans, subscriptions, and the plan gate that decides
// per request whether a store may use a feature.
package billing

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"storegate/internal/types"
)

// PlanCatalog is the read side of plan definitions.
type PlanCatalog interface {
	// Get returns the plan with the given ID, or a not_found_plan AppError.
	Get(ctx context.Context, id string) (*types.Plan, error)
	// List returns active plans ordered by rank (SortOrder ascending).
	List(ctx context.Context) ([]*types.Plan, error)
}

// RequiredPlanFor returns the lowest-ranked plan at or above current's rank
// that grants feature. ok is false when no such plan exists.
func RequiredPlanFor(plans []*types.Plan, current *types.Plan, feature string) (*types.Plan, bool) {
	rank := 0
	if current != nil {
		rank = current.SortOrder
	}
	for _, p := range sortedByRank(plans) {
		if p.SortOrder >= rank && p.HasFeature(feature) {
			return p, true
		}
	}
	return nil, false
}

func sortedByRank(plans []*types.Plan) []*types.Plan {
	out := slices.Clone(plans)
	slices.SortStableFunc(out, func(a, b *types.Plan) int {
		return a.SortOrder - b.SortOrder
	})
	return out
}

var (
	planValidatorOnce sync.Once
	planValidator     *validator.Validate
)

// ValidatePlan checks a plan definition's struct tags: required identity
// fields, non-empty feature keys, and non-negative limits.
func ValidatePlan(p *types.Plan) error {
	planValidatorOnce.Do(func() { planValidator = validator.New() })
	if p == nil {
		return types.NewAppError(types.ErrCodeValidationInvalidPlan, "plan must not be nil", nil)
	}
	if err := planValidator.Struct(p); err != nil {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPlan,
			fmt.Sprintf("invalid plan definition %q", p.Slug), err,
			map[string]any{"plan": p.Slug})
	}
	if p.Price.IsNegative() || p.AnnualPrice.IsNegative() {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPlan,
			fmt.Sprintf("plan %q has a negative price", p.Slug), nil,
			map[string]any{"plan": p.Slug})
	}
	return nil
}

// StaticCatalog is an immutable in-memory catalog.
type StaticCatalog struct {
	byID   map[string]*types.Plan
	ranked []*types.Plan
}

// NewStaticCatalog validates and copies plans. Duplicate IDs are rejected.
func NewStaticCatalog(plans []*types.Plan) (*StaticCatalog, error) {
	c := &StaticCatalog{byID: make(map[string]*types.Plan, len(plans))}
	for _, p := range plans {
		if err := ValidatePlan(p); err != nil {
			return nil, err
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, types.NewAppError(types.ErrCodeValidationInvalidPlan, fmt.Sprintf("duplicate plan id %q", p.ID), nil)
		}
		cp := clonePlan(p)
		c.byID[p.ID] = cp
		if cp.IsActive {
			c.ranked = append(c.ranked, cp)
		}
	}
	c.ranked = sortedByRank(c.ranked)
	return c, nil
}

// Get implements PlanCatalog.
func (c *StaticCatalog) Get(_ context.Context, id string) (*types.Plan, error) {
	p, ok := c.byID[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundPlan, fmt.Sprintf("plan %q not found", id), nil)
	}
	return p, nil
}

// List implements PlanCatalog.
func (c *StaticCatalog) List(_ context.Context) ([]*types.Plan, error) {
	return slices.Clone(c.ranked), nil
}

func clonePlan(p *types.Plan) *types.Plan {
	cp := *p
	cp.Features = slices.Clone(p.Features)
	cp.Limits = make(map[string]int64, len(p.Limits))
	for k, v := range p.Limits {
		cp.Limits[k] = v
	}
	return &cp
}

// DefaultPlans is the stock Basic/Pro/Enterprise lineup used for local runs
// and as seed data. Inventory, recipes, and reporting start at Pro.
func DefaultPlans() []*types.Plan {
	return []*types.Plan{
		{
			ID:          "basic",
			Name:        "Basic",
			Slug:        "basic",
			Price:       decimal.RequireFromString("99000"),
			AnnualPrice: decimal.RequireFromString("990000"),
			Features:    []string{"products", "users", "outlets", "transactions", "orders", "members"},
			Limits: map[string]int64{
				"products":     50,
				"users":        3,
				"outlets":      1,
				"transactions": 12000,
			},
			IsActive:  true,
			SortOrder: 1,
		},
		{
			ID:          "pro",
			Name:        "Pro",
			Slug:        "pro",
			Price:       decimal.RequireFromString("299000"),
			AnnualPrice: decimal.RequireFromString("2990000"),
			Features: []string{
				"products", "users", "outlets", "transactions", "orders", "members",
				"inventory_tracking", "recipes", "report_export", "advanced_analytics",
			},
			Limits: map[string]int64{
				"products":     500,
				"users":        10,
				"outlets":      3,
				"transactions": 120000,
			},
			IsActive:  true,
			SortOrder: 2,
		},
		{
			ID:          "enterprise",
			Name:        "Enterprise",
			Slug:        "enterprise",
			Price:       decimal.RequireFromString("999000"),
			AnnualPrice: decimal.RequireFromString("9990000"),
			Features: []string{
				"products", "users", "outlets", "transactions", "orders", "members",
				"inventory_tracking", "recipes", "report_export", "advanced_analytics",
				"monthly_email_reports", "multi_outlet", "api_access",
			},
			Limits:    map[string]int64{},
			IsActive:  true,
			SortOrder: 3,
		},
	}
}
