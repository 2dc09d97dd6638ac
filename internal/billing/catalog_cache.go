package billing

import (
	"context"
	"slices"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"storegate/internal/types"
)

// PlanSource is the persistent plan store (db.PlanRepo in production).
type PlanSource interface {
	GetPlan(ctx context.Context, id string) (*types.Plan, error)
	ListActivePlans(ctx context.Context) ([]*types.Plan, error)
}

const (
	planListKey   = "\x00all"
	planCacheSize = 256
)

// CachedCatalog fronts a PlanSource with a TTL cache. New or deactivated
// plans become visible to List after at most one TTL.
type CachedCatalog struct {
	source PlanSource
	plans  *expirable.LRU[string, *types.Plan]
	lists  *expirable.LRU[string, []*types.Plan]
}

// NewCachedCatalog wraps source. ttl <= 0 disables expiry.
func NewCachedCatalog(source PlanSource, ttl time.Duration) *CachedCatalog {
	if ttl < 0 {
		ttl = 0
	}
	return &CachedCatalog{
		source: source,
		plans:  expirable.NewLRU[string, *types.Plan](planCacheSize, nil, ttl),
		lists:  expirable.NewLRU[string, []*types.Plan](1, nil, ttl),
	}
}

// Get implements PlanCatalog.
func (c *CachedCatalog) Get(ctx context.Context, id string) (*types.Plan, error) {
	if p, ok := c.plans.Get(id); ok {
		return p, nil
	}
	p, err := c.source.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	c.plans.Add(id, p)
	return p, nil
}

// List implements PlanCatalog.
func (c *CachedCatalog) List(ctx context.Context) ([]*types.Plan, error) {
	if plans, ok := c.lists.Get(planListKey); ok {
		return slices.Clone(plans), nil
	}
	plans, err := c.source.ListActivePlans(ctx)
	if err != nil {
		return nil, err
	}
	plans = sortedByRank(plans)
	c.lists.Add(planListKey, plans)
	for _, p := range plans {
		c.plans.Add(p.ID, p)
	}
	return slices.Clone(plans), nil
}

// Invalidate drops every cached entry, e.g. after a plan is created.
func (c *CachedCatalog) Invalidate() {
	c.plans.Purge()
	c.lists.Purge()
}
