package handlers

import (
	"context"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"storegate/internal/core"
	"storegate/internal/types"
)

// PlanLister lists the plan catalog. billing.PlanCatalog satisfies it.
type PlanLister interface {
	List(ctx context.Context) ([]*types.Plan, error)
}

// PlanHandler serves the plan catalog.
type PlanHandler struct {
	plans PlanLister
}

// NewPlanHandler creates a PlanHandler.
func NewPlanHandler(plans PlanLister) *PlanHandler {
	return &PlanHandler{plans: plans}
}

// RegisterRoutes mounts GET /plans.
func (h *PlanHandler) RegisterRoutes(r chi.Router) {
	r.With(core.Named("plans.index")).Get("/plans", h.List)
}

// List handles GET /v1/plans. Inactive plans are only shown with
// ?include_inactive=true to callers holding plans.manage.
func (h *PlanHandler) List(w http.ResponseWriter, r *http.Request) {
	plans, err := h.plans.List(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	plans = slices.Clone(plans)
	if !includeInactive(r) {
		plans = slices.DeleteFunc(plans, func(p *types.Plan) bool { return !p.IsActive })
	}
	slices.SortStableFunc(plans, func(a, b *types.Plan) int { return a.SortOrder - b.SortOrder })
	core.Success(w, r, http.StatusOK, plans)
}

func includeInactive(r *http.Request) bool {
	if r.URL.Query().Get("include_inactive") != "true" {
		return false
	}
	user, ok := types.GetUser(r.Context())
	return ok && (user.IsSuperuser() || user.Permissions.Has(types.PermManagePlans))
}
