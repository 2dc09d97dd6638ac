package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"storegate/internal/core"
	"storegate/internal/types"
)

// SubscriptionService reads and cancels a store's subscription.
// billing.SubscriptionService satisfies it.
type SubscriptionService interface {
	Current(ctx context.Context, storeID string) (*types.Subscription, error)
	Cancel(ctx context.Context, storeID string) (*types.Subscription, error)
}

// QuotaReporter summarizes the store's annual quota. usage.Tracker satisfies it.
type QuotaReporter interface {
	QuotaStatus(ctx context.Context, storeID string) (types.QuotaStatus, error)
}

// SubscriptionResponse is the body of GET /v1/stores/{store}/subscription.
type SubscriptionResponse struct {
	Subscription *types.Subscription `json:"subscription"`
	QuotaStatus  types.QuotaStatus   `json:"quota_status"`
}

// SubscriptionHandler serves the store's subscription state.
type SubscriptionHandler struct {
	subs   SubscriptionService
	quota  QuotaReporter
	logger *slog.Logger
}

// NewSubscriptionHandler creates a SubscriptionHandler.
func NewSubscriptionHandler(subs SubscriptionService, quota QuotaReporter, logger *slog.Logger) *SubscriptionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionHandler{subs: subs, quota: quota, logger: logger}
}

// RegisterRoutes mounts the subscription routes on a /stores/{store} router.
func (h *SubscriptionHandler) RegisterRoutes(r chi.Router, g Guards) {
	r.With(storeScoped(g, "subscription.show")...).Get("/subscription", h.Show)
	r.With(storeScoped(g, "subscription.cancel")...).
		With(g.RequireRole(types.RoleOwner)).
		Post("/subscription/cancel", h.Cancel)
}

// Show handles GET /v1/stores/{store}/subscription.
func (h *SubscriptionHandler) Show(w http.ResponseWriter, r *http.Request) {
	storeID := chi.URLParam(r, paramStore)

	sub, err := h.subs.Current(r.Context(), storeID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if sub == nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeNoActiveSubscription, "Store has no active subscription", nil))
		return
	}

	status, err := h.quota.QuotaStatus(r.Context(), storeID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Success(w, r, http.StatusOK, SubscriptionResponse{Subscription: sub, QuotaStatus: status})
}

// Cancel handles POST /v1/stores/{store}/subscription/cancel.
func (h *SubscriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	storeID := chi.URLParam(r, paramStore)

	sub, err := h.subs.Cancel(r.Context(), storeID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	user, _ := types.GetUser(r.Context())
	h.logger.InfoContext(r.Context(), "subscription cancelled via api",
		slog.String("store_id", storeID),
		slog.String("subscription_id", sub.ID),
		slog.String("user_id", userID(user)),
	)
	core.Success(w, r, http.StatusOK, sub)
}

func userID(u *types.User) string {
	if u == nil {
		return ""
	}
	return u.ID
}
