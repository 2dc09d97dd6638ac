package handlers

import (
	"context"
	"encoding/csv"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"storegate/internal/billing"
	"storegate/internal/core"
	"storegate/internal/types"
	"storegate/internal/usage"
)

// reportExportFeature gates the CSV export of the usage snapshot.
const reportExportFeature = "report_export"

// UsageService is the subset of usage.Tracker the handlers need.
type UsageService interface {
	Usage(ctx context.Context, storeID, feature string) (*types.SubscriptionUsage, error)
	Increment(ctx context.Context, req usage.IncrementRequest) (*types.SubscriptionUsage, error)
	Adjust(ctx context.Context, storeID, feature string, value int64) (*types.SubscriptionUsage, error)
}

// SnapshotReporter builds per-store usage snapshots. billing.UsageReporter
// satisfies it.
type SnapshotReporter interface {
	Snapshot(ctx context.Context, storeID string) (*billing.UsageSnapshot, error)
}

// IncrementRequest is the optional body of POST /usage/{feature}. An empty
// body counts one unit.
type IncrementRequest struct {
	Amount int64 `json:"amount" validate:"gte=1"`
}

// AdjustRequest is the body of PUT /usage/{feature}.
type AdjustRequest struct {
	Value  *int64 `json:"value" validate:"required,gte=0"`
	Reason string `json:"reason" validate:"required,max=500"`
}

// UsageResponse wraps a usage row with its derived quota figures.
type UsageResponse struct {
	*types.SubscriptionUsage
	Percentage    float64 `json:"percentage"`
	QuotaExceeded bool    `json:"quota_exceeded"`
}

func newUsageResponse(u *types.SubscriptionUsage) UsageResponse {
	return UsageResponse{SubscriptionUsage: u, Percentage: u.Percentage(), QuotaExceeded: u.QuotaExceeded()}
}

// UsageHandler serves per-store usage counters.
type UsageHandler struct {
	gate      core.Gatekeeper
	usage     UsageService
	reporter  SnapshotReporter
	validator *core.Validator
	logger    *slog.Logger
}

// NewUsageHandler creates a UsageHandler.
func NewUsageHandler(gate core.Gatekeeper, svc UsageService, reporter SnapshotReporter, v *core.Validator, logger *slog.Logger) *UsageHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if v == nil {
		v = core.NewValidator()
	}
	return &UsageHandler{gate: gate, usage: svc, reporter: reporter, validator: v, logger: logger}
}

// RegisterRoutes mounts the usage routes on a /stores/{store} router.
func (h *UsageHandler) RegisterRoutes(r chi.Router, g Guards) {
	view := g.RequirePermission(types.PermViewUsage)

	r.With(storeScoped(g, "usage.index")...).With(view).Get("/usage", h.Snapshot)
	r.With(storeScoped(g, "usage.export")...).
		With(view, g.PlanGate(reportExportFeature)).
		Get("/usage/export", h.Export)
	r.With(storeScoped(g, "usage.show")...).With(view).Get("/usage/{feature}", h.Show)
	r.With(storeScoped(g, "usage.increment")...).
		With(g.RequirePermission(types.PermRecordUsage)).
		Post("/usage/{feature}", h.Increment)
	r.With(storeScoped(g, "usage.adjust")...).
		With(g.RequireRole(types.RoleSuperuser)).
		Put("/usage/{feature}", h.Adjust)
}

// Snapshot handles GET /v1/stores/{store}/usage.
func (h *UsageHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.reporter.Snapshot(r.Context(), chi.URLParam(r, paramStore))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Success(w, r, http.StatusOK, snap)
}

// Export handles GET /v1/stores/{store}/usage/export, rendering the snapshot
// as CSV.
func (h *UsageHandler) Export(w http.ResponseWriter, r *http.Request) {
	storeID := chi.URLParam(r, paramStore)
	snap, err := h.reporter.Snapshot(r.Context(), storeID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="usage-`+storeID+`.csv"`)
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"feature", "current_usage", "limit", "percentage", "soft_cap_triggered"})
	for _, f := range snap.Features {
		limit := ""
		if f.Limit != nil {
			limit = strconv.FormatInt(*f.Limit, 10)
		}
		_ = cw.Write([]string{
			f.Feature,
			strconv.FormatInt(f.CurrentUsage, 10),
			limit,
			strconv.FormatFloat(f.Percentage, 'f', -1, 64),
			strconv.FormatBool(f.SoftCapTriggered),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		h.logger.WarnContext(r.Context(), "usage export write failed",
			slog.String("store_id", storeID),
			slog.String("error", err.Error()),
		)
	}
}

// Show handles GET /v1/stores/{store}/usage/{feature}.
func (h *UsageHandler) Show(w http.ResponseWriter, r *http.Request) {
	u, err := h.usage.Usage(r.Context(), chi.URLParam(r, paramStore), chi.URLParam(r, paramFeature))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Success(w, r, http.StatusOK, newUsageResponse(u))
}

// Increment handles POST /v1/stores/{store}/usage/{feature}. The
// Idempotency-Key header is required; replaying a key returns
// DUPLICATE_OPERATION without counting again. The plan gate runs before the
// counter moves. An increment that pushes the store over its annual quota is
// evaluated again so the soft cap flips and its warning goes out.
func (h *UsageHandler) Increment(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationIdempotencyKey,
			"Idempotency-Key header is required", nil))
		return
	}

	req := IncrementRequest{Amount: 1}
	if r.ContentLength != 0 {
		if err := core.DecodeJSON(w, r, &req); err != nil {
			core.Error(w, r, err)
			return
		}
		if err := h.validator.ValidateStruct(req); err != nil {
			core.Error(w, r, err)
			return
		}
	}

	if h.gate == nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeGateUnavailable, "Unable to verify plan access", nil))
		return
	}
	storeID := chi.URLParam(r, paramStore)
	feature := chi.URLParam(r, paramFeature)
	user, _ := types.GetUser(r.Context())
	gateReq := billing.GateRequest{
		User:      user,
		Feature:   feature,
		RequestID: types.GetRequestID(r.Context()),
	}
	d := h.gate.Evaluate(r.Context(), gateReq)
	if !d.Allowed() {
		core.Error(w, r, d.Denial)
		return
	}

	u, err := h.usage.Increment(r.Context(), usage.IncrementRequest{
		StoreID:        storeID,
		Feature:        feature,
		Amount:         req.Amount,
		IdempotencyKey: key,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if u.QuotaExceeded() && !u.SoftCapTriggered && d.Headers[types.HeaderQuotaWarning] == "" {
		if after := h.gate.Evaluate(r.Context(), gateReq); after.Allowed() {
			d = after
			if fresh, err := h.usage.Usage(r.Context(), storeID, feature); err == nil {
				u = fresh
			}
		}
	}
	for k, v := range d.Headers {
		w.Header().Set(k, v)
	}
	core.Success(w, r, http.StatusOK, newUsageResponse(u))
}

// Adjust handles PUT /v1/stores/{store}/usage/{feature}, the administrative
// correction path.
func (h *UsageHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	storeID := chi.URLParam(r, paramStore)
	feature := chi.URLParam(r, paramFeature)
	u, err := h.usage.Adjust(r.Context(), storeID, feature, *req.Value)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	user, _ := types.GetUser(r.Context())
	h.logger.WarnContext(r.Context(), "usage corrected by administrator",
		slog.String("store_id", storeID),
		slog.String("feature", feature),
		slog.Int64("value", *req.Value),
		slog.String("reason", req.Reason),
		slog.String("user_id", userID(user)),
	)
	core.Success(w, r, http.StatusOK, newUsageResponse(u))
}
