package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"storegate/internal/billing"
	"storegate/internal/core"
	"storegate/internal/types"
)

// FeatureAccessResponse is the body of an allowed feature check.
type FeatureAccessResponse struct {
	Feature string            `json:"feature"`
	Outcome billing.Outcome   `json:"outcome"`
	Headers map[string]string `json:"headers,omitempty"`
}

// FeatureHandler lets other POS services ask the gate whether a store may use
// a feature before they perform the action themselves.
type FeatureHandler struct {
	gate core.Gatekeeper
}

// NewFeatureHandler creates a FeatureHandler.
func NewFeatureHandler(gate core.Gatekeeper) *FeatureHandler {
	return &FeatureHandler{gate: gate}
}

// RegisterRoutes mounts the feature check on a /stores/{store} router.
func (h *FeatureHandler) RegisterRoutes(r chi.Router, g Guards) {
	r.With(storeScoped(g, "features.check")...).Get("/features/{feature}", h.Check)
}

// Check handles GET /v1/stores/{store}/features/{feature}. The query parameter
// hard_limit=true enables the count check against the plan's limit. A denial
// is returned with its gate status.
func (h *FeatureHandler) Check(w http.ResponseWriter, r *http.Request) {
	if h.gate == nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeGateUnavailable, "Unable to verify plan access", nil))
		return
	}
	user, _ := types.GetUser(r.Context())
	req := billing.GateRequest{
		User:      user,
		Feature:   chi.URLParam(r, paramFeature),
		RequestID: types.GetRequestID(r.Context()),
	}

	req.HardLimit = r.URL.Query().Get("hard_limit") == "true"

	d := h.gate.Evaluate(r.Context(), req)
	if !d.Allowed() {
		core.Error(w, r, d.Denial)
		return
	}
	for k, v := range d.Headers {
		w.Header().Set(k, v)
	}
	core.Success(w, r, http.StatusOK, FeatureAccessResponse{Feature: req.Feature, Outcome: d.Outcome, Headers: d.Headers})
}
