package core

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"storegate/internal/types"
)

func TestError_AppErrorEnvelope(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(types.WithRequestID(req.Context(), "req-1"))
	rec := httptest.NewRecorder()

	Error(rec, req, types.NewAppErrorWithDetails(types.ErrCodePlanFeatureRequired,
		"This feature requires Pro plan or higher", errors.New("secret"),
		map[string]any{"required_plan": "Pro"}))

	env := assertErrorCode(t, rec, http.StatusForbidden, types.ErrCodePlanFeatureRequired)
	if env.Error.Details["required_plan"] != "Pro" {
		t.Errorf("details = %v", env.Error.Details)
	}
	if _, ok := env.Error.Details["debug"]; ok {
		t.Error("debug detail must not be exposed without debug mode")
	}
	if env.Meta.RequestID != "req-1" || env.Meta.Timestamp.IsZero() {
		t.Errorf("meta = %+v", env.Meta)
	}
}

func TestError_DebugDetail(t *testing.T) {
	srv := newTestServer(t)
	srv.Config.Debug = true

	h := srv.DebugMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Error(w, r, types.NewAppError(types.ErrCodeGateUnavailable, "Unable to verify plan access", errors.New("pool exhausted")))
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	env := assertErrorCode(t, rec, http.StatusServiceUnavailable, types.ErrCodeGateUnavailable)
	if env.Error.Details["debug"] != "pool exhausted" {
		t.Errorf("debug = %v", env.Error.Details["debug"])
	}
}

func TestError_GenericErrorIsHidden(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("dial tcp 10.0.0.1: refused"))

	assertErrorCode(t, rec, http.StatusInternalServerError, types.ErrCodeInternalUnexpected)
	if strings.Contains(rec.Body.String(), "10.0.0.1") {
		t.Error("internal error text leaked")
	}
}

func TestSuccess(t *testing.T) {
	rec := httptest.NewRecorder()
	Success(rec, httptest.NewRequest(http.MethodGet, "/", nil), http.StatusOK, map[string]int{"n": 1})

	env := decodeEnvelope(t, rec)
	if !env.Success || env.Error != nil {
		t.Errorf("envelope = %+v", env)
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Errorf("content type = %q", rec.Header().Get("Content-Type"))
	}
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		Amount int64 `json:"amount"`
	}
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"valid", `{"amount":3}`, false},
		{"empty", ``, true},
		{"syntax", `{"amount":`, true},
		{"unknown field", `{"amount":1,"extra":true}`, true},
		{"wrong type", `{"amount":"three"}`, true},
		{"two values", `{"amount":1}{"amount":2}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.payload))
			var dst body
			err := DecodeJSON(httptest.NewRecorder(), req, &dst)
			if tt.wantErr {
				if !types.IsCode(err, types.ErrCodeValidationInvalidJSON) {
					t.Errorf("err = %v, want validation_invalid_json", err)
				}
				return
			}
			if err != nil || dst.Amount != 3 {
				t.Errorf("err = %v, dst = %+v", err, dst)
			}
		})
	}
}

func TestValidator_ValidateStruct(t *testing.T) {
	type req struct {
		Reason string `json:"reason" validate:"required"`
		Amount int64  `json:"amount" validate:"gte=1"`
	}
	v := NewValidator()

	if err := v.ValidateStruct(req{Reason: "x", Amount: 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := v.ValidateStruct(req{Amount: 1})
	appErr, ok := types.AsAppError(err)
	if !ok || appErr.Code != types.ErrCodeValidationMissingField {
		t.Fatalf("err = %v", err)
	}
	fields, _ := appErr.Details["fields"].(map[string]any)
	if fields["reason"] != "required" {
		t.Errorf("fields = %v", fields)
	}

	if !types.IsCode(v.ValidateStruct(req{Reason: "x"}), types.ErrCodeValidationFailed) {
		t.Error("range failure should report validation_failed")
	}
}
