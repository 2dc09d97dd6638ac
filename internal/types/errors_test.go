package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

// TestAppErrorImplementsError verifies that *AppError satisfies the error interface.
func TestAppErrorImplementsError(t *testing.T) {
	var _ error = (*AppError)(nil)
}

// TestAppErrorErrorFormat verifies the Error() method produces "code: message".
func TestAppErrorErrorFormat(t *testing.T) {
	appErr := &AppError{
		Code:    ErrCodePlanLimitExceeded,
		Message: "You have reached the products limit for your plan",
	}

	expected := "PLAN_LIMIT_EXCEEDED: You have reached the products limit for your plan"
	if appErr.Error() != expected {
		t.Errorf("Error() = %q, want %q", appErr.Error(), expected)
	}
}

func TestAppErrorUnwrap(t *testing.T) {
	underlying := errors.New("database connection failed")
	appErr := NewAppError(ErrCodeInternalDB, "failed to load subscription", underlying)

	if !errors.Is(appErr, underlying) {
		t.Errorf("errors.Is should find the underlying error")
	}
	if NewAppError(ErrCodeNotFoundPlan, "plan not found", nil).Unwrap() != nil {
		t.Errorf("Unwrap() should return nil when Err is nil")
	}
}

// TestAsAppError verifies extraction through fmt.Errorf wrapping.
func TestAsAppError(t *testing.T) {
	wrapped := fmt.Errorf("gate: %w", NewAppError(ErrCodeSubscriptionExpired, "Subscription has expired", nil))

	got, ok := AsAppError(wrapped)
	if !ok {
		t.Fatal("AsAppError should find AppError in the chain")
	}
	if got.Code != ErrCodeSubscriptionExpired {
		t.Errorf("Code = %q, want %q", got.Code, ErrCodeSubscriptionExpired)
	}
	if !IsCode(wrapped, ErrCodeSubscriptionExpired) {
		t.Errorf("IsCode should match the wrapped code")
	}
	if IsCode(errors.New("plain"), ErrCodeSubscriptionExpired) {
		t.Errorf("IsCode should not match a plain error")
	}
}

func TestAppErrorWithDetailsDoesNotMutate(t *testing.T) {
	orig := NewAppErrorWithDetails(ErrCodePlanFeatureRequired, "upgrade", nil, map[string]any{"feature": "inventory"})
	copied := orig.WithDetails(map[string]any{"required_plan": "Pro"})

	if _, ok := orig.Details["required_plan"]; ok {
		t.Errorf("original details must not be mutated")
	}
	if copied.Details["feature"] != "inventory" || copied.Details["required_plan"] != "Pro" {
		t.Errorf("merged details = %v", copied.Details)
	}
}

func TestErrorCodeHTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeUnauthenticated, http.StatusUnauthorized},
		{ErrCodeAuthTokenInvalid, http.StatusUnauthorized},
		{ErrCodeUnauthorized, http.StatusForbidden},
		{ErrCodeNoStoreContext, http.StatusForbidden},
		{ErrCodeNoActiveSubscription, http.StatusForbidden},
		{ErrCodeSubscriptionExpired, http.StatusForbidden},
		{ErrCodePlanFeatureRequired, http.StatusForbidden},
		{ErrCodePlanLimitExceeded, http.StatusForbidden},
		{ErrCodeQuotaPremiumBlocked, http.StatusForbidden},
		{ErrCodeCrossStoreAccess, http.StatusForbidden},
		{ErrCodeCrossStoreData, http.StatusForbidden},
		{ErrCodeCrossStoreModel, http.StatusForbidden},
		{ErrCodeTenantLookupFailed, http.StatusForbidden},
		{ErrCodeRateLimit, http.StatusTooManyRequests},
		{ErrCodeDuplicateOperation, http.StatusConflict},
		{ErrCodePlanInUse, http.StatusConflict},
		{ErrCodeNotFoundPlan, http.StatusNotFound},
		{ErrCodeValidationIdempotencyKey, http.StatusBadRequest},
		{ErrCodeGateUnavailable, http.StatusServiceUnavailable},
		{ErrCodeUpstreamQueue, http.StatusBadGateway},
		{ErrCodeInternalDB, http.StatusInternalServerError},
		{ErrorCode("something_unknown"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}
