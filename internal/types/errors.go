package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// Gate and guard codes are part of the public contract: clients branch on them
// (e.g. to render an "upgrade your plan" prompt), so their values never change.
const (
	// Validation (400)
	ErrCodeValidationMissingField   ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidAmount  ErrorCode = "validation_invalid_amount"
	ErrCodeValidationInvalidFeature ErrorCode = "validation_invalid_feature"
	ErrCodeValidationInvalidPlan    ErrorCode = "validation_invalid_plan"
	ErrCodeValidationIdempotencyKey ErrorCode = "validation_idempotency_key_required"
	ErrCodeValidationInvalidJSON    ErrorCode = "validation_invalid_json"
	ErrCodeValidationFailed         ErrorCode = "validation_failed"

	// Authentication (401)
	ErrCodeUnauthenticated  ErrorCode = "UNAUTHENTICATED"
	ErrCodeAuthTokenInvalid ErrorCode = "auth_token_invalid"

	// Authorization (403)
	ErrCodeUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrCodeNoStoreContext ErrorCode = "NO_STORE_CONTEXT"

	// Subscription and plan gate (403)
	ErrCodeNoActiveSubscription  ErrorCode = "NO_ACTIVE_SUBSCRIPTION"
	ErrCodeSubscriptionExpired   ErrorCode = "SUBSCRIPTION_EXPIRED"
	ErrCodePlanFeatureRequired   ErrorCode = "PLAN_FEATURE_REQUIRED"
	ErrCodePlanLimitExceeded     ErrorCode = "PLAN_LIMIT_EXCEEDED"
	ErrCodeQuotaPremiumBlocked   ErrorCode = "QUOTA_EXCEEDED_PREMIUM_BLOCKED"
	ErrCodeGateUnavailable       ErrorCode = "GATE_UNAVAILABLE"
	ErrCodeSubscriptionNotActive ErrorCode = "SUBSCRIPTION_NOT_ACTIVE"

	// Tenant isolation (403)
	ErrCodeCrossStoreAccess   ErrorCode = "cross_store_access_attempt"
	ErrCodeCrossStoreData     ErrorCode = "cross_store_data_access"
	ErrCodeCrossStoreModel    ErrorCode = "cross_store_model_access"
	ErrCodeTenantLookupFailed ErrorCode = "tenant_lookup_failed"

	// Rate limiting (429)
	ErrCodeRateLimit ErrorCode = "RATE_LIMITED"

	// Not Found (404)
	ErrCodeNotFoundPlan         ErrorCode = "not_found_plan"
	ErrCodeNotFoundSubscription ErrorCode = "not_found_subscription"
	ErrCodeNotFoundUsage        ErrorCode = "not_found_usage"

	// Conflict (409)
	ErrCodeDuplicateOperation ErrorCode = "DUPLICATE_OPERATION"
	ErrCodePlanInUse          ErrorCode = "PLAN_IN_USE"
	ErrCodeConflictActiveSub  ErrorCode = "conflict_active_subscription"
	ErrCodeConflictConcurrent ErrorCode = "conflict_concurrent_modification"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB          ErrorCode = "internal_database_error"
	ErrCodeInternalCache       ErrorCode = "internal_cache_error"
	ErrCodeInternalUnexpected  ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamQueue       ErrorCode = "upstream_queue_unavailable"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Used by the API layer to translate AppErrors into HTTP responses.
// Returns 500 for unrecognized error codes as a safe default.
//
// Every gate and isolation denial maps to 403; 429 is reserved for the
// separate rate limiter.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case c == ErrCodeUnauthenticated, strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized // 401
	case c == ErrCodeUnauthorized,
		c == ErrCodeNoStoreContext,
		c == ErrCodeNoActiveSubscription,
		c == ErrCodeSubscriptionExpired,
		c == ErrCodePlanFeatureRequired,
		c == ErrCodePlanLimitExceeded,
		c == ErrCodeQuotaPremiumBlocked,
		c == ErrCodeSubscriptionNotActive,
		strings.HasPrefix(s, "cross_store_"),
		c == ErrCodeTenantLookupFailed:
		return http.StatusForbidden // 403
	case c == ErrCodeRateLimit:
		return http.StatusTooManyRequests // 429
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case c == ErrCodeDuplicateOperation,
		c == ErrCodePlanInUse,
		strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict // 409
	case c == ErrCodeGateUnavailable:
		return http.StatusServiceUnavailable // 503
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	case strings.HasPrefix(s, "internal_"):
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

// AppError is the standard application error type used throughout the platform.
// Gate and guard denials are expressed as AppError so the HTTP layer can map
// them 1:1 to responses without inspecting component internals.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
// This is useful for adding context without mutating the original error.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error. This is the standard constructor for domain errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with the given code, message,
// underlying error, and structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// IsCode reports whether err is (or wraps) an AppError carrying code.
func IsCode(err error, code ErrorCode) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Code == code
}

// AsAppError extracts the first *AppError in err's chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
