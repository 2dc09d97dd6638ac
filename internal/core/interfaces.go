package core

import (
	"context"
	"time"

	"github.com/go-chi/chi/v5"

	"storegate/internal/billing"
	"storegate/internal/tenancy"
	"storegate/internal/types"
)

// Authenticator resolves a bearer token to the user it belongs to. It returns
// an auth_token_invalid AppError for unknown tokens.
type Authenticator interface {
	ResolveToken(ctx context.Context, token string) (*types.User, error)
}

// Gatekeeper evaluates plan access. *billing.Gate is the production
// implementation.
type Gatekeeper interface {
	Evaluate(ctx context.Context, req billing.GateRequest) billing.Decision
}

// IsolationChecker verifies that a request only references the caller's
// store. *tenancy.Guard is the production implementation.
type IsolationChecker interface {
	Check(ctx context.Context, a tenancy.Access) error
}

// RateLimitStore counts requests per key in fixed windows.
type RateLimitStore interface {
	// IncrementAndCheck increments the counter for key in the current window
	// and reports whether the request is still within limit.
	IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error)
}

// RateLimitResult contains the outcome of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RouteRegistrar mounts a handler group under /v1.
type RouteRegistrar func(r chi.Router)
