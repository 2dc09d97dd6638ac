package core

import (
	"context"
	"sync"
	"time"

	"storegate/internal/billing"
	"storegate/internal/tenancy"
	"storegate/internal/types"
)

// MockAuthenticator maps tokens to users. Unknown tokens return Err, or an
// auth_token_invalid error when Err is nil.
type MockAuthenticator struct {
	Users map[string]*types.User
	Err   error

	mu    sync.Mutex
	Calls []string
}

// ResolveToken implements Authenticator.
func (m *MockAuthenticator) ResolveToken(_ context.Context, token string) (*types.User, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, token)
	m.mu.Unlock()

	if u, ok := m.Users[token]; ok {
		return u, nil
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "Invalid authentication token", nil)
}

// MockGate returns Decision, or the result of DecisionFunc when set, and
// records every request.
type MockGate struct {
	Decision     billing.Decision
	DecisionFunc func(req billing.GateRequest) billing.Decision

	mu       sync.Mutex
	Requests []billing.GateRequest
}

// Evaluate implements Gatekeeper.
func (m *MockGate) Evaluate(_ context.Context, req billing.GateRequest) billing.Decision {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	m.mu.Unlock()
	if m.DecisionFunc != nil {
		return m.DecisionFunc(req)
	}
	return m.Decision
}

// MockGuard returns Err for every check and records the accesses it saw.
type MockGuard struct {
	Err error

	mu       sync.Mutex
	Accesses []tenancy.Access
}

// Check implements IsolationChecker.
func (m *MockGuard) Check(_ context.Context, a tenancy.Access) error {
	m.mu.Lock()
	m.Accesses = append(m.Accesses, a)
	m.mu.Unlock()
	return m.Err
}

// LastAccess returns the most recent access, or the zero value.
func (m *MockGuard) LastAccess() tenancy.Access {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Accesses) == 0 {
		return tenancy.Access{}
	}
	return m.Accesses[len(m.Accesses)-1]
}

// MockRateLimitStore returns Result and Err and records keys.
type MockRateLimitStore struct {
	Result RateLimitResult
	Err    error

	mu   sync.Mutex
	Keys []string
}

// IncrementAndCheck implements RateLimitStore.
func (m *MockRateLimitStore) IncrementAndCheck(_ context.Context, key string, _ int, _ time.Duration) (RateLimitResult, error) {
	m.mu.Lock()
	m.Keys = append(m.Keys, key)
	m.mu.Unlock()
	return m.Result, m.Err
}

var (
	_ Authenticator    = (*MockAuthenticator)(nil)
	_ Gatekeeper       = (*MockGate)(nil)
	_ IsolationChecker = (*MockGuard)(nil)
	_ RateLimitStore   = (*MockRateLimitStore)(nil)
)
