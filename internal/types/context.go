package types

import (
	"context"
	"log/slog"
)

// User is the authenticated principal attached to a request. StoreID is nil
// only for platform-global superusers.
type User struct {
	ID          string
	Email       string
	StoreID     *string
	Roles       RoleSet
	Permissions PermissionSet
}

// IsSuperuser reports whether the user bypasses tenant scoping and plan gating.
func (u *User) IsSuperuser() bool {
	return u != nil && u.Roles.Has(RoleSuperuser)
}

// Store returns the user's store ID, or "" when the user has no store.
func (u *User) Store() string {
	if u == nil || u.StoreID == nil {
		return ""
	}
	return *u.StoreID
}

// Context Keys
type contextKey string

const (
	userKey      contextKey = "user"
	requestIDKey contextKey = "request_id"
	loggerKey    contextKey = "logger"
	routeKey     contextKey = "route_name"
)

// WithUser stores the authenticated User in the context.
func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// GetUser retrieves the authenticated User from the context.
func GetUser(ctx context.Context) (*User, bool) {
	user, ok := ctx.Value(userKey).(*User)
	return user, ok && user != nil
}

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithRouteName stores the logical route name (e.g. "products.update").
func WithRouteName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, routeKey, name)
}

// GetRouteName retrieves the logical route name from the context.
func GetRouteName(ctx context.Context) string {
	name, _ := ctx.Value(routeKey).(string)
	return name
}

// WithLogger stores a request-scoped logger in the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext returns the request-scoped logger, or slog.Default() when
// none was stored.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}
