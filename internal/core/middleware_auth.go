package core

import (
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"storegate/internal/types"
)

// authPublicPaths are served without authentication.
var authPublicPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// AuthMiddleware resolves the bearer token to a types.User and stores it in
// the request context together with a logger carrying the user's identity.
//
// A missing token is UNAUTHENTICATED; a token the Authenticator rejects keeps
// the Authenticator's auth_* code. Without an Authenticator the request
// passes through unauthenticated and the guard rejects it downstream.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Authenticator == nil || authPublicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		token := extractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			Error(w, r, types.NewAppError(types.ErrCodeUnauthenticated, "Authentication required", nil))
			return
		}

		user, err := s.Authenticator.ResolveToken(r.Context(), token)
		if err != nil || user == nil {
			s.handleAuthError(w, r, err)
			return
		}

		logger := s.Logger.With(
			slog.String("request_id", types.GetRequestID(r.Context())),
			slog.String("user_id", user.ID),
			slog.String("store_id", user.Store()),
		)
		ctx := types.WithUser(r.Context(), user)
		ctx = types.WithLogger(ctx, logger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractBearerToken parses "Bearer <token>" with a case-insensitive scheme.
func extractBearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func (s *Server) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	if appErr, ok := types.AsAppError(err); ok && appErr.HTTPStatus() == http.StatusUnauthorized {
		s.Logger.WarnContext(r.Context(), "authentication failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error_code", string(appErr.Code)),
		)
		Error(w, r, appErr)
		return
	}
	if err != nil {
		s.Logger.ErrorContext(r.Context(), "authentication failed: unexpected error",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "Authentication failed", nil))
}

// RequireRole admits users holding at least one of roles. Superusers always
// pass.
func (s *Server) RequireRole(roles ...types.Role) func(http.Handler) http.Handler {
	required := make([]string, len(roles))
	for i, role := range roles {
		required[i] = string(role)
	}
	slices.Sort(required)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := types.GetUser(r.Context())
			if !ok {
				Error(w, r, types.NewAppError(types.ErrCodeUnauthenticated, "Authentication required", nil))
				return
			}
			if user.IsSuperuser() || user.Roles.HasAny(roles...) {
				next.ServeHTTP(w, r)
				return
			}
			Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeUnauthorized,
				"Insufficient role for this operation", nil,
				map[string]any{"required_roles": required}))
		})
	}
}

// RequirePermission admits users holding perm. Superusers always pass.
func (s *Server) RequirePermission(perm types.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := types.GetUser(r.Context())
			if !ok {
				Error(w, r, types.NewAppError(types.ErrCodeUnauthenticated, "Authentication required", nil))
				return
			}
			if user.IsSuperuser() || user.Permissions.Has(perm) {
				next.ServeHTTP(w, r)
				return
			}
			Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeUnauthorized,
				"Insufficient permissions for this operation", nil,
				map[string]any{"required_permission": string(perm)}))
		})
	}
}
