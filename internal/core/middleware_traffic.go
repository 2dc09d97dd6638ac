package core

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"storegate/internal/types"
)

// RateLimit counts requests against the caller's store, or against the user
// for platform-global superusers. Store errors let the request through.
func (s *Server) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.RateLimitStore == nil || s.Config == nil || !s.Config.RateLimit.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		user, ok := types.GetUser(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		key := rateLimitKey(user)
		limit := s.Config.RateLimit.MaxRequests
		res, err := s.RateLimitStore.IncrementAndCheck(ctx, key, limit, s.Config.RateLimit.Window)
		if err != nil {
			s.Logger.ErrorContext(ctx, "rate limit store unavailable",
				slog.String("key", key), slog.String("error", err.Error()))
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
		if res.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		s.Logger.WarnContext(ctx, "rate limit exceeded",
			slog.String("key", key),
			slog.String("user_id", user.ID),
			slog.String("route", r.Method+" "+r.URL.Path))
		h.Set("Retry-After", strconv.Itoa(retryAfterSeconds(res.ResetAt)))
		Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeRateLimit,
			"Too many requests for this store. Retry after the window resets.", nil,
			map[string]any{"limit": limit, "reset_at": res.ResetAt.UTC().Format(time.RFC3339)}))
	})
}

func rateLimitKey(u *types.User) string {
	if store := u.Store(); store != "" && !u.IsSuperuser() {
		return "store:" + store
	}
	return "user:" + u.ID
}

func retryAfterSeconds(reset time.Time) int {
	return max(1, int(math.Ceil(time.Until(reset).Seconds())))
}
