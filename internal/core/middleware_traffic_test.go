package core

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"storegate/internal/types"
)

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time { return c.now }

func TestRateLimit_Headers(t *testing.T) {
	srv := newTestServer(t)
	reset := time.Now().Add(30 * time.Second)
	store := &MockRateLimitStore{Result: RateLimitResult{Allowed: true, Remaining: 4, ResetAt: reset}}
	srv.RateLimitStore = store

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(types.WithUser(req.Context(), storeUser("u1", "store_a")))
	rec := httptest.NewRecorder()
	srv.RateLimit(okHandler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "5" || rec.Header().Get("X-RateLimit-Remaining") != "4" {
		t.Errorf("headers = %v", rec.Header())
	}
	if rec.Header().Get("X-RateLimit-Reset") != strconv.FormatInt(reset.Unix(), 10) {
		t.Errorf("reset = %q", rec.Header().Get("X-RateLimit-Reset"))
	}
	if store.Keys[0] != "store:store_a" {
		t.Errorf("key = %q", store.Keys[0])
	}
}

func TestRateLimitKey(t *testing.T) {
	tests := []struct {
		name string
		user *types.User
		want string
	}{
		{"store staff share the store budget", storeUser("u1", "store_a"), "store:store_a"},
		{"store superuser is limited alone", storeUser("root", "store_a", types.RoleSuperuser), "user:root"},
		{"user without store", &types.User{ID: "svc"}, "user:svc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rateLimitKey(tt.user); got != tt.want {
				t.Errorf("rateLimitKey = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimit_Exceeded(t *testing.T) {
	srv := newTestServer(t)
	srv.RateLimitStore = &MockRateLimitStore{Result: RateLimitResult{Allowed: false, ResetAt: time.Now().Add(20 * time.Second)}}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(types.WithUser(req.Context(), storeUser("u1", "store_a")))
	rec := httptest.NewRecorder()
	srv.RateLimit(okHandler).ServeHTTP(rec, req)

	assertErrorCode(t, rec, http.StatusTooManyRequests, types.ErrCodeRateLimit)
	if ra, _ := strconv.Atoi(rec.Header().Get("Retry-After")); ra < 1 || ra > 20 {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
}

func TestRateLimit_PassThrough(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*Server)
		user  bool
	}{
		{"disabled", func(s *Server) { s.Config.RateLimit.Enabled = false }, true},
		{"anonymous", func(*Server) {}, false},
		{"store error fails open", func(s *Server) { s.RateLimitStore = &MockRateLimitStore{Err: errors.New("redis down")} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t)
			srv.RateLimitStore = &MockRateLimitStore{Result: RateLimitResult{Allowed: false}}
			tt.setup(srv)

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.user {
				req = req.WithContext(types.WithUser(req.Context(), storeUser("u1", "store_a")))
			}
			rec := httptest.NewRecorder()
			srv.RateLimit(okHandler).ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d", rec.Code)
			}
		})
	}
}

func exerciseStore(t *testing.T, store RateLimitStore, clock *stepClock) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		res, err := store.IncrementAndCheck(ctx, "user:u1", 3, time.Minute)
		if err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
		if !res.Allowed || res.Remaining != 3-i {
			t.Fatalf("increment %d: %+v", i, res)
		}
	}
	res, _ := store.IncrementAndCheck(ctx, "user:u1", 3, time.Minute)
	if res.Allowed || res.Remaining != 0 {
		t.Fatalf("fourth request allowed: %+v", res)
	}
	if !res.ResetAt.Equal(time.Date(2026, 4, 1, 10, 1, 0, 0, time.UTC)) {
		t.Errorf("reset = %v", res.ResetAt)
	}

	other, _ := store.IncrementAndCheck(ctx, "user:u2", 3, time.Minute)
	if !other.Allowed {
		t.Error("keys must be independent")
	}

	clock.now = clock.now.Add(time.Minute)
	res, _ = store.IncrementAndCheck(ctx, "user:u1", 3, time.Minute)
	if !res.Allowed || res.Remaining != 2 {
		t.Errorf("new window: %+v", res)
	}
}

func TestMemoryRateLimitStore(t *testing.T) {
	clock := &stepClock{now: time.Date(2026, 4, 1, 10, 0, 15, 0, time.UTC)}
	exerciseStore(t, NewMemoryRateLimitStore(clock), clock)
}

func TestRedisRateLimitStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := &stepClock{now: time.Date(2026, 4, 1, 10, 0, 15, 0, time.UTC)}
	exerciseStore(t, NewRedisRateLimitStore(client, "sg:", clock), clock)

	key := "sg:ratelimit:user:u1:" + strconv.FormatInt(time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC).Unix(), 10)
	if !mr.Exists(key) {
		t.Fatalf("expected key %s, have %v", key, mr.Keys())
	}
	if ttl := mr.TTL(key); ttl <= 0 || ttl > time.Minute+time.Second {
		t.Errorf("ttl = %v", ttl)
	}
}
