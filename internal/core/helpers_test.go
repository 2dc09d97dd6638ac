package core

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"storegate/internal/config"
	"storegate/internal/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Environment: "local",
		RateLimit:   config.RateLimitConfig{Enabled: true, MaxRequests: 5, Window: time.Minute},
	}
	srv, err := NewServer(cfg, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}

func storeUser(id, store string, roles ...types.Role) *types.User {
	return &types.User{
		ID:          id,
		Email:       id + "@example.com",
		StoreID:     &store,
		Roles:       types.NewRoleSet(roles...),
		Permissions: types.NewPermissionSet(),
	}
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) Envelope {
	t.Helper()
	var env Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("invalid envelope %q: %v", rec.Body.String(), err)
	}
	return env
}

func assertErrorCode(t *testing.T, rec *httptest.ResponseRecorder, status int, code types.ErrorCode) Envelope {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, status, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	if env.Success {
		t.Error("success must be false")
	}
	if env.Error == nil || env.Error.Code != string(code) {
		t.Fatalf("error = %+v, want code %s", env.Error, code)
	}
	return env
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})
