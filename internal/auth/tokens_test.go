package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"storegate/internal/types"
)

func hash(t *testing.T, secret string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func TestParseServiceTokens(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr string
		wantLen int
	}{
		{
			name:    "valid",
			raw:     `[{"id":"pos","secret_hash":"$2a$x","user_id":"u1","store_id":"store_a","roles":["owner"]},{"id":"ops","secret_hash":"$2a$y","user_id":"root","roles":["superuser"]}]`,
			wantLen: 2,
		},
		{name: "bad json", raw: `{`, wantErr: "invalid JSON"},
		{name: "missing hash", raw: `[{"id":"pos","user_id":"u1"}]`, wantErr: "entry 0"},
		{name: "dot in id", raw: `[{"id":"a.b","secret_hash":"h","user_id":"u1"}]`, wantErr: "entry 0"},
		{name: "bad email", raw: `[{"id":"a","secret_hash":"h","user_id":"u1","email":"nope"}]`, wantErr: "entry 0"},
		{
			name:    "duplicate id",
			raw:     `[{"id":"a","secret_hash":"h","user_id":"u1"},{"id":"a","secret_hash":"h","user_id":"u2"}]`,
			wantErr: "duplicate id",
		},
		{name: "empty list", raw: `[]`, wantLen: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseServiceTokens(tt.raw)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, got, tt.wantLen)
		})
	}
}

func TestTokenAuthenticator_ResolveToken(t *testing.T) {
	store := "store_a"
	auth := NewTokenAuthenticator([]ServiceToken{
		{
			ID:          "pos",
			SecretHash:  hash(t, "s3cret"),
			UserID:      "u1",
			Email:       "pos@example.com",
			StoreID:     &store,
			Roles:       []string{"owner"},
			Permissions: []string{string(types.PermRecordUsage)},
		},
		{ID: "ops", SecretHash: hash(t, "root"), UserID: "admin", Roles: []string{"superuser"}},
	}, time.Minute, nil)

	t.Run("store user", func(t *testing.T) {
		u, err := auth.ResolveToken(context.Background(), "pos.s3cret")
		require.NoError(t, err)
		assert.Equal(t, "u1", u.ID)
		assert.Equal(t, "store_a", u.Store())
		assert.True(t, u.Roles.Has(types.RoleOwner))
		assert.True(t, u.Permissions.Has(types.PermRecordUsage))
		assert.False(t, u.IsSuperuser())
	})

	t.Run("superuser has no store", func(t *testing.T) {
		u, err := auth.ResolveToken(context.Background(), "ops.root")
		require.NoError(t, err)
		assert.True(t, u.IsSuperuser())
		assert.Nil(t, u.StoreID)
	})

	for _, token := range []string{"pos.wrong", "pos", "unknown.s3cret", ".s3cret", "pos."} {
		t.Run("rejects "+token, func(t *testing.T) {
			_, err := auth.ResolveToken(context.Background(), token)
			appErr, ok := types.AsAppError(err)
			require.True(t, ok)
			assert.Equal(t, types.ErrCodeAuthTokenInvalid, appErr.Code)
		})
	}
}

func TestTokenAuthenticator_CachedUserIsCopied(t *testing.T) {
	store := "store_a"
	auth := NewTokenAuthenticator([]ServiceToken{
		{ID: "pos", SecretHash: hash(t, "s3cret"), UserID: "u1", StoreID: &store, Roles: []string{"cashier"}},
	}, time.Minute, nil)

	first, err := auth.ResolveToken(context.Background(), "pos.s3cret")
	require.NoError(t, err)
	*first.StoreID = "store_b"
	first.Roles[types.RoleSuperuser] = struct{}{}

	second, err := auth.ResolveToken(context.Background(), "pos.s3cret")
	require.NoError(t, err)
	assert.Equal(t, "store_a", second.Store())
	assert.False(t, second.IsSuperuser())
}

func TestHashSecret(t *testing.T) {
	h, err := HashSecret("abc")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(h), []byte("abc")))
}
