// Package auth resolves bearer tokens to users. Interactive sessions are
// authenticated upstream; this package covers the static service tokens used
// by first-party services (POS terminals, back-office jobs).
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/bcrypt"

	"storegate/internal/types"
)

// bcryptCost is the cost used by HashSecret.
const bcryptCost = 12

const (
	defaultCacheSize = 256
	defaultCacheTTL  = 5 * time.Minute
)

// ServiceToken is one entry of SERVICE_TOKENS_JSON. Presented tokens have the
// form "<id>.<secret>"; only the bcrypt hash of the secret is configured.
type ServiceToken struct {
	ID          string   `json:"id" validate:"required,excludesall=."`
	SecretHash  string   `json:"secret_hash" validate:"required"`
	UserID      string   `json:"user_id" validate:"required"`
	Email       string   `json:"email" validate:"omitempty,email"`
	StoreID     *string  `json:"store_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func (t ServiceToken) user() *types.User {
	roles := make([]types.Role, 0, len(t.Roles))
	for _, r := range t.Roles {
		roles = append(roles, types.Role(r))
	}
	perms := make([]types.Permission, 0, len(t.Permissions))
	for _, p := range t.Permissions {
		perms = append(perms, types.Permission(p))
	}
	u := &types.User{
		ID:          t.UserID,
		Email:       t.Email,
		Roles:       types.NewRoleSet(roles...),
		Permissions: types.NewPermissionSet(perms...),
	}
	if t.StoreID != nil {
		store := *t.StoreID
		u.StoreID = &store
	}
	return u
}

// ParseServiceTokens decodes and validates SERVICE_TOKENS_JSON.
func ParseServiceTokens(raw string) ([]ServiceToken, error) {
	var tokens []ServiceToken
	if err := json.Unmarshal([]byte(raw), &tokens); err != nil {
		return nil, fmt.Errorf("service tokens: invalid JSON: %w", err)
	}
	v := validator.New()
	seen := make(map[string]struct{}, len(tokens))
	for i, t := range tokens {
		if err := v.Struct(t); err != nil {
			return nil, fmt.Errorf("service tokens: entry %d: %w", i, err)
		}
		if _, dup := seen[t.ID]; dup {
			return nil, fmt.Errorf("service tokens: duplicate id %q", t.ID)
		}
		seen[t.ID] = struct{}{}
	}
	return tokens, nil
}

// HashSecret returns the bcrypt hash to place in secret_hash.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// TokenAuthenticator verifies service tokens. Successful verifications are
// cached by token digest so bcrypt runs once per token per TTL.
type TokenAuthenticator struct {
	tokens map[string]ServiceToken
	cache  *expirable.LRU[[sha256.Size]byte, *types.User]
	logger *slog.Logger
}

// NewTokenAuthenticator builds an authenticator over tokens. A non-positive
// ttl uses five minutes.
func NewTokenAuthenticator(tokens []ServiceToken, ttl time.Duration, logger *slog.Logger) *TokenAuthenticator {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	byID := make(map[string]ServiceToken, len(tokens))
	for _, t := range tokens {
		byID[t.ID] = t
	}
	return &TokenAuthenticator{
		tokens: byID,
		cache:  expirable.NewLRU[[sha256.Size]byte, *types.User](defaultCacheSize, nil, ttl),
		logger: logger,
	}
}

// ResolveToken returns the user for token or an auth_token_invalid error.
// The returned user is a fresh copy the caller may keep.
func (a *TokenAuthenticator) ResolveToken(ctx context.Context, token string) (*types.User, error) {
	digest := sha256.Sum256([]byte(token))
	if u, ok := a.cache.Get(digest); ok {
		return copyUser(u), nil
	}

	id, secret, ok := strings.Cut(token, ".")
	if !ok || id == "" || secret == "" {
		return nil, invalidToken()
	}
	entry, ok := a.tokens[id]
	if !ok {
		return nil, invalidToken()
	}
	if err := bcrypt.CompareHashAndPassword([]byte(entry.SecretHash), []byte(secret)); err != nil {
		a.logger.WarnContext(ctx, "service token secret mismatch", slog.String("token_id", id))
		return nil, invalidToken()
	}

	u := entry.user()
	a.cache.Add(digest, u)
	return copyUser(u), nil
}

func invalidToken() error {
	return types.NewAppError(types.ErrCodeAuthTokenInvalid, "Invalid authentication token", nil)
}

func copyUser(u *types.User) *types.User {
	c := *u
	if u.StoreID != nil {
		store := *u.StoreID
		c.StoreID = &store
	}
	c.Roles = types.NewRoleSet(u.Roles.Slice()...)
	perms := make([]types.Permission, 0, len(u.Permissions))
	for p := range u.Permissions {
		perms = append(perms, p)
	}
	c.Permissions = types.NewPermissionSet(perms...)
	return &c
}
