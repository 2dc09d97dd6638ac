// Package handlers contains the HTTP handlers of the storegate API.
//
// Every store-scoped route is mounted under /v1/stores/{store} and runs the
// tenant guard before its handler. Service contracts are declared locally so
// tests can substitute fakes.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"storegate/internal/core"
	"storegate/internal/types"
)

const (
	paramStore   = "store"
	paramFeature = "feature"

	headerIdempotencyKey = "Idempotency-Key"
)

// Guards is the route-level middleware set provided by *core.Server.
type Guards interface {
	TenantGuard(next http.Handler) http.Handler
	PlanGate(feature string, opts ...core.GateOption) func(http.Handler) http.Handler
	RequireRole(roles ...types.Role) func(http.Handler) http.Handler
	RequirePermission(perm types.Permission) func(http.Handler) http.Handler
}

var _ Guards = (*core.Server)(nil)

// storeScoped returns the middleware every /stores/{store} route starts with.
func storeScoped(g Guards, name string) chi.Middlewares {
	return chi.Middlewares{core.Named(name), g.TenantGuard}
}

// StoreRouter is a handler mounted under /stores/{store}.
type StoreRouter interface {
	RegisterRoutes(r chi.Router, g Guards)
}

// StoreRoutes returns a registrar mounting routers under /stores/{store}.
func StoreRoutes(g Guards, routers ...StoreRouter) core.RouteRegistrar {
	return func(r chi.Router) {
		r.Route("/stores/{store}", func(r chi.Router) {
			for _, sr := range routers {
				sr.RegisterRoutes(r, g)
			}
		})
	}
}
