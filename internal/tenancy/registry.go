// Package tenancy enforces store isolation: every entity a request references
// must belong to the caller's store unless the caller is a superuser.
package tenancy

import (
	"maps"
	"slices"
)

// Registry maps route parameter names to tenant-scoped tables. It is a static
// table built at startup; unknown parameters are never resolved.
type Registry struct {
	tables map[string]string
}

// DefaultTables is the entity set of the POS domain.
var DefaultTables = map[string]string{
	"product":      "products",
	"category":     "categories",
	"order":        "orders",
	"user":         "users",
	"member":       "members",
	"table":        "tables",
	"payment":      "payments",
	"refund":       "refunds",
	"expense":      "expenses",
	"cash_session": "cash_sessions",
}

// NewRegistry builds a registry from an entity->table map.
func NewRegistry(tables map[string]string) *Registry {
	return &Registry{tables: maps.Clone(tables)}
}

// DefaultRegistry returns a registry over DefaultTables.
func DefaultRegistry() *Registry { return NewRegistry(DefaultTables) }

// Knows reports whether param names a registered entity.
func (r *Registry) Knows(param string) bool {
	_, ok := r.tables[param]
	return ok
}

// Entities returns the registered entity names, sorted.
func (r *Registry) Entities() []string {
	return slices.Sorted(maps.Keys(r.tables))
}

// Tables returns a copy of the entity->table map for the lookup backend.
func (r *Registry) Tables() map[string]string {
	return maps.Clone(r.tables)
}
