package db

import (
	"context"

	"storegate/internal/types"
)

// SecurityRepository provides data access for the security_violations table.
// It is the persistent audit sink for the tenant isolation guard.
type SecurityRepository struct {
	db DBTX
}

// NewSecurityRepository creates a new SecurityRepository backed by the given
// database connection (pool or transaction).
func NewSecurityRepository(db DBTX) *SecurityRepository {
	return &SecurityRepository{db: db}
}

// Record appends a violation. Rows are never updated or deleted by the
// application.
func (r *SecurityRepository) Record(ctx context.Context, v types.SecurityViolation) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO security_violations
		   (id, violation_type, severity, user_id, user_email, user_store_id,
		    route_name, method, url, ip, user_agent, occurred_at, extra)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, COALESCE($12, NOW()), $13)`,
		v.ID,
		v.Type,
		v.Severity,
		nilIfEmpty(v.UserID),
		nilIfEmpty(v.UserEmail),
		nilIfEmpty(v.UserStoreID),
		nilIfEmpty(v.RouteName),
		v.Method,
		v.URL,
		nilIfEmpty(v.IP),
		nilIfEmpty(v.UserAgent),
		nilIfZeroTime(v.OccurredAt),
		v.Extra,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record security violation", err)
	}
	return nil
}
