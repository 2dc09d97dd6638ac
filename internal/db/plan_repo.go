package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"storegate/internal/types"
)

const planColumns = `id, name, slug, COALESCE(description, ''), price, annual_price,
	features, limits, is_active, sort_order`

// PlanRepo provides data access for the plans table. It is the PlanSource
// behind the cached plan catalog.
type PlanRepo struct {
	db DBTX
}

// NewPlanRepo creates a PlanRepo backed by the given connection.
func NewPlanRepo(db DBTX) *PlanRepo {
	return &PlanRepo{db: db}
}

func scanPlan(row pgx.Row) (*types.Plan, error) {
	var p types.Plan
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Slug,
		&p.Description,
		&p.Price,
		&p.AnnualPrice,
		&p.Features,
		&p.Limits,
		&p.IsActive,
		&p.SortOrder,
	)
	if err != nil {
		return nil, err
	}
	if p.Limits == nil {
		p.Limits = map[string]int64{}
	}
	return &p, nil
}

// GetPlan returns a plan by ID regardless of its active flag, so that
// subscriptions on a retired plan keep resolving.
func (r *PlanRepo) GetPlan(ctx context.Context, id string) (*types.Plan, error) {
	p, err := scanPlan(r.db.QueryRow(ctx,
		`SELECT `+planColumns+` FROM plans WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeNotFoundPlan, "plan not found", nil,
			map[string]any{"plan_id": id})
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load plan", err)
	}
	return p, nil
}

// ListActivePlans returns active plans ordered by rank.
func (r *PlanRepo) ListActivePlans(ctx context.Context) ([]*types.Plan, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+planColumns+` FROM plans WHERE is_active ORDER BY sort_order ASC, id ASC`)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list plans", err)
	}
	defer rows.Close()

	var plans []*types.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan plan", err)
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate plans", err)
	}
	return plans, nil
}

// DeletePlan removes a plan. The subscriptions.plan_id foreign key is
// ON DELETE RESTRICT, so a referenced plan fails with PLAN_IN_USE even if a
// subscription was created after the caller's reference check.
func (r *PlanRepo) DeletePlan(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM plans WHERE id = $1`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return types.NewAppErrorWithDetails(types.ErrCodePlanInUse,
				"Plan is referenced by existing subscriptions", nil,
				map[string]any{"plan_id": id})
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete plan", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppErrorWithDetails(types.ErrCodeNotFoundPlan, "plan not found", nil,
			map[string]any{"plan_id": id})
	}
	return nil
}
