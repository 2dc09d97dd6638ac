package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"storegate/internal/types"
)

// EntityRepo resolves the owning store of arbitrary tenant-scoped rows. Its
// queries are unscoped: the guard needs to see rows of other
// stores to detect cross-store references.
type EntityRepo struct {
	db     DBTX
	tables map[string]string
}

// NewEntityRepo creates an EntityRepo. tables maps entity names to table
// names; only those tables can be queried.
func NewEntityRepo(db DBTX, tables map[string]string) *EntityRepo {
	cp := make(map[string]string, len(tables))
	for k, v := range tables {
		cp[k] = v
	}
	return &EntityRepo{db: db, tables: cp}
}

// FindStoreID returns the store_id of entity id. found is false when the row
// does not exist.
func (r *EntityRepo) FindStoreID(ctx context.Context, entity, id string) (string, bool, error) {
	table, ok := r.tables[entity]
	if !ok {
		return "", false, types.NewAppError(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("entity %q has no registered table", entity), nil)
	}

	var storeID *string
	err := r.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT store_id FROM %s WHERE id = $1`, pgx.Identifier{table}.Sanitize()),
		id,
	).Scan(&storeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, types.NewAppError(types.ErrCodeInternalDB, "failed to resolve entity store", err)
	}
	if storeID == nil {
		return "", true, nil
	}
	return *storeID, true, nil
}
