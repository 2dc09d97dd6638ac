package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"storegate/internal/types"
)

// --- SecurityRepository Tests ---

func TestSecurityRepository_Record_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSecurityRepository(db)

	v := types.SecurityViolation{
		ID:          "sv_01jz0000000000000000000000",
		Type:        types.ViolationCrossStoreModel,
		Severity:    types.SeverityCritical,
		UserID:      "u_1",
		UserEmail:   "cashier@example.com",
		UserStoreID: "store_1",
		RouteName:   "orders.show",
		Method:      "GET",
		URL:         "/v1/stores/store_1/orders/9",
		IP:          "10.0.0.1",
		OccurredAt:  time.Now().UTC(),
		Extra:       map[string]any{"model_type": "order", "model_id": "9", "model_store_id": "store_2"},
	}

	db.On("Exec", mock.Anything, sqlContaining("INSERT INTO security_violations"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	require.NoError(t, repo.Record(context.Background(), v))
	db.AssertExpectations(t)
}

func TestSecurityRepository_Record_NullableFields(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSecurityRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		// Verify nullable fields are typed nil pointers
		emailPtr, _ := args[4].(*string)
		occurredPtr, _ := args[11].(*time.Time)
		return emailPtr == nil && occurredPtr == nil
	})).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := repo.Record(context.Background(), types.SecurityViolation{
		ID:       "sv_x",
		Type:     types.ViolationSuspicious,
		Severity: types.SeverityLow,
		Method:   "POST",
		URL:      "/v1/stores/store_1/usage/orders",
	})
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestSecurityRepository_Record_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSecurityRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	err := repo.Record(context.Background(), types.SecurityViolation{ID: "sv_y"})
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}
