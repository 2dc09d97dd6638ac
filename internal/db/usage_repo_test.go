package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"storegate/internal/types"
	"storegate/internal/usage"
)

var (
	yearStart = time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	yearEnd   = yearStart.AddDate(1, 0, 0)
	midYear   = yearStart.AddDate(0, 4, 0)
)

func usageSeed(feature string) types.SubscriptionUsage {
	return types.SubscriptionUsage{
		SubscriptionID: "sub_1",
		StoreID:        "store_1",
		Feature:        feature,
		YearStart:      yearStart,
		YearEnd:        yearEnd,
	}
}

// usageRow scans a subscription_usage row with the given counter and window.
func usageRow(feature string, current int64, start, end time.Time, softCap bool) *mockRow {
	var at *time.Time
	if softCap {
		t := start.Add(time.Hour)
		at = &t
	}
	return rowOf("sub_1", "store_1", feature, current, (*int64)(nil), start, end, softCap, at)
}

func capOf(n int64) *int64 { return &n }

// --- Increment ---

func TestUsageRepo_Increment_Success(t *testing.T) {
	pool := newMockPool()
	tx := pool.tx
	repo := NewUsageRepo(pool)

	tx.On("Exec", mock.Anything, sqlContaining("INSERT INTO usage_operations"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)
	tx.On("Exec", mock.Anything, sqlContaining("INSERT INTO subscription_usage"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 0"), nil)
	tx.On("QueryRow", mock.Anything, sqlContaining("FOR UPDATE"), mock.Anything).
		Return(usageRow("products", 49, yearStart, yearEnd, false))
	tx.On("Exec", mock.Anything, sqlContaining("UPDATE subscription_usage"), mock.MatchedBy(func(args []any) bool {
		v, ok := args[2].(int64)
		return ok && v == 50
	})).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	u, err := repo.Increment(context.Background(), usage.IncrementOp{
		Seed:           usageSeed("products"),
		Amount:         1,
		Cap:            capOf(50),
		IdempotencyKey: "k1",
		Now:            midYear,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(50), u.CurrentUsage)
	assert.True(t, tx.committed)
	tx.AssertExpectations(t)
}

func TestUsageRepo_Increment_Duplicate(t *testing.T) {
	pool := newMockPool()
	tx := pool.tx
	repo := NewUsageRepo(pool)

	tx.On("Exec", mock.Anything, sqlContaining("INSERT INTO usage_operations"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 0"), nil)

	_, err := repo.Increment(context.Background(), usage.IncrementOp{
		Seed: usageSeed("orders"), Amount: 1, IdempotencyKey: "k1", Now: midYear,
	})
	assert.True(t, types.IsCode(err, types.ErrCodeDuplicateOperation), "got %v", err)
	assert.True(t, tx.rolledBack)
	assert.False(t, tx.committed)
	tx.AssertNotCalled(t, "QueryRow", mock.Anything, mock.Anything, mock.Anything)
}

func TestUsageRepo_Increment_CapRollsBackOperation(t *testing.T) {
	pool := newMockPool()
	tx := pool.tx
	repo := NewUsageRepo(pool)

	tx.On("Exec", mock.Anything, sqlContaining("INSERT INTO usage_operations"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)
	tx.On("Exec", mock.Anything, sqlContaining("INSERT INTO subscription_usage"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 0"), nil)
	tx.On("QueryRow", mock.Anything, sqlContaining("FOR UPDATE"), mock.Anything).
		Return(usageRow("products", 50, yearStart, yearEnd, false))

	_, err := repo.Increment(context.Background(), usage.IncrementOp{
		Seed: usageSeed("products"), Amount: 1, Cap: capOf(50), IdempotencyKey: "k2", Now: midYear,
	})
	require.Error(t, err)

	appErr, ok := types.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrCodePlanLimitExceeded, appErr.Code)
	assert.Equal(t, int64(50), appErr.Details["current_usage"])
	assert.True(t, tx.rolledBack, "the operation record must not survive a denied increment")
	tx.AssertNotCalled(t, "Exec", mock.Anything, sqlContaining("UPDATE subscription_usage"), mock.Anything)
}

func TestUsageRepo_Increment_RollsStaleWindow(t *testing.T) {
	pool := newMockPool()
	tx := pool.tx
	repo := NewUsageRepo(pool)

	quota := int64(12000)
	seed := usageSeed("transactions")
	seed.AnnualQuota = &quota
	now := yearEnd.Add(48 * time.Hour)

	tx.On("Exec", mock.Anything, sqlContaining("INSERT INTO usage_operations"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)
	tx.On("Exec", mock.Anything, sqlContaining("INSERT INTO subscription_usage"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 0"), nil)
	tx.On("QueryRow", mock.Anything, sqlContaining("FOR UPDATE"), mock.Anything).
		Return(usageRow("transactions", 15000, yearStart, yearEnd, true))
	tx.On("Exec", mock.Anything, sqlContaining("UPDATE subscription_usage"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	u, err := repo.Increment(context.Background(), usage.IncrementOp{
		Seed: seed, Amount: 3, IdempotencyKey: "sale-9", Now: now,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), u.CurrentUsage)
	assert.True(t, u.YearStart.Equal(yearEnd))
	assert.False(t, u.SoftCapTriggered)
	require.NotNil(t, u.AnnualQuota)
	assert.Equal(t, quota, *u.AnnualQuota)
}

func TestUsageRepo_Increment_BeginError(t *testing.T) {
	pool := newMockPool()
	pool.beginErr = errors.New("pool exhausted")
	repo := NewUsageRepo(pool)

	_, err := repo.Increment(context.Background(), usage.IncrementOp{
		Seed: usageSeed("orders"), Amount: 1, IdempotencyKey: "k", Now: midYear,
	})
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
}

// --- Get / Rollover / MarkSoftCap / Set ---

func TestUsageRepo_Get_NotFound(t *testing.T) {
	pool := newMockPool()
	repo := NewUsageRepo(pool)

	pool.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	u, err := repo.Get(context.Background(), "sub_1", "orders")
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestUsageRepo_Get_DBError(t *testing.T) {
	pool := newMockPool()
	repo := NewUsageRepo(pool)

	pool.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: errors.New("connection reset")})

	_, err := repo.Get(context.Background(), "sub_1", "orders")
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
}

func TestUsageRepo_Rollover_Missing(t *testing.T) {
	pool := newMockPool()
	pool.tx.On("QueryRow", mock.Anything, sqlContaining("FOR UPDATE"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	u, err := NewUsageRepo(pool).Rollover(context.Background(), usageSeed("orders"), yearEnd)
	require.NoError(t, err)
	assert.Nil(t, u)
	assert.True(t, pool.tx.committed)
}

func TestUsageRepo_Rollover_CurrentWindowIsNotWritten(t *testing.T) {
	pool := newMockPool()
	pool.tx.On("QueryRow", mock.Anything, sqlContaining("FOR UPDATE"), mock.Anything).
		Return(usageRow("orders", 7, yearStart, yearEnd, false))

	u, err := NewUsageRepo(pool).Rollover(context.Background(), usageSeed("orders"), midYear)
	require.NoError(t, err)
	assert.Equal(t, int64(7), u.CurrentUsage)
	pool.tx.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
}

func TestUsageRepo_Rollover_Stale(t *testing.T) {
	pool := newMockPool()
	pool.tx.On("QueryRow", mock.Anything, sqlContaining("FOR UPDATE"), mock.Anything).
		Return(usageRow("orders", 7, yearStart, yearEnd, false))
	pool.tx.On("Exec", mock.Anything, sqlContaining("UPDATE subscription_usage"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	u, err := NewUsageRepo(pool).Rollover(context.Background(), usageSeed("orders"), yearEnd)
	require.NoError(t, err)
	assert.Zero(t, u.CurrentUsage)
	assert.True(t, u.YearEnd.Equal(yearEnd.AddDate(1, 0, 0)))
	pool.tx.AssertExpectations(t)
}

func TestUsageRepo_MarkSoftCap(t *testing.T) {
	tests := []struct {
		name string
		tag  string
		want bool
	}{
		{"flipped", "UPDATE 1", true},
		{"already set", "UPDATE 0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := newMockPool()
			pool.On("Exec", mock.Anything, sqlContaining("NOT soft_cap_triggered"), mock.Anything).
				Return(pgconn.NewCommandTag(tt.tag), nil)

			got, err := NewUsageRepo(pool).MarkSoftCap(context.Background(), "sub_1", "transactions", midYear)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUsageRepo_Set(t *testing.T) {
	pool := newMockPool()
	pool.tx.On("Exec", mock.Anything, sqlContaining("INSERT INTO subscription_usage"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)
	pool.tx.On("QueryRow", mock.Anything, sqlContaining("FOR UPDATE"), mock.Anything).
		Return(usageRow("orders", 0, yearStart, yearEnd, false))
	pool.tx.On("Exec", mock.Anything, sqlContaining("UPDATE subscription_usage"), mock.MatchedBy(func(args []any) bool {
		v, ok := args[2].(int64)
		return ok && v == 42
	})).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	u, err := NewUsageRepo(pool).Set(context.Background(), usageSeed("orders"), 42, midYear)
	require.NoError(t, err)
	assert.Equal(t, int64(42), u.CurrentUsage)
	assert.True(t, pool.tx.committed)
}

func TestUsageRepo_PruneOperations(t *testing.T) {
	pool := newMockPool()
	cutoff := midYear.Add(-7 * 24 * time.Hour)
	pool.On("Exec", mock.Anything, sqlContaining("DELETE FROM usage_operations"), []any{cutoff}).
		Return(pgconn.NewCommandTag("DELETE 12"), nil)

	n, err := NewUsageRepo(pool).PruneOperations(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
}
