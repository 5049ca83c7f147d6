package db

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"screenpact/internal/types"
)

func TestUsageRepo_WeekTotals(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUsageRepo(db)

	from := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			params := args.Get(2).([]any)
			assert.Equal(t, []any{"user_1", from, to}, params)
		}).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*int64) = 900
			*dest[1].(*int) = 42
			return nil
		}})

	minutes, count, err := repo.WeekTotals(context.Background(), "user_1", from, to)
	require.NoError(t, err)
	assert.Equal(t, int64(900), minutes)
	assert.Equal(t, 42, count)
	db.AssertExpectations(t)
}

func TestUsageRepo_WeekTotals_NoRowsIsZero(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUsageRepo(db)

	// COALESCE + COUNT always return one row; zero totals mean no sync.
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*int64) = 0
			*dest[1].(*int) = 0
			return nil
		}})

	minutes, count, err := repo.WeekTotals(context.Background(), "user_1", time.Now().Add(-7*24*time.Hour), time.Now())
	require.NoError(t, err)
	assert.Zero(t, minutes)
	assert.Zero(t, count)
}

func TestUserRepo_GetByID_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepo(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByID(context.Background(), "user_missing")
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeNotFoundUser, appErr.Code)
}

func TestUserRepo_GetByIDs(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepo(db)

	rows := newMockRows([][]any{
		{"user_1", strPtr("cus_1"), true},
		{"user_2", nil, false},
	})

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(rows, nil)

	out, err := repo.GetByIDs(context.Background(), []string{"user_1", "user_2", "user_3"})
	require.NoError(t, err)
	require.Len(t, out, 2)

	u1 := out["user_1"]
	require.NotNil(t, u1.StripeCustomerID)
	assert.Equal(t, "cus_1", *u1.StripeCustomerID)
	assert.True(t, u1.HasPaymentMethod)

	u2 := out["user_2"]
	assert.Nil(t, u2.StripeCustomerID)
	assert.False(t, u2.HasPaymentMethod)
	db.AssertExpectations(t)
}

func TestUserRepo_GetByIDs_EmptyInput(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepo(db)

	out, err := repo.GetByIDs(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
	db.AssertNotCalled(t, "Query")
}
