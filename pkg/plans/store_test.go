package plans

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/meterd/pkg/apperr"
)

var planRowColumns = []string{"id", "name", "description", "price_cents", "billing_interval",
	"features", "monthly_quota", "stripe_price_id", "schema_version"}

func setupPlanStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStore_Get(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		store, mock := setupPlanStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM plans WHERE id = $1")).
			WithArgs("pro").
			WillReturnRows(sqlmock.NewRows(planRowColumns).AddRow(
				"pro", "Pro", "", 4900, "month",
				[]byte(`{"export":true}`), []byte(`{"reads":3,"exports":-1}`), "price_pro", 1,
			))

		plan, err := store.Get(context.Background(), "pro")
		require.NoError(t, err)
		assert.Equal(t, "Pro", plan.Name)
		assert.Equal(t, IntervalMonth, plan.Interval)
		assert.Equal(t, int64(3), plan.Limit("reads"))
		assert.True(t, plan.IsUnlimited("exports"))
		assert.True(t, plan.FeatureEnabled("export"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		store, mock := setupPlanStore(t)
		mock.ExpectQuery("FROM plans").WithArgs("gold").WillReturnError(sql.ErrNoRows)

		_, err := store.Get(context.Background(), "gold")
		assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	})

	t.Run("invalid stored plan", func(t *testing.T) {
		store, mock := setupPlanStore(t)
		mock.ExpectQuery("FROM plans").WithArgs("pro").
			WillReturnRows(sqlmock.NewRows(planRowColumns).AddRow(
				"pro", "Pro", "", 4900, "month", []byte(`{}`), []byte(`{"reads":-5}`), "", 1,
			))

		_, err := store.Get(context.Background(), "pro")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed validation")
	})

	t.Run("database error", func(t *testing.T) {
		store, mock := setupPlanStore(t)
		mock.ExpectQuery("FROM plans").WithArgs("pro").WillReturnError(errors.New("connection reset"))

		_, err := store.Get(context.Background(), "pro")
		require.Error(t, err)
		assert.False(t, apperr.IsKind(err, apperr.KindNotFound))
	})
}

func TestPostgresStore_List(t *testing.T) {
	store, mock := setupPlanStore(t)
	mock.ExpectQuery("ORDER BY price_cents").
		WillReturnRows(sqlmock.NewRows(planRowColumns).
			AddRow("free", "Free", "", 0, "month", []byte(`{}`), []byte(`{"reads":1}`), "", 1).
			AddRow("pro", "Pro", "", 4900, "month", []byte(`{}`), []byte(`{"reads":3}`), "price_pro", 1))

	list, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "free", list[0].ID)
	assert.Equal(t, "price_pro", list[1].StripePriceID)
}

func TestPostgresStore_Upsert(t *testing.T) {
	store, mock := setupPlanStore(t)
	p := validPlan()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO plans")).
		WithArgs("pro", "Pro", "", int64(4900), "month", sqlmock.AnyArg(), sqlmock.AnyArg(), "price_pro", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Upsert(context.Background(), p))
	assert.NoError(t, mock.ExpectationsWereMet())
}
