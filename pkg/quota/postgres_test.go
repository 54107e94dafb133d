package quota

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db, nil), mock
}

func testKey() CounterKey {
	return CounterKey{OrgID: "org-1", Metric: "reads", PeriodStart: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
}

func TestPostgresStore_IncrementCapped(t *testing.T) {
	ctx := context.Background()
	key := testKey()

	t.Run("applied", func(t *testing.T) {
		store, mock := setupPostgresStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("WHERE usage_counters.count + EXCLUDED.count <= $5::bigint")).
			WithArgs("org-1", "reads", key.PeriodStart, int64(1), int64(3)).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

		applied, count, err := store.IncrementCapped(ctx, key, 1, 3)
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, int64(2), count)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejected re-reads current", func(t *testing.T) {
		store, mock := setupPostgresStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO usage_counters")).
			WithArgs("org-1", "reads", key.PeriodStart, int64(1), int64(3)).
			WillReturnRows(sqlmock.NewRows([]string{"count"}))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT count FROM usage_counters")).
			WithArgs("org-1", "reads", key.PeriodStart).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

		applied, count, err := store.IncrementCapped(ctx, key, 1, 3)
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, int64(3), count)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejected first request reports zero", func(t *testing.T) {
		store, mock := setupPostgresStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO usage_counters")).
			WillReturnRows(sqlmock.NewRows([]string{"count"}))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT count FROM usage_counters")).
			WillReturnError(sql.ErrNoRows)

		applied, count, err := store.IncrementCapped(ctx, key, 5, 3)
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, int64(0), count)
	})

	t.Run("datastore error", func(t *testing.T) {
		store, mock := setupPostgresStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO usage_counters")).
			WillReturnError(errDown)

		_, _, err := store.IncrementCapped(ctx, key, 1, 3)
		require.Error(t, err)
		assert.ErrorIs(t, err, errDown)
	})
}

func TestPostgresStore_Increment(t *testing.T) {
	store, mock := setupPostgresStore(t)
	key := testKey()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO usage_counters")).
		WithArgs("org-1", "reads", key.PeriodStart, int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(104))

	count, err := store.Increment(context.Background(), key, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(104), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CurrentUsesReader(t *testing.T) {
	primary, primaryMock, err := sqlmock.New()
	require.NoError(t, err)
	defer primary.Close()
	replica, replicaMock, err := sqlmock.New()
	require.NoError(t, err)
	defer replica.Close()

	store := NewPostgresStore(primary, replica)
	replicaMock.ExpectQuery(regexp.QuoteMeta("SELECT count FROM usage_counters")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(9))

	count, err := store.Current(context.Background(), testKey())
	require.NoError(t, err)
	assert.Equal(t, int64(9), count)
	assert.NoError(t, replicaMock.ExpectationsWereMet())
	assert.NoError(t, primaryMock.ExpectationsWereMet())
}

func TestPostgresStore_ListPeriod(t *testing.T) {
	store, mock := setupPostgresStore(t)
	period := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE period_start = $1")).
		WithArgs(period).
		WillReturnRows(sqlmock.NewRows([]string{"org_id", "metric", "period_start", "count"}).
			AddRow("org-1", "reads", period, 3).
			AddRow("org-2", "exports", period, 40))

	counters, err := store.ListPeriod(context.Background(), period)
	require.NoError(t, err)
	require.Len(t, counters, 2)
	assert.Equal(t, "org-2", counters[1].OrgID)
	assert.Equal(t, int64(40), counters[1].Count)
}
