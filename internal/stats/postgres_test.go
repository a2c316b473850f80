package stats

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreAddUpdatesExistingRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPostgresStoreWithPool(mock)
	require.NoError(t, err)

	at := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("UPDATE mdfa_stats SET").
		WithArgs(int64(1), int64(250), int64(0), at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.Add(context.Background(), Delta{Requests: 1, Tokens: 250}, at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreAddInsertsFirstRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPostgresStoreWithPool(mock)
	require.NoError(t, err)

	at := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("UPDATE mdfa_stats SET").
		WithArgs(int64(0), int64(0), int64(1), at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec("INSERT INTO mdfa_stats").
		WithArgs(int64(0), int64(0), int64(1), at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Add(context.Background(), Delta{ArchiveRequests: 1}, at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreLoad(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPostgresStoreWithPool(mock)
	require.NoError(t, err)

	started := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT html_requests").
		WillReturnRows(pgxmock.NewRows([]string{"html_requests", "html_tokens_estimated", "html_archive_requests", "started_at"}).
			AddRow(int64(3), int64(900), int64(1), &started))

	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, Snapshot{HTMLRequests: 3, HTMLTokens: 900, HTMLArchiveRequests: 1, StartedAt: started}, snap)

	mock.ExpectQuery("SELECT html_requests").WillReturnError(pgx.ErrNoRows)
	snap, err = store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, Snapshot{}, snap)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreMigrateAndReset(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPostgresStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS mdfa_stats").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("DELETE FROM mdfa_stats").WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, store.Reset(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewPostgresStoreWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewPostgresStoreWithPool(nil)
	require.Error(t, err)
}
