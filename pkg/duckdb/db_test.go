package duck

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/strata-data/strata/pkg/merge"
	"github.com/strata-data/strata/pkg/query"
	"github.com/strata-data/strata/pkg/snapshot"
)

const columnsQuery = "SELECT column_name FROM information_schema.columns WHERE table_name = ? ORDER BY ordinal_position"

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewClientFromDB(sqlx.NewDb(db, "sqlmock")), mock
}

func TestClient_SelectExtract(t *testing.T) {
	t.Parallel()

	client, mock := newMockClient(t)

	mock.ExpectQuery("SELECT * FROM raw_reviews").WillReturnRows(
		sqlmock.NewRows([]string{"id", "name"}).
			AddRow("1", "Alice").
			AddRow("2", "Bob"),
	)

	extract, err := client.SelectExtract(context.Background(), query.New("SELECT * FROM raw_reviews"))
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "name"}, extract.Columns)
	require.Len(t, extract.Rows, 2)
	assert.Equal(t, "Alice", extract.Rows[0]["name"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClient_TableColumns(t *testing.T) {
	t.Parallel()

	t.Run("existing table", func(t *testing.T) {
		t.Parallel()

		client, mock := newMockClient(t)
		mock.ExpectQuery(columnsQuery).
			WithArgs("events").
			WillReturnRows(sqlmock.NewRows([]string{"column_name"}).AddRow("id").AddRow("loaded_at"))

		columns, err := client.TableColumns(context.Background(), "events")
		require.NoError(t, err)
		assert.Equal(t, []string{"id", "loaded_at"}, columns)
	})

	t.Run("missing table yields nil", func(t *testing.T) {
		t.Parallel()

		client, mock := newMockClient(t)
		mock.ExpectQuery(columnsQuery).
			WithArgs("nope").
			WillReturnRows(sqlmock.NewRows([]string{"column_name"}))

		columns, err := client.TableColumns(context.Background(), "nope")
		require.NoError(t, err)
		assert.Nil(t, columns)
	})
}

func TestClient_Watermark(t *testing.T) {
	t.Parallel()

	watermark := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)

	t.Run("missing table", func(t *testing.T) {
		t.Parallel()

		client, mock := newMockClient(t)
		mock.ExpectQuery(columnsQuery).
			WithArgs("events").
			WillReturnRows(sqlmock.NewRows([]string{"column_name"}))

		got, err := client.Watermark(context.Background(), "events", "loaded_at")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("empty table", func(t *testing.T) {
		t.Parallel()

		client, mock := newMockClient(t)
		mock.ExpectQuery(columnsQuery).
			WithArgs("events").
			WillReturnRows(sqlmock.NewRows([]string{"column_name"}).AddRow("loaded_at"))
		mock.ExpectQuery("SELECT MAX(loaded_at) FROM events").
			WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

		got, err := client.Watermark(context.Background(), "events", "loaded_at")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("committed data drives the watermark", func(t *testing.T) {
		t.Parallel()

		client, mock := newMockClient(t)
		mock.ExpectQuery(columnsQuery).
			WithArgs("events").
			WillReturnRows(sqlmock.NewRows([]string{"column_name"}).AddRow("loaded_at"))
		mock.ExpectQuery("SELECT MAX(loaded_at) FROM events").
			WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(watermark))

		got, err := client.Watermark(context.Background(), "events", "loaded_at")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, watermark.Equal(*got))
	})

	t.Run("string timestamps are parsed", func(t *testing.T) {
		t.Parallel()

		client, mock := newMockClient(t)
		mock.ExpectQuery(columnsQuery).
			WithArgs("events").
			WillReturnRows(sqlmock.NewRows([]string{"column_name"}).AddRow("loaded_at"))
		mock.ExpectQuery("SELECT MAX(loaded_at) FROM events").
			WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow("2024-05-01 10:30:00"))

		got, err := client.Watermark(context.Background(), "events", "loaded_at")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, watermark.Equal(*got))
	})
}

// Drives the merge executor through the real client to pin down the exact
// transaction shape: one BEGIN, close-outs before inserts, one COMMIT.
func TestClient_MergeTransactionShape(t *testing.T) {
	t.Parallel()

	closeTime := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	target := merge.Target{
		Table: "dim_users",
		Columns: []merge.Column{
			{Name: "id", Type: "varchar"},
			{Name: "name", Type: "varchar"},
		},
	}
	changes := &snapshot.ChangeSet{
		Closures: []snapshot.Closure{{SurrogateKey: "aaa", ValidTo: closeTime}},
		Inserts: []snapshot.VersionedRecord{
			{
				SurrogateKey: "aaa",
				Payload:      snapshot.Record{"id": "H1", "name": "Robert"},
				ValidFrom:    closeTime,
				IsCurrent:    true,
			},
		},
	}

	t.Run("success commits exactly once", func(t *testing.T) {
		t.Parallel()

		client, mock := newMockClient(t)
		mock.ExpectQuery(columnsQuery).
			WithArgs("dim_users").
			WillReturnRows(sqlmock.NewRows([]string{"column_name"}).
				AddRow("id").AddRow("name").
				AddRow("_surrogate_key").AddRow("_valid_from").AddRow("_valid_until").AddRow("_is_current"))
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE dim_users SET _valid_until = ?, _is_current = FALSE WHERE _surrogate_key = ? AND _is_current = TRUE").
			WithArgs(closeTime, "aaa").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO dim_users (id, name, _surrogate_key, _valid_from, _valid_until, _is_current) VALUES (?, ?, ?, ?, ?, ?)").
			WithArgs("H1", "Robert", "aaa", closeTime, nil, true).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		executor := merge.NewExecutor(client, zap.NewNop().Sugar())
		require.NoError(t, executor.ApplyChangeSet(context.Background(), target, changes))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("a failed statement rolls the transaction back", func(t *testing.T) {
		t.Parallel()

		client, mock := newMockClient(t)
		mock.ExpectQuery(columnsQuery).
			WithArgs("dim_users").
			WillReturnRows(sqlmock.NewRows([]string{"column_name"}).
				AddRow("id").AddRow("name").
				AddRow("_surrogate_key").AddRow("_valid_from").AddRow("_valid_until").AddRow("_is_current"))
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE dim_users SET _valid_until = ?, _is_current = FALSE WHERE _surrogate_key = ? AND _is_current = TRUE").
			WithArgs(closeTime, "aaa").
			WillReturnError(assert.AnError)
		mock.ExpectRollback()

		executor := merge.NewExecutor(client, zap.NewNop().Sugar())
		err := executor.ApplyChangeSet(context.Background(), target, changes)
		require.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
