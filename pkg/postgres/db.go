package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/strata-data/strata/pkg/date"
	"github.com/strata-data/strata/pkg/merge"
	"github.com/strata-data/strata/pkg/query"
	"github.com/strata-data/strata/pkg/snapshot"
)

type connection interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Client struct {
	connection connection
	config     Config
}

func NewClient(ctx context.Context, c Config) (*Client, error) {
	conn, err := pgxpool.New(ctx, c.ToDBConnectionURI())
	if err != nil {
		return nil, err
	}

	return &Client{connection: conn, config: c}, nil
}

// NewClientFromConnection wraps an existing pool; used by tests that
// substitute a mock.
func NewClientFromConnection(conn connection) *Client {
	return &Client{connection: conn}
}

func (c *Client) SelectExtract(ctx context.Context, q *query.Query) (*snapshot.Extract, error) {
	rows, err := c.connection.Query(ctx, q.String(), q.Args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	descriptions := rows.FieldDescriptions()
	columns := make([]string, len(descriptions))
	for i, d := range descriptions {
		columns[i] = d.Name
	}

	extract := &snapshot.Extract{Columns: columns}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, errors.Wrap(err, "failed to collect row values")
		}

		rec := make(snapshot.Record, len(columns))
		for i, col := range columns {
			rec[col] = values[i]
		}
		extract.Rows = append(extract.Rows, rec)
	}

	return extract, rows.Err()
}

func (c *Client) TableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := c.connection.Query(ctx,
		"SELECT column_name FROM information_schema.columns WHERE table_name = $1 ORDER BY ordinal_position",
		table,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		columns = append(columns, name)
	}

	return columns, rows.Err()
}

func (c *Client) Watermark(ctx context.Context, table, column string) (*time.Time, error) {
	columns, err := c.TableColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	if columns == nil {
		return nil, nil
	}

	var raw interface{}
	if err := c.connection.QueryRow(ctx, "SELECT MAX("+column+") FROM "+table).Scan(&raw); err != nil {
		return nil, errors.Wrapf(err, "failed to read MAX(%s) from %s", column, table)
	}

	switch v := raw.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return &v, nil
	case string:
		t, err := date.ParseTime(v)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot parse watermark value %q", v)
		}
		return &t, nil
	default:
		return nil, errors.Errorf("cannot interpret watermark value %v as a timestamp", raw)
	}
}

func (c *Client) Begin(ctx context.Context) (merge.Tx, error) {
	pgxTx, err := c.connection.Begin(ctx)
	if err != nil {
		return nil, err
	}

	return &tx{tx: pgxTx}, nil
}

type tx struct {
	tx pgx.Tx
}

// Exec rebinds the executor's '?' placeholders to Postgres-style $N.
func (t *tx) Exec(ctx context.Context, q string, args ...interface{}) error {
	_, err := t.tx.Exec(ctx, sqlx.Rebind(sqlx.DOLLAR, q), args...)
	return err
}

func (t *tx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *tx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}
