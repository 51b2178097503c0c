package duck

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/marcboeker/go-duckdb"
	"github.com/pkg/errors"

	"github.com/strata-data/strata/pkg/date"
	"github.com/strata-data/strata/pkg/merge"
	"github.com/strata-data/strata/pkg/query"
	"github.com/strata-data/strata/pkg/snapshot"
)

type Client struct {
	db     *sqlx.DB
	config Config
}

func NewClient(c Config) (*Client, error) {
	LockDatabase(c.ToDBConnectionURI())
	defer UnlockDatabase(c.ToDBConnectionURI())

	conn, err := sqlx.Open("duckdb", c.ToDBConnectionURI())
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(); err != nil {
		return nil, err
	}

	return &Client{db: conn, config: c}, nil
}

// NewClientFromDB wraps an existing handle; used by tests that substitute a
// mock driver.
func NewClientFromDB(db *sqlx.DB) *Client {
	return &Client{db: db}
}

func (c *Client) Close() error {
	return c.db.Close()
}

// SelectExtract runs a query and scans every row into named records,
// preserving the result's column order.
func (c *Client) SelectExtract(ctx context.Context, q *query.Query) (*snapshot.Extract, error) {
	rows, err := c.db.QueryxContext(ctx, q.String(), q.Args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	extract := &snapshot.Extract{Columns: columns}
	for rows.Next() {
		rec := map[string]interface{}{}
		if err := rows.MapScan(rec); err != nil {
			return nil, err
		}
		extract.Rows = append(extract.Rows, snapshot.Record(rec))
	}

	return extract, rows.Err()
}

// TableColumns returns the table's column names in ordinal order, or nil when
// the table does not exist.
func (c *Client) TableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT column_name FROM information_schema.columns WHERE table_name = ? ORDER BY ordinal_position",
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

// Watermark reads the highest committed timestamp for a stream straight from
// the destination table. A missing table or an empty one yields nil.
func (c *Client) Watermark(ctx context.Context, table, column string) (*time.Time, error) {
	columns, err := c.TableColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	if columns == nil {
		return nil, nil
	}

	row := c.db.QueryRowContext(ctx, "SELECT MAX("+column+") FROM "+table)

	var raw interface{}
	if err := row.Scan(&raw); err != nil {
		return nil, errors.Wrapf(err, "failed to read MAX(%s) from %s", column, table)
	}

	return parseWatermark(raw)
}

func parseWatermark(raw interface{}) (*time.Time, error) {
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
	case []byte:
		return parseWatermark(string(v))
	default:
		return nil, errors.Errorf("cannot interpret watermark value %v as a timestamp", raw)
	}
}

func (c *Client) Begin(ctx context.Context) (merge.Tx, error) {
	sqlTx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	return &tx{tx: sqlTx}, nil
}

type tx struct {
	tx *sql.Tx
}

func (t *tx) Exec(ctx context.Context, q string, args ...interface{}) error {
	_, err := t.tx.ExecContext(ctx, q, args...)
	return err
}

func (t *tx) Commit(ctx context.Context) error {
	return t.tx.Commit()
}

func (t *tx) Rollback(ctx context.Context) error {
	return t.tx.Rollback()
}
