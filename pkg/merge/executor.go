package merge

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/strata-data/strata/pkg/logger"
	"github.com/strata-data/strata/pkg/snapshot"
)

// Conn is the slice of a destination connection the executor needs: a way to
// open a transaction and a way to inspect the established table shape.
type Conn interface {
	Begin(ctx context.Context) (Tx, error)

	// TableColumns returns the destination table's column names, or nil when
	// the table does not exist yet.
	TableColumns(ctx context.Context, table string) ([]string, error)
}

// Tx is a single storage transaction. Queries use '?' placeholders;
// implementations rebind for their engine where needed.
type Tx interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Executor applies the output of a run to persisted storage as one
// transactional unit: either every operation becomes visible or none do. The
// watermark is never written separately; the next run re-derives it from the
// committed rows themselves.
type Executor struct {
	conn   Conn
	logger logger.Logger
}

func NewExecutor(conn Conn, log logger.Logger) *Executor {
	return &Executor{conn: conn, logger: log}
}

// ApplyChangeSet brings a versioned history table up to date. Close-outs run
// before inserts so that at most one open version per key exists outside the
// transaction.
func (e *Executor) ApplyChangeSet(ctx context.Context, target Target, changes *snapshot.ChangeSet) error {
	if changes.Empty() {
		e.logger.Debugf("change set for %s is empty, nothing to apply", target.Table)
		return nil
	}

	create, err := e.checkSchema(ctx, target, true)
	if err != nil {
		return err
	}

	return e.withTransaction(ctx, target, func(tx Tx) error {
		if create {
			if err := tx.Exec(ctx, e.historyTableDDL(target)); err != nil {
				return errors.Wrapf(err, "failed to create history table %s", target.Table)
			}
		}

		closeOut := fmt.Sprintf(
			"UPDATE %s SET %s = ?, %s = FALSE WHERE %s = ? AND %s = TRUE",
			target.Table, ColumnValidUntil, ColumnIsCurrent, ColumnSurrogateKey, ColumnIsCurrent,
		)

		for _, closure := range changes.Closures {
			if err := tx.Exec(ctx, closeOut, closure.ValidTo, closure.SurrogateKey); err != nil {
				return errors.Wrapf(err, "failed to close version %s", closure.SurrogateKey)
			}
		}

		for _, invalidation := range changes.Invalidations {
			if err := tx.Exec(ctx, closeOut, invalidation.ValidTo, invalidation.SurrogateKey); err != nil {
				return errors.Wrapf(err, "failed to invalidate version %s", invalidation.SurrogateKey)
			}
		}

		return e.insertVersions(ctx, tx, target, changes.Inserts)
	})
}

// Rebuild tears the history table down and reapplies the change set, all in
// one transaction: an interrupted full refresh leaves the previous table
// intact instead of dropped and empty.
func (e *Executor) Rebuild(ctx context.Context, target Target, changes *snapshot.ChangeSet) error {
	for _, col := range target.Columns {
		if IsReservedColumn(col.Name) {
			return errors.Errorf("column name %s is reserved and cannot be used", col.Name)
		}
	}

	return e.withTransaction(ctx, target, func(tx Tx) error {
		if err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+target.Table); err != nil {
			return errors.Wrapf(err, "failed to drop table %s", target.Table)
		}

		if err := tx.Exec(ctx, e.historyTableDDL(target)); err != nil {
			return errors.Wrapf(err, "failed to create history table %s", target.Table)
		}

		return e.insertVersions(ctx, tx, target, changes.Inserts)
	})
}

func (e *Executor) insertVersions(ctx context.Context, tx Tx, target Target, versions []snapshot.VersionedRecord) error {
	insert := e.historyInsertQuery(target)
	for _, version := range versions {
		args := make([]interface{}, 0, len(target.Columns)+4)
		for _, col := range target.Columns {
			args = append(args, version.Payload[col.Name])
		}
		args = append(args, version.SurrogateKey, version.ValidFrom, version.ValidTo, version.IsCurrent)

		if err := tx.Exec(ctx, insert, args...); err != nil {
			return errors.Wrapf(err, "failed to insert version %s", version.SurrogateKey)
		}
	}

	return nil
}

// Append inserts fact rows, each tagged with its surrogate key. keys must be
// aligned with extract.Rows.
func (e *Executor) Append(ctx context.Context, target Target, extract *snapshot.Extract, keys []string) error {
	if len(extract.Rows) != len(keys) {
		return errors.Errorf("expected %d surrogate keys, got %d", len(extract.Rows), len(keys))
	}
	if len(extract.Rows) == 0 {
		e.logger.Debugf("no rows to append to %s", target.Table)
		return nil
	}

	create, err := e.checkSchema(ctx, target, false)
	if err != nil {
		return err
	}

	return e.withTransaction(ctx, target, func(tx Tx) error {
		if create {
			if err := tx.Exec(ctx, e.factTableDDL(target)); err != nil {
				return errors.Wrapf(err, "failed to create table %s", target.Table)
			}
		}

		return e.insertRows(ctx, tx, target, extract, keys)
	})
}

// Replace rebuilds the fact table from scratch within one transaction.
func (e *Executor) Replace(ctx context.Context, target Target, extract *snapshot.Extract, keys []string) error {
	if len(extract.Rows) != len(keys) {
		return errors.Errorf("expected %d surrogate keys, got %d", len(extract.Rows), len(keys))
	}

	create, err := e.checkSchema(ctx, target, false)
	if err != nil {
		return err
	}

	return e.withTransaction(ctx, target, func(tx Tx) error {
		if create {
			if err := tx.Exec(ctx, e.factTableDDL(target)); err != nil {
				return errors.Wrapf(err, "failed to create table %s", target.Table)
			}
		} else if err := tx.Exec(ctx, "DELETE FROM "+target.Table); err != nil {
			return errors.Wrapf(err, "failed to clear table %s", target.Table)
		}

		return e.insertRows(ctx, tx, target, extract, keys)
	})
}

func (e *Executor) insertRows(ctx context.Context, tx Tx, target Target, extract *snapshot.Extract, keys []string) error {
	insert := e.factInsertQuery(target)
	for i, row := range extract.Rows {
		args := make([]interface{}, 0, len(target.Columns)+1)
		for _, col := range target.Columns {
			args = append(args, row[col.Name])
		}
		args = append(args, keys[i])

		if err := tx.Exec(ctx, insert, args...); err != nil {
			return errors.Wrapf(err, "failed to insert row %d", i)
		}
	}

	return nil
}

// checkSchema verifies the incoming shape against the established table shape
// and reports whether the table has to be created first. Any drift fails the
// run before a single write happens.
func (e *Executor) checkSchema(ctx context.Context, target Target, withHistory bool) (create bool, err error) {
	for _, col := range target.Columns {
		if IsReservedColumn(col.Name) {
			return false, errors.Errorf("column name %s is reserved and cannot be used", col.Name)
		}
	}

	existing, err := e.conn.TableColumns(ctx, target.Table)
	if err != nil {
		return false, errors.Wrapf(err, "failed to inspect table %s", target.Table)
	}
	if existing == nil {
		return true, nil
	}

	expected := target.ColumnNames()
	if withHistory {
		expected = append(expected, ReservedColumns...)
	} else {
		expected = append(expected, ColumnSurrogateKey)
	}

	left, right := lo.Difference(
		lo.Map(expected, func(c string, _ int) string { return strings.ToLower(c) }),
		lo.Map(existing, func(c string, _ int) string { return strings.ToLower(c) }),
	)
	if len(left) > 0 || len(right) > 0 {
		return false, &SchemaMismatchError{Table: target.Table, Incoming: expected, Existing: existing}
	}

	return false, nil
}

func (e *Executor) withTransaction(ctx context.Context, target Target, fn func(tx Tx) error) error {
	tx, err := e.conn.Begin(ctx)
	if err != nil {
		return errors.Wrapf(err, "failed to begin a transaction for %s", target.Table)
	}

	if err := fn(tx); err != nil {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil {
			e.logger.Errorf("failed to roll back the transaction for %s: %s", target.Table, rollbackErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return &CommitFailureError{Table: target.Table, Err: err}
	}

	return nil
}

func (e *Executor) historyInsertQuery(target Target) string {
	columns := append(target.ColumnNames(), ReservedColumns...)
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		target.Table,
		strings.Join(columns, ", "),
		placeholders(len(columns)),
	)
}

func (e *Executor) factInsertQuery(target Target) string {
	columns := append(target.ColumnNames(), ColumnSurrogateKey)
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		target.Table,
		strings.Join(columns, ", "),
		placeholders(len(columns)),
	)
}

func (e *Executor) historyTableDDL(target Target) string {
	defs := make([]string, 0, len(target.Columns)+4)
	for _, col := range target.Columns {
		defs = append(defs, col.Name+" "+columnType(col))
	}
	defs = append(defs,
		ColumnSurrogateKey+" VARCHAR NOT NULL",
		ColumnValidFrom+" TIMESTAMP NOT NULL",
		ColumnValidUntil+" TIMESTAMP",
		ColumnIsCurrent+" BOOLEAN NOT NULL",
	)

	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", target.Table, strings.Join(defs, ",\n  "))
}

func (e *Executor) factTableDDL(target Target) string {
	defs := make([]string, 0, len(target.Columns)+1)
	for _, col := range target.Columns {
		defs = append(defs, col.Name+" "+columnType(col))
	}
	defs = append(defs, ColumnSurrogateKey+" VARCHAR NOT NULL")

	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", target.Table, strings.Join(defs, ",\n  "))
}

func columnType(col Column) string {
	if col.Type == "" {
		return "VARCHAR"
	}
	return strings.ToUpper(col.Type)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
