package loader

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/strata-data/strata/pkg/key"
	"github.com/strata-data/strata/pkg/logger"
	"github.com/strata-data/strata/pkg/merge"
	"github.com/strata-data/strata/pkg/pipeline"
	"github.com/strata-data/strata/pkg/query"
	"github.com/strata-data/strata/pkg/snapshot"
	"github.com/strata-data/strata/pkg/window"
)

type connectionGetter interface {
	GetConnection(name string) Connection
}

// Connection mirrors connection.Connection; declared locally so the loader
// can be exercised against fakes without importing the manager.
type Connection interface {
	SelectExtract(ctx context.Context, q *query.Query) (*snapshot.Extract, error)
	TableColumns(ctx context.Context, table string) ([]string, error)
	Watermark(ctx context.Context, table, column string) (*time.Time, error)
	Begin(ctx context.Context) (merge.Tx, error)
}

// Options carries the per-run knobs injected from the command line.
type Options struct {
	FullRefresh       bool
	Start             *time.Time
	End               *time.Time
	DefaultConnection string
}

// Loader executes a single declared load end to end: window or diff, then
// one atomic merge.
type Loader struct {
	connections connectionGetter
	keys        *key.Generator
	logger      logger.Logger

	// Now is the run clock; injectable so that runs are reproducible under
	// test.
	Now func() time.Time
}

func New(connections connectionGetter, log logger.Logger) *Loader {
	return &Loader{
		connections: connections,
		keys:        key.NewGenerator(),
		logger:      log,
		Now:         time.Now,
	}
}

func (l *Loader) Run(ctx context.Context, load *pipeline.Load, opts Options) error {
	connName := load.Connection
	if connName == "" {
		connName = opts.DefaultConnection
	}

	conn := l.connections.GetConnection(connName)
	if conn == nil {
		return errors.Errorf("connection '%s' does not exist", connName)
	}

	switch load.Type {
	case pipeline.LoadTypeFact:
		return l.runFact(ctx, conn, load, opts)
	case pipeline.LoadTypeDimension:
		return l.runDimension(ctx, conn, load, opts)
	default:
		return errors.Errorf("unknown load type '%s'", load.Type)
	}
}

func (l *Loader) runFact(ctx context.Context, conn Connection, load *pipeline.Load, opts Options) error {
	mode := load.Mode(opts.FullRefresh)

	win, err := l.resolveWindow(ctx, conn, load, opts, mode)
	if err != nil {
		return err
	}

	extract, err := conn.SelectExtract(ctx, query.New(load.SourceSQL(win.Predicate())))
	if err != nil {
		return errors.Wrap(err, "failed to read the source extract")
	}

	l.logger.Debugw("read fact extract", "load", load.Name, "mode", win.Mode.String(), "rows", len(extract.Rows))

	keys, err := l.surrogateKeys(load, extract)
	if err != nil {
		return err
	}

	target := l.mergeTarget(load, extract)
	executor := merge.NewExecutor(conn, l.logger)

	if mode == merge.FullReplace {
		return executor.Replace(ctx, target, extract, keys)
	}

	return executor.Append(ctx, target, extract, keys)
}

func (l *Loader) runDimension(ctx context.Context, conn Connection, load *pipeline.Load, opts Options) error {
	extract, err := conn.SelectExtract(ctx, query.New(load.SourceSQL("")))
	if err != nil {
		return errors.Wrap(err, "failed to read the source extract")
	}

	open, err := l.openVersions(ctx, conn, load, opts)
	if err != nil {
		return err
	}

	engine, err := snapshot.NewEngine(snapshot.Config{
		UniqueKey:             load.UniqueKey,
		Strategy:              l.strategyFor(load),
		InvalidateHardDeletes: load.InvalidateHardDeletes,
		OnMissingKey:          load.MissingKeyPolicy(),
	}, l.logger)
	if err != nil {
		return err
	}

	changes, err := engine.Diff(extract, open, l.Now().UTC())
	if err != nil {
		return err
	}

	l.logger.Debugw("computed dimension change set", "load", load.Name, "size", changes.Size())

	executor := merge.NewExecutor(conn, l.logger)
	target := l.mergeTarget(load, extract)

	// A full refresh rebuilds the table within the same transaction that
	// repopulates it, so the old history survives an interrupted run.
	if opts.FullRefresh {
		return executor.Rebuild(ctx, target, changes)
	}

	return executor.ApplyChangeSet(ctx, target, changes)
}

func (l *Loader) resolveWindow(ctx context.Context, conn Connection, load *pipeline.Load, opts Options, mode merge.Mode) (window.Window, error) {
	selector := window.NewSelector(conn, l.logger)

	if opts.Start != nil && opts.End != nil {
		return selector.Explicit(load.IncrementalKey, *opts.Start, *opts.End)
	}

	// A full replace rereads everything; the watermark is irrelevant.
	if mode == merge.FullReplace {
		return window.Window{Mode: window.FirstRun, Column: load.IncrementalKey}, nil
	}

	return selector.ForStream(ctx, load.Destination, load.IncrementalKey)
}

// openVersions reads the currently open slice of the history table. A table
// that does not exist yet means an empty history.
func (l *Loader) openVersions(ctx context.Context, conn Connection, load *pipeline.Load, opts Options) ([]snapshot.VersionedRecord, error) {
	if opts.FullRefresh {
		return nil, nil
	}

	columns, err := conn.TableColumns(ctx, load.Destination)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to inspect %s", load.Destination)
	}
	if columns == nil {
		return nil, nil
	}

	stored, err := conn.SelectExtract(ctx, query.New(fmt.Sprintf(
		"SELECT * FROM %s WHERE %s = TRUE", load.Destination, snapshot.ColumnIsCurrent,
	)))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read the open versions from %s", load.Destination)
	}

	return snapshot.VersionsFromExtract(stored)
}

func (l *Loader) strategyFor(load *pipeline.Load) snapshot.Strategy {
	if load.Strategy == pipeline.StrategyRowHash {
		return snapshot.NewRowHashStrategy()
	}
	return snapshot.NewTimestampStrategy(load.UpdatedAt)
}

// surrogateKeys tags every fact row with a deterministic key derived from the
// declared natural key, or from the full row when none is declared, so that
// re-emitted rows stay identifiable downstream.
func (l *Loader) surrogateKeys(load *pipeline.Load, extract *snapshot.Extract) ([]string, error) {
	fields := load.UniqueKey
	if len(fields) == 0 {
		fields = extract.Columns
	}

	keys := make([]string, len(extract.Rows))
	for i, row := range extract.Rows {
		values := make([]key.Value, 0, len(fields))
		for _, field := range fields {
			values = append(values, key.Canonical(row[field]))
		}
		keys[i] = l.keys.Key(values...)
	}

	return keys, nil
}

func (l *Loader) mergeTarget(load *pipeline.Load, extract *snapshot.Extract) merge.Target {
	target := load.MergeTarget(extract.Columns)

	// Columns without a declared type get one inferred from the first
	// non-nil value, so first-run DDL comes out with sane types.
	for i, col := range target.Columns {
		if col.Type != "" {
			continue
		}
		target.Columns[i].Type = inferType(extract, col.Name)
	}

	return target
}

func inferType(extract *snapshot.Extract, column string) string {
	for _, row := range extract.Rows {
		switch row[column].(type) {
		case nil:
			continue
		case time.Time:
			return "timestamp"
		case bool:
			return "boolean"
		case int, int32, int64:
			return "bigint"
		case float32, float64:
			return "double precision"
		default:
			return "varchar"
		}
	}

	return "varchar"
}
