package window

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/strata-data/strata/pkg/date"
	"github.com/strata-data/strata/pkg/logger"
)

type Mode int

const (
	// FirstRun means the destination holds no committed rows yet; the read
	// is unconstrained.
	FirstRun Mode = iota

	// IncrementalRun bounds the read below by the stored watermark or by an
	// explicit window.
	IncrementalRun
)

func (m Mode) String() string {
	if m == FirstRun {
		return "first-run"
	}
	return "incremental"
}

// Window is the predicate restricting which source rows are read on a run.
//
// In watermark mode the lower bound is strict: a row stamped exactly at the
// watermark was committed by a previous run and must never be re-selected.
// Sources whose timestamp is not strictly increasing can therefore emit
// duplicates; callers are expected to make downstream inserts idempotent via
// the surrogate key.
type Window struct {
	Mode      Mode
	Column    string
	Watermark *time.Time
	Start     *time.Time
	End       *time.Time
}

// Predicate renders the window as a SQL fragment, or "" when unconstrained.
func (w Window) Predicate() string {
	if w.Start != nil && w.End != nil {
		return fmt.Sprintf("%s >= %s AND %s < %s",
			w.Column, date.TimestampLiteral(*w.Start),
			w.Column, date.TimestampLiteral(*w.End))
	}

	if w.Watermark == nil {
		return ""
	}

	return fmt.Sprintf("%s > %s", w.Column, date.TimestampLiteral(*w.Watermark))
}

// Contains reports whether a row with the given timestamp falls inside the
// window. It mirrors Predicate exactly; the two must never disagree.
func (w Window) Contains(ts time.Time) bool {
	if w.Start != nil && w.End != nil {
		return !ts.Before(*w.Start) && ts.Before(*w.End)
	}

	if w.Watermark == nil {
		return true
	}

	return ts.After(*w.Watermark)
}

// WatermarkReader derives the highest committed timestamp for a stream
// directly from destination storage. Implementations return nil when the
// destination table does not exist or holds no rows.
type WatermarkReader interface {
	Watermark(ctx context.Context, table, column string) (*time.Time, error)
}

// Selector computes incremental-read windows for append-only fact streams.
// It is stateless beyond the watermark read and performs no writes.
type Selector struct {
	conn   WatermarkReader
	logger logger.Logger
}

func NewSelector(conn WatermarkReader, log logger.Logger) *Selector {
	return &Selector{conn: conn, logger: log}
}

// Explicit returns a backfill window with caller-supplied bounds, applied
// unconditionally regardless of any stored watermark.
func (s *Selector) Explicit(column string, start, end time.Time) (Window, error) {
	if !end.After(start) {
		return Window{}, errors.Errorf("window end %s must be after start %s", end, start)
	}

	return Window{
		Mode:   IncrementalRun,
		Column: column,
		Start:  &start,
		End:    &end,
	}, nil
}

// ForStream returns the watermark-mode window for a destination table. The
// watermark is always re-derived from the committed data, never read from a
// separately stored value, so a crash between a data write and any bookkeeping
// cannot desynchronize the two.
func (s *Selector) ForStream(ctx context.Context, table, column string) (Window, error) {
	watermark, err := s.conn.Watermark(ctx, table, column)
	if err != nil {
		return Window{}, errors.Wrapf(err, "failed to read the watermark for %s.%s", table, column)
	}

	if watermark == nil {
		s.logger.Debugf("no watermark found for %s, selecting everything", table)
		return Window{Mode: FirstRun, Column: column}, nil
	}

	s.logger.Debugw("resolved watermark", "table", table, "column", column, "watermark", watermark)

	return Window{
		Mode:      IncrementalRun,
		Column:    column,
		Watermark: watermark,
	}, nil
}
