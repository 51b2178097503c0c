package merge

import (
	"fmt"
	"strings"

	"github.com/strata-data/strata/pkg/snapshot"
)

// Mode selects how a load's output is applied to the destination. The three
// variants replace the declarative view/table/incremental distinction with an
// explicit tagged enum.
type Mode string

const (
	// FullReplace drops all destination rows and rebuilds from the extract.
	FullReplace Mode = "full-replace"

	// AppendOnly inserts extract rows as-is; used for fact streams bounded
	// by an incremental window.
	AppendOnly Mode = "append-only"

	// HistoryMerge applies a ChangeSet against a versioned history table.
	HistoryMerge Mode = "history-merge"
)

func (m Mode) IsValid() bool {
	switch m {
	case FullReplace, AppendOnly, HistoryMerge:
		return true
	default:
		return false
	}
}

// Reserved bookkeeping columns maintained by the executor; the layout is
// owned by the snapshot package.
const (
	ColumnSurrogateKey = snapshot.ColumnSurrogateKey
	ColumnValidFrom    = snapshot.ColumnValidFrom
	ColumnValidUntil   = snapshot.ColumnValidUntil
	ColumnIsCurrent    = snapshot.ColumnIsCurrent
)

var ReservedColumns = snapshot.ReservedColumns

func IsReservedColumn(name string) bool {
	return snapshot.IsReservedColumn(name)
}

// Column is a destination column with its SQL type, used when the executor
// has to create the destination table on a first run.
type Column struct {
	Name string
	Type string
}

// Target identifies the destination table and the user-facing columns flowing
// into it, in insert order.
type Target struct {
	Table   string
	Columns []Column
}

func (t Target) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// SchemaMismatchError is raised when an incoming extract does not match the
// destination's established shape. The run fails before any write; there is
// no auto-migration.
type SchemaMismatchError struct {
	Table    string
	Incoming []string
	Existing []string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf(
		"incoming columns for table %s do not match its established shape: got [%s], table has [%s]",
		e.Table, strings.Join(e.Incoming, ", "), strings.Join(e.Existing, ", "),
	)
}

// CommitFailureError wraps a storage failure while committing a run's
// transaction. It is never retried internally: a retry needs a fresh
// ChangeSet derived from fresh state, which is the caller's job.
type CommitFailureError struct {
	Table string
	Err   error
}

func (e *CommitFailureError) Error() string {
	return fmt.Sprintf("failed to commit the merge transaction for table %s: %s", e.Table, e.Err)
}

func (e *CommitFailureError) Unwrap() error {
	return e.Err
}
