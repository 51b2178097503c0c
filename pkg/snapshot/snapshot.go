package snapshot

import (
	"fmt"
	"time"
)

// Record is a single row of an incoming extract, keyed by column name.
type Record map[string]interface{}

// Extract is a full current-state read of an entity from the source, along
// with the column order it arrived with.
type Extract struct {
	Columns []string
	Rows    []Record
}

// VersionedRecord is one validity interval of a mutable entity. Rows are
// created open (ValidTo nil, IsCurrent true) and are never mutated afterwards
// except to close them.
type VersionedRecord struct {
	SurrogateKey string
	Payload      Record
	ValidFrom    time.Time
	ValidTo      *time.Time
	IsCurrent    bool
}

// Closure marks an open version as no longer current as of ValidTo.
type Closure struct {
	SurrogateKey string
	ValidTo      time.Time
}

// ChangeSet is the minimal set of mutations that reconciles stored history
// with an incoming extract. It is computed fresh each run and consumed
// immediately, never persisted.
type ChangeSet struct {
	Inserts       []VersionedRecord
	Closures      []Closure
	Invalidations []Closure
}

func (c *ChangeSet) Empty() bool {
	return len(c.Inserts) == 0 && len(c.Closures) == 0 && len(c.Invalidations) == 0
}

func (c *ChangeSet) Size() int {
	return len(c.Inserts) + len(c.Closures) + len(c.Invalidations)
}

// MissingKeyError reports an incoming row whose natural key is null or
// absent. A malformed key would corrupt history irrecoverably, so the default
// policy is to fail the whole run.
type MissingKeyError struct {
	Field string
	Row   int
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("row %d has a null or missing natural key field '%s'", e.Row, e.Field)
}
