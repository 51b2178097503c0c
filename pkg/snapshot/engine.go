package snapshot

import (
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/strata-data/strata/pkg/key"
	"github.com/strata-data/strata/pkg/logger"
)

type MissingKeyPolicy string

const (
	// MissingKeyFail aborts the whole run on the first row without a usable
	// natural key.
	MissingKeyFail MissingKeyPolicy = "fail"

	// MissingKeySkip drops the offending row and keeps going.
	MissingKeySkip MissingKeyPolicy = "skip"
)

type Config struct {
	UniqueKey             []string
	Strategy              Strategy
	InvalidateHardDeletes bool
	OnMissingKey          MissingKeyPolicy
}

// Engine computes the ChangeSet that brings a versioned history table up to
// date with a full current-state extract. It holds no storage handles; both
// sides of the diff are handed in by the caller.
type Engine struct {
	config Config
	keys   *key.Generator
	logger logger.Logger
}

func NewEngine(config Config, log logger.Logger) (*Engine, error) {
	if len(config.UniqueKey) == 0 {
		return nil, errors.New("at least one natural key field is required")
	}
	if config.Strategy == nil {
		return nil, errors.New("a comparison strategy is required")
	}
	if config.OnMissingKey == "" {
		config.OnMissingKey = MissingKeyFail
	}

	return &Engine{
		config: config,
		keys:   key.NewGenerator(),
		logger: log,
	}, nil
}

// SurrogateKey derives the deterministic surrogate for a record's natural
// key. A null or absent natural key field yields a MissingKeyError.
func (e *Engine) SurrogateKey(rec Record, row int) (string, error) {
	values := make([]key.Value, 0, len(e.config.UniqueKey))
	for _, field := range e.config.UniqueKey {
		raw, ok := rec[field]
		if !ok || raw == nil {
			return "", &MissingKeyError{Field: field, Row: row}
		}
		values = append(values, key.Canonical(raw))
	}

	return e.keys.Key(values...), nil
}

// Diff reconciles the incoming extract against the currently open versions
// and returns the mutations needed to close the gap. Identical inputs always
// produce identical output: rows are collapsed and emitted in surrogate-key
// order, so re-running right after a successful apply yields an empty
// ChangeSet.
func (e *Engine) Diff(extract *Extract, open []VersionedRecord, runTime time.Time) (*ChangeSet, error) {
	incoming, keyOrder, err := e.collapse(extract)
	if err != nil {
		return nil, err
	}

	current := make(map[string]*VersionedRecord, len(open))
	for i := range open {
		rec := &open[i]
		if !rec.IsCurrent {
			return nil, errors.Errorf("stored version %s is not open; Diff expects only current versions", rec.SurrogateKey)
		}
		current[rec.SurrogateKey] = rec
	}

	changes := &ChangeSet{}

	for _, sk := range keyOrder {
		rec := incoming[sk]

		stored, exists := current[sk]
		if !exists {
			changes.Inserts = append(changes.Inserts, VersionedRecord{
				SurrogateKey: sk,
				Payload:      rec,
				ValidFrom:    runTime,
				IsCurrent:    true,
			})
			continue
		}

		changed, err := e.config.Strategy.Changed(rec, stored)
		if err != nil {
			return nil, errors.Wrapf(err, "comparing incoming row against stored version %s", sk)
		}
		if !changed {
			continue
		}

		boundary, err := e.config.Strategy.VersionBoundary(rec, runTime)
		if err != nil {
			return nil, errors.Wrapf(err, "deriving version boundary for %s", sk)
		}

		// A late-arriving change can carry a source timestamp older than the
		// stored version's opening; the boundary must never precede it or the
		// closed interval would invert.
		if boundary.Before(stored.ValidFrom) {
			boundary = stored.ValidFrom
		}

		changes.Closures = append(changes.Closures, Closure{SurrogateKey: sk, ValidTo: boundary})
		changes.Inserts = append(changes.Inserts, VersionedRecord{
			SurrogateKey: sk,
			Payload:      rec,
			ValidFrom:    boundary,
			IsCurrent:    true,
		})
	}

	if e.config.InvalidateHardDeletes {
		deleted := make([]string, 0)
		for sk := range current {
			if _, stillThere := incoming[sk]; !stillThere {
				deleted = append(deleted, sk)
			}
		}
		sort.Strings(deleted)

		for _, sk := range deleted {
			changes.Invalidations = append(changes.Invalidations, Closure{SurrogateKey: sk, ValidTo: runTime})
		}
	}

	e.logger.Debugw("computed change set",
		"inserts", len(changes.Inserts),
		"closures", len(changes.Closures),
		"invalidations", len(changes.Invalidations),
	)

	return changes, nil
}

// collapse deduplicates the extract by surrogate key and fixes the emission
// order. When the same natural key appears more than once, the row that
// supersedes the others per the comparison strategy wins; the first
// occurrence is kept on ties.
func (e *Engine) collapse(extract *Extract) (map[string]Record, []string, error) {
	incoming := make(map[string]Record, len(extract.Rows))
	order := make([]string, 0, len(extract.Rows))

	for i, rec := range extract.Rows {
		sk, err := e.SurrogateKey(rec, i)
		if err != nil {
			if e.config.OnMissingKey == MissingKeySkip {
				e.logger.Warnf("skipping row %d: %s", i, err.Error())
				continue
			}
			return nil, nil, err
		}

		existing, seen := incoming[sk]
		if !seen {
			incoming[sk] = rec
			order = append(order, sk)
			continue
		}

		supersedes, err := e.config.Strategy.Changed(rec, &VersionedRecord{SurrogateKey: sk, Payload: existing, IsCurrent: true})
		if err != nil {
			return nil, nil, errors.Wrapf(err, "collapsing duplicate rows for key %s", sk)
		}
		if supersedes {
			incoming[sk] = rec
		}
	}

	sort.Strings(order)

	return incoming, order, nil
}
