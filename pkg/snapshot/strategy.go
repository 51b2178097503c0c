package snapshot

import (
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/strata-data/strata/pkg/date"
	"github.com/strata-data/strata/pkg/key"
)

// Strategy decides whether an incoming row supersedes the stored open version
// of the same natural key.
type Strategy interface {
	Name() string

	// Changed reports whether incoming should produce a new version on top of
	// current. Equal or older rows are no-ops, including exact duplicates and
	// late-arriving updates.
	Changed(incoming Record, current *VersionedRecord) (bool, error)

	// VersionBoundary returns the instant at which the new version becomes
	// valid, given the incoming row and the run timestamp.
	VersionBoundary(incoming Record, runTime time.Time) (time.Time, error)
}

// TimestampStrategy supersedes a version when the incoming row's updated-at
// field is strictly greater than the stored one. The incoming updated-at also
// becomes the validity boundary, so history reflects source time rather than
// load time.
type TimestampStrategy struct {
	Field string
}

func NewTimestampStrategy(field string) *TimestampStrategy {
	return &TimestampStrategy{Field: field}
}

func (s *TimestampStrategy) Name() string {
	return "timestamp"
}

func (s *TimestampStrategy) Changed(incoming Record, current *VersionedRecord) (bool, error) {
	incomingTS, err := s.timestampOf(incoming)
	if err != nil {
		return false, err
	}

	currentTS, err := s.timestampOf(current.Payload)
	if err != nil {
		return false, err
	}

	return incomingTS.After(currentTS), nil
}

func (s *TimestampStrategy) VersionBoundary(incoming Record, runTime time.Time) (time.Time, error) {
	ts, err := s.timestampOf(incoming)
	if err != nil {
		return time.Time{}, err
	}
	return ts, nil
}

func (s *TimestampStrategy) timestampOf(rec Record) (time.Time, error) {
	raw, ok := rec[s.Field]
	if !ok || raw == nil {
		return time.Time{}, errors.Errorf("row is missing the '%s' comparison field", s.Field)
	}

	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case string:
		t, err := date.ParseTime(v)
		if err != nil {
			return time.Time{}, errors.Wrapf(err, "cannot parse '%s' value %q as a timestamp", s.Field, v)
		}
		return t, nil
	case []byte:
		t, err := date.ParseTime(string(v))
		if err != nil {
			return time.Time{}, errors.Wrapf(err, "cannot parse '%s' value %q as a timestamp", s.Field, string(v))
		}
		return t, nil
	default:
		return time.Time{}, errors.Errorf("'%s' value %v is not a timestamp", s.Field, raw)
	}
}

// RowHashStrategy supersedes a version when any payload column differs,
// detected through a deterministic digest over all columns. Versions produced
// by this strategy are bounded by the run timestamp, since the source carries
// no reliable change time.
type RowHashStrategy struct {
	gen *key.Generator
}

func NewRowHashStrategy() *RowHashStrategy {
	return &RowHashStrategy{gen: key.NewGenerator()}
}

func (s *RowHashStrategy) Name() string {
	return "row-hash"
}

func (s *RowHashStrategy) Changed(incoming Record, current *VersionedRecord) (bool, error) {
	return s.hash(incoming) != s.hash(current.Payload), nil
}

func (s *RowHashStrategy) VersionBoundary(incoming Record, runTime time.Time) (time.Time, error) {
	return runTime, nil
}

func (s *RowHashStrategy) hash(rec Record) string {
	names := make([]string, 0, len(rec))
	for name := range rec {
		names = append(names, name)
	}
	sort.Strings(names)

	values := make([]key.Value, 0, len(names)*2)
	for _, name := range names {
		values = append(values, key.String(name), key.Canonical(rec[name]))
	}

	return s.gen.Key(values...)
}
