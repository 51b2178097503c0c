package snapshot

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	t0      = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1      = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	runTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

func newTestEngine(t *testing.T, config Config) *Engine {
	t.Helper()

	if config.Strategy == nil {
		config.Strategy = NewTimestampStrategy("updated_at")
	}
	if len(config.UniqueKey) == 0 {
		config.UniqueKey = []string{"id"}
	}

	engine, err := NewEngine(config, zap.NewNop().Sugar())
	require.NoError(t, err)
	return engine
}

func openVersion(t *testing.T, engine *Engine, payload Record, validFrom time.Time) VersionedRecord {
	t.Helper()

	sk, err := engine.SurrogateKey(payload, 0)
	require.NoError(t, err)

	return VersionedRecord{
		SurrogateKey: sk,
		Payload:      payload,
		ValidFrom:    validFrom,
		IsCurrent:    true,
	}
}

func TestEngine_Diff_NewKey(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, Config{})
	extract := &Extract{
		Columns: []string{"id", "name", "updated_at"},
		Rows:    []Record{{"id": "H1", "name": "Bob", "updated_at": t0}},
	}

	changes, err := engine.Diff(extract, nil, runTime)
	require.NoError(t, err)

	require.Len(t, changes.Inserts, 1)
	assert.Empty(t, changes.Closures)
	assert.Empty(t, changes.Invalidations)

	inserted := changes.Inserts[0]
	assert.Equal(t, runTime, inserted.ValidFrom)
	assert.Nil(t, inserted.ValidTo)
	assert.True(t, inserted.IsCurrent)
	assert.Equal(t, "Bob", inserted.Payload["name"])
}

func TestEngine_Diff_ChangedRow(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, Config{})
	stored := openVersion(t, engine, Record{"id": "H1", "name": "Bob", "updated_at": t0}, t0)

	extract := &Extract{
		Columns: []string{"id", "name", "updated_at"},
		Rows:    []Record{{"id": "H1", "name": "Robert", "updated_at": t1}},
	}

	changes, err := engine.Diff(extract, []VersionedRecord{stored}, runTime)
	require.NoError(t, err)

	require.Len(t, changes.Closures, 1)
	assert.Equal(t, stored.SurrogateKey, changes.Closures[0].SurrogateKey)
	assert.Equal(t, t1, changes.Closures[0].ValidTo)

	require.Len(t, changes.Inserts, 1)
	assert.Equal(t, stored.SurrogateKey, changes.Inserts[0].SurrogateKey)
	assert.Equal(t, t1, changes.Inserts[0].ValidFrom)
	assert.Equal(t, "Robert", changes.Inserts[0].Payload["name"])
}

func TestEngine_Diff_BoundaryNeverPrecedesStoredOpening(t *testing.T) {
	t.Parallel()

	// A first run opens its version at the run clock, which can be far ahead
	// of the source's updated-at. A later change whose updated-at is still
	// behind that opening must not close the version before it began.
	engine := newTestEngine(t, Config{})

	first, err := engine.Diff(&Extract{
		Rows: []Record{{"id": "H1", "name": "Bob", "updated_at": t0}},
	}, nil, runTime)
	require.NoError(t, err)
	require.Len(t, first.Inserts, 1)
	assert.Equal(t, runTime, first.Inserts[0].ValidFrom)

	second, err := engine.Diff(&Extract{
		Rows: []Record{{"id": "H1", "name": "Robert", "updated_at": t1}},
	}, first.Inserts, runTime.Add(time.Hour))
	require.NoError(t, err)

	require.Len(t, second.Closures, 1)
	assert.Equal(t, runTime, second.Closures[0].ValidTo,
		"the boundary must clamp to the stored version's opening")
	require.Len(t, second.Inserts, 1)
	assert.Equal(t, runTime, second.Inserts[0].ValidFrom)
	assert.False(t, second.Closures[0].ValidTo.Before(first.Inserts[0].ValidFrom))
}

func TestEngine_Diff_NoOps(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, Config{})
	stored := openVersion(t, engine, Record{"id": "H1", "name": "Bob", "updated_at": t1}, t1)

	tests := []struct {
		name string
		row  Record
	}{
		{
			name: "exact duplicate",
			row:  Record{"id": "H1", "name": "Bob", "updated_at": t1},
		},
		{
			name: "late arriving update is silently ignored",
			row:  Record{"id": "H1", "name": "Bobby", "updated_at": t0},
		},
		{
			name: "equal timestamp with different payload",
			row:  Record{"id": "H1", "name": "Bobby", "updated_at": t1},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			changes, err := engine.Diff(&Extract{Rows: []Record{tt.row}}, []VersionedRecord{stored}, runTime)
			require.NoError(t, err)
			assert.True(t, changes.Empty())
		})
	}
}

func TestEngine_Diff_Idempotent(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, Config{InvalidateHardDeletes: true})
	extract := &Extract{
		Columns: []string{"id", "name", "updated_at"},
		Rows: []Record{
			{"id": "H1", "name": "Robert", "updated_at": t1},
			{"id": "H2", "name": "Alice", "updated_at": t0},
		},
	}

	first, err := engine.Diff(extract, nil, runTime)
	require.NoError(t, err)
	require.Len(t, first.Inserts, 2)

	// The state after applying the first ChangeSet.
	applied := first.Inserts

	second, err := engine.Diff(extract, applied, runTime.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, second.Empty())
}

func TestEngine_Diff_Deterministic(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, Config{})
	extract := &Extract{
		Rows: []Record{
			{"id": "H3", "name": "c", "updated_at": t0},
			{"id": "H1", "name": "a", "updated_at": t0},
			{"id": "H2", "name": "b", "updated_at": t0},
		},
	}

	first, err := engine.Diff(extract, nil, runTime)
	require.NoError(t, err)
	second, err := engine.Diff(extract, nil, runTime)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.True(t, sort.SliceIsSorted(first.Inserts, func(i, j int) bool {
		return first.Inserts[i].SurrogateKey < first.Inserts[j].SurrogateKey
	}))
}

func TestEngine_Diff_HardDeletes(t *testing.T) {
	t.Parallel()

	t.Run("enabled closes the open version without a replacement", func(t *testing.T) {
		t.Parallel()

		engine := newTestEngine(t, Config{InvalidateHardDeletes: true})
		stored := openVersion(t, engine, Record{"id": "E", "name": "gone", "updated_at": t0}, t0)

		changes, err := engine.Diff(&Extract{}, []VersionedRecord{stored}, runTime)
		require.NoError(t, err)

		assert.Empty(t, changes.Inserts)
		assert.Empty(t, changes.Closures)
		require.Len(t, changes.Invalidations, 1)
		assert.Equal(t, stored.SurrogateKey, changes.Invalidations[0].SurrogateKey)
		assert.Equal(t, runTime, changes.Invalidations[0].ValidTo)
	})

	t.Run("disabled leaves the open version untouched", func(t *testing.T) {
		t.Parallel()

		engine := newTestEngine(t, Config{InvalidateHardDeletes: false})
		stored := openVersion(t, engine, Record{"id": "E", "name": "still here", "updated_at": t0}, t0)

		changes, err := engine.Diff(&Extract{}, []VersionedRecord{stored}, runTime)
		require.NoError(t, err)
		assert.True(t, changes.Empty())
	})
}

func TestEngine_Diff_MissingKey(t *testing.T) {
	t.Parallel()

	extract := &Extract{
		Rows: []Record{
			{"id": "H1", "name": "ok", "updated_at": t0},
			{"id": nil, "name": "broken", "updated_at": t0},
		},
	}

	t.Run("fail policy aborts the run", func(t *testing.T) {
		t.Parallel()

		engine := newTestEngine(t, Config{OnMissingKey: MissingKeyFail})
		_, err := engine.Diff(extract, nil, runTime)

		var missingKey *MissingKeyError
		require.ErrorAs(t, err, &missingKey)
		assert.Equal(t, "id", missingKey.Field)
		assert.Equal(t, 1, missingKey.Row)
	})

	t.Run("skip policy drops the row", func(t *testing.T) {
		t.Parallel()

		engine := newTestEngine(t, Config{OnMissingKey: MissingKeySkip})
		changes, err := engine.Diff(extract, nil, runTime)
		require.NoError(t, err)
		assert.Len(t, changes.Inserts, 1)
	})
}

func TestEngine_Diff_DuplicateRowsCollapse(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, Config{})
	extract := &Extract{
		Rows: []Record{
			{"id": "H1", "name": "older", "updated_at": t0},
			{"id": "H1", "name": "newest", "updated_at": t1},
			{"id": "H1", "name": "late", "updated_at": t0},
		},
	}

	changes, err := engine.Diff(extract, nil, runTime)
	require.NoError(t, err)

	require.Len(t, changes.Inserts, 1)
	assert.Equal(t, "newest", changes.Inserts[0].Payload["name"])
}

func TestEngine_Diff_IntervalIntegrity(t *testing.T) {
	t.Parallel()

	// Replays three consecutive runs against the same entity and verifies
	// that the resulting intervals are contiguous, non-overlapping, and end
	// with exactly one open version.
	engine := newTestEngine(t, Config{})

	type storedRow struct {
		VersionedRecord
	}
	history := make([]storedRow, 0)

	apply := func(changes *ChangeSet) {
		for _, closure := range append(changes.Closures, changes.Invalidations...) {
			for i := range history {
				if history[i].SurrogateKey == closure.SurrogateKey && history[i].IsCurrent {
					validTo := closure.ValidTo
					history[i].ValidTo = &validTo
					history[i].IsCurrent = false
				}
			}
		}
		for _, insert := range changes.Inserts {
			history = append(history, storedRow{insert})
		}
	}

	openVersions := func() []VersionedRecord {
		open := make([]VersionedRecord, 0)
		for _, row := range history {
			if row.IsCurrent {
				open = append(open, row.VersionedRecord)
			}
		}
		return open
	}

	states := []Record{
		{"id": "H1", "name": "v1", "updated_at": t0},
		{"id": "H1", "name": "v2", "updated_at": t1},
		{"id": "H1", "name": "v3", "updated_at": t1.Add(24 * time.Hour)},
	}
	for i, state := range states {
		changes, err := engine.Diff(&Extract{Rows: []Record{state}}, openVersions(), runTime.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
		apply(changes)
	}

	require.Len(t, history, 3)

	openCount := 0
	for i, row := range history {
		if row.IsCurrent {
			openCount++
			assert.Nil(t, row.ValidTo)
		} else {
			require.NotNil(t, row.ValidTo)
		}

		// Each closed interval must end exactly where the next one begins.
		if i > 0 {
			require.NotNil(t, history[i-1].ValidTo)
			assert.Equal(t, *history[i-1].ValidTo, row.ValidFrom)
		}
	}
	assert.Equal(t, 1, openCount)
}

func TestNewEngine_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewEngine(Config{Strategy: NewTimestampStrategy("updated_at")}, zap.NewNop().Sugar())
	assert.Error(t, err)

	_, err = NewEngine(Config{UniqueKey: []string{"id"}}, zap.NewNop().Sugar())
	assert.Error(t, err)
}
