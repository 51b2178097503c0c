package window

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeReader struct {
	watermark *time.Time
	err       error
}

func (f *fakeReader) Watermark(ctx context.Context, table, column string) (*time.Time, error) {
	return f.watermark, f.err
}

func TestSelector_ForStream(t *testing.T) {
	t.Parallel()

	watermark := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	t.Run("watermark mode uses a strict lower bound", func(t *testing.T) {
		t.Parallel()

		selector := NewSelector(&fakeReader{watermark: &watermark}, zap.NewNop().Sugar())
		w, err := selector.ForStream(context.Background(), "events", "loaded_at")
		require.NoError(t, err)

		assert.Equal(t, IncrementalRun, w.Mode)
		assert.Equal(t, "loaded_at > '2024-05-01 00:00:00.000000'", w.Predicate())

		// The boundary row itself must never be re-selected.
		assert.False(t, w.Contains(watermark))
		assert.True(t, w.Contains(watermark.Add(time.Microsecond)))
		assert.False(t, w.Contains(watermark.Add(-time.Second)))
	})

	t.Run("first run selects everything", func(t *testing.T) {
		t.Parallel()

		selector := NewSelector(&fakeReader{}, zap.NewNop().Sugar())
		w, err := selector.ForStream(context.Background(), "events", "loaded_at")
		require.NoError(t, err)

		assert.Equal(t, FirstRun, w.Mode)
		assert.Empty(t, w.Predicate())
		assert.True(t, w.Contains(time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)))
	})

	t.Run("reader failures propagate", func(t *testing.T) {
		t.Parallel()

		selector := NewSelector(&fakeReader{err: errors.New("connection refused")}, zap.NewNop().Sugar())
		_, err := selector.ForStream(context.Background(), "events", "loaded_at")
		assert.ErrorContains(t, err, "failed to read the watermark for events.loaded_at")
	})
}

func TestSelector_Explicit(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	selector := NewSelector(&fakeReader{}, zap.NewNop().Sugar())
	w, err := selector.Explicit("loaded_at", start, end)
	require.NoError(t, err)

	assert.Equal(t, "loaded_at >= '2024-01-01 00:00:00.000000' AND loaded_at < '2024-02-01 00:00:00.000000'", w.Predicate())

	// Inclusive start, exclusive end; rows newer than any stored watermark
	// but outside the bounds are excluded.
	assert.True(t, w.Contains(start))
	assert.False(t, w.Contains(end))
	assert.True(t, w.Contains(end.Add(-time.Second)))
	assert.False(t, w.Contains(end.Add(24*time.Hour)))

	_, err = selector.Explicit("loaded_at", end, start)
	assert.Error(t, err)
}
