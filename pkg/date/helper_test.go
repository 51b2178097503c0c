package date

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_parseTime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected time.Time
		wantErr  bool
	}{
		{
			input:    "2024-01-31",
			expected: time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
		},
		{
			input:    "2024-01-31 15:04:05",
			expected: time.Date(2024, 1, 31, 15, 4, 5, 0, time.UTC),
		},
		{
			input:    "2024-01-31T15:04:05.000123",
			expected: time.Date(2024, 1, 31, 15, 4, 5, 123000, time.UTC),
		},
		{
			input:   "31/01/2024",
			wantErr: true,
		},
		{
			input:   "not a date",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got, err := ParseTime(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			assert.NoError(t, err)
			assert.True(t, tt.expected.Equal(got))
		})
	}
}

func TestTimestampLiteral(t *testing.T) {
	t.Parallel()

	instant := time.Date(2024, 3, 1, 12, 30, 0, 500000000, time.FixedZone("CET", 3600))
	assert.Equal(t, "'2024-03-01 11:30:00.500000'", TimestampLiteral(instant))
}
