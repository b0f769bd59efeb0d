package icron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetTriggerInfo(t *testing.T) {
	ref := time.Date(2026, 3, 10, 12, 30, 20, 0, time.UTC)

	tests := []struct {
		name     string
		expr     string
		wantNext time.Time
		wantLast time.Time
	}{
		{
			name:     "every minute",
			expr:     "* * * * *",
			wantNext: time.Date(2026, 3, 10, 12, 31, 0, 0, time.UTC),
			wantLast: time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC),
		},
		{
			name:     "daily at midnight",
			expr:     "0 0 * * *",
			wantNext: time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC),
			wantLast: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "with seconds field",
			expr:     "*/10 * * * * *",
			wantNext: time.Date(2026, 3, 10, 12, 30, 30, 0, time.UTC),
			wantLast: time.Date(2026, 3, 10, 12, 30, 20, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := GetTriggerInfo(tt.expr, ref)
			require.NoError(t, err)
			assert.Equal(t, tt.wantNext, info.Next)
			assert.Equal(t, tt.wantLast, info.Last)
			assert.Equal(t, tt.wantNext.Sub(ref), info.TimeUntilNext)
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse("not a cron")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cron expression")
}
