package eventclock

import (
	"testing"
	"time"

	"firehose-ingest/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldRollBoundary(t *testing.T) {
	cur := time.Date(2021, 3, 15, 6, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"same hour start", cur, false},
		{"last millisecond", cur.Add(59*time.Minute + 59*time.Second + 999*time.Millisecond), false},
		{"exact next hour", cur.Add(time.Hour), true},
		{"two hours later", cur.Add(2*time.Hour + 30*time.Minute), true},
		{"late record", cur.Add(-10 * time.Minute), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldRoll(cur, tt.at))
		})
	}
}

func TestTruncateToHour(t *testing.T) {
	in := time.Date(2021, 3, 15, 7, 30, 12, 500, time.FixedZone("KST", 9*60*60))
	got := TruncateToHour(in)

	assert.Equal(t, time.UTC, got.Location())
	assert.True(t, got.Equal(time.Date(2021, 3, 14, 22, 0, 0, 0, time.UTC)))
}

func TestEventTime(t *testing.T) {
	got, ok := EventTime(model.Record{"created_at": "Mon Mar 15 06:59:59 +0000 2021"})
	require.True(t, ok)
	assert.True(t, got.Equal(time.Date(2021, 3, 15, 6, 59, 59, 0, time.UTC)))

	got, ok = EventTime(model.Record{"created_at": "Mon Mar 15 16:00:00 +0900 2021"})
	require.True(t, ok)
	assert.Equal(t, 7, got.Hour())

	for _, r := range []model.Record{
		{},
		{"created_at": ""},
		{"created_at": 12345},
		{"created_at": "2021-03-15T07:00:00Z"},
		{"delete": map[string]any{"status": map[string]any{"id": 1}}},
	} {
		_, ok := EventTime(r)
		assert.False(t, ok, "%v", r)
	}
}
