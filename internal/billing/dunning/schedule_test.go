package dunning

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextRetryAt_WalksTheSchedule(t *testing.T) {
	s := Default()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	wantOffsets := []time.Duration{
		24 * time.Hour,
		72 * time.Hour,
		120 * time.Hour,
		168 * time.Hour,
		120 * time.Hour,
	}

	for attempts, offset := range wantOffsets {
		at, ok := s.NextRetryAt(attempts, now)
		require.True(t, ok, "attempt %d should schedule a retry", attempts)
		assert.Equal(t, now.Add(offset), at)
	}
}

func TestNextRetryAt_Exhausted(t *testing.T) {
	s := Default()
	now := time.Now()

	_, ok := s.NextRetryAt(5, now)
	assert.False(t, ok)
	_, ok = s.NextRetryAt(99, now)
	assert.False(t, ok)
	_, ok = s.NextRetryAt(-1, now)
	assert.False(t, ok)
}

func TestMaxAttempts(t *testing.T) {
	assert.Equal(t, 5, Default().MaxAttempts())
	assert.Equal(t, 2, NewSchedule([]time.Duration{time.Hour, time.Hour}).MaxAttempts())
}

func TestExhausted(t *testing.T) {
	s := Default()
	assert.False(t, s.Exhausted(4))
	assert.True(t, s.Exhausted(5))
}

func TestNewSchedule_CopiesInput(t *testing.T) {
	intervals := []time.Duration{time.Hour}
	s := NewSchedule(intervals)
	intervals[0] = 99 * time.Hour

	now := time.Now()
	at, ok := s.NextRetryAt(0, now)
	require.True(t, ok)
	assert.Equal(t, now.Add(time.Hour), at)
}

func TestTotalWindowRoughlyThreeWeeks(t *testing.T) {
	var total time.Duration
	for _, d := range DefaultIntervals {
		total += d
	}
	assert.Equal(t, 21*24*time.Hour, total)
}
