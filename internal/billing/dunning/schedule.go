// Package dunning computes retry deadlines for recoverable payment
// failures on a bounded schedule.
package dunning

import "time"

// DefaultIntervals spans roughly 21 days over 5 attempts.
var DefaultIntervals = []time.Duration{
	24 * time.Hour,
	72 * time.Hour,
	120 * time.Hour,
	168 * time.Hour,
	120 * time.Hour,
}

// Schedule is an immutable sequence of retry intervals. attemptsSoFar
// indexes into it: the first failure (attemptsSoFar=0) schedules a retry
// after intervals[0], and once every interval is consumed further failures
// are exhausted.
type Schedule struct {
	intervals []time.Duration
}

// NewSchedule builds a schedule from the given intervals; nil or empty
// falls back to the default.
func NewSchedule(intervals []time.Duration) Schedule {
	if len(intervals) == 0 {
		intervals = DefaultIntervals
	}
	copied := make([]time.Duration, len(intervals))
	copy(copied, intervals)
	return Schedule{intervals: copied}
}

// Default returns the stock 1d, 3d, 5d, 7d, 5d schedule.
func Default() Schedule {
	return NewSchedule(nil)
}

// NextRetryAt returns the deadline for the retry after the given number of
// failed attempts, or ok=false when the schedule is exhausted.
func (s Schedule) NextRetryAt(attemptsSoFar int, now time.Time) (time.Time, bool) {
	if attemptsSoFar < 0 || attemptsSoFar >= len(s.intervals) {
		return time.Time{}, false
	}
	return now.Add(s.intervals[attemptsSoFar]), true
}

// MaxAttempts is the total number of charge attempts the schedule allows
// for one order.
func (s Schedule) MaxAttempts() int {
	return len(s.intervals)
}

// Exhausted reports whether another failure after attemptsSoFar attempts
// would exceed the schedule.
func (s Schedule) Exhausted(attemptsSoFar int) bool {
	return attemptsSoFar >= len(s.intervals)
}
