package timeutil

import "time"

// Now returns the current time in UTC
// Always use this instead of time.Now() to ensure timezone consistency
func Now() time.Time {
	return time.Now().UTC()
}

// ToUTC converts a time.Time to UTC if it isn't already
func ToUTC(t time.Time) time.Time {
	return t.UTC()
}

// UnixPtr returns a pointer to t's unix seconds, for optional webhook
// payload fields.
func UnixPtr(t time.Time) *int64 {
	u := t.Unix()
	return &u
}
