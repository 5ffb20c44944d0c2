package sqlutil

import "time"

// SQLite has no time type; the stores keep timestamps as Unix milliseconds.

// ToMillis converts a time to Unix milliseconds in UTC.
func ToMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

// FromMillis converts Unix milliseconds back to a UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
