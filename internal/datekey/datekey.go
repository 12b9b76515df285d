// Package datekey normalizes instants to calendar-day identifiers.
//
// A day key is a "YYYY-MM-DD" string in the instant's own location, so
// every instant within the same local calendar day maps to the same key
// and keys compare chronologically with plain string ordering.
package datekey

import "time"

const layout = "2006-01-02"

// Epoch is the watermark sentinel for users that have never had a
// generation pass.
const Epoch = "1970-01-01"

// Day returns the calendar-day key for t in t's location.
func Day(t time.Time) string {
	return t.Format(layout)
}

// Weekday returns the day of week for t, 0 = Sunday through 6 = Saturday.
func Weekday(t time.Time) int {
	return int(t.Weekday())
}

// Parse converts a day key back to the midnight instant in loc.
func Parse(key string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(layout, key, loc)
}

// IsValid reports whether key is a well-formed day key.
func IsValid(key string) bool {
	_, err := time.Parse(layout, key)
	return err == nil && len(key) == len(layout)
}
