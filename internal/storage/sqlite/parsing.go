package sqlite

import (
	"database/sql"
	"time"
)

// timeLayouts are the formats the driver and SQLite date functions emit.
// The ncruces/go-sqlite3 driver only auto-converts TEXT→time.Time for
// columns declared DATETIME; expressions (MIN/MAX, date()) come back as
// strings and must be parsed manually.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTimeString parses a timestamp expression result. Returns zero time
// when unparsable, which should not happen with valid data.
func parseTimeString(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// parseNullableTimeString parses a nullable timestamp expression result.
func parseNullableTimeString(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTimeString(ns.String)
	if t.IsZero() {
		return nil
	}
	return &t
}
