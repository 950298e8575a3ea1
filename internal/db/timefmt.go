package db

import (
	"database/sql"
	"fmt"
	"time"
)

// TimeLayout is fixed-width so stored strings sort chronologically.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// FormatTime renders t as ISO-8601 in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a value written by FormatTime (or any RFC 3339 string).
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// NullTime formats an optional time; the zero time becomes NULL.
func NullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: FormatTime(t), Valid: true}
}

// ParseNullTime parses an optional column; NULL becomes the zero time.
func ParseNullTime(ns sql.NullString) (time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return time.Time{}, nil
	}
	return ParseTime(ns.String)
}
