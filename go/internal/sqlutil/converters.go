package sqlutil

import (
	"database/sql"
	"time"
)

// Helpers for converting between Go types and sql.Null* types.

// NullString maps the empty string to SQL NULL.
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// NullTime converts a Go time pointer to sql.NullTime.
func NullTime(val *time.Time) sql.NullTime {
	if val == nil {
		return sql.NullTime{Valid: false}
	}
	return sql.NullTime{Time: *val, Valid: true}
}

// TimePtr converts sql.NullTime to a Go time pointer.
func TimePtr(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	t := val.Time
	return &t
}
