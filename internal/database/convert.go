package database

import (
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// Constructors for the pgtype values the query layer takes. Each returns
// a valid (non-null) value unless noted otherwise.

func Text(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: true}
}

// TextOrNull maps the empty string to SQL NULL.
func TextOrNull(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

// TextPtr maps a nil pointer to SQL NULL.
func TextPtr(p *string) pgtype.Text {
	if p == nil {
		return pgtype.Text{}
	}
	return pgtype.Text{String: *p, Valid: true}
}

func Int4(v int32) pgtype.Int4 {
	return pgtype.Int4{Int32: v, Valid: true}
}

func Int4Ptr(p *int32) pgtype.Int4 {
	if p == nil {
		return pgtype.Int4{}
	}
	return pgtype.Int4{Int32: *p, Valid: true}
}

func Int8(v int64) pgtype.Int8 {
	return pgtype.Int8{Int64: v, Valid: true}
}

func Float8(v float64) pgtype.Float8 {
	return pgtype.Float8{Float64: v, Valid: true}
}

func Float8Ptr(p *float64) pgtype.Float8 {
	if p == nil {
		return pgtype.Float8{}
	}
	return pgtype.Float8{Float64: *p, Valid: true}
}

func Timestamptz(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: true}
}

// Now returns the current time as a timestamptz value.
func Now() pgtype.Timestamptz {
	return Timestamptz(time.Now().UTC())
}
