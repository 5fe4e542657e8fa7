package gsmgate

import "time"

// dayLayout is the format of UsageQuota.Date
const dayLayout = "2006-01-02"

// dayKey returns the calendar day of t in loc. The same instant can fall on
// different days for users in different locations.
func dayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(dayLayout)
}

// startOfDay returns midnight of t's calendar day in loc
func startOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	tt := t.In(loc)
	return time.Date(tt.Year(), tt.Month(), tt.Day(), 0, 0, 0, 0, loc)
}

// nextDay returns the instant the day bucket containing t rolls over.
// Adding a calendar day (not 24h) keeps DST transitions correct.
func nextDay(t time.Time, loc *time.Location) time.Time {
	return startOfDay(t, loc).AddDate(0, 0, 1)
}
