// Package daterange splits a batch time window into single calendar-day
// windows.
package daterange

import (
	"time"

	"github.com/JakeFAU/arrest-records-crawler/internal/crawler"
)

// SearchLayout is the date format the search endpoints expect.
const SearchLayout = "01/02/2006"

// Days returns the consecutive day windows covering [start, end) in loc.
// The bounds are read by their wall clock, so a batch stored as UTC midnights
// searches the same calendar dates in any loc. Each step advances one
// calendar day, so DST transitions produce 23h or 25h windows rather than
// drifting off midnight. The last window is clamped to end. start >= end
// yields no windows.
func Days(start, end time.Time, loc *time.Location) []crawler.Window {
	var out []crawler.Window
	Each(start, end, loc, func(w crawler.Window) bool {
		out = append(out, w)
		return true
	})
	return out
}

// Each calls fn for every day window in chronological order and stops early
// when fn returns false.
func Each(start, end time.Time, loc *time.Location, fn func(crawler.Window) bool) {
	if loc == nil {
		loc = time.UTC
	}
	cursor := Rebase(start, loc)
	stop := Rebase(end, loc)
	for cursor.Before(stop) {
		next := cursor.AddDate(0, 0, 1)
		if next.After(stop) {
			next = stop
		}
		if !fn(crawler.Window{Start: cursor, End: next}) {
			return
		}
		cursor = next
	}
}

// Count returns the number of windows Days would produce.
func Count(start, end time.Time, loc *time.Location) int {
	n := 0
	Each(start, end, loc, func(crawler.Window) bool {
		n++
		return true
	})
	return n
}

// Rebase keeps t's wall clock and moves it into loc.
func Rebase(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}

// FormatSearchDate renders t as the search endpoint's MM/DD/YYYY date.
func FormatSearchDate(t time.Time) string {
	return t.Format(SearchLayout)
}

// StartOfDay truncates t to midnight in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
