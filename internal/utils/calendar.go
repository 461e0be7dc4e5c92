package utils

import "time"

// YearStart returns midnight UTC on January 1 of year.
func YearStart(year int) time.Time {
	return time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
}

// MonthsBetween counts calendar months from a to b in UTC, ignoring the day
// of month. It is negative when b precedes a.
func MonthsBetween(a, b time.Time) int {
	a, b = a.UTC(), b.UTC()
	return (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())
}

// PlausibleYear reports whether year could be a real install or service year
// as seen at now.
func PlausibleYear(year int, now time.Time) bool {
	return year >= 1950 && year <= now.UTC().Year()
}
