// Package tzwindow resolves calendar dates in an IANA timezone to UTC
// instants.
//
// Local midnight is found by probing the zone offset at 12:00 UTC on the
// requested date and applying it to nominal UTC midnight. For a date whose DST
// transition happens between 00:00 and 12:00 local time the result is off by
// the size of the transition. This is a known limitation.
package tzwindow

import (
	"fmt"
	"time"
)

// DateLayout is the "YYYY-MM-DD" form used for calendar dates.
const DateLayout = "2006-01-02"

const day = 24 * time.Hour

// LoadLocation resolves an IANA zone name. An empty name means UTC.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("tzwindow: unknown timezone %q: %w", name, err)
	}
	return loc, nil
}

// ParseDate parses a YYYY-MM-DD string as a UTC calendar date.
func ParseDate(date string) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, date, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("tzwindow: invalid date %q: %w", date, err)
	}
	return d, nil
}

// Midnight returns the UTC instant of local midnight on date in loc.
func Midnight(date string, loc *time.Location) (time.Time, error) {
	nominal, err := ParseDate(date)
	if err != nil {
		return time.Time{}, err
	}
	probe := nominal.Add(12 * time.Hour)
	_, offset := probe.In(loc).Zone()
	return nominal.Add(-time.Duration(offset) * time.Second), nil
}

// DayWindow returns [local midnight, +24h) for date in the named timezone.
func DayWindow(date, timezone string) (time.Time, time.Time, error) {
	loc, err := LoadLocation(timezone)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	start, err := Midnight(date, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, start.Add(day), nil
}

// WeekWindow returns [Monday local midnight, +7 days) for the week that
// contains date. Sunday belongs to the week that started six days earlier.
func WeekWindow(date, timezone string) (time.Time, time.Time, error) {
	loc, err := LoadLocation(timezone)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	d, err := ParseDate(date)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	sinceMonday := (int(d.Weekday()) + 6) % 7
	monday := d.AddDate(0, 0, -sinceMonday).Format(DateLayout)
	start, err := Midnight(monday, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, start.Add(7 * day), nil
}

// Today returns the calendar date of now as seen in loc.
func Today(now time.Time, loc *time.Location) string {
	return now.In(loc).Format(DateLayout)
}

// AddDays shifts a YYYY-MM-DD date by n calendar days.
func AddDays(date string, n int) (string, error) {
	d, err := ParseDate(date)
	if err != nil {
		return "", err
	}
	return d.AddDate(0, 0, n).Format(DateLayout), nil
}

// Weekday returns the day of the week of a calendar date. It does not depend
// on any timezone.
func Weekday(date string) (time.Weekday, error) {
	d, err := ParseDate(date)
	if err != nil {
		return 0, err
	}
	return d.Weekday(), nil
}
