package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "calplan/internal/log"
)

// VEvent is one parsed VEVENT with absolute start and end instants.
type VEvent struct {
	UID      string
	Sequence int
	Status   string

	Summary     string
	Description string
	Location    string

	Start  time.Time
	End    time.Time
	AllDay bool
	// TZID of DTSTART, empty for UTC, floating and date values.
	TZID string

	RRule   string
	ExDates []time.Time
	// RecurrenceID is set on an override of one instance of a series.
	RecurrenceID *time.Time
}

// Cancelled reports STATUS:CANCELLED.
func (e VEvent) Cancelled() bool {
	return strings.EqualFold(e.Status, "CANCELLED")
}

// Parse reads every VEVENT of an ICS payload. Events with a missing UID or an
// unreadable DTSTART are skipped and logged.
func Parse(body []byte) ([]VEvent, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("ics: empty body")
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ics: parse calendar: %w", err)
	}

	events := make([]VEvent, 0)
	for _, comp := range cal.Events() {
		ev, err := parseVEvent(comp)
		if err != nil {
			appLog.Debug("ics: skipping vevent", "err", err.Error())
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func parseVEvent(ve *ical.VEvent) (VEvent, error) {
	var out VEvent

	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || strings.TrimSpace(uid.Value) == "" {
		return out, errors.New("missing UID")
	}
	out.UID = strings.TrimSpace(uid.Value)

	if p := ve.GetProperty(ical.ComponentPropertySequence); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			out.Sequence = n
		}
	}
	if p := ve.GetProperty("STATUS"); p != nil {
		out.Status = strings.TrimSpace(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, fmt.Errorf("%s: missing DTSTART", out.UID)
	}
	start, allDay, err := parseTime(dtStart.Value, dtStart.ICalParameters)
	if err != nil {
		return out, fmt.Errorf("%s: DTSTART: %w", out.UID, err)
	}
	out.Start = start
	out.AllDay = allDay
	out.TZID = param(dtStart.ICalParameters, "TZID")

	switch dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); {
	case dtEnd != nil:
		end, _, err := parseTime(dtEnd.Value, dtEnd.ICalParameters)
		if err != nil {
			return out, fmt.Errorf("%s: DTEND: %w", out.UID, err)
		}
		out.End = end
	case allDay:
		out.End = start.AddDate(0, 0, 1)
	default:
		out.End = start
	}
	if out.End.Before(out.Start) {
		out.End = out.Start
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RRule = strings.TrimSpace(p.Value)
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, _, err := parseTime(part, p.ICalParameters); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	if p := ve.GetProperty("RECURRENCE-ID"); p != nil {
		t, _, err := parseTime(p.Value, p.ICalParameters)
		if err != nil {
			return out, fmt.Errorf("%s: RECURRENCE-ID: %w", out.UID, err)
		}
		out.RecurrenceID = &t
	}

	return out, nil
}

const (
	dateLayout     = "20060102"
	dateTimeLayout = "20060102T150405"
)

// parseTime reads a DATE or DATE-TIME value. Dates and floating times are
// taken as UTC; a TZID that does not resolve falls back to UTC.
func parseTime(v string, params map[string][]string) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	if strings.EqualFold(param(params, "VALUE"), "DATE") || !strings.Contains(v, "T") {
		t, err := time.ParseInLocation(dateLayout, v[:min(len(v), len(dateLayout))], time.UTC)
		return t, true, err
	}

	if strings.HasSuffix(v, "Z") || strings.HasSuffix(v, "z") {
		t, err := time.ParseInLocation(dateTimeLayout, v[:len(v)-1], time.UTC)
		return t, false, err
	}

	loc := time.UTC
	if tzid := param(params, "TZID"); tzid != "" {
		if l, err := time.LoadLocation(strings.Trim(tzid, `"`)); err == nil {
			loc = l
		} else {
			appLog.Debug("ics: unknown TZID, using UTC", "tzid", tzid)
		}
	}
	t, err := time.ParseInLocation(dateTimeLayout, v, loc)
	return t, false, err
}

func param(params map[string][]string, key string) string {
	for k, vs := range params {
		if strings.EqualFold(k, key) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}
