package ics

import (
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "calplan/internal/log"
	"calplan/internal/provider"
)

const defaultMaxOccurrences = 5000

// ExpandConfig bounds recurrence expansion.
type ExpandConfig struct {
	// RangeStart and RangeEnd select the occurrences of recurring series.
	// Single events are kept whatever their date.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrences caps each series. Zero selects 5000.
	MaxOccurrences int
}

// Expand turns parsed VEVENTs into normalized events. Recurring series become
// one event per occurrence with external id UID/<RFC 3339 UTC start>, where
// the start is the original slot even when an override moved it. Cancelled
// events and cancelled overrides are left out.
func Expand(events []VEvent, cfg ExpandConfig) ([]provider.Event, error) {
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return nil, errors.New("ics: expand range ends before it starts")
	}
	if cfg.MaxOccurrences <= 0 {
		cfg.MaxOccurrences = defaultMaxOccurrences
	}

	// The highest SEQUENCE wins when a feed repeats a UID.
	masters := map[string]VEvent{}
	overrides := map[string]map[int64]VEvent{}
	var order []string
	for _, ev := range events {
		if ev.RecurrenceID != nil {
			byStart := overrides[ev.UID]
			if byStart == nil {
				byStart = map[int64]VEvent{}
				overrides[ev.UID] = byStart
			}
			key := ev.RecurrenceID.Unix()
			if prev, ok := byStart[key]; !ok || ev.Sequence >= prev.Sequence {
				byStart[key] = ev
			}
			continue
		}
		prev, ok := masters[ev.UID]
		if !ok {
			order = append(order, ev.UID)
		}
		if !ok || ev.Sequence >= prev.Sequence {
			masters[ev.UID] = ev
		}
	}

	out := make([]provider.Event, 0, len(masters))
	for _, uid := range order {
		master := masters[uid]
		if master.Cancelled() {
			continue
		}
		if master.RRule == "" {
			if o, ok := overrides[uid][master.Start.Unix()]; ok {
				master = o
			}
			out = append(out, toEvent(uid, master))
			continue
		}
		out = append(out, expandSeries(master, overrides[uid], cfg)...)
	}

	// Overrides whose series is not in the feed stand alone.
	for uid, byStart := range overrides {
		if _, ok := masters[uid]; ok {
			continue
		}
		keys := make([]int64, 0, len(byStart))
		for k := range byStart {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		for _, k := range keys {
			o := byStart[k]
			if o.Cancelled() {
				continue
			}
			out = append(out, toEvent(occurrenceID(uid, *o.RecurrenceID), o))
		}
	}
	return out, nil
}

func expandSeries(master VEvent, overrides map[int64]VEvent, cfg ExpandConfig) []provider.Event {
	r, err := rrule.StrToRRule(master.RRule)
	if err != nil {
		appLog.Warn("ics: unreadable RRULE, series skipped", "uid", master.UID, "rrule", master.RRule, "err", err.Error())
		return nil
	}
	r.DTStart(master.Start)

	set := &rrule.Set{}
	set.RRule(r)
	for _, ex := range master.ExDates {
		set.ExDate(ex.In(master.Start.Location()))
	}

	dur := master.End.Sub(master.Start)
	from := cfg.RangeStart.Add(-dur).In(master.Start.Location())
	to := cfg.RangeEnd.In(master.Start.Location())
	starts := set.Between(from, to, true)
	if len(starts) > cfg.MaxOccurrences {
		appLog.Warn("ics: series truncated", "uid", master.UID, "cap", cfg.MaxOccurrences)
		starts = starts[:cfg.MaxOccurrences]
	}

	out := make([]provider.Event, 0, len(starts))
	for _, s := range starts {
		inst := master
		inst.Start = s
		inst.End = s.Add(dur)
		if o, ok := overrides[s.Unix()]; ok {
			if o.Cancelled() {
				continue
			}
			inst = o
		}
		if !inst.End.After(cfg.RangeStart) && !inst.Start.Equal(cfg.RangeStart) {
			continue
		}
		out = append(out, toEvent(occurrenceID(master.UID, s), inst))
	}
	return out
}

func occurrenceID(uid string, start time.Time) string {
	return uid + "/" + start.UTC().Format(time.RFC3339)
}

type rawEvent struct {
	UID          string `json:"uid"`
	Sequence     int    `json:"sequence,omitempty"`
	Status       string `json:"status,omitempty"`
	TZID         string `json:"tzid,omitempty"`
	RRule        string `json:"rrule,omitempty"`
	RecurrenceID string `json:"recurrence_id,omitempty"`
}

func toEvent(externalID string, ev VEvent) provider.Event {
	raw := rawEvent{
		UID:      ev.UID,
		Sequence: ev.Sequence,
		Status:   ev.Status,
		TZID:     ev.TZID,
		RRule:    ev.RRule,
	}
	if ev.RecurrenceID != nil {
		raw.RecurrenceID = ev.RecurrenceID.UTC().Format(time.RFC3339)
	}
	b, _ := json.Marshal(raw)

	return provider.Event{
		ExternalID:  externalID,
		Title:       provider.Title(ev.Summary),
		Description: ev.Description,
		Location:    ev.Location,
		Start:       ev.Start.UTC(),
		End:         ev.End.UTC(),
		AllDay:      ev.AllDay,
		Raw:         b,
	}
}
