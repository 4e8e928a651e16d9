// Package ics syncs calendars published as ICS feeds, such as Proton Calendar
// share links. Feeds carry no cursor and no delete signal: every fetch returns
// the whole calendar as a snapshot.
package ics

import (
	"context"
	"fmt"
	"time"

	appLog "calplan/internal/log"
	"calplan/internal/provider"
)

type Options struct {
	// CacheDir holds the last good body of every feed. Empty disables it.
	CacheDir       string
	Window         provider.Window
	Now            func() time.Time
	MaxOccurrences int
}

type Adapter struct {
	fetcher        *Fetcher
	window         provider.Window
	now            func() time.Time
	maxOccurrences int
}

func New(client *provider.HTTPClient, opts Options) *Adapter {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Adapter{
		fetcher:        NewFetcher(client, opts.CacheDir),
		window:         opts.Window,
		now:            opts.Now,
		maxOccurrences: opts.MaxOccurrences,
	}
}

// Fetch downloads and expands the feed. The request cursor is ignored and the
// result never carries one.
func (a *Adapter) Fetch(ctx context.Context, req provider.Request) (provider.Result, error) {
	cal := req.Calendar
	if cal.ICSURL == "" {
		return provider.Result{}, fmt.Errorf("%w: calendar %s has no feed URL", provider.ErrAuth, cal.ID)
	}

	fetched, err := a.fetcher.Fetch(ctx, cal.ID, cal.ICSURL)
	if err != nil {
		return provider.Result{}, err
	}

	parsed, err := Parse(fetched.Body)
	if err != nil {
		return provider.Result{}, fmt.Errorf("calendar %s: %w", cal.ID, err)
	}

	from, to := a.window.Range(a.now())
	events, err := Expand(parsed, ExpandConfig{RangeStart: from, RangeEnd: to, MaxOccurrences: a.maxOccurrences})
	if err != nil {
		return provider.Result{}, err
	}

	appLog.Info("ics feed parsed",
		"calendar_id", cal.ID,
		"url", redactURL(cal.ICSURL),
		"from_cache", fetched.FromCache,
		"vevents", len(parsed),
		"event_count", len(events),
	)
	return provider.Result{Events: events, Snapshot: true}, nil
}
