// Package calsync mirrors external calendars into the local store.
//
// One sync fetches a calendar through its provider adapter and reconciles the
// result into the store in a single transaction: delete directives remove
// rows, everything else is upserted by (calendar, external id), snapshot
// results also remove rows the provider no longer lists, and the next cursor
// is saved alongside. A failure anywhere rolls the whole reconciliation back.
package calsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	appLog "calplan/internal/log"
	"calplan/internal/model"
	"calplan/internal/provider"
	"calplan/internal/store"
)

// Store is the persistence the orchestrator needs. *store.Store satisfies it.
type Store interface {
	GetCalendar(ctx context.Context, id string) (model.Calendar, error)
	ListActiveCalendars(ctx context.Context) ([]model.Calendar, error)
	ListKids(ctx context.Context, userID string) ([]model.Kid, error)
	UpdateCredentials(ctx context.Context, calendarID, credentials string) error
	SetSyncToken(ctx context.Context, calendarID, token string) error
	InTx(ctx context.Context, fn func(store.EventTx) error) error
}

// Result counts the rows a sync touched.
type Result struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
}

type Orchestrator struct {
	store    Store
	adapters map[model.Provider]provider.Adapter
	now      func() time.Time
}

type Option func(*Orchestrator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(st Store, adapters map[model.Provider]provider.Adapter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    st,
		adapters: adapters,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SyncCalendar runs one sync of the calendar. An invalid cursor is cleared
// and followed by exactly one full sync.
func (o *Orchestrator) SyncCalendar(ctx context.Context, calendarID string) (Result, error) {
	started := o.now()

	cal, err := o.store.GetCalendar(ctx, calendarID)
	if err != nil {
		return Result{}, err
	}
	kids, err := o.store.ListKids(ctx, cal.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("load kids for calendar %s: %w", cal.ID, err)
	}
	adapter, ok := o.adapters[cal.Provider]
	if !ok {
		return Result{}, fmt.Errorf("calsync: no adapter for provider %q (calendar %s)", cal.Provider, cal.ID)
	}

	rotate := func(ctx context.Context, credentials string) error {
		if err := o.store.UpdateCredentials(ctx, cal.ID, credentials); err != nil {
			return err
		}
		cal.Credentials = credentials
		appLog.Info("calendar credentials rotated", "calendar_id", cal.ID, "provider", string(cal.Provider))
		return nil
	}

	res, err := adapter.Fetch(ctx, provider.Request{Calendar: cal, Cursor: provider.Cursor(cal.SyncToken), Rotate: rotate})
	if errors.Is(err, provider.ErrCursorInvalid) && cal.SyncToken != "" {
		appLog.Warn("sync cursor invalid, running full sync",
			"calendar_id", cal.ID,
			"provider", string(cal.Provider),
			"err", err.Error(),
		)
		if err := o.store.SetSyncToken(ctx, cal.ID, ""); err != nil {
			return Result{}, fmt.Errorf("clear cursor of calendar %s: %w", cal.ID, err)
		}
		cal.SyncToken = ""

		res, err = adapter.Fetch(ctx, provider.Request{Calendar: cal, Rotate: rotate})
		if errors.Is(err, provider.ErrCursorInvalid) {
			err = &provider.Error{Provider: cal.Provider, Err: fmt.Errorf("full sync after cursor reset: %w", err)}
		}
	}
	if err != nil {
		return Result{}, fmt.Errorf("sync calendar %s: %w", cal.ID, err)
	}

	next := string(res.NextCursor)
	switch {
	case res.Snapshot:
		next = ""
	case next == "":
		// Empty after a reset, otherwise the cursor we synced from.
		next = cal.SyncToken
	}

	now := o.now()
	var out Result
	err = o.store.InTx(ctx, func(tx store.EventTx) error {
		out = Result{}
		seen := make(map[string]struct{}, len(res.Events))
		for _, ev := range res.Events {
			if ev.ExternalID == "" {
				continue
			}
			if ev.Deleted {
				n, err := tx.DeleteEvent(ctx, cal.ID, ev.ExternalID)
				if err != nil {
					return err
				}
				out.Deleted += int(n)
				continue
			}

			seen[ev.ExternalID] = struct{}{}
			created, err := tx.UpsertEvent(ctx, model.CalendarEvent{
				CalendarID:  cal.ID,
				ExternalID:  ev.ExternalID,
				Title:       ev.Title,
				Description: ev.Description,
				Location:    ev.Location,
				Start:       ev.Start,
				End:         ev.End,
				AllDay:      ev.AllDay,
				KidID:       AutoTag(ev.Title, kids),
				Raw:         ev.Raw,
			}, now)
			if err != nil {
				return err
			}
			if created {
				out.Created++
			} else {
				out.Updated++
			}
		}

		if res.Snapshot {
			stored, err := tx.ListExternalIDs(ctx, cal.ID)
			if err != nil {
				return err
			}
			for _, id := range stored {
				if _, ok := seen[id]; ok {
					continue
				}
				n, err := tx.DeleteEvent(ctx, cal.ID, id)
				if err != nil {
					return err
				}
				out.Deleted += int(n)
			}
		}

		return tx.SaveSyncState(ctx, cal.ID, next, now)
	})
	if err != nil {
		return Result{}, fmt.Errorf("reconcile calendar %s: %w", cal.ID, err)
	}

	appLog.Info("calendar synced",
		"calendar_id", cal.ID,
		"provider", string(cal.Provider),
		"created", out.Created,
		"updated", out.Updated,
		"deleted", out.Deleted,
		"took_ms", o.now().Sub(started).Milliseconds(),
	)
	return out, nil
}

// SyncAllCalendars syncs every active calendar in turn and returns how many
// succeeded. A failing calendar is logged and skipped; only a failure to list
// the calendars, or a cancelled context, is returned.
func (o *Orchestrator) SyncAllCalendars(ctx context.Context) (int, error) {
	cals, err := o.store.ListActiveCalendars(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active calendars: %w", err)
	}

	synced := 0
	for _, cal := range cals {
		if err := ctx.Err(); err != nil {
			return synced, err
		}
		if _, err := o.SyncCalendar(ctx, cal.ID); err != nil {
			appLog.Error("calendar sync failed", err,
				"calendar_id", cal.ID,
				"provider", string(cal.Provider),
				"transient", provider.IsTransient(err),
			)
			continue
		}
		synced++
	}

	appLog.Info("calendar sync batch finished", "calendars", len(cals), "synced", synced)
	return synced, nil
}

// AutoTag returns the id of the first kid with a keyword contained in title,
// compared case-insensitively. Kids are tried in the given order and blank
// keywords never match. It returns "" when nothing matches.
func AutoTag(title string, kids []model.Kid) string {
	lower := strings.ToLower(title)
	for _, k := range kids {
		for _, kw := range k.Keywords {
			kw = strings.TrimSpace(kw)
			if kw == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(kw)) {
				return k.ID
			}
		}
	}
	return ""
}
