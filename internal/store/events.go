package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"calplan/internal/model"
)

// EventTx is the reconciliation view of one store transaction.
type EventTx interface {
	// UpsertEvent writes ev keyed by (CalendarID, ExternalID) and reports
	// whether a new row was created.
	UpsertEvent(ctx context.Context, ev model.CalendarEvent, now time.Time) (bool, error)
	// DeleteEvent removes one event and returns the number of rows removed.
	DeleteEvent(ctx context.Context, calendarID, externalID string) (int64, error)
	ListExternalIDs(ctx context.Context, calendarID string) ([]string, error)
	// SaveSyncState records the cursor and completion time of a sync.
	SaveSyncState(ctx context.Context, calendarID, cursor string, at time.Time) error
}

type eventTx struct {
	tx *sql.Tx
}

// InTx runs fn in one transaction. Everything fn wrote is rolled back when it
// returns an error.
func (s *Store) InTx(ctx context.Context, fn func(EventTx) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return fn(eventTx{tx: tx})
	})
}

func (t eventTx) UpsertEvent(ctx context.Context, ev model.CalendarEvent, now time.Time) (bool, error) {
	var id string
	err := t.tx.QueryRowContext(ctx,
		`SELECT id FROM calendar_events WHERE calendar_id = ? AND external_id = ?`,
		ev.CalendarID, ev.ExternalID,
	).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = t.tx.ExecContext(ctx, `
			INSERT INTO calendar_events
				(id, calendar_id, external_id, title, description, location, start_at, end_at, all_day, kid_id, raw, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			newID(), ev.CalendarID, ev.ExternalID, ev.Title, ev.Description, ev.Location,
			ms(ev.Start), ms(ev.End), boolInt(ev.AllDay), nullStr(ev.KidID), ev.Raw, ms(now), ms(now),
		)
		if err != nil {
			return false, fmt.Errorf("insert event %s: %w", ev.ExternalID, err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("find event %s: %w", ev.ExternalID, err)
	}

	_, err = t.tx.ExecContext(ctx, `
		UPDATE calendar_events
		SET title = ?, description = ?, location = ?, start_at = ?, end_at = ?, all_day = ?, kid_id = ?, raw = ?, updated_at = ?
		WHERE id = ?`,
		ev.Title, ev.Description, ev.Location, ms(ev.Start), ms(ev.End), boolInt(ev.AllDay),
		nullStr(ev.KidID), ev.Raw, ms(now), id,
	)
	if err != nil {
		return false, fmt.Errorf("update event %s: %w", ev.ExternalID, err)
	}
	return false, nil
}

func (t eventTx) DeleteEvent(ctx context.Context, calendarID, externalID string) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM calendar_events WHERE calendar_id = ? AND external_id = ?`, calendarID, externalID)
	if err != nil {
		return 0, fmt.Errorf("delete event %s: %w", externalID, err)
	}
	return res.RowsAffected()
}

func (t eventTx) ListExternalIDs(ctx context.Context, calendarID string) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT external_id FROM calendar_events WHERE calendar_id = ? ORDER BY external_id`, calendarID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (t eventTx) SaveSyncState(ctx context.Context, calendarID, cursor string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE calendars SET sync_token = ?, last_sync_at = ? WHERE id = ?`, cursor, ms(at), calendarID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

const eventColumns = `e.id, e.calendar_id, e.external_id, e.title, e.description, e.location, e.start_at, e.end_at, e.all_day, e.kid_id, e.raw, e.created_at, e.updated_at`

// ListEvents returns the events of one calendar ordered by start.
func (s *Store) ListEvents(ctx context.Context, calendarID string) ([]model.CalendarEvent, error) {
	return queryEvents(ctx, s.db, `
		SELECT `+eventColumns+` FROM calendar_events e
		WHERE e.calendar_id = ?
		ORDER BY e.start_at, e.external_id`, calendarID)
}

// ListBusyEvents returns events of the user's active calendars that overlap
// [from, to).
func (s *Store) ListBusyEvents(ctx context.Context, userID string, from, to time.Time) ([]model.CalendarEvent, error) {
	return queryEvents(ctx, s.db, `
		SELECT `+eventColumns+` FROM calendar_events e
		JOIN calendars c ON c.id = e.calendar_id
		WHERE c.user_id = ? AND c.active = 1 AND e.start_at < ? AND e.end_at > ?
		ORDER BY e.start_at, e.id`, userID, ms(to), ms(from))
}

func queryEvents(ctx context.Context, q queryer, query string, args ...any) ([]model.CalendarEvent, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.CalendarEvent, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvent(s scanner) (model.CalendarEvent, error) {
	var (
		ev               model.CalendarEvent
		start, end       int64
		allDay           int
		kid              sql.NullString
		created, updated int64
	)
	if err := s.Scan(&ev.ID, &ev.CalendarID, &ev.ExternalID, &ev.Title, &ev.Description, &ev.Location,
		&start, &end, &allDay, &kid, &ev.Raw, &created, &updated); err != nil {
		return model.CalendarEvent{}, err
	}
	ev.Start = fromMS(start)
	ev.End = fromMS(end)
	ev.AllDay = allDay != 0
	ev.KidID = kid.String
	ev.CreatedAt = fromMS(created)
	ev.UpdatedAt = fromMS(updated)
	return ev, nil
}
