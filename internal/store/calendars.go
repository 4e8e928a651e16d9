package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"calplan/internal/model"
)

const calendarColumns = `id, user_id, provider, external_id, credentials, ics_url, active, sync_token, last_sync_at, created_at`

// CreateCalendar inserts c, assigning an id when c.ID is empty.
func (s *Store) CreateCalendar(ctx context.Context, c model.Calendar) (model.Calendar, error) {
	if !c.Provider.IsValid() {
		return model.Calendar{}, fmt.Errorf("store: unknown provider %q", c.Provider)
	}
	if c.ID == "" {
		c.ID = newID()
	}
	c.CreatedAt = nowOr(c.CreatedAt)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calendars (`+calendarColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, string(c.Provider), c.ExternalID, c.Credentials, c.ICSURL,
		boolInt(c.Active), c.SyncToken, nullMS(c.LastSyncAt), ms(c.CreatedAt),
	)
	if err != nil {
		return model.Calendar{}, fmt.Errorf("insert calendar: %w", err)
	}
	return c, nil
}

func (s *Store) GetCalendar(ctx context.Context, id string) (model.Calendar, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+calendarColumns+` FROM calendars WHERE id = ?`, id)
	c, err := scanCalendar(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Calendar{}, fmt.Errorf("calendar %s: %w", id, ErrNotFound)
	}
	return c, err
}

// ListActiveCalendars returns every active calendar in creation order.
func (s *Store) ListActiveCalendars(ctx context.Context) ([]model.Calendar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+calendarColumns+` FROM calendars
		WHERE active = 1
		ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Calendar, 0)
	for rows.Next() {
		c, err := scanCalendar(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateCredentials replaces the credential material of a calendar.
func (s *Store) UpdateCredentials(ctx context.Context, calendarID, credentials string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE calendars SET credentials = ? WHERE id = ?`, credentials, calendarID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

// SetSyncToken overwrites the stored cursor outside a reconciliation.
func (s *Store) SetSyncToken(ctx context.Context, calendarID, token string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE calendars SET sync_token = ? WHERE id = ?`, token, calendarID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func scanCalendar(s scanner) (model.Calendar, error) {
	var (
		c        model.Calendar
		provider string
		active   int
		lastSync sql.NullInt64
		created  int64
	)
	if err := s.Scan(&c.ID, &c.UserID, &provider, &c.ExternalID, &c.Credentials, &c.ICSURL,
		&active, &c.SyncToken, &lastSync, &created); err != nil {
		return model.Calendar{}, err
	}
	c.Provider = model.Provider(provider)
	c.Active = active != 0
	c.LastSyncAt = fromNullMS(lastSync)
	c.CreatedAt = fromMS(created)
	return c, nil
}

// CreateKid inserts k, assigning an id when k.ID is empty.
func (s *Store) CreateKid(ctx context.Context, k model.Kid) (model.Kid, error) {
	if k.ID == "" {
		k.ID = newID()
	}
	k.CreatedAt = nowOr(k.CreatedAt)
	if k.Keywords == nil {
		k.Keywords = []string{}
	}
	keywords, err := json.Marshal(k.Keywords)
	if err != nil {
		return model.Kid{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kids (id, user_id, name, keywords, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		k.ID, k.UserID, k.Name, string(keywords), ms(k.CreatedAt),
	)
	if err != nil {
		return model.Kid{}, fmt.Errorf("insert kid: %w", err)
	}
	return k, nil
}

// ListKids returns a user's kids in creation order, then id.
func (s *Store) ListKids(ctx context.Context, userID string) ([]model.Kid, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, keywords, created_at FROM kids
		WHERE user_id = ?
		ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Kid, 0)
	for rows.Next() {
		var (
			k        model.Kid
			keywords string
			created  int64
		)
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &keywords, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(keywords), &k.Keywords); err != nil {
			return nil, fmt.Errorf("kid %s keywords: %w", k.ID, err)
		}
		k.CreatedAt = fromMS(created)
		out = append(out, k)
	}
	return out, rows.Err()
}

// CreateUser inserts u, assigning an id when u.ID is empty.
func (s *Store) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	if u.ID == "" {
		u.ID = newID()
	}
	if u.Timezone == "" {
		u.Timezone = "UTC"
	}
	u.CreatedAt = nowOr(u.CreatedAt)
	var days any
	if u.WorkDays != nil {
		b, err := json.Marshal(u.WorkDays)
		if err != nil {
			return model.User{}, err
		}
		days = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, timezone, work_hours_start, work_hours_end, work_days, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Timezone, u.WorkHoursStart, u.WorkHoursEnd, days, ms(u.CreatedAt),
	)
	if err != nil {
		return model.User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

const userColumns = `id, timezone, work_hours_start, work_hours_end, work_days, created_at`

func (s *Store) GetUser(ctx context.Context, id string) (model.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return u, err
}

func (s *Store) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func scanUser(s scanner) (model.User, error) {
	var (
		u       model.User
		days    sql.NullString
		created int64
	)
	if err := s.Scan(&u.ID, &u.Timezone, &u.WorkHoursStart, &u.WorkHoursEnd, &days, &created); err != nil {
		return model.User{}, err
	}
	if days.Valid && days.String != "" {
		if err := json.Unmarshal([]byte(days.String), &u.WorkDays); err != nil {
			return model.User{}, fmt.Errorf("user %s work days: %w", u.ID, err)
		}
		if u.WorkDays == nil {
			u.WorkDays = []int{}
		}
	}
	u.CreatedAt = fromMS(created)
	return u, nil
}

// DeleteCalendar removes a calendar together with its events.
func (s *Store) DeleteCalendar(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM calendars WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}
