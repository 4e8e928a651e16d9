package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"calplan/internal/model"
)

var t0 = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func setupStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "calplan-test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedCalendar(t *testing.T, s *Store, active bool) (model.User, model.Calendar) {
	t.Helper()
	ctx := context.Background()
	u, err := s.CreateUser(ctx, model.User{Timezone: "Asia/Seoul"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	c, err := s.CreateCalendar(ctx, model.Calendar{UserID: u.ID, Provider: model.ProviderGoogle, Active: active, SyncToken: "s0"})
	if err != nil {
		t.Fatalf("create calendar: %v", err)
	}
	return u, c
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")
	for i := 0; i < 2; i++ {
		s, err := Open(context.Background(), path)
		if err != nil {
			t.Fatalf("open #%d: %v", i+1, err)
		}
		if err := s.Ping(context.Background()); err != nil {
			t.Fatalf("ping: %v", err)
		}
		_ = s.Close()
	}
	if _, err := Open(context.Background(), " "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestCalendarsAndKids(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	u, active := seedCalendar(t, s, true)
	if _, err := s.CreateCalendar(ctx, model.Calendar{UserID: u.ID, Provider: model.ProviderProtonICS, ICSURL: "https://x/feed.ics"}); err != nil {
		t.Fatalf("create inactive calendar: %v", err)
	}
	if _, err := s.CreateCalendar(ctx, model.Calendar{UserID: u.ID, Provider: "YAHOO"}); err == nil {
		t.Fatal("expected error for unknown provider")
	}

	list, err := s.ListActiveCalendars(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(list) != 1 || list[0].ID != active.ID {
		t.Fatalf("active calendars = %+v", list)
	}

	if err := s.UpdateCredentials(ctx, active.ID, `{"access_token":"x"}`); err != nil {
		t.Fatalf("update credentials: %v", err)
	}
	if err := s.SetSyncToken(ctx, active.ID, ""); err != nil {
		t.Fatalf("set sync token: %v", err)
	}
	got, err := s.GetCalendar(ctx, active.ID)
	if err != nil {
		t.Fatalf("get calendar: %v", err)
	}
	if got.Credentials != `{"access_token":"x"}` || got.SyncToken != "" || got.LastSyncAt != nil {
		t.Fatalf("calendar = %+v", got)
	}
	if _, err := s.GetCalendar(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing calendar err = %v", err)
	}
	if err := s.UpdateCredentials(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing calendar update err = %v", err)
	}

	for i, name := range []string{"Mina", "Joon"} {
		if _, err := s.CreateKid(ctx, model.Kid{UserID: u.ID, Name: name, Keywords: []string{name}, CreatedAt: t0.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("create kid: %v", err)
		}
	}
	kids, err := s.ListKids(ctx, u.ID)
	if err != nil {
		t.Fatalf("list kids: %v", err)
	}
	if len(kids) != 2 || kids[0].Name != "Mina" || kids[1].Keywords[0] != "Joon" {
		t.Fatalf("kids = %+v", kids)
	}
}

func TestUsersWorkDays(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	def, err := s.CreateUser(ctx, model.User{})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	custom, err := s.CreateUser(ctx, model.User{Timezone: "America/New_York", WorkHoursStart: "08:00", WorkDays: []int{0, 6}})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	got, err := s.GetUser(ctx, def.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.WorkDays != nil || got.Timezone != "UTC" {
		t.Fatalf("default user = %+v", got)
	}
	got, err = s.GetUser(ctx, custom.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if len(got.WorkDays) != 2 || got.WorkDays[1] != 6 || got.WorkHoursStart != "08:00" {
		t.Fatalf("custom user = %+v", got)
	}
	users, err := s.ListUsers(ctx)
	if err != nil || len(users) != 2 {
		t.Fatalf("list users = %d, %v", len(users), err)
	}
	if _, err := s.GetUser(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing user err = %v", err)
	}
}

func TestEventTxUpsertDeleteAndCursor(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	_, cal := seedCalendar(t, s, true)

	ev := model.CalendarEvent{
		CalendarID: cal.ID,
		ExternalID: "e1",
		Title:      "Dentist",
		Start:      t0.Add(9 * time.Hour),
		End:        t0.Add(10 * time.Hour),
		Raw:        []byte(`{"id":"e1"}`),
	}
	err := s.InTx(ctx, func(tx EventTx) error {
		created, err := tx.UpsertEvent(ctx, ev, t0)
		if err != nil || !created {
			t.Fatalf("first upsert: created=%v err=%v", created, err)
		}
		ev.Title = "Dentist (moved)"
		created, err = tx.UpsertEvent(ctx, ev, t0.Add(time.Minute))
		if err != nil || created {
			t.Fatalf("second upsert: created=%v err=%v", created, err)
		}
		return tx.SaveSyncState(ctx, cal.ID, "s1", t0)
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}

	events, err := s.ListEvents(ctx, cal.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Title != "Dentist (moved)" || !events[0].UpdatedAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("events = %+v", events)
	}
	if string(events[0].Raw) != `{"id":"e1"}` || events[0].KidID != "" {
		t.Fatalf("raw/kid not round-tripped: %+v", events[0])
	}
	got, _ := s.GetCalendar(ctx, cal.ID)
	if got.SyncToken != "s1" || got.LastSyncAt == nil || !got.LastSyncAt.Equal(t0) {
		t.Fatalf("sync state = %q %v", got.SyncToken, got.LastSyncAt)
	}

	err = s.InTx(ctx, func(tx EventTx) error {
		ids, err := tx.ListExternalIDs(ctx, cal.ID)
		if err != nil || len(ids) != 1 || ids[0] != "e1" {
			t.Fatalf("external ids = %v, %v", ids, err)
		}
		n, err := tx.DeleteEvent(ctx, cal.ID, "e1")
		if err != nil || n != 1 {
			t.Fatalf("delete: n=%d err=%v", n, err)
		}
		n, err = tx.DeleteEvent(ctx, cal.ID, "e1")
		if err != nil || n != 0 {
			t.Fatalf("second delete: n=%d err=%v", n, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
}

func TestInTxRollsBack(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	_, cal := seedCalendar(t, s, true)

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx EventTx) error {
		if _, err := tx.UpsertEvent(ctx, model.CalendarEvent{CalendarID: cal.ID, ExternalID: "e1", Start: t0, End: t0.Add(time.Hour)}, t0); err != nil {
			return err
		}
		if err := tx.SaveSyncState(ctx, cal.ID, "s9", t0); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx err = %v, want boom", err)
	}
	events, _ := s.ListEvents(ctx, cal.ID)
	got, _ := s.GetCalendar(ctx, cal.ID)
	if len(events) != 0 || got.SyncToken != "s0" {
		t.Fatalf("rollback incomplete: events=%d token=%q", len(events), got.SyncToken)
	}
}

func TestDeleteCalendarCascades(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	_, cal := seedCalendar(t, s, true)
	err := s.InTx(ctx, func(tx EventTx) error {
		_, err := tx.UpsertEvent(ctx, model.CalendarEvent{CalendarID: cal.ID, ExternalID: "e1", Start: t0, End: t0.Add(time.Hour)}, t0)
		return err
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
	if err := s.DeleteCalendar(ctx, cal.ID); err != nil {
		t.Fatalf("delete calendar: %v", err)
	}
	events, err := s.ListEvents(ctx, cal.ID)
	if err != nil || len(events) != 0 {
		t.Fatalf("events after cascade = %d, %v", len(events), err)
	}
}

func TestListBusyEvents(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	u, cal := seedCalendar(t, s, true)
	off, err := s.CreateCalendar(ctx, model.Calendar{UserID: u.ID, Provider: model.ProviderGoogle, Active: false})
	if err != nil {
		t.Fatalf("create calendar: %v", err)
	}

	put := func(calID, ext string, start, end time.Time) {
		t.Helper()
		err := s.InTx(ctx, func(tx EventTx) error {
			_, err := tx.UpsertEvent(ctx, model.CalendarEvent{CalendarID: calID, ExternalID: ext, Start: start, End: end}, t0)
			return err
		})
		if err != nil {
			t.Fatalf("put %s: %v", ext, err)
		}
	}
	put(cal.ID, "before", t0.Add(-2*time.Hour), t0)
	put(cal.ID, "straddle", t0.Add(-time.Hour), t0.Add(time.Hour))
	put(cal.ID, "inside", t0.Add(2*time.Hour), t0.Add(3*time.Hour))
	put(cal.ID, "after", t0.Add(24*time.Hour), t0.Add(25*time.Hour))
	put(off.ID, "inactive", t0.Add(2*time.Hour), t0.Add(3*time.Hour))

	busy, err := s.ListBusyEvents(ctx, u.ID, t0, t0.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("busy: %v", err)
	}
	if len(busy) != 2 || busy[0].ExternalID != "straddle" || busy[1].ExternalID != "inside" {
		t.Fatalf("busy = %+v", busy)
	}
}

func TestTaskPlacementLifecycle(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	u, _ := seedCalendar(t, s, true)
	mins := func(v int) *int { return &v }
	at := func(h int) *time.Time {
		v := t0.Add(time.Duration(h) * time.Hour)
		return &v
	}

	a, _ := s.CreateTask(ctx, model.Task{UserID: u.ID, Title: "a", EstimatedMins: mins(30), CreatedAt: t0})
	b, _ := s.CreateTask(ctx, model.Task{UserID: u.ID, Title: "b", EstimatedMins: mins(60), CreatedAt: t0.Add(time.Second)})
	_, _ = s.CreateTask(ctx, model.Task{UserID: u.ID, Title: "no estimate", CreatedAt: t0})
	_, _ = s.CreateTask(ctx, model.Task{UserID: u.ID, Title: "done", Status: model.StatusDone, EstimatedMins: mins(10), CreatedAt: t0})
	placed, _ := s.CreateTask(ctx, model.Task{UserID: u.ID, Title: "placed", EstimatedMins: mins(10), ScheduledStart: at(9), ScheduledEnd: at(10), CreatedAt: t0})

	open, err := s.ListUnscheduledTasks(ctx, u.ID)
	if err != nil {
		t.Fatalf("unscheduled: %v", err)
	}
	if len(open) != 2 || open[0].ID != a.ID || open[1].ID != b.ID {
		t.Fatalf("unscheduled = %+v", open)
	}
	if open[0].Priority != model.PriorityMedium || open[0].Status != model.StatusTodo || *open[0].EstimatedMins != 30 {
		t.Fatalf("defaults not applied: %+v", open[0])
	}

	n, err := s.ApplyPlacements(ctx, []model.Placement{
		{TaskID: a.ID, Start: *at(10), End: t0.Add(10*time.Hour + 30*time.Minute)},
		{TaskID: placed.ID, Start: *at(12), End: *at(13)},
	})
	if err != nil || n != 1 {
		t.Fatalf("apply: n=%d err=%v", n, err)
	}
	still, _ := s.GetTask(ctx, placed.ID)
	if !still.ScheduledStart.Equal(*at(9)) {
		t.Fatalf("already placed task was moved: %v", still.ScheduledStart)
	}

	sched, err := s.ListScheduledTasks(ctx, u.ID, t0, t0.Add(24*time.Hour))
	if err != nil || len(sched) != 2 {
		t.Fatalf("scheduled = %d, %v", len(sched), err)
	}
	overdue, err := s.ListOverdueTasks(ctx, u.ID, *at(11))
	if err != nil || len(overdue) != 2 {
		t.Fatalf("overdue = %d, %v", len(overdue), err)
	}

	shifted, err := s.ShiftTasks(ctx, []TaskShift{
		{TaskID: placed.ID, OldStart: *at(9), Start: *at(33), End: *at(34), DueDate: at(48)},
		{TaskID: a.ID, OldStart: *at(1), Start: *at(34), End: *at(35)},
	})
	if err != nil || shifted != 1 {
		t.Fatalf("shift: n=%d err=%v", shifted, err)
	}
	moved, _ := s.GetTask(ctx, placed.ID)
	if !moved.ScheduledStart.Equal(*at(33)) || moved.DueDate == nil || !moved.DueDate.Equal(*at(48)) {
		t.Fatalf("shifted task = %+v", moved)
	}

	cleared, err := s.ClearScheduledTasks(ctx, u.ID)
	if err != nil || cleared != 2 {
		t.Fatalf("clear: n=%d err=%v", cleared, err)
	}
	if _, err := s.GetTask(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing task err = %v", err)
	}
}
