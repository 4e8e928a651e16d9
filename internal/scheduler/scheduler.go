// Package scheduler places unscheduled tasks into the free time of a user's
// work hours.
//
// Placement is greedy first-fit: tasks are ordered by priority, then due
// date, and each takes the earliest free slot long enough for its estimate.
// Calendar events and already placed tasks are busy. Every placement makes
// [start, end+Buffer) busy for the tasks after it.
//
// Runs for the same user are not serialized. Two overlapping runs can place
// different tasks into the same slot; the conditional update only prevents
// one task from being placed twice.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"calplan/internal/interval"
	appLog "calplan/internal/log"
	"calplan/internal/model"
	"calplan/internal/store"
	"calplan/internal/tzwindow"
)

const (
	DefaultBuffer        = 10 * time.Minute
	DefaultLookaheadDays = 7
)

// Store is the persistence the scheduler needs. *store.Store satisfies it.
type Store interface {
	GetUser(ctx context.Context, id string) (model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	ListUnscheduledTasks(ctx context.Context, userID string) ([]model.Task, error)
	ListScheduledTasks(ctx context.Context, userID string, from, to time.Time) ([]model.Task, error)
	ListOverdueTasks(ctx context.Context, userID string, before time.Time) ([]model.Task, error)
	ListBusyEvents(ctx context.Context, userID string, from, to time.Time) ([]model.CalendarEvent, error)
	ApplyPlacements(ctx context.Context, placements []model.Placement) (int, error)
	ClearScheduledTasks(ctx context.Context, userID string) (int, error)
	ShiftTasks(ctx context.Context, shifts []store.TaskShift) (int, error)
}

type Config struct {
	// Buffer is kept free after every placed task.
	Buffer time.Duration
	// LookaheadDays is the number of local days, starting today, searched
	// for free time.
	LookaheadDays int
	// DefaultTimezone applies to users without a timezone.
	DefaultTimezone string
}

func (c Config) normalize() Config {
	if c.Buffer <= 0 {
		c.Buffer = DefaultBuffer
	}
	if c.LookaheadDays <= 0 {
		c.LookaheadDays = DefaultLookaheadDays
	}
	return c
}

type Scheduler struct {
	store Store
	cfg   Config
	now   func() time.Time
}

type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(st Store, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		store: st,
		cfg:   cfg.normalize(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AutoScheduleTasks places the user's unscheduled open tasks and returns how
// many placements were persisted. Tasks that fit nowhere in the lookahead
// window stay unscheduled.
func (s *Scheduler) AutoScheduleTasks(ctx context.Context, userID string) (int, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	wh, err := user.WorkHours()
	if err != nil {
		return 0, fmt.Errorf("user %s: %w", user.ID, err)
	}
	loc, err := s.location(user)
	if err != nil {
		return 0, fmt.Errorf("user %s: %w", user.ID, err)
	}

	tasks, err := s.store.ListUnscheduledTasks(ctx, user.ID)
	if err != nil {
		return 0, fmt.Errorf("list unscheduled tasks: %w", err)
	}
	if len(tasks) == 0 {
		return 0, nil
	}
	SortTasks(tasks)

	now := s.now()
	windows, from, to, err := WorkWindows(now, loc, wh, s.cfg.LookaheadDays)
	if err != nil {
		return 0, err
	}

	events, err := s.store.ListBusyEvents(ctx, user.ID, from, to)
	if err != nil {
		return 0, fmt.Errorf("list busy events: %w", err)
	}
	placed, err := s.store.ListScheduledTasks(ctx, user.ID, from, to)
	if err != nil {
		return 0, fmt.Errorf("list scheduled tasks: %w", err)
	}

	busy := interval.NewSet()
	for _, ev := range events {
		busy.Add(interval.Interval{Start: ev.Start, End: ev.End})
	}
	for _, t := range placed {
		busy.Add(interval.Interval{Start: *t.ScheduledStart, End: *t.ScheduledEnd})
	}

	placements := Plan(tasks, windows, busy, s.cfg.Buffer)
	n, err := s.store.ApplyPlacements(ctx, placements)
	if err != nil {
		return 0, fmt.Errorf("apply placements: %w", err)
	}

	appLog.Info("tasks auto-scheduled",
		"user_id", user.ID,
		"candidates", len(tasks),
		"planned", len(placements),
		"placed", n,
		"busy_runs", busy.Len(),
	)
	return n, nil
}

// ClearScheduledTasks removes the placement of every open task of the user.
func (s *Scheduler) ClearScheduledTasks(ctx context.Context, userID string) (int, error) {
	n, err := s.store.ClearScheduledTasks(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("clear scheduled tasks of user %s: %w", userID, err)
	}
	appLog.Info("scheduled tasks cleared", "user_id", userID, "cleared", n)
	return n, nil
}

// AutoScheduleAllUsers runs AutoScheduleTasks for every user and returns the
// total placed. A failing user is logged and skipped.
func (s *Scheduler) AutoScheduleAllUsers(ctx context.Context) (int, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list users: %w", err)
	}
	total := 0
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.AutoScheduleTasks(ctx, u.ID)
		if err != nil {
			appLog.Error("auto-schedule failed", err, "user_id", u.ID)
			continue
		}
		total += n
	}
	return total, nil
}

// DeferOverdueTasks moves every open task whose placement ended before the
// start of its user's today forward by one day. A due date on the same UTC
// date as the old start moves with it.
func (s *Scheduler) DeferOverdueTasks(ctx context.Context) (int, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list users: %w", err)
	}
	now := s.now()
	total := 0
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.deferUser(ctx, u, now)
		if err != nil {
			appLog.Error("defer overdue tasks failed", err, "user_id", u.ID)
			continue
		}
		total += n
	}
	if total > 0 {
		appLog.Info("overdue tasks deferred", "tasks", total)
	}
	return total, nil
}

func (s *Scheduler) deferUser(ctx context.Context, u model.User, now time.Time) (int, error) {
	loc, err := s.location(u)
	if err != nil {
		return 0, err
	}
	cutoff, err := tzwindow.Midnight(tzwindow.Today(now, loc), loc)
	if err != nil {
		return 0, err
	}
	overdue, err := s.store.ListOverdueTasks(ctx, u.ID, cutoff)
	if err != nil {
		return 0, err
	}
	if len(overdue) == 0 {
		return 0, nil
	}

	shifts := make([]store.TaskShift, 0, len(overdue))
	for _, t := range overdue {
		shifts = append(shifts, deferShift(t))
	}
	return s.store.ShiftTasks(ctx, shifts)
}

func (s *Scheduler) location(u model.User) (*time.Location, error) {
	if u.Timezone == "" {
		return tzwindow.LoadLocation(s.cfg.DefaultTimezone)
	}
	return tzwindow.LoadLocation(u.Timezone)
}

func deferShift(t model.Task) store.TaskShift {
	const day = 24 * time.Hour
	old := *t.ScheduledStart
	sh := store.TaskShift{
		TaskID:   t.ID,
		OldStart: old,
		Start:    old.Add(day),
		End:      t.ScheduledEnd.Add(day),
	}
	if t.DueDate != nil && sameUTCDate(*t.DueDate, old) {
		due := t.DueDate.Add(day)
		sh.DueDate = &due
	}
	return sh
}

func sameUTCDate(a, b time.Time) bool {
	return a.UTC().Format(tzwindow.DateLayout) == b.UTC().Format(tzwindow.DateLayout)
}

// SortTasks orders tasks by priority rank, then by due date with undated
// tasks last. Equal tasks keep their relative order.
func SortTasks(tasks []model.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra < rb
		}
		switch {
		case a.DueDate == nil:
			return false
		case b.DueDate == nil:
			return true
		default:
			return a.DueDate.Before(*b.DueDate)
		}
	})
}

// WorkWindows returns the work window of every work day in the lookahead
// window that starts at today's local midnight, together with the bounds of
// the lookahead window. Windows start no earlier than now; empty ones are
// left out.
func WorkWindows(now time.Time, loc *time.Location, wh model.WorkHours, days int) ([]interval.Interval, time.Time, time.Time, error) {
	today := tzwindow.Today(now, loc)
	from, err := tzwindow.Midnight(today, loc)
	if err != nil {
		return nil, time.Time{}, time.Time{}, err
	}
	last, err := tzwindow.AddDays(today, days)
	if err != nil {
		return nil, time.Time{}, time.Time{}, err
	}
	to, err := tzwindow.Midnight(last, loc)
	if err != nil {
		return nil, time.Time{}, time.Time{}, err
	}

	var windows []interval.Interval
	for i := 0; i < days; i++ {
		date, err := tzwindow.AddDays(today, i)
		if err != nil {
			return nil, time.Time{}, time.Time{}, err
		}
		wd, err := tzwindow.Weekday(date)
		if err != nil {
			return nil, time.Time{}, time.Time{}, err
		}
		if !wh.Days[wd] {
			continue
		}
		midnight, err := tzwindow.Midnight(date, loc)
		if err != nil {
			return nil, time.Time{}, time.Time{}, err
		}
		w := interval.Interval{
			Start: midnight.Add(time.Duration(wh.StartMinute) * time.Minute),
			End:   midnight.Add(time.Duration(wh.EndMinute) * time.Minute),
		}
		if w.Start.Before(now) {
			w.Start = now
		}
		if w.Valid() {
			windows = append(windows, w)
		}
	}
	return windows, from, to, nil
}

// Plan assigns tasks, in order, to the first free slot of the first window
// that can hold them. busy is extended with every placement plus buffer.
// Tasks without a positive estimate and tasks that fit nowhere get no
// placement.
func Plan(tasks []model.Task, windows []interval.Interval, busy *interval.Set, buffer time.Duration) []model.Placement {
	var out []model.Placement
	for _, t := range tasks {
		if t.EstimatedMins == nil || *t.EstimatedMins <= 0 {
			continue
		}
		dur := time.Duration(*t.EstimatedMins) * time.Minute
		p, ok := firstFit(windows, busy.Intervals(), dur)
		if !ok {
			continue
		}
		p.TaskID = t.ID
		out = append(out, p)
		busy.Add(interval.Interval{Start: p.Start, End: p.End.Add(buffer)})
	}
	return out
}

func firstFit(windows, busy []interval.Interval, dur time.Duration) (model.Placement, bool) {
	for _, w := range windows {
		for _, slot := range interval.FreeSlots(w, busy) {
			if slot.Duration() >= dur {
				return model.Placement{Start: slot.Start, End: slot.Start.Add(dur)}, true
			}
		}
	}
	return model.Placement{}, false
}
