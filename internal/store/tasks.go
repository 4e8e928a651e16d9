package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"calplan/internal/model"
)

const taskColumns = `id, user_id, title, priority, status, due_date, scheduled_start, scheduled_end, estimated_mins, created_at`

// openStatusFilter matches model.OpenStatuses.
const openStatusFilter = `status IN ('TODO', 'IN_PROGRESS')`

// CreateTask inserts t, assigning an id when t.ID is empty.
func (s *Store) CreateTask(ctx context.Context, t model.Task) (model.Task, error) {
	if t.ID == "" {
		t.ID = newID()
	}
	if t.Priority == "" {
		t.Priority = model.PriorityMedium
	}
	if t.Status == "" {
		t.Status = model.StatusTodo
	}
	t.CreatedAt = nowOr(t.CreatedAt)
	var est any
	if t.EstimatedMins != nil {
		est = *t.EstimatedMins
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Title, string(t.Priority), string(t.Status),
		nullMS(t.DueDate), nullMS(t.ScheduledStart), nullMS(t.ScheduledEnd), est, ms(t.CreatedAt),
	)
	if err != nil {
		return model.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (model.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// ListUnscheduledTasks returns the user's open tasks that have a positive
// estimate and no scheduled start, in creation order.
func (s *Store) ListUnscheduledTasks(ctx context.Context, userID string) ([]model.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE user_id = ? AND `+openStatusFilter+`
		  AND estimated_mins > 0 AND scheduled_start IS NULL
		ORDER BY created_at, id`, userID)
}

// ListScheduledTasks returns the user's open placed tasks that overlap
// [from, to).
func (s *Store) ListScheduledTasks(ctx context.Context, userID string, from, to time.Time) ([]model.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE user_id = ? AND `+openStatusFilter+`
		  AND scheduled_start IS NOT NULL AND scheduled_end IS NOT NULL
		  AND scheduled_start < ? AND scheduled_end > ?
		ORDER BY scheduled_start, id`, userID, ms(to), ms(from))
}

// ListOverdueTasks returns the user's open placed tasks whose scheduled end is
// before the given instant.
func (s *Store) ListOverdueTasks(ctx context.Context, userID string, before time.Time) ([]model.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE user_id = ? AND `+openStatusFilter+`
		  AND scheduled_start IS NOT NULL AND scheduled_end IS NOT NULL
		  AND scheduled_end < ?
		ORDER BY scheduled_start, id`, userID, ms(before))
}

// ApplyPlacements writes all placements in one transaction. A task that was
// scheduled in the meantime is left alone. It returns how many were written.
func (s *Store) ApplyPlacements(ctx context.Context, placements []model.Placement) (int, error) {
	if len(placements) == 0 {
		return 0, nil
	}
	var n int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			UPDATE tasks SET scheduled_start = ?, scheduled_end = ?
			WHERE id = ? AND scheduled_start IS NULL`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, p := range placements {
			res, err := stmt.ExecContext(ctx, ms(p.Start), ms(p.End), p.TaskID)
			if err != nil {
				return fmt.Errorf("place task %s: %w", p.TaskID, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			n += int(affected)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ClearScheduledTasks unschedules every open placed task of the user.
func (s *Store) ClearScheduledTasks(ctx context.Context, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET scheduled_start = NULL, scheduled_end = NULL
		WHERE user_id = ? AND `+openStatusFilter+` AND scheduled_start IS NOT NULL`, userID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// TaskShift moves one placed task. OldStart guards against a concurrent
// change: the row is only updated while it still starts at OldStart.
type TaskShift struct {
	TaskID   string
	OldStart time.Time
	Start    time.Time
	End      time.Time
	// DueDate replaces the due date when non-nil.
	DueDate *time.Time
}

// ShiftTasks applies all shifts in one transaction and returns how many rows
// changed.
func (s *Store) ShiftTasks(ctx context.Context, shifts []TaskShift) (int, error) {
	if len(shifts) == 0 {
		return 0, nil
	}
	var n int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, sh := range shifts {
			res, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET scheduled_start = ?, scheduled_end = ?, due_date = COALESCE(?, due_date)
				WHERE id = ? AND scheduled_start = ?`,
				ms(sh.Start), ms(sh.End), nullMS(sh.DueDate), sh.TaskID, ms(sh.OldStart),
			)
			if err != nil {
				return fmt.Errorf("shift task %s: %w", sh.TaskID, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			n += int(affected)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(s scanner) (model.Task, error) {
	var (
		t                model.Task
		priority, status string
		due, start, end  sql.NullInt64
		est              sql.NullInt64
		created          int64
	)
	if err := s.Scan(&t.ID, &t.UserID, &t.Title, &priority, &status, &due, &start, &end, &est, &created); err != nil {
		return model.Task{}, err
	}
	t.Priority = model.Priority(priority)
	t.Status = model.TaskStatus(status)
	t.DueDate = fromNullMS(due)
	t.ScheduledStart = fromNullMS(start)
	t.ScheduledEnd = fromNullMS(end)
	if est.Valid {
		v := int(est.Int64)
		t.EstimatedMins = &v
	}
	t.CreatedAt = fromMS(created)
	return t, nil
}
