package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Task status values.
const (
	TaskActive    = "active"
	TaskPaused    = "paused"
	TaskCompleted = "completed"
)

// Schedule types.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Context modes.
const (
	ContextGroup    = "group"
	ContextIsolated = "isolated"
)

// ScheduledTask is a recurring or one-shot prompt executed against a group.
type ScheduledTask struct {
	ID            string
	GroupFolder   string
	ChatID        string
	Prompt        string
	ScheduleType  string
	ScheduleValue string
	ContextMode   string
	NextRun       string // RFC3339; "" means none
	LastRun       string
	LastResult    string
	Status        string
	CreatedAt     string
}

// TaskRunLog is one append-only execution record.
type TaskRunLog struct {
	TaskID     string
	RunAt      string
	DurationMs int64
	Status     string
	Result     string
	Error      string
}

// CreateTask inserts a new scheduled task.
func (s *Store) CreateTask(t ScheduledTask) error {
	if t.ContextMode == "" {
		t.ContextMode = ContextGroup
	}
	if t.Status == "" {
		t.Status = TaskActive
	}
	if t.CreatedAt == "" {
		t.CreatedAt = FormatTimestamp(time.Now())
	}
	_, err := s.db.Exec(`
		INSERT INTO scheduled_tasks
			(id, group_folder, chat_id, prompt, schedule_type, schedule_value,
			 context_mode, next_run, last_run, last_result, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.GroupFolder, t.ChatID, t.Prompt, t.ScheduleType, t.ScheduleValue,
		t.ContextMode, nullable(t.NextRun), nullable(t.LastRun), nullable(t.LastResult),
		t.Status, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create task %q: %w", t.ID, err)
	}
	return nil
}

// GetTask returns a task by ID.
func (s *Store) GetTask(id string) (*ScheduledTask, error) {
	row := s.db.QueryRow(taskSelect+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %q: %w", id, err)
	}
	return t, nil
}

// ListTasks returns tasks, optionally filtered by group folder.
// An empty folder returns every task.
func (s *Store) ListTasks(folder string) ([]ScheduledTask, error) {
	query := taskSelect
	var args []any
	if folder != "" {
		query += ` WHERE group_folder = ?`
		args = append(args, folder)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// DueTasks returns active tasks whose next run is at or before now.
func (s *Store) DueTasks(now string) ([]ScheduledTask, error) {
	rows, err := s.db.Query(taskSelect+`
		WHERE status = ? AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run`, TaskActive, now)
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// UpdateTaskStatus sets a task's status (pause, resume, complete).
func (s *Store) UpdateTaskStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE scheduled_tasks SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update task %q status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %q not found", id)
	}
	return nil
}

// UpdateTaskAfterRun writes the post-run fields. nextRun == "" clears the
// schedule (used by completed once tasks).
func (s *Store) UpdateTaskAfterRun(id, nextRun, lastRun, lastResult, status string) error {
	_, err := s.db.Exec(`
		UPDATE scheduled_tasks
		SET next_run = ?, last_run = ?, last_result = ?, status = ?
		WHERE id = ?`,
		nullable(nextRun), nullable(lastRun), nullable(lastResult), status, id)
	if err != nil {
		return fmt.Errorf("update task %q after run: %w", id, err)
	}
	return nil
}

// SetTaskNextRun updates only the next_run column.
func (s *Store) SetTaskNextRun(id, nextRun string) error {
	_, err := s.db.Exec(`UPDATE scheduled_tasks SET next_run = ? WHERE id = ?`,
		nullable(nextRun), id)
	if err != nil {
		return fmt.Errorf("set task %q next run: %w", id, err)
	}
	return nil
}

// DeleteTask removes a task. Run logs are kept.
func (s *Store) DeleteTask(id string) error {
	res, err := s.db.Exec(`DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %q not found", id)
	}
	return nil
}

// AppendTaskRunLog records one task execution.
func (s *Store) AppendTaskRunLog(l TaskRunLog) error {
	_, err := s.db.Exec(`
		INSERT INTO task_run_logs (task_id, run_at, duration_ms, status, result, error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.TaskID, l.RunAt, l.DurationMs, l.Status, nullable(l.Result), nullable(l.Error))
	if err != nil {
		return fmt.Errorf("append run log for %q: %w", l.TaskID, err)
	}
	return nil
}

const taskSelect = `
	SELECT id, group_folder, chat_id, prompt, schedule_type, schedule_value,
	       context_mode, next_run, last_run, last_result, status, created_at
	FROM scheduled_tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*ScheduledTask, error) {
	var t ScheduledTask
	var nextRun, lastRun, lastResult sql.NullString
	err := row.Scan(&t.ID, &t.GroupFolder, &t.ChatID, &t.Prompt,
		&t.ScheduleType, &t.ScheduleValue, &t.ContextMode,
		&nextRun, &lastRun, &lastResult, &t.Status, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.NextRun = nextRun.String
	t.LastRun = lastRun.String
	t.LastResult = lastResult.String
	return &t, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
