// Package scheduler sweeps scheduled tasks and injects due ones into the
// group queue as synthetic agent runs. Cron expressions are parsed with
// robfig/cron; intervals are milliseconds; once tasks fire at an absolute
// timestamp and complete after exactly one run.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Aias00/nanoclaw/pkg/nanoclaw/store"
)

// cronParser accepts the standard 5-field grammar plus @descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ComputeNextRun returns the next fire time for a schedule, strictly
// after now, in the store timestamp format. A once schedule returns its
// own timestamp (which may be in the past; it fires on the next sweep).
func ComputeNextRun(scheduleType, scheduleValue string, now time.Time) (string, error) {
	switch scheduleType {
	case store.ScheduleCron:
		sched, err := cronParser.Parse(scheduleValue)
		if err != nil {
			return "", fmt.Errorf("invalid cron expression %q: %w", scheduleValue, err)
		}
		return store.FormatTimestamp(sched.Next(now)), nil

	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(scheduleValue, 10, 64)
		if err != nil || ms <= 0 {
			return "", fmt.Errorf("invalid interval %q: must be positive milliseconds", scheduleValue)
		}
		return store.FormatTimestamp(now.Add(time.Duration(ms) * time.Millisecond)), nil

	case store.ScheduleOnce:
		t, err := time.Parse(time.RFC3339, scheduleValue)
		if err != nil {
			if t2, err2 := time.Parse(store.TimestampLayout, scheduleValue); err2 == nil {
				return store.FormatTimestamp(t2), nil
			}
			return "", fmt.Errorf("invalid timestamp %q: %w", scheduleValue, err)
		}
		return store.FormatTimestamp(t), nil

	default:
		return "", fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}

// TaskJob is one synthetic agent invocation handed to the router. It
// flows through the group queue exactly as an inbound message would, so
// scheduled runs never overlap a live user conversation in the same
// group.
type TaskJob struct {
	Task store.ScheduledTask

	// Prompt is the synthetic prompt for the agent.
	Prompt string

	// SessionID is the group's current session for group-context tasks,
	// empty for isolated ones.
	SessionID string

	// Isolated suppresses session read-back and persistence for the run.
	Isolated bool

	// OnDone reports the terminal outcome of the run.
	OnDone func(result, newSessionID string, err error)
}

// TaskInjector queues a job for serialized execution in its group.
type TaskInjector interface {
	EnqueueTask(folder string, job *TaskJob)
}

// GroupResolver maps folders to registered groups.
type GroupResolver interface {
	GroupByFolder(folder string) (*store.RegisteredGroup, bool)
}

// Scheduler periodically sweeps for due tasks.
type Scheduler struct {
	store    *store.Store
	groups   GroupResolver
	injector TaskInjector
	interval time.Duration
	logger   *slog.Logger
}

// New creates a scheduler.
func New(st *store.Store, groups GroupResolver, injector TaskInjector, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		store:    st,
		groups:   groups,
		injector: injector,
		interval: interval,
		logger:   logger.With("component", "scheduler"),
	}
}

// Run sweeps until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx, time.Now())
		}
	}
}

// Sweep dispatches every due task once. Exported for tests.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) {
	due, err := s.store.DueTasks(store.FormatTimestamp(now))
	if err != nil {
		s.logger.Error("querying due tasks", "error", err)
		return
	}

	for _, task := range due {
		s.dispatch(task, now)
	}
}

// dispatch builds and enqueues the job for one due task.
func (s *Scheduler) dispatch(task store.ScheduledTask, now time.Time) {
	group, ok := s.groups.GroupByFolder(task.GroupFolder)
	if !ok {
		s.logger.Warn("task targets unknown group, skipping",
			"task", task.ID, "folder", task.GroupFolder)
		return
	}

	isolated := task.ContextMode == store.ContextIsolated
	var sessionID string
	if !isolated {
		sessionID, _ = s.store.GetSession(task.GroupFolder)
	}

	started := time.Now()
	job := &TaskJob{
		Task:      task,
		Prompt:    "Execute scheduled task: " + task.Prompt,
		SessionID: sessionID,
		Isolated:  isolated,
		OnDone: func(result, newSessionID string, err error) {
			s.finish(task, started, result, err)
		},
	}

	s.logger.Info("dispatching task", "task", task.ID, "group", group.Folder,
		"type", task.ScheduleType)
	s.injector.EnqueueTask(task.GroupFolder, job)
}

// finish records the run log and advances the schedule. A task deleted or
// cancelled while running keeps its run log but not the result update.
func (s *Scheduler) finish(task store.ScheduledTask, started time.Time, result string, runErr error) {
	now := time.Now()

	logEntry := store.TaskRunLog{
		TaskID:     task.ID,
		RunAt:      store.FormatTimestamp(started),
		DurationMs: now.Sub(started).Milliseconds(),
		Status:     "success",
		Result:     result,
	}
	if runErr != nil {
		logEntry.Status = "error"
		logEntry.Error = runErr.Error()
	}
	if err := s.store.AppendTaskRunLog(logEntry); err != nil {
		s.logger.Error("recording run log", "task", task.ID, "error", err)
	}

	current, err := s.store.GetTask(task.ID)
	if err != nil {
		s.logger.Error("re-reading task after run", "task", task.ID, "error", err)
		return
	}
	if current == nil || current.Status == store.TaskCompleted {
		s.logger.Info("task gone or completed mid-run, dropping result update", "task", task.ID)
		return
	}

	lastResult := result
	status := current.Status
	if runErr != nil {
		lastResult = "error: " + runErr.Error()
	}

	var nextRun string
	switch task.ScheduleType {
	case store.ScheduleOnce:
		// One run, success or failure, completes the task.
		status = store.TaskCompleted

	default:
		nextRun, err = ComputeNextRun(task.ScheduleType, task.ScheduleValue, now)
		if err != nil {
			// Unparseable schedules pause rather than spin.
			status = store.TaskPaused
			lastResult = "schedule error: " + err.Error()
			s.logger.Warn("pausing task with invalid schedule",
				"task", task.ID, "error", err)
		}
	}

	if err := s.store.UpdateTaskAfterRun(task.ID, nextRun,
		store.FormatTimestamp(started), lastResult, status); err != nil {
		s.logger.Error("updating task after run", "task", task.ID, "error", err)
	}
}
