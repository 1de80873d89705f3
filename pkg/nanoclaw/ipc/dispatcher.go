package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Aias00/nanoclaw/pkg/nanoclaw/scheduler"
	"github.com/Aias00/nanoclaw/pkg/nanoclaw/store"
)

// GroupDirectory is the slice of the router the dispatcher needs: the
// registered-group snapshot and the privileged registration side effect.
type GroupDirectory interface {
	Groups() []store.RegisteredGroup
	MainFolder() string
	RegisterGroup(g store.RegisteredGroup) error
}

// Sender delivers messages and refreshes chat metadata on the channels.
type Sender interface {
	SendMessage(ctx context.Context, chatID, text string) error
	SyncMetadata(ctx context.Context, force bool) error
}

// Dispatcher polls the per-group IPC directories and applies requests.
type Dispatcher struct {
	store    *store.Store
	groups   GroupDirectory
	sender   Sender
	ipcRoot  string
	interval time.Duration
	logger   *slog.Logger
}

// New creates a dispatcher over the given IPC root.
func New(st *store.Store, groups GroupDirectory, sender Sender, ipcRoot string, interval time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Dispatcher{
		store:    st,
		groups:   groups,
		sender:   sender,
		ipcRoot:  ipcRoot,
		interval: interval,
		logger:   logger.With("component", "ipc"),
	}
}

// GroupIPCDir returns a group's IPC directory under the root.
func GroupIPCDir(ipcRoot, folder string) string {
	return filepath.Join(ipcRoot, folder)
}

// EnsureGroupDirs creates the messages/ and tasks/ request directories
// for a group.
func EnsureGroupDirs(ipcRoot, folder string) error {
	for _, sub := range []string{"messages", "tasks"} {
		dir := filepath.Join(GroupIPCDir(ipcRoot, folder), sub)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create IPC directory %q: %w", dir, err)
		}
	}
	return nil
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce scans every group's request directories, applies each file
// in name order, then refreshes the snapshot files agents read on their
// next run. Exported for tests.
func (d *Dispatcher) ProcessOnce(ctx context.Context) {
	for _, group := range d.groups.Groups() {
		d.processGroup(ctx, group)
		d.writeSnapshots(group)
	}
}

// processGroup handles one group's messages/ then tasks/ directories.
func (d *Dispatcher) processGroup(ctx context.Context, group store.RegisteredGroup) {
	base := GroupIPCDir(d.ipcRoot, group.Folder)
	for _, sub := range []string{"messages", "tasks"} {
		dir := filepath.Join(base, sub)
		files, err := listRequestFiles(dir)
		if err != nil {
			continue
		}
		for _, file := range files {
			d.processFile(ctx, group, sub, file)
		}
	}
}

// processFile parses, authorizes, and applies a single request file. The
// file is deleted on success and moved to the errors directory otherwise.
// The originating workspace is the directory's group: the payload can
// never speak for another folder.
func (d *Dispatcher) processFile(ctx context.Context, group store.RegisteredGroup, kind, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		d.logger.Warn("unreadable IPC file", "path", path, "error", err)
		return
	}

	req, err := decodeRequest(data)
	if err != nil {
		d.logger.Warn("malformed IPC file", "path", path, "error", err)
		d.moveToErrors(path, group.Folder, err)
		return
	}

	if err := d.apply(ctx, group, kind, req); err != nil {
		d.logger.Warn("IPC request rejected",
			"path", path, "source", group.Folder, "type", req.Type, "error", err)
		d.moveToErrors(path, group.Folder, err)
		return
	}

	if err := os.Remove(path); err != nil {
		d.logger.Warn("removing processed IPC file", "path", path, "error", err)
	}
}

// apply authorizes and executes one request on behalf of the source group.
func (d *Dispatcher) apply(ctx context.Context, source store.RegisteredGroup, kind string, req *Request) error {
	privileged := source.Folder == d.groups.MainFolder()

	switch req.Type {
	case TypeMessage:
		if kind != "messages" {
			return fmt.Errorf("message request outside messages directory")
		}
		return d.applyMessage(ctx, source, privileged, req)

	case TypeScheduleTask:
		return d.applyScheduleTask(source, privileged, req)

	case TypePauseTask, TypeResumeTask, TypeCancelTask, TypeGetTask, TypeListTasks:
		return d.applyTaskOp(source, privileged, req)

	case TypeRegisterGroup:
		if !privileged {
			return fmt.Errorf("register_group requires the main group")
		}
		return d.applyRegisterGroup(req)

	case TypeRefreshGroups:
		if !privileged {
			return fmt.Errorf("refresh_groups requires the main group")
		}
		return d.sender.SyncMetadata(ctx, true)

	default:
		return fmt.Errorf("unknown request type %q", req.Type)
	}
}

// applyMessage sends a chat message. Non-privileged groups may only write
// to their own chat.
func (d *Dispatcher) applyMessage(ctx context.Context, source store.RegisteredGroup, privileged bool, req *Request) error {
	if req.ChatJid == "" || req.Text == "" {
		return fmt.Errorf("message requires chatJid and text")
	}
	if !privileged && req.ChatJid != source.ChatID {
		return fmt.Errorf("group %q may not send to chat %q", source.Folder, req.ChatJid)
	}
	return d.sender.SendMessage(ctx, req.ChatJid, req.Text)
}

// applyScheduleTask creates a task. Non-privileged groups may only
// schedule for themselves.
func (d *Dispatcher) applyScheduleTask(source store.RegisteredGroup, privileged bool, req *Request) error {
	if req.Prompt == "" || req.ScheduleType == "" || req.ScheduleValue == "" {
		return fmt.Errorf("schedule_task requires prompt, schedule_type, schedule_value")
	}

	folder := req.GroupFolder
	if folder == "" {
		folder = source.Folder
	}
	if !privileged && folder != source.Folder {
		return fmt.Errorf("group %q may not schedule for folder %q", source.Folder, folder)
	}

	target, ok := d.groupByFolder(folder)
	if !ok {
		return fmt.Errorf("no registered group with folder %q", folder)
	}

	nextRun, err := scheduler.ComputeNextRun(req.ScheduleType, req.ScheduleValue, time.Now())
	if err != nil {
		return err
	}

	contextMode := req.ContextMode
	if contextMode == "" {
		contextMode = store.ContextGroup
	}

	return d.store.CreateTask(store.ScheduledTask{
		ID:            uuid.NewString(),
		GroupFolder:   folder,
		ChatID:        target.ChatID,
		Prompt:        req.Prompt,
		ScheduleType:  req.ScheduleType,
		ScheduleValue: req.ScheduleValue,
		ContextMode:   contextMode,
		NextRun:       nextRun,
	})
}

// applyTaskOp handles pause/resume/cancel/get/list. Queries are answered
// by the snapshot rewrite that follows every dispatch pass, so get and
// list only need authorization here.
func (d *Dispatcher) applyTaskOp(source store.RegisteredGroup, privileged bool, req *Request) error {
	if req.Type == TypeListTasks {
		return nil
	}

	if req.TaskID == "" {
		return fmt.Errorf("%s requires taskId", req.Type)
	}

	task, err := d.store.GetTask(req.TaskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %q not found", req.TaskID)
	}
	if !privileged && task.GroupFolder != source.Folder {
		return fmt.Errorf("group %q may not act on task %q owned by %q",
			source.Folder, req.TaskID, task.GroupFolder)
	}

	switch req.Type {
	case TypePauseTask:
		return d.store.UpdateTaskStatus(req.TaskID, store.TaskPaused)
	case TypeResumeTask:
		if err := d.store.UpdateTaskStatus(req.TaskID, store.TaskActive); err != nil {
			return err
		}
		// A resumed recurring task needs a fresh fire time.
		if task.ScheduleType != store.ScheduleOnce {
			nextRun, err := scheduler.ComputeNextRun(task.ScheduleType, task.ScheduleValue, time.Now())
			if err != nil {
				return err
			}
			return d.store.SetTaskNextRun(req.TaskID, nextRun)
		}
		return nil
	case TypeCancelTask:
		return d.store.DeleteTask(req.TaskID)
	case TypeGetTask:
		return nil
	default:
		return fmt.Errorf("unhandled task op %q", req.Type)
	}
}

// applyRegisterGroup registers a new chat-to-workspace binding.
func (d *Dispatcher) applyRegisterGroup(req *Request) error {
	if req.Jid == "" || req.Folder == "" {
		return fmt.Errorf("register_group requires jid and folder")
	}

	group := store.RegisteredGroup{
		ChatID:          req.Jid,
		Name:            req.Name,
		Folder:          req.Folder,
		Trigger:         req.Trigger,
		RequiresTrigger: true,
	}
	if req.RequiresTrigger != nil {
		group.RequiresTrigger = *req.RequiresTrigger
	}
	if len(req.ContainerConfig) > 0 {
		var cfg store.SandboxConfig
		if err := json.Unmarshal(req.ContainerConfig, &cfg); err != nil {
			return fmt.Errorf("parse containerConfig: %w", err)
		}
		group.Sandbox = &cfg
	}

	return d.groups.RegisterGroup(group)
}

// moveToErrors relocates a failed request with an adjacent .err file
// explaining the rejection.
func (d *Dispatcher) moveToErrors(path, folder string, cause error) {
	errDir := filepath.Join(d.ipcRoot, "errors")
	if err := os.MkdirAll(errDir, 0o755); err != nil {
		d.logger.Error("creating errors directory", "error", err)
		return
	}

	dest := filepath.Join(errDir, folder+"-"+filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		d.logger.Error("moving failed IPC file", "path", path, "error", err)
		return
	}
	msg := fmt.Sprintf("source: %s\nerror: %v\n", folder, cause)
	if err := os.WriteFile(dest+".err", []byte(msg), 0o644); err != nil {
		d.logger.Warn("writing error note", "path", dest, "error", err)
	}
}

// groupByFolder searches the directory snapshot.
func (d *Dispatcher) groupByFolder(folder string) (*store.RegisteredGroup, bool) {
	for _, g := range d.groups.Groups() {
		if g.Folder == folder {
			return &g, true
		}
	}
	return nil, false
}

// listRequestFiles returns the *.json files in a directory sorted by
// name, so the monotonic timestamp prefix agents use yields FIFO order.
func listRequestFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}
