// Package router is the orchestration kernel: it ingests channel
// messages into the store, drives the per-group message loop, executes
// agent runs through the group queue, and owns the in-memory group,
// session, and cursor state loaded at startup.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/Aias00/nanoclaw/pkg/nanoclaw/agent"
	"github.com/Aias00/nanoclaw/pkg/nanoclaw/channels"
	"github.com/Aias00/nanoclaw/pkg/nanoclaw/config"
	"github.com/Aias00/nanoclaw/pkg/nanoclaw/ipc"
	"github.com/Aias00/nanoclaw/pkg/nanoclaw/mounts"
	"github.com/Aias00/nanoclaw/pkg/nanoclaw/queue"
	"github.com/Aias00/nanoclaw/pkg/nanoclaw/sandbox"
	"github.com/Aias00/nanoclaw/pkg/nanoclaw/scheduler"
	"github.com/Aias00/nanoclaw/pkg/nanoclaw/store"
)

// ChannelHub is the slice of the channel manager the router uses.
type ChannelHub interface {
	Receive() <-chan *channels.IncomingMessage
	SendMessage(ctx context.Context, chatID, text string) error
	SetTyping(ctx context.Context, chatID string, typing bool)
	SyncMetadata(ctx context.Context, force bool) error
}

// group is the in-memory view of a registered group, with the compiled
// trigger regex.
type group struct {
	store.RegisteredGroup
	trigger *regexp.Regexp
}

// Router wires the orchestration kernel together.
type Router struct {
	cfg        *config.Config
	store      *store.Store
	hub        ChannelHub
	selector   *sandbox.Selector
	supervisor *agent.Supervisor
	queue      *queue.GroupQueue
	policy     *mounts.Policy
	logger     *slog.Logger

	// credentials is the filtered agent environment, loaded once at
	// startup from the agent env file and keyring.
	credentials map[string]string

	// mu guards the in-memory maps below. All mutations write through
	// the store first.
	mu            sync.RWMutex
	groupsByChat  map[string]*group
	groupsByDir   map[string]*group
	lastTimestamp string
	agentCursor   map[string]string // folder → last agent timestamp

	// taskInbox holds scheduled-task jobs awaiting their group's next
	// queue slot.
	inboxMu   sync.Mutex
	taskInbox map[string][]*scheduler.TaskJob

	ctx    context.Context
	cancel context.CancelFunc
	loopWg sync.WaitGroup
}

// New creates the router and loads persisted state.
func New(cfg *config.Config, st *store.Store, hub ChannelHub, selector *sandbox.Selector,
	supervisor *agent.Supervisor, policy *mounts.Policy, logger *slog.Logger) (*Router, error) {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Router{
		cfg:          cfg,
		store:        st,
		hub:          hub,
		selector:     selector,
		supervisor:   supervisor,
		policy:       policy,
		logger:       logger.With("component", "router"),
		credentials:  sandbox.LoadCredentials(cfg.Paths.AgentEnvFile, cfg.Runtime.KeyringService, logger),
		groupsByChat: make(map[string]*group),
		groupsByDir:  make(map[string]*group),
		agentCursor:  make(map[string]string),
		taskInbox:    make(map[string][]*scheduler.TaskJob),
	}
	r.queue = queue.New(r.runGroup, logger)

	if err := r.loadState(); err != nil {
		return nil, err
	}
	return r, nil
}

// loadState populates the in-memory maps from the store.
func (r *Router) loadState() error {
	groups, err := r.store.ListGroups()
	if err != nil {
		return fmt.Errorf("loading registered groups: %w", err)
	}
	for _, g := range groups {
		if err := r.cacheGroup(g); err != nil {
			r.logger.Warn("skipping group with invalid trigger",
				"folder", g.Folder, "trigger", g.Trigger, "error", err)
			continue
		}
		if err := r.ensureGroupDirs(g.Folder); err != nil {
			return err
		}
	}

	r.lastTimestamp, err = r.store.GetLastTimestamp()
	if err != nil {
		return fmt.Errorf("loading watermark: %w", err)
	}
	for _, g := range groups {
		ts, err := r.store.GetAgentTimestamp(g.Folder)
		if err != nil {
			return fmt.Errorf("loading agent cursor for %q: %w", g.Folder, err)
		}
		r.agentCursor[g.Folder] = ts
	}

	r.logger.Info("state loaded", "groups", len(groups), "watermark", r.lastTimestamp)
	return nil
}

// cacheGroup compiles the trigger and installs the group into the maps.
// It takes the lock itself, so callers must not hold it.
func (r *Router) cacheGroup(g store.RegisteredGroup) error {
	var trigger *regexp.Regexp
	if g.Trigger != "" {
		var err error
		trigger, err = regexp.Compile(g.Trigger)
		if err != nil {
			return fmt.Errorf("compile trigger %q: %w", g.Trigger, err)
		}
	}

	entry := &group{RegisteredGroup: g, trigger: trigger}
	r.mu.Lock()
	r.groupsByChat[g.ChatID] = entry
	r.groupsByDir[g.Folder] = entry
	r.mu.Unlock()
	return nil
}

// Start launches the ingestion, message, and recovery machinery. The
// scheduler and IPC dispatcher run on their own and are started by the
// caller.
func (r *Router) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.loopWg.Add(2)
	go func() {
		defer r.loopWg.Done()
		r.ingest()
	}()
	go func() {
		defer r.loopWg.Done()
		r.messageLoop()
	}()

	r.recover()
}

// Shutdown stops the loops first, then drains the queue with the grace
// window, escalating to kills afterwards.
func (r *Router) Shutdown(grace time.Duration) {
	r.logger.Info("shutting down", "grace", grace)
	if r.cancel != nil {
		r.cancel()
	}
	r.loopWg.Wait()
	r.queue.Shutdown(grace)
}

// recover re-enqueues any group whose agent cursor trails its newest
// stored message. Combined with the per-group rollback on failed runs,
// this restores at-least-once delivery across a crash at any point.
func (r *Router) recover() {
	for _, g := range r.snapshotGroups() {
		cursor := r.cursor(g.Folder)
		latest, err := r.store.LatestMessageTime(g.ChatID)
		if err != nil || latest == "" || latest <= cursor {
			continue
		}

		// The trigger rule still applies: an untriggered backlog stays
		// in the store until a trigger arrives.
		if r.requiresTrigger(g) {
			pending, err := r.store.GetMessagesSince(g.ChatID, cursor, r.cfg.Runtime.BotName)
			if err != nil || !r.anyTriggered(g, pending) {
				continue
			}
		}

		r.logger.Info("recovering unprocessed messages",
			"group", g.Folder, "cursor", cursor, "latest", latest)
		r.queue.EnqueueCheck(g.Folder)
	}
}

// ---------- Group directory (ipc.GroupDirectory, scheduler.GroupResolver) ----------

// Groups returns a snapshot of all registered groups.
func (r *Router) Groups() []store.RegisteredGroup {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]store.RegisteredGroup, 0, len(r.groupsByDir))
	for _, g := range r.groupsByDir {
		out = append(out, g.RegisteredGroup)
	}
	return out
}

// GroupByChat looks up a registered group by chat ID.
func (r *Router) GroupByChat(chatID string) (*store.RegisteredGroup, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groupsByChat[chatID]
	if !ok {
		return nil, false
	}
	cp := g.RegisteredGroup
	return &cp, true
}

// GroupByFolder looks up a registered group by workspace folder.
func (r *Router) GroupByFolder(folder string) (*store.RegisteredGroup, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groupsByDir[folder]
	if !ok {
		return nil, false
	}
	cp := g.RegisteredGroup
	return &cp, true
}

// MainFolder names the privileged group.
func (r *Router) MainFolder() string {
	return r.cfg.Runtime.MainFolder
}

// RegisterGroup persists a new group binding, creates its directories,
// and installs it in the in-memory maps. Called by the IPC dispatcher on
// a privileged register_group request. The CLI writes to the store directly.
func (r *Router) RegisterGroup(g store.RegisteredGroup) error {
	if err := r.store.UpsertGroup(g); err != nil {
		return err
	}
	if err := r.ensureGroupDirs(g.Folder); err != nil {
		return err
	}
	if err := r.cacheGroup(g); err != nil {
		return err
	}
	r.logger.Info("group registered", "folder", g.Folder, "chat", g.ChatID)
	return nil
}

// ensureGroupDirs creates the workspace, session, and IPC directories
// for a folder.
func (r *Router) ensureGroupDirs(folder string) error {
	dirs := []string{
		r.cfg.Paths.GroupDir(folder),
		r.sessionDir(folder),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create group directory %q: %w", d, err)
		}
	}
	return ipc.EnsureGroupDirs(r.cfg.Paths.IPCDir(), folder)
}

// ---------- Scheduled-task injection (scheduler.TaskInjector) ----------

// EnqueueTask queues a synthetic run for a group, serialized with its
// message-driven runs.
func (r *Router) EnqueueTask(folder string, job *scheduler.TaskJob) {
	r.inboxMu.Lock()
	r.taskInbox[folder] = append(r.taskInbox[folder], job)
	r.inboxMu.Unlock()

	r.queue.EnqueueCheck(folder)
}

// drainTaskInbox removes and returns all queued jobs for a group.
func (r *Router) drainTaskInbox(folder string) []*scheduler.TaskJob {
	r.inboxMu.Lock()
	defer r.inboxMu.Unlock()

	jobs := r.taskInbox[folder]
	delete(r.taskInbox, folder)
	return jobs
}

// ---------- Internal helpers ----------

func (r *Router) snapshotGroups() []*group {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*group, 0, len(r.groupsByDir))
	for _, g := range r.groupsByDir {
		out = append(out, g)
	}
	return out
}

func (r *Router) groupEntry(folder string) (*group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groupsByDir[folder]
	return g, ok
}

func (r *Router) cursor(folder string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agentCursor[folder]
}

// setCursor writes the agent cursor through to the store before updating
// the in-memory copy.
func (r *Router) setCursor(folder, ts string) error {
	if err := r.store.SetAgentTimestamp(folder, ts); err != nil {
		return err
	}
	r.mu.Lock()
	r.agentCursor[folder] = ts
	r.mu.Unlock()
	return nil
}

func (r *Router) isPrivileged(g *group) bool {
	return g.Folder == r.cfg.Runtime.MainFolder
}

func (r *Router) sessionDir(folder string) string {
	return filepath.Join(r.cfg.Paths.SessionsDir(), folder)
}

func (r *Router) ipcGroupDir(folder string) string {
	return ipc.GroupIPCDir(r.cfg.Paths.IPCDir(), folder)
}
