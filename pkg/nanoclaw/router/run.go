// run.go executes agent runs for one group: scheduled-task jobs first,
// then the message catch-up window, with the cursor rollback that gives
// at-least-once delivery per trigger window.
package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Aias00/nanoclaw/pkg/nanoclaw/agent"
	"github.com/Aias00/nanoclaw/pkg/nanoclaw/mounts"
	"github.com/Aias00/nanoclaw/pkg/nanoclaw/sandbox"
	"github.com/Aias00/nanoclaw/pkg/nanoclaw/scheduler"
)

// runGroup is the queue's RunFunc: one serialized slot for a group.
func (r *Router) runGroup(ctx context.Context, folder string) {
	g, ok := r.groupEntry(folder)
	if !ok {
		r.logger.Warn("run requested for unknown group", "folder", folder)
		return
	}

	for _, job := range r.drainTaskInbox(folder) {
		r.runTaskJob(ctx, g, job)
	}

	r.runMessages(ctx, g)
}

// runMessages executes one agent run over the group's catch-up window.
func (r *Router) runMessages(ctx context.Context, g *group) {
	previousCursor := r.cursor(g.Folder)
	pending, err := r.store.GetMessagesSince(g.ChatID, previousCursor, r.cfg.Runtime.BotName)
	if err != nil {
		r.logger.Error("loading pending messages", "group", g.Folder, "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	// The trigger rule holds here too: a scheduled run sharing this queue
	// slot must not consume a backlog no one triggered.
	if r.requiresTrigger(g) && !r.anyTriggered(g, pending) {
		return
	}

	// Advance the cursor before the run so the message loop does not
	// re-pipe the same content into the live agent. A terminal error
	// rolls it back below.
	if err := r.setCursor(g.Folder, pending[len(pending)-1].Timestamp); err != nil {
		r.logger.Error("advancing cursor", "group", g.Folder, "error", err)
		return
	}

	sessionID, _ := r.store.GetSession(g.Folder)
	input := agent.Input{
		Prompt:      agent.FormatMessages(pending),
		SessionID:   sessionID,
		GroupFolder: g.Folder,
		ChatJid:     g.ChatID,
		IsMain:      r.isPrivileged(g),
	}

	r.hub.SetTyping(ctx, g.ChatID, true)
	err = r.invokeAgent(ctx, g, input, false, g.ChatID, nil)
	r.hub.SetTyping(ctx, g.ChatID, false)

	if err != nil {
		// Roll back so the next tick retries this window.
		if rbErr := r.setCursor(g.Folder, previousCursor); rbErr != nil {
			r.logger.Error("cursor rollback failed", "group", g.Folder, "error", rbErr)
		}
		r.logger.Warn("agent run failed, window will retry",
			"group", g.Folder, "error", err)
	}
}

// runTaskJob executes one scheduled-task invocation.
func (r *Router) runTaskJob(ctx context.Context, g *group, job *scheduler.TaskJob) {
	input := agent.Input{
		Prompt:          job.Prompt,
		SessionID:       job.SessionID,
		GroupFolder:     g.Folder,
		ChatJid:         job.Task.ChatID,
		IsMain:          r.isPrivileged(g),
		IsScheduledTask: true,
	}

	var results []string
	var newSessionID string
	collect := func(result, sessionID string) {
		if result != "" {
			results = append(results, result)
		}
		if sessionID != "" {
			newSessionID = sessionID
		}
	}

	err := r.invokeAgent(ctx, g, input, job.Isolated, job.Task.ChatID, collect)
	if job.OnDone != nil {
		job.OnDone(strings.Join(results, "\n"), newSessionID, err)
	}
}

// invokeAgent resolves the runtime, validates mounts, and supervises one
// agent process. Result frames are stripped of internal reasoning and
// sent to replyChat; session IDs persist before the reply goes out, so a
// crash after replying can never orphan a session. observe, when set,
// receives each frame's surfaced result and session ID.
func (r *Router) invokeAgent(ctx context.Context, g *group, input agent.Input,
	isolated bool, replyChat string, observe func(result, sessionID string)) error {

	selection := r.selector.Select(&g.RegisteredGroup)

	req, err := r.buildRunRequest(g, selection)
	if err != nil {
		// Mount policy rejections refuse the run before any spawn.
		return err
	}

	timeout := r.cfg.Timing.ContainerTimeout()
	if g.Sandbox != nil && g.Sandbox.TimeoutMs > 0 {
		timeout = time.Duration(g.Sandbox.TimeoutMs) * time.Millisecond
	}

	opts := agent.RunOptions{
		Input:   input,
		Timeout: timeout,
		OnProcess: func(h *agent.Handle) {
			r.queue.RegisterProcess(g.Folder, h, req.RunID)
		},
		OnFrame: func(f agent.Frame) {
			r.handleFrame(g, f, isolated, replyChat, observe)
		},
	}

	return r.supervisor.Run(ctx, selection.Engine, req, opts)
}

// handleFrame applies one streamed result frame.
func (r *Router) handleFrame(g *group, f agent.Frame, isolated bool,
	replyChat string, observe func(result, sessionID string)) {

	if f.Status == "error" {
		r.logger.Warn("agent reported error frame", "group", g.Folder, "error", f.Error)
		return
	}

	// Session before reply: the ordering guarantee callers rely on.
	if f.NewSessionID != "" && !isolated {
		if err := r.store.SetSession(g.Folder, f.NewSessionID); err != nil {
			r.logger.Error("persisting session", "group", g.Folder, "error", err)
		}
	}

	text := agent.StripInternal(f.Result)
	if text != "" {
		// Channel sends can block on the network; bound them.
		sendCtx, cancel := context.WithTimeout(r.ctx, 30*time.Second)
		if err := r.hub.SendMessage(sendCtx, replyChat, text); err != nil {
			r.logger.Error("sending reply", "chat", replyChat, "error", err)
		}
		cancel()
	}

	// Re-persist the cursor so a crash mid-stream resumes cleanly. The
	// value is unchanged; the write is idempotent.
	if cur := r.cursor(g.Folder); cur != "" {
		if err := r.store.SetAgentTimestamp(g.Folder, cur); err != nil {
			r.logger.Warn("re-persisting cursor", "group", g.Folder, "error", err)
		}
	}

	if observe != nil {
		observe(text, f.NewSessionID)
	}
}

// buildRunRequest assembles the engine request, validating any extra
// mounts against the policy.
func (r *Router) buildRunRequest(g *group, sel sandbox.Selection) (*sandbox.RunRequest, error) {
	privileged := r.isPrivileged(g)

	req := &sandbox.RunRequest{
		Folder:      g.Folder,
		ChatID:      g.ChatID,
		Privileged:  privileged,
		AgentCLI:    sel.AgentCLI,
		GroupDir:    r.cfg.Paths.GroupDir(g.Folder),
		SessionsDir: r.sessionDir(g.Folder),
		IPCDir:      r.ipcGroupDir(g.Folder),
		GlobalDir:   r.cfg.Paths.GroupDir("global"),
		ProjectDir:  r.cfg.Paths.ProjectDir,
		Env:         r.credentials,
		RunID:       uuid.NewString()[:8],
	}

	if g.Sandbox != nil {
		req.CPUs = g.Sandbox.CPUs
		req.MemoryMB = g.Sandbox.MemoryMB
		req.Image = g.Sandbox.Image

		for _, m := range g.Sandbox.Mounts {
			validated, err := r.policy.Validate(m.HostPath, m.GuestPath, m.ReadOnly, privileged)
			if err != nil {
				if mounts.IsRejected(err) {
					r.logger.Warn("mount rejected",
						"group", g.Folder, "path", m.HostPath, "error", err)
				}
				return nil, fmt.Errorf("mount %q: %w", m.HostPath, err)
			}
			req.ExtraMounts = append(req.ExtraMounts, *validated)
		}
	}

	return req, nil
}
