// loop.go contains the ingestion loop (channel → store) and the message
// loop (store → group queue), including the trigger rule and the cursor
// protocol that makes delivery at-least-once per trigger window.
package router

import (
	"strings"
	"time"

	"github.com/Aias00/nanoclaw/pkg/nanoclaw/agent"
	"github.com/Aias00/nanoclaw/pkg/nanoclaw/channels"
	"github.com/Aias00/nanoclaw/pkg/nanoclaw/store"
)

// ingest consumes the aggregated channel stream. Chat metadata is always
// recorded; message content is stored only for registered chats.
func (r *Router) ingest() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case msg, ok := <-r.hub.Receive():
			if !ok {
				return
			}
			r.ingestOne(msg)
		}
	}
}

func (r *Router) ingestOne(msg *channels.IncomingMessage) {
	ts := store.FormatTimestamp(msg.Timestamp)
	if err := r.store.UpsertChat(msg.ChatID, msg.ChatName, ts); err != nil {
		r.logger.Warn("recording chat metadata", "chat", msg.ChatID, "error", err)
	}

	// Metadata-only entries (from SyncMetadata) have no message body.
	if msg.ID == "" || msg.Content == "" {
		return
	}

	if _, registered := r.GroupByChat(msg.ChatID); !registered {
		return
	}

	err := r.store.InsertMessage(store.Message{
		ChatID:     msg.ChatID,
		ID:         msg.ID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Content:    msg.Content,
		Timestamp:  ts,
		FromSelf:   msg.FromSelf,
	})
	if err != nil {
		r.logger.Warn("storing message", "chat", msg.ChatID, "error", err)
	}
}

// messageLoop polls the store for new messages at the configured
// interval and feeds the group queue.
func (r *Router) messageLoop() {
	ticker := time.NewTicker(r.cfg.Timing.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

// tick is one pass of the message loop.
//
// The store-wide watermark advances before any per-group handling and is
// never rolled back: it only means "seen", not "processed". Delivery
// state lives in the per-group agent cursors, which the recovery scan
// uses to re-enqueue anything a crash interrupted.
func (r *Router) tick() {
	groups := r.snapshotGroups()
	if len(groups) == 0 {
		return
	}

	chatIDs := make([]string, 0, len(groups))
	byChat := make(map[string]*group, len(groups))
	for _, g := range groups {
		chatIDs = append(chatIDs, g.ChatID)
		byChat[g.ChatID] = g
	}

	r.mu.RLock()
	since := r.lastTimestamp
	r.mu.RUnlock()

	msgs, newMax, err := r.store.GetNewMessages(chatIDs, since, r.cfg.Runtime.BotName)
	if err != nil {
		r.logger.Error("polling new messages", "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	if err := r.store.SetLastTimestamp(newMax); err != nil {
		r.logger.Error("persisting watermark", "error", err)
		return
	}
	r.mu.Lock()
	r.lastTimestamp = newMax
	r.mu.Unlock()

	// Dedupe by chat: one decision per group per tick.
	perChat := make(map[string][]store.Message)
	for _, m := range msgs {
		perChat[m.ChatID] = append(perChat[m.ChatID], m)
	}

	for chatID, fresh := range perChat {
		g := byChat[chatID]
		r.handleGroupTick(g, fresh)
	}
}

// handleGroupTick applies the trigger rule and hands the catch-up window
// to the agent, either by piping into a live run or by enqueueing one.
func (r *Router) handleGroupTick(g *group, fresh []store.Message) {
	if r.requiresTrigger(g) && !r.anyTriggered(g, fresh) {
		// No trigger this tick. The messages stay accumulated in the
		// store and ride along in the catch-up window when a trigger
		// eventually arrives.
		return
	}

	pending, err := r.store.GetMessagesSince(g.ChatID, r.cursor(g.Folder), r.cfg.Runtime.BotName)
	if err != nil {
		r.logger.Error("loading catch-up window", "group", g.Folder, "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	prompt := agent.FormatMessages(pending)
	if r.queue.SendStdin(g.Folder, prompt) {
		// Piped into the live agent: the cursor advances here because
		// the running agent has now seen this content.
		if err := r.setCursor(g.Folder, pending[len(pending)-1].Timestamp); err != nil {
			r.logger.Error("persisting cursor after pipe", "group", g.Folder, "error", err)
		}
		r.logger.Debug("piped messages into live agent",
			"group", g.Folder, "count", len(pending))
		return
	}

	// No live run (or stdin already closed): fall through to a fresh
	// enqueue. The cursor is advanced inside the run.
	r.queue.EnqueueCheck(g.Folder)
}

// requiresTrigger reports whether the trigger rule applies to a group.
// The main group never needs a trigger; the global require_trigger switch
// can disable the rule everywhere.
func (r *Router) requiresTrigger(g *group) bool {
	if r.isPrivileged(g) {
		return false
	}
	if !r.cfg.Runtime.RequireTrigger {
		return false
	}
	return g.RequiresTrigger && g.trigger != nil
}

// anyTriggered scans messages for a trigger match after trimming.
func (r *Router) anyTriggered(g *group, msgs []store.Message) bool {
	if g.trigger == nil {
		return false
	}
	for _, m := range msgs {
		if g.trigger.MatchString(strings.TrimSpace(m.Content)) {
			return true
		}
	}
	return false
}
