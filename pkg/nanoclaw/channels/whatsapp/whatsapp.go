// Package whatsapp implements the WhatsApp channel for nanoclaw using
// whatsmeow, the native Go WhatsApp Web API library.
//
// Sessions persist in a sqlite device store. First login renders a QR code
// to a PNG next to the session database for scanning; subsequent starts
// reconnect silently.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Aias00/nanoclaw/pkg/nanoclaw/channels"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // sqlite driver for the device store
)

// Config holds WhatsApp channel configuration.
type Config struct {
	// SessionPath is the sqlite database for session persistence.
	SessionPath string
}

// WhatsApp implements channels.Channel.
type WhatsApp struct {
	cfg    Config
	client *whatsmeow.Client
	logger *slog.Logger

	messages chan *channels.IncomingMessage

	connected atomic.Bool

	// closed guards emit against the channel teardown in Disconnect.
	closed atomic.Bool

	// groupSyncedAt guards SyncMetadata against hammering the server.
	groupSyncedAt atomic.Value // time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a WhatsApp channel instance.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	return &WhatsApp{
		cfg:      cfg,
		logger:   logger.With("component", "whatsapp"),
		messages: make(chan *channels.IncomingMessage, 256),
	}
}

// Name returns the channel identifier.
func (w *WhatsApp) Name() string { return "whatsapp" }

// Connect establishes the WhatsApp Web connection. When no session exists
// the QR pairing flow runs in the background so startup is not blocked.
func (w *WhatsApp) Connect(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	container, err := sqlstore.New(w.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", w.cfg.SessionPath),
		waLog.Noop)
	if err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}

	device, err := w.getDevice(w.ctx, container)
	if err != nil {
		return fmt.Errorf("getting device: %w", err)
	}

	store.SetOSInfo("nanoclaw", [3]uint32{1, 0, 0})

	w.client = whatsmeow.NewClient(device, waLog.Noop)
	w.client.AddEventHandler(w.handleEvent)
	w.client.EnableAutoReconnect = true

	if w.client.Store.ID == nil {
		w.logger.Info("no existing session, starting QR pairing")
		go func() {
			if err := w.loginWithQR(w.ctx); err != nil {
				w.logger.Warn("QR pairing not completed", "error", err)
			}
		}()
		return nil
	}

	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	w.connected.Store(true)
	w.logger.Info("connected with existing session", "jid", w.client.Store.ID.String())
	return nil
}

// Disconnect gracefully closes the connection.
func (w *WhatsApp) Disconnect() error {
	w.connected.Store(false)
	if w.cancel != nil {
		w.cancel()
	}
	if w.client != nil {
		w.client.Disconnect()
	}
	if w.closed.CompareAndSwap(false, true) {
		close(w.messages)
	}
	return nil
}

// SendMessage sends text to a prefixed chat ID.
func (w *WhatsApp) SendMessage(ctx context.Context, chatID, text string) error {
	if !w.connected.Load() {
		return channels.ErrChannelDisconnected
	}

	jid, err := w.jidFor(chatID)
	if err != nil {
		return err
	}

	_, err = w.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return fmt.Errorf("sending message to %q: %w", chatID, err)
	}
	return nil
}

// SetTyping toggles the composing presence for a chat.
func (w *WhatsApp) SetTyping(ctx context.Context, chatID string, typing bool) error {
	if !w.connected.Load() {
		return channels.ErrChannelDisconnected
	}

	jid, err := w.jidFor(chatID)
	if err != nil {
		return err
	}

	state := types.ChatPresencePaused
	if typing {
		state = types.ChatPresenceComposing
	}
	return w.client.SendChatPresence(ctx, jid, state, types.ChatPresenceMediaText)
}

// SyncMetadata refreshes the joined-group list and emits each group as
// chat metadata on the inbound stream (content-free messages are filtered
// by the router; chats are upserted from the metadata fields).
func (w *WhatsApp) SyncMetadata(ctx context.Context, force bool) error {
	if !w.connected.Load() {
		return channels.ErrChannelDisconnected
	}

	if !force {
		if last, ok := w.groupSyncedAt.Load().(time.Time); ok && time.Since(last) < 5*time.Minute {
			return nil
		}
	}

	groups, err := w.client.GetJoinedGroups(ctx)
	if err != nil {
		return fmt.Errorf("fetching joined groups: %w", err)
	}
	w.groupSyncedAt.Store(time.Now())

	for _, g := range groups {
		w.emit(&channels.IncomingMessage{
			ChatID:    channels.Prefix(w.Name(), g.JID.String()),
			ChatName:  g.Name,
			Timestamp: time.Now(),
		})
	}
	w.logger.Info("group metadata synced", "groups", len(groups))
	return nil
}

// Receive returns the inbound message stream.
func (w *WhatsApp) Receive() <-chan *channels.IncomingMessage {
	return w.messages
}

// IsConnected reports connection state.
func (w *WhatsApp) IsConnected() bool {
	return w.connected.Load()
}

// ---------- Internal ----------

func (w *WhatsApp) getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// loginWithQR drives the QR pairing flow. Each code is written as a PNG
// next to the session database and its raw value logged for terminal
// rendering.
func (w *WhatsApp) loginWithQR(ctx context.Context) error {
	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}

	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	qrPath := filepath.Join(filepath.Dir(w.cfg.SessionPath), "whatsapp-qr.png")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("QR channel closed")
			}
			switch evt.Event {
			case "code":
				if err := qrcode.WriteFile(evt.Code, qrcode.Medium, 512, qrPath); err != nil {
					w.logger.Warn("writing QR image failed", "error", err)
				}
				w.logger.Info("scan QR code to link device", "image", qrPath)
			case "success":
				w.connected.Store(true)
				w.logger.Info("pairing successful")
				return nil
			case "timeout":
				return fmt.Errorf("QR code expired")
			default:
				if evt.Error != nil {
					return fmt.Errorf("QR login: %w", evt.Error)
				}
			}
		}
	}
}

// handleEvent processes incoming whatsmeow events.
func (w *WhatsApp) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		w.handleMessage(evt)
	case *events.Connected:
		w.connected.Store(true)
		w.logger.Info("connection established")
	case *events.Disconnected:
		w.connected.Store(false)
		w.logger.Warn("disconnected")
	case *events.LoggedOut:
		w.connected.Store(false)
		w.logger.Warn("logged out from phone, session invalidated")
	}
}

func (w *WhatsApp) handleMessage(evt *events.Message) {
	// Status broadcasts are not conversations.
	if evt.Info.Chat.Server == "broadcast" {
		return
	}

	content := extractText(evt.Message)
	if content == "" {
		return
	}

	// LID chats and senders resolve to phone JIDs so chat IDs stay stable.
	chatJID := w.resolveJID(evt.Info.Chat)
	senderJID := w.resolveJID(evt.Info.Sender)

	w.emit(&channels.IncomingMessage{
		ID:         string(evt.Info.ID),
		ChatID:     channels.Prefix(w.Name(), chatJID),
		SenderID:   senderJID,
		SenderName: evt.Info.PushName,
		Content:    content,
		Timestamp:  evt.Info.Timestamp,
		FromSelf:   evt.Info.IsFromMe,
	})
}

// resolveJID maps LID-format JIDs back to phone JIDs where possible.
func (w *WhatsApp) resolveJID(jid types.JID) string {
	if jid.Server == "lid" && w.client != nil && w.client.Store != nil {
		if alt, err := w.client.Store.GetAltJID(w.ctx, jid); err == nil && !alt.IsEmpty() {
			return alt.String()
		}
	}
	return jid.String()
}

// extractText pulls the text body out of the supported message kinds.
func extractText(msg *waE2E.Message) string {
	switch {
	case msg == nil:
		return ""
	case msg.GetConversation() != "":
		return msg.GetConversation()
	case msg.GetExtendedTextMessage().GetText() != "":
		return msg.GetExtendedTextMessage().GetText()
	case msg.GetImageMessage().GetCaption() != "":
		return msg.GetImageMessage().GetCaption()
	case msg.GetVideoMessage().GetCaption() != "":
		return msg.GetVideoMessage().GetCaption()
	default:
		return ""
	}
}

func (w *WhatsApp) emit(msg *channels.IncomingMessage) {
	if w.closed.Load() {
		return
	}
	select {
	case w.messages <- msg:
	default:
		w.logger.Warn("inbound buffer full, dropping message", "chat", msg.ChatID)
	}
}

// jidFor parses the native part of a prefixed chat ID.
func (w *WhatsApp) jidFor(chatID string) (types.JID, error) {
	name, native, err := channels.SplitChatID(chatID)
	if err != nil {
		return types.JID{}, err
	}
	if name != w.Name() {
		return types.JID{}, fmt.Errorf("chat %q does not belong to whatsapp", chatID)
	}
	if !strings.Contains(native, "@") {
		return types.JID{}, fmt.Errorf("invalid JID %q", native)
	}
	return types.ParseJID(native)
}
