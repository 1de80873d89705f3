// Package discord implements the Discord channel for nanoclaw using discordgo.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Aias00/nanoclaw/pkg/nanoclaw/channels"

	"github.com/bwmarrin/discordgo"
)

// maxMessageLen is Discord's hard limit per message; longer replies are
// split on line boundaries.
const maxMessageLen = 2000

// Config holds Discord channel configuration.
type Config struct {
	Token string
}

// Discord implements channels.Channel.
type Discord struct {
	cfg     Config
	session *discordgo.Session
	logger  *slog.Logger

	messages  chan *channels.IncomingMessage
	connected atomic.Bool

	// closed guards emit against the channel teardown in Disconnect.
	closed atomic.Bool
}

// New creates a Discord channel instance.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:      cfg,
		logger:   logger.With("component", "discord"),
		messages: make(chan *channels.IncomingMessage, 256),
	}
}

// Name returns the channel identifier.
func (d *Discord) Name() string { return "discord" }

// Connect opens the gateway session.
func (d *Discord) Connect(ctx context.Context) error {
	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("creating discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("opening discord gateway: %w", err)
	}

	d.session = session
	d.connected.Store(true)
	d.logger.Info("connected", "user", session.State.User.Username)
	return nil
}

// Disconnect closes the gateway session.
func (d *Discord) Disconnect() error {
	d.connected.Store(false)
	if d.session != nil {
		if err := d.session.Close(); err != nil {
			return fmt.Errorf("closing discord session: %w", err)
		}
	}
	if d.closed.CompareAndSwap(false, true) {
		close(d.messages)
	}
	return nil
}

// SendMessage sends text to a prefixed channel ID, splitting at Discord's
// message length limit.
func (d *Discord) SendMessage(ctx context.Context, chatID, text string) error {
	if !d.connected.Load() {
		return channels.ErrChannelDisconnected
	}

	native, err := d.nativeID(chatID)
	if err != nil {
		return err
	}

	for _, chunk := range splitMessage(text, maxMessageLen) {
		if _, err := d.session.ChannelMessageSend(native, chunk); err != nil {
			return fmt.Errorf("sending to %q: %w", chatID, err)
		}
	}
	return nil
}

// SetTyping triggers the typing indicator. Discord clears it automatically
// after a few seconds, so only the "on" edge is sent.
func (d *Discord) SetTyping(ctx context.Context, chatID string, typing bool) error {
	if !typing {
		return nil
	}
	if !d.connected.Load() {
		return channels.ErrChannelDisconnected
	}

	native, err := d.nativeID(chatID)
	if err != nil {
		return err
	}
	return d.session.ChannelTyping(native)
}

// SyncMetadata walks the guild channel lists and emits text channels as
// chat metadata.
func (d *Discord) SyncMetadata(ctx context.Context, force bool) error {
	if !d.connected.Load() {
		return channels.ErrChannelDisconnected
	}

	var count int
	for _, guild := range d.session.State.Guilds {
		chs, err := d.session.GuildChannels(guild.ID)
		if err != nil {
			d.logger.Warn("listing guild channels failed", "guild", guild.ID, "error", err)
			continue
		}
		for _, ch := range chs {
			if ch.Type != discordgo.ChannelTypeGuildText {
				continue
			}
			count++
			d.emit(&channels.IncomingMessage{
				ChatID:    channels.Prefix(d.Name(), ch.ID),
				ChatName:  guild.Name + " #" + ch.Name,
				Timestamp: time.Now(),
			})
		}
	}
	d.logger.Info("channel metadata synced", "channels", count)
	return nil
}

// Receive returns the inbound message stream.
func (d *Discord) Receive() <-chan *channels.IncomingMessage {
	return d.messages
}

// IsConnected reports connection state.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// ---------- Internal ----------

func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Content == "" {
		return
	}

	fromSelf := s.State.User != nil && m.Author.ID == s.State.User.ID
	senderName := m.Author.Username
	if m.Member != nil && m.Member.Nick != "" {
		senderName = m.Member.Nick
	}

	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	d.emit(&channels.IncomingMessage{
		ID:         m.ID,
		ChatID:     channels.Prefix(d.Name(), m.ChannelID),
		SenderID:   m.Author.ID,
		SenderName: senderName,
		Content:    m.Content,
		Timestamp:  ts,
		FromSelf:   fromSelf,
	})
}

func (d *Discord) emit(msg *channels.IncomingMessage) {
	if d.closed.Load() {
		return
	}
	select {
	case d.messages <- msg:
	default:
		d.logger.Warn("inbound buffer full, dropping message", "chat", msg.ChatID)
	}
}

func (d *Discord) nativeID(chatID string) (string, error) {
	name, native, err := channels.SplitChatID(chatID)
	if err != nil {
		return "", err
	}
	if name != d.Name() {
		return "", fmt.Errorf("chat %q does not belong to discord", chatID)
	}
	return native, nil
}

// splitMessage breaks text into chunks no longer than maxLen, preferring
// newline boundaries.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > maxLen {
		cut := maxLen
		for i := maxLen - 1; i > maxLen/2; i-- {
			if text[i] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if len(text) > 0 {
		chunks = append(chunks, text)
	}
	return chunks
}
