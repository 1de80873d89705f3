// Package channels defines the interface and types for nanoclaw
// communication channels. Each channel (WhatsApp, Discord) implements the
// Channel interface to receive and send messages in a unified way.
//
// Chat IDs are channel-prefixed ("whatsapp:<jid>", "discord:<channel>") so
// they are globally unique across channels; the Manager routes outbound
// sends by that prefix.
package channels

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Channel defines the interface that every communication channel must implement.
type Channel interface {
	// Name returns the channel identifier (e.g. "whatsapp", "discord").
	Name() string

	// Connect establishes the connection to the messaging platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// SendMessage sends text to the given chat.
	SendMessage(ctx context.Context, chatID, text string) error

	// SetTyping toggles the typing indicator for a chat. Channels without
	// presence support return nil.
	SetTyping(ctx context.Context, chatID string, typing bool) error

	// SyncMetadata refreshes the channel's chat list (group names and
	// membership). force bypasses any channel-side cache.
	SyncMetadata(ctx context.Context, force bool) error

	// Receive returns a Go channel that emits incoming messages.
	Receive() <-chan *IncomingMessage

	// IsConnected reports whether the channel is connected.
	IsConnected() bool
}

// IncomingMessage represents a message received from any channel.
type IncomingMessage struct {
	// ID is the unique message identifier in the source channel.
	ID string

	// ChatID is the prefixed group or DM identifier.
	ChatID string

	// ChatName is the chat display name (if known).
	ChatName string

	// SenderID is the sender identifier on the platform.
	SenderID string

	// SenderName is the sender display name (if available).
	SenderName string

	// Content is the text content of the message.
	Content string

	// Timestamp is when the message was sent.
	Timestamp time.Time

	// FromSelf is true when the assistant's own account sent the message.
	FromSelf bool

	// PrivilegedHint marks messages from a chat the channel considers
	// operator-owned (e.g. the bot owner's DM). Advisory only; privilege
	// is decided by the registered group's folder.
	PrivilegedHint bool
}

// Prefix builds a channel-scoped chat ID.
func Prefix(channelName, nativeID string) string {
	return channelName + ":" + nativeID
}

// SplitChatID separates a prefixed chat ID into channel name and native ID.
func SplitChatID(chatID string) (channelName, nativeID string, err error) {
	name, native, ok := strings.Cut(chatID, ":")
	if !ok || name == "" || native == "" {
		return "", "", fmt.Errorf("malformed chat ID %q", chatID)
	}
	return name, native, nil
}

// Errors.
var (
	ErrChannelDisconnected = fmt.Errorf("channel is not connected")
	ErrUnknownChannel      = fmt.Errorf("no channel for chat ID")
)
