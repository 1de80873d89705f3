package store

import (
	"database/sql"
	"fmt"
	"strings"
)

// Chat is conversation-level metadata for anything seen on a channel.
type Chat struct {
	ChatID          string
	Name            string
	LastMessageTime string
}

// Message is a single inbound channel message. Content is only persisted
// for chats bound to a registered group.
type Message struct {
	ChatID     string
	ID         string
	SenderID   string
	SenderName string
	Content    string
	Timestamp  string
	FromSelf   bool
}

// UpsertChat records or refreshes chat metadata. Called on every inbound
// message, registered or not.
func (s *Store) UpsertChat(chatID, name, lastMessage string) error {
	_, err := s.db.Exec(`
		INSERT INTO chats (chat_id, name, last_message) VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
			last_message = excluded.last_message`,
		chatID, name, lastMessage)
	if err != nil {
		return fmt.Errorf("upsert chat %q: %w", chatID, err)
	}
	return nil
}

// InsertMessage stores an inbound message. Duplicate (chat_id, id) pairs
// are ignored; channels redeliver on reconnect.
func (s *Store) InsertMessage(m Message) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO messages
			(chat_id, id, sender_id, sender_name, content, timestamp, from_self)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ChatID, m.ID, m.SenderID, m.SenderName, m.Content, m.Timestamp, boolToInt(m.FromSelf))
	if err != nil {
		return fmt.Errorf("insert message %s/%s: %w", m.ChatID, m.ID, err)
	}
	return nil
}

// GetNewMessages returns messages strictly after sinceTs for the given
// chats, excluding the assistant's own, ordered by timestamp ascending.
// The second return value is the new high-water mark: the max timestamp of
// the returned messages, or sinceTs when none matched.
func (s *Store) GetNewMessages(chatIDs []string, sinceTs, selfName string) ([]Message, string, error) {
	if len(chatIDs) == 0 {
		return nil, sinceTs, nil
	}

	placeholders := strings.Repeat("?,", len(chatIDs))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(chatIDs)+2)
	for _, id := range chatIDs {
		args = append(args, id)
	}
	args = append(args, sinceTs, selfName)

	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT chat_id, id, sender_id, sender_name, content, timestamp, from_self
		FROM messages
		WHERE chat_id IN (%s) AND timestamp > ? AND sender_name != ?
		ORDER BY timestamp ASC`, placeholders), args...)
	if err != nil {
		return nil, sinceTs, fmt.Errorf("query new messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, sinceTs, err
	}

	newMax := sinceTs
	for _, m := range msgs {
		if m.Timestamp > newMax {
			newMax = m.Timestamp
		}
	}
	return msgs, newMax, nil
}

// GetMessagesSince returns the catch-up window for one chat: everything
// strictly after sinceTs that did not come from the assistant itself.
func (s *Store) GetMessagesSince(chatID, sinceTs, selfName string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT chat_id, id, sender_id, sender_name, content, timestamp, from_self
		FROM messages
		WHERE chat_id = ? AND timestamp > ? AND sender_name != ?
		ORDER BY timestamp ASC`,
		chatID, sinceTs, selfName)
	if err != nil {
		return nil, fmt.Errorf("query messages since %q for %q: %w", sinceTs, chatID, err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// LatestMessageTime returns the newest stored message timestamp for a chat,
// or "" when the chat has no messages. Used by the startup recovery scan.
func (s *Store) LatestMessageTime(chatID string) (string, error) {
	var ts sql.NullString
	err := s.db.QueryRow(
		`SELECT MAX(timestamp) FROM messages WHERE chat_id = ?`, chatID).Scan(&ts)
	if err != nil {
		return "", fmt.Errorf("query latest message time for %q: %w", chatID, err)
	}
	return ts.String, nil
}

// ListChats returns all known chats, most recently active first.
func (s *Store) ListChats() ([]Chat, error) {
	rows, err := s.db.Query(
		`SELECT chat_id, name, last_message FROM chats ORDER BY last_message DESC`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ChatID, &c.Name, &c.LastMessageTime); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		var fromSelf int
		if err := rows.Scan(&m.ChatID, &m.ID, &m.SenderID, &m.SenderName,
			&m.Content, &m.Timestamp, &fromSelf); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.FromSelf = fromSelf != 0
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
