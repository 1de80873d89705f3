package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Manager aggregates multiple channels behind one inbound stream and
// routes outbound operations to the channel owning each chat ID.
type Manager struct {
	channels map[string]Channel
	messages chan *IncomingMessage
	logger   *slog.Logger

	// listenWg tracks per-channel listen goroutines for safe shutdown.
	listenWg sync.WaitGroup

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a channel manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		channels: make(map[string]Channel),
		messages: make(chan *IncomingMessage, 256),
		logger:   logger.With("component", "channels"),
	}
}

// Register adds a channel. Must be called before Start.
func (m *Manager) Register(ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := ch.Name()
	if _, exists := m.channels[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}
	m.channels[name] = ch
	m.logger.Info("channel registered", "channel", name)
	return nil
}

// Start connects all registered channels and begins listening. A channel
// that fails to connect is logged and skipped; at least one must succeed
// unless none are registered.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.mu.RLock()
	snapshot := make(map[string]Channel, len(m.channels))
	for k, v := range m.channels {
		snapshot[k] = v
	}
	m.mu.RUnlock()

	if len(snapshot) == 0 {
		m.logger.Warn("no channels registered")
		return nil
	}

	var connected int
	for name, ch := range snapshot {
		if err := ch.Connect(m.ctx); err != nil {
			m.logger.Error("channel connect failed", "channel", name, "error", err)
			continue
		}
		connected++
		m.logger.Info("channel connected", "channel", name)

		m.listenWg.Add(1)
		go func(c Channel) {
			defer m.listenWg.Done()
			m.listen(c)
		}(ch)
	}

	if connected == 0 {
		return fmt.Errorf("no channel connected successfully")
	}
	return nil
}

// Stop disconnects all channels and waits for listeners to drain.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.listenWg.Wait()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if err := ch.Disconnect(); err != nil {
			m.logger.Warn("channel disconnect failed", "channel", name, "error", err)
		}
	}
	close(m.messages)
}

// Receive returns the aggregated inbound stream.
func (m *Manager) Receive() <-chan *IncomingMessage {
	return m.messages
}

// SendMessage routes a send to the channel owning chatID.
func (m *Manager) SendMessage(ctx context.Context, chatID, text string) error {
	ch, err := m.channelFor(chatID)
	if err != nil {
		return err
	}
	return ch.SendMessage(ctx, chatID, text)
}

// SetTyping routes a typing-indicator toggle to the owning channel.
// Best effort: unknown chats and disconnected channels are ignored.
func (m *Manager) SetTyping(ctx context.Context, chatID string, typing bool) {
	ch, err := m.channelFor(chatID)
	if err != nil {
		return
	}
	if err := ch.SetTyping(ctx, chatID, typing); err != nil {
		m.logger.Debug("set typing failed", "chat", chatID, "error", err)
	}
}

// SyncMetadata refreshes chat metadata on every connected channel.
func (m *Manager) SyncMetadata(ctx context.Context, force bool) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var firstErr error
	for name, ch := range m.channels {
		if !ch.IsConnected() {
			continue
		}
		if err := ch.SyncMetadata(ctx, force); err != nil {
			m.logger.Warn("metadata sync failed", "channel", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// channelFor resolves the channel owning a prefixed chat ID.
func (m *Manager) channelFor(chatID string) (Channel, error) {
	name, _, err := SplitChatID(chatID)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	ch, ok := m.channels[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, chatID)
	}
	return ch, nil
}

// listen forwards one channel's messages into the aggregate stream.
func (m *Manager) listen(ch Channel) {
	for {
		select {
		case <-m.ctx.Done():
			return
		case msg, ok := <-ch.Receive():
			if !ok {
				return
			}
			select {
			case m.messages <- msg:
			case <-m.ctx.Done():
				return
			}
		}
	}
}
