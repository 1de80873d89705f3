package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// RegisteredGroup binds a chat to an isolated execution context.
type RegisteredGroup struct {
	ChatID          string
	Name            string
	Folder          string
	Trigger         string
	RequiresTrigger bool
	Sandbox         *SandboxConfig
}

// SandboxConfig carries per-group sandbox overrides. All fields are
// optional; empty values fall through the runtime selector.
type SandboxConfig struct {
	Engine       string       `json:"engine,omitempty"`
	AgentRuntime string       `json:"agentRuntime,omitempty"`
	Mounts       []GroupMount `json:"mounts,omitempty"`
	TimeoutMs    int          `json:"timeoutMs,omitempty"`
	CPUs         int          `json:"cpus,omitempty"`
	MemoryMB     int          `json:"memoryMb,omitempty"`
	Image        string       `json:"image,omitempty"`
}

// GroupMount is an additional host path requested by a group. Subject to
// mount policy validation before every run.
type GroupMount struct {
	HostPath  string `json:"hostPath"`
	GuestPath string `json:"guestPath"`
	ReadOnly  bool   `json:"readonly"`
}

// UpsertGroup registers a chat or updates an existing registration.
func (s *Store) UpsertGroup(g RegisteredGroup) error {
	cfg, err := marshalSandboxConfig(g.Sandbox)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO registered_groups (chat_id, name, folder, trigger, requires_trigger, sandbox_config)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			name = excluded.name,
			folder = excluded.folder,
			trigger = excluded.trigger,
			requires_trigger = excluded.requires_trigger,
			sandbox_config = excluded.sandbox_config`,
		g.ChatID, g.Name, g.Folder, g.Trigger, boolToInt(g.RequiresTrigger), cfg)
	if err != nil {
		return fmt.Errorf("upsert group %q: %w", g.ChatID, err)
	}
	return nil
}

// ListGroups returns all registered groups.
func (s *Store) ListGroups() ([]RegisteredGroup, error) {
	rows, err := s.db.Query(`
		SELECT chat_id, name, folder, trigger, requires_trigger, sandbox_config
		FROM registered_groups ORDER BY folder`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var groups []RegisteredGroup
	for rows.Next() {
		var g RegisteredGroup
		var requires int
		var cfg sql.NullString
		if err := rows.Scan(&g.ChatID, &g.Name, &g.Folder, &g.Trigger, &requires, &cfg); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		g.RequiresTrigger = requires != 0
		g.Sandbox = unmarshalSandboxConfig(cfg.String)
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// marshalSandboxConfig renders the config column; nil stays NULL.
func marshalSandboxConfig(cfg *SandboxConfig) (any, error) {
	if cfg == nil {
		return nil, nil
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal sandbox config: %w", err)
	}
	return string(b), nil
}

// unmarshalSandboxConfig tolerates corrupt rows: a column that no longer
// parses resets to no overrides rather than poisoning the group.
func unmarshalSandboxConfig(raw string) *SandboxConfig {
	if raw == "" {
		return nil
	}
	var cfg SandboxConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil
	}
	return &cfg
}

// ---------- Sessions ----------

// GetSession returns the stored session ID for a group folder, or "".
func (s *Store) GetSession(folder string) (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT session_id FROM sessions WHERE folder = ?`, folder).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get session for %q: %w", folder, err)
	}
	return id, nil
}

// SetSession persists the session handle for a group folder.
func (s *Store) SetSession(folder, sessionID string) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (folder, session_id) VALUES (?, ?)
		ON CONFLICT(folder) DO UPDATE SET session_id = excluded.session_id`,
		folder, sessionID)
	if err != nil {
		return fmt.Errorf("set session for %q: %w", folder, err)
	}
	return nil
}

// ---------- Router state (cursors) ----------

const lastTimestampKey = "last_timestamp"

// GetLastTimestamp returns the store-wide "seen up to" watermark.
func (s *Store) GetLastTimestamp() (string, error) {
	return s.routerState(lastTimestampKey)
}

// SetLastTimestamp persists the store-wide watermark.
func (s *Store) SetLastTimestamp(ts string) error {
	return s.setRouterState(lastTimestampKey, ts)
}

// GetAgentTimestamp returns the per-group agent cursor: the latest message
// timestamp whose content has been handed to an agent.
func (s *Store) GetAgentTimestamp(folder string) (string, error) {
	return s.routerState("agent_ts:" + folder)
}

// SetAgentTimestamp persists the per-group agent cursor.
func (s *Store) SetAgentTimestamp(folder, ts string) error {
	return s.setRouterState("agent_ts:"+folder, ts)
}

func (s *Store) routerState(key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM router_state WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get router state %q: %w", key, err)
	}
	return v, nil
}

func (s *Store) setRouterState(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO router_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("set router state %q: %w", key, err)
	}
	return nil
}

// ---------- Settings ----------

// GetSetting returns a settings value, or "" when unset.
func (s *Store) GetSetting(key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %q: %w", key, err)
	}
	return v, nil
}

// SetSetting writes a settings value.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	return nil
}
