// Package config provides configuration types and loading for nanoclaw.
//
// Configuration is layered: defaults, then an optional .env file, then
// process environment variables. Timing and runtime-selection keys mirror
// the settings table so operators can override either side.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is the root configuration struct.
type Config struct {
	Paths    PathsConfig
	Runtime  RuntimeConfig
	Timing   TimingConfig
	Channels ChannelsConfig
	Logging  LoggingConfig
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	// DataDir is the root for all persisted state (database, sessions,
	// IPC directories, VM disks).
	DataDir string `envconfig:"DATA_DIR" default:"./data"`

	// WorkspacesDir holds one directory per registered group; it is the
	// agent's working directory inside the sandbox.
	WorkspacesDir string `envconfig:"WORKSPACES_DIR" default:"./workspaces"`

	// ProjectDir is the repository root mounted read-write into the main
	// group's container.
	ProjectDir string `envconfig:"PROJECT_DIR" default:"."`

	// MountPolicyPath is the mount allowlist file. It lives under the host
	// configuration directory, never inside a workspace, so an agent can
	// never rewrite what it is allowed to mount.
	MountPolicyPath string `envconfig:"MOUNT_POLICY_PATH"`

	// AgentEnvFile holds the credentials forwarded to agent processes.
	// Kept outside every workspace.
	AgentEnvFile string `envconfig:"AGENT_ENV_FILE"`
}

// DatabasePath returns the sqlite database location.
func (p PathsConfig) DatabasePath() string {
	return filepath.Join(p.DataDir, "nanoclaw.db")
}

// SessionsDir returns the per-group agent home directory root.
func (p PathsConfig) SessionsDir() string {
	return filepath.Join(p.DataDir, "sessions")
}

// IPCDir returns the per-group IPC directory root.
func (p PathsConfig) IPCDir() string {
	return filepath.Join(p.DataDir, "ipc")
}

// VMImagesDir returns the per-group persistent VM disk directory.
func (p PathsConfig) VMImagesDir() string {
	return filepath.Join(p.DataDir, "vibe-images")
}

// GroupDir returns the workspace directory for a group folder.
func (p PathsConfig) GroupDir(folder string) string {
	return filepath.Join(p.WorkspacesDir, folder)
}

// ---------------------------------------------------------------------------
// Runtime – sandbox engine and agent CLI selection
// ---------------------------------------------------------------------------

// RuntimeConfig groups runtime-selection settings. Each axis resolves
// group config → settings table → these values → built-in default.
type RuntimeConfig struct {
	// ContainerRuntime selects the sandbox engine:
	// container, docker, tart, vibe, auto.
	ContainerRuntime string `envconfig:"CONTAINER_RUNTIME"`

	// AgentRuntime selects the agent CLI: claude, codex, opencode.
	AgentRuntime string `envconfig:"AGENT_RUNTIME"`

	// RequireTrigger enforces the trigger regex for non-main groups.
	RequireTrigger bool `envconfig:"REQUIRE_TRIGGER" default:"true"`

	// MainFolder names the single privileged group.
	MainFolder string `envconfig:"MAIN_FOLDER" default:"main"`

	// BotName is the assistant's display name; messages it sends under
	// this name are excluded from agent prompts.
	BotName string `envconfig:"BOT_NAME" default:"Andy"`

	// KeyringService is the OS keyring service name for agent credentials.
	KeyringService string `envconfig:"KEYRING_SERVICE" default:"nanoclaw"`
}

// ---------------------------------------------------------------------------
// Timing – poll intervals and caps
// ---------------------------------------------------------------------------

// TimingConfig groups the poll intervals, timeouts, and output caps.
// All intervals are configured in milliseconds to match the settings keys.
type TimingConfig struct {
	PollIntervalMs      int   `envconfig:"POLL_INTERVAL_MS" default:"2000"`
	SchedulerIntervalMs int   `envconfig:"SCHEDULER_INTERVAL_MS" default:"60000"`
	IPCIntervalMs       int   `envconfig:"IPC_INTERVAL_MS" default:"1000"`
	IdleTimeoutMs       int   `envconfig:"IDLE_TIMEOUT_MS" default:"3000"`
	ContainerTimeoutMs  int   `envconfig:"CONTAINER_TIMEOUT_MS" default:"300000"`
	MaxOutputBytes      int64 `envconfig:"MAX_OUTPUT_BYTES" default:"10485760"`
	ShutdownGraceMs     int   `envconfig:"SHUTDOWN_GRACE_MS" default:"10000"`
}

func (t TimingConfig) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalMs) * time.Millisecond
}

func (t TimingConfig) SchedulerInterval() time.Duration {
	return time.Duration(t.SchedulerIntervalMs) * time.Millisecond
}

func (t TimingConfig) IPCInterval() time.Duration {
	return time.Duration(t.IPCIntervalMs) * time.Millisecond
}

func (t TimingConfig) IdleTimeout() time.Duration {
	return time.Duration(t.IdleTimeoutMs) * time.Millisecond
}

func (t TimingConfig) ContainerTimeout() time.Duration {
	return time.Duration(t.ContainerTimeoutMs) * time.Millisecond
}

func (t TimingConfig) ShutdownGrace() time.Duration {
	return time.Duration(t.ShutdownGraceMs) * time.Millisecond
}

// ---------------------------------------------------------------------------
// Channels – messaging integrations
// ---------------------------------------------------------------------------

// ChannelsConfig contains all channel configurations.
type ChannelsConfig struct {
	WhatsApp WhatsAppConfig
	Discord  DiscordConfig
}

// WhatsAppConfig configures the WhatsApp channel.
type WhatsAppConfig struct {
	Enabled bool `envconfig:"WHATSAPP_ENABLED" default:"true"`

	// SessionPath is the sqlite database for the whatsmeow device store.
	SessionPath string `envconfig:"WHATSAPP_SESSION_PATH"`
}

// DiscordConfig configures the Discord channel.
type DiscordConfig struct {
	Enabled bool   `envconfig:"DISCORD_ENABLED" default:"false"`
	Token   string `envconfig:"DISCORD_TOKEN"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Format string `envconfig:"LOG_FORMAT" default:"text"`
}

// Load reads configuration from the environment. If envFile is non-empty
// and exists, it is loaded first (without overriding already-set variables,
// matching godotenv semantics).
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("load env file %q: %w", envFile, err)
			}
		}
	}

	var cfg Config
	if err := envconfig.Process("NANOCLAW", &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	if cfg.Paths.MountPolicyPath == "" {
		cfg.Paths.MountPolicyPath = defaultMountPolicyPath()
	}
	if cfg.Channels.WhatsApp.SessionPath == "" {
		cfg.Channels.WhatsApp.SessionPath = filepath.Join(cfg.Paths.DataDir, "whatsapp.db")
	}

	return &cfg, nil
}

// SettingsReader resolves runtime overrides from the settings table.
type SettingsReader interface {
	GetSetting(key string) (string, error)
}

// ApplySettings overlays settings-table values onto the config. Settings
// beat the environment, mirroring the runtime selector's resolution
// order. Unknown or malformed values are ignored.
func (c *Config) ApplySettings(settings SettingsReader) {
	if v, ok := settingInt(settings, "poll_interval_ms"); ok {
		c.Timing.PollIntervalMs = v
	}
	if v, ok := settingInt(settings, "scheduler_interval_ms"); ok {
		c.Timing.SchedulerIntervalMs = v
	}
	if v, ok := settingInt(settings, "ipc_interval_ms"); ok {
		c.Timing.IPCIntervalMs = v
	}
	if v, ok := settingInt(settings, "idle_timeout_ms"); ok {
		c.Timing.IdleTimeoutMs = v
	}
	if v, ok := settingInt(settings, "container_timeout_ms"); ok {
		c.Timing.ContainerTimeoutMs = v
	}
	if v, ok := settingInt(settings, "max_output_bytes"); ok {
		c.Timing.MaxOutputBytes = int64(v)
	}
	if v, err := settings.GetSetting("require_trigger"); err == nil && v != "" {
		c.Runtime.RequireTrigger = v == "true"
	}
}

func settingInt(settings SettingsReader, key string) (int, bool) {
	v, err := settings.GetSetting(key)
	if err != nil || v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// defaultMountPolicyPath places the policy under the user config directory,
// outside any workspace.
func defaultMountPolicyPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "nanoclaw", "mount-policy.yaml")
}

// EnsureDirs creates the data, workspace, session, and IPC roots.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.Paths.DataDir,
		c.Paths.WorkspacesDir,
		c.Paths.SessionsDir(),
		c.Paths.IPCDir(),
		filepath.Join(c.Paths.WorkspacesDir, "global"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", d, err)
		}
	}
	return nil
}
