package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Runtime.MainFolder != "main" {
		t.Errorf("MainFolder = %q", cfg.Runtime.MainFolder)
	}
	if !cfg.Runtime.RequireTrigger {
		t.Error("RequireTrigger should default on")
	}
	if cfg.Timing.PollInterval() != 2*time.Second {
		t.Errorf("PollInterval = %s", cfg.Timing.PollInterval())
	}
	if cfg.Timing.ContainerTimeout() != 5*time.Minute {
		t.Errorf("ContainerTimeout = %s", cfg.Timing.ContainerTimeout())
	}
	if cfg.Timing.MaxOutputBytes != 10*1024*1024 {
		t.Errorf("MaxOutputBytes = %d", cfg.Timing.MaxOutputBytes)
	}
	if cfg.Paths.MountPolicyPath == "" {
		t.Error("MountPolicyPath should get a default outside workspaces")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("POLL_INTERVAL_MS", "500")
	t.Setenv("CONTAINER_RUNTIME", "tart")
	t.Setenv("BOT_NAME", "Robo")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Timing.PollInterval() != 500*time.Millisecond {
		t.Errorf("PollInterval = %s", cfg.Timing.PollInterval())
	}
	if cfg.Runtime.ContainerRuntime != "tart" {
		t.Errorf("ContainerRuntime = %q", cfg.Runtime.ContainerRuntime)
	}
	if cfg.Runtime.BotName != "Robo" {
		t.Errorf("BotName = %q", cfg.Runtime.BotName)
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile,
		[]byte("SCHEDULER_INTERVAL_MS=30000\nDISCORD_TOKEN=abc\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// godotenv does not override pre-set variables, so clear them.
	t.Setenv("SCHEDULER_INTERVAL_MS", "")
	os.Unsetenv("SCHEDULER_INTERVAL_MS")
	os.Unsetenv("DISCORD_TOKEN")

	cfg, err := Load(envFile)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Timing.SchedulerInterval() != 30*time.Second {
		t.Errorf("SchedulerInterval = %s", cfg.Timing.SchedulerInterval())
	}
	if cfg.Channels.Discord.Token != "abc" {
		t.Errorf("Discord token = %q", cfg.Channels.Discord.Token)
	}
}

type mapSettings map[string]string

func (m mapSettings) GetSetting(key string) (string, error) { return m[key], nil }

func TestApplySettings(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}

	cfg.ApplySettings(mapSettings{
		"poll_interval_ms": "750",
		"max_output_bytes": "1024",
		"require_trigger":  "false",
		"idle_timeout_ms":  "garbage", // ignored
	})

	if cfg.Timing.PollInterval() != 750*time.Millisecond {
		t.Errorf("PollInterval = %s", cfg.Timing.PollInterval())
	}
	if cfg.Timing.MaxOutputBytes != 1024 {
		t.Errorf("MaxOutputBytes = %d", cfg.Timing.MaxOutputBytes)
	}
	if cfg.Runtime.RequireTrigger {
		t.Error("require_trigger=false not applied")
	}
	if cfg.Timing.IdleTimeout() != 3*time.Second {
		t.Errorf("malformed setting overrode default: %s", cfg.Timing.IdleTimeout())
	}
}

func TestEnsureDirs(t *testing.T) {
	base := t.TempDir()
	cfg := &Config{
		Paths: PathsConfig{
			DataDir:       filepath.Join(base, "data"),
			WorkspacesDir: filepath.Join(base, "ws"),
		},
	}
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}

	for _, d := range []string{
		cfg.Paths.SessionsDir(),
		cfg.Paths.IPCDir(),
		filepath.Join(cfg.Paths.WorkspacesDir, "global"),
	} {
		if info, err := os.Stat(d); err != nil || !info.IsDir() {
			t.Errorf("directory %q missing", d)
		}
	}
}
