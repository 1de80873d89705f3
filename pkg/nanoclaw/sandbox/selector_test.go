package sandbox

import (
	"context"
	"os/exec"
	"testing"

	"github.com/Aias00/nanoclaw/pkg/nanoclaw/store"
)

type stubEngine struct {
	name  string
	avail bool
}

func (e *stubEngine) Name() string    { return e.name }
func (e *stubEngine) Available() bool { return e.avail }

func (e *stubEngine) Prepare(ctx context.Context, req *RunRequest) (*exec.Cmd, CleanupFunc, error) {
	return exec.Command("true"), func() {}, nil
}

type mapSettings map[string]string

func (m mapSettings) GetSetting(key string) (string, error) { return m[key], nil }

func newTestSelector(settings mapSettings, envEngine, envAgent string, engines ...Engine) *Selector {
	return NewSelector(settings, envEngine, envAgent, engines, nil)
}

func allStubs(avail bool) []Engine {
	return []Engine{
		&stubEngine{EngineContainer, avail},
		&stubEngine{EngineDocker, avail},
		&stubEngine{EngineTart, avail},
		&stubEngine{EngineVibe, avail},
		&stubEngine{EngineNone, true},
	}
}

func TestSelectDefaults(t *testing.T) {
	s := newTestSelector(mapSettings{}, "", "", allStubs(true)...)
	sel := s.Select(&store.RegisteredGroup{Folder: "family"})

	if sel.Engine.Name() != EngineContainer {
		t.Errorf("default engine = %s, want container", sel.Engine.Name())
	}
	if sel.AgentCLI != AgentClaude {
		t.Errorf("default agent = %s, want claude", sel.AgentCLI)
	}
}

func TestSelectGroupOverrideWins(t *testing.T) {
	s := newTestSelector(mapSettings{
		"container_runtime": "docker",
		"agent_runtime":     "codex",
	}, "tart", "opencode", allStubs(true)...)

	sel := s.Select(&store.RegisteredGroup{
		Folder:  "family",
		Sandbox: &store.SandboxConfig{Engine: EngineVibe, AgentRuntime: AgentOpenCode},
	})

	if sel.Engine.Name() != EngineVibe {
		t.Errorf("engine = %s, want vibe (group override)", sel.Engine.Name())
	}
	if sel.AgentCLI != AgentOpenCode {
		t.Errorf("agent = %s, want opencode (group override)", sel.AgentCLI)
	}
}

func TestSelectSettingsBeatEnv(t *testing.T) {
	s := newTestSelector(mapSettings{"container_runtime": "docker"},
		"tart", "", allStubs(true)...)

	sel := s.Select(&store.RegisteredGroup{Folder: "family"})
	if sel.Engine.Name() != EngineDocker {
		t.Errorf("engine = %s, want docker (settings beat env)", sel.Engine.Name())
	}
}

func TestSelectEnvFallback(t *testing.T) {
	s := newTestSelector(mapSettings{}, EngineTart, AgentCodex, allStubs(true)...)

	sel := s.Select(&store.RegisteredGroup{Folder: "family"})
	if sel.Engine.Name() != EngineTart {
		t.Errorf("engine = %s, want tart (env)", sel.Engine.Name())
	}
	if sel.AgentCLI != AgentCodex {
		t.Errorf("agent = %s, want codex (env)", sel.AgentCLI)
	}
}

func TestSelectAutoResolvesToContainer(t *testing.T) {
	s := newTestSelector(mapSettings{"container_runtime": EngineAuto}, "", "", allStubs(true)...)

	sel := s.Select(&store.RegisteredGroup{Folder: "family"})
	if sel.Engine.Name() != EngineContainer {
		t.Errorf("auto resolved to %s, want container", sel.Engine.Name())
	}
}

func TestSelectFallbackOrder(t *testing.T) {
	// Container unavailable: the chain prefers vibe, then tart, then docker.
	engines := []Engine{
		&stubEngine{EngineContainer, false},
		&stubEngine{EngineDocker, true},
		&stubEngine{EngineTart, true},
		&stubEngine{EngineVibe, true},
		&stubEngine{EngineNone, true},
	}
	s := newTestSelector(mapSettings{}, "", "", engines...)

	sel := s.Select(&store.RegisteredGroup{Folder: "family"})
	if sel.Engine.Name() != EngineVibe {
		t.Errorf("fallback = %s, want vibe first", sel.Engine.Name())
	}

	// Only docker left.
	engines = []Engine{
		&stubEngine{EngineContainer, false},
		&stubEngine{EngineDocker, true},
		&stubEngine{EngineTart, false},
		&stubEngine{EngineVibe, false},
		&stubEngine{EngineNone, true},
	}
	s = newTestSelector(mapSettings{}, "", "", engines...)
	sel = s.Select(&store.RegisteredGroup{Folder: "family"})
	if sel.Engine.Name() != EngineDocker {
		t.Errorf("fallback = %s, want docker last", sel.Engine.Name())
	}
}
