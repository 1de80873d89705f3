// selector.go resolves which engine and agent CLI a run uses. Both axes
// re-resolve at the start of every run so settings changes take effect
// without a restart.
package sandbox

import (
	"log/slog"
	"sync"

	"github.com/Aias00/nanoclaw/pkg/nanoclaw/store"
)

// Settings keys recognized by the selector.
const (
	settingContainerRuntime = "container_runtime"
	settingAgentRuntime     = "agent_runtime"
)

// SettingsReader is the slice of the store the selector needs.
type SettingsReader interface {
	GetSetting(key string) (string, error)
}

// Selection is a resolved engine × agent CLI pair.
type Selection struct {
	Engine   Engine
	AgentCLI string
}

// Selector chooses the sandbox engine and agent CLI for each run.
//
// Resolution order per axis, first non-empty wins:
//  1. the group's sandbox config
//  2. the settings table (container_runtime / agent_runtime)
//  3. the process environment (via config defaults)
//  4. built-in default (container engine, claude CLI)
//
// When the resolved engine's tooling is absent, the selector falls back
// native-container → persistent-VM → one-shot-VM → docker.
type Selector struct {
	settings SettingsReader
	logger   *slog.Logger

	// envEngine and envAgent are the process-environment defaults
	// (CONTAINER_RUNTIME / AGENT_RUNTIME).
	envEngine string
	envAgent  string

	engines map[string]Engine

	// lastLogged dedupes selection logging to startup and changes.
	mu         sync.Mutex
	lastLogged string
}

// fallbackOrder is tried when the requested engine is unavailable.
var fallbackOrder = []string{EngineContainer, EngineVibe, EngineTart, EngineDocker}

// NewSelector creates a selector over the given engines.
func NewSelector(settings SettingsReader, envEngine, envAgent string, engines []Engine, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}

	byName := make(map[string]Engine, len(engines))
	for _, e := range engines {
		byName[e.Name()] = e
	}

	return &Selector{
		settings:  settings,
		logger:    logger.With("component", "selector"),
		envEngine: envEngine,
		envAgent:  envAgent,
		engines:   byName,
	}
}

// Select resolves the engine and agent CLI for a group.
func (s *Selector) Select(group *store.RegisteredGroup) Selection {
	engineName := s.resolveEngine(group)
	agentCLI := s.resolveAgent(group)

	engine := s.pickAvailable(engineName)

	s.logSelection(group.Folder, engine.Name(), agentCLI)
	return Selection{Engine: engine, AgentCLI: agentCLI}
}

func (s *Selector) resolveEngine(group *store.RegisteredGroup) string {
	if group.Sandbox != nil && group.Sandbox.Engine != "" {
		return group.Sandbox.Engine
	}
	if v, err := s.settings.GetSetting(settingContainerRuntime); err == nil && v != "" {
		return v
	}
	if s.envEngine != "" {
		return s.envEngine
	}
	return EngineContainer
}

func (s *Selector) resolveAgent(group *store.RegisteredGroup) string {
	if group.Sandbox != nil && group.Sandbox.AgentRuntime != "" {
		return group.Sandbox.AgentRuntime
	}
	if v, err := s.settings.GetSetting(settingAgentRuntime); err == nil && v != "" {
		return v
	}
	if s.envAgent != "" {
		return s.envAgent
	}
	return AgentClaude
}

// pickAvailable returns the requested engine when its tooling exists,
// else walks the fallback order. The fallback order never includes the
// in-process engine; it is returned only as the last resort when the
// requested name matches no registered engine and nothing is available.
func (s *Selector) pickAvailable(name string) Engine {
	if name == EngineAuto {
		name = EngineContainer
	}

	if e, ok := s.engines[name]; ok && e.Available() {
		return e
	}

	for _, candidate := range fallbackOrder {
		if candidate == name {
			continue
		}
		if e, ok := s.engines[candidate]; ok && e.Available() {
			s.logger.Warn("requested engine unavailable, falling back",
				"requested", name, "using", candidate)
			return e
		}
	}

	// Nothing probed as available; return the request (or the in-process
	// engine as last resort) and let the run surface the spawn error.
	if e, ok := s.engines[name]; ok {
		return e
	}
	return s.engines[EngineNone]
}

// logSelection logs once at startup and again whenever the pair changes.
func (s *Selector) logSelection(folder, engine, agent string) {
	key := folder + "/" + engine + "/" + agent

	s.mu.Lock()
	changed := key != s.lastLogged
	s.lastLogged = key
	s.mu.Unlock()

	if changed {
		s.logger.Info("runtime selected", "group", folder, "engine", engine, "agent", agent)
	}
}
