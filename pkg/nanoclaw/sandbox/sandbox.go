// Package sandbox provides the isolation engines that run agent processes
// for nanoclaw.
//
// Four engines expose the same contract — build a child process whose
// stdin receives the prompt envelope and whose stdout carries framed
// results:
//
//   - container: ephemeral OS container (native `container` CLI or docker)
//   - tart:      ephemeral VM, fresh clone per run, destroyed on exit
//   - vibe:      persistent VM with a per-group disk image
//   - none:      direct exec of the agent CLI, no isolation
//
// The runtime selector picks an engine and agent CLI per run from group
// config, the settings table, the environment, then built-in defaults,
// falling back across engines when the selected binary is absent.
package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/Aias00/nanoclaw/pkg/nanoclaw/mounts"
)

// Engine names. These double as the container_runtime setting values;
// "auto" defers to detection.
const (
	EngineContainer = "container"
	EngineDocker    = "docker"
	EngineTart      = "tart"
	EngineVibe      = "vibe"
	EngineNone      = "none"
	EngineAuto      = "auto"
)

// Agent CLI names.
const (
	AgentClaude   = "claude"
	AgentCodex    = "codex"
	AgentOpenCode = "opencode"
)

// RunRequest carries everything an engine needs to build the agent child
// process for one run.
type RunRequest struct {
	// Folder is the group's filesystem-safe workspace name.
	Folder string

	// ChatID is the originating chat, passed through to the agent.
	ChatID string

	// Privileged is true only for the main group.
	Privileged bool

	// AgentCLI is the agent executable to invoke (claude, codex, opencode).
	AgentCLI string

	// GroupDir, SessionsDir, IPCDir, GlobalDir, ProjectDir are the host
	// paths exposed to the agent. SessionsDir and IPCDir are the per-group
	// subdirectories, already resolved.
	GroupDir    string
	SessionsDir string
	IPCDir      string
	GlobalDir   string
	ProjectDir  string

	// ExtraMounts are policy-validated additional mounts.
	ExtraMounts []mounts.Mount

	// Env is the credential environment forwarded to the agent, already
	// filtered to the whitelist.
	Env map[string]string

	// Timeout is the wall-clock limit for the run. The supervisor enforces
	// the limit from its own RunOptions; the engines do not read this field.
	Timeout time.Duration

	// CPUs and MemoryMB size VM engines. Zero means engine default.
	CPUs     int
	MemoryMB int

	// Image overrides the engine's base image.
	Image string

	// RunID uniquely names clones and containers so an overlapping
	// stuck-cleanup and fresh run never collide.
	RunID string
}

// CleanupFunc tears down engine resources after the child exits. Always
// invoked, on success, failure, and cancellation alike.
type CleanupFunc func()

// Engine is the common contract for all isolation strategies.
type Engine interface {
	// Name returns the engine identifier.
	Name() string

	// Available reports whether the engine's tooling exists on this host.
	Available() bool

	// Prepare builds the child process for a run. For the one-shot VM
	// engine this blocks until the guest is reachable. The returned cleanup must be
	// called exactly once after the process exits.
	Prepare(ctx context.Context, req *RunRequest) (*exec.Cmd, CleanupFunc, error)
}

// Guest mount points inside containers. VM engines share the workspace
// directory at the same logical location.
const (
	guestGroupDir   = "/workspace/group"
	guestProjectDir = "/workspace/project"
	guestGlobalDir  = "/workspace/global"
	guestIPCDir     = "/workspace/ipc"
	guestExtraDir   = "/workspace/extra"
	guestHomeDir    = "/home/agent/.claude"
)

// agentUID is the non-root user containers run as.
const agentUID = "1000:1000"

// lookPath reports whether a binary is on PATH.
func lookPath(bin string) bool {
	_, err := exec.LookPath(bin)
	return err == nil
}

// envSlice flattens an env map for exec.Cmd, appended to a base
// environment.
func envSlice(base []string, env map[string]string) []string {
	out := append([]string{}, base...)
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}
