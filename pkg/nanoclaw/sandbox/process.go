// process.go implements the in-process engine: the agent CLI spawned
// directly with no sandbox. Host filesystem exposure is unconstrained, so
// this engine is restricted to the privileged operator's own group.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
)

// ErrUnprivilegedProcessRun is returned when a non-main group selects the
// in-process engine without the explicit override.
var ErrUnprivilegedProcessRun = errors.New("in-process engine is restricted to the main group")

// ProcessEngine executes the agent CLI directly.
type ProcessEngine struct {
	logger *slog.Logger

	// AllowUnprivileged permits non-main groups to use this engine.
	// Off by default: without a sandbox there is no mount boundary.
	AllowUnprivileged bool
}

// NewProcessEngine creates the in-process engine.
func NewProcessEngine(logger *slog.Logger) *ProcessEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessEngine{logger: logger.With("component", "sandbox.process")}
}

// Name returns the engine identifier.
func (e *ProcessEngine) Name() string { return EngineNone }

// Available is always true; there is nothing to probe.
func (e *ProcessEngine) Available() bool { return true }

// Prepare builds a direct exec of the agent CLI with the group workspace
// as working directory and the session directory as home.
func (e *ProcessEngine) Prepare(ctx context.Context, req *RunRequest) (*exec.Cmd, CleanupFunc, error) {
	if !req.Privileged && !e.AllowUnprivileged {
		return nil, nil, ErrUnprivilegedProcessRun
	}

	if _, err := exec.LookPath(req.AgentCLI); err != nil {
		return nil, nil, fmt.Errorf("agent CLI %q not found: %w", req.AgentCLI, err)
	}

	cmd := exec.CommandContext(ctx, req.AgentCLI)
	cmd.Dir = req.GroupDir

	env := map[string]string{
		"HOME":             req.SessionsDir,
		"NANOCLAW_IPC_DIR": req.IPCDir,
	}
	for k, v := range req.Env {
		env[k] = v
	}
	cmd.Env = envSlice(os.Environ(), env)

	return cmd, func() {}, nil
}
