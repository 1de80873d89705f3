// container.go implements the ephemeral container engine. Each run starts
// a fresh container with the standard workspace mount layout and removes
// it on exit.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"

	"github.com/Aias00/nanoclaw/pkg/nanoclaw/mounts"
)

// defaultContainerImage is the agent base image built by the operator.
const defaultContainerImage = "nanoclaw-agent:latest"

// ContainerEngine runs agents in ephemeral containers. It wraps either the
// OS-native `container` CLI or docker; the two expose slightly different
// grammars for read-only binds, normalized by bindArgs.
type ContainerEngine struct {
	// binary is "container" or "docker", detected or forced.
	binary string
	logger *slog.Logger
}

// NewContainerEngine creates a container engine. binary may be empty for
// auto-detection: the native runtime wins when present.
func NewContainerEngine(binary string, logger *slog.Logger) *ContainerEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if binary == "" {
		binary = detectContainerBinary()
	}
	return &ContainerEngine{
		binary: binary,
		logger: logger.With("component", "sandbox.container"),
	}
}

// detectContainerBinary prefers the OS-native runtime over docker.
func detectContainerBinary() string {
	if lookPath("container") {
		return "container"
	}
	if lookPath("docker") {
		return "docker"
	}
	return "container"
}

// Name returns the configured binary name, which doubles as the engine
// identifier ("container" or "docker").
func (e *ContainerEngine) Name() string { return e.binary }

// Available reports whether the container binary exists.
func (e *ContainerEngine) Available() bool { return lookPath(e.binary) }

// Prepare builds the `container run` / `docker run` command. The container
// is removed by the runtime on exit (--rm); cleanup force-removes it in
// case the runtime wedged.
func (e *ContainerEngine) Prepare(ctx context.Context, req *RunRequest) (*exec.Cmd, CleanupFunc, error) {
	image := req.Image
	if image == "" {
		image = defaultContainerImage
	}

	name := fmt.Sprintf("nanoclaw-%s-%s", req.Folder, req.RunID)

	args := []string{
		"run", "-i", "--rm",
		"--name", name,
		"--user", agentUID,
	}

	for _, b := range e.runBinds(req) {
		args = append(args, e.bindArgs(b)...)
	}

	for k, v := range req.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}

	args = append(args, image, req.AgentCLI)

	cmd := exec.CommandContext(ctx, e.binary, args...)

	cleanup := func() {
		// Belt and braces: --rm normally handles this, but a wedged
		// runtime can leave the container behind and block the name.
		rm := exec.Command(e.binary, "rm", "-f", name)
		if err := rm.Run(); err != nil {
			e.logger.Debug("container remove", "name", name, "error", err)
		}
	}

	return cmd, cleanup, nil
}

// runBinds assembles the standard mount layout plus validated extras.
func (e *ContainerEngine) runBinds(req *RunRequest) []mounts.Mount {
	binds := []mounts.Mount{
		{HostPath: req.GroupDir, GuestPath: guestGroupDir},
		{HostPath: req.SessionsDir, GuestPath: guestHomeDir},
		{HostPath: req.IPCDir, GuestPath: guestIPCDir},
	}

	if req.Privileged {
		binds = append(binds, mounts.Mount{HostPath: req.ProjectDir, GuestPath: guestProjectDir})
	} else {
		binds = append(binds, mounts.Mount{HostPath: req.GlobalDir, GuestPath: guestGlobalDir, ReadOnly: true})
	}

	for _, m := range req.ExtraMounts {
		guest := m.GuestPath
		if !filepath.IsAbs(guest) {
			guest = filepath.Join(guestExtraDir, guest)
		}
		binds = append(binds, mounts.Mount{HostPath: m.HostPath, GuestPath: guest, ReadOnly: m.ReadOnly})
	}
	return binds
}

// bindArgs normalizes the read-only bind grammar between the native
// runtime (--mount) and docker (-v suffix).
func (e *ContainerEngine) bindArgs(m mounts.Mount) []string {
	if e.binary == "docker" {
		spec := fmt.Sprintf("%s:%s", m.HostPath, m.GuestPath)
		if m.ReadOnly {
			spec += ":ro"
		}
		return []string{"-v", spec}
	}

	spec := fmt.Sprintf("type=bind,source=%s,target=%s", m.HostPath, m.GuestPath)
	if m.ReadOnly {
		spec += ",readonly"
	}
	return []string{"--mount", spec}
}
