// vm_oneshot.go implements the ephemeral VM engine on top of the tart
// CLI. Every run clones the base image, boots it, executes the agent over
// ssh with the workspace directory shared into the guest, and destroys
// the clone unconditionally on exit. Zero residue, at boot-latency cost.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// defaultVMImage is the prepared base image name.
const defaultVMImage = "nanoclaw-base"

// guestUser is the account baked into the base image.
const guestUser = "agent"

// TartEngine runs agents in one-shot VMs.
type TartEngine struct {
	logger *slog.Logger

	// bootTimeout bounds the wait for address assignment plus ssh.
	bootTimeout time.Duration
}

// NewTartEngine creates the one-shot VM engine.
func NewTartEngine(logger *slog.Logger) *TartEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &TartEngine{
		logger:      logger.With("component", "sandbox.tart"),
		bootTimeout: 2 * time.Minute,
	}
}

// Name returns the engine identifier.
func (e *TartEngine) Name() string { return EngineTart }

// Available reports whether the tart binary exists.
func (e *TartEngine) Available() bool { return lookPath("tart") }

// Prepare clones and boots a fresh VM, waits until it is reachable, and
// returns the ssh command that runs the agent CLI inside it. Cleanup
// stops and deletes the clone regardless of how the run ended.
func (e *TartEngine) Prepare(ctx context.Context, req *RunRequest) (*exec.Cmd, CleanupFunc, error) {
	base := req.Image
	if base == "" {
		base = defaultVMImage
	}
	clone := fmt.Sprintf("%s-%s", req.Folder, req.RunID)

	cleanup := func() {
		stop := exec.Command("tart", "stop", clone)
		if err := stop.Run(); err != nil {
			e.logger.Debug("vm stop", "clone", clone, "error", err)
		}
		del := exec.Command("tart", "delete", clone)
		if err := del.Run(); err != nil {
			e.logger.Warn("vm delete failed, clone may linger", "clone", clone, "error", err)
		}
	}

	if err := e.cloneAndBoot(ctx, base, clone, req); err != nil {
		cleanup()
		return nil, nil, err
	}

	ip, err := e.waitForVM(ctx, clone)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	if err := e.uploadCredentials(ctx, ip, req); err != nil {
		cleanup()
		return nil, nil, err
	}

	// The shared workspace appears under "My Shared Files" in the guest;
	// the base image symlinks it to the agent home.
	var env strings.Builder
	for k, v := range req.Env {
		fmt.Fprintf(&env, "%s=%q ", k, v)
	}

	cmd := exec.CommandContext(ctx, "ssh",
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "LogLevel=ERROR",
		fmt.Sprintf("%s@%s", guestUser, ip),
		fmt.Sprintf("cd ~/workspace && %s%s", env.String(), req.AgentCLI),
	)

	e.logger.Info("vm ready", "clone", clone, "ip", ip)
	return cmd, cleanup, nil
}

// cloneAndBoot clones the base image and starts the VM headless with the
// workspace directory shared into the guest.
func (e *TartEngine) cloneAndBoot(ctx context.Context, base, clone string, req *RunRequest) error {
	if out, err := exec.CommandContext(ctx, "tart", "clone", base, clone).CombinedOutput(); err != nil {
		return fmt.Errorf("clone %q from %q: %w: %s", clone, base, err, bytes.TrimSpace(out))
	}

	args := []string{"run", "--no-graphics",
		"--dir", fmt.Sprintf("workspace:%s", req.GroupDir),
		"--dir", fmt.Sprintf("ipc:%s", req.IPCDir),
	}
	if req.CPUs > 0 {
		if out, err := exec.CommandContext(ctx, "tart", "set", clone,
			"--cpu", strconv.Itoa(req.CPUs)).CombinedOutput(); err != nil {
			return fmt.Errorf("set cpu: %w: %s", err, bytes.TrimSpace(out))
		}
	}
	if req.MemoryMB > 0 {
		if out, err := exec.CommandContext(ctx, "tart", "set", clone,
			"--memory", strconv.Itoa(req.MemoryMB)).CombinedOutput(); err != nil {
			return fmt.Errorf("set memory: %w: %s", err, bytes.TrimSpace(out))
		}
	}
	args = append(args, clone)

	// The run command owns the VM lifetime; it is intentionally detached
	// from ctx so a supervisor timeout kills the ssh session first and
	// cleanup stops the VM afterwards.
	boot := exec.Command("tart", args...)
	if err := boot.Start(); err != nil {
		return fmt.Errorf("boot %q: %w", clone, err)
	}
	go func() {
		if err := boot.Wait(); err != nil {
			e.logger.Debug("vm run exited", "clone", clone, "error", err)
		}
	}()
	return nil
}

// waitForVM polls for address assignment and a reachable shell.
func (e *TartEngine) waitForVM(ctx context.Context, clone string) (string, error) {
	deadline := time.Now().Add(e.bootTimeout)

	var ip string
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		out, err := exec.CommandContext(ctx, "tart", "ip", clone).Output()
		if err == nil {
			ip = strings.TrimSpace(string(out))
			if ip != "" {
				break
			}
		}
		time.Sleep(2 * time.Second)
	}
	if ip == "" {
		return "", fmt.Errorf("vm %q: no address within %s", clone, e.bootTimeout)
	}

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		probe := exec.CommandContext(ctx, "ssh",
			"-o", "StrictHostKeyChecking=no",
			"-o", "UserKnownHostsFile=/dev/null",
			"-o", "ConnectTimeout=3",
			"-o", "LogLevel=ERROR",
			fmt.Sprintf("%s@%s", guestUser, ip), "true")
		if probe.Run() == nil {
			return ip, nil
		}
		time.Sleep(2 * time.Second)
	}
	return "", fmt.Errorf("vm %q: ssh not reachable within %s", clone, e.bootTimeout)
}

// uploadCredentials copies the session data and agent configuration into
// the guest home. The workspace itself is shared, not copied.
func (e *TartEngine) uploadCredentials(ctx context.Context, ip string, req *RunRequest) error {
	scp := exec.CommandContext(ctx, "scp", "-r",
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "LogLevel=ERROR",
		req.SessionsDir,
		fmt.Sprintf("%s@%s:~/.claude", guestUser, ip))
	if out, err := scp.CombinedOutput(); err != nil {
		return fmt.Errorf("upload session data: %w: %s", err, bytes.TrimSpace(out))
	}
	return nil
}
