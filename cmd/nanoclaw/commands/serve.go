package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aias00/nanoclaw/pkg/nanoclaw/agent"
	"github.com/Aias00/nanoclaw/pkg/nanoclaw/channels"
	"github.com/Aias00/nanoclaw/pkg/nanoclaw/channels/discord"
	"github.com/Aias00/nanoclaw/pkg/nanoclaw/channels/whatsapp"
	"github.com/Aias00/nanoclaw/pkg/nanoclaw/config"
	"github.com/Aias00/nanoclaw/pkg/nanoclaw/ipc"
	"github.com/Aias00/nanoclaw/pkg/nanoclaw/mounts"
	"github.com/Aias00/nanoclaw/pkg/nanoclaw/router"
	"github.com/Aias00/nanoclaw/pkg/nanoclaw/sandbox"
	"github.com/Aias00/nanoclaw/pkg/nanoclaw/scheduler"
	"github.com/Aias00/nanoclaw/pkg/nanoclaw/store"
)

// newServeCmd creates the `nanoclaw serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the router daemon with messaging channels",
		Long: `Start nanoclaw as a daemon: connect the enabled channels, poll
for new messages, dispatch agent runs, sweep scheduled tasks, and
serve the filesystem IPC directories.`,
		RunE: runServe,
	}

	cmd.Flags().StringSlice("channel", nil, "channels to enable (whatsapp, discord)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	envFile, _ := cmd.Root().PersistentFlags().GetString("env-file")
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	logger := newLogger(cmd, cfg)

	st, err := store.Open(cfg.Paths.DatabasePath())
	if err != nil {
		return err
	}
	defer st.Close()

	// Settings-table overrides beat the environment, like the runtime
	// selector's resolution order.
	cfg.ApplySettings(st)

	// ── Channels ──
	manager := channels.NewManager(logger)
	channelFilter, _ := cmd.Flags().GetStringSlice("channel")

	if shouldEnable("whatsapp", channelFilter, cfg.Channels.WhatsApp.Enabled) {
		wa := whatsapp.New(whatsapp.Config{
			SessionPath: cfg.Channels.WhatsApp.SessionPath,
		}, logger)
		if err := manager.Register(wa); err != nil {
			logger.Error("registering WhatsApp", "error", err)
		}
	}
	if shouldEnable("discord", channelFilter, cfg.Channels.Discord.Enabled) && cfg.Channels.Discord.Token != "" {
		dc := discord.New(discord.Config{Token: cfg.Channels.Discord.Token}, logger)
		if err := manager.Register(dc); err != nil {
			logger.Error("registering Discord", "error", err)
		}
	}

	// ── Sandbox engines and selector ──
	policy, err := mounts.LoadPolicy(cfg.Paths.MountPolicyPath)
	if err != nil {
		return err
	}

	engines := []sandbox.Engine{
		sandbox.NewContainerEngine("container", logger),
		sandbox.NewContainerEngine("docker", logger),
		sandbox.NewTartEngine(logger),
		sandbox.NewVibeEngine(cfg.Paths.VMImagesDir(), logger),
		sandbox.NewProcessEngine(logger),
	}
	selector := sandbox.NewSelector(st,
		cfg.Runtime.ContainerRuntime, cfg.Runtime.AgentRuntime, engines, logger)

	supervisor := agent.NewSupervisor(cfg.Timing.MaxOutputBytes, cfg.Timing.IdleTimeout(), logger)

	// ── Router ──
	rt, err := router.New(cfg, st, manager, selector, supervisor, policy, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Start(ctx); err != nil {
		return err
	}
	rt.Start(ctx)

	// ── Scheduler and IPC dispatcher ──
	sched := scheduler.New(st, rt, rt, cfg.Timing.SchedulerInterval(), logger)
	go sched.Run(ctx)

	dispatcher := ipc.New(st, rt, manager, cfg.Paths.IPCDir(), cfg.Timing.IPCInterval(), logger)
	go dispatcher.Run(ctx)

	logger.Info("nanoclaw running", "db", cfg.Paths.DatabasePath(),
		"poll_interval", cfg.Timing.PollInterval())

	// ── Signal handling: graceful shutdown with bounded grace ──
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("signal received, shutting down", "signal", sig.String())

	cancel()
	rt.Shutdown(cfg.Timing.ShutdownGrace())
	manager.Stop()
	return nil
}

// newLogger builds the slog handler from config and the verbose flag.
func newLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	if verbose || cfg.Logging.Level == "debug" {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// shouldEnable applies the --channel filter over the config default.
func shouldEnable(name string, filter []string, configDefault bool) bool {
	if len(filter) == 0 {
		return configDefault
	}
	for _, f := range filter {
		if f == name {
			return true
		}
	}
	return false
}
