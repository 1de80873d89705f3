package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Aias00/nanoclaw/pkg/nanoclaw/config"
	"github.com/Aias00/nanoclaw/pkg/nanoclaw/sandbox"
)

// newVMCmd creates the `nanoclaw vm` maintenance commands for the
// persistent VM engine.
func newVMCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vm",
		Short: "Manage persistent VM disks",
	}

	reset := &cobra.Command{
		Use:   "reset <folder>",
		Short: "Rebuild a group's VM disk from the base image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := vibeEngine(cmd)
			if err != nil {
				return err
			}
			if err := engine.Reset(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("disk for %q rebuilt from base\n", args[0])
			return nil
		},
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show per-group VM disk usage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, err := vibeEngine(cmd)
			if err != nil {
				return err
			}
			stats, err := engine.Stats()
			if err != nil {
				return err
			}
			if len(stats) == 0 {
				fmt.Println("no group disks")
				return nil
			}
			for _, s := range stats {
				fmt.Printf("%-20s %8.1f MiB  %s\n",
					s.Folder, float64(s.SizeBytes)/(1024*1024), s.Path)
			}
			return nil
		},
	}

	cmd.AddCommand(reset, stats)
	return cmd
}

func vibeEngine(cmd *cobra.Command) (*sandbox.VibeEngine, error) {
	envFile, _ := cmd.Root().PersistentFlags().GetString("env-file")
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	return sandbox.NewVibeEngine(cfg.Paths.VMImagesDir(), nil), nil
}
