// Package commands implements the nanoclaw CLI using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nanoclaw",
		Short: "nanoclaw - sandboxed AI assistant router for group chats",
		Long: `nanoclaw routes chat messages (WhatsApp, Discord) to sandboxed
AI agent processes, one isolated workspace per group, with scheduled
tasks and filesystem IPC for agent-initiated actions.

Examples:
  nanoclaw serve
  nanoclaw groups list
  nanoclaw tasks list
  nanoclaw vm stats
  nanoclaw config set container_runtime docker`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newGroupsCmd(),
		newTasksCmd(),
		newVMCmd(),
		newConfigCmd(),
		newAuthCmd(),
	)

	rootCmd.PersistentFlags().StringP("env-file", "e", ".env", "path to the environment file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
