package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Aias00/nanoclaw/pkg/nanoclaw/store"
)

// settableKeys are the recognized settings. container_runtime and
// agent_runtime are re-read at the start of every run; the others are
// applied when `serve` starts.
var settableKeys = map[string]string{
	"container_runtime":     "sandbox engine: container, docker, tart, vibe, auto",
	"agent_runtime":         "agent CLI: claude, codex, opencode",
	"require_trigger":       "enforce trigger regex for non-main groups: true/false",
	"poll_interval_ms":      "message loop interval",
	"scheduler_interval_ms": "scheduler sweep interval",
	"ipc_interval_ms":       "IPC dispatcher interval",
	"idle_timeout_ms":       "stdin idle-close timeout",
	"container_timeout_ms":  "agent run wall-clock timeout",
	"max_output_bytes":      "stdout/stderr cap per run",
}

// newConfigCmd creates the `nanoclaw config` settings commands.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read and write runtime settings",
	}

	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Show a setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(st *store.Store) error {
				v, err := st.GetSetting(args[0])
				if err != nil {
					return err
				}
				if v == "" {
					fmt.Printf("%s is not set\n", args[0])
					return nil
				}
				fmt.Println(v)
				return nil
			})
		},
	}

	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Write a setting (runtime keys apply on the next run, others on the next serve start)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, ok := settableKeys[args[0]]; !ok {
				return fmt.Errorf("unknown setting %q", args[0])
			}
			return withStore(cmd, func(st *store.Store) error {
				return st.SetSetting(args[0], args[1])
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List recognized settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(st *store.Store) error {
				for key, desc := range settableKeys {
					v, _ := st.GetSetting(key)
					fmt.Printf("%-24s %-10s %s\n", key, orDash(v), desc)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(get, set, list)
	return cmd
}
