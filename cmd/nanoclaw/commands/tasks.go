package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Aias00/nanoclaw/pkg/nanoclaw/config"
	"github.com/Aias00/nanoclaw/pkg/nanoclaw/store"
)

// newTasksCmd creates the `nanoclaw tasks` command group.
func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and manage scheduled tasks",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(st *store.Store) error {
				folder, _ := cmd.Flags().GetString("group")
				tasks, err := st.ListTasks(folder)
				if err != nil {
					return err
				}
				if len(tasks) == 0 {
					fmt.Println("no scheduled tasks")
					return nil
				}
				for _, t := range tasks {
					printTask(t)
				}
				return nil
			})
		},
	}
	list.Flags().String("group", "", "filter by group folder")

	pause := &cobra.Command{
		Use:   "pause <task-id>",
		Short: "Pause a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(st *store.Store) error {
				return st.UpdateTaskStatus(args[0], store.TaskPaused)
			})
		},
	}

	resume := &cobra.Command{
		Use:   "resume <task-id>",
		Short: "Resume a paused task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(st *store.Store) error {
				return st.UpdateTaskStatus(args[0], store.TaskActive)
			})
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel and delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(st *store.Store) error {
				return st.DeleteTask(args[0])
			})
		},
	}

	cmd.AddCommand(list, pause, resume, cancel)
	return cmd
}

func printTask(t store.ScheduledTask) {
	statusColor := color.New(color.FgGreen)
	switch t.Status {
	case store.TaskPaused:
		statusColor = color.New(color.FgYellow)
	case store.TaskCompleted:
		statusColor = color.New(color.FgHiBlack)
	}

	fmt.Printf("%s  %s  %s %s  next=%s\n",
		t.ID, statusColor.Sprint(t.Status), t.ScheduleType, t.ScheduleValue,
		orDash(t.NextRun))
	fmt.Printf("    group=%s  prompt=%s\n", t.GroupFolder, truncate(t.Prompt, 60))
}

// withStore opens the configured database around a CLI action.
func withStore(cmd *cobra.Command, fn func(*store.Store) error) error {
	envFile, _ := cmd.Root().PersistentFlags().GetString("env-file")
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Paths.DatabasePath())
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
