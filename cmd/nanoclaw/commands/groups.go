package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Aias00/nanoclaw/pkg/nanoclaw/store"
)

// newGroupsCmd creates the `nanoclaw groups` command group.
func newGroupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Inspect registered groups and known chats",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered groups",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(st *store.Store) error {
				groups, err := st.ListGroups()
				if err != nil {
					return err
				}
				if len(groups) == 0 {
					fmt.Println("no registered groups")
					return nil
				}
				bold := color.New(color.Bold)
				for _, g := range groups {
					bold.Printf("%s", g.Folder)
					fmt.Printf("  chat=%s  name=%q", g.ChatID, g.Name)
					if g.RequiresTrigger {
						fmt.Printf("  trigger=%s", g.Trigger)
					}
					fmt.Println()
				}
				return nil
			})
		},
	}

	chats := &cobra.Command{
		Use:   "chats",
		Short: "List all chats seen on the channels",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(st *store.Store) error {
				chats, err := st.ListChats()
				if err != nil {
					return err
				}
				for _, c := range chats {
					fmt.Printf("%s  %q  last=%s\n", c.ChatID, c.Name, orDash(c.LastMessageTime))
				}
				return nil
			})
		},
	}

	register := &cobra.Command{
		Use:   "register <chat-id> <folder>",
		Short: "Bind a chat to a workspace folder",
		Long: `Bind a chat to a workspace folder. The first registration is
typically the privileged "main" folder, which bootstraps agent-driven
registration for everything else:

  nanoclaw groups register whatsapp:123@s.whatsapp.net main`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			trigger, _ := cmd.Flags().GetString("trigger")
			return withStore(cmd, func(st *store.Store) error {
				return st.UpsertGroup(store.RegisteredGroup{
					ChatID:          args[0],
					Name:            name,
					Folder:          args[1],
					Trigger:         trigger,
					RequiresTrigger: trigger != "",
				})
			})
		},
	}
	register.Flags().String("name", "", "display name for the group")
	register.Flags().String("trigger", "", "trigger regex (empty = respond to everything)")

	cmd.AddCommand(list, chats, register)
	return cmd
}
