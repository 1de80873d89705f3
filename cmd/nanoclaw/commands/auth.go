package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zalando/go-keyring"
	"golang.org/x/term"

	"github.com/Aias00/nanoclaw/pkg/nanoclaw/config"
)

// newAuthCmd creates the `nanoclaw auth` commands for storing agent
// credentials in the OS keyring instead of the env file.
func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage agent credentials in the OS keyring",
	}

	set := &cobra.Command{
		Use:   "set <key>",
		Short: "Store a credential (prompted, not echoed)",
		Long: `Store a credential in the OS keyring, e.g.:

  nanoclaw auth set ANTHROPIC_API_KEY`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, err := keyringService(cmd)
			if err != nil {
				return err
			}

			fmt.Printf("value for %s: ", args[0])
			value, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Println()
			if err != nil {
				return fmt.Errorf("reading secret: %w", err)
			}
			secret := strings.TrimSpace(string(value))
			if secret == "" {
				return fmt.Errorf("empty value")
			}

			if err := keyring.Set(service, args[0], secret); err != nil {
				return fmt.Errorf("storing credential: %w", err)
			}
			fmt.Printf("%s stored in keyring service %q\n", args[0], service)
			return nil
		},
	}

	check := &cobra.Command{
		Use:   "check <key>",
		Short: "Verify a credential is present",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, err := keyringService(cmd)
			if err != nil {
				return err
			}
			if _, err := keyring.Get(service, args[0]); err != nil {
				return fmt.Errorf("%s not found in keyring: %w", args[0], err)
			}
			fmt.Printf("%s is set\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(set, check)
	return cmd
}

func keyringService(cmd *cobra.Command) (string, error) {
	envFile, _ := cmd.Root().PersistentFlags().GetString("env-file")
	cfg, err := config.Load(envFile)
	if err != nil {
		return "", err
	}
	return cfg.Runtime.KeyringService, nil
}
