package cmd

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"fitbridge/internal/tokens"
)

var (
	disconnectProvider string
	disconnectAll      bool
	disconnectYes      bool
)

// authDisconnectCmd removes stored credentials. Without flags it removes
// the platform token; --provider removes one provider; --all clears every
// token plus the cached client registration.
var authDisconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Remove stored credentials",
	Long: `Removes stored OAuth credentials. A bridge serving at the same time
notices the change and falls back to the bootstrap tool catalog.

Examples:
  fitbridge auth disconnect                   # Remove the platform token
  fitbridge auth disconnect --provider strava # Remove one provider token
  fitbridge auth disconnect --all             # Clear all tokens and the client registration
  fitbridge auth disconnect --all --yes       # Clear all without confirmation`,
	RunE: runAuthDisconnect,
}

func init() {
	authDisconnectCmd.Flags().StringVar(&disconnectProvider, "provider", "", "Provider to disconnect")
	authDisconnectCmd.Flags().BoolVar(&disconnectAll, "all", false, "Remove all stored credentials")
	authDisconnectCmd.Flags().BoolVar(&disconnectYes, "yes", false, "Skip the confirmation prompt for --all")
	authCmd.AddCommand(authDisconnectCmd)
}

func runAuthDisconnect(cmd *cobra.Command, args []string) error {
	if disconnectAll && disconnectProvider != "" {
		return fmt.Errorf("--all and --provider are mutually exclusive")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	adapter, err := buildAdapter(cfg)
	if err != nil {
		return err
	}

	if disconnectAll {
		return disconnectEverything(cmd, adapter)
	}

	target := tokens.Platform()
	if disconnectProvider != "" {
		target = tokens.Provider(disconnectProvider)
	}

	rec, _ := adapter.Token(target)
	if rec == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "%s has no stored credential.\n", target)
		return nil
	}
	if err := adapter.RemoveToken(target); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed credential for %s.\n", target)
	return nil
}

func disconnectEverything(cmd *cobra.Command, adapter *tokens.Adapter) error {
	if !disconnectYes {
		fmt.Fprint(cmd.OutOrStdout(), "Remove ALL stored credentials including the client registration? [y/N]: ")
		reader := bufio.NewReader(cmd.InOrStdin())
		answer, _ := reader.ReadString('\n')
		if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(answer)), "y") {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
			return nil
		}
	}

	snapshot := adapter.Snapshot()
	if snapshot.Platform != nil {
		if err := adapter.RemoveToken(tokens.Platform()); err != nil {
			return err
		}
	}
	for name := range snapshot.Providers {
		if err := adapter.RemoveToken(tokens.Provider(name)); err != nil {
			return err
		}
	}
	if err := adapter.Invalidate(tokens.ScopeAll); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "All stored credentials removed.")
	return nil
}
