package cmd

import (
	"github.com/spf13/cobra"
)

// authCmd groups the authentication subcommands.
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage platform and provider authentication",
	Long: `Manage the credentials fitbridge stores for the platform and for
fitness data providers.

Examples:
  fitbridge auth login                      # Authenticate to the platform
  fitbridge auth login --provider strava    # Connect a provider
  fitbridge auth status                     # Show stored credential state
  fitbridge auth disconnect --provider strava
  fitbridge auth disconnect --all           # Clear everything`,
}

func init() {
	rootCmd.AddCommand(authCmd)
}
