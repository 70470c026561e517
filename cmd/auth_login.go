package cmd

import (
	"fmt"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"fitbridge/internal/flow"
	"fitbridge/internal/tokens"
)

var loginProvider string

// authLoginCmd runs an OAuth flow from the terminal. Without flags it
// authenticates to the platform; --provider connects a data provider.
var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate to the platform or connect a provider",
	Long: `Runs a browser-based OAuth flow and stores the resulting token in
the credential file. A bridge serving at the same time picks the new token
up without a restart.

Examples:
  fitbridge auth login                      # Platform authentication
  fitbridge auth login --provider strava    # Connect the strava provider`,
	RunE: runAuthLogin,
}

func init() {
	authLoginCmd.Flags().StringVar(&loginProvider, "provider", "", "Provider to connect instead of the platform")
	authCmd.AddCommand(authLoginCmd)
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	adapter, err := buildAdapter(cfg)
	if err != nil {
		return err
	}

	target := tokens.Platform()
	if loginProvider != "" {
		if _, ok := cfg.Providers[loginProvider]; !ok {
			return fmt.Errorf("unknown provider %q (configured: check providers in config.yaml)", loginProvider)
		}
		target = tokens.Provider(loginProvider)
	}

	orch := flow.NewOrchestrator(flow.Options{
		Config:  cfg,
		Adapter: adapter,
	})

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = fmt.Sprintf(" Waiting for %s authentication in your browser...", target)
	s.Start()

	result, err := orch.Connect(cmd.Context(), target)
	s.Stop()
	if err != nil {
		return err
	}

	if result.AlreadyConnected {
		fmt.Fprintf(cmd.OutOrStdout(), "%s already holds a valid token, nothing to do.\n", target)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Authentication for %s complete.\n", target)
	return nil
}
