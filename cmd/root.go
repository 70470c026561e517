package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"fitbridge/internal/config"
	"fitbridge/internal/credstore"
	"fitbridge/internal/flow"
	"fitbridge/internal/tokens"
	"fitbridge/pkg/logging"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeAuthFailed indicates the OAuth flow failed.
	ExitCodeAuthFailed = 2
	// ExitCodeRetryLimit indicates the re-authentication ceiling was hit.
	ExitCodeRetryLimit = 3
)

var (
	rootConfigPath string
	rootLogLevel   string
)

// rootCmd is the entry point when fitbridge is called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "fitbridge",
	Short: "Local OAuth bridge between an AI assistant and fitness platforms",
	Long: `fitbridge sits between an MCP tool client (an AI assistant) and a
fitness platform plus its data providers. It runs the OAuth flows locally,
stores the resulting tokens in a per-user credential file, and exposes the
platform's tools over MCP once authenticated.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		level := cfg.Log.Level
		if rootLogLevel != "" {
			level = rootLogLevel
		}
		// stdout belongs to the MCP stdio transport; all logs go to stderr.
		logging.Init(logging.ParseLevel(level), os.Stderr)
		return nil
	},
}

// SetVersion sets the version for the root command, injected at build time
// from main.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the root command and exits with a semantic exit code.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "fitbridge version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode maps error types onto exit codes for scripting.
func getExitCode(err error) int {
	var flowErr *flow.FlowError
	if errors.As(err, &flowErr) {
		if flowErr.Reason == flow.FailureRetryLimit {
			return ExitCodeRetryLimit
		}
		return ExitCodeAuthFailed
	}
	return ExitCodeError
}

// loadConfig loads the layered configuration from the flagged or default
// config directory.
func loadConfig() (config.Config, error) {
	path := rootConfigPath
	if path == "" {
		defaultPath, err := config.GetDefaultConfigPath()
		if err != nil {
			return config.Config{}, err
		}
		path = defaultPath
	}
	return config.LoadConfig(path)
}

// buildAdapter composes the credential store and token adapter from the
// configuration. An empty credential path selects the default per-user
// location.
func buildAdapter(cfg config.Config) (*tokens.Adapter, error) {
	store, err := credstore.NewStore(cfg.Credentials.Path)
	if err != nil {
		return nil, err
	}
	return tokens.NewAdapter(store), nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootConfigPath, "config-path", "", "Configuration directory (default: ~/.config/fitbridge)")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "Log level override: debug, info, warn, error")

	rootCmd.AddCommand(newVersionCmd())
}
