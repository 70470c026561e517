package cmd

import (
	"fmt"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"fitbridge/internal/config"
	"fitbridge/internal/credstore"
	"fitbridge/internal/tokens"
)

// authStatusCmd shows the stored credential state for the platform and
// every known provider. This is a purely local view; no token is sent
// anywhere.
var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stored credential status",
	RunE:  runAuthStatus,
}

func init() {
	authCmd.AddCommand(authStatusCmd)
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	adapter, err := buildAdapter(cfg)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.AppendHeader(table.Row{"Target", "Status", "Expires", "Refresh"})

	rec, stale := adapter.Token(tokens.Platform())
	t.AppendRow(statusRow("platform", rec, stale))

	for _, name := range knownProviders(cfg.Providers, adapter) {
		rec, stale := adapter.Token(tokens.Provider(name))
		t.AppendRow(statusRow("provider/"+name, rec, stale))
	}

	t.SetStyle(table.StyleLight)
	t.Render()

	if reg := adapter.ClientInformation(); reg != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "\nPlatform client registration: %s\n", reg.ClientID)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "\nPlatform client registration: %s\n", text.FgYellow.Sprint("none (registered on first login)"))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Credential file: %s\n", adapter.CredentialPath())
	return nil
}

func statusRow(name string, rec *credstore.TokenRecord, stale bool) table.Row {
	switch {
	case rec == nil:
		return table.Row{name, text.FgYellow.Sprint("not connected"), "-", "-"}
	case stale:
		return table.Row{name, text.FgYellow.Sprint("expired"), formatExpiry(rec), hasRefresh(rec)}
	default:
		return table.Row{name, text.FgGreen.Sprint("authenticated"), formatExpiry(rec), hasRefresh(rec)}
	}
}

func formatExpiry(rec *credstore.TokenRecord) string {
	if rec.ExpiresIn == 0 {
		return "never"
	}
	return rec.ExpiresAt().Format(time.RFC3339)
}

func hasRefresh(rec *credstore.TokenRecord) string {
	if rec.RefreshToken != "" {
		return "available"
	}
	return "-"
}

// knownProviders merges the configured providers with any provider that
// still holds a stored credential, sorted by name.
func knownProviders(configured map[string]config.ProviderConfig, adapter *tokens.Adapter) []string {
	seen := make(map[string]bool, len(configured))
	for name := range configured {
		seen[name] = true
	}
	for name := range adapter.Snapshot().Providers {
		seen[name] = true
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
