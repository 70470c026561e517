package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fitbridge/internal/bridge"
	"fitbridge/pkg/logging"
)

var (
	serveTransport string
	serveHost      string
	servePort      int
)

// serveCmd starts the bridge: the MCP server plus the tool exposure gate
// and credential watcher, running until interrupted.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge as an MCP server",
	Long: `Runs the bridge as a long-lived MCP server.

By default the server speaks MCP over stdio, which is how AI assistant
clients launch it. With --transport streamable-http it listens on
--host/--port instead, for clients that connect over HTTP.

Before platform authentication the server exposes a single tool that
begins the OAuth flow; after authentication it exposes the platform's
full tool catalog plus provider connection tools.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveTransport, "transport", string(bridge.TransportStdio), "MCP transport: stdio or streamable-http")
	serveCmd.Flags().StringVar(&serveHost, "host", "localhost", "Listen host for the streamable-http transport")
	serveCmd.Flags().IntVar(&servePort, "port", 8090, "Listen port for the streamable-http transport")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
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

	transport := bridge.Transport(serveTransport)
	switch transport {
	case bridge.TransportStdio, bridge.TransportStreamableHTTP:
	default:
		return fmt.Errorf("unknown transport %q (expected stdio or streamable-http)", serveTransport)
	}

	srv := bridge.NewServer(bridge.Options{
		Config:    cfg,
		Adapter:   adapter,
		Version:   rootCmd.Version,
		Transport: transport,
		Addr:      fmt.Sprintf("%s:%d", serveHost, servePort),
	})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start bridge server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logging.Info("Serve", "Received signal %s, shutting down", sig)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Stop(shutdownCtx)
}
