package bridge

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"fitbridge/internal/config"
	"fitbridge/internal/flow"
	"fitbridge/internal/tokens"
	"fitbridge/pkg/logging"
)

// Transport selects how the MCP server is exposed.
type Transport string

const (
	TransportStdio          Transport = "stdio"
	TransportStreamableHTTP Transport = "streamable-http"
)

const serverName = "fitbridge"

// Options configures a bridge Server.
type Options struct {
	Config  config.Config
	Adapter *tokens.Adapter
	Version string

	// Transport defaults to stdio. Addr is only used for the HTTP
	// transport.
	Transport Transport
	Addr      string

	// Platform may be set for tests; defaults to a client against the
	// configured platform URL.
	Platform *PlatformClient

	// Orchestrator may be set for tests; defaults to a production
	// orchestrator over Adapter.
	Orchestrator *flow.Orchestrator
}

// Server is the MCP-facing side of the bridge: it owns the MCP server, the
// tool exposure gate, and the credential-file watcher, and wires token
// persists and invalidations back into catalog recomputes.
type Server struct {
	cfg          config.Config
	adapter      *tokens.Adapter
	orchestrator *flow.Orchestrator
	platform     *PlatformClient
	gate         *Gate
	version      string

	transport Transport
	addr      string

	mcpServer   *server.MCPServer
	stdioServer *server.StdioServer
	httpServer  *server.StreamableHTTPServer
	watcher     *tokens.Watcher

	// lastRemote is the last successfully fetched platform tool list,
	// reused when a later fetch fails.
	remoteMu   sync.Mutex
	lastRemote []ToolDescriptor

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a bridge server. Start must be called before it serves
// anything.
func NewServer(opts Options) *Server {
	s := &Server{
		cfg:       opts.Config,
		adapter:   opts.Adapter,
		platform:  opts.Platform,
		version:   opts.Version,
		transport: opts.Transport,
		addr:      opts.Addr,
	}
	if s.platform == nil {
		s.platform = NewPlatformClient(opts.Config.Platform.URL, nil)
	}
	if s.transport == "" {
		s.transport = TransportStdio
	}
	if s.version == "" {
		s.version = "dev"
	}

	s.orchestrator = opts.Orchestrator
	if s.orchestrator == nil {
		s.orchestrator = flow.NewOrchestrator(flow.Options{
			Config:  opts.Config,
			Adapter: opts.Adapter,
			OnPersisted: func(target tokens.Target) {
				if gate := s.Gate(); gate != nil && target.IsPlatform() {
					gate.Recompute(context.Background())
				}
			},
		})
	}
	return s
}

// Gate exposes the tool exposure gate. Nil until Start.
func (s *Server) Gate() *Gate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gate
}

// Start publishes the initial catalog, starts the credential-file watcher,
// and serves the configured transport in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mcpServer != nil {
		return fmt.Errorf("bridge server already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	s.mcpServer = server.NewMCPServer(
		serverName,
		s.version,
		server.WithToolCapabilities(true),
	)
	s.gate = NewGate(s.adapter, s, s.mcpServer)
	s.gate.Recompute(s.ctx)

	// Pick up tokens written by a concurrent `fitbridge auth login` run
	// without a restart.
	watcher, err := tokens.NewWatcher(s.adapter, s.adapter.CredentialPath(), func() {
		s.gate.Recompute(context.Background())
	})
	if err != nil {
		logging.Warn("Bridge", "Credential file watcher unavailable: %v", err)
	} else {
		s.watcher = watcher
		s.watcher.Start(s.ctx)
	}

	switch s.transport {
	case TransportStreamableHTTP:
		logging.Info("Bridge", "Starting MCP server with streamable-http transport on %s", s.addr)
		s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)
		httpServer := s.httpServer
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := httpServer.Start(s.addr); err != nil && err != http.ErrServerClosed {
				logging.Error("Bridge", err, "Streamable HTTP server error")
			}
		}()

	case TransportStdio:
		fallthrough
	default:
		logging.Info("Bridge", "Starting MCP server with stdio transport")
		s.stdioServer = server.NewStdioServer(s.mcpServer)
		stdioServer := s.stdioServer
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := stdioServer.Listen(s.ctx, os.Stdin, os.Stdout); err != nil && s.ctx.Err() == nil {
				logging.Error("Bridge", err, "Stdio server error")
			}
		}()
	}

	return nil
}

// Stop tears the server down: transport first, then the watcher. Any
// in-flight authentication attempt is cancelled through the context, which
// closes its callback listener without persisting anything.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.mcpServer == nil {
		s.mu.Unlock()
		return fmt.Errorf("bridge server not started")
	}
	cancel := s.cancel
	httpServer := s.httpServer
	watcher := s.watcher
	s.mu.Unlock()

	logging.Info("Bridge", "Stopping MCP server")

	if cancel != nil {
		cancel()
	}
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			logging.Warn("Bridge", "HTTP server shutdown: %v", err)
		}
	}
	if watcher != nil {
		watcher.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	s.mcpServer = nil
	s.stdioServer = nil
	s.httpServer = nil
	s.watcher = nil
	s.mu.Unlock()
	return nil
}

// remoteTools returns the platform's advertised tool list, falling back to
// the last successful fetch when the platform is unreachable or refuses
// the token.
func (s *Server) remoteTools(ctx context.Context) []ToolDescriptor {
	rec, _ := s.adapter.Token(tokens.Platform())
	if rec == nil {
		return s.lastKnownRemote()
	}

	descs, err := s.platform.ListTools(ctx, rec.AccessToken)
	if err != nil {
		logging.Warn("Bridge", "Platform tool list fetch failed, using last known catalog: %v", err)
		return s.lastKnownRemote()
	}

	s.remoteMu.Lock()
	s.lastRemote = descs
	s.remoteMu.Unlock()
	return descs
}

func (s *Server) lastKnownRemote() []ToolDescriptor {
	s.remoteMu.Lock()
	defer s.remoteMu.Unlock()
	return s.lastRemote
}
