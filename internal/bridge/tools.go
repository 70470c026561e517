package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"fitbridge/internal/tokens"
	"fitbridge/pkg/logging"
)

// Bridge-owned tool names. Remote tools that collide with these are
// skipped rather than shadowed.
const (
	ToolAuthenticate       = "authenticate"
	ToolConnectProvider    = "connect_provider"
	ToolDisconnectProvider = "disconnect_provider"
)

// BootstrapCatalog returns the single pre-authentication tool.
func (s *Server) BootstrapCatalog() []server.ServerTool {
	tool := mcp.NewTool(ToolAuthenticate,
		mcp.WithDescription("Begin platform authentication. Opens the system browser for an OAuth login; the full tool catalog becomes available once the login completes."),
	)
	return []server.ServerTool{{Tool: tool, Handler: s.handleAuthenticate}}
}

// FullCatalog returns the bridge-owned provider tools plus the platform's
// advertised tools, proxied. The platform list is fetched once per
// recompute; on fetch failure the last known list is reused so the catalog
// degrades rather than shrinking to a partial set.
func (s *Server) FullCatalog(ctx context.Context) []server.ServerTool {
	catalog := []server.ServerTool{
		{Tool: s.connectProviderTool(), Handler: s.handleConnectProvider},
		{Tool: s.disconnectProviderTool(), Handler: s.handleDisconnectProvider},
	}

	owned := map[string]bool{
		ToolConnectProvider:    true,
		ToolDisconnectProvider: true,
	}

	for _, desc := range s.remoteTools(ctx) {
		if owned[desc.Name] {
			logging.Warn("ToolGate", "Skipping platform tool %q: name collides with a bridge tool", desc.Name)
			continue
		}
		catalog = append(catalog, server.ServerTool{
			Tool:    remoteTool(desc),
			Handler: s.proxyHandler(desc.Name),
		})
	}
	return catalog
}

func (s *Server) connectProviderTool() mcp.Tool {
	return mcp.NewTool(ToolConnectProvider,
		mcp.WithDescription("Connect a fitness data provider via OAuth. Opens the system browser unless the provider already holds a valid token."),
		mcp.WithString("provider",
			mcp.Required(),
			mcp.Description(fmt.Sprintf("Provider to connect. Configured providers: %s", s.providerNames())),
		),
	)
}

func (s *Server) disconnectProviderTool() mcp.Tool {
	return mcp.NewTool(ToolDisconnectProvider,
		mcp.WithDescription("Remove the stored credential for a fitness data provider."),
		mcp.WithString("provider",
			mcp.Required(),
			mcp.Description("Provider to disconnect."),
		),
	)
}

func (s *Server) providerNames() string {
	names := make([]string, 0, len(s.cfg.Providers))
	for name := range s.cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "(none configured)"
	}
	out := names[0]
	for _, n := range names[1:] {
		out += ", " + n
	}
	return out
}

// remoteTool converts a platform tool descriptor into an MCP tool
// definition, carrying the platform's input schema through unchanged.
func remoteTool(desc ToolDescriptor) mcp.Tool {
	return mcp.Tool{
		Name:        desc.Name,
		Description: desc.Description,
		InputSchema: schemaFromDescriptor(desc.InputSchema),
	}
}

func schemaFromDescriptor(raw map[string]any) mcp.ToolInputSchema {
	schema := mcp.ToolInputSchema{
		Type:       "object",
		Properties: make(map[string]any),
	}
	if raw == nil {
		return schema
	}
	if t, ok := raw["type"].(string); ok && t != "" {
		schema.Type = t
	}
	if props, ok := raw["properties"].(map[string]any); ok {
		schema.Properties = props
	}
	if req, ok := raw["required"].([]any); ok {
		for _, entry := range req {
			if name, ok := entry.(string); ok {
				schema.Required = append(schema.Required, name)
			}
		}
	}
	return schema
}

func (s *Server) handleAuthenticate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := s.orchestrator.Connect(ctx, tokens.Platform())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Authentication failed: %v", err)), nil
	}
	if result.AlreadyConnected {
		return mcp.NewToolResultText("Already authenticated to the platform."), nil
	}
	return mcp.NewToolResultText("Platform authentication complete. The full tool catalog is now available."), nil
}

func (s *Server) handleConnectProvider(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, ok := stringArg(req, "provider")
	if !ok {
		return mcp.NewToolResultError("'provider' argument is required and must be a string"), nil
	}
	if _, exists := s.cfg.Providers[name]; !exists {
		return mcp.NewToolResultError(fmt.Sprintf("Unknown provider %q. Configured providers: %s", name, s.providerNames())), nil
	}

	result, err := s.orchestrator.Connect(ctx, tokens.Provider(name))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to connect provider %q: %v", name, err)), nil
	}
	if result.AlreadyConnected {
		return mcp.NewToolResultText(fmt.Sprintf("Provider %q is already connected.", name)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Provider %q connected.", name)), nil
}

func (s *Server) handleDisconnectProvider(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, ok := stringArg(req, "provider")
	if !ok {
		return mcp.NewToolResultError("'provider' argument is required and must be a string"), nil
	}

	rec, _ := s.adapter.Token(tokens.Provider(name))
	if rec == nil {
		return mcp.NewToolResultText(fmt.Sprintf("Provider %q has no stored credential.", name)), nil
	}
	if err := s.adapter.RemoveToken(tokens.Provider(name)); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to disconnect provider %q: %v", name, err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Provider %q disconnected.", name)), nil
}

// proxyHandler forwards a tool call to the platform. An unauthorized
// response drives one governed re-authentication run, then the call is
// retried; the retry governor bounds the loop.
func (s *Server) proxyHandler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		operationID := uuid.NewString()
		target := tokens.Platform()

		arguments, _ := req.Params.Arguments.(map[string]any)

		for {
			rec, _ := s.adapter.Token(target)
			if rec == nil {
				return mcp.NewToolResultError("Not authenticated to the platform. Run the authenticate tool first."), nil
			}

			raw, err := s.platform.CallTool(ctx, rec.AccessToken, name, arguments)
			if errors.Is(err, ErrUnauthorized) {
				logging.Info("Bridge", "Platform rejected token for tool %q, re-authenticating", name)
				if _, authErr := s.orchestrator.Reauthenticate(ctx, operationID, target); authErr != nil {
					return mcp.NewToolResultError(fmt.Sprintf("Re-authentication failed: %v", authErr)), nil
				}
				continue
			}
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("Tool %q failed: %v", name, err)), nil
			}

			s.orchestrator.Governor().Reset(operationID, target)
			return mcp.NewToolResultText(string(raw)), nil
		}
	}
}

func stringArg(req mcp.CallToolRequest, key string) (string, bool) {
	args, ok := req.Params.Arguments.(map[string]any)
	if !ok {
		return "", false
	}
	value, ok := args[key].(string)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}
