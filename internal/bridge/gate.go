package bridge

import (
	"context"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"fitbridge/internal/tokens"
	"fitbridge/pkg/logging"
)

// toolSink is the subset of *server.MCPServer the gate drives. Adding or
// deleting tools raises notifications/tools/list_changed on connected
// clients.
type toolSink interface {
	AddTools(tools ...server.ServerTool)
	DeleteTools(names ...string)
}

// CatalogSource builds the two tool catalogs the gate switches between.
type CatalogSource interface {
	// BootstrapCatalog is the pre-authentication surface: the single tool
	// that begins platform authentication.
	BootstrapCatalog() []server.ServerTool

	// FullCatalog is the post-authentication surface. Implementations may
	// consult the platform but must degrade to a locally known catalog on
	// failure, never return a partial merge.
	FullCatalog(ctx context.Context) []server.ServerTool
}

// Gate decides which tool catalog the MCP server exposes. The decision is
// a pure function of platform credential presence: no platform token means
// the bootstrap catalog, a platform token means the full catalog. Provider
// connectivity never influences visibility; provider-specific tools degrade
// at call time instead of being hidden at discovery time.
//
// Token freshness is deliberately not checked here. The platform validates
// tokens on invocation, not on listing, so an expired token still lists the
// full catalog and the first tool call drives re-authentication.
type Gate struct {
	mu      sync.Mutex
	adapter *tokens.Adapter
	source  CatalogSource
	sink    toolSink

	// active tracks the names currently registered on the sink, so a
	// recompute that changes nothing raises no list_changed notification.
	active map[string]bool
}

// NewGate creates a gate over the sink. Call Recompute to publish the
// initial catalog.
func NewGate(adapter *tokens.Adapter, source CatalogSource, sink toolSink) *Gate {
	return &Gate{
		adapter: adapter,
		source:  source,
		sink:    sink,
		active:  make(map[string]bool),
	}
}

// Authenticated reports whether a platform credential is present.
func (g *Gate) Authenticated() bool {
	rec, _ := g.adapter.Token(tokens.Platform())
	return rec != nil
}

// Recompute re-evaluates the catalog and swaps the registered tool set to
// match. It runs on process start, after every successful token persist,
// and on credential invalidation.
func (g *Gate) Recompute(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var desired []server.ServerTool
	if g.Authenticated() {
		desired = g.source.FullCatalog(ctx)
	} else {
		desired = g.source.BootstrapCatalog()
	}

	desiredNames := make(map[string]bool, len(desired))
	for _, tool := range desired {
		desiredNames[tool.Tool.Name] = true
	}

	var obsolete []string
	for name := range g.active {
		if !desiredNames[name] {
			obsolete = append(obsolete, name)
		}
	}

	var added []server.ServerTool
	for _, tool := range desired {
		if !g.active[tool.Tool.Name] {
			added = append(added, tool)
		}
	}

	if len(obsolete) == 0 && len(added) == 0 {
		return
	}

	if len(obsolete) > 0 {
		g.sink.DeleteTools(obsolete...)
	}
	if len(added) > 0 {
		g.sink.AddTools(added...)
	}

	g.active = desiredNames
	logging.Info("ToolGate", "Tool catalog updated: %d tools exposed (%d added, %d removed)",
		len(desiredNames), len(added), len(obsolete))
}

// ActiveTools returns the names of the currently exposed tools, sorted
// order not guaranteed.
func (g *Gate) ActiveTools() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.active))
	for name := range g.active {
		names = append(names, name)
	}
	return names
}
