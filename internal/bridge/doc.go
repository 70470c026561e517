// Package bridge is the MCP-facing side of fitbridge. It runs the MCP
// server over stdio or streamable HTTP, decides which tool catalog is
// visible through the tool exposure gate, and proxies platform tool calls
// with automatic, bounded re-authentication on unauthorized responses.
//
// The gate exposes exactly one of two catalogs: before platform
// authentication a single bootstrap tool that begins the OAuth flow, and
// after it the platform's advertised tools plus the bridge's own provider
// connection tools. Swapping catalogs goes through the MCP server's tool
// registry, which raises notifications/tools/list_changed on connected
// clients.
package bridge
