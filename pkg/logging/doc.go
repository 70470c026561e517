// Package logging provides a thin, subsystem-tagged wrapper around log/slog.
//
// Every log call names the subsystem that produced it, which keeps log output
// greppable without threading logger instances through each component. The
// bridge writes all log output to stderr because stdout belongs to the MCP
// stdio transport.
package logging
