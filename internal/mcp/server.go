// Package mcp exposes a context store to MCP clients over stdio.
package mcp

import (
	"github.com/mark3labs/mcp-go/server"
	"github.com/zot/ctxstore/ctxstore"
)

// Version is reported to clients.
var Version = "0.1.0"

// NewServer creates an MCP server with every store tool registered.
func NewServer(store *ctxstore.Store) *server.MCPServer {
	s := server.NewMCPServer(
		"ctxstore",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	RegisterStandardTools(s, NewHandler(store))
	return s
}

// Serve runs an MCP server for store on stdin and stdout until the input
// closes.
func Serve(store *ctxstore.Store) error {
	store.Config().Log(1, "mcp: serving on stdio")
	return server.ServeStdio(NewServer(store))
}
