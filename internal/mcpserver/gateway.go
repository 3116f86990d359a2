package mcpserver

import (
	"context"
	"os"
)

// StdioGateway runs the MCP server on the process's stdin and stdout.
type StdioGateway struct {
	srv *Server
}

func NewStdioGateway(srv *Server) *StdioGateway {
	return &StdioGateway{srv: srv}
}

// Start blocks until ctx is cancelled or the client closes stdin.
func (g *StdioGateway) Start(ctx context.Context) error {
	return g.srv.ServeStdio(ctx, os.Stdin, os.Stdout)
}

// Stop is a no-op; cancelling the context passed to Start ends the session.
func (g *StdioGateway) Stop(context.Context) error { return nil }
