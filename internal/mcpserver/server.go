// Package mcpserver exposes the tool registry over the Model Context Protocol.
// Each registered tool becomes an MCP tool whose result is a single text block.
package mcpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/coderun/internal/tools"
)

const (
	DefaultName = "typescript-javascript-code-interpreter"
	source      = "mcp"
)

// Server adapts a tools.Registry to an MCP server.
type Server struct {
	mcp    *server.MCPServer
	reg    *tools.Registry
	logger *slog.Logger
}

// New registers every tool in reg on a fresh MCP server. Tools added to reg
// afterwards are not exposed.
func New(reg *tools.Registry, name, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if name == "" {
		name = DefaultName
	}
	s := &Server{
		mcp:    server.NewMCPServer(name, version, server.WithToolCapabilities(false), server.WithRecovery()),
		reg:    reg,
		logger: logger,
	}
	for _, t := range reg.All() {
		s.mcp.AddTool(toMCPTool(t), s.handler(t.Name()))
	}
	return s
}

// MCPServer returns the underlying server, e.g. for an in-process client.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// ServeStdio speaks MCP over in/out until ctx is cancelled or in reaches EOF.
// Cancellation is a clean shutdown and returns nil.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))

	s.logger.InfoContext(ctx, "mcp server listening on stdio", slog.Int("tools", len(s.reg.List())))
	err := stdio.Listen(ctx, in, out)
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx = tools.WithCaller(ctx, source, "stdio")
		res, err := s.reg.Call(ctx, name, req.GetArguments())
		if err != nil {
			s.logger.WarnContext(ctx, "mcp tool call failed",
				slog.String("tool", name),
				slog.String("error", err.Error()),
			)
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(res.Output), nil
	}
}

// toMCPTool converts a registry tool's JSON Schema into an MCP tool definition.
func toMCPTool(t tools.Tool) mcp.Tool {
	schema := t.InputSchema()
	in := mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}}
	if typ, ok := schema["type"].(string); ok {
		in.Type = typ
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		in.Properties = props
	}
	switch req := schema["required"].(type) {
	case []string:
		in.Required = req
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				in.Required = append(in.Required, s)
			}
		}
	}
	return mcp.Tool{
		Name:        t.Name(),
		Description: t.Description(),
		InputSchema: in,
	}
}
