// Package browse serves a collected bundle read-only over MCP stdio, so an
// operator or an agent can walk hosts, categories and artifacts without
// unpacking anything by hand.
package browse

import (
	"context"
	"io"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Server wraps the MCP server instance.
type Server struct {
	mcpServer *server.MCPServer
	bundle    *Bundle
}

// NewServer creates an MCP server exposing the bundle under root.
func NewServer(root, version string) (*Server, error) {
	b, err := OpenBundle(root)
	if err != nil {
		return nil, err
	}
	s := server.NewMCPServer("insight", version, server.WithLogging())
	registerTools(s, b)
	return &Server{mcpServer: s, bundle: b}, nil
}

// Start runs the server on stdin/stdout until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	return s.Listen(ctx, os.Stdin, os.Stdout)
}

// Listen serves MCP over an arbitrary stream pair.
func (s *Server) Listen(ctx context.Context, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s.mcpServer).Listen(ctx, in, out)
}

func registerTools(s *server.MCPServer, b *Bundle) {
	s.AddTool(mcp.NewTool("list_hosts",
		mcp.WithDescription("List the host aliases in the bundle with the status of their latest run."),
	), b.handleListHosts)

	s.AddTool(mcp.NewTool("list_categories",
		mcp.WithDescription("List the artifact categories collected for a host (collector, perfdata, logs, configs, metric/prometheus, ...) with file counts."),
		mcp.WithString("host",
			mcp.Required(),
			mcp.Description("Host alias, as returned by list_hosts"),
		),
	), b.handleListCategories)

	s.AddTool(mcp.NewTool("list_artifacts",
		mcp.WithDescription("List artifact files of a host, optionally restricted to one category. Paths are relative to the bundle root."),
		mcp.WithString("host",
			mcp.Required(),
			mcp.Description("Host alias"),
		),
		mcp.WithString("category",
			mcp.Description("Category directory, e.g. 'logs' or 'metric/prometheus'. Omit for all."),
		),
	), b.handleListArtifacts)

	s.AddTool(mcp.NewTool("read_artifact",
		mcp.WithDescription("Read an artifact as text. Large files are truncated; use offset to page through them."),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Artifact path relative to the bundle root, as returned by list_artifacts"),
		),
		mcp.WithNumber("offset",
			mcp.Description("Byte offset to start reading at"),
		),
		mcp.WithNumber("max_bytes",
			mcp.Description("Maximum bytes to return (default 64 KiB, at most 1 MiB)"),
		),
	), b.handleReadArtifact)

	s.AddTool(mcp.NewTool("show_manifest",
		mcp.WithDescription("Show the run manifest of a host: every run with its target, status, state trace and per-collector outcomes."),
		mcp.WithString("host",
			mcp.Required(),
			mcp.Description("Host alias"),
		),
		mcp.WithBoolean("latest",
			mcp.Description("Only the most recent run"),
		),
	), b.handleShowManifest)
}
