package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewServer creates a new MCP server with pipewright tools registered.
func NewServer(version string) *server.MCPServer {
	s := server.NewMCPServer(
		"pipewright",
		version,
		server.WithToolCapabilities(true),
	)

	s.AddTool(
		mcp.NewTool("pipewright/validate",
			mcp.WithDescription("Validate a pipewright configuration fragment (YAML)"),
			mcp.WithString("path", mcp.Required(), mcp.Description("Path to the configuration file")),
		),
		HandleValidate,
	)

	s.AddTool(
		mcp.NewTool("pipewright/resolve",
			mcp.WithDescription("Resolve a pipeline of a project into its execution plan"),
			mcp.WithString("dir", mcp.Description("Directory inside the project (default: working directory)")),
			mcp.WithString("pipeline", mcp.Description("Pipeline name (default: default)")),
		),
		HandleResolve,
	)

	s.AddTool(
		mcp.NewTool("pipewright/diagram",
			mcp.WithDescription("Render the execution plan of a pipeline as a diagram"),
			mcp.WithString("dir", mcp.Description("Directory inside the project (default: working directory)")),
			mcp.WithString("pipeline", mcp.Description("Pipeline name (default: default)")),
			mcp.WithString("format", mcp.Description("Diagram format: mermaid (default) or ascii")),
		),
		HandleDiagram,
	)

	s.AddTool(
		mcp.NewTool("pipewright/schema",
			mcp.WithDescription("Export the JSON Schema of pipewright configuration fragments"),
		),
		HandleSchema,
	)

	return s
}
