package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ormasoftchile/pipewright/pkg/diagram"
	"github.com/ormasoftchile/pipewright/pkg/kernel/action"
	"github.com/ormasoftchile/pipewright/pkg/kernel/config"
	"github.com/ormasoftchile/pipewright/pkg/stages"
)

// loadOptions includes the built-in stages, resolvable through a fresh
// action registry.
func loadOptions() config.LoadOptions {
	actions := action.NewRegistry()
	stages.Register(actions)
	return stages.LoadOptions(actions)
}

// HandleValidate implements the pipewright/validate MCP tool.
func HandleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	path, _ := args["path"].(string)
	if path == "" {
		return errorResult("path argument is required"), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errorResult(fmt.Sprintf("read %s: %s", path, err)), nil
	}

	frag, errs := config.Validate(data, path, loadOptions())
	if config.HasErrors(errs) {
		return errorResult(formatErrors(errs)), nil
	}
	msg := fmt.Sprintf("✓ %s is valid (%d pipelines, %d stages)", path, len(frag.Pipelines), len(frag.Stages))
	for _, e := range errs {
		msg += "\n⚠ " + e.Error()
	}
	return textResult(msg), nil
}

// HandleResolve implements the pipewright/resolve MCP tool.
func HandleResolve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, reg, plan, errRes := resolveArgs(req)
	if errRes != nil {
		return errRes, nil
	}
	response := map[string]any{
		"pipeline": name,
		"root":     reg.Root,
		"plan":     plan,
		"leaves":   plan.Leaves(),
	}
	data, _ := json.MarshalIndent(response, "", "  ")
	return textResult(string(data)), nil
}

// HandleDiagram implements the pipewright/diagram MCP tool.
func HandleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, reg, plan, errRes := resolveArgs(req)
	if errRes != nil {
		return errRes, nil
	}
	format, _ := req.GetArguments()["format"].(string)
	if format == "" {
		format = string(diagram.FormatMermaid)
	}
	out, err := diagram.Generate(name, plan, reg, diagram.Format(format))
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(out), nil
}

// HandleSchema implements the pipewright/schema MCP tool.
func HandleSchema(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := config.GenerateJSONSchema()
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(string(data)), nil
}

// resolveArgs loads the project named by the dir argument and normalizes the
// requested pipeline. A non-nil result reports a failure to the caller.
func resolveArgs(req mcp.CallToolRequest) (string, *config.Registry, *config.Plan, *mcp.CallToolResult) {
	args := req.GetArguments()
	dir, _ := args["dir"].(string)
	if dir == "" {
		dir = "."
	}
	name, _ := args["pipeline"].(string)
	if name == "" {
		name = config.DefaultPipeline
	}

	reg, err := config.Load(dir, loadOptions())
	if err != nil {
		return "", nil, nil, errorResult(fmt.Sprintf("load config: %s", err))
	}
	plan, err := reg.Normalize(name)
	if err != nil {
		return "", nil, nil, errorResult(fmt.Sprintf("resolve %s: %s", name, err))
	}
	return name, reg, plan, nil
}

func formatErrors(errs []*config.ValidationError) string {
	var msgs []string
	for _, e := range errs {
		if e.Severity == "error" {
			msgs = append(msgs, e.Error())
		}
	}
	return strings.Join(msgs, "; ")
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(text),
		},
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(msg),
		},
		IsError: true,
	}
}
