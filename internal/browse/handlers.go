package browse

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

func (b *Bundle) handleListHosts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	hosts, err := b.Hosts()
	if err != nil {
		return errResult(err.Error()), nil
	}
	return jsonResult(hosts), nil
}

func (b *Bundle) handleListCategories(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	host := stringArg(getArgs(request), "host", "")
	if host == "" {
		return errResult("host is required"), nil
	}
	cats, err := b.Categories(host)
	if err != nil {
		return errResult(err.Error()), nil
	}
	return jsonResult(cats), nil
}

func (b *Bundle) handleListArtifacts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := getArgs(request)
	host := stringArg(args, "host", "")
	if host == "" {
		return errResult("host is required"), nil
	}
	arts, err := b.Artifacts(host, stringArg(args, "category", ""))
	if err != nil {
		return errResult(err.Error()), nil
	}
	return jsonResult(arts), nil
}

func (b *Bundle) handleReadArtifact(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := getArgs(request)
	path := stringArg(args, "path", "")
	if path == "" {
		return errResult("path is required"), nil
	}
	chunk, err := b.Read(path, int64(numberArg(args, "offset", 0)), int(numberArg(args, "max_bytes", DefaultReadBytes)))
	if err != nil {
		return errResult(err.Error()), nil
	}
	return jsonResult(chunk), nil
}

func (b *Bundle) handleShowManifest(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := getArgs(request)
	host := stringArg(args, "host", "")
	if host == "" {
		return errResult("host is required"), nil
	}
	m, err := b.Manifest(host)
	if err != nil {
		return errResult(err.Error()), nil
	}
	if latest, _ := args["latest"].(bool); latest {
		if last := m.Latest(); last != nil {
			return jsonResult(last), nil
		}
		return errResult(fmt.Sprintf("host %q has no runs", host)), nil
	}
	return jsonResult(m), nil
}

// getArgs safely extracts the arguments map from a CallToolRequest.
// Returns an empty map if Arguments is nil or not a map.
func getArgs(request mcp.CallToolRequest) map[string]interface{} {
	if request.Params.Arguments == nil {
		return map[string]interface{}{}
	}
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return map[string]interface{}{}
	}
	return args
}

// stringArg extracts a string argument with a default value.
func stringArg(args map[string]interface{}, key, defaultVal string) string {
	s, ok := args[key].(string)
	if !ok || s == "" {
		return defaultVal
	}
	return s
}

// numberArg extracts a JSON number argument with a default value.
func numberArg(args map[string]interface{}, key string, defaultVal float64) float64 {
	n, ok := args[key].(float64)
	if !ok {
		return defaultVal
	}
	return n
}

func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errResult(fmt.Sprintf("json marshal failed: %v", err))
	}
	return newTextResult(string(data))
}

// newTextResult creates a successful MCP tool result with text content.
func newTextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: text,
			},
		},
	}
}

// errResult creates an MCP tool error result (IsError=true).
// This is returned as a tool-level error, not a transport-level JSON-RPC error.
func errResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: msg,
			},
		},
	}
}
