package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const jsonrpcVersion = "2.0"

// NewMCPServer exposes every tool in reg as an MCP tool. The returned server
// is driven through HandleMessage by the HTTP transport.
func NewMCPServer(name, version string, reg *Registry) *server.MCPServer {
	s := server.NewMCPServer(name, version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	for _, t := range reg.List() {
		schema := t.Schema()
		s.AddTool(mcp.NewToolWithRawSchema(schema.Name, schema.Description, schema.Parameters), mcpHandler(reg, schema.Name))
	}
	return s
}

func mcpHandler(reg *Registry, name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		if args == nil {
			args = map[string]any{}
		}
		raw, err := json.Marshal(args)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}

		res, err := reg.Invoke(ctx, name, raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if res.IsError {
			return mcp.NewToolResultError(res.Content), nil
		}
		return mcp.NewToolResultText(res.Content), nil
	}
}

// IsJSONRPC reports whether body looks like a JSON-RPC 2.0 message rather
// than a plain invocation.
func IsJSONRPC(body []byte) bool {
	var probe struct {
		JSONRPC string `json:"jsonrpc"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.JSONRPC == jsonrpcVersion
}
