package domain

import (
	"context"
	"encoding/json"
)

// ToolSchema is the self-description advertised to MCP clients. Parameters
// holds a JSON Schema object.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolResult is the one envelope every invocation answers with. Content is
// the state text, the list JSON or the error message.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"isError"`
}

type Tool interface {
	Name() string
	Description() string
	Schema() ToolSchema
	// Execute reports caller mistakes and surface failures in the result.
	// A non-nil error means the call could not be attempted.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolExecutor runs registered tools by name.
type ToolExecutor interface {
	Invoke(ctx context.Context, name string, params json.RawMessage) (*ToolResult, error)
}
