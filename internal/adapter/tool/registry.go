package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"surfacebroker/internal/domain"
)

// Registry holds the tools the broker serves. Invoke checks params against
// the tool's declared schema before the tool runs.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registered
	order   []string
	logger  *slog.Logger
}

type registered struct {
	tool   domain.Tool
	schema *jsonschema.Schema // nil: no schema, or it failed to compile
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]registered),
		logger:  logger,
	}
}

// Register adds tools in order. A duplicate name fails the call and leaves
// the tools after it unregistered. A schema that does not compile is logged
// and the tool runs unchecked.
func (r *Registry) Register(tools ...domain.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range tools {
		name := t.Name()
		if _, dup := r.entries[name]; dup {
			return fmt.Errorf("tool %q already registered", name)
		}
		schema, err := compileSchema(t)
		if err != nil {
			r.logger.Warn("tool params will not be checked", "tool", name, "error", err)
		}
		r.entries[name] = registered{tool: t, schema: schema}
		r.order = append(r.order, name)
	}
	return nil
}

func (r *Registry) Get(name string) (domain.Tool, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return e.tool, nil
}

// Invoke runs the named tool. Unknown tools are an error; schema
// violations come back as an error result without running the tool.
func (r *Registry) Invoke(ctx context.Context, name string, params json.RawMessage) (*domain.ToolResult, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	if rejected := checkParams(e.schema, params); rejected != nil {
		if rec, ok := e.tool.(callRecorder); ok {
			rec.recordCall(ctx, params, rejected)
		}
		return rejected, nil
	}
	return e.tool.Execute(ctx, params)
}

// callRecorder is implemented by tools that account for every call,
// including the ones refused here before Execute runs.
type callRecorder interface {
	recordCall(ctx context.Context, params json.RawMessage, res *domain.ToolResult)
}

// List returns the tools in registration order.
func (r *Registry) List() []domain.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Tool, len(r.order))
	for i, name := range r.order {
		out[i] = r.entries[name].tool
	}
	return out
}

func (r *Registry) lookup(name string) (registered, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return registered{}, domain.NewDomainError("Registry.Get", domain.ErrToolNotFound, name)
	}
	return e, nil
}

var _ domain.ToolExecutor = (*Registry)(nil)
