package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"surfacebroker/internal/domain"
	"surfacebroker/internal/infra/tracer"
	"surfacebroker/internal/usecase/surface"
)

// SurfaceToolName is the name of the single multi-mode verb.
const SurfaceToolName = "surface"

// SurfaceTool implements the show/get/set/describe/list verb on top of the
// surface registry, the state bridge and the definition store.
type SurfaceTool struct {
	registry *surface.Registry
	bridge   *surface.Bridge
	store    domain.DefinitionStore
	prefs    domain.PreferenceStore
	bus      domain.EventBus
	logger   *slog.Logger
}

// SurfaceToolOption configures a SurfaceTool.
type SurfaceToolOption func(*SurfaceTool)

// WithPreferences counts invocations in the tool_calls preference.
func WithPreferences(p domain.PreferenceStore) SurfaceToolOption {
	return func(t *SurfaceTool) { t.prefs = p }
}

// WithEventBus publishes state changes and completed calls on bus.
func WithEventBus(bus domain.EventBus) SurfaceToolOption {
	return func(t *SurfaceTool) { t.bus = bus }
}

// NewSurfaceTool creates the surface tool.
func NewSurfaceTool(
	registry *surface.Registry,
	bridge *surface.Bridge,
	store domain.DefinitionStore,
	logger *slog.Logger,
	opts ...SurfaceToolOption,
) *SurfaceTool {
	t := &SurfaceTool{
		registry: registry,
		bridge:   bridge,
		store:    store,
		logger:   logger,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *SurfaceTool) Name() string { return SurfaceToolName }
func (t *SurfaceTool) Description() string {
	return "Create, update and query named interactive surfaces. " +
		"show opens a surface (pass source to create or replace it), " +
		"get reads its state, set writes state (payload is JSON), " +
		"describe returns a JSON schema of the state, list enumerates stored surfaces."
}

func (t *SurfaceTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"name": {
					"type": "string",
					"description": "Surface name (alphanumeric, hyphens, underscores). Ignored by list."
				},
				"mode": {
					"type": "string",
					"description": "One of: show, get, set, describe, list"
				},
				"payload": {
					"description": "JSON state for set, either as a JSON-encoded string or inline JSON"
				},
				"source": {
					"type": "string",
					"description": "Surface definition for show; must define getState() and setState(state)"
				}
			}
		}`),
	}
}

type surfaceParams struct {
	Name    string      `json:"name"`
	Mode    string      `json:"mode"`
	Payload payloadText `json:"payload,omitempty"`
	Source  string      `json:"source,omitempty"`
}

// payloadText accepts the payload either as a JSON-encoded string or as
// inline JSON and always holds the JSON text. Inline null is the state
// null; only an absent field or an empty string counts as missing.
type payloadText string

func (p *payloadText) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*p = payloadText(s)
		return nil
	}
	*p = payloadText(trimmed)
	return nil
}

// Execute runs one invocation. Every invocation, successful or not, yields
// exactly one result envelope.
func (t *SurfaceTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	res, err := Execute(ctx, "tool.surface", t.logger, params, t.serialized(
		Dispatch(func(p surfaceParams) string { return p.Mode }, ModeMap[surfaceParams]{
			domain.ModeShow:     t.show,
			domain.ModeGet:      t.get,
			domain.ModeSet:      t.set,
			domain.ModeDescribe: t.describe,
			domain.ModeList:     t.list,
		}),
	))
	t.recordCall(ctx, params, res)
	return res, err
}

// Invoke executes a typed invocation.
func (t *SurfaceTool) Invoke(ctx context.Context, inv domain.ToolInvocation) *domain.ToolResult {
	raw, err := json.Marshal(inv)
	if err != nil {
		return ErrResult("invalid invocation: %v", err)
	}
	res, _ := t.Execute(ctx, raw)
	return res
}

// serialized validates the name and holds the per-name lock around next.
// list touches no single surface and runs unlocked.
func (t *SurfaceTool) serialized(
	next func(ctx context.Context, span trace.Span, p surfaceParams) (any, error),
) func(ctx context.Context, span trace.Span, p surfaceParams) (any, error) {
	return func(ctx context.Context, span trace.Span, p surfaceParams) (any, error) {
		if p.Mode == domain.ModeList.String() {
			return next(ctx, span, p)
		}
		if _, err := domain.ParseMode(p.Mode); err != nil {
			return next(ctx, span, p) // Dispatch reports the invalid mode
		}
		if err := t.checkName(ctx, p.Mode, p.Name); err != nil {
			return nil, err
		}
		span.SetAttributes(tracer.KeySurface.String(p.Name))

		unlock, err := t.registry.Lock(ctx, p.Name)
		if err != nil {
			return nil, err
		}
		defer unlock()
		return next(ctx, span, p)
	}
}

// checkName validates name before any lock or store access. Names that
// address a path are reported as security events.
func (t *SurfaceTool) checkName(ctx context.Context, mode, name string) error {
	err := domain.ValidateSurfaceName(name)
	if errors.Is(err, domain.ErrPathOutsideSandbox) {
		t.logger.Warn("surface path rejected", callAttrs(ctx,
			"security", true,
			"mode", mode,
			"name", name,
			"code", domain.ErrorCodeOf(err),
		)...)
	}
	return err
}

func (t *SurfaceTool) show(ctx context.Context, p surfaceParams) (any, error) {
	if p.Source == "" {
		return t.get(ctx, p)
	}
	if err := ValidateSource(p.Source); err != nil {
		return nil, err
	}
	h, err := t.registry.Replace(ctx, p.Name, p.Source)
	if err != nil {
		return nil, err
	}
	return t.bridge.ReadState(ctx, h)
}

// get resurrects a closed surface from its stored definition. describe
// deliberately does not.
func (t *SurfaceTool) get(ctx context.Context, p surfaceParams) (any, error) {
	h, err := t.registry.Open(ctx, p.Name, "")
	if err != nil {
		return nil, err
	}
	return t.bridge.ReadState(ctx, h)
}

func (t *SurfaceTool) set(ctx context.Context, p surfaceParams) (any, error) {
	payload := string(p.Payload)
	if err := ValidatePayload(payload); err != nil {
		return nil, err
	}
	h, err := t.live(p.Name)
	if err != nil {
		return nil, err
	}
	state, err := t.bridge.WriteState(ctx, h, payload)
	if err != nil {
		return nil, err
	}
	PublishToolEvent(ctx, t.bus, domain.EventSurfaceStateChanged,
		domain.SurfaceEventPayload{Name: p.Name, State: state})
	return state, nil
}

func (t *SurfaceTool) describe(ctx context.Context, p surfaceParams) (any, error) {
	h, err := t.live(p.Name)
	if err != nil {
		return nil, err
	}
	return t.bridge.DescribeState(ctx, h)
}

func (t *SurfaceTool) list(ctx context.Context, _ surfaceParams) (any, error) {
	infos, err := t.store.List(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	return names, nil
}

func (t *SurfaceTool) live(name string) (*surface.Handle, error) {
	h, ok := t.registry.Get(name)
	if !ok {
		return nil, domain.NewDomainError("Surface.Live", domain.ErrSurfaceNotFound,
			fmt.Sprintf("no live surface %q; call show first", name))
	}
	return h, nil
}

func (t *SurfaceTool) recordCall(ctx context.Context, params json.RawMessage, res *domain.ToolResult) {
	if t.prefs != nil {
		if _, err := t.prefs.Incr(ctx, domain.PrefToolCalls, 1); err != nil {
			t.logger.Debug("tool call counter not updated", "error", err)
		}
	}
	if t.bus == nil {
		return
	}
	var p struct {
		Name string `json:"name"`
		Mode string `json:"mode"`
	}
	_ = json.Unmarshal(params, &p)
	PublishToolEvent(ctx, t.bus, domain.EventToolCallCompleted, map[string]any{
		"name":     p.Name,
		"mode":     p.Mode,
		"is_error": res.IsError,
	})
}

// --- Operations used by the HTTP surface and the definition watcher ---

// SaveDefinition validates and persists source for name without touching
// a live surface.
func (t *SurfaceTool) SaveDefinition(ctx context.Context, name, source string) (domain.DefinitionInfo, error) {
	if err := t.checkName(ctx, "save", name); err != nil {
		return domain.DefinitionInfo{}, err
	}
	if err := ValidateSource(source); err != nil {
		return domain.DefinitionInfo{}, err
	}
	unlock, err := t.registry.Lock(ctx, name)
	if err != nil {
		return domain.DefinitionInfo{}, err
	}
	defer unlock()

	info, err := t.store.Save(ctx, name, source)
	if err != nil {
		return domain.DefinitionInfo{}, err
	}
	PublishToolEvent(ctx, t.bus, domain.EventDefinitionSaved, domain.SurfaceEventPayload{Name: name})
	return info, nil
}

// DeleteDefinition closes the live surface for name, if any, and removes
// its stored definition.
func (t *SurfaceTool) DeleteDefinition(ctx context.Context, name string) error {
	if err := t.checkName(ctx, "delete", name); err != nil {
		return err
	}
	unlock, err := t.registry.Lock(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()

	t.registry.Close(name)
	if err := t.store.Delete(ctx, name); err != nil {
		return err
	}
	PublishToolEvent(ctx, t.bus, domain.EventDefinitionDeleted, domain.SurfaceEventPayload{Name: name})
	return nil
}

// CloseSurface closes the live surface for name and reports whether one existed.
func (t *SurfaceTool) CloseSurface(ctx context.Context, name string) (bool, error) {
	if err := t.checkName(ctx, "close", name); err != nil {
		return false, err
	}
	unlock, err := t.registry.Lock(ctx, name)
	if err != nil {
		return false, err
	}
	defer unlock()
	return t.registry.Close(name), nil
}

// Reload re-instantiates the live surface for name from its stored
// definition when the definition differs from the one the surface runs.
// Names that are not live are left alone.
func (t *SurfaceTool) Reload(ctx context.Context, name string) (bool, error) {
	unlock, err := t.registry.Lock(ctx, name)
	if err != nil {
		return false, err
	}
	defer unlock()

	h, ok := t.registry.Get(name)
	if !ok {
		return false, nil
	}
	def, err := t.store.Load(ctx, name)
	if err != nil {
		// Definition removed from disk; the surface keeps running.
		return false, err
	}
	if def.Source == h.Source() {
		return false, nil
	}
	return t.registry.Reopen(ctx, name)
}

// LiveSurfaces returns the names of currently live surfaces.
func (t *SurfaceTool) LiveSurfaces() []string { return t.registry.List() }

var _ domain.Tool = (*SurfaceTool)(nil)
