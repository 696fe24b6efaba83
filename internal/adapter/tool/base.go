package tool

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"surfacebroker/internal/domain"
	"surfacebroker/internal/infra/tracer"
)

// ModeHandler handles a single mode of a multi-mode tool.
type ModeHandler[P any] func(ctx context.Context, p P) (any, error)

// ModeMap maps every mode a tool supports to its handler.
type ModeMap[P any] map[domain.Mode]ModeHandler[P]

// Dispatch creates a handler for Execute[P] that parses the mode with
// domain.ParseMode and routes to the matching handler. Unknown, omitted or
// unsupported modes produce an "Invalid mode" error result.
func Dispatch[P any](
	getMode func(P) string,
	modes ModeMap[P],
) func(ctx context.Context, span trace.Span, p P) (any, error) {
	valid := make([]string, 0, len(modes))
	for _, m := range domain.Modes() {
		if _, ok := modes[m]; ok {
			valid = append(valid, m.String())
		}
	}

	return func(ctx context.Context, span trace.Span, p P) (any, error) {
		raw := getMode(p)
		span.SetAttributes(tracer.KeyAction.String(raw))

		mode, err := domain.ParseMode(raw)
		handler, ok := modes[mode]
		if err != nil || !ok {
			if raw == "" {
				return ErrResult("Invalid mode: 'mode' is required (want: %s)", strings.Join(valid, ", ")), nil
			}
			return ErrResult("Invalid mode %q (want: %s)", raw, strings.Join(valid, ", ")), nil
		}
		return handler(ctx, p)
	}
}

// PublishToolEvent publishes a domain event on the event bus from a tool.
// If the bus is nil, this is a no-op. The session ID is taken from ctx.
func PublishToolEvent(ctx context.Context, bus domain.EventBus, eventType domain.EventType, payload any) {
	if bus == nil {
		return
	}
	ev := domain.NewEvent(eventType, payload)
	ev.SessionID = domain.SessionIDFromContext(ctx)
	bus.Publish(ctx, ev)
}
