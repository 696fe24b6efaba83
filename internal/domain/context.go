package domain

import "context"

type (
	sessionKey struct{}
	requestKey struct{}
)

// ContextWithSessionID tags ctx with the transport session that issued the
// call.
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionIDFromContext returns the session tag, or "" for calls that did not
// arrive over a session (HTTP invoke, MCP).
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// ContextWithRequestID tags ctx with the caller's frame id.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestKey{}, id)
}

func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestKey{}).(string)
	return id
}
