package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"surfacebroker/internal/domain"
	"surfacebroker/internal/infra/tracer"
)

// Execute runs one tool call inside a span: it decodes rawParams into P,
// calls handler and folds the outcome into a ToolResult. A string result is
// sent verbatim, a *domain.ToolResult is passed through and anything else is
// JSON-encoded. Handler errors and panics become error results, so the
// returned error is always nil.
func Execute[P any](
	ctx context.Context,
	spanName string,
	logger *slog.Logger,
	rawParams json.RawMessage,
	handler func(ctx context.Context, span trace.Span, params P) (any, error),
) (res *domain.ToolResult, _ error) {
	ctx, span := tracer.StartSpan(ctx, spanName, trace.WithAttributes(tracer.KeyTool.String(spanName)))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			logger.Error(spanName+" panicked", callAttrs(ctx, "panic", r)...)
			res = failed(span, fmt.Errorf("internal error: %v", r))
		}
	}()

	params, err := decodeParams[P](rawParams)
	if err != nil {
		return failed(span, fmt.Errorf("invalid params: %w", err)), nil
	}

	out, err := handler(ctx, span, params)
	if err != nil {
		code := domain.ErrorCodeOf(err)
		attrs := callAttrs(ctx, "error", err, "code", code)
		if isRejection(code) {
			logger.Debug(spanName+" rejected", attrs...)
		} else {
			logger.Warn(spanName+" failed", attrs...)
		}
		return failed(span, err), nil
	}
	return succeeded(span, out), nil
}

func decodeParams[P any](raw json.RawMessage) (P, error) {
	var p P
	if len(raw) == 0 {
		return p, nil
	}
	err := json.Unmarshal(raw, &p)
	return p, err
}

// isRejection reports codes caused by the caller's input. They are answered
// but not logged as broker failures. Sandbox violations get their security
// log where they are detected.
func isRejection(code domain.ErrorCode) bool {
	switch code {
	case domain.CodeValidation, domain.CodeInvalidInput, domain.CodeSurfaceNameInvalid,
		domain.CodeSurfaceNotFound, domain.CodeDefinitionNotFound,
		domain.CodePathOutsideSandbox:
		return true
	}
	return false
}

func callAttrs(ctx context.Context, kv ...any) []any {
	if sid := domain.SessionIDFromContext(ctx); sid != "" {
		kv = append(kv, "session_id", sid)
	}
	if rid := domain.RequestIDFromContext(ctx); rid != "" {
		kv = append(kv, "request_id", rid)
	}
	return kv
}

func failed(span trace.Span, err error) *domain.ToolResult {
	tracer.RecordError(span, err)
	return &domain.ToolResult{IsError: true, Content: err.Error()}
}

func succeeded(span trace.Span, out any) *domain.ToolResult {
	var res *domain.ToolResult
	switch v := out.(type) {
	case *domain.ToolResult:
		if v.IsError {
			tracer.RecordError(span, errors.New(v.Content))
			return v
		}
		res = v
	case string:
		res = &domain.ToolResult{Content: v}
	default:
		data, err := json.Marshal(out)
		if err != nil {
			return failed(span, fmt.Errorf("failed to format response: %w", err))
		}
		res = &domain.ToolResult{Content: string(data)}
	}
	tracer.SetOK(span)
	return res
}

// ErrResult creates an error ToolResult for rejections that are answered to
// the caller without being logged as failures.
func ErrResult(format string, args ...any) *domain.ToolResult {
	return &domain.ToolResult{
		IsError: true,
		Content: fmt.Sprintf(format, args...),
	}
}

// TextResult creates a plain text success ToolResult.
func TextResult(s string) *domain.ToolResult {
	return &domain.ToolResult{Content: s}
}
