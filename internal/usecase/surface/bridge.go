package surface

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/trace"

	"surfacebroker/internal/domain"
	"surfacebroker/internal/infra/tracer"
)

// Default bridge settings.
const (
	DefaultEvaluateTimeout  = 10 * time.Second
	DefaultBreakerCooldown  = 30 * time.Second
	describeStateExpression = `typeof describeState === "function" ? describeState() : undefined`
	getStateExpression      = "getState()"
)

// BridgeConfig configures the state bridge.
type BridgeConfig struct {
	// EvaluateTimeout bounds every evaluate round-trip.
	EvaluateTimeout time.Duration `yaml:"evaluate_timeout"`
	// BreakerFailures is the number of consecutive timeouts after which a
	// surface is treated as hung and calls fail fast. Zero disables the breaker.
	BreakerFailures uint32 `yaml:"breaker_failures"`
	// BreakerCooldown is how long a tripped breaker stays open.
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// Bridge translates state reads, writes and schema requests into evaluate
// calls. It holds no per-surface state of its own.
type Bridge struct {
	cfg    BridgeConfig
	logger *slog.Logger
}

// NewBridge creates a bridge. Zero config values fall back to defaults.
func NewBridge(cfg BridgeConfig, logger *slog.Logger) *Bridge {
	if cfg.EvaluateTimeout <= 0 {
		cfg.EvaluateTimeout = DefaultEvaluateTimeout
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = DefaultBreakerCooldown
	}
	return &Bridge{cfg: cfg, logger: logger}
}

// Attach installs the per-surface circuit breaker on h. Register it with
// WithOpenHook so every new handle gets one.
func (b *Bridge) Attach(h *Handle) {
	if b.cfg.BreakerFailures == 0 {
		return
	}
	threshold := b.cfg.BreakerFailures
	h.breaker = gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:        "surface:" + h.name,
		MaxRequests: 1,
		Timeout:     b.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("surface breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// Script errors do not count; only timeouts trip the breaker.
		IsSuccessful: func(err error) bool {
			return !errors.Is(err, domain.ErrBridgeTimeout)
		},
	})
}

// ReadState returns the surface's current state as JSON text.
func (b *Bridge) ReadState(ctx context.Context, h *Handle) (string, error) {
	raw, err := b.evaluate(ctx, h, "Bridge.ReadState", getStateExpression)
	if err != nil {
		return "", err
	}
	if raw == nil {
		return "", domain.NewDomainError("Bridge.ReadState", domain.ErrBridge,
			fmt.Sprintf("surface %q: getState() returned undefined", h.name))
	}
	return string(raw), nil
}

// WriteState applies state and returns the state read back afterwards.
func (b *Bridge) WriteState(ctx context.Context, h *Handle, state string) (string, error) {
	var compact bytes.Buffer
	if err := json.Compact(&compact, []byte(state)); err != nil {
		return "", domain.NewDomainError("Bridge.WriteState", domain.ErrValidation,
			fmt.Sprintf("payload is not valid JSON: %v", err))
	}
	script := domain.EntrySetState + "(" + compact.String() + ")"
	if _, err := b.evaluate(ctx, h, "Bridge.WriteState", script); err != nil {
		return "", err
	}
	return b.ReadState(ctx, h)
}

// DescribeState returns a JSON schema of the surface's state. Surfaces that
// define describeState() answer for themselves; for the rest the schema is
// inferred from the current state.
func (b *Bridge) DescribeState(ctx context.Context, h *Handle) (string, error) {
	raw, err := b.evaluate(ctx, h, "Bridge.DescribeState", describeStateExpression)
	if err != nil {
		return "", err
	}
	if raw != nil {
		return string(raw), nil
	}

	state, err := b.ReadState(ctx, h)
	if err != nil {
		return "", err
	}
	schema, err := InferSchema(json.RawMessage(state))
	if err != nil {
		return "", domain.NewDomainError("Bridge.DescribeState", domain.ErrBridge, err.Error())
	}
	return string(schema), nil
}

func (b *Bridge) evaluate(ctx context.Context, h *Handle, op, script string) (raw json.RawMessage, err error) {
	if h.Closed() {
		return nil, domain.NewDomainError(op, domain.ErrSurfaceClosed, h.name)
	}

	ctx, span := tracer.StartSpan(ctx, "bridge.evaluate",
		trace.WithAttributes(tracer.KeyBridge.String(op), tracer.KeySurface.String(h.name)))
	defer func() {
		if err != nil {
			tracer.RecordError(span, err)
		} else {
			tracer.SetOK(span)
		}
		span.End()
	}()

	if h.breaker == nil {
		return b.roundTrip(ctx, h, op, script)
	}
	raw, err = h.breaker.Execute(func() (json.RawMessage, error) {
		return b.roundTrip(ctx, h, op, script)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, domain.NewDomainError(op, domain.ErrBridgeTimeout,
			fmt.Sprintf("surface %q is unresponsive (circuit open)", h.name))
	}
	return raw, err
}

type evalResult struct {
	raw json.RawMessage
	err error
}

// roundTrip runs one evaluate under the configured deadline. The handle's
// slot stays taken until the surface actually answers, so a hung evaluate
// also times out every call queued behind it.
func (b *Bridge) roundTrip(ctx context.Context, h *Handle, op, script string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.EvaluateTimeout)
	defer cancel()

	select {
	case h.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, b.waitError(ctx, op, h, "waiting for previous evaluation")
	}

	done := make(chan evalResult, 1)
	go func() {
		defer func() { <-h.sem }()
		defer func() {
			if r := recover(); r != nil {
				done <- evalResult{err: fmt.Errorf("evaluate panicked: %v", r)}
			}
		}()
		raw, err := h.surface.Evaluate(ctx, script)
		done <- evalResult{raw: raw, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) {
				return nil, b.waitError(ctx, op, h, "evaluate")
			}
			return nil, domain.NewDomainError(op, domain.ErrBridge,
				fmt.Sprintf("surface %q: %v", h.name, res.err))
		}
		return normalize(res.raw), nil
	case <-ctx.Done():
		return nil, b.waitError(ctx, op, h, "evaluate")
	}
}

func (b *Bridge) waitError(ctx context.Context, op string, h *Handle, phase string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		b.logger.Warn("surface evaluate timed out",
			"name", h.name,
			"op", op,
			"phase", phase,
			"timeout", b.cfg.EvaluateTimeout,
		)
		return domain.NewDomainError(op, domain.ErrBridgeTimeout,
			fmt.Sprintf("surface %q did not respond within %s", h.name, b.cfg.EvaluateTimeout))
	}
	return domain.WrapOp(op, ctx.Err())
}

// normalize maps an empty or "undefined" result to nil.
func normalize(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "undefined" {
		return nil
	}
	return trimmed
}
