// Package logger builds the broker's *slog.Logger from configuration.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"surfacebroker/internal/infra/config"
)

// AppName is attached to every record as the "app" attribute.
const AppName = "surfaced"

// Redacted replaces the value of credential attributes.
const Redacted = "[REDACTED]"

// credentialKeys never reach the output with their real value, at any
// nesting depth.
var credentialKeys = map[string]bool{
	"token":         true,
	"auth_token":    true,
	"authorization": true,
	"bearer":        true,
}

// New creates the logger described by cfg. The closer releases a log file
// and must be called on shutdown; it is a no-op for stdout/stderr.
func New(cfg config.LoggerConfig) (*slog.Logger, func() error, error) {
	w, closeFn, err := openOutput(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output %q: %w", cfg.Output, err)
	}
	return NewWithWriter(cfg, w), closeFn, nil
}

// NewWithWriter creates a logger writing to w, ignoring cfg.Output.
func NewWithWriter(cfg config.LoggerConfig, w io.Writer) *slog.Logger {
	level := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   level <= slog.LevelDebug,
		ReplaceAttr: redact,
	}

	var h slog.Handler = slog.NewTextHandler(w, opts)
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With("app", AppName)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// ParseLevel maps a config level to a slog.Level. Anything slog accepts
// ("debug", "INFO+2", ...) works, plus "warning"; unknown values mean info.
func ParseLevel(s string) slog.Level {
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if credentialKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, Redacted)
	}
	return a
}

func nopClose() error { return nil }

// openOutput resolves "stderr" (default), "stdout", "discard" or a file
// path. Files are appended to and their directory is created.
func openOutput(target string) (io.Writer, func() error, error) {
	switch strings.ToLower(target) {
	case "", "stderr":
		return os.Stderr, nopClose, nil
	case "stdout":
		return os.Stdout, nopClose, nil
	case "discard":
		return io.Discard, nopClose, nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
