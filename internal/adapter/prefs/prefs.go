// Package prefs persists broker preferences such as the tool call counter.
package prefs

import (
	"fmt"
	"log/slog"
	"strconv"

	"surfacebroker/internal/domain"
)

// Defaults are returned by Get for keys that were never written.
var Defaults = map[string]string{
	domain.PrefToolCalls: "0",
	domain.PrefAutoSend:  "true",
}

// Open returns the preference store for backend. Backend "none" yields a
// store that keeps values in memory only.
func Open(backend, path string, logger *slog.Logger) (domain.PreferenceStore, error) {
	switch backend {
	case "yaml":
		s, err := NewYAMLStore(path, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "none", "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", domain.ErrPrefsStore, backend)
	}
}

func parseCounter(key, v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s is not a counter: %q", domain.ErrPrefsStore, key, v)
	}
	return n, nil
}

func storeError(op string, err error) error {
	return domain.NewSubSystemError("prefs", op, fmt.Errorf("%w: %w", domain.ErrPrefsStore, err), "")
}
