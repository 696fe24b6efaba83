package domain

import (
	"context"
	"time"
)

// Definition is the persisted source of a surface.
type Definition struct {
	Name   string
	Source string
}

// DefinitionInfo describes a persisted definition without its contents.
type DefinitionInfo struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefinitionStore persists surface definitions. The backing medium is the
// source of truth; implementations must not serve cached contents.
type DefinitionStore interface {
	Save(ctx context.Context, name, source string) (DefinitionInfo, error)
	Load(ctx context.Context, name string) (Definition, error)
	Exists(ctx context.Context, name string) (bool, error)
	List(ctx context.Context) ([]DefinitionInfo, error)
	Delete(ctx context.Context, name string) error
	Root() string
}

// PreferenceStore is a small persisted key-value store.
type PreferenceStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	// Incr atomically adds delta to an integer preference and returns the new value.
	Incr(ctx context.Context, key string, delta int64) (int64, error)
	Close() error
}

// Preference keys.
const (
	PrefToolCalls = "tool_calls"
	PrefAutoSend  = "auto_send"
)
