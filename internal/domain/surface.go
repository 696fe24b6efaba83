package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// State entry points a surface definition must expose.
const (
	EntryGetState      = "getState"
	EntrySetState      = "setState"
	EntryDescribeState = "describeState"
)

// Surface is a live rendering target. The broker never inspects how it is
// drawn; it only evaluates scripts against it and observes when it goes away.
type Surface interface {
	// Evaluate runs script inside the surface and returns its JSON-encoded
	// result. An undefined result is reported as a nil RawMessage.
	Evaluate(ctx context.Context, script string) (json.RawMessage, error)
	// Close tears the surface down. Calling it more than once is a no-op.
	Close() error
	// OnClosed registers fn to run once when the surface is closed, whether
	// by Close or by the host (e.g. the user closing the window). If the
	// surface is already closed fn runs immediately.
	OnClosed(fn func())
}

// SurfaceFactory instantiates surfaces from definition source.
type SurfaceFactory interface {
	Open(ctx context.Context, name, source string) (Surface, error)
	Name() string
	Close() error
}

// MaxSurfaceNameLen bounds surface names, which double as file name stems.
const MaxSurfaceNameLen = 64

var surfaceNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// ValidateSurfaceName reports whether name is usable as a registry key and
// file name stem. Names that address a path (separators, "..", absolute
// paths) are sandbox violations rather than malformed input.
func ValidateSurfaceName(name string) error {
	if name == "" {
		return NewSubSystemError("surface", "ValidateSurfaceName", ErrInvalidInput, "'name' is required")
	}
	if addressesPath(name) {
		return NewSubSystemError("store", "ValidateSurfaceName",
			fmt.Errorf("%w: %w", ErrStoreIO, ErrPathOutsideSandbox),
			fmt.Sprintf("name %q is a path, not a file name stem", name))
	}
	if len(name) > MaxSurfaceNameLen {
		return NewSubSystemError("surface", "ValidateSurfaceName", ErrInvalidInput,
			fmt.Sprintf("name exceeds %d characters", MaxSurfaceNameLen))
	}
	if !surfaceNameRegex.MatchString(name) {
		return NewSubSystemError("surface", "ValidateSurfaceName", ErrInvalidInput,
			fmt.Sprintf("invalid name %q: must be alphanumeric with hyphens or underscores", name))
	}
	return nil
}

func addressesPath(name string) bool {
	return strings.ContainsAny(name, `/\`) ||
		strings.Contains(name, "..") ||
		filepath.IsAbs(name) ||
		filepath.VolumeName(name) != ""
}
