// Package security confines the broker's file access.
package security

import (
	"fmt"
	"os"
	"path/filepath"

	"surfacebroker/internal/domain"
)

// Sandbox maps file names to direct children of one root directory. Nothing
// it hands out lies in a subdirectory or outside the root, symlinks included.
type Sandbox struct {
	root string // absolute and symlink-free
}

// NewSandbox roots a sandbox at dir, creating it with owner-only access when
// missing.
func NewSandbox(dir string) (*Sandbox, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("sandbox: create %s: %w", dir, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}
	root, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}
	if fi, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	} else if !fi.IsDir() {
		return nil, fmt.Errorf("sandbox: %s is not a directory", root)
	}
	return &Sandbox{root: root}, nil
}

func (s *Sandbox) Root() string { return s.root }

// Entry returns the path of file inside the root. file must be a bare file
// name; if it exists as a symlink, its target must be a direct child of the
// root as well.
func (s *Sandbox) Entry(file string) (string, error) {
	if file == "" || file == "." || file == ".." || file != filepath.Base(file) {
		return "", s.reject(file, "not a bare file name")
	}

	path := filepath.Join(s.root, file)
	target, err := filepath.EvalSymlinks(path)
	switch {
	case os.IsNotExist(err):
		if _, lerr := os.Lstat(path); lerr == nil {
			return "", s.reject(file, "dangling symlink")
		}
		return path, nil
	case err != nil:
		return "", s.reject(file, err.Error())
	case filepath.Dir(target) != s.root:
		return "", s.reject(file, fmt.Sprintf("resolves to %s", target))
	}
	return path, nil
}

func (s *Sandbox) reject(file, why string) error {
	return domain.NewDomainError("Sandbox.Entry", domain.ErrPathOutsideSandbox,
		fmt.Sprintf("%q under %s: %s", file, s.root, why))
}
