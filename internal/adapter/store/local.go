// Package store persists surface definitions on the local filesystem.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"surfacebroker/internal/domain"
	"surfacebroker/internal/security"
)

// DefaultExtension is the file extension of definition files.
const DefaultExtension = ".tsx"

// DefaultMaxSourceSize bounds a single definition (512 KiB).
const DefaultMaxSourceSize = 512 * 1024

// LocalStore keeps one file per surface directly under a sandboxed root:
// <root>/<name><ext>.
type LocalStore struct {
	sandbox *security.Sandbox
	ext     string
	maxSize int
	logger  *slog.Logger
}

// Option configures a LocalStore.
type Option func(*LocalStore)

// WithExtension overrides the definition file extension.
func WithExtension(ext string) Option {
	return func(s *LocalStore) {
		if ext == "" {
			return
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		s.ext = ext
	}
}

// WithMaxSourceSize overrides the maximum definition size in bytes.
func WithMaxSourceSize(n int) Option {
	return func(s *LocalStore) {
		if n > 0 {
			s.maxSize = n
		}
	}
}

// NewLocalStore creates a store rooted at root. The directory is created if missing.
func NewLocalStore(root string, logger *slog.Logger, opts ...Option) (*LocalStore, error) {
	sb, err := security.NewSandbox(root)
	if err != nil {
		return nil, fmt.Errorf("definition store: %w", err)
	}
	s := &LocalStore{
		sandbox: sb,
		ext:     DefaultExtension,
		maxSize: DefaultMaxSourceSize,
		logger:  logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Root returns the resolved store root.
func (s *LocalStore) Root() string { return s.sandbox.Root() }

// Extension returns the definition file extension, including the dot.
func (s *LocalStore) Extension() string { return s.ext }

// Save writes source for name atomically and returns the stored file's info.
func (s *LocalStore) Save(_ context.Context, name, source string) (domain.DefinitionInfo, error) {
	path, err := s.resolve("Store.Save", name)
	if err != nil {
		return domain.DefinitionInfo{}, err
	}
	if len(source) > s.maxSize {
		return domain.DefinitionInfo{}, domain.NewSubSystemError("store", "Store.Save", domain.ErrLimitReached,
			fmt.Sprintf("source is %d bytes, limit is %d", len(source), s.maxSize))
	}

	tmp, err := os.CreateTemp(s.Root(), "."+name+"-*.tmp")
	if err != nil {
		return domain.DefinitionInfo{}, ioError("Store.Save", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.WriteString(source); err != nil {
		tmp.Close()
		return domain.DefinitionInfo{}, ioError("Store.Save", err)
	}
	if err := tmp.Close(); err != nil {
		return domain.DefinitionInfo{}, ioError("Store.Save", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return domain.DefinitionInfo{}, ioError("Store.Save", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return domain.DefinitionInfo{}, ioError("Store.Save", err)
	}
	s.logger.Debug("definition saved", "name", name, "size", info.Size())
	return domain.DefinitionInfo{Name: name, Path: path, Size: info.Size(), UpdatedAt: info.ModTime()}, nil
}

// Load reads the definition for name from disk.
func (s *LocalStore) Load(_ context.Context, name string) (domain.Definition, error) {
	path, err := s.resolve("Store.Load", name)
	if err != nil {
		return domain.Definition{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.Definition{}, domain.NewDomainError("Store.Load", domain.ErrDefinitionNotFound,
				fmt.Sprintf("no definition for %q", name))
		}
		return domain.Definition{}, ioError("Store.Load", err)
	}
	return domain.Definition{Name: name, Source: string(data)}, nil
}

// Exists reports whether a definition for name is persisted.
func (s *LocalStore) Exists(_ context.Context, name string) (bool, error) {
	path, err := s.resolve("Store.Exists", name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, ioError("Store.Exists", err)
	}
	return info.Mode().IsRegular(), nil
}

// List returns every persisted definition sorted by name. Files whose stem
// is not a valid surface name are skipped.
func (s *LocalStore) List(_ context.Context) ([]domain.DefinitionInfo, error) {
	entries, err := os.ReadDir(s.Root())
	if err != nil {
		return nil, ioError("Store.List", err)
	}

	out := make([]domain.DefinitionInfo, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), s.ext) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), s.ext)
		if domain.ValidateSurfaceName(name) != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue // removed between ReadDir and Info
		}
		out = append(out, domain.DefinitionInfo{
			Name:      name,
			Path:      filepath.Join(s.Root(), e.Name()),
			Size:      info.Size(),
			UpdatedAt: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Names returns the names of all persisted definitions.
func (s *LocalStore) Names(ctx context.Context) ([]string, error) {
	infos, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
	}
	return names, nil
}

// Delete removes the definition for name.
func (s *LocalStore) Delete(_ context.Context, name string) error {
	path, err := s.resolve("Store.Delete", name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.NewDomainError("Store.Delete", domain.ErrDefinitionNotFound,
				fmt.Sprintf("no definition for %q", name))
		}
		return ioError("Store.Delete", err)
	}
	s.logger.Debug("definition deleted", "name", name)
	return nil
}

// NameFromPath maps a file path inside the root back to a surface name.
func (s *LocalStore) NameFromPath(path string) (string, bool) {
	base := filepath.Base(path)
	if filepath.Dir(path) != s.Root() || !strings.HasSuffix(base, s.ext) {
		return "", false
	}
	name := strings.TrimSuffix(base, s.ext)
	if domain.ValidateSurfaceName(name) != nil {
		return "", false
	}
	return name, true
}

// resolve validates name and confines its file path to the root. It runs
// before any read or write of the definition itself.
func (s *LocalStore) resolve(op, name string) (string, error) {
	if err := domain.ValidateSurfaceName(name); err != nil {
		if errors.Is(err, domain.ErrPathOutsideSandbox) {
			s.pathRejected(op, name, err)
		}
		return "", err
	}
	path, err := s.sandbox.Entry(name + s.ext)
	if err != nil {
		s.pathRejected(op, name, err)
		return "", fmt.Errorf("%s: %w: %w", op, domain.ErrStoreIO, err)
	}
	return path, nil
}

func (s *LocalStore) pathRejected(op, name string, err error) {
	s.logger.Warn("definition path rejected",
		"security", true,
		"op", op,
		"name", name,
		"code", domain.ErrorCodeOf(err),
		"error", err,
	)
}

func ioError(op string, err error) error {
	return domain.NewSubSystemError("store", op, domain.ErrStoreIO, err.Error())
}

var _ domain.DefinitionStore = (*LocalStore)(nil)
