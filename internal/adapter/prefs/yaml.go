package prefs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"

	"surfacebroker/internal/domain"
)

// YAMLStore keeps preferences in a single YAML file, rewritten atomically
// on every change. Integers and booleans are written as YAML scalars of
// their type so the file stays hand-editable.
type YAMLStore struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	values map[string]string
}

// NewYAMLStore loads path, creating its directory if needed. A missing file
// starts empty.
func NewYAMLStore(path string, logger *slog.Logger) (*YAMLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, storeError("Prefs.Open", err)
	}
	s := &YAMLStore{path: path, logger: logger, values: make(map[string]string)}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, storeError("Prefs.Open", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, storeError("Prefs.Open", fmt.Errorf("parse %s: %w", path, err))
	}
	for k, v := range raw {
		s.values[k] = fmt.Sprint(v)
	}
	return s, nil
}

func (s *YAMLStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.values[key]; ok {
		return v, true, nil
	}
	d, ok := Defaults[key]
	return d, ok, nil
}

func (s *YAMLStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.values[key]
	s.values[key] = value
	if err := s.flush(); err != nil {
		if had {
			s.values[key] = prev
		} else {
			delete(s.values, key)
		}
		return err
	}
	return nil
}

func (s *YAMLStore) Incr(_ context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.values[key]
	if !ok {
		cur = Defaults[key]
	}
	n, err := parseCounter(key, cur)
	if err != nil {
		return 0, err
	}
	n += delta
	s.values[key] = strconv.FormatInt(n, 10)
	if err := s.flush(); err != nil {
		if ok {
			s.values[key] = cur
		} else {
			delete(s.values, key)
		}
		return 0, err
	}
	return n, nil
}

func (s *YAMLStore) Close() error { return nil }

// flush writes all values to a temp file and renames it over path.
// Callers hold s.mu.
func (s *YAMLStore) flush() error {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	doc := &yaml.Node{Kind: yaml.MappingNode}
	for _, k := range keys {
		doc.Content = append(doc.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: k},
			scalarNode(s.values[k]),
		)
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return storeError("Prefs.Flush", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".prefs-*.tmp")
	if err != nil {
		return storeError("Prefs.Flush", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return storeError("Prefs.Flush", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return storeError("Prefs.Flush", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return storeError("Prefs.Flush", err)
	}
	s.logger.Debug("preferences written", "path", s.path, "keys", len(keys))
	return nil
}

func scalarNode(v string) *yaml.Node {
	n := &yaml.Node{Kind: yaml.ScalarNode, Value: v}
	if i, err := strconv.ParseInt(v, 10, 64); err == nil && strconv.FormatInt(i, 10) == v {
		n.Tag = "!!int"
	} else if v == "true" || v == "false" {
		n.Tag = "!!bool"
	} else {
		n.Tag = "!!str"
	}
	return n
}

var _ domain.PreferenceStore = (*YAMLStore)(nil)
