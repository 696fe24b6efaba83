package prefs

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"surfacebroker/internal/domain"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type backend struct {
	name string
	open func(t *testing.T, dir string) domain.PreferenceStore
}

var backends = []backend{
	{"yaml", func(t *testing.T, dir string) domain.PreferenceStore {
		s, err := NewYAMLStore(filepath.Join(dir, "preferences.yaml"), discard())
		require.NoError(t, err)
		return s
	}},
	{"sqlite", func(t *testing.T, dir string) domain.PreferenceStore {
		s, err := NewSQLiteStore(filepath.Join(dir, "prefs.db"))
		require.NoError(t, err)
		return s
	}},
	{"memory", func(t *testing.T, _ string) domain.PreferenceStore {
		return NewMemoryStore()
	}},
}

func TestPreferenceStoreDefaults(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t, t.TempDir())
			defer s.Close()
			ctx := context.Background()

			v, ok, err := s.Get(ctx, domain.PrefToolCalls)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "0", v)

			v, ok, err = s.Get(ctx, domain.PrefAutoSend)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "true", v)

			_, ok, err = s.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestPreferenceStoreSetAndIncr(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t, t.TempDir())
			defer s.Close()
			ctx := context.Background()

			require.NoError(t, s.Set(ctx, domain.PrefAutoSend, "false"))
			v, _, err := s.Get(ctx, domain.PrefAutoSend)
			require.NoError(t, err)
			assert.Equal(t, "false", v)

			n, err := s.Incr(ctx, domain.PrefToolCalls, 1)
			require.NoError(t, err)
			assert.EqualValues(t, 1, n)
			n, err = s.Incr(ctx, domain.PrefToolCalls, 4)
			require.NoError(t, err)
			assert.EqualValues(t, 5, n)

			_, err = s.Incr(ctx, domain.PrefAutoSend, 1)
			assert.ErrorIs(t, err, domain.ErrPrefsStore)
		})
	}
}

func TestPreferenceStoreConcurrentIncr(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t, t.TempDir())
			defer s.Close()
			ctx := context.Background()

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := s.Incr(ctx, domain.PrefToolCalls, 1)
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			v, _, err := s.Get(ctx, domain.PrefToolCalls)
			require.NoError(t, err)
			assert.Equal(t, "20", v)
		})
	}
}

func TestPreferenceStorePersists(t *testing.T) {
	for _, b := range backends[:2] {
		t.Run(b.name, func(t *testing.T) {
			dir := t.TempDir()
			ctx := context.Background()

			s := b.open(t, dir)
			_, err := s.Incr(ctx, domain.PrefToolCalls, 3)
			require.NoError(t, err)
			require.NoError(t, s.Set(ctx, "theme", "dark"))
			require.NoError(t, s.Close())

			s = b.open(t, dir)
			defer s.Close()
			v, _, err := s.Get(ctx, domain.PrefToolCalls)
			require.NoError(t, err)
			assert.Equal(t, "3", v)
			v, _, err = s.Get(ctx, "theme")
			require.NoError(t, err)
			assert.Equal(t, "dark", v)
		})
	}
}

func TestYAMLStoreWritesTypedScalars(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preferences.yaml")
	s, err := NewYAMLStore(path, discard())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Incr(ctx, domain.PrefToolCalls, 2)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, domain.PrefAutoSend, "true"))
	require.NoError(t, s.Set(ctx, "label", "007"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "tool_calls: 2\n")
	assert.Contains(t, string(data), "auto_send: true\n")

	reopened, err := NewYAMLStore(path, discard())
	require.NoError(t, err)
	v, _, err := reopened.Get(ctx, "label")
	require.NoError(t, err)
	assert.Equal(t, "007", v)
}

func TestYAMLStoreReadsHandEditedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preferences.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tool_calls: 41\nauto_send: false\n"), 0o600))

	s, err := NewYAMLStore(path, discard())
	require.NoError(t, err)
	n, err := s.Incr(context.Background(), domain.PrefToolCalls, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 42, n)

	v, _, err := s.Get(context.Background(), domain.PrefAutoSend)
	require.NoError(t, err)
	assert.Equal(t, "false", v)
}

func TestYAMLStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preferences.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tool_calls: [\n"), 0o600))

	_, err := NewYAMLStore(path, discard())
	assert.ErrorIs(t, err, domain.ErrPrefsStore)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"yaml", "sqlite", "none"} {
		s, err := Open(name, filepath.Join(dir, name+".store"), discard())
		require.NoError(t, err, name)
		require.NoError(t, s.Close())
	}
	_, err := Open("redis", "", discard())
	assert.ErrorIs(t, err, domain.ErrPrefsStore)
}
