package prefs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"surfacebroker/internal/domain"
)

// SQLiteStore implements domain.PreferenceStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath
// and runs the schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, storeError("Prefs.Open", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, storeError("Prefs.Open", fmt.Errorf("open prefs db: %w", err))
	}
	// A single connection serializes writers; counters are read-modify-write.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, storeError("Prefs.Open", fmt.Errorf("set WAL mode: %w", err))
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, storeError("Prefs.Open", fmt.Errorf("migrate prefs db: %w", err))
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS preferences (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM preferences WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		d, ok := Defaults[key]
		return d, ok, nil
	}
	if err != nil {
		return "", false, storeError("Prefs.Get", err)
	}
	return v, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO preferences (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now(),
	)
	if err != nil {
		return storeError("Prefs.Set", err)
	}
	return nil
}

// Incr adds delta to the integer stored under key inside one transaction
// and returns the new value.
func (s *SQLiteStore) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeError("Prefs.Incr", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var cur string
	err = tx.QueryRowContext(ctx, "SELECT value FROM preferences WHERE key = ?", key).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		cur = Defaults[key]
	} else if err != nil {
		return 0, storeError("Prefs.Incr", err)
	}
	n, err := parseCounter(key, cur)
	if err != nil {
		return 0, err
	}
	n += delta

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO preferences (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, strconv.FormatInt(n, 10), now(),
	); err != nil {
		return 0, storeError("Prefs.Incr", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storeError("Prefs.Incr", err)
	}
	return n, nil
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

var _ domain.PreferenceStore = (*SQLiteStore)(nil)
