package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Logical keys the coordinator persists its state under.
const (
	KeyEmergencyState    = "emergency_state"
	KeySampleBuffer      = "sample_buffer"
	KeyNotificationQueue = "notification_queue"
	KeyContactsCache     = "contacts_cache"
	KeyLastSyncAt        = "last_sync_at"
)

// Pair is one key/value entry for a batched write.
type Pair struct {
	Key   string
	Value string
}

// Store is a durable string-to-blob map backed by SQLite, used to survive
// process restarts. It is the leaf dependency of the coordinator.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// Get returns the value stored under key, reporting whether it exists.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if s.db == nil {
		return "", false, fmt.Errorf("store not initialized")
	}

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_state WHERE key = ?;`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

// SetMany upserts every pair in a single transaction, so a partial write
// never becomes visible after a crash mid-batch.
func (s *Store) SetMany(ctx context.Context, pairs []Pair) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	if len(pairs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range pairs {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO kv_state (key, value, updated_at) VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
			p.Key,
			p.Value,
		); err != nil {
			return fmt.Errorf("set %q: %w", p.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set: %w", err)
	}
	return nil
}

// Delete removes the given keys. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	for _, key := range keys {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_state WHERE key = ?;`, key); err != nil {
			return fmt.Errorf("delete %q: %w", key, err)
		}
	}
	return nil
}
