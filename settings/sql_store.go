/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/acronis/go-admission/log"
	"github.com/acronis/go-admission/retry"
)

// DriverName is a database/sql driver name used for the settings database.
const DriverName = "sqlite"

// DefaultConnectPolicy is used by OpenSQLStore to wait until the database becomes available.
var DefaultConnectPolicy = retry.ExponentialBackoffPolicy{
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	MaxAttempts:     5,
}

const (
	createTableQuery = `CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`
	selectValueQuery = `SELECT value FROM settings WHERE key = ?`
	selectAllQuery   = `SELECT key, value FROM settings ORDER BY key`
	upsertValueQuery = `INSERT INTO settings (key, value) VALUES (?, ?)
ON CONFLICT (key) DO UPDATE SET value = excluded.value`
	deleteValueQuery = `DELETE FROM settings WHERE key = ?`
)

// SQLStore keeps settings in the "settings" key/value table.
// Limiters may use it as ratelimit.ConfigSource directly.
type SQLStore struct {
	db *sqlx.DB
}

// SQLStoreOpts represents options for OpenSQLStore.
type SQLStoreOpts struct {
	Logger        log.FieldLogger
	ConnectPolicy retry.Policy
}

// NewSQLStore creates SQLStore on top of already opened database.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

// OpenSQLStore opens the SQLite database by dsn, waits until it responds to ping and creates the settings table.
func OpenSQLStore(ctx context.Context, dsn string, opts SQLStoreOpts) (*SQLStore, error) {
	db, err := sqlx.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open settings database: %w", err)
	}
	// SQLite serializes writes anyway, a single connection avoids "database is locked" errors.
	db.SetMaxOpenConns(1)

	policy := opts.ConnectPolicy
	if policy == nil {
		policy = DefaultConnectPolicy
	}
	if err = retry.DoWithRetry(ctx, policy, nil, retry.LogNotify(opts.Logger, "settings database is not available"),
		db.PingContext); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping settings database: %w", err)
	}

	store := NewSQLStore(db)
	if err = store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Migrate creates the settings table if it doesn't exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createTableQuery); err != nil {
		return fmt.Errorf("create settings table: %w", err)
	}
	return nil
}

// Get returns the raw value of the setting.
// ErrNotFound is returned (wrapped) if there is no such setting.
func (s *SQLStore) Get(ctx context.Context, key string) (string, error) {
	var val string
	if err := s.db.GetContext(ctx, &val, selectValueQuery, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", notFoundErr(key)
		}
		return "", fmt.Errorf("select setting %q: %w", key, err)
	}
	return val, nil
}

// GetInt implements ratelimit.ConfigSource.
// An error is returned if the stored value cannot be interpreted as an integer.
func (s *SQLStore) GetInt(ctx context.Context, key string) (int, error) {
	val, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	return parseIntSetting(key, val)
}

// List returns all settings ordered by key.
func (s *SQLStore) List(ctx context.Context) ([]Setting, error) {
	var res []Setting
	if err := s.db.SelectContext(ctx, &res, selectAllQuery); err != nil {
		return nil, fmt.Errorf("select settings: %w", err)
	}
	return res, nil
}

// Set creates or updates the setting.
func (s *SQLStore) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return errEmptyKey
	}
	if _, err := s.db.ExecContext(ctx, upsertValueQuery, key, value); err != nil {
		return fmt.Errorf("upsert setting %q: %w", key, err)
	}
	return nil
}

// SetInt is a shortcut for Set with an integer value.
func (s *SQLStore) SetInt(ctx context.Context, key string, value int) error {
	return s.Set(ctx, key, strconv.Itoa(value))
}

// Delete removes the setting. Deleting a missing setting is not an error.
func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, deleteValueQuery, key); err != nil {
		return fmt.Errorf("delete setting %q: %w", key, err)
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
