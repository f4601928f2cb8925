// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/hmchat/internal/fault"
	"github.com/jeranaias/hmchat/internal/logging"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrInvalidRole is returned when a message role is not system, user or
	// assistant.
	ErrInvalidRole = errors.New("invalid message role")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store is closed")
)

// =============================================================================
// STORE
// =============================================================================

// Store persists chats, messages and the settings singleton in SQLite.
// It is safe for concurrent use; writes are serialised.
type Store struct {
	db   *sql.DB
	path string
	log  logrus.FieldLogger
	now  func() time.Time

	// mu serialises writers and guards lastTick and lastStamp.
	mu        sync.Mutex
	lastTick  int64
	lastStamp int64

	obs observers
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for store diagnostics.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock replaces the wall clock. Tests use it to force timestamp
// collisions.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open opens or creates the database at path, upgrading older schema
// versions in place.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	const op = "storage.Open"

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fault.Storage(op, fmt.Errorf("failed to create database directory: %w", err))
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fault.Storage(op, fmt.Errorf("failed to open database: %w", err))
	}

	// One connection: SQLite has a single writer, and an in-memory database
	// must not be split across connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fault.Storage(op, fmt.Errorf("failed to set pragma: %w", err))
		}
	}

	s := &Store{
		db:   db,
		path: path,
		log:  logging.Discard(),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fault.Storage(op, err)
	}

	var maxUpdated sql.NullInt64
	if err := db.QueryRowContext(ctx, "SELECT MAX(updated_at) FROM chats").Scan(&maxUpdated); err != nil {
		db.Close()
		return nil, fault.Storage(op, err)
	}
	s.lastTick = maxUpdated.Int64

	var maxStamp sql.NullInt64
	if err := db.QueryRowContext(ctx, "SELECT MAX(timestamp) FROM messages").Scan(&maxStamp); err != nil {
		db.Close()
		return nil, fault.Storage(op, err)
	}
	s.lastStamp = maxStamp.Int64

	s.log.WithField("path", path).Debug("store opened")
	return s, nil
}

// Path returns the database location.
func (s *Store) Path() string {
	return s.path
}

// Close releases the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// initSchema creates a fresh database or upgrades an older one.
func (s *Store) initSchema(ctx context.Context) error {
	version, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}

	switch {
	case version == 0:
		if _, err := s.db.ExecContext(ctx, Schema); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, InitMetadata); err != nil {
			return fmt.Errorf("failed to initialize metadata: %w", err)
		}
		return nil
	case version == 1:
		return s.upgradeV1(ctx)
	case version == SchemaVersion:
		// Recreates anything dropped by hand; all statements are IF NOT EXISTS.
		_, err := s.db.ExecContext(ctx, Schema)
		return err
	default:
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, SchemaVersion)
	}
}

// schemaVersion returns 0 for an empty database.
func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'metadata'").Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to inspect schema: %w", err)
	}

	var value string
	err = s.db.QueryRowContext(ctx,
		"SELECT value FROM metadata WHERE key = 'schema_version'").Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	version, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid schema version %q", value)
	}
	return version, nil
}

// upgradeV1 keeps chats and messages and resets settings to defaults.
func (s *Store) upgradeV1(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, migrateV1); err != nil {
		return fmt.Errorf("failed to upgrade schema from version 1: %w", err)
	}
	// Brings indexes up to date with the current layout.
	if _, err := tx.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to upgrade schema from version 1: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.log.WithField("from", 1).WithField("to", SchemaVersion).Info("database schema upgraded; settings reset to defaults")
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// tick returns a chat activity timestamp strictly greater than every one
// handed out before. Callers hold s.mu.
func (s *Store) tick() int64 {
	ms := s.now().UnixMilli()
	if ms <= s.lastTick {
		ms = s.lastTick + 1
	}
	s.lastTick = ms
	return ms
}

// stamp returns a message timestamp no earlier than any handed out before,
// so a clock stepping back cannot reorder a chat. Equal stamps fall back to
// insertion order. Callers hold s.mu.
func (s *Store) stamp() int64 {
	ms := s.now().UnixMilli()
	if ms < s.lastStamp {
		ms = s.lastStamp
	}
	s.lastStamp = ms
	return ms
}

// begin takes the writer lock and opens a transaction. The returned done
// function rolls back unless commit succeeded, releases the lock, and then
// delivers any events queued by the write.
func (s *Store) begin(ctx context.Context) (*sql.Tx, func(), error) {
	s.mu.Lock()
	if s.db == nil {
		s.mu.Unlock()
		return nil, nil, ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}
	done := func() {
		tx.Rollback()
		s.mu.Unlock()
		s.obs.deliver()
	}
	return tx, done, nil
}

// reader returns the database for read-only queries.
func (s *Store) reader() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	return s.db, nil
}

func newID() string {
	return uuid.NewString()
}
