package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/statehub/statehub/internal/logging"
)

// Store is the shared relational substrate. Both engines persist
// through it: the state engine owns the terraform_* tables and the
// auth engine owns users, sessions, and audit events.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (and if necessary creates) the sqlite database at path
// and brings the schema up to date.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	s := &Store{db: db, logger: logging.WithComponent("store")}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle for collaborators that share the
// substrate (the auth repository).
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// StateNotFoundError indicates an unknown snapshot id.
type StateNotFoundError struct {
	ID string
}

func (e *StateNotFoundError) Error() string { return "state snapshot not found: " + e.ID }
