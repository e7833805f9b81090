// ABOUTME: Named-record key/value store backed by SQLite for client-side state.
// ABOUTME: Each record is one row; absence of a record is not an error.

package kv

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	name  TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
`

// Store is a small key/value store holding named records. It backs the
// client's persisted session list.
type Store struct {
	db *sql.DB
}

// Open creates or opens a store at the given path. Parent directories are
// created if needed.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	// WAL keeps readers from blocking the writer
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Get returns the value of a named record. The second return is false when
// the record does not exist.
func (s *Store) Get(name string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRow("SELECT value FROM records WHERE name = ?", name).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading record %q: %w", name, err)
	}
	return value, true, nil
}

// Put inserts or replaces a named record.
func (s *Store) Put(name string, value []byte) error {
	_, err := s.db.Exec(
		"INSERT INTO records (name, value) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value",
		name, value)
	if err != nil {
		return fmt.Errorf("writing record %q: %w", name, err)
	}
	return nil
}

// Delete removes a named record. Deleting a missing record is not an error.
func (s *Store) Delete(name string) error {
	if _, err := s.db.Exec("DELETE FROM records WHERE name = ?", name); err != nil {
		return fmt.Errorf("deleting record %q: %w", name, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
