// Package settings is the device's persistent configuration: WiFi
// credentials, broker settings, LED colors, admin credentials and the
// sensor pairing record. Values live in a namespaced key/value table in
// SQLite, one namespace per section, so a section can be wiped on its
// own during a factory reset.
package settings

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Section namespaces.
const (
	NamespaceWiFi    = "wifi"
	NamespaceApp     = "app"
	NamespaceColors  = "colors"
	NamespaceWebPage = "webpage"
)

// Store is a namespaced key/value store backed by SQLite. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// Open opens or creates the settings database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already opened database and creates the schema.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate settings: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS settings (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	)`)
	return err
}

// Get returns the value stored under namespace/key, or "" if absent.
func (s *Store) Get(namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM settings WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// setAll upserts several keys of one namespace in a single transaction
// so a section is never half written.
func (s *Store) setAll(namespace string, values map[string]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("save %s: %w", namespace, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	for k, v := range values {
		if _, err := tx.Exec(
			`INSERT INTO settings (namespace, key, value, updated_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (namespace, key) DO UPDATE
			 SET value = excluded.value, updated_at = excluded.updated_at`,
			namespace, k, v, now,
		); err != nil {
			return fmt.Errorf("save %s/%s: %w", namespace, k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save %s: %w", namespace, err)
	}
	return nil
}

// deleteNamespace removes a whole section.
func (s *Store) deleteNamespace(namespace string) error {
	if _, err := s.db.Exec(`DELETE FROM settings WHERE namespace = ?`, namespace); err != nil {
		return fmt.Errorf("delete %s: %w", namespace, err)
	}
	return nil
}

// List returns every key/value of a namespace. The map is never nil.
func (s *Store) List(namespace string) (map[string]string, error) {
	rows, err := s.db.Query(
		`SELECT key, value FROM settings WHERE namespace = ? ORDER BY key`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan %s: %w", namespace, err)
		}
		result[k] = v
	}
	return result, rows.Err()
}

// Sections lists the namespaces wiped by DeleteAll, in order.
var Sections = []string{NamespaceColors, NamespaceWiFi, NamespaceApp, NamespaceWebPage}

// SectionError reports a section DeleteAll could not wipe.
type SectionError struct {
	Namespace string
	Err       error
}

func (e *SectionError) Error() string {
	return e.Err.Error()
}

func (e *SectionError) Unwrap() error {
	return e.Err
}

// DeleteAll wipes every section. Each section is attempted even if an
// earlier one failed; failures are joined, one *SectionError each.
func (s *Store) DeleteAll() error {
	var errs []error
	for _, ns := range Sections {
		if err := s.deleteNamespace(ns); err != nil {
			errs = append(errs, &SectionError{Namespace: ns, Err: err})
		}
	}
	return errors.Join(errs...)
}
