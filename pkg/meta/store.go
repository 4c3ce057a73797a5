// Package meta persists per-path resource metadata for the protocol
// layer: WebDAV dead properties and lock state. The repository core is
// oblivious to this store.
package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Common errors
var (
	ErrNotFound = errors.New("not found")
)

// Property is one dead property attached to a logical path.
type Property struct {
	Space    string // XML namespace
	Local    string // local name
	InnerXML []byte
}

// Store provides all database operations for resource metadata.
type Store struct {
	db *sql.DB
}

// Config holds database configuration.
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig(path string) Config {
	return Config{
		Path:        path,
		BusyTimeout: 5 * time.Second,
	}
}

const schema = `
-- Dead properties keyed by logical path
CREATE TABLE IF NOT EXISTS dav_prop (
	path TEXT NOT NULL,
	space TEXT NOT NULL,
	local TEXT NOT NULL,
	inner_xml BLOB NOT NULL,
	PRIMARY KEY (path, space, local)
);

CREATE INDEX IF NOT EXISTS idx_dav_prop_path ON dav_prop(path);

-- Active locks keyed by token
CREATE TABLE IF NOT EXISTS dav_lock (
	token TEXT PRIMARY KEY,
	root TEXT NOT NULL,
	owner_xml TEXT NOT NULL,
	zero_depth INTEGER NOT NULL,
	duration_ns INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dav_lock_root ON dav_lock(root);
`

// Open opens or creates the metadata database.
func Open(cfg Config) (*Store, error) {
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL",
		cfg.Path,
		cfg.BusyTimeout.Milliseconds(),
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata database: %w", err)
	}

	// Single connection avoids SQLite locking issues
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Props returns every dead property stored for the given path.
func (s *Store) Props(ctx context.Context, path string) ([]Property, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT space, local, inner_xml FROM dav_prop WHERE path = ?`, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var props []Property
	for rows.Next() {
		var p Property
		if err := rows.Scan(&p.Space, &p.Local, &p.InnerXML); err != nil {
			return nil, err
		}
		props = append(props, p)
	}
	return props, rows.Err()
}

// SetProp stores or replaces one dead property.
func (s *Store) SetProp(ctx context.Context, path string, p Property) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO dav_prop (path, space, local, inner_xml) VALUES (?, ?, ?, ?)`,
		path, p.Space, p.Local, p.InnerXML)
	return err
}

// RemoveProp deletes one dead property.
func (s *Store) RemoveProp(ctx context.Context, path, space, local string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM dav_prop WHERE path = ? AND space = ? AND local = ?`,
		path, space, local)
	return err
}

// MovePath rewrites property paths after a rename, including every
// descendant of the old path.
func (s *Store) MovePath(ctx context.Context, oldPath, newPath string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE OR REPLACE dav_prop SET path = ? WHERE path = ?`, newPath, oldPath); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE OR REPLACE dav_prop SET path = ? || substr(path, ?) WHERE path LIKE ?`,
		newPath, len(oldPath)+1, oldPath+"/%"); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// DeletePath drops the properties of a path and of all its descendants.
func (s *Store) DeletePath(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM dav_prop WHERE path = ? OR path LIKE ?`, path, path+"/%")
	return err
}
