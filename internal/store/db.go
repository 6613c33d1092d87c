// Package store is the profile's local sqlite database: message drafts
// and persisted preferences. Schema changes go through versioned
// migrations embedded in the binary.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// DB wraps the profile database.
type DB struct {
	conn   *sql.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the database at path and applies any
// pending migrations.
func Open(path string, logger *zap.Logger) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite tolerates one writer; a pool of one avoids SQLITE_BUSY.
	conn.SetMaxOpenConns(1)

	if err := runMigrations(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	logger.Debug("database ready", zap.String("path", path))
	return &DB{conn: conn, logger: logger}, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
