// ABOUTME: SQLite constructor for the SQL store using modernc.org/sqlite
// ABOUTME: Creates parent directories and enables WAL before the schema is applied

package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLStore, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(sqliteDialect.driverName, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	s, err := newSQLStore(db, sqliteDialect)
	if err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info("SQLite store initialized", "path", path)
	return s, nil
}
