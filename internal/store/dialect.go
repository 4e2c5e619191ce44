// ABOUTME: SQL dialect differences between the SQLite and PostgreSQL backends
// ABOUTME: Handles placeholder rebinding, schema DDL and connection setup per driver

package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// dialect captures everything that differs between supported databases.
type dialect struct {
	name       string
	driverName string // database/sql driver registration name
	pragmas    []string
	schema     string
	// columnExists returns a query yielding a row when table.column exists
	columnExists func(table, column string) string
}

var sqliteDialect = dialect{
	name:       DriverSQLite,
	driverName: "sqlite",
	pragmas: []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	},
	schema: `
		CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT PRIMARY KEY,
			owner_id        TEXT NOT NULL DEFAULT '',
			title           TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_owner_updated
			ON conversations(owner_id, updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			owner_id        TEXT NOT NULL DEFAULT '',
			conversation_id TEXT NOT NULL,
			role            TEXT NOT NULL,
			content_id      TEXT,
			content         TEXT NOT NULL,
			citations       TEXT NOT NULL DEFAULT '[]',
			feedback        TEXT,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(conversation_id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_updated
			ON messages(conversation_id, updated_at);
	`,
	columnExists: func(table, column string) string {
		return fmt.Sprintf(`SELECT 1 FROM pragma_table_info('%s') WHERE name = '%s'`, table, column)
	},
}

var postgresDialect = dialect{
	name:       DriverPostgres,
	driverName: "pgx",
	schema: `
		CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT PRIMARY KEY,
			owner_id        TEXT NOT NULL DEFAULT '',
			title           TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_owner_updated
			ON conversations(owner_id, updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			owner_id        TEXT NOT NULL DEFAULT '',
			conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id),
			role            TEXT NOT NULL,
			content_id      TEXT,
			content         TEXT NOT NULL,
			citations       TEXT NOT NULL DEFAULT '[]',
			feedback        TEXT,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_updated
			ON messages(conversation_id, updated_at);
	`,
	columnExists: func(table, column string) string {
		return fmt.Sprintf(`SELECT 1 FROM information_schema.columns WHERE table_name = '%s' AND column_name = '%s'`, table, column)
	},
}

func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(driver) {
	case "", DriverSQLite, "sqlite3":
		return sqliteDialect, nil
	case DriverPostgres, "postgresql", "pgx":
		return postgresDialect, nil
	default:
		return dialect{}, fmt.Errorf("%w: unsupported database driver %q", ErrInvalidInput, driver)
	}
}

// rebind rewrites '?' placeholders into the dialect's positional form.
func (d dialect) rebind(query string) string {
	if d.name != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// setup applies per-connection pragmas.
func (d dialect) setup(db *sql.DB) error {
	for _, p := range d.pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("applying %q: %w", p, err)
		}
	}
	return nil
}

// OpenDataSource opens a plain handle for the SQL sub-agent's data source.
// No schema is applied. SQLite files are opened read-only.
func OpenDataSource(driver, dsn string) (*sql.DB, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	if d.name == DriverSQLite && !strings.Contains(dsn, "mode=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn = "file:" + strings.TrimPrefix(dsn, "file:") + sep + "mode=ro"
	}
	db, err := sql.Open(d.driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: opening data source: %w", ErrUnavailable, err)
	}
	return db, nil
}
