// ABOUTME: PostgreSQL constructor for the SQL store using the pgx stdlib driver
// ABOUTME: Verifies connectivity before applying the schema

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// NewPostgresStore connects to PostgreSQL using a pgx connection string.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open(postgresDialect.driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	return newPostgresStore(db)
}

// newPostgresStore wraps an already opened handle; tests pass a sqlmock handle here.
func newPostgresStore(db *sql.DB) (*SQLStore, error) {
	s, err := newSQLStore(db, postgresDialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Info("PostgreSQL store initialized")
	return s, nil
}
