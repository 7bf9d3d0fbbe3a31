// Package db provides database connection handling and schema setup for the
// ledger and run stores. PostgreSQL is the production backend; SQLite serves
// single-node deployments and tests.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Dialect identifies the SQL flavour behind a *sql.DB.
type Dialect string

const (
	// DialectPostgres is PostgreSQL via lib/pq.
	DialectPostgres Dialect = "postgres"
	// DialectSQLite is SQLite via modernc.org/sqlite.
	DialectSQLite Dialect = "sqlite"
)

// ErrUnsupportedURL is returned when a database URL has an unknown scheme.
var ErrUnsupportedURL = errors.New("unsupported database url scheme")

// DB wraps a sql.DB with the dialect it speaks.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open connects to the database named by url and applies the schema.
// postgres:// and postgresql:// select PostgreSQL; sqlite://<path> or
// sqlite::memory: select SQLite.
func Open(ctx context.Context, url string) (*DB, error) {
	var (
		d      *DB
		err    error
		driver string
		dsn    string
	)
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		driver, dsn = "postgres", url
		d = &DB{Dialect: DialectPostgres}
	case strings.HasPrefix(url, "sqlite:"):
		driver = "sqlite"
		path := strings.TrimPrefix(strings.TrimPrefix(url, "sqlite:"), "//")
		if path == ":memory:" {
			dsn = ":memory:"
		} else {
			dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		}
		d = &DB{Dialect: DialectSQLite}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedURL, url)
	}

	d.DB, err = sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if d.Dialect == DialectSQLite {
		// SQLite serialises writers anyway; one connection also keeps
		// :memory: databases from splitting per connection.
		d.SetMaxOpenConns(1)
	} else {
		d.SetMaxOpenConns(25)
		d.SetMaxIdleConns(5)
		d.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := d.PingContext(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if err := d.Migrate(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return d, nil
}

// OpenMemory opens an in-memory SQLite database with the schema applied.
func OpenMemory(ctx context.Context) (*DB, error) {
	return Open(ctx, "sqlite::memory:")
}

// Migrate creates the ledger and run tables if they do not exist.
func (d *DB) Migrate(ctx context.Context) error {
	script, err := schemaFS.ReadFile("schema/" + string(d.Dialect) + ".sql")
	if err != nil {
		return fmt.Errorf("reading schema: %w", err)
	}
	if _, err := d.ExecContext(ctx, string(script)); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// Rebind rewrites $N placeholders for the dialect.
func (d Dialect) Rebind(query string) string {
	if d == DialectSQLite {
		return strings.ReplaceAll(query, "$", "?")
	}
	return query
}

// TxOptions returns the transaction options used for writes.
func (d Dialect) TxOptions() *sql.TxOptions {
	if d == DialectSQLite {
		return nil
	}
	return &sql.TxOptions{Isolation: sql.LevelReadCommitted}
}

// IsUniqueViolation reports whether err is a primary key or unique
// constraint violation in either backend.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
