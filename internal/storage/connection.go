package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// PostgreSQL driver registration for database/sql.
	_ "github.com/lib/pq"
)

const (
	// connectTimeout bounds the initial connectivity check in NewConnection.
	connectTimeout = 10 * time.Second

	// healthCheckTimeout bounds a single HealthCheck round-trip.
	healthCheckTimeout = 5 * time.Second
)

var (
	// ErrNoDatabaseConnection is returned when operations are attempted without a database connection.
	ErrNoDatabaseConnection = errors.New("no database connection available")

	// ErrNilConfig is returned when a nil configuration is provided to NewConnection.
	ErrNilConfig = errors.New("storage config cannot be nil")
)

// Connection wraps a database/sql connection pool with health checking.
//
// All stores in this package share one Connection, injected by the
// composition root. The Connection owns pool sizing; stores own queries.
type Connection struct {
	db     *sql.DB
	config *Config
}

// NewConnection opens a PostgreSQL connection pool and verifies connectivity.
//
// Parameters:
//   - config: Pool configuration including the database URL (required)
//
// Returns an error when the configuration is invalid or the database is
// unreachable within the connect timeout. The pool is configured with the
// limits from config before the first query runs.
func NewConnection(config *Config) (*Connection, error) {
	if config == nil {
		return nil, ErrNilConfig
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage config: %w", err)
	}

	db, err := sql.Open("postgres", config.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Connection pool limits (production defaults, overridable via env)
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	// Fail fast when the database is unreachable rather than surfacing
	// errors on the first query.
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Connection{
		db:     db,
		config: config,
	}, nil
}

// HealthCheck verifies the database connection is healthy and ready to serve requests.
// Used by readiness probes and the /ready endpoint.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if c == nil || c.db == nil {
		return ErrNoDatabaseConnection
	}

	healthCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := c.db.PingContext(healthCtx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	return nil
}

// BeginTx starts a transaction with the given options.
func (c *Connection) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	if c == nil || c.db == nil {
		return nil, ErrNoDatabaseConnection
	}

	return c.db.BeginTx(ctx, opts)
}

// QueryRowContext executes a query expected to return at most one row.
func (c *Connection) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}

// QueryContext executes a query that returns rows.
func (c *Connection) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	if c == nil || c.db == nil {
		return nil, ErrNoDatabaseConnection
	}

	return c.db.QueryContext(ctx, query, args...)
}

// ExecContext executes a statement without returning rows.
func (c *Connection) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if c == nil || c.db == nil {
		return nil, ErrNoDatabaseConnection
	}

	return c.db.ExecContext(ctx, query, args...)
}

// DB exposes the underlying pool for libraries that require *sql.DB
// directly (migrations, test harnesses).
func (c *Connection) DB() *sql.DB {
	return c.db
}

// Close closes the connection pool. Safe to call on a nil connection.
func (c *Connection) Close() error {
	if c == nil || c.db == nil {
		return nil
	}

	if err := c.db.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}

	return nil
}
