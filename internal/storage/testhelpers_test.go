package storage

import (
	"context"
	"testing"

	"github.com/testcontainers/testcontainers-go"

	"github.com/runlens-io/runlens/internal/config"
)

// setupTestConnection provisions a migrated PostgreSQL container and returns
// a pooled Connection for storage integration tests. Container, migration
// connection, and pool cleanup are registered on t.
func setupTestConnection(ctx context.Context, t *testing.T) *Connection {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	connStr, err := testDB.Container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	conn, err := NewConnection(&Config{ //nolint:contextcheck
		databaseURL:            connStr,
		MaxOpenConns:           defaultMaxOpenConns,
		MaxIdleConns:           defaultMaxIdleConns,
		ConnMaxLifetime:        defaultConnMaxLifetime,
		ConnMaxIdleTime:        defaultConnMaxIdleTime,
		CleanupInterval:        defaultCleanupInterval,
		StaleRunTimeoutMinutes: DefaultStaleRunTimeoutMinutes,
	})
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}

	t.Cleanup(func() {
		_ = conn.Close()
	})

	return conn
}
