// Package migrations provides migration testing for syncworker database migrations.
package migrations

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestMigrationSingleton tests that getMigrator returns the same instance
func TestMigrationSingleton(t *testing.T) {
	m1, err := getMigrator()
	require.NoError(t, err, "Should create migrator instance")
	require.NotNil(t, m1)

	m2, err := getMigrator()
	require.NoError(t, err)
	assert.Same(t, m1, m2, "Should return same migrator instance (singleton)")
}

// TestMigrationContent tests the embedded SQL content
func TestMigrationContent(t *testing.T) {
	assert.NotEmpty(t, createTablesSQL, "Embedded SQL should not be empty")

	for _, table := range []string{"sync_locks", "commits", "pull_requests", "issues", "sync_state"} {
		assert.Contains(t, createTablesSQL, "CREATE TABLE "+table, "Should create %s table", table)
	}
}

// TestMigrationWithRealDatabase tests migration against a real database
func TestMigrationWithRealDatabase(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping real database migration test in short mode")
	}

	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	defer func() { _ = pgContainer.Terminate(ctx) }()

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	conn, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err, "Should connect to test database")
	defer conn.Close(ctx)

	needs, err := NeedsUpgrade(ctx, conn)
	require.NoError(t, err)
	assert.True(t, needs, "Fresh database should need migrations")

	require.NoError(t, Apply(ctx, conn), "Should apply migrations successfully")

	for _, table := range []string{"sync_locks", "commits", "pull_requests", "issues", "sync_state"} {
		var exists bool
		err = conn.QueryRow(ctx, "SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = $1)", table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "%s table should exist after migration", table)
	}

	needs, err = NeedsUpgrade(ctx, conn)
	require.NoError(t, err)
	assert.False(t, needs, "Schema should be up to date after Apply")
}
