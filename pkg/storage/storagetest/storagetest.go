// Package storagetest provides database fixtures for package tests.
package storagetest

import (
	"context"
	"database/sql"
	"io"
	"testing"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/platinummonkey/orgfeed/pkg/storage"
)

// QuietLogger returns a logger that discards output
func QuietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// NewSQLite opens a private in-memory SQLite database with the given
// migrations applied. The database is closed when the test ends.
func NewSQLite(t *testing.T, migrations ...storage.Migration) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)

	// every new connection to :memory: is a fresh database
	db.SetMaxOpenConns(1)

	require.NoError(t, storage.Migrate(context.Background(), db, migrations, QuietLogger()))

	t.Cleanup(func() {
		db.Close()
	})
	return db
}

// NewPostgres starts a disposable PostgreSQL container with the given
// migrations applied. The test is skipped in -short mode or when no
// container runtime is reachable.
func NewPostgres(t *testing.T, migrations ...storage.Migration) *sql.DB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping PostgreSQL test in short mode")
	}

	ctx := context.Background()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("Docker/Podman not available, skipping PostgreSQL test")
	}
	defer provider.Close()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("orgfeed_test"),
		postgres.WithUsername("orgfeed"),
		postgres.WithPassword("orgfeed_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}

	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := storage.Open(ctx, storage.Config{
		Driver:         "postgres",
		DSN:            connStr,
		MaxOpenConns:   10,
		MaxIdleConns:   2,
		ConnectTimeout: 30 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, storage.Migrate(ctx, db, migrations, QuietLogger()))
	return db
}
