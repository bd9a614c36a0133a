//go:build integration

// Package testsupport starts disposable infrastructure for integration tests.
package testsupport

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const postgresImage = "postgres:16-alpine"

func migrations(t *testing.T) []string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	require.True(t, ok, "resolve testsupport path")

	files, err := filepath.Glob(filepath.Join(filepath.Dir(filename), "../../db/migrations/*.up.sql"))
	require.NoError(t, err)
	require.NotEmpty(t, files, "no migrations found")
	sort.Strings(files)
	return files
}

// StartPostgres runs a migrated PostgreSQL container and returns a pool connected to it.
// The container and pool are released when t finishes.
func StartPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if os.Getenv("CARBONLENS_SKIP_CONTAINERS") != "" {
		t.Skip("container tests disabled")
	}
	ctx := context.Background()

	pg, err := postgrescontainer.Run(ctx, postgresImage,
		postgrescontainer.WithDatabase("carbonlens"),
		postgrescontainer.WithUsername("carbonlens"),
		postgrescontainer.WithPassword("carbonlens"),
		postgrescontainer.WithInitScripts(migrations(t)...),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, pool.Ping(ctx))
	return pool
}
