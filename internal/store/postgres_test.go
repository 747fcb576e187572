package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/recoveryroom/round-engine/internal/store"
)

// setupPostgres starts a PostgreSQL container and applies the embedded
// migrations. The container is terminated when the test ends.
func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err, "failed to create pool")
	t.Cleanup(pool.Close)

	require.NoError(t, store.Migrate(ctx, pool), "failed to migrate")
	// Applying twice must be harmless.
	require.NoError(t, store.Migrate(ctx, pool), "migrations are not idempotent")
	return pool
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	pool := setupPostgres(t)
	ctx := context.Background()

	runStoreSuite(t, func(t *testing.T) store.Store {
		_, err := pool.Exec(ctx, `TRUNCATE participations, token_pool_entries, token_pools, rounds, protocol_config`)
		require.NoError(t, err, "failed to truncate tables")
		return store.NewPostgresStore(pool)
	})
}
