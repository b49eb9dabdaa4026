package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/vdavid/mailsync/migrations"
)

// NewTestDB creates a new Postgres test container, runs migrations, and returns a connection pool.
// The container is automatically cleaned up when the test finishes.
func NewTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	pool, terminate, err := StartPostgres(context.Background())
	if err != nil {
		t.Fatalf("Failed to start test database: %v", err)
	}
	t.Cleanup(func() {
		if err := terminate(); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})
	return pool
}

// StartPostgres starts a throwaway Postgres container with every migration
// applied. terminate stops the container; close the pool first.
func StartPostgres(ctx context.Context) (pool *pgxpool.Pool, terminate func() error, err error) {
	postgresContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("mailsync_test"),
		postgres.WithUsername("mailsync"),
		postgres.WithPassword("mailsync"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start Postgres container: %w", err)
	}
	terminate = func() error {
		return postgresContainer.Terminate(context.Background())
	}

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = terminate()
		return nil, nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	// Same pool configuration as production
	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		_ = terminate()
		return nil, nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err = pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		_ = terminate()
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if _, err := migrations.Apply(ctx, pool); err != nil {
		pool.Close()
		_ = terminate()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return pool, terminate, nil
}
