//go:build integration

package postgres

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/wolfeidau/calsync/internal/store"
	"github.com/wolfeidau/calsync/internal/store/storetest"
)

func setupPostgresContainer(t *testing.T, ctx context.Context) string {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())
}

func TestIntegration_EventStore(t *testing.T) {
	ctx := context.Background()
	connString := setupPostgresContainer(t, ctx)

	storetest.Run(t, func(t *testing.T) store.EventStore {
		s, err := NewEventStore(ctx, &PoolConfig{ConnString: connString, MaxConns: 4, AutoMigrate: true})
		require.NoError(t, err)

		_, err = s.pool.Exec(ctx, `TRUNCATE events`)
		require.NoError(t, err)
		return s
	})
}

func TestIntegration_MigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	connString := setupPostgresContainer(t, ctx)

	for i := 0; i < 2; i++ {
		s, err := NewEventStore(ctx, &PoolConfig{ConnString: connString, AutoMigrate: true})
		require.NoError(t, err)

		var n int
		require.NoError(t, s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
		require.Equal(t, 1, n)
		require.NoError(t, s.Close())
	}
}
