package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/calsync/internal/conflict"
	"github.com/wolfeidau/calsync/internal/store"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "calsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, StoreSQLite, cfg.Store.Type)
	assert.NotEmpty(t, cfg.Store.SQLitePath)
	assert.Equal(t, ProviderICS, cfg.Provider.Type)
	assert.Equal(t, 2*cfg.Engine.Pipeline.Workers, cfg.Store.PoolSize)
	assert.Equal(t, conflict.LastWriteWins, cfg.Engine.Strategy)
	assert.True(t, cfg.Engine.Monitor.InitialSync)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, StoreSQLite, cfg.Store.Type)
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
engine:
  conflict_strategy: merge_fields
  monitor:
    poll_interval: 2s
  pipeline:
    workers: 3
store:
  type: Memory
provider:
  type: memory
log:
  file: /tmp/calsync.log
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, conflict.MergeFields, cfg.Engine.Strategy)
	assert.Equal(t, 2*time.Second, cfg.Engine.Monitor.PollInterval)
	// unset fields keep their defaults
	assert.True(t, cfg.Engine.Monitor.InitialSync)
	assert.Equal(t, 3, cfg.Engine.Pipeline.Workers)
	assert.Equal(t, 6, cfg.Store.PoolSize)
	assert.Equal(t, StoreMemory, cfg.Store.Type)
	assert.Equal(t, ProviderMemory, cfg.Provider.Type)
	assert.Equal(t, "/tmp/calsync.log", cfg.Log.File)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "store:\n  type: sqlite\n")
	t.Setenv(envStoreType, "postgres")
	t.Setenv(envPostgresConn, "postgres://calsync@localhost/calsync")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, StorePostgres, cfg.Store.Type)
	assert.Equal(t, "postgres://calsync@localhost/calsync", cfg.Store.PostgresConnString)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		is   error
	}{
		{name: "unknown store", body: "store:\n  type: dynamodb\n", is: store.ErrUnsupportedStoreType},
		{name: "unknown provider", body: "provider:\n  type: caldav\n", is: ErrUnsupportedProviderType},
		{name: "postgres without conn string", body: "store:\n  type: postgres\n"},
		{name: "unknown strategy", body: "engine:\n  conflict_strategy: coin_toss\n"},
		{name: "malformed yaml", body: "store: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(envStoreType, "")
			t.Setenv(envPostgresConn, "")

			_, err := Load(writeFile(t, tt.body))
			require.Error(t, err)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "calsync.yaml")

	cfg := DefaultConfig()
	cfg.Store.Type = StoreMemory
	cfg.Provider.Type = ProviderMemory
	cfg.Engine.Strategy = conflict.SourcePriority
	cfg.Engine.Monitor.PollInterval = 45 * time.Second
	require.NoError(t, Save(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, loaded.Store.Type)
	assert.Equal(t, conflict.SourcePriority, loaded.Engine.Strategy)
	assert.Equal(t, 45*time.Second, loaded.Engine.Monitor.PollInterval)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Store.Type = StoreMemory
		cfg.ApplyDefaults()

		s, err := cfg.OpenStore(ctx)
		require.NoError(t, err)
		defer s.Close()
		require.NoError(t, s.Ping(ctx))
	})

	t.Run("sqlite", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "db", "events.db")
		cfg.ApplyDefaults()

		s, err := cfg.OpenStore(ctx)
		require.NoError(t, err)
		defer s.Close()

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("unsupported", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Store.Type = "bolt"

		_, err := cfg.OpenStore(ctx)
		assert.ErrorIs(t, err, store.ErrUnsupportedStoreType)
	})
}

func TestOpenProvider(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Provider.ICSDir = filepath.Join(t.TempDir(), "calendars")
	cfg.Provider.Name = "local"

	p, err := cfg.OpenProvider()
	require.NoError(t, err)
	assert.Equal(t, "local", p.Name())
	assert.DirExists(t, cfg.Provider.ICSDir)

	cfg.Provider.Type = ProviderMemory
	p, err = cfg.OpenProvider()
	require.NoError(t, err)
	assert.NotNil(t, p)

	cfg.Provider.Type = "exchange"
	_, err = cfg.OpenProvider()
	assert.ErrorIs(t, err, ErrUnsupportedProviderType)
}
