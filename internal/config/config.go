// Package config loads the calsync daemon configuration from YAML and
// builds the store and provider it names.
package config

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wolfeidau/calsync/internal/coordinator"
	"github.com/wolfeidau/calsync/internal/provider"
	"github.com/wolfeidau/calsync/internal/provider/ics"
	providermem "github.com/wolfeidau/calsync/internal/provider/memory"
	"github.com/wolfeidau/calsync/internal/store"
	storemem "github.com/wolfeidau/calsync/internal/store/memory"
	"github.com/wolfeidau/calsync/internal/store/postgres"
	"github.com/wolfeidau/calsync/internal/store/sqlite"
	"gopkg.in/yaml.v3"
)

// Store types.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Provider types.
const (
	ProviderICS    = "ics"
	ProviderMemory = "memory"
)

// Environment overrides, applied after the file is read.
const (
	envStoreType    = "CALSYNC_STORE_TYPE"
	envPostgresConn = "POSTGRES_CONNECTION_STRING"
	envICSDir       = "CALSYNC_ICS_DIR"
	envLogFile      = "CALSYNC_LOG_FILE"
)

var ErrUnsupportedProviderType = errors.New("unsupported provider type")

type Config struct {
	Engine   coordinator.Config `yaml:"engine"`
	Store    StoreConfig        `yaml:"store"`
	Provider ProviderConfig     `yaml:"provider"`
	Log      LogConfig          `yaml:"log"`
}

type StoreConfig struct {
	Type string `yaml:"type"`

	SQLitePath        string        `yaml:"sqlite_path"`
	SQLiteBusyTimeout time.Duration `yaml:"sqlite_busy_timeout"`

	PostgresConnString string `yaml:"postgres_conn_string"`
	AutoMigrate        bool   `yaml:"auto_migrate"`

	// PoolSize bounds database connections. Zero sizes the pool at twice
	// the pipeline worker count.
	PoolSize int `yaml:"pool_size"`
}

type ProviderConfig struct {
	Type string `yaml:"type"`

	// ICSDir holds one sub-directory of .ics files per calendar.
	ICSDir   string        `yaml:"ics_dir"`
	Name     string        `yaml:"name"`
	Debounce time.Duration `yaml:"debounce"`
}

type LogConfig struct {
	// File, if set, receives a rotated JSON copy of the log.
	File string `yaml:"file"`
}

func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	root := filepath.Join(home, ".calsync")
	return Config{
		Engine: coordinator.DefaultConfig(),
		Store: StoreConfig{
			Type:       StoreSQLite,
			SQLitePath: filepath.Join(root, "events.db"),
		},
		Provider: ProviderConfig{
			Type:   ProviderICS,
			ICSDir: filepath.Join(root, "calendars"),
			Name:   "ics",
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path, or a file that does not exist,
// yields the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML, replacing the file atomically.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(envStoreType); v != "" {
		c.Store.Type = v
	}
	if v := os.Getenv(envPostgresConn); v != "" {
		c.Store.PostgresConnString = v
	}
	if v := os.Getenv(envICSDir); v != "" {
		c.Provider.ICSDir = v
	}
	if v := os.Getenv(envLogFile); v != "" {
		c.Log.File = v
	}
}

// ApplyDefaults fills zero values and normalizes type names.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	c.Engine.ApplyDefaults()

	c.Store.Type = strings.ToLower(strings.TrimSpace(c.Store.Type))
	if c.Store.Type == "" {
		c.Store.Type = d.Store.Type
	}
	if c.Store.Type == StoreSQLite && c.Store.SQLitePath == "" {
		c.Store.SQLitePath = d.Store.SQLitePath
	}
	if c.Store.PoolSize <= 0 {
		c.Store.PoolSize = 2 * c.Engine.Pipeline.Workers
	}

	c.Provider.Type = strings.ToLower(strings.TrimSpace(c.Provider.Type))
	if c.Provider.Type == "" {
		c.Provider.Type = d.Provider.Type
	}
	if c.Provider.Type == ProviderICS && c.Provider.ICSDir == "" {
		c.Provider.ICSDir = d.Provider.ICSDir
	}
}

func (c *Config) Validate() error {
	switch c.Store.Type {
	case StoreSQLite, StoreMemory:
	case StorePostgres:
		if c.Store.PostgresConnString == "" {
			return fmt.Errorf("postgres store requires a connection string (store.postgres_conn_string or %s)", envPostgresConn)
		}
	default:
		return fmt.Errorf("%w: %q", store.ErrUnsupportedStoreType, c.Store.Type)
	}

	switch c.Provider.Type {
	case ProviderICS, ProviderMemory:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedProviderType, c.Provider.Type)
	}

	return c.Engine.Validate()
}

// OpenStore connects to the configured event store.
func (c *Config) OpenStore(ctx context.Context) (store.EventStore, error) {
	switch c.Store.Type {
	case StoreMemory:
		return storemem.NewEventStore(), nil
	case StoreSQLite:
		return sqlite.Open(ctx, sqlite.Config{
			Path:         c.Store.SQLitePath,
			MaxOpenConns: c.Store.PoolSize,
			BusyTimeout:  c.Store.SQLiteBusyTimeout,
		})
	case StorePostgres:
		return postgres.NewEventStore(ctx, &postgres.PoolConfig{
			ConnString:  c.Store.PostgresConnString,
			MaxConns:    int32(min(c.Store.PoolSize, math.MaxInt32)),
			AutoMigrate: c.Store.AutoMigrate,
		})
	default:
		return nil, fmt.Errorf("%w: %q", store.ErrUnsupportedStoreType, c.Store.Type)
	}
}

// OpenProvider builds the configured calendar provider.
func (c *Config) OpenProvider() (provider.Provider, error) {
	switch c.Provider.Type {
	case ProviderMemory:
		return providermem.New(), nil
	case ProviderICS:
		opts := []ics.Option{}
		if c.Provider.Name != "" {
			opts = append(opts, ics.WithName(c.Provider.Name))
		}
		if c.Provider.Debounce > 0 {
			opts = append(opts, ics.WithDebounce(c.Provider.Debounce))
		}
		return ics.New(c.Provider.ICSDir, opts...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProviderType, c.Provider.Type)
	}
}
