package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/calsync/internal/config"
	"github.com/wolfeidau/calsync/internal/coordinator"
	"github.com/wolfeidau/calsync/internal/logger"
	"github.com/wolfeidau/calsync/internal/store"
)

const shutdownTimeout = 30 * time.Second

type Globals struct {
	Debug   bool
	Version string
	Config  string
	LogFile string
}

// setup loads the config and installs the process logger.
func setup(globals *Globals) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(globals.Config)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	file := cfg.Log.File
	if globals.LogFile != "" {
		file = globals.LogFile
	}
	return cfg, logger.Setup(globals.Debug, file), nil
}

// engine is an initialized coordinator and the store it owns.
type engine struct {
	*coordinator.Coordinator
	store store.EventStore
}

func openEngine(ctx context.Context, cfg config.Config) (*engine, error) {
	s, err := cfg.OpenStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	p, err := cfg.OpenProvider()
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to open provider: %w", err)
	}

	c, err := coordinator.New(cfg.Engine, coordinator.Deps{Provider: p, Store: s})
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := c.Initialize(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}
	return &engine{Coordinator: c, store: s}, nil
}

// Close shuts the engine down and closes the store.
func (e *engine) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Engine shutdown failed")
	}
	if err := e.store.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close store")
	}
}
