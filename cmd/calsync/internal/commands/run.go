package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wolfeidau/calsync/internal/models"
	"github.com/wolfeidau/calsync/internal/telemetry"
)

type RunCmd struct {
	Telemetry   bool          `help:"export metrics and traces over OTLP" default:"false" env:"CALSYNC_TELEMETRY"`
	SampleRatio float64       `help:"fraction of traces sampled" default:"1"`
	StatusEvery time.Duration `help:"how often to log an engine status line, zero disables" default:"1m"`
}

func (r *RunCmd) Run(ctx context.Context, globals *Globals) error {
	cfg, log, err := setup(globals)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).
		Str("store", cfg.Store.Type).Str("provider", cfg.Provider.Type).Msg("Starting calsync")

	if r.Telemetry {
		log.Info().Msg("Telemetry is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Config{
			ServiceName: "calsync",
			Version:     globals.Version,
			SampleRatio: r.SampleRatio,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	e, err := openEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	e.RegisterChangeCallback(func(_ context.Context, n models.ChangeNotification) {
		log.Debug().
			Str("event_id", n.EventID).
			Str("calendar_id", n.CalendarID).
			Stringer("change_type", n.ChangeType).
			Str("origin", string(n.Origin)).
			Msg("Change applied")
	})

	log.Info().Msg("Engine running, press Ctrl+C to stop")

	var tick <-chan time.Time
	if r.StatusEvery > 0 {
		ticker := time.NewTicker(r.StatusEvery)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Shutting down")
			return nil
		case <-tick:
			m, err := e.GetSystemMetrics()
			if err != nil {
				log.Warn().Err(err).Msg("Failed to read engine metrics")
				continue
			}
			log.Info().
				Int64("changes_detected", m.Monitor.ChangesDetected).
				Int64("processed", m.Pipeline.Processed).
				Int("queue_depth", m.Pipeline.QueueDepth).
				Float64("write_success_rate", m.Writer.SuccessRate).
				Float64("overall_health", m.Health.Overall).
				Dur("uptime", m.Uptime).
				Msg("Engine status")
		}
	}
}
