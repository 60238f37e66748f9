package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/calsync/internal/monitor"
	"github.com/wolfeidau/calsync/internal/telemetry"
	"github.com/wolfeidau/calsync/internal/writer"
	"go.opentelemetry.io/otel/metric"
)

// Component names used in health reports and restart counts.
const (
	ComponentMonitor  = "monitor"
	ComponentPipeline = "pipeline"
	ComponentWriter   = "writer"
)

// Component health thresholds.
const (
	PipelineHealthThreshold = 0.8
	WriterSuccessThreshold  = 0.95
)

const restartStopTimeout = 10 * time.Second

// ComponentHealth is one component's health predicate and score.
type ComponentHealth struct {
	Healthy bool
	Score   float64
}

// HealthReport is the outcome of a health check.
type HealthReport struct {
	CheckedAt  time.Time
	Components map[string]ComponentHealth
	// Overall is the mean of the component scores.
	Overall   float64
	Restarted []string
}

// RunHealthCheck evaluates every component and, when overall health is
// below the restart threshold, restarts the unhealthy ones. A component is
// restarted at most MaxRestartAttempts times in a row; the count resets
// once it reports healthy again.
func (c *Coordinator) RunHealthCheck(ctx context.Context) HealthReport {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	m, p, w, err := c.components()
	if err != nil {
		return HealthReport{}
	}

	pm := p.Metrics()
	wm := w.Metrics()
	monitorScore := 0.0
	if m.Healthy() {
		monitorScore = 1.0
	}

	report := HealthReport{
		CheckedAt: time.Now().UTC(),
		Components: map[string]ComponentHealth{
			ComponentMonitor:  {Healthy: monitorScore == 1.0, Score: monitorScore},
			ComponentPipeline: {Healthy: pm.Health > PipelineHealthThreshold, Score: pm.Health},
			ComponentWriter:   {Healthy: wm.SuccessRate >= WriterSuccessThreshold, Score: wm.SuccessRate},
		},
	}
	var sum float64
	for _, h := range report.Components {
		sum += h.Score
	}
	report.Overall = sum / float64(len(report.Components))

	c.statsMu.Lock()
	for name, h := range report.Components {
		if h.Healthy {
			c.stats.attempts[name] = 0
		}
	}
	c.statsMu.Unlock()

	if report.Overall < c.cfg.RestartThreshold {
		log.Warn().
			Float64("overall_health", report.Overall).
			Float64("monitor", monitorScore).
			Float64("pipeline", pm.Health).
			Float64("writer", wm.SuccessRate).
			Msg("System health below threshold, restarting unhealthy components")

		for _, name := range []string{ComponentMonitor, ComponentPipeline, ComponentWriter} {
			if report.Components[name].Healthy {
				continue
			}
			if c.restart(ctx, name) {
				report.Restarted = append(report.Restarted, name)
			}
		}
	}

	c.statsMu.Lock()
	c.stats.health = report
	c.statsMu.Unlock()
	return report
}

// restart replaces one component unless its attempt budget is spent. It
// reports whether a restart succeeded.
func (c *Coordinator) restart(ctx context.Context, name string) bool {
	c.statsMu.Lock()
	if c.stats.attempts[name] >= c.cfg.MaxRestartAttempts {
		c.statsMu.Unlock()
		log.Error().Str("component", name).Int("attempts", c.cfg.MaxRestartAttempts).Msg("Restart attempts exhausted")
		return false
	}
	c.stats.attempts[name]++
	attempt := c.stats.attempts[name]
	c.statsMu.Unlock()

	var err error
	switch name {
	case ComponentMonitor:
		err = c.restartMonitor(ctx)
	case ComponentPipeline:
		err = c.restartPipeline(ctx)
	case ComponentWriter:
		err = c.restartWriter(ctx)
	default:
		err = fmt.Errorf("unknown component %q", name)
	}

	result := "restarted"
	c.statsMu.Lock()
	if err != nil {
		c.stats.restartFailures++
		result = "failed"
	} else {
		c.stats.restarts[name]++
	}
	c.statsMu.Unlock()

	telemetry.GetMetrics().ComponentRestartsTotal.Add(ctx, 1, metric.WithAttributes(
		telemetry.Component(name),
		telemetry.Result(result),
	))

	if err != nil {
		log.Error().Err(err).Str("component", name).Int("attempt", attempt).Msg("Component restart failed")
		return false
	}
	log.Info().Str("component", name).Int("attempt", attempt).Msg("Component restarted")
	return true
}

// restartMonitor replaces the monitor with a fresh one that starts from
// the old snapshot and queue.
func (c *Coordinator) restartMonitor(ctx context.Context) error {
	c.mu.RLock()
	old := c.monitor
	c.mu.RUnlock()

	stopCtx, cancel := context.WithTimeout(ctx, restartStopTimeout)
	defer cancel()
	if err := old.Stop(stopCtx); err != nil {
		return err
	}

	next := c.newMonitor(monitor.WithBaseline(old))
	c.mu.Lock()
	c.monitor = next
	c.mu.Unlock()

	return next.Initialize(ctx)
}

// restartPipeline swaps in a new pipeline, then moves the operations still
// queued on the old one across.
func (c *Coordinator) restartPipeline(ctx context.Context) error {
	next := c.newPipeline()
	if err := next.Start(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	old := c.pipeline
	c.pipeline = next
	c.mu.Unlock()

	pending := old.DrainQueue()
	stopCtx, cancel := context.WithTimeout(ctx, restartStopTimeout)
	defer cancel()
	if err := old.Stop(stopCtx); err != nil {
		log.Warn().Err(err).Msg("Replaced pipeline did not stop cleanly")
	}
	// anything a worker put back while stopping
	pending = append(pending, old.DrainQueue()...)

	return next.Requeue(pending)
}

// restartWriter swaps in a new writer over the same log, carrying the old
// writer's counters across. An old writer with transactions in flight keeps
// holding inbound changes back until it drains, and recovery waits for a
// later run, since it would otherwise roll back transactions that are still
// running.
func (c *Coordinator) restartWriter(ctx context.Context) error {
	c.mu.RLock()
	old, journal := c.writer, c.wal
	c.mu.RUnlock()

	next := c.newWriter(journal, writer.WithBaseline(old))
	active := old.Metrics().ActiveTransactions

	c.mu.Lock()
	c.writer = next
	if active > 0 {
		c.draining = append(c.draining, old)
	}
	c.mu.Unlock()

	if active > 0 || c.writerBusy() {
		log.Warn().Int("active_transactions", active).Msg("Previous writer still has transactions in flight, skipping recovery")
		return nil
	}
	_, err := next.Recover(ctx)
	return err
}
