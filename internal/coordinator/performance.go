package coordinator

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/calsync/internal/models"
	"github.com/wolfeidau/calsync/internal/monitor"
	"github.com/wolfeidau/calsync/internal/pipeline"
	"github.com/wolfeidau/calsync/internal/wal"
	"github.com/wolfeidau/calsync/internal/writer"
)

// Targets the engine is measured against.
const (
	TargetQueryLatency       = 10 * time.Millisecond
	TargetPropagationLatency = time.Second
	TargetWriteLatency       = 500 * time.Millisecond
	TargetWriteSuccessRate   = 0.99
	TargetConsistencyScore   = 0.99
)

// Criterion names, shared by Performance.Health and Report.
const (
	CriterionQueryLatency       = "query_latency"
	CriterionPropagationLatency = "sync_propagation_latency"
	CriterionWriteLatency       = "write_latency"
	CriterionWriteSuccessRate   = "write_success_rate"
	CriterionConsistencyScore   = "consistency_score"
)

const (
	// consistencySample is how many local rows a performance check
	// re-checksums.
	consistencySample = 100
	queryLatencyAlpha = 0.1
)

// Performance is one sample of the engine against its targets.
type Performance struct {
	SampledAt time.Time

	QueryLatency       time.Duration
	PropagationLatency time.Duration
	WriteLatency       time.Duration

	WriteSuccessRate    float64
	PipelineSuccessRate float64
	Throughput          float64
	ConsistencyScore    float64

	// Health is each target's contribution in [0,1], keyed by criterion
	// name; Overall is their mean.
	Health  map[string]float64
	Overall float64
}

// SystemMetrics is everything the engine reports about itself.
type SystemMetrics struct {
	Monitor  monitor.Metrics
	Pipeline pipeline.Metrics
	Writer   writer.Metrics
	WAL      wal.Stats

	Performance Performance
	Health      HealthReport

	Restarts        map[string]int
	RestartFailures int
	Uptime          time.Duration
}

// stats is guarded by Coordinator.statsMu.
type stats struct {
	queryEWMA    float64
	querySampled bool

	perf            Performance
	health          HealthReport
	restarts        map[string]int
	attempts        map[string]int
	restartFailures int
}

func newStats() stats {
	return stats{
		restarts: make(map[string]int),
		attempts: make(map[string]int),
	}
}

func (c *Coordinator) observeQuery(d time.Duration) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	x := float64(d)
	if !c.stats.querySampled {
		c.stats.queryEWMA = x
		c.stats.querySampled = true
		return
	}
	c.stats.queryEWMA = queryLatencyAlpha*x + (1-queryLatencyAlpha)*c.stats.queryEWMA
}

// RunPerformanceCheck samples the engine and stores the result for
// GetSystemMetrics. It times a one-day query and re-checksums a sample of
// local rows.
func (c *Coordinator) RunPerformanceCheck(ctx context.Context) Performance {
	m, p, w, err := c.components()
	if err != nil {
		return Performance{}
	}

	now := time.Now().UTC()
	day := now.Truncate(24 * time.Hour)
	if _, err := c.QueryEvents(ctx, models.EventFilter{Range: models.DateRange{Start: day, End: day.Add(24 * time.Hour)}}); err != nil {
		log.Warn().Err(err).Msg("Query latency sample failed")
	}

	monitorMetrics := m.Metrics()
	pipelineMetrics := p.Metrics()
	writerMetrics := w.Metrics()

	c.statsMu.Lock()
	queryLatency := time.Duration(c.stats.queryEWMA)
	c.statsMu.Unlock()

	perf := Performance{
		SampledAt:           now,
		QueryLatency:        queryLatency,
		PropagationLatency:  monitorMetrics.DetectionLatencyAvg + pipelineMetrics.AvgLatency,
		WriteLatency:        writerMetrics.AvgWriteLatency,
		WriteSuccessRate:    writerMetrics.SuccessRate,
		PipelineSuccessRate: pipelineMetrics.Health,
		Throughput:          pipelineMetrics.Throughput,
		ConsistencyScore:    c.consistency(ctx),
	}
	perf.Health = map[string]float64{
		CriterionQueryLatency:       latencyScore(perf.QueryLatency, TargetQueryLatency),
		CriterionPropagationLatency: latencyScore(perf.PropagationLatency, TargetPropagationLatency),
		CriterionWriteLatency:       latencyScore(perf.WriteLatency, TargetWriteLatency),
		CriterionWriteSuccessRate:   rateScore(perf.WriteSuccessRate, TargetWriteSuccessRate),
		CriterionConsistencyScore:   rateScore(perf.ConsistencyScore, TargetConsistencyScore),
	}
	var sum float64
	for _, v := range perf.Health {
		sum += v
	}
	perf.Overall = sum / float64(len(perf.Health))

	c.statsMu.Lock()
	c.stats.perf = perf
	c.statsMu.Unlock()

	log.Debug().
		Dur("query_latency", perf.QueryLatency).
		Dur("propagation_latency", perf.PropagationLatency).
		Dur("write_latency", perf.WriteLatency).
		Float64("write_success_rate", perf.WriteSuccessRate).
		Float64("consistency_score", perf.ConsistencyScore).
		Float64("overall", perf.Overall).
		Msg("Performance sample")
	return perf
}

// consistency is the fraction of sampled local rows whose stored checksum
// matches their content.
func (c *Coordinator) consistency(ctx context.Context) float64 {
	events, err := c.store.Query(ctx, models.EventFilter{Limit: consistencySample})
	if err != nil {
		log.Warn().Err(err).Msg("Consistency sample failed")
		return 0
	}
	if len(events) == 0 {
		return 1.0
	}

	valid := 0
	for _, ev := range events {
		if ev.VerifyChecksum() {
			valid++
			continue
		}
		log.Warn().Str("event_id", ev.ID).Msg("Stored checksum does not match event content")
	}
	return float64(valid) / float64(len(events))
}

// latencyScore is 1 at or under target and falls off as target/actual.
func latencyScore(actual, target time.Duration) float64 {
	if actual <= target {
		return 1.0
	}
	return float64(target) / float64(actual)
}

func rateScore(actual, target float64) float64 {
	if actual >= target {
		return 1.0
	}
	return actual / target
}

// GetSystemMetrics returns the component metrics with the latest
// performance and health samples.
func (c *Coordinator) GetSystemMetrics() (SystemMetrics, error) {
	m, p, w, err := c.components()
	if err != nil {
		return SystemMetrics{}, err
	}

	c.mu.RLock()
	journal, started := c.wal, c.started
	c.mu.RUnlock()

	out := SystemMetrics{
		Monitor:  m.Metrics(),
		Pipeline: p.Metrics(),
		Writer:   w.Metrics(),
		WAL:      journal.Stats(),
		Uptime:   time.Since(started),
	}

	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	out.Performance = c.stats.perf
	out.Health = c.stats.health
	out.Restarts = make(map[string]int, len(c.stats.restarts))
	for k, v := range c.stats.restarts {
		out.Restarts[k] = v
	}
	out.RestartFailures = c.stats.restartFailures
	return out, nil
}

// Criterion is one target and how the engine measures against it.
// Latencies are in milliseconds, rates in [0,1].
type Criterion struct {
	Name   string
	Target float64
	Actual float64
	Unit   string
	Passed bool
}

// Report is the outcome of ValidateSuccessCriteria.
type Report struct {
	GeneratedAt time.Time
	Criteria    []Criterion
	Ready       bool
}

// ValidateSuccessCriteria takes a fresh performance sample and checks it
// against every target. The engine is Ready when all pass.
func (c *Coordinator) ValidateSuccessCriteria(ctx context.Context) (Report, error) {
	if _, _, _, err := c.components(); err != nil {
		return Report{}, err
	}
	perf := c.RunPerformanceCheck(ctx)

	criteria := []Criterion{
		latencyCriterion(CriterionQueryLatency, perf.QueryLatency, TargetQueryLatency),
		latencyCriterion(CriterionPropagationLatency, perf.PropagationLatency, TargetPropagationLatency),
		latencyCriterion(CriterionWriteLatency, perf.WriteLatency, TargetWriteLatency),
		rateCriterion(CriterionWriteSuccessRate, perf.WriteSuccessRate, TargetWriteSuccessRate),
		rateCriterion(CriterionConsistencyScore, perf.ConsistencyScore, TargetConsistencyScore),
	}

	report := Report{GeneratedAt: perf.SampledAt, Criteria: criteria, Ready: true}
	for _, cr := range criteria {
		if !cr.Passed {
			report.Ready = false
		}
	}
	return report, nil
}

func latencyCriterion(name string, actual, target time.Duration) Criterion {
	return Criterion{
		Name:   name,
		Target: float64(target.Microseconds()) / 1000,
		Actual: float64(actual.Microseconds()) / 1000,
		Unit:   "ms",
		Passed: actual < target,
	}
}

func rateCriterion(name string, actual, target float64) Criterion {
	return Criterion{
		Name:   name,
		Target: target,
		Actual: actual,
		Unit:   "ratio",
		Passed: actual > target,
	}
}
