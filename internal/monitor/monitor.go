// Package monitor detects changes in the external provider and turns them
// into change records.
//
// The monitor owns the last known provider snapshot. Each detection cycle
// lists the provider, diffs against the snapshot and swaps it in one short
// critical section, so a given difference is reported exactly once.
// Detected records are pushed to registered callbacks; records no callback
// accepted wait in a bounded queue that drops the oldest entry when full.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/calsync/internal/models"
	"github.com/wolfeidau/calsync/internal/provider"
	"github.com/wolfeidau/calsync/internal/syncerr"
	"github.com/wolfeidau/calsync/internal/telemetry"
)

// State is the monitor's run state.
type State string

const (
	StateStopped  State = "stopped"
	StateRunning  State = "running"
	StateDegraded State = "degraded"
)

var ErrAlreadyRunning = errors.New("monitor already running")

// Config configures change detection.
type Config struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	QueueCapacity  int           `yaml:"queue_capacity"`
	Lookback       time.Duration `yaml:"lookback"`
	Lookahead      time.Duration `yaml:"lookahead"`
	ErrorThreshold int           `yaml:"error_threshold"`

	// InitialSync reports every event of the first snapshot as Added so an
	// empty local store is populated.
	InitialSync bool `yaml:"initial_sync"`
}

// DefaultConfig returns the default detection settings.
func DefaultConfig() Config {
	return Config{
		PollInterval:   5 * time.Second,
		QueueCapacity:  1000,
		Lookback:       30 * 24 * time.Hour,
		Lookahead:      365 * 24 * time.Hour,
		ErrorThreshold: 10,
		InitialSync:    true,
	}
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.Lookback <= 0 {
		c.Lookback = d.Lookback
	}
	if c.Lookahead <= 0 {
		c.Lookahead = d.Lookahead
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = d.ErrorThreshold
	}
}

// ChangeCallback receives each detected change. Returning an error leaves
// the record in the monitor queue.
type ChangeCallback func(rec models.ChangeRecord) error

// Metrics is a point-in-time view of the monitor counters.
type Metrics struct {
	State               State
	Subscribed          bool
	ChangesDetected     int64
	DetectionCycles     int64
	DetectionLatencyAvg time.Duration
	LastCycleDuration   time.Duration
	LastDetection       time.Time
	QueueDepth          int
	ErrorCount          int64
	Dropped             int64
}

// Monitor watches one provider.
type Monitor struct {
	provider provider.Provider
	cfg      Config
	now      func() time.Time

	// detectMu serializes detection cycles
	detectMu sync.Mutex

	mu          sync.Mutex
	snap        snapshot
	loaded      bool
	queue       *ring
	callbacks   []ChangeCallback
	state       State
	subscribed  bool
	metrics     Metrics
	latencySum  time.Duration
	latencyObs  int64
	ready       chan struct{}
	cancel      context.CancelFunc
	done        chan struct{}
	lastFailure error
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithBaseline starts the monitor from prev's snapshot and takes over its
// queued records, so a replacement monitor neither re-reports nor misses
// changes. prev should be stopped.
func WithBaseline(prev *Monitor) Option {
	return func(m *Monitor) {
		prev.mu.Lock()
		defer prev.mu.Unlock()

		m.snap = prev.snap.clone()
		m.loaded = prev.loaded
		for _, rec := range prev.queue.drain() {
			m.queue.push(rec)
		}
	}
}

// New creates a stopped monitor.
func New(p provider.Provider, cfg Config, opts ...Option) *Monitor {
	cfg.ApplyDefaults()
	m := &Monitor{
		provider: p,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		snap:     newSnapshot(nil, nil),
		queue:    newRing(cfg.QueueCapacity),
		state:    StateStopped,
		ready:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize loads the first snapshot, subscribes to provider notifications
// when supported (polling otherwise) and starts the detection loop. An
// unreachable provider leaves the monitor running in the degraded state.
func (m *Monitor) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.done = make(chan struct{})
	m.state = StateRunning
	m.mu.Unlock()

	if _, err := m.DetectOnce(ctx); err != nil {
		log.Warn().Err(err).Str("provider", m.provider.Name()).Msg("Initial snapshot failed, monitor degraded")
	}

	var signals <-chan struct{}
	if sub, ok := m.provider.(provider.Subscriber); ok {
		ch, err := sub.Subscribe(runCtx)
		switch {
		case err == nil:
			signals = ch
		case errors.Is(err, provider.ErrSubscriptionUnsupported):
			log.Debug().Str("provider", m.provider.Name()).Msg("Provider does not push changes, polling")
		default:
			log.Warn().Err(err).Str("provider", m.provider.Name()).Msg("Change subscription failed, polling")
		}
	}

	m.mu.Lock()
	m.subscribed = signals != nil
	m.mu.Unlock()

	go m.run(runCtx, signals)

	log.Info().
		Str("provider", m.provider.Name()).
		Bool("subscribed", signals != nil).
		Dur("poll_interval", m.cfg.PollInterval).
		Msg("Change monitor started")

	return nil
}

func (m *Monitor) run(ctx context.Context, signals <-chan struct{}) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case _, ok := <-signals:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				log.Warn().Str("provider", m.provider.Name()).Msg("Change subscription closed, falling back to polling")
				signals = nil
				m.mu.Lock()
				m.subscribed = false
				m.mu.Unlock()
				continue
			}
			m.detect(ctx)

		case <-ticker.C:
			// with a live subscription the ticker only drives degraded retries
			if signals == nil || m.State() == StateDegraded {
				m.detect(ctx)
			}
		}
	}
}

func (m *Monitor) detect(ctx context.Context) {
	if _, err := m.DetectOnce(ctx); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Str("provider", m.provider.Name()).Msg("Change detection cycle failed")
	}
}

// DetectOnce runs one detection cycle and returns the records it produced.
func (m *Monitor) DetectOnce(ctx context.Context) ([]models.ChangeRecord, error) {
	m.detectMu.Lock()
	defer m.detectMu.Unlock()

	start := m.now()
	window := models.DateRange{Start: start.Add(-m.cfg.Lookback), End: start.Add(m.cfg.Lookahead)}

	events, err := m.provider.ListEvents(ctx, window)
	if err != nil {
		return nil, m.fail(syncerr.Transient("list_events", err))
	}
	calendars, err := m.provider.ListCalendars(ctx)
	if err != nil {
		return nil, m.fail(syncerr.Transient("list_calendars", err))
	}

	next := newSnapshot(events, calendars)
	now := m.now()

	m.mu.Lock()
	initial := !m.loaded
	var changes []models.ChangeRecord
	if m.loaded || m.cfg.InitialSync {
		changes = diff(m.snap, next, window, m.provider.Name(), now)
	}
	m.snap = next
	m.loaded = true

	if m.state == StateDegraded {
		log.Info().Str("provider", m.provider.Name()).Msg("Provider reachable again, monitor recovered")
		m.state = StateRunning
	}
	m.lastFailure = nil

	elapsed := now.Sub(start)
	m.metrics.DetectionCycles++
	m.metrics.LastCycleDuration = elapsed
	if len(changes) > 0 {
		m.metrics.LastDetection = now
		m.metrics.ChangesDetected += int64(len(changes))
	}
	for _, rec := range changes {
		// first-snapshot records say nothing about detection lag
		if initial || rec.EntityType != models.EntityEvent || rec.ChangeType == models.ChangeDeleted {
			continue
		}
		if lag := rec.DetectedAt.Sub(rec.Timestamp); lag > 0 {
			m.latencySum += lag
			m.latencyObs++
		}
	}
	m.mu.Unlock()

	instruments := telemetry.GetMetrics()
	instruments.DetectionDuration.Record(ctx, float64(elapsed.Milliseconds()))
	if len(changes) > 0 {
		instruments.ChangesDetectedTotal.Add(ctx, int64(len(changes)))
		log.Debug().Int("changes", len(changes)).Str("provider", m.provider.Name()).Msg("Changes detected")
	}

	m.deliver(ctx, changes)
	return changes, nil
}

func (m *Monitor) fail(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.metrics.ErrorCount++
	m.lastFailure = err
	if m.state == StateRunning {
		m.state = StateDegraded
	}
	return err
}

// deliver hands each record to the callbacks, queueing those nobody
// accepted.
func (m *Monitor) deliver(ctx context.Context, changes []models.ChangeRecord) {
	if len(changes) == 0 {
		return
	}

	m.mu.Lock()
	callbacks := append([]ChangeCallback(nil), m.callbacks...)
	m.mu.Unlock()

	for _, rec := range changes {
		delivered := len(callbacks) > 0
		for _, cb := range callbacks {
			if err := cb(rec); err != nil {
				delivered = false
				log.Debug().Err(err).Str("event_id", rec.EventID).Msg("Change callback rejected record, queueing")
			}
		}
		if !delivered {
			m.enqueue(ctx, rec)
		}
	}
}

func (m *Monitor) enqueue(ctx context.Context, rec models.ChangeRecord) {
	m.mu.Lock()
	dropped := m.queue.push(rec)
	if dropped {
		m.metrics.Dropped++
		m.metrics.ErrorCount++
	}
	m.mu.Unlock()

	if dropped {
		telemetry.GetMetrics().ChangesDroppedTotal.Add(ctx, 1)
		log.Warn().Str("event_id", rec.EventID).Msg("Change queue full, dropped oldest record")
	}

	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// Next returns the oldest queued record, waiting up to timeout.
func (m *Monitor) Next(ctx context.Context, timeout time.Duration) (models.ChangeRecord, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		rec, ok := m.queue.pop()
		m.mu.Unlock()
		if ok {
			return rec, true
		}

		select {
		case <-m.ready:
		case <-timer.C:
			return models.ChangeRecord{}, false
		case <-ctx.Done():
			return models.ChangeRecord{}, false
		}
	}
}

// Drain removes and returns every queued record.
func (m *Monitor) Drain() []models.ChangeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.drain()
}

// Redeliver passes the queued records to the callbacks again. Only the
// latest record per entity is delivered; records that are still rejected go
// back on the queue. It returns how many were taken off the queue.
func (m *Monitor) Redeliver(ctx context.Context) int {
	m.mu.Lock()
	if len(m.callbacks) == 0 {
		m.mu.Unlock()
		return 0
	}
	pending := m.queue.drain()
	m.mu.Unlock()

	m.deliver(ctx, coalesce(pending))
	return len(pending)
}

// coalesce keeps the last record for each entity, in the order those last
// records were detected.
func coalesce(recs []models.ChangeRecord) []models.ChangeRecord {
	type key struct {
		entity models.EntityType
		id     string
	}
	keyOf := func(rec models.ChangeRecord) key {
		if rec.EntityType == models.EntityCalendar {
			return key{rec.EntityType, rec.CalendarID}
		}
		return key{rec.EntityType, rec.EventID}
	}

	last := make(map[key]int, len(recs))
	for i, rec := range recs {
		last[keyOf(rec)] = i
	}
	out := make([]models.ChangeRecord, 0, len(last))
	for i, rec := range recs {
		if last[keyOf(rec)] == i {
			out = append(out, rec)
		}
	}
	return out
}

// RegisterChangeCallback adds a callback invoked for every detected change.
func (m *Monitor) RegisterChangeCallback(cb ChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Acknowledge records a write the engine itself made to the provider so the
// next cycle does not report it back as an external change.
func (m *Monitor) Acknowledge(ev provider.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded || ev.ExternalID == "" {
		return
	}
	m.snap.events[ev.ExternalID] = ev
	if _, ok := m.snap.calendars[ev.CalendarID]; !ok && ev.CalendarID != "" {
		m.snap.calendars[ev.CalendarID] = models.Calendar{ID: ev.CalendarID, Title: ev.CalendarID, Writable: true}
	}
}

// AcknowledgeDelete is Acknowledge for a deletion.
func (m *Monitor) AcknowledgeDelete(externalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snap.events, externalID)
}

// Metrics returns a copy of the current counters.
func (m *Monitor) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.metrics
	out.State = m.state
	out.Subscribed = m.subscribed
	out.QueueDepth = m.queue.len()
	if m.latencyObs > 0 {
		out.DetectionLatencyAvg = m.latencySum / time.Duration(m.latencyObs)
	}
	return out
}

// State returns the run state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Healthy reports whether the monitor is running and its error count is
// below the configured threshold.
func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateRunning && m.metrics.ErrorCount < int64(m.cfg.ErrorThreshold)
}

// LastError returns the most recent detection failure, if the last cycle
// failed.
func (m *Monitor) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastFailure
}

// Stop halts the detection loop. Queued records and the snapshot are kept,
// so a stopped monitor can be initialized again.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("monitor stop: %w", ctx.Err())
	}

	m.mu.Lock()
	m.state = StateStopped
	m.subscribed = false
	m.mu.Unlock()

	log.Info().Str("provider", m.provider.Name()).Msg("Change monitor stopped")
	return nil
}
