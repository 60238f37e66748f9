// Package coordinator wires the change monitor, sync pipeline and writer
// into one engine and keeps them healthy.
//
// Inbound provider changes flow monitor -> pipeline -> store. Local
// mutations go through the writer, which commits to the provider first and
// then to the store. While the writer has a transaction in flight, inbound
// records are held in the monitor queue and redelivered once it is idle, so
// the engine's own writes are seen by the pipeline only after their local
// rows carry the provider ids.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/calsync/internal/conflict"
	"github.com/wolfeidau/calsync/internal/models"
	"github.com/wolfeidau/calsync/internal/monitor"
	"github.com/wolfeidau/calsync/internal/pipeline"
	"github.com/wolfeidau/calsync/internal/provider"
	"github.com/wolfeidau/calsync/internal/store"
	"github.com/wolfeidau/calsync/internal/wal"
	"github.com/wolfeidau/calsync/internal/writer"
)

var (
	ErrNotInitialized     = errors.New("coordinator not initialized")
	ErrAlreadyInitialized = errors.New("coordinator already initialized")
	errWriterBusy         = errors.New("writer transaction in flight")
)

// Config configures the engine.
type Config struct {
	Monitor  monitor.Config    `yaml:"monitor"`
	Pipeline pipeline.Config   `yaml:"pipeline"`
	Writer   writer.Config     `yaml:"writer"`
	WAL      wal.Config        `yaml:"wal"`
	Strategy conflict.Strategy `yaml:"conflict_strategy"`

	PerformanceInterval time.Duration `yaml:"performance_interval"`
	HealthInterval      time.Duration `yaml:"health_interval"`

	// RestartThreshold is the overall health below which unhealthy
	// components are restarted.
	RestartThreshold float64 `yaml:"restart_threshold"`
	// MaxRestartAttempts bounds consecutive restarts of one component.
	MaxRestartAttempts int `yaml:"max_restart_attempts"`
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() Config {
	return Config{
		Monitor:             monitor.DefaultConfig(),
		Pipeline:            pipeline.DefaultConfig(),
		Writer:              writer.DefaultConfig(),
		WAL:                 wal.DefaultConfig(),
		Strategy:            conflict.LastWriteWins,
		PerformanceInterval: 10 * time.Second,
		HealthInterval:      30 * time.Second,
		RestartThreshold:    0.7,
		MaxRestartAttempts:  3,
	}
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	c.Monitor.ApplyDefaults()
	c.Pipeline.ApplyDefaults()
	c.Writer.ApplyDefaults()
	c.WAL.ApplyDefaults()
	if c.Strategy == "" {
		c.Strategy = d.Strategy
	}
	if c.PerformanceInterval <= 0 {
		c.PerformanceInterval = d.PerformanceInterval
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = d.HealthInterval
	}
	if c.RestartThreshold <= 0 {
		c.RestartThreshold = d.RestartThreshold
	}
	if c.MaxRestartAttempts <= 0 {
		c.MaxRestartAttempts = d.MaxRestartAttempts
	}
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	if _, err := conflict.ParseStrategy(string(c.Strategy)); err != nil {
		return err
	}
	if c.RestartThreshold > 1 {
		return fmt.Errorf("restart threshold must be at most 1, got %v", c.RestartThreshold)
	}
	return c.WAL.Validate()
}

// Deps are the collaborators the engine does not own.
type Deps struct {
	Provider provider.Provider
	Store    store.EventStore

	// Invalidator, if set, receives every change notification.
	Invalidator store.Invalidator
}

// ChangeCallback receives a notification for every change that lands in
// local storage, inbound or local.
type ChangeCallback func(ctx context.Context, n models.ChangeNotification)

// Coordinator owns the engine components and their background loops.
type Coordinator struct {
	cfg         Config
	provider    provider.Provider
	store       store.EventStore
	invalidator store.Invalidator
	resolver    *conflict.Resolver

	// lifecycle serializes Initialize, Shutdown and component restarts.
	lifecycle sync.Mutex

	// mu guards the component pointers, which restarts swap. It is never
	// held while calling into a component.
	mu        sync.RWMutex
	wal       *wal.WAL
	monitor   *monitor.Monitor
	pipeline  *pipeline.Pipeline
	writer    *writer.Writer
	// draining holds writers replaced by a restart that still had
	// transactions in flight.
	draining  []*writer.Writer
	scheduler *cron.Cron
	cancel    context.CancelFunc
	started   time.Time

	cbMu      sync.RWMutex
	callbacks []ChangeCallback

	statsMu sync.Mutex
	stats   stats
}

// New creates an engine. Nothing runs until Initialize.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	if deps.Provider == nil || deps.Store == nil {
		return nil, errors.New("provider and store are required")
	}

	return &Coordinator{
		cfg:         cfg,
		provider:    deps.Provider,
		store:       deps.Store,
		invalidator: deps.Invalidator,
		resolver:    conflict.NewResolver(cfg.Strategy),
		stats:       newStats(),
	}, nil
}

// Initialize builds the components in dependency order: the log, the
// writer (recovering interrupted transactions), the pipeline and finally
// the monitor, whose changes feed the pipeline. It then starts the
// performance and health loops.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.RLock()
	running := c.scheduler != nil
	c.mu.RUnlock()
	if running {
		return ErrAlreadyInitialized
	}

	if err := c.store.Ping(ctx); err != nil {
		return fmt.Errorf("local store unavailable: %w", err)
	}

	journal, err := wal.Open(c.cfg.WAL)
	if err != nil {
		return fmt.Errorf("failed to open transaction log: %w", err)
	}

	w := c.newWriter(journal)
	res, err := w.Recover(ctx)
	if err != nil {
		// transactions that could not be undone stay in the log for the
		// next recovery
		log.Error().Err(err).Int("failed", res.Failed).Msg("Writer recovery incomplete")
	}

	p := c.newPipeline()
	if err := p.Start(ctx); err != nil {
		_ = journal.Close()
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	m := c.newMonitor()

	c.mu.Lock()
	c.wal, c.writer, c.pipeline, c.monitor = journal, w, p, m
	c.mu.Unlock()

	cleanup := func() {
		_ = m.Stop(ctx)
		_ = p.Stop(ctx)
		_ = journal.Close()
		c.mu.Lock()
		c.wal, c.writer, c.pipeline, c.monitor = nil, nil, nil, nil
		c.mu.Unlock()
	}

	// the first detection cycle delivers through onChange, so no lock is
	// held here
	if err := m.Initialize(ctx); err != nil {
		cleanup()
		return fmt.Errorf("failed to start monitor: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	scheduler, err := c.schedule(loopCtx)
	if err != nil {
		cancel()
		cleanup()
		return err
	}
	scheduler.Start()

	c.mu.Lock()
	c.scheduler = scheduler
	c.cancel = cancel
	c.started = time.Now()
	c.mu.Unlock()

	log.Info().
		Str("provider", c.provider.Name()).
		Str("strategy", string(c.cfg.Strategy)).
		Dur("performance_interval", c.cfg.PerformanceInterval).
		Dur("health_interval", c.cfg.HealthInterval).
		Msg("Sync engine initialized")
	return nil
}

func (c *Coordinator) schedule(ctx context.Context) (*cron.Cron, error) {
	logger := cronLogger{}
	scheduler := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))

	if _, err := scheduler.AddFunc(every(c.cfg.PerformanceInterval), func() {
		c.redeliver(ctx)
		c.RunPerformanceCheck(ctx)
	}); err != nil {
		return nil, fmt.Errorf("failed to schedule performance loop: %w", err)
	}
	if _, err := scheduler.AddFunc(every(c.cfg.HealthInterval), func() {
		c.RunHealthCheck(ctx)
	}); err != nil {
		return nil, fmt.Errorf("failed to schedule health loop: %w", err)
	}
	return scheduler, nil
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

func (c *Coordinator) newWriter(journal *wal.WAL, opts ...writer.Option) *writer.Writer {
	w := writer.New(c.provider, c.store, journal, c.cfg.Writer, opts...)
	w.OnCommitted(c.onCommitted)
	return w
}

func (c *Coordinator) newPipeline() *pipeline.Pipeline {
	return pipeline.New(c.store, c.resolver, c.cfg.Pipeline,
		pipeline.WithInvalidator(store.InvalidatorFunc(c.publish)))
}

func (c *Coordinator) newMonitor(opts ...monitor.Option) *monitor.Monitor {
	m := monitor.New(c.provider, c.cfg.Monitor, opts...)
	m.RegisterChangeCallback(c.onChange)
	return m
}

// onChange submits a detected change to the pipeline. Records arriving
// while the writer has a transaction in flight are left in the monitor
// queue.
func (c *Coordinator) onChange(rec models.ChangeRecord) error {
	c.mu.RLock()
	w, p := c.writer, c.pipeline
	c.mu.RUnlock()
	if p == nil || w == nil {
		return ErrNotInitialized
	}

	if c.writerBusy() {
		return errWriterBusy
	}
	_, err := p.Submit(context.Background(), rec, pipeline.PriorityNormal)
	return err
}

// writerBusy reports whether the current writer, or one replaced by a
// restart, has a transaction in flight. Replaced writers are forgotten once
// they drain.
func (c *Coordinator) writerBusy() bool {
	c.mu.RLock()
	current := c.writer
	replaced := slices.Clone(c.draining)
	c.mu.RUnlock()

	busy := current != nil && current.Metrics().ActiveTransactions > 0
	var drained []*writer.Writer
	for _, w := range replaced {
		if w.Metrics().ActiveTransactions > 0 {
			busy = true
			continue
		}
		drained = append(drained, w)
	}

	if len(drained) > 0 {
		c.mu.Lock()
		c.draining = slices.DeleteFunc(c.draining, func(w *writer.Writer) bool {
			return slices.Contains(drained, w)
		})
		c.mu.Unlock()
	}
	return busy
}

// onCommitted runs for every request of a committed writer transaction.
func (c *Coordinator) onCommitted(ctx context.Context, cm writer.Committed) {
	c.mu.RLock()
	m := c.monitor
	c.mu.RUnlock()

	n := models.ChangeNotification{
		EventID:    cm.EventID,
		CalendarID: cm.CalendarID,
		Origin:     models.OriginLocal,
		At:         time.Now().UTC(),
	}

	switch cm.Operation {
	case models.OpDelete:
		if m != nil {
			m.AcknowledgeDelete(cm.ExternalID)
		}
		n.ChangeType = models.ChangeDeleted
		// without a pre-image the day is unknown
		if cm.Previous != nil {
			n.DateBucket = models.DateBucket(cm.Previous.Start)
		}
		c.publish(ctx, n)

	case models.OpCreate, models.OpUpdate:
		if m != nil {
			m.Acknowledge(cm.Remote)
		}
		n.ChangeType = models.ChangeAdded
		if cm.Operation == models.OpUpdate {
			n.ChangeType = models.ChangeModified
		}
		if cm.Event != nil {
			n.DateBucket = models.DateBucket(cm.Event.Start)
			n.CalendarID = cm.Event.CalendarID
		}
		c.publish(ctx, n)

		if cm.Previous != nil {
			if old := models.DateBucket(cm.Previous.Start); old != "" && old != n.DateBucket {
				n.DateBucket = old
				c.publish(ctx, n)
			}
		}
	}
}

// publish fans a notification out to the invalidator and the registered
// callbacks.
func (c *Coordinator) publish(ctx context.Context, n models.ChangeNotification) error {
	if c.invalidator != nil {
		if err := c.invalidator.Invalidate(ctx, n); err != nil {
			log.Warn().Err(err).Str("event_id", n.EventID).Str("date_bucket", n.DateBucket).Msg("Cache invalidation failed")
		}
	}

	c.cbMu.RLock()
	callbacks := slices.Clone(c.callbacks)
	c.cbMu.RUnlock()
	for _, fn := range callbacks {
		fn(ctx, n)
	}
	return nil
}

// RegisterChangeCallback adds a receiver of change notifications.
func (c *Coordinator) RegisterChangeCallback(fn ChangeCallback) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.callbacks = append(c.callbacks, fn)
}

// redeliver hands records held back during writes to the pipeline.
func (c *Coordinator) redeliver(ctx context.Context) {
	c.mu.RLock()
	m := c.monitor
	c.mu.RUnlock()
	if m == nil {
		return
	}
	if n := m.Redeliver(ctx); n > 0 {
		log.Debug().Int("records", n).Msg("Redelivered held changes")
	}
}

func (c *Coordinator) components() (*monitor.Monitor, *pipeline.Pipeline, *writer.Writer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.scheduler == nil {
		return nil, nil, nil, ErrNotInitialized
	}
	return c.monitor, c.pipeline, c.writer, nil
}

// CreateEvent creates an event at the provider and in local storage.
func (c *Coordinator) CreateEvent(ctx context.Context, calendarID string, data models.EventData) (*models.Event, error) {
	_, _, w, err := c.components()
	if err != nil {
		return nil, err
	}
	defer c.redeliver(ctx)
	return w.CreateEvent(ctx, calendarID, data)
}

// UpdateEvent applies a partial update to a local event and its provider
// copy.
func (c *Coordinator) UpdateEvent(ctx context.Context, eventID string, patch models.EventPatch) (*models.Event, error) {
	_, _, w, err := c.components()
	if err != nil {
		return nil, err
	}
	defer c.redeliver(ctx)
	return w.UpdateEvent(ctx, eventID, patch)
}

// DeleteEvent removes an event locally and at the provider.
func (c *Coordinator) DeleteEvent(ctx context.Context, eventID string) error {
	_, _, w, err := c.components()
	if err != nil {
		return err
	}
	defer c.redeliver(ctx)
	return w.DeleteEvent(ctx, eventID)
}

// BatchWrite applies several mutations as one transaction.
func (c *Coordinator) BatchWrite(ctx context.Context, requests []models.WriteRequest) (*writer.TransactionResult, error) {
	_, _, w, err := c.components()
	if err != nil {
		return nil, err
	}
	defer c.redeliver(ctx)
	return w.BatchWrite(ctx, requests)
}

// QueryEvents reads local storage directly.
func (c *Coordinator) QueryEvents(ctx context.Context, filter models.EventFilter) ([]*models.Event, error) {
	start := time.Now()
	events, err := c.store.Query(ctx, filter)
	if err != nil {
		return nil, err
	}
	c.observeQuery(time.Since(start))
	return events, nil
}

// GetEvent returns one local event by id.
func (c *Coordinator) GetEvent(ctx context.Context, eventID string) (*models.Event, error) {
	return c.store.Get(ctx, eventID)
}

// SyncNow runs one detection cycle and waits until the pipeline has
// applied everything it produced.
func (c *Coordinator) SyncNow(ctx context.Context) error {
	m, p, _, err := c.components()
	if err != nil {
		return err
	}
	if _, err := m.DetectOnce(ctx); err != nil {
		return err
	}
	m.Redeliver(ctx)
	return p.WaitIdle(ctx)
}

// Recover runs writer crash recovery outside the health loop.
func (c *Coordinator) Recover(ctx context.Context) (writer.RecoveryResult, error) {
	_, _, w, err := c.components()
	if err != nil {
		return writer.RecoveryResult{}, err
	}
	return w.Recover(ctx)
}

// Shutdown stops the loops and components in reverse dependency order and
// closes the transaction log. The store belongs to the caller.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	scheduler, cancel := c.scheduler, c.cancel
	c.scheduler, c.cancel = nil, nil
	c.mu.Unlock()

	if scheduler == nil {
		return nil
	}

	var errs []error

	// a running health check holds the lifecycle lock, so the loops are
	// stopped first
	cancel()
	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("scheduler stop: %w", ctx.Err()))
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.RLock()
	m, p, w, journal := c.monitor, c.pipeline, c.writer, c.wal
	c.mu.RUnlock()

	if err := m.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := p.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if active := w.Metrics().ActiveTransactions; active > 0 {
		log.Warn().Int("active_transactions", active).Msg("Shutting down with transactions in flight, recovery will resolve them")
	}
	if err := journal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close transaction log: %w", err))
	}

	log.Info().Msg("Sync engine stopped")
	return errors.Join(errs...)
}

// cronLogger routes scheduler logs through zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	log.Debug().Fields(keysAndValues).Msg(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
