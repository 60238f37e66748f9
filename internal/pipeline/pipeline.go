// Package pipeline applies detected provider changes to local storage.
//
// Operations wait in a bounded priority queue and are processed by a fixed
// pool of workers. Each operation is validated, checked for a conflict with
// the local row using a single unlocked read, and applied with a single
// store write. Retryable failures are requeued until MaxRetries; the rest
// are dropped and logged, since the monitor reports any divergence that
// still exists on its next cycle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/calsync/internal/conflict"
	"github.com/wolfeidau/calsync/internal/models"
	"github.com/wolfeidau/calsync/internal/store"
	"github.com/wolfeidau/calsync/internal/syncerr"
	"github.com/wolfeidau/calsync/internal/telemetry"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrQueueFull      = errors.New("sync queue is full")
	ErrAlreadyStarted = errors.New("pipeline already started")
)

// Config configures the pipeline.
type Config struct {
	Workers        int           `yaml:"workers"`
	QueueCapacity  int           `yaml:"queue_capacity"`
	DequeueTimeout time.Duration `yaml:"dequeue_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	StaleThreshold time.Duration `yaml:"stale_threshold"`
	HealthWindow   int           `yaml:"health_window"`

	// Priorities given to the inbound and local versions when the
	// source_priority conflict strategy is used.
	InboundPriority int `yaml:"inbound_priority"`
	LocalPriority   int `yaml:"local_priority"`
}

// DefaultConfig returns the default pipeline settings.
func DefaultConfig() Config {
	return Config{
		Workers:        10,
		QueueCapacity:  10000,
		DequeueTimeout: time.Second,
		MaxRetries:     models.DefaultMaxRetries,
		StaleThreshold: time.Hour,
		HealthWindow:   1000,
	}
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.DequeueTimeout <= 0 {
		c.DequeueTimeout = d.DequeueTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = d.StaleThreshold
	}
	if c.HealthWindow <= 0 {
		c.HealthWindow = d.HealthWindow
	}
}

// Pipeline is the worker pool and its queue.
type Pipeline struct {
	store       store.EventStore
	resolver    *conflict.Resolver
	invalidator store.Invalidator
	cfg         Config
	now         func() time.Time

	mu       sync.Mutex
	queue    opHeap
	seq      uint64
	inflight int
	stats    *counters
	idle     chan struct{}
	ready    chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithInvalidator sets the receiver of cache invalidation notifications.
func WithInvalidator(inv store.Invalidator) Option {
	return func(p *Pipeline) { p.invalidator = inv }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a stopped pipeline.
func New(s store.EventStore, resolver *conflict.Resolver, cfg Config, opts ...Option) *Pipeline {
	cfg.ApplyDefaults()
	if resolver == nil {
		resolver = conflict.NewResolver(conflict.LastWriteWins)
	}
	p := &Pipeline{
		store:    s,
		resolver: resolver,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		stats:    newCounters(cfg.HealthWindow),
		idle:     make(chan struct{}),
		ready:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.stats.Workers = p.cfg.Workers

	for i := range p.cfg.Workers {
		p.wg.Add(1)
		go p.worker(runCtx, i)
	}

	log.Info().Int("workers", p.cfg.Workers).Int("queue_capacity", p.cfg.QueueCapacity).Msg("Sync pipeline started")
	return nil
}

// Stop waits for the queue to drain until ctx is done, then stops the
// workers. Operations still queued stay in the queue; see DrainQueue.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}

	if err := p.WaitIdle(ctx); err != nil {
		log.Warn().Int("queue_depth", p.QueueDepth()).Msg("Stopping sync pipeline with operations pending")
	}
	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.DequeueTimeout + 5*time.Second):
		return fmt.Errorf("pipeline stop: workers did not exit")
	}

	p.mu.Lock()
	p.stats.Workers = 0
	p.mu.Unlock()

	log.Info().Msg("Sync pipeline stopped")
	return nil
}

// Submit queues a change with the given priority and returns the
// operation id.
func (p *Pipeline) Submit(ctx context.Context, change models.ChangeRecord, priority Priority) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	op := &SyncOperation{
		OperationID: uuid.Must(uuid.NewV7()).String(),
		Change:      change,
		Priority:    priority,
		MaxRetries:  p.cfg.MaxRetries,
		EnqueuedAt:  p.now(),
	}
	if err := p.enqueue(op); err != nil {
		return "", err
	}
	return op.OperationID, nil
}

// Requeue puts previously dequeued or drained operations back, keeping
// their ids and retry counts.
func (p *Pipeline) Requeue(ops []*SyncOperation) error {
	for _, op := range ops {
		if err := p.enqueue(op); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) enqueue(op *SyncOperation) error {
	p.mu.Lock()
	if p.queue.Len() >= p.cfg.QueueCapacity {
		p.mu.Unlock()
		return fmt.Errorf("%w: capacity %d", ErrQueueFull, p.cfg.QueueCapacity)
	}
	if p.queue.Len() == 0 && p.inflight == 0 {
		p.stats.busySince = p.now()
	}
	p.seq++
	op.seq = p.seq
	p.queue.push(op)
	p.mu.Unlock()

	select {
	case p.ready <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue removes the highest priority operation, waiting up to timeout.
// The caller must hand the operation to Process.
func (p *Pipeline) Dequeue(ctx context.Context, timeout time.Duration) (*SyncOperation, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		op := p.queue.pop()
		if op != nil {
			p.inflight++
			more := p.queue.Len() > 0
			p.mu.Unlock()
			if more {
				// pass the wakeup on to another worker
				select {
				case p.ready <- struct{}{}:
				default:
				}
			}
			return op, true
		}
		p.mu.Unlock()

		select {
		case <-p.ready:
		case <-timer.C:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

// DrainQueue removes and returns every queued operation.
func (p *Pipeline) DrainQueue() []*SyncOperation {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*SyncOperation, 0, p.queue.Len())
	for {
		op := p.queue.pop()
		if op == nil {
			break
		}
		out = append(out, op)
	}
	p.signalIdleLocked()
	return out
}

// WaitIdle blocks until the queue is empty and no operation is in flight.
func (p *Pipeline) WaitIdle(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.queue.Len() == 0 && p.inflight == 0 {
			p.mu.Unlock()
			return nil
		}
		idle := p.idle
		p.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// signalIdleLocked wakes WaitIdle callers when the pipeline has become idle.
func (p *Pipeline) signalIdleLocked() {
	if p.queue.Len() != 0 || p.inflight != 0 {
		return
	}
	if !p.stats.busySince.IsZero() {
		p.stats.busyTotal += p.now().Sub(p.stats.busySince)
		p.stats.busySince = time.Time{}
	}
	close(p.idle)
	p.idle = make(chan struct{})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		op, ok := p.Dequeue(ctx, p.cfg.DequeueTimeout)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		p.process(ctx, op, id)
	}
}

// outcome of one processing attempt
type outcome string

const (
	outcomeSucceeded outcome = "succeeded"
	outcomeRetried   outcome = "retried"
	outcomeDropped   outcome = "dropped"
	outcomeInvalid   outcome = "invalid"
)

// process applies op, records the result and requeues retryable failures.
func (p *Pipeline) process(ctx context.Context, op *SyncOperation, worker int) {
	start := time.Now()
	res, err := p.apply(ctx, op)
	elapsed := time.Since(start)

	result := outcomeSucceeded
	switch {
	case err == nil:
	case syncerr.KindOf(err) == syncerr.KindValidation:
		result = outcomeInvalid
		log.Warn().Err(err).
			Str("operation_id", op.OperationID).
			Str("event_id", op.Change.EventID).
			Msg("Dropping invalid change")
	case syncerr.IsRetryable(err) && op.RetryCount < op.MaxRetries:
		result = outcomeRetried
		log.Debug().Err(err).
			Str("operation_id", op.OperationID).
			Int("retry_count", op.RetryCount+1).
			Msg("Requeueing failed change")
	default:
		result = outcomeDropped
		log.Error().Err(err).
			Str("operation_id", op.OperationID).
			Str("event_id", op.Change.EventID).
			Int("retry_count", op.RetryCount).
			Int("worker", worker).
			Msg("Change failed permanently, dropping")
	}

	p.mu.Lock()
	s := p.stats
	s.Processed++
	s.observeLatency(elapsed)
	switch result {
	case outcomeSucceeded:
		s.Succeeded++
		s.observeResult(true)
	case outcomeInvalid:
		s.Invalid++
		s.Dropped++
	case outcomeRetried:
		s.Failed++
		s.Retried++
		s.observeResult(false)
	case outcomeDropped:
		s.Failed++
		s.Dropped++
		s.observeResult(false)
	}
	if res.conflict {
		s.ConflictsDetected++
		s.ConflictsResolved++
	}
	p.mu.Unlock()

	instruments := telemetry.GetMetrics()
	instruments.PipelineOperationsTotal.Add(ctx, 1, metric.WithAttributes(telemetry.Result(string(result))))
	instruments.PipelineDuration.Record(ctx, float64(elapsed.Microseconds())/1000.0)
	if res.conflict {
		instruments.ConflictsTotal.Add(ctx, 1, metric.WithAttributes(telemetry.Result(string(res.winner))))
	}

	if result == outcomeRetried {
		op.RetryCount++
		p.mu.Lock()
		p.inflight--
		p.seq++
		op.seq = p.seq
		p.queue.push(op)
		p.mu.Unlock()
		select {
		case p.ready <- struct{}{}:
		default:
		}
		return
	}

	p.mu.Lock()
	p.inflight--
	p.signalIdleLocked()
	p.mu.Unlock()
}

// Process applies an operation obtained from Dequeue.
func (p *Pipeline) Process(ctx context.Context, op *SyncOperation) {
	p.process(ctx, op, -1)
}

// ProcessOne dequeues and processes a single operation on the calling
// goroutine. It reports false when the queue stayed empty for timeout.
func (p *Pipeline) ProcessOne(ctx context.Context, timeout time.Duration) bool {
	op, ok := p.Dequeue(ctx, timeout)
	if !ok {
		return false
	}
	p.process(ctx, op, -1)
	return true
}

// Metrics returns a copy of the counters.
func (p *Pipeline) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := p.stats.snapshot(p.now())
	m.QueueDepth = p.queue.Len()
	m.InFlight = p.inflight
	return m
}

// QueueDepth returns the number of queued operations.
func (p *Pipeline) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// Healthy reports whether the rolling success rate is above threshold.
func (p *Pipeline) Healthy(threshold float64) bool {
	return p.Metrics().Health > threshold
}
