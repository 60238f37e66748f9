// Package writer propagates local mutations to the provider.
//
// Each call runs as one transaction through a two-phase commit. Prepare
// validates the requests, snapshots the provider's current state and makes
// that snapshot durable in the write-ahead log. Commit performs the provider
// writes in order and verifies each by reading it back. Any failure rolls
// back every request that may have reached the provider, and Recover does
// the same after a crash using only what the log holds.
package writer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/calsync/internal/models"
	"github.com/wolfeidau/calsync/internal/provider"
	"github.com/wolfeidau/calsync/internal/store"
	"github.com/wolfeidau/calsync/internal/syncerr"
	"github.com/wolfeidau/calsync/internal/telemetry"
	"github.com/wolfeidau/calsync/internal/wal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrRollbackFailed    = errors.New("rollback failed")
	ErrInvalidTransition = errors.New("invalid transaction status transition")
)

// Config configures the writer.
type Config struct {
	ProviderTimeout      time.Duration `yaml:"provider_timeout"`
	MaxRetries           int           `yaml:"max_retries"`
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `yaml:"retry_max_interval"`
}

// DefaultConfig returns the default writer settings.
func DefaultConfig() Config {
	return Config{
		ProviderTimeout:      30 * time.Second,
		MaxRetries:           models.DefaultMaxRetries,
		RetryInitialInterval: 50 * time.Millisecond,
		RetryMaxInterval:     250 * time.Millisecond,
	}
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = d.ProviderTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = d.RetryInitialInterval
	}
	if c.RetryMaxInterval <= 0 {
		c.RetryMaxInterval = d.RetryMaxInterval
	}
}

// Committed describes one request of a completed transaction.
type Committed struct {
	TransactionID string
	Operation     models.Operation
	EventID       string
	ExternalID    string
	CalendarID    string

	// Event is the local row after the write; nil for deletes.
	Event *models.Event
	// Remote is the provider's copy after the write; zero for deletes.
	Remote provider.Event
	// Previous is the provider content before the write; nil for creates.
	Previous *models.EventData
}

// CommitCallback observes completed writes.
type CommitCallback func(ctx context.Context, c Committed)

// TransactionResult is the outcome of a BatchWrite.
type TransactionResult struct {
	TransactionID string
	Status        models.TransactionStatus

	// Events holds the local row for each request in order, nil for
	// deletes. Only set when Status is Completed.
	Events []*models.Event
}

// txn is the in-process state of a running transaction.
type txn struct {
	*models.WriteTransaction

	inflight string
	remote   []provider.Event
	applied  bool
}

// Writer runs write transactions against a provider and a local store.
type Writer struct {
	provider provider.Provider
	store    store.EventStore
	wal      *wal.WAL
	cfg      Config
	now      func() time.Time

	mu        sync.Mutex
	active    map[string]*txn
	stats     counters
	callbacks []CommitCallback
}

// Option configures a Writer.
type Option func(*Writer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// WithBaseline starts the writer's counters from prev's, so totals and the
// success rate carry across a restart. Transactions still running on prev
// are not moved and keep counting there.
func WithBaseline(prev *Writer) Option {
	return func(w *Writer) {
		if prev == nil {
			return
		}
		prev.mu.Lock()
		defer prev.mu.Unlock()
		w.stats = prev.stats
	}
}

// New creates a writer. The log must stay open for the writer's lifetime.
func New(p provider.Provider, s store.EventStore, journal *wal.WAL, cfg Config, opts ...Option) *Writer {
	cfg.ApplyDefaults()
	w := &Writer{
		provider: p,
		store:    s,
		wal:      journal,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		active:   make(map[string]*txn),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// OnCommitted registers fn to be called for every request of a completed
// transaction, on the goroutine that ran it.
func (w *Writer) OnCommitted(fn CommitCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// CreateEvent creates an event at the provider and locally. The returned
// row carries both the local id and the provider-assigned external id.
func (w *Writer) CreateEvent(ctx context.Context, calendarID string, data models.EventData) (*models.Event, error) {
	res, err := w.BatchWrite(ctx, []models.WriteRequest{{
		Operation:  models.OpCreate,
		CalendarID: calendarID,
		EventData:  &data,
	}})
	if err != nil {
		return nil, err
	}
	return res.Events[0], nil
}

// UpdateEvent applies patch to the event with local id eventID.
func (w *Writer) UpdateEvent(ctx context.Context, eventID string, patch models.EventPatch) (*models.Event, error) {
	res, err := w.BatchWrite(ctx, []models.WriteRequest{{
		Operation: models.OpUpdate,
		EventID:   eventID,
		Patch:     &patch,
	}})
	if err != nil {
		return nil, err
	}
	return res.Events[0], nil
}

// DeleteEvent removes the event with local id eventID. Deleting an event
// that is already absent succeeds: one missing locally is a no-op that never
// reaches the provider or the log, and one the provider no longer has is
// removed locally.
func (w *Writer) DeleteEvent(ctx context.Context, eventID string) error {
	if eventID == "" {
		return syncerr.Validation("delete_event", "event id is required")
	}
	_, err := w.store.Get(ctx, eventID)
	if errors.Is(err, store.ErrEventNotFound) {
		log.Debug().Str("event_id", eventID).Msg("Delete of absent event, nothing to do")
		return nil
	}
	if err != nil {
		return syncerr.Transient("delete_event", err)
	}

	_, err = w.BatchWrite(ctx, []models.WriteRequest{{
		Operation: models.OpDelete,
		EventID:   eventID,
	}})
	return err
}

// BatchWrite applies requests as a single all-or-nothing transaction. On
// failure the returned result holds the final status and the error says
// whether the rollback completed.
func (w *Writer) BatchWrite(ctx context.Context, requests []models.WriteRequest) (*TransactionResult, error) {
	if len(requests) == 0 {
		return nil, syncerr.Validation("batch_write", "no requests")
	}

	now := w.now()
	t := &txn{WriteTransaction: &models.WriteTransaction{
		TransactionID: uuid.Must(uuid.NewV7()).String(),
		Requests:      slices.Clone(requests),
		Phase:         models.PhasePrepare,
		Status:        models.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}}

	ctx, span := telemetry.Tracer().Start(ctx, "writer.transaction")
	defer span.End()
	span.SetAttributes(
		attribute.String("transaction_id", t.TransactionID),
		attribute.Int("requests", len(requests)),
	)

	w.mu.Lock()
	w.active[t.TransactionID] = t
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.active, t.TransactionID)
		w.mu.Unlock()
	}()

	start := time.Now()
	events, err := w.run(ctx, t)
	w.record(ctx, t, time.Since(start), err)

	result := &TransactionResult{TransactionID: t.TransactionID, Status: t.Status, Events: events}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	w.notifyCommitted(ctx, t, events)
	return result, nil
}

func (w *Writer) run(ctx context.Context, t *txn) ([]*models.Event, error) {
	if err := w.prepare(ctx, t); err != nil {
		w.setErr(t, err)
		w.failPrepare(t, err)
		return nil, err
	}

	if err := w.commit(ctx, t); err != nil {
		w.setErr(t, err)
		return nil, w.abort(ctx, t, err)
	}

	events, err := w.applyLocal(ctx, t)
	if err == nil {
		err = w.wal.LogTransactionPhase(ctx, t.TransactionID, models.PhaseCommit, models.StatusCommitted, nil)
	}
	if err != nil {
		w.setErr(t, err)
		return nil, w.abort(ctx, t, err)
	}
	if err := w.transition(t, models.StatusCommitted); err != nil {
		return nil, err
	}

	// the transaction is fully applied; recovery completes a Committed
	// transaction if this record is lost
	if err := w.wal.LogTransactionComplete(ctx, t.TransactionID, models.StatusCompleted); err != nil {
		log.Warn().Err(err).Str("transaction_id", t.TransactionID).Msg("Failed to log transaction completion")
	}
	if err := w.transition(t, models.StatusCompleted); err != nil {
		return nil, err
	}

	log.Debug().
		Str("transaction_id", t.TransactionID).
		Int("requests", len(t.Requests)).
		Msg("Transaction committed")
	return events, nil
}

// prepare validates every request, snapshots the provider state and makes
// the rollback data durable. It leaves the transaction Prepared on success.
func (w *Writer) prepare(ctx context.Context, t *txn) error {
	if err := w.transition(t, models.StatusPreparing); err != nil {
		return err
	}

	rollback := make([]models.RollbackEntry, 0, len(t.Requests))
	for i := range t.Requests {
		req := t.Requests[i]
		entry, err := w.prepareRequest(ctx, &req)
		if err != nil {
			return err
		}
		w.mu.Lock()
		t.Requests[i] = req
		w.mu.Unlock()
		rollback = append(rollback, entry)
	}

	if err := w.wal.LogTransactionStart(ctx, t.TransactionID, t.Requests); err != nil {
		return fmt.Errorf("failed to log transaction start: %w", err)
	}
	if err := w.wal.LogTransactionPhase(ctx, t.TransactionID, models.PhasePrepare, models.StatusPrepared, rollback); err != nil {
		return fmt.Errorf("failed to log rollback data: %w", err)
	}

	w.mu.Lock()
	t.RollbackData = rollback
	w.mu.Unlock()
	return w.transition(t, models.StatusPrepared)
}

func (w *Writer) prepareRequest(ctx context.Context, req *models.WriteRequest) (models.RollbackEntry, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.Must(uuid.NewV7()).String()
	}
	if req.MaxRetries <= 0 {
		req.MaxRetries = w.cfg.MaxRetries
	}

	switch req.Operation {
	case models.OpCreate:
		return w.prepareCreate(ctx, req)
	case models.OpUpdate, models.OpDelete:
		return w.prepareExisting(ctx, req)
	default:
		return models.RollbackEntry{}, syncerr.Validation("prepare", "unknown operation %q", req.Operation)
	}
}

func (w *Writer) prepareCreate(ctx context.Context, req *models.WriteRequest) (models.RollbackEntry, error) {
	if req.EventData == nil {
		return models.RollbackEntry{}, syncerr.Validation("prepare_create", "event data is required")
	}
	data := *req.EventData
	if data.CalendarID == "" {
		data.CalendarID = req.CalendarID
	}
	if data.CalendarID == "" {
		return models.RollbackEntry{}, syncerr.Validation("prepare_create", "calendar_id is required")
	}
	if err := data.Validate(); err != nil {
		return models.RollbackEntry{}, err
	}
	data.LastModified = time.Time{}

	if req.EventID == "" {
		req.EventID = uuid.Must(uuid.NewV7()).String()
	} else if _, err := w.store.Get(ctx, req.EventID); err == nil {
		return models.RollbackEntry{}, syncerr.Validation("prepare_create", "event %s already exists", req.EventID)
	}

	req.CalendarID = data.CalendarID
	req.EventData = &data
	return models.RollbackEntry{
		RequestID: req.RequestID,
		Operation: req.Operation,
		EventID:   req.EventID,
		Intended:  &data,
	}, nil
}

// prepareExisting resolves the local row of an update or delete and
// snapshots the provider's copy as the rollback pre-image.
func (w *Writer) prepareExisting(ctx context.Context, req *models.WriteRequest) (models.RollbackEntry, error) {
	op := "prepare_" + string(req.Operation)
	if req.EventID == "" {
		return models.RollbackEntry{}, syncerr.Validation(op, "event id is required")
	}

	local, err := w.store.Get(ctx, req.EventID)
	if errors.Is(err, store.ErrEventNotFound) {
		if req.Operation == models.OpDelete {
			// already absent; the request commits as a no-op
			return models.RollbackEntry{RequestID: req.RequestID, Operation: req.Operation, EventID: req.EventID}, nil
		}
		return models.RollbackEntry{}, syncerr.Validation(op, "event %s not found", req.EventID)
	}
	if err != nil {
		return models.RollbackEntry{}, err
	}
	externalID := local.ExternalIDValue()
	if externalID == "" {
		return models.RollbackEntry{}, syncerr.Validation(op, "event %s has no provider id", req.EventID)
	}

	entry := models.RollbackEntry{
		RequestID:  req.RequestID,
		Operation:  req.Operation,
		EventID:    req.EventID,
		ExternalID: externalID,
	}
	req.CalendarID = local.CalendarID

	remote, err := w.getRemote(ctx, externalID)
	if req.Operation == models.OpDelete {
		switch {
		case errors.Is(err, provider.ErrEventNotFound):
			// already gone; the commit only removes the local row
		case err != nil:
			return models.RollbackEntry{}, syncerr.Transient(op, err)
		default:
			original := remote.EventData
			req.OriginalData = &original
			entry.Original = &original
		}
		return entry, nil
	}

	if errors.Is(err, provider.ErrEventNotFound) {
		return models.RollbackEntry{}, syncerr.Conflict(op, "event %s was removed by %s", req.EventID, w.provider.Name())
	}
	if err != nil {
		return models.RollbackEntry{}, syncerr.Transient(op, err)
	}

	original := remote.EventData
	var intended models.EventData
	switch {
	case req.Patch != nil:
		if req.Patch.IsEmpty() {
			return models.RollbackEntry{}, syncerr.Validation(op, "patch for %s changes nothing", req.EventID)
		}
		intended = req.Patch.Apply(original)
	case req.EventData != nil:
		intended = *req.EventData
		if intended.CalendarID == "" {
			intended.CalendarID = original.CalendarID
		}
	default:
		return models.RollbackEntry{}, syncerr.Validation(op, "update of %s needs a patch or event data", req.EventID)
	}
	intended.LastModified = time.Time{}
	if err := intended.Validate(); err != nil {
		return models.RollbackEntry{}, err
	}

	req.CalendarID = intended.CalendarID
	req.OriginalData = &original
	req.EventData = &intended
	entry.Original = &original
	entry.Intended = &intended
	return entry, nil
}

// commit stages local rows for creates, then writes and verifies each
// request in order. The commit intent of every request is logged before the
// provider is called.
func (w *Writer) commit(ctx context.Context, t *txn) error {
	if err := w.transition(t, models.StatusCommitting); err != nil {
		return err
	}
	if err := w.wal.LogTransactionPhase(ctx, t.TransactionID, models.PhaseCommit, models.StatusCommitting, nil); err != nil {
		return err
	}

	for _, req := range t.Requests {
		if req.Operation != models.OpCreate {
			continue
		}
		if err := w.store.Upsert(ctx, models.NewEvent(req.EventID, *req.EventData)); err != nil {
			return fmt.Errorf("failed to stage local event: %w", err)
		}
	}

	t.remote = make([]provider.Event, len(t.Requests))
	for i, req := range t.Requests {
		err := w.wal.LogPhaseUpdate(ctx, t.TransactionID, wal.PhaseUpdate{
			Phase:      models.PhaseCommit,
			Status:     models.StatusCommitting,
			Committing: req.RequestID,
		})
		if err != nil {
			return err
		}
		t.inflight = req.RequestID

		start := time.Now()
		remote, err := w.commitRequest(ctx, t, i)
		w.mu.Lock()
		w.stats.write.add(time.Since(start))
		w.mu.Unlock()
		if err != nil {
			return fmt.Errorf("%s request %s: %w", req.Operation, req.RequestID, err)
		}
		t.remote[i] = remote

		err = w.wal.LogPhaseUpdate(ctx, t.TransactionID, wal.PhaseUpdate{
			Phase:     models.PhaseCommit,
			Status:    models.StatusCommitting,
			Committed: req.RequestID,
		})
		if err != nil {
			return err
		}
		w.mu.Lock()
		t.Committed = append(t.Committed, req.RequestID)
		t.inflight = ""
		w.mu.Unlock()
	}
	return nil
}

func (w *Writer) commitRequest(ctx context.Context, t *txn, i int) (provider.Event, error) {
	req := t.Requests[i]

	switch req.Operation {
	case models.OpCreate:
		created, err := w.callCreate(ctx, provider.Event{EventData: *req.EventData})
		if err != nil {
			return provider.Event{}, err
		}

		// record the assigned id before verifying so rollback can remove it
		w.mu.Lock()
		t.RollbackData[i].ExternalID = created.ExternalID
		rollback := slices.Clone(t.RollbackData)
		w.mu.Unlock()
		err = w.wal.LogPhaseUpdate(ctx, t.TransactionID, wal.PhaseUpdate{
			Phase:      models.PhaseCommit,
			Status:     models.StatusCommitting,
			Rollback:   rollback,
			Committing: req.RequestID,
		})
		if err != nil {
			return provider.Event{}, err
		}
		return w.verify(ctx, created.ExternalID, *req.EventData)

	case models.OpUpdate:
		externalID := t.RollbackData[i].ExternalID
		if _, err := w.callUpdate(ctx, provider.Event{ExternalID: externalID, EventData: *req.EventData}); err != nil {
			return provider.Event{}, err
		}
		return w.verify(ctx, externalID, *req.EventData)

	default:
		externalID := t.RollbackData[i].ExternalID
		if externalID == "" {
			return provider.Event{}, nil
		}
		if err := w.callDelete(ctx, externalID); err != nil && !errors.Is(err, provider.ErrEventNotFound) {
			return provider.Event{}, err
		}
		return provider.Event{ExternalID: externalID}, w.verifyAbsent(ctx, externalID)
	}
}

// verify re-reads the event and compares its content with what was written.
func (w *Writer) verify(ctx context.Context, externalID string, want models.EventData) (provider.Event, error) {
	got, err := w.getRemote(ctx, externalID)
	if err != nil {
		return provider.Event{}, syncerr.Verification("verify_write", "re-read of %s failed: %v", externalID, err)
	}
	if models.Checksum(got.EventData) != models.Checksum(want) {
		return got, syncerr.Verification("verify_write", "event %s does not match the written content", externalID)
	}
	return got, nil
}

func (w *Writer) verifyAbsent(ctx context.Context, externalID string) error {
	_, err := w.getRemote(ctx, externalID)
	switch {
	case errors.Is(err, provider.ErrEventNotFound):
		return nil
	case err != nil:
		return syncerr.Verification("verify_delete", "re-read of %s failed: %v", externalID, err)
	default:
		return syncerr.Verification("verify_delete", "event %s still exists", externalID)
	}
}

// applyLocal writes the verified provider state to the local rows.
func (w *Writer) applyLocal(ctx context.Context, t *txn) ([]*models.Event, error) {
	events := make([]*models.Event, len(t.Requests))
	t.applied = true

	for i, req := range t.Requests {
		if req.Operation == models.OpDelete {
			if err := w.store.Delete(ctx, req.EventID); err != nil {
				return nil, err
			}
			continue
		}

		row, err := w.store.Get(ctx, req.EventID)
		if err != nil {
			return nil, fmt.Errorf("failed to load local event %s: %w", req.EventID, err)
		}
		externalID := t.remote[i].ExternalID
		row.ExternalID = &externalID
		row.SetContent(t.remote[i].EventData)
		row.LastSync = w.now()
		if err := w.store.Upsert(ctx, row); err != nil {
			return nil, err
		}
		events[i] = row
	}
	return events, nil
}

// abort rolls back a transaction that failed after its rollback data became
// durable. The rollback runs detached from ctx cancellation.
func (w *Writer) abort(ctx context.Context, t *txn, cause error) error {
	ctx = context.WithoutCancel(ctx)

	if err := w.transition(t, models.StatusRollingBack); err != nil {
		log.Error().Err(err).Str("transaction_id", t.TransactionID).Msg("Unexpected transaction state")
	}

	log.Warn().Err(cause).
		Str("transaction_id", t.TransactionID).
		Int("committed", len(t.Committed)).
		Msg("Rolling back transaction")

	w.mu.Lock()
	plan := rollbackPlan{
		txID:    t.TransactionID,
		entries: slices.Clone(t.RollbackData),
		reached: reachedSet(t.Committed, t.inflight),
		tries:   maxTries(t.Requests),
	}
	plan.inflight = t.inflight
	w.mu.Unlock()

	start := time.Now()
	err := w.rollback(ctx, &plan)
	w.mu.Lock()
	w.stats.rollback.add(time.Since(start))
	w.mu.Unlock()

	instruments := telemetry.GetMetrics()
	if err != nil {
		_ = w.transition(t, models.StatusFailed)
		instruments.WriterRollbacksTotal.Add(ctx, 1, metric.WithAttributes(telemetry.Result("failed")))
		log.Error().Err(err).Str("transaction_id", t.TransactionID).Msg("Rollback failed, transaction left for recovery")
		return errors.Join(cause, fmt.Errorf("%w: %w", ErrRollbackFailed, err))
	}

	_ = w.transition(t, models.StatusRolledBack)
	instruments.WriterRollbacksTotal.Add(ctx, 1, metric.WithAttributes(telemetry.Result("rolled_back")))
	log.Info().Str("transaction_id", t.TransactionID).Dur("duration", time.Since(start)).Msg("Transaction rolled back")
	return fmt.Errorf("transaction %s rolled back: %w", t.TransactionID, cause)
}

// failPrepare ends a transaction that failed before anything was committed.
// If the start record was written the log entry is closed too.
func (w *Writer) failPrepare(t *txn, cause error) {
	_ = w.transition(t, models.StatusFailed)
	if _, ok := w.wal.Get(t.TransactionID); ok {
		if err := w.wal.LogTransactionComplete(context.Background(), t.TransactionID, models.StatusFailed); err != nil {
			log.Warn().Err(err).Str("transaction_id", t.TransactionID).Msg("Failed to close transaction log entry")
		}
	}
	log.Debug().Err(cause).Str("transaction_id", t.TransactionID).Msg("Transaction rejected during prepare")
}

func (w *Writer) transition(t *txn, to models.TransactionStatus) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	from := t.Status
	if !models.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	t.Status = to
	t.Phase = phaseOf(to)
	t.UpdatedAt = w.now()
	return nil
}

func (w *Writer) setErr(t *txn, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t.Err = err
}

func phaseOf(s models.TransactionStatus) models.TransactionPhase {
	switch s {
	case models.StatusCommitting, models.StatusCommitted:
		return models.PhaseCommit
	case models.StatusRollingBack, models.StatusRolledBack, models.StatusFailed:
		return models.PhaseRollback
	case models.StatusCompleted:
		return models.PhaseCompleted
	default:
		return models.PhasePrepare
	}
}

func (w *Writer) record(ctx context.Context, t *txn, elapsed time.Duration, err error) {
	n := int64(len(t.Requests))

	w.mu.Lock()
	status := t.Status
	switch {
	case status == models.StatusCompleted:
		w.stats.RequestsTotal += n
		w.stats.RequestsSucceeded += n
		w.stats.TransactionsCommitted++
	case syncerr.KindOf(err) == syncerr.KindValidation && status == models.StatusFailed:
		w.stats.RequestsRejected += n
	case status == models.StatusRolledBack:
		w.stats.RequestsTotal += n
		w.stats.RequestsFailed += n
		w.stats.TransactionsRolledBack++
	default:
		w.stats.RequestsTotal += n
		w.stats.RequestsFailed += n
		w.stats.TransactionsFailed++
	}
	w.mu.Unlock()

	instruments := telemetry.GetMetrics()
	for _, req := range t.Requests {
		instruments.WriterRequestsTotal.Add(ctx, 1, metric.WithAttributes(
			telemetry.Operation(string(req.Operation)),
			telemetry.Result(string(status)),
		))
	}
	instruments.WriterDuration.Record(ctx, float64(elapsed.Microseconds())/1000.0)
}

func (w *Writer) notifyCommitted(ctx context.Context, t *txn, events []*models.Event) {
	w.mu.Lock()
	callbacks := slices.Clone(w.callbacks)
	w.mu.Unlock()
	if len(callbacks) == 0 {
		return
	}

	for i, req := range t.Requests {
		if req.Operation == models.OpDelete && t.RollbackData[i].ExternalID == "" {
			continue
		}
		c := Committed{
			TransactionID: t.TransactionID,
			Operation:     req.Operation,
			EventID:       req.EventID,
			ExternalID:    t.remote[i].ExternalID,
			CalendarID:    req.CalendarID,
			Event:         events[i],
			Previous:      req.OriginalData,
		}
		if req.Operation != models.OpDelete {
			c.Remote = t.remote[i]
		}
		for _, fn := range callbacks {
			fn(ctx, c)
		}
	}
}

// ActiveTransactions returns a copy of every transaction in progress.
func (w *Writer) ActiveTransactions() []models.WriteTransaction {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]models.WriteTransaction, 0, len(w.active))
	for _, t := range w.active {
		c := *t.WriteTransaction
		c.Requests = slices.Clone(t.Requests)
		c.RollbackData = slices.Clone(t.RollbackData)
		c.Committed = slices.Clone(t.Committed)
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b models.WriteTransaction) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

// Metrics returns a copy of the counters.
func (w *Writer) Metrics() Metrics {
	w.mu.Lock()
	defer w.mu.Unlock()

	m := w.stats.snapshot()
	m.ActiveTransactions = len(w.active)
	return m
}

// Healthy reports whether the request success rate is at least minSuccess.
func (w *Writer) Healthy(minSuccess float64) bool {
	return w.Metrics().SuccessRate >= minSuccess
}

func (w *Writer) getRemote(ctx context.Context, externalID string) (provider.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.ProviderTimeout)
	defer cancel()
	return w.provider.GetEvent(ctx, externalID)
}

func (w *Writer) callCreate(ctx context.Context, ev provider.Event) (provider.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.ProviderTimeout)
	defer cancel()
	return w.provider.CreateEvent(ctx, ev)
}

func (w *Writer) callUpdate(ctx context.Context, ev provider.Event) (provider.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.ProviderTimeout)
	defer cancel()
	return w.provider.UpdateEvent(ctx, ev)
}

func (w *Writer) callDelete(ctx context.Context, externalID string) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.ProviderTimeout)
	defer cancel()
	return w.provider.DeleteEvent(ctx, externalID)
}
