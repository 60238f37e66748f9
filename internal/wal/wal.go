// Package wal is the writer's durable transaction log.
//
// Every state transition of a write transaction is appended as a
// checksummed binary record and fsynced before the call returns. On open the
// log is replayed into an index of live (non-terminal) transactions, which
// is what crash recovery consumes. Terminal transactions are dropped from
// the file by compaction, which archives the previous file with zstd.
package wal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/calsync/internal/models"
	"github.com/wolfeidau/calsync/internal/syncerr"
	"github.com/wolfeidau/calsync/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	logFileName   = "transactions.wal"
	tmpSuffix     = ".tmp"
	stagedSuffix  = ".compacting"
	maxTxIDLength = 1<<16 - 1
)

var (
	ErrClosed             = errors.New("transaction log is closed")
	ErrUnknownTransaction = errors.New("unknown transaction")
	ErrDuplicateStart     = errors.New("transaction already started")
	ErrRecordTooLarge     = errors.New("record exceeds maximum size")
)

// Config configures the transaction log.
type Config struct {
	// Dir holds the active log file.
	Dir string `yaml:"dir"`

	// ArchiveDir receives compressed logs replaced by compaction.
	ArchiveDir string `yaml:"archive_dir"`

	// RetentionDays is how long archives are kept by CleanupArchive.
	RetentionDays int `yaml:"retention_days"`

	// CompactThreshold is the number of records belonging to finished
	// transactions that triggers a compaction. Zero disables it.
	CompactThreshold int `yaml:"compact_threshold"`
}

// DefaultConfig returns defaults rooted at ~/.calsync.
func DefaultConfig() Config {
	homeDir, _ := os.UserHomeDir()
	return Config{
		Dir:              filepath.Join(homeDir, ".calsync", "wal"),
		ArchiveDir:       filepath.Join(homeDir, ".calsync", "wal", "archive"),
		RetentionDays:    30,
		CompactThreshold: 1000,
	}
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.ArchiveDir == "" && c.Dir != "" {
		c.ArchiveDir = filepath.Join(c.Dir, "archive")
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = 30
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return errors.New("wal dir is required")
	}
	if c.CompactThreshold < 0 {
		return errors.New("wal compact_threshold must not be negative")
	}
	return nil
}

// Path returns the active log file path.
func (c *Config) Path() string {
	return filepath.Join(c.Dir, logFileName)
}

// Stats describes the log file.
type Stats struct {
	Path            string
	Records         int
	Live            int
	TerminalRecords int
	LastSequence    int64
	SizeBytes       int64
}

// WAL is an append-only transaction log. It is safe for concurrent use.
type WAL struct {
	mu    sync.Mutex
	cfg   Config
	path  string
	file  *os.File
	size  int64
	index *txIndex
}

// Open opens or creates the log in cfg.Dir and replays it. A damaged tail
// is truncated; a bad header is reported as a corruption error.
func Open(cfg Config) (*WAL, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create wal directory: %w", err)
	}

	w := &WAL{cfg: cfg, path: cfg.Path()}

	if err := w.recoverCompaction(); err != nil {
		return nil, err
	}
	if err := w.load(); err != nil {
		return nil, err
	}

	log.Info().
		Str("wal_path", w.path).
		Int("records", w.index.records).
		Int("live_transactions", len(w.index.order)).
		Msg("Transaction log opened")

	return w, nil
}

// load opens the file and rebuilds the index.
func (w *WAL) load() error {
	file, err := os.OpenFile(w.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open wal: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat wal: %w", err)
	}

	idx := newTxIndex()

	if info.Size() == 0 {
		if err := writeHeader(file); err != nil {
			file.Close()
			return err
		}
		if err := file.Sync(); err != nil {
			file.Close()
			return fmt.Errorf("failed to fsync header: %w", err)
		}
		w.file, w.size, w.index = file, headerSize, idx
		return nil
	}

	if err := readHeader(file); err != nil {
		file.Close()
		return syncerr.Corruption("wal_open", err)
	}

	validEnd, corrupt, err := scanRecords(file, idx.apply)
	if err != nil {
		file.Close()
		return err
	}

	if corrupt || validEnd < info.Size() {
		log.Warn().
			Str("wal_path", w.path).
			Int64("valid_bytes", validEnd).
			Int64("file_bytes", info.Size()).
			Msg("Truncating damaged transaction log tail")
		if err := file.Truncate(validEnd); err != nil {
			file.Close()
			return fmt.Errorf("failed to truncate wal: %w", err)
		}
		if err := file.Sync(); err != nil {
			file.Close()
			return fmt.Errorf("failed to fsync wal: %w", err)
		}
	}

	w.file, w.size, w.index = file, validEnd, idx
	return nil
}

// LogTransactionStart records a new transaction with its requests.
func (w *WAL) LogTransactionStart(ctx context.Context, txID string, requests []models.WriteRequest) error {
	if txID == "" || len(txID) > maxTxIDLength {
		return syncerr.Validation("wal_start", "invalid transaction id %q", txID)
	}

	payload, err := json.Marshal(startPayload{Requests: requests})
	if err != nil {
		return fmt.Errorf("failed to encode start record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.index.byID[txID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateStart, txID)
	}
	return w.appendLocked(ctx, KindStart, txID, payload)
}

// LogTransactionPhase records a phase and status change, replacing the
// rollback data when rollback is non-nil.
func (w *WAL) LogTransactionPhase(ctx context.Context, txID string, phase models.TransactionPhase, status models.TransactionStatus, rollback []models.RollbackEntry) error {
	return w.LogPhaseUpdate(ctx, txID, PhaseUpdate{Phase: phase, Status: status, Rollback: rollback})
}

// LogPhaseUpdate records an arbitrary phase record, including per-request
// commit intents and confirmations.
func (w *WAL) LogPhaseUpdate(ctx context.Context, txID string, update PhaseUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to encode phase record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.index.byID[txID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, txID)
	}
	return w.appendLocked(ctx, KindPhase, txID, payload)
}

// LogTransactionComplete records a terminal status. The transaction is no
// longer reported by Pending.
func (w *WAL) LogTransactionComplete(ctx context.Context, txID string, status models.TransactionStatus) error {
	return w.complete(ctx, txID, completePayload{Status: status})
}

// Purge logically removes a transaction regardless of its state. Purging an
// unknown transaction is a no-op.
func (w *WAL) Purge(ctx context.Context, txID string) error {
	w.mu.Lock()
	entry, ok := w.index.byID[txID]
	var status models.TransactionStatus
	if ok {
		status = entry.tx.Status
	}
	w.mu.Unlock()

	if !ok {
		return nil
	}
	err := w.complete(ctx, txID, completePayload{Status: status, Purged: true})
	if errors.Is(err, ErrUnknownTransaction) {
		return nil
	}
	return err
}

func (w *WAL) complete(ctx context.Context, txID string, p completePayload) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode complete record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.index.byID[txID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, txID)
	}
	if err := w.appendLocked(ctx, KindComplete, txID, payload); err != nil {
		return err
	}

	if w.cfg.CompactThreshold > 0 && w.index.terminalRecords >= w.cfg.CompactThreshold {
		if err := w.compactLocked(); err != nil {
			// the completion itself is durable; compaction is retried next time
			log.Warn().Err(err).Str("wal_path", w.path).Msg("Transaction log compaction failed")
		}
	}
	return nil
}

// appendLocked writes and fsyncs one record. The caller holds w.mu.
func (w *WAL) appendLocked(ctx context.Context, kind RecordKind, txID string, payload []byte) error {
	if w.file == nil {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if recordOverhead+len(txID)+len(payload) > maxRecordSize {
		return fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, recordOverhead+len(txID)+len(payload))
	}

	rec := record{
		sequence:  w.index.lastSequence + 1,
		kind:      kind,
		timestamp: time.Now().UnixMilli(),
		txID:      txID,
		payload:   payload,
	}
	buf := encodeRecord(rec)

	if _, err := w.file.WriteAt(buf, w.size); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to fsync: %w", err)
	}

	rec.offset = w.size
	rec.length = int64(len(buf))
	w.size += rec.length
	w.index.apply(rec)

	telemetry.GetMetrics().WALAppendsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind.String())))

	log.Debug().
		Str("transaction_id", txID).
		Str("kind", kind.String()).
		Int64("sequence", rec.sequence).
		Msg("Transaction record appended")

	return nil
}

// Pending returns every transaction that has not reached a terminal state,
// in the order they were started.
func (w *WAL) Pending() []Transaction {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.index.live()
}

// Get returns the replayed state of a live transaction.
func (w *WAL) Get(txID string) (Transaction, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.index.byID[txID]
	if !ok {
		return Transaction{}, false
	}
	return entry.tx.clone(), true
}

// Stats returns counters describing the log.
func (w *WAL) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	return Stats{
		Path:            w.path,
		Records:         w.index.records,
		Live:            len(w.index.order),
		TerminalRecords: w.index.terminalRecords,
		LastSequence:    w.index.lastSequence,
		SizeBytes:       w.size,
	}
}

// Config returns the configuration the log was opened with.
func (w *WAL) Config() Config {
	return w.cfg
}

// Close closes the file. Further appends return ErrClosed.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	if err != nil {
		return fmt.Errorf("failed to close wal: %w", err)
	}
	return nil
}
