package wal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/calsync/internal/syncerr"
)

// Compact rewrites the log keeping only records of live transactions and
// archives the previous file.
func (w *WAL) Compact(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ErrClosed
	}
	return w.compactLocked()
}

// compactLocked performs the rewrite:
//
//  1. copy live records into <log>.tmp and fsync it
//  2. rename the active log to <log>.compacting
//  3. rename <log>.tmp to the active log
//  4. archive <log>.compacting
//
// recoverCompaction finishes or rolls back an interrupted run on open.
func (w *WAL) compactLocked() error {
	tmpPath := w.path + tmpSuffix
	stagedPath := w.path + stagedSuffix

	refs := w.index.liveRecords()

	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create compaction file: %w", err)
	}

	if err := writeHeader(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	for _, ref := range refs {
		raw, err := readRawAt(w.file, ref.offset, ref.length)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
		if _, err := tmp.Write(raw); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("failed to write compaction file: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to fsync compaction file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close compaction file: %w", err)
	}

	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close wal: %w", err)
	}
	w.file = nil

	if err := os.Rename(w.path, stagedPath); err != nil {
		os.Remove(tmpPath)
		if loadErr := w.load(); loadErr != nil {
			return errors.Join(err, loadErr)
		}
		return fmt.Errorf("failed to stage wal: %w", err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		// put the original back so nothing is lost
		if restoreErr := os.Rename(stagedPath, w.path); restoreErr != nil {
			return errors.Join(err, restoreErr)
		}
		if loadErr := w.load(); loadErr != nil {
			return errors.Join(err, loadErr)
		}
		return fmt.Errorf("failed to install compacted wal: %w", err)
	}

	previous := w.index.records
	if err := w.load(); err != nil {
		return err
	}

	if _, err := archiveWAL(stagedPath, w.cfg.ArchiveDir, archiveName()); err != nil {
		log.Warn().Err(err).Str("wal_path", stagedPath).Msg("Failed to archive compacted transaction log")
	}

	log.Info().
		Int("records_before", previous).
		Int("records_after", w.index.records).
		Int("live_transactions", len(w.index.order)).
		Msg("Transaction log compacted")

	return nil
}

// recoverCompaction resolves files left behind by an interrupted compaction.
func (w *WAL) recoverCompaction() error {
	tmpPath := w.path + tmpSuffix
	stagedPath := w.path + stagedSuffix

	mainExists := fileExists(w.path)
	tmpExists := fileExists(tmpPath)
	stagedExists := fileExists(stagedPath)

	switch {
	case !mainExists && tmpExists && stagedExists:
		// crashed between the two renames; the tmp file was fsynced
		if err := os.Rename(tmpPath, w.path); err != nil {
			return fmt.Errorf("failed to install compacted wal: %w", err)
		}
	case !mainExists && stagedExists:
		if err := os.Rename(stagedPath, w.path); err != nil {
			return fmt.Errorf("failed to restore staged wal: %w", err)
		}
		stagedExists = false
	case tmpExists:
		if err := os.Remove(tmpPath); err != nil {
			return fmt.Errorf("failed to remove partial compaction file: %w", err)
		}
	}

	if stagedExists {
		log.Info().Str("wal_path", stagedPath).Msg("Archiving transaction log left by interrupted compaction")
		if _, err := archiveWAL(stagedPath, w.cfg.ArchiveDir, archiveName()); err != nil {
			log.Warn().Err(err).Str("wal_path", stagedPath).Msg("Failed to archive staged transaction log")
		}
	}
	return nil
}

func archiveName() string {
	return "transactions-" + time.Now().UTC().Format("20060102T150405.000000000Z")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Record is a decoded log record, used for inspection tooling.
type Record struct {
	Sequence      int64           `json:"sequence"`
	Kind          string          `json:"kind"`
	TransactionID string          `json:"transaction_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// ReadFile decodes every valid record of a log file without modifying it.
// The returned bool reports whether a damaged tail was found.
func ReadFile(path string) ([]Record, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open wal: %w", err)
	}
	defer file.Close()

	if err := readHeader(file); err != nil {
		return nil, false, syncerr.Corruption("wal_read", err)
	}

	var out []Record
	_, corrupt, err := scanRecords(file, func(rec record) {
		payload := json.RawMessage(rec.payload)
		if !json.Valid(payload) {
			payload, _ = json.Marshal(string(rec.payload))
		}
		out = append(out, Record{
			Sequence:      rec.sequence,
			Kind:          rec.kind.String(),
			TransactionID: rec.txID,
			Timestamp:     time.UnixMilli(rec.timestamp).UTC(),
			Payload:       payload,
		})
	})
	if err != nil {
		return nil, false, err
	}
	return out, corrupt, nil
}
