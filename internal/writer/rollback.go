package writer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/calsync/internal/models"
	"github.com/wolfeidau/calsync/internal/provider"
	"github.com/wolfeidau/calsync/internal/store"
	"github.com/wolfeidau/calsync/internal/syncerr"
	"github.com/wolfeidau/calsync/internal/telemetry"
	"github.com/wolfeidau/calsync/internal/wal"
	"go.opentelemetry.io/otel/metric"
)

// createScanSlack widens the provider scan used to find a create whose
// external id was never logged.
const createScanSlack = time.Minute

// rollbackPlan is everything needed to undo a transaction. It is built
// either from a running transaction or from its log entry.
type rollbackPlan struct {
	txID    string
	entries []models.RollbackEntry

	// reached holds the requests that may have reached the provider: every
	// verified request plus the one in flight.
	reached  map[string]bool
	inflight string

	// tries is the attempt budget per request id.
	tries map[string]int
}

func reachedSet(committed []string, inflight string) map[string]bool {
	out := make(map[string]bool, len(committed)+1)
	for _, id := range committed {
		out[id] = true
	}
	if inflight != "" {
		out[inflight] = true
	}
	return out
}

func maxTries(requests []models.WriteRequest) map[string]int {
	out := make(map[string]int, len(requests))
	for _, req := range requests {
		out[req.RequestID] = req.MaxRetries + 1
	}
	return out
}

func planFromLog(tx wal.Transaction) rollbackPlan {
	return rollbackPlan{
		txID:     tx.TransactionID,
		entries:  tx.RollbackData,
		reached:  reachedSet(tx.Committed, tx.Committing),
		inflight: tx.Committing,
		tries:    maxTries(tx.Requests),
	}
}

// rollback undoes the plan in reverse request order. The log entry is
// completed as RolledBack only when every request was undone; otherwise it
// is left in place, marked Failed, for the next Recover.
func (w *Writer) rollback(ctx context.Context, plan *rollbackPlan) error {
	err := w.wal.LogPhaseUpdate(ctx, plan.txID, wal.PhaseUpdate{
		Phase:      models.PhaseRollback,
		Status:     models.StatusRollingBack,
		Committing: plan.inflight,
	})
	if err != nil {
		log.Warn().Err(err).Str("transaction_id", plan.txID).Msg("Failed to log rollback start")
	}

	var errs []error
	for i := len(plan.entries) - 1; i >= 0; i-- {
		entry := &plan.entries[i]
		if err := w.undoWithRetry(ctx, plan, entry); err != nil {
			errs = append(errs, fmt.Errorf("undo %s %s: %w", entry.Operation, entry.RequestID, err))
		}
	}

	if len(errs) > 0 {
		err := w.wal.LogPhaseUpdate(ctx, plan.txID, wal.PhaseUpdate{
			Phase:      models.PhaseRollback,
			Status:     models.StatusFailed,
			Rollback:   plan.entries,
			Committing: plan.inflight,
		})
		if err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}

	if err := w.wal.LogTransactionComplete(ctx, plan.txID, models.StatusRolledBack); err != nil {
		return fmt.Errorf("failed to log rollback completion: %w", err)
	}
	return nil
}

func (w *Writer) undoWithRetry(ctx context.Context, plan *rollbackPlan, entry *models.RollbackEntry) error {
	tries := plan.tries[entry.RequestID]
	if tries <= 0 {
		tries = w.cfg.MaxRetries + 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.RetryInitialInterval
	b.MaxInterval = w.cfg.RetryMaxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := w.undo(ctx, plan, entry)
		if err != nil && !syncerr.IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(tries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).
				Str("transaction_id", plan.txID).
				Str("request_id", entry.RequestID).
				Dur("retry_in", next).
				Msg("Undo failed, retrying")
		}),
	)
	return err
}

// undo applies the inverse of one request at the provider and restores the
// local row. Requests that never reached the provider only have their local
// effects removed.
func (w *Writer) undo(ctx context.Context, plan *rollbackPlan, entry *models.RollbackEntry) error {
	reached := plan.reached[entry.RequestID]

	switch entry.Operation {
	case models.OpCreate:
		if reached {
			if err := w.undoCreate(ctx, entry); err != nil {
				return err
			}
		}
		// the staged local row
		return w.store.Delete(ctx, entry.EventID)

	case models.OpUpdate:
		if !reached || entry.Original == nil {
			return nil
		}
		_, err := w.callUpdate(ctx, provider.Event{ExternalID: entry.ExternalID, EventData: *entry.Original})
		switch {
		case errors.Is(err, provider.ErrEventNotFound):
			log.Warn().Str("event_id", entry.EventID).Str("external_id", entry.ExternalID).Msg("Event removed by provider during rollback")
			return nil
		case err != nil:
			return err
		}
		return w.restoreLocal(ctx, entry)

	case models.OpDelete:
		if !reached || entry.Original == nil {
			return nil
		}
		if err := w.undoDelete(ctx, plan, entry); err != nil {
			return err
		}
		return w.restoreLocal(ctx, entry)

	default:
		return syncerr.Validation("undo", "unknown operation %q", entry.Operation)
	}
}

// undoCreate deletes a created event. When the provider's id was never
// logged the event is located by calendar, title and start.
func (w *Writer) undoCreate(ctx context.Context, entry *models.RollbackEntry) error {
	if entry.ExternalID != "" {
		if err := w.callDelete(ctx, entry.ExternalID); err != nil && !errors.Is(err, provider.ErrEventNotFound) {
			return err
		}
		return nil
	}
	if entry.Intended == nil {
		return nil
	}

	want := *entry.Intended
	listCtx, cancel := context.WithTimeout(ctx, w.cfg.ProviderTimeout)
	defer cancel()
	candidates, err := w.provider.ListEvents(listCtx, models.DateRange{
		Start: want.Start.Add(-createScanSlack),
		End:   want.End.Add(createScanSlack),
	})
	if err != nil {
		return err
	}

	for _, ev := range candidates {
		if ev.CalendarID != want.CalendarID || !ev.Start.Equal(want.Start) ||
			strings.TrimSpace(ev.Title) != strings.TrimSpace(want.Title) {
			continue
		}
		if err := w.callDelete(ctx, ev.ExternalID); err != nil && !errors.Is(err, provider.ErrEventNotFound) {
			return err
		}
		log.Info().
			Str("event_id", entry.EventID).
			Str("external_id", ev.ExternalID).
			Msg("Removed create of unknown outcome")
	}
	return nil
}

// undoDelete recreates a deleted event from its pre-image. The new provider
// id is logged so a later attempt finds the event instead of creating it
// again.
func (w *Writer) undoDelete(ctx context.Context, plan *rollbackPlan, entry *models.RollbackEntry) error {
	_, err := w.getRemote(ctx, entry.ExternalID)
	if err == nil {
		// the delete never took effect
		return nil
	}
	if !errors.Is(err, provider.ErrEventNotFound) {
		return err
	}

	created, err := w.callCreate(ctx, provider.Event{EventData: *entry.Original})
	if err != nil {
		return err
	}
	entry.ExternalID = created.ExternalID

	err = w.wal.LogPhaseUpdate(ctx, plan.txID, wal.PhaseUpdate{
		Phase:      models.PhaseRollback,
		Status:     models.StatusRollingBack,
		Rollback:   plan.entries,
		Committing: plan.inflight,
	})
	if err != nil {
		log.Warn().Err(err).Str("transaction_id", plan.txID).Msg("Failed to log recreated event id")
	}
	return nil
}

// restoreLocal writes the pre-image back to the local row, recreating it if
// it was removed.
func (w *Writer) restoreLocal(ctx context.Context, entry *models.RollbackEntry) error {
	row, err := w.store.Get(ctx, entry.EventID)
	switch {
	case errors.Is(err, store.ErrEventNotFound):
		row = &models.Event{ID: entry.EventID}
	case err != nil:
		return err
	}

	externalID := entry.ExternalID
	row.ExternalID = &externalID
	row.SetContent(*entry.Original)
	row.LastSync = w.now()
	return w.store.Upsert(ctx, row)
}

// RecoveryResult summarizes a Recover run.
type RecoveryResult struct {
	Scanned    int
	RolledBack int
	Completed  int
	Failed     int
	Corrupt    int
}

// Recover resolves every transaction the log still holds, typically left by
// a crash. A transaction logged as Committed counts as terminal: its
// provider writes and local rows are already in place, so it is completed
// and never rolled back. The rest are rolled back from their logged rollback
// data. Corrupt entries are closed as Failed without being replayed.
// Transactions running in this process are skipped.
func (w *Writer) Recover(ctx context.Context) (RecoveryResult, error) {
	var (
		res  RecoveryResult
		errs []error
	)
	instruments := telemetry.GetMetrics()

	for _, tx := range w.wal.Pending() {
		w.mu.Lock()
		_, running := w.active[tx.TransactionID]
		w.mu.Unlock()
		if running {
			continue
		}
		res.Scanned++

		switch {
		case tx.Corrupt:
			res.Corrupt++
			log.Error().
				Str("transaction_id", tx.TransactionID).
				Str("reason", tx.CorruptReason).
				Msg("Discarding corrupt transaction")
			if err := w.wal.LogTransactionComplete(ctx, tx.TransactionID, models.StatusFailed); err != nil {
				errs = append(errs, err)
			}

		case tx.Status == models.StatusCommitted:
			if err := w.wal.LogTransactionComplete(ctx, tx.TransactionID, models.StatusCompleted); err != nil {
				errs = append(errs, err)
				continue
			}
			res.Completed++
			log.Info().Str("transaction_id", tx.TransactionID).Msg("Completed committed transaction")

		default:
			plan := planFromLog(tx)
			start := time.Now()
			err := w.rollback(ctx, &plan)
			w.mu.Lock()
			w.stats.rollback.add(time.Since(start))
			w.mu.Unlock()

			if err != nil {
				res.Failed++
				errs = append(errs, fmt.Errorf("transaction %s: %w", tx.TransactionID, err))
				instruments.WriterRollbacksTotal.Add(ctx, 1, metric.WithAttributes(telemetry.Result("failed")))
				log.Error().Err(err).Str("transaction_id", tx.TransactionID).Msg("Recovery rollback failed")
				continue
			}
			res.RolledBack++
			instruments.WriterRollbacksTotal.Add(ctx, 1, metric.WithAttributes(telemetry.Result("rolled_back")))
			log.Info().
				Str("transaction_id", tx.TransactionID).
				Str("status", string(tx.Status)).
				Int("committed", len(tx.Committed)).
				Msg("Rolled back interrupted transaction")
		}
	}

	w.mu.Lock()
	w.stats.TransactionsRecovered += int64(res.RolledBack + res.Completed)
	w.mu.Unlock()

	log.Info().
		Int("scanned", res.Scanned).
		Int("rolled_back", res.RolledBack).
		Int("completed", res.Completed).
		Int("failed", res.Failed).
		Int("corrupt", res.Corrupt).
		Msg("Writer recovery finished")

	if len(errs) > 0 {
		return res, fmt.Errorf("%w: %w", ErrRollbackFailed, errors.Join(errs...))
	}
	return res, nil
}
