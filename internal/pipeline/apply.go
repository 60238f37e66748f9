package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/calsync/internal/conflict"
	"github.com/wolfeidau/calsync/internal/models"
	"github.com/wolfeidau/calsync/internal/store"
	"github.com/wolfeidau/calsync/internal/syncerr"
)

const localSource = "local"

type applyResult struct {
	conflict bool
	winner   conflict.Winner
}

func (p *Pipeline) apply(ctx context.Context, op *SyncOperation) (applyResult, error) {
	rec := op.Change
	if err := p.validate(rec); err != nil {
		return applyResult{}, err
	}

	if rec.EntityType == models.EntityCalendar {
		return applyResult{}, p.applyCalendar(ctx, rec)
	}

	switch rec.ChangeType {
	case models.ChangeAdded, models.ChangeModified:
		return p.applyUpsert(ctx, rec)
	case models.ChangeDeleted:
		return applyResult{}, p.applyDelete(ctx, rec)
	default:
		return applyResult{}, syncerr.Validation("apply_change", "unknown change type %d", rec.ChangeType)
	}
}

// validate rejects malformed and stale records.
func (p *Pipeline) validate(rec models.ChangeRecord) error {
	if rec.CalendarID == "" {
		return syncerr.Validation("validate_change", "calendar_id is required")
	}

	if rec.EntityType == models.EntityEvent {
		if rec.EventID == "" {
			return syncerr.Validation("validate_change", "event_id is required")
		}
		if rec.ChangeType == models.ChangeAdded || rec.ChangeType == models.ChangeModified {
			if rec.Payload == nil {
				return syncerr.Validation("validate_change", "%s change for %s has no payload", rec.ChangeType, rec.EventID)
			}
			if err := rec.Payload.Validate(); err != nil {
				return err
			}
		}
	}

	observed := rec.DetectedAt
	if observed.IsZero() {
		observed = rec.Timestamp
	}
	if !observed.IsZero() {
		if age := p.now().Sub(observed); age > p.cfg.StaleThreshold {
			return syncerr.Validation("validate_change", "stale %s change for %s (age %s)", rec.ChangeType, rec.EventID, age.Truncate(time.Second))
		}
	}
	return nil
}

func (p *Pipeline) applyUpsert(ctx context.Context, rec models.ChangeRecord) (applyResult, error) {
	data := *rec.Payload
	if data.CalendarID == "" {
		data.CalendarID = rec.CalendarID
	}

	existing, err := p.store.GetByExternalID(ctx, rec.EventID)
	if err != nil && !errors.Is(err, store.ErrEventNotFound) {
		return applyResult{}, err
	}

	if existing == nil {
		externalID := rec.EventID
		ev := &models.Event{
			ID:         uuid.Must(uuid.NewV7()).String(),
			ExternalID: &externalID,
			LastSync:   p.now(),
		}
		ev.SetContent(data)
		if err := p.store.Upsert(ctx, ev); err != nil {
			if errors.Is(err, store.ErrDuplicateExternalID) {
				// another worker inserted it first; a retry takes the conflict path
				return applyResult{}, syncerr.Transient("apply_change", err)
			}
			return applyResult{}, err
		}
		p.invalidate(ctx, ev, rec.ChangeType, time.Time{})
		return applyResult{}, nil
	}

	source := conflict.Version{
		Data:      data,
		Source:    rec.Source,
		Priority:  p.cfg.InboundPriority,
		Timestamp: rec.Timestamp,
	}
	target := conflict.Version{
		Data:      existing.EventData,
		Source:    localSource,
		Priority:  p.cfg.LocalPriority,
		Timestamp: existing.LastModified,
	}
	if target.Timestamp.IsZero() {
		target.Timestamp = existing.UpdatedAt
	}

	var (
		res    conflict.Resolution
		result applyResult
	)
	if models.Checksum(data) == existing.Checksum {
		// content we already hold, typically our own write coming back
		return applyResult{}, nil
	}
	if rec.ChangeType == models.ChangeAdded {
		res = p.resolver.Resolve(source, target)
		result = applyResult{conflict: true, winner: res.Winner}
	} else {
		res = p.resolver.ResolveModified(source, target)
	}

	log.Debug().
		Str("event_id", existing.ID).
		Str("external_id", rec.EventID).
		Str("change_type", rec.ChangeType.String()).
		Str("strategy", string(res.Strategy)).
		Str("winner", string(res.Winner)).
		Float64("confidence", res.Confidence).
		Str("reason", res.Reason).
		Msg("Conflict resolved")

	if res.Winner == conflict.WinnerTarget {
		return result, nil
	}

	previousStart := existing.Start
	resolved := res.Data
	if resolved.CalendarID == "" {
		resolved.CalendarID = data.CalendarID
	}
	existing.SetContent(resolved)
	existing.LastSync = p.now()
	if err := p.store.Upsert(ctx, existing); err != nil {
		return result, err
	}

	p.invalidate(ctx, existing, rec.ChangeType, previousStart)
	return result, nil
}

func (p *Pipeline) applyDelete(ctx context.Context, rec models.ChangeRecord) error {
	existing, err := p.store.GetByExternalID(ctx, rec.EventID)
	if errors.Is(err, store.ErrEventNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := p.store.Delete(ctx, existing.ID); err != nil {
		return err
	}
	p.invalidate(ctx, existing, models.ChangeDeleted, time.Time{})
	return nil
}

// applyCalendar handles calendar-level changes. Removing a calendar removes
// its local events; additions need no local write.
func (p *Pipeline) applyCalendar(ctx context.Context, rec models.ChangeRecord) error {
	if rec.ChangeType != models.ChangeDeleted {
		log.Info().
			Str("calendar_id", rec.CalendarID).
			Str("change_type", rec.ChangeType.String()).
			Msg("Calendar change recorded")
		return nil
	}

	events, err := p.store.Query(ctx, models.EventFilter{CalendarID: rec.CalendarID})
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := p.store.Delete(ctx, ev.ID); err != nil {
			return err
		}
		p.invalidate(ctx, ev, models.ChangeDeleted, time.Time{})
	}

	log.Info().
		Str("calendar_id", rec.CalendarID).
		Int("events_removed", len(events)).
		Msg("Calendar removed")
	return nil
}

// invalidate notifies the invalidator for the event's date bucket and, when
// the start moved to another day, the previous bucket too.
func (p *Pipeline) invalidate(ctx context.Context, ev *models.Event, ct models.ChangeType, previousStart time.Time) {
	if p.invalidator == nil {
		return
	}

	n := models.ChangeNotification{
		EventID:    ev.ID,
		CalendarID: ev.CalendarID,
		DateBucket: models.DateBucket(ev.Start),
		ChangeType: ct,
		Origin:     models.OriginInbound,
		At:         p.now(),
	}
	p.notify(ctx, n)

	if old := models.DateBucket(previousStart); old != "" && old != n.DateBucket {
		n.DateBucket = old
		p.notify(ctx, n)
	}
}

func (p *Pipeline) notify(ctx context.Context, n models.ChangeNotification) {
	if err := p.invalidator.Invalidate(ctx, n); err != nil {
		log.Warn().Err(err).Str("event_id", n.EventID).Str("date_bucket", n.DateBucket).Msg("Cache invalidation failed")
	}
}
