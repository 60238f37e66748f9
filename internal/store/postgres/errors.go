package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/wolfeidau/calsync/internal/store"
	"github.com/wolfeidau/calsync/internal/syncerr"
)

// mapPostgresError maps PostgreSQL errors to store sentinels and sync error
// kinds. Connection and contention failures are transient.
func mapPostgresError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrEventNotFound
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
			return syncerr.Transient(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		if pgErr.ConstraintName == "events_external_id_key" {
			return fmt.Errorf("%s: %w", op, store.ErrDuplicateExternalID)
		}
		return fmt.Errorf("%s: unique constraint violation: %s: %w", op, pgErr.ConstraintName, err)

	case pgerrcode.CheckViolation:
		return syncerr.Validation(op, "check constraint %s violated: %s", pgErr.ConstraintName, pgErr.Message)

	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
		return syncerr.Transient(op, fmt.Errorf("transaction conflict: %w", err))

	case pgerrcode.ConnectionException,
		pgerrcode.ConnectionDoesNotExist,
		pgerrcode.ConnectionFailure,
		pgerrcode.CannotConnectNow,
		pgerrcode.SQLClientUnableToEstablishSQLConnection,
		pgerrcode.AdminShutdown,
		pgerrcode.CrashShutdown:
		return syncerr.Transient(op, fmt.Errorf("database unavailable: %w", err))

	case pgerrcode.QueryCanceled:
		return syncerr.Transient(op, fmt.Errorf("query canceled: %w", err))

	case pgerrcode.InsufficientResources,
		pgerrcode.DiskFull,
		pgerrcode.OutOfMemory,
		pgerrcode.TooManyConnections:
		return syncerr.Transient(op, fmt.Errorf("database resource limit: %w", err))

	default:
		return fmt.Errorf("%s: postgres error [%s]: %s (detail: %s, hint: %s): %w",
			op, pgErr.Code, pgErr.Message, pgErr.Detail, pgErr.Hint, err)
	}
}
