package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

// IsConflict reports whether err is a concurrent-write failure worth retrying.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
	}
	return errors.Is(err, shared.ErrPersistenceConflict)
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

// RetryOnConflict runs fn and re-runs it up to retries times while it fails
// with a conflict. A conflict that survives is wrapped in ErrPersistenceConflict.
func RetryOnConflict(ctx context.Context, retries int, fn func() error, onRetry func()) error {
	err := fn()
	for attempt := 0; attempt < retries && IsConflict(err); attempt++ {
		if ctx.Err() != nil {
			break
		}
		if onRetry != nil {
			onRetry()
		}
		err = fn()
	}
	if IsConflict(err) && !errors.Is(err, shared.ErrPersistenceConflict) {
		return fmt.Errorf("%w: %w", shared.ErrPersistenceConflict, err)
	}
	return err
}
