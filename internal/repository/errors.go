package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrInsufficientFunds is returned when a paid reservation exceeds the balance.
	ErrInsufficientFunds = errors.New("insufficient_funds")
	// ErrQuotaExhausted is returned when no free generation remains in the current window.
	ErrQuotaExhausted = errors.New("quota_exhausted")
	// ErrStaleTransition is returned when a job is no longer in the expected state.
	ErrStaleTransition = errors.New("stale_transition")
	// ErrInvalidTransition is returned for edges outside the job state machine.
	ErrInvalidTransition = errors.New("invalid_transition")
	// ErrIdempotencyConflict is returned when an idempotency key belongs to another account.
	ErrIdempotencyConflict = errors.New("idempotency_key_conflict")

	ErrJobNotFound         = errors.New("job_not_found")
	ErrAccountNotFound     = errors.New("account_not_found")
	ErrReservationNotFound = errors.New("reservation_not_found")
	ErrPaymentNotFound     = errors.New("payment_not_found")
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// IsRetryable reports whether err is transient store contention that can be
// resolved by rerunning the transaction.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
